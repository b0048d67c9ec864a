package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/model"
)

type recorded struct {
	method string
	path   string
	user   string
	body   []byte
}

func newTestServer(t *testing.T, status int, response any) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		if c, err := r.Cookie(UserCookie); err == nil {
			rec.user = c.Value
		}
		if r.Body != nil {
			var raw json.RawMessage
			if err := json.NewDecoder(r.Body).Decode(&raw); err == nil {
				rec.body = raw
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if response != nil {
			_ = json.NewEncoder(w).Encode(response)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestFetchExercise(t *testing.T) {
	exerciseID, userID := uuid.New(), uuid.New()
	want := model.CourseMaterialExercise{
		Exercise:          model.Exercise{ID: exerciseID, Name: "Loops"},
		CanPostSubmission: true,
	}
	srv, rec := newTestServer(t, http.StatusOK, want)

	c := NewHTTPClient(srv.URL+"/", nil).ForUser(userID)
	got, err := c.FetchExercise(context.Background(), exerciseID)
	if err != nil {
		t.Fatalf("FetchExercise: %v", err)
	}
	if got.Exercise.Name != "Loops" || !got.CanPostSubmission {
		t.Errorf("got %+v", got)
	}
	if rec.method != http.MethodGet || rec.path != APIPrefix+"/exercises/"+exerciseID.String() {
		t.Errorf("request = %s %s", rec.method, rec.path)
	}
	if rec.user != userID.String() {
		t.Errorf("user cookie = %q, want %s", rec.user, userID)
	}
}

func TestPostEndpoints(t *testing.T) {
	exerciseID, submissionID := uuid.New(), uuid.New()
	base := APIPrefix + "/exercises/" + exerciseID.String()
	tests := []struct {
		name     string
		call     func(Client) error
		method   string
		path     string
		wantBody bool
	}{
		{
			name: "submission",
			call: func(c Client) error {
				_, err := c.PostSubmission(context.Background(), exerciseID, model.StudentExerciseSlideSubmission{ExerciseSlideID: uuid.New()})
				return err
			},
			method: http.MethodPost, path: base + "/submissions", wantBody: true,
		},
		{
			name:   "start review",
			call:   func(c Client) error { return c.PostStartPeerOrSelfReview(context.Background(), exerciseID) },
			method: http.MethodPost, path: base + "/peer-or-self-reviews/start",
		},
		{
			name: "review data",
			call: func(c Client) error {
				_, err := c.FetchPeerOrSelfReviewData(context.Background(), exerciseID)
				return err
			},
			method: http.MethodGet, path: base + "/peer-review",
		},
		{
			name: "review submission",
			call: func(c Client) error {
				return c.PostPeerOrSelfReviewSubmission(context.Background(), exerciseID, model.PeerOrSelfReviewSubmissionRequest{Token: "t"})
			},
			method: http.MethodPost, path: base + "/peer-or-self-reviews", wantBody: true,
		},
		{
			name: "flag",
			call: func(c Client) error {
				return c.PostFlagAnswer(context.Background(), exerciseID, model.FlagAnswerRequest{Reason: model.ReasonSpam})
			},
			method: http.MethodPost, path: base + "/flag-peer-review-answer", wantBody: true,
		},
		{
			name: "received reviews",
			call: func(c Client) error {
				_, err := c.FetchReceivedReviews(context.Background(), exerciseID, submissionID)
				return err
			},
			method: http.MethodGet, path: base + "/exercise-slide-submission/" + submissionID.String() + "/peer-or-self-reviews-received",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, rec := newTestServer(t, http.StatusOK, map[string]any{})
			if err := tt.call(NewHTTPClient(srv.URL, nil)); err != nil {
				t.Fatalf("call: %v", err)
			}
			if rec.method != tt.method || rec.path != tt.path {
				t.Errorf("request = %s %s, want %s %s", rec.method, rec.path, tt.method, tt.path)
			}
			if tt.wantBody && len(rec.body) == 0 {
				t.Error("request body is empty")
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    any
		target  error
		message string
	}{
		{"not found", http.StatusNotFound, ErrorBody{Message: "no such exercise"}, ErrNotFound, "no such exercise"},
		{"too fast", http.StatusBadRequest, ErrorBody{Message: "You are submitting too fast. Try again later."}, ErrPreconditionFailed, "You are submitting too fast. Try again later."},
		{"precondition", http.StatusPreconditionFailed, nil, ErrPreconditionFailed, ""},
		{"no user", http.StatusUnauthorized, nil, ErrUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.status, tt.body)
			_, err := NewHTTPClient(srv.URL, nil).FetchExercise(context.Background(), uuid.New())
			if !errors.Is(err, tt.target) {
				t.Fatalf("error = %v, want %v", err, tt.target)
			}
			var he *HTTPError
			if !errors.As(err, &he) {
				t.Fatalf("error %v is not an *HTTPError", err)
			}
			if he.StatusCode != tt.status || he.Message != tt.message {
				t.Errorf("HTTPError = %+v", he)
			}
			if got := StatusCode(err); got != tt.status {
				t.Errorf("StatusCode() = %d, want %d", got, tt.status)
			}
		})
	}
}

func TestStatusCodeOfSentinels(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrPreconditionFailed, http.StatusBadRequest},
		{ErrUnauthorized, http.StatusUnauthorized},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusCode(tt.err); got != tt.want {
			t.Errorf("StatusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
