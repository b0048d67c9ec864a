package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/model"
)

// APIPrefix is where the course-material API is mounted.
const APIPrefix = "/api/v0/course-material"

// UserCookie identifies the pseudonymous learner on every request.
const UserCookie = "user_id"

const maxErrorBody = 4 << 10

// HTTPClient calls a remote course-material API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	userID  uuid.UUID
}

// NewHTTPClient creates a client for the API served at baseURL.
func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// ForUser returns a copy of c acting as the given learner.
func (c *HTTPClient) ForUser(userID uuid.UUID) Client {
	cp := *c
	cp.userID = userID
	return &cp
}

func (c *HTTPClient) exerciseURL(exerciseID uuid.UUID, parts ...string) string {
	u := c.baseURL + APIPrefix + "/exercises/" + exerciseID.String()
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != uuid.Nil {
		req.AddCookie(&http.Cookie{Name: UserCookie, Value: c.userID.String()})
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ErrorBody is the JSON body of a failed API call.
type ErrorBody struct {
	Message string `json:"message"`
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body ErrorBody
	if err := json.Unmarshal(data, &body); err != nil || body.Message == "" {
		body.Message = strings.TrimSpace(string(data))
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: body.Message}
}

func (c *HTTPClient) FetchExercise(ctx context.Context, exerciseID uuid.UUID) (model.CourseMaterialExercise, error) {
	var out model.CourseMaterialExercise
	if err := c.do(ctx, http.MethodGet, c.exerciseURL(exerciseID), nil, &out); err != nil {
		return model.CourseMaterialExercise{}, fmt.Errorf("fetch exercise: %w", err)
	}
	return out, nil
}

func (c *HTTPClient) PostSubmission(ctx context.Context, exerciseID uuid.UUID, sub model.StudentExerciseSlideSubmission) (model.SubmissionResult, error) {
	var out model.SubmissionResult
	if err := c.do(ctx, http.MethodPost, c.exerciseURL(exerciseID, "submissions"), sub, &out); err != nil {
		return model.SubmissionResult{}, fmt.Errorf("post submission: %w", err)
	}
	return out, nil
}

func (c *HTTPClient) PostStartPeerOrSelfReview(ctx context.Context, exerciseID uuid.UUID) error {
	if err := c.do(ctx, http.MethodPost, c.exerciseURL(exerciseID, "peer-or-self-reviews", "start"), nil, nil); err != nil {
		return fmt.Errorf("start review: %w", err)
	}
	return nil
}

func (c *HTTPClient) FetchPeerOrSelfReviewData(ctx context.Context, exerciseID uuid.UUID) (model.PeerOrSelfReviewDataWithToken, error) {
	var out model.PeerOrSelfReviewDataWithToken
	if err := c.do(ctx, http.MethodGet, c.exerciseURL(exerciseID, "peer-review"), nil, &out); err != nil {
		return model.PeerOrSelfReviewDataWithToken{}, fmt.Errorf("fetch review data: %w", err)
	}
	return out, nil
}

func (c *HTTPClient) PostPeerOrSelfReviewSubmission(ctx context.Context, exerciseID uuid.UUID, req model.PeerOrSelfReviewSubmissionRequest) error {
	if err := c.do(ctx, http.MethodPost, c.exerciseURL(exerciseID, "peer-or-self-reviews"), req, nil); err != nil {
		return fmt.Errorf("post review: %w", err)
	}
	return nil
}

func (c *HTTPClient) PostFlagAnswer(ctx context.Context, exerciseID uuid.UUID, req model.FlagAnswerRequest) error {
	if err := c.do(ctx, http.MethodPost, c.exerciseURL(exerciseID, "flag-peer-review-answer"), req, nil); err != nil {
		return fmt.Errorf("flag answer: %w", err)
	}
	return nil
}

func (c *HTTPClient) FetchReceivedReviews(ctx context.Context, exerciseID, submissionID uuid.UUID) (model.PeerOrSelfReviewsReceived, error) {
	var out model.PeerOrSelfReviewsReceived
	url := c.exerciseURL(exerciseID, "exercise-slide-submission", submissionID.String(), "peer-or-self-reviews-received")
	if err := c.do(ctx, http.MethodGet, url, nil, &out); err != nil {
		return model.PeerOrSelfReviewsReceived{}, fmt.Errorf("fetch received reviews: %w", err)
	}
	return out, nil
}
