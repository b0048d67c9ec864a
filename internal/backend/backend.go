// Package backend is the data access layer of the course-material API: exercise
// download, slide submission, peer and self review data and flags.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/model"
)

var (
	// ErrNotFound is returned when the exercise or submission does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPreconditionFailed is returned when the server refuses an action in
	// the learner's current state, e.g. submitting too fast or reviewing twice.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrUnauthorized is returned when the request carries no learner.
	ErrUnauthorized = errors.New("unauthorized")
)

// Client is every course-material call the exercise block makes, on behalf
// of one learner.
type Client interface {
	FetchExercise(ctx context.Context, exerciseID uuid.UUID) (model.CourseMaterialExercise, error)
	PostSubmission(ctx context.Context, exerciseID uuid.UUID, sub model.StudentExerciseSlideSubmission) (model.SubmissionResult, error)
	PostStartPeerOrSelfReview(ctx context.Context, exerciseID uuid.UUID) error
	FetchPeerOrSelfReviewData(ctx context.Context, exerciseID uuid.UUID) (model.PeerOrSelfReviewDataWithToken, error)
	PostPeerOrSelfReviewSubmission(ctx context.Context, exerciseID uuid.UUID, req model.PeerOrSelfReviewSubmissionRequest) error
	PostFlagAnswer(ctx context.Context, exerciseID uuid.UUID, req model.FlagAnswerRequest) error
	FetchReceivedReviews(ctx context.Context, exerciseID, submissionID uuid.UUID) (model.PeerOrSelfReviewsReceived, error)
}

// Provider hands out a Client acting as the given learner.
type Provider interface {
	ForUser(userID uuid.UUID) Client
}

// HTTPError is a failed course-material API call.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("course-material api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("course-material api: %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the package sentinels.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrPreconditionFailed:
		return e.StatusCode == http.StatusPreconditionFailed || e.StatusCode == http.StatusBadRequest
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

// StatusCode maps an error returned by a Client onto the HTTP status the
// course-material API answers with.
func StatusCode(err error) int {
	var he *HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPreconditionFailed):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}
