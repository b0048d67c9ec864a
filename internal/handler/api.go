package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/backend"
	"github.com/pavelanni/coursematerial/internal/model"
)

func (h *Handler) apiRoutes(r chi.Router) {
	r.Get("/", h.apiExercise)
	r.Get("/peer-review", h.apiReviewData)
	r.Post("/submissions", h.apiSubmit)
	r.Post("/peer-or-self-reviews", h.apiReview)
	r.Post("/peer-or-self-reviews/start", h.apiStartReview)
	r.Post("/flag-peer-review-answer", h.apiFlag)
	r.Get("/exercise-slide-submission/{submissionID}/peer-or-self-reviews-received", h.apiReceivedReviews)
}

// apiClient returns the course-material client of the learner named by the
// request cookie. Only downloading an exercise works without one.
func (h *Handler) apiClient(r *http.Request, anonymous bool) (backend.Client, uuid.UUID, error) {
	id, err := exerciseID(r)
	if err != nil {
		return nil, uuid.Nil, err
	}
	user := cookieID(r)
	if user == uuid.Nil && !anonymous {
		return nil, uuid.Nil, fmt.Errorf("missing %s cookie: %w", backend.UserCookie, backend.ErrUnauthorized)
	}
	return h.api.ForUser(user), id, nil
}

func (h *Handler) apiExercise(w http.ResponseWriter, r *http.Request) {
	c, id, err := h.apiClient(r, true)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ex, err := c.FetchExercise(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ex)
}

func (h *Handler) apiReviewData(w http.ResponseWriter, r *http.Request) {
	c, id, err := h.apiClient(r, false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	data, err := c.FetchPeerOrSelfReviewData(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, data)
}

func (h *Handler) apiSubmit(w http.ResponseWriter, r *http.Request) {
	c, id, err := h.apiClient(r, false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var sub model.StudentExerciseSlideSubmission
	if err := decodeJSON(w, r, &sub); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := c.PostSubmission(r.Context(), id, sub)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) apiReview(w http.ResponseWriter, r *http.Request) {
	c, id, err := h.apiClient(r, false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req model.PeerOrSelfReviewSubmissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := c.PostPeerOrSelfReviewSubmission(r.Context(), id, req); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) apiStartReview(w http.ResponseWriter, r *http.Request) {
	c, id, err := h.apiClient(r, false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := c.PostStartPeerOrSelfReview(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) apiFlag(w http.ResponseWriter, r *http.Request) {
	c, id, err := h.apiClient(r, false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req model.FlagAnswerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := c.PostFlagAnswer(r.Context(), id, req); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) apiReceivedReviews(w http.ResponseWriter, r *http.Request) {
	c, id, err := h.apiClient(r, false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	submissionID, err := uuid.Parse(chi.URLParam(r, "submissionID"))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("invalid submission id: %w", backend.ErrNotFound))
		return
	}
	received, err := c.FetchReceivedReviews(r.Context(), id, submissionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, received)
}
