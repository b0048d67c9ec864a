package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/backend"
	"github.com/pavelanni/coursematerial/internal/exercise"
	"github.com/pavelanni/coursematerial/internal/filestore"
	"github.com/pavelanni/coursematerial/internal/i18n"
	"github.com/pavelanni/coursematerial/internal/model"
)

// block returns the learner's open block for the exercise in the URL,
// opening and loading it on first use. loaded reports whether it was just
// downloaded.
func (h *Handler) block(r *http.Request) (b *exercise.Block, loaded bool, err error) {
	id, err := exerciseID(r)
	if err != nil {
		return nil, false, err
	}
	user := model.UserFromContext(r.Context())
	if user == nil {
		return nil, false, backend.ErrUnauthorized
	}
	key := blockKey{user: user.ID, exercise: id}

	h.mu.Lock()
	b, ok := h.blocks[key]
	if !ok {
		b, err = exercise.New(exercise.Config{
			ExerciseID:       id,
			UserID:           user.ID,
			Client:           h.backend.ForUser(user.ID),
			Files:            h.files,
			Hub:              h.hub,
			Language:         i18n.LanguageFromContext(r.Context()),
			HandshakeTimeout: h.config.HandshakeTimeout,
			Logger:           h.logger,
		})
		if err != nil {
			h.mu.Unlock()
			return nil, false, err
		}
		h.blocks[key] = b
	}
	h.mu.Unlock()

	if ok {
		b.SetLanguage(r.Context(), i18n.LanguageFromContext(r.Context()))
		return b, false, nil
	}
	if err := b.Load(r.Context()); err != nil {
		h.mu.Lock()
		if h.blocks[key] == b {
			delete(h.blocks, key)
		}
		h.mu.Unlock()
		b.Close()
		return nil, false, err
	}
	return b, true, nil
}

func (h *Handler) handleExercise(w http.ResponseWriter, r *http.Request) {
	b, loaded, err := h.block(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !loaded {
		if err := b.Refetch(r.Context()); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	h.writeJSON(w, http.StatusOK, b.View(r.Context()))
}

type submitResponse struct {
	Result model.SubmissionResult `json:"result"`
	View   exercise.View          `json:"view"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	b, _, err := h.block(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := b.Submit(r.Context())
	if err != nil {
		h.logger.Warn("submit failed", "exercise_id", b.ID().String(), "error", err)
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, submitResponse{Result: res, View: b.View(r.Context())})
}

func (h *Handler) handleTryAgain(w http.ResponseWriter, r *http.Request) {
	b, _, err := h.block(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := b.TryAgain(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, b.View(r.Context()))
}

func (h *Handler) handleStartReview(w http.ResponseWriter, r *http.Request) {
	b, _, err := h.block(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := b.StartReview(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, b.View(r.Context()))
}

func (h *Handler) handleReviewForm(w http.ResponseWriter, r *http.Request) {
	b, _, err := h.block(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	form := b.Review()
	if err := form.Load(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, form.View())
}

func (h *Handler) handleReviewAnswers(w http.ResponseWriter, r *http.Request) {
	b, _, err := h.block(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var answers []model.PeerOrSelfReviewQuestionAnswer
	if err := decodeJSON(w, r, &answers); err != nil {
		h.writeError(w, r, err)
		return
	}
	form := b.Review()
	for _, a := range answers {
		form.SetAnswer(a.PeerOrSelfReviewQuestionID, a)
	}
	h.writeJSON(w, http.StatusOK, form.View())
}

func (h *Handler) handleReviewSubmit(w http.ResponseWriter, r *http.Request) {
	b, _, err := h.block(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := b.Review().Submit(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, b.View(r.Context()))
}

type flagRequest struct {
	Reason      model.ReportReason `json:"reason"`
	Description string             `json:"description"`
}

func (h *Handler) handleFlag(w http.ResponseWriter, r *http.Request) {
	b, _, err := h.block(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req flagRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	form := b.Review()
	if err := form.Flag(r.Context(), req.Reason, req.Description); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, form.View())
}

func (h *Handler) handleExtraReview(w http.ResponseWriter, r *http.Request) {
	b, _, err := h.block(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := b.Review().RequestExtraReview(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, b.View(r.Context()))
}

func (h *Handler) handleReceivedReviews(w http.ResponseWriter, r *http.Request) {
	b, _, err := h.block(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	groups, err := b.ReceivedReviews(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, groups)
}

func (h *Handler) handleFrame(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "frameID"))
	if err != nil {
		http.Error(w, "unknown frame", http.StatusNotFound)
		return
	}
	h.hub.ServeFrame(w, r, id)
}

func (h *Handler) handleFile(w http.ResponseWriter, r *http.Request) {
	data, err := h.uploads.Get(chi.URLParam(r, "key"))
	if errors.Is(err, filestore.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("read upload", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
