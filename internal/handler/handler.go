package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/backend"
	"github.com/pavelanni/coursematerial/internal/bridge"
	"github.com/pavelanni/coursematerial/internal/exercise"
	"github.com/pavelanni/coursematerial/internal/filestore"
	"github.com/pavelanni/coursematerial/internal/model"
	"github.com/pavelanni/coursematerial/internal/review"
	"github.com/pavelanni/coursematerial/internal/store"
)

// maxBodySize caps JSON request bodies.
const maxBodySize = 1 << 20

// Config holds the dependencies of the HTTP handlers.
type Config struct {
	Store *store.Store
	// Backend serves the exercise blocks of the host.
	Backend backend.Provider
	// API is the course-material API served under backend.APIPrefix. Nil
	// when the host talks to a remote course-material server.
	API     backend.Provider
	Hub     *bridge.Hub
	Files   filestore.Store
	Uploads *filestore.Bolt
	Host    model.HostConfig
	Logger  *slog.Logger
}

type blockKey struct {
	user     uuid.UUID
	exercise uuid.UUID
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store   *store.Store
	backend backend.Provider
	api     backend.Provider
	hub     *bridge.Hub
	files   filestore.Store
	uploads *filestore.Bolt
	config  model.HostConfig
	logger  *slog.Logger

	mu     sync.Mutex
	blocks map[blockKey]*exercise.Block
}

// New creates a new Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("handler needs a store")
	}
	if cfg.Backend == nil {
		return nil, errors.New("handler needs a course-material backend")
	}
	hub := cfg.Hub
	if hub == nil {
		hub = bridge.NewHub(cfg.Logger)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:   cfg.Store,
		backend: cfg.Backend,
		api:     cfg.API,
		hub:     hub,
		files:   cfg.Files,
		uploads: cfg.Uploads,
		config:  cfg.Host,
		logger:  logger,
		blocks:  make(map[blockKey]*exercise.Block),
	}, nil
}

// Close closes every open exercise block.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, b := range h.blocks {
		b.Close()
		delete(h.blocks, k)
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/frames/{frameID}/ws", h.handleFrame)
	if h.uploads != nil {
		r.Get("/files/{key}", h.handleFile)
	}

	r.Route("/host/exercises/{exerciseID}", func(r chi.Router) {
		r.Use(h.learner)
		r.Get("/", h.handleExercise)
		r.Post("/submit", h.handleSubmit)
		r.Post("/try-again", h.handleTryAgain)
		r.Post("/start-review", h.handleStartReview)
		r.Get("/peer-review", h.handleReviewForm)
		r.Put("/peer-review/answers", h.handleReviewAnswers)
		r.Post("/peer-review/submit", h.handleReviewSubmit)
		r.Post("/peer-review/flag", h.handleFlag)
		r.Post("/peer-review/extra", h.handleExtraReview)
		r.Get("/received-reviews", h.handleReceivedReviews)
	})

	if h.api != nil {
		r.Route(backend.APIPrefix+"/exercises/{exerciseID}", h.apiRoutes)
	}
}

func exerciseID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "exerciseID"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid exercise id: %w", backend.ErrNotFound)
	}
	return id, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

// statusOf maps an error onto the HTTP status it is answered with.
func statusOf(err error) int {
	var fe *review.FetchError
	switch {
	case errors.Is(err, exercise.ErrSubmissionInProgress), errors.Is(err, review.ErrSubmissionInProgress):
		return http.StatusConflict
	case errors.Is(err, exercise.ErrCannotSubmit),
		errors.Is(err, exercise.ErrIncomplete),
		errors.Is(err, exercise.ErrNoSubmission),
		errors.Is(err, review.ErrIncomplete),
		errors.Is(err, review.ErrNothingToReview),
		errors.Is(err, review.ErrInvalidReason),
		errors.Is(err, review.ErrCannotRequestExtra),
		errors.Is(err, review.ErrDescriptionRequired),
		errors.Is(err, review.ErrCannotStart):
		return http.StatusBadRequest
	case errors.As(err, &fe):
		return backend.StatusCode(fe.Err)
	}
	var maxErr *http.MaxBytesError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &maxErr) || errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return http.StatusBadRequest
	}
	return backend.StatusCode(err)
}

// writeError answers with {"message": ...}. Server errors are logged and
// their details kept from the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = http.StatusText(status)
	}
	h.writeJSON(w, status, backend.ErrorBody{Message: msg})
}
