package bridge

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

// Hub keeps the bridges of every open frame and connects incoming frame
// websockets to them.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	bridges map[uuid.UUID]*Bridge
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, bridges: make(map[uuid.UUID]*Bridge)}
}

// Register makes b reachable under its frame id.
func (h *Hub) Register(b *Bridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridges[b.ID()] = b
}

// Unregister forgets the bridge with the given frame id.
func (h *Hub) Unregister(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.bridges, id)
}

// Get returns the bridge registered under id.
func (h *Hub) Get(id uuid.UUID) (*Bridge, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.bridges[id]
	return b, ok
}

// Len returns the number of registered bridges.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bridges)
}

// ServeFrame upgrades the request to a websocket and runs the bridge for
// frameID over it.
func (h *Hub) ServeFrame(w http.ResponseWriter, r *http.Request, frameID uuid.UUID) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b, ok := h.Get(frameID)
	if !ok {
		http.Error(w, "unknown frame", http.StatusNotFound)
		return
	}
	websocket.Handler(func(conn *websocket.Conn) {
		ch := WebSocket(conn, h.logger.With("frame_id", frameID.String()))
		defer ch.Close()
		if err := b.Serve(conn.Request().Context(), ch); err != nil && !errors.Is(err, ErrClosed) {
			h.logger.Warn("frame connection ended", "frame_id", frameID.String(), "error", err)
		}
	}).ServeHTTP(w, r)
}
