package exercise

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/bridge"
	"github.com/pavelanni/coursematerial/internal/filestore"
	"github.com/pavelanni/coursematerial/internal/protocol"
)

var errNoFileStore = errors.New("file uploads are not configured")

// frameHandler receives the messages of one task's frame.
type frameHandler struct {
	b      *Block
	taskID uuid.UUID
}

var _ bridge.Handler = (*frameHandler)(nil)

func (h *frameHandler) CurrentState(_ context.Context, msg protocol.CurrentState) {
	h.b.mu.Lock()
	h.b.answers[h.taskID] = msg
	h.b.mu.Unlock()
}

func (h *frameHandler) SetFileUploads(_ context.Context, msg protocol.SetFileUploads) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	if len(msg.Files) == 0 {
		delete(h.b.pending, h.taskID)
		return
	}
	h.b.pending[h.taskID] = msg.Files
}

func (h *frameHandler) UploadFiles(ctx context.Context, msg protocol.UploadFiles, reply bridge.Replier) {
	urls, err := h.b.upload(ctx, msg.Files)
	res := protocol.UploadResult{Success: err == nil, URLs: urls}
	if err != nil {
		h.b.logger.Warn("upload files", "exercise_task_id", h.taskID.String(), "error", err)
		res.Error = err.Error()
	}
	if err := reply.Reply(ctx, res); err != nil {
		h.b.logger.Warn("reply to upload", "exercise_task_id", h.taskID.String(), "error", err)
	}
}

func (h *frameHandler) HeightChanged(_ context.Context, msg protocol.HeightChanged) {
	h.b.mu.Lock()
	h.b.heights[h.taskID] = msg.Height
	h.b.mu.Unlock()
}

func (h *frameHandler) OpenLink(_ context.Context, msg protocol.OpenLink) {
	h.b.mu.Lock()
	h.b.links = append(h.b.links, msg.URL)
	h.b.mu.Unlock()
	h.b.logger.Info("frame opened link", "exercise_task_id", h.taskID.String(), "url", msg.URL)
}

// upload stores files and returns their URLs by file name.
func (b *Block) upload(ctx context.Context, files map[string][]byte) (map[string]string, error) {
	if b.files == nil {
		return nil, errNoFileStore
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	urls := make(map[string]string, len(files))
	for _, name := range names {
		url, err := b.files.Put(ctx, filestore.NewKey(name), bytes.NewReader(files[name]))
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", name, err)
		}
		urls[name] = url
	}
	return urls, nil
}

// Links returns the links the frames asked to open, oldest first.
func (b *Block) Links() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.links...)
}
