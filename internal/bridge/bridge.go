package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/protocol"
)

// DefaultHandshakeTimeout bounds how long a frame may take to say ready.
const DefaultHandshakeTimeout = 15 * time.Second

var (
	// ErrMissingURL is returned when a frame has nothing to load.
	ErrMissingURL = errors.New("cannot render dynamic content: missing url")
	// ErrHandshakeTimeout is returned when a frame never completes the handshake.
	ErrHandshakeTimeout = errors.New("frame did not complete the handshake in time")
)

// Replier answers a request on the secondary port the frame handed over.
type Replier interface {
	Reply(ctx context.Context, msg protocol.Outbound) error
}

// Handler receives validated messages from one frame. Calls are made in
// receipt order from a single goroutine, except UploadFiles which runs on its
// own goroutine so a slow upload does not hold up the primary channel.
type Handler interface {
	CurrentState(ctx context.Context, msg protocol.CurrentState)
	SetFileUploads(ctx context.Context, msg protocol.SetFileUploads)
	UploadFiles(ctx context.Context, msg protocol.UploadFiles, reply Replier)
	HeightChanged(ctx context.Context, msg protocol.HeightChanged)
	OpenLink(ctx context.Context, msg protocol.OpenLink)
}

// Config configures a Bridge.
type Config struct {
	FrameID          uuid.UUID
	URL              string
	Language         string
	Handler          Handler
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Bridge is the host side of one exercise frame.
type Bridge struct {
	id      uuid.UUID
	url     string
	handler Handler
	timeout time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	primary    *Port
	latest     *protocol.IframeState
	lastPosted []byte
	language   string

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a bridge for a frame. It fails with ErrMissingURL when there is
// nothing to load; callers render a "cannot render" fallback in that case.
func New(cfg Config) (*Bridge, error) {
	if cfg.URL == "" {
		return nil, ErrMissingURL
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("create bridge for %s: handler is required", cfg.URL)
	}
	id := cfg.FrameID
	if id == uuid.Nil {
		id = uuid.New()
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		id:       id,
		url:      cfg.URL,
		handler:  cfg.Handler,
		timeout:  timeout,
		logger:   logger.With("frame_id", id.String()),
		language: cfg.Language,
		ready:    make(chan struct{}),
	}, nil
}

// ID returns the frame id.
func (b *Bridge) ID() uuid.UUID { return b.id }

// URL returns the plugin URL the frame loads.
func (b *Bridge) URL() string { return b.url }

// Push hands the bridge a new state for the frame. When the channel is up the
// state is sent right away; otherwise it replaces whatever was waiting and is
// flushed once the frame is ready. A nil state is remembered but never sent,
// and a state equal to the last one sent is not sent again.
func (b *Bridge) Push(ctx context.Context, state *protocol.IframeState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = state
	if b.primary == nil {
		return nil
	}
	return b.flushLocked(ctx)
}

// Latest returns the most recent state handed to Push.
func (b *Bridge) Latest() *protocol.IframeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

// SetLanguage changes the frame's UI language.
func (b *Bridge) SetLanguage(ctx context.Context, lang string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.language = lang
	if b.primary == nil || lang == "" {
		return nil
	}
	return b.primary.Post(ctx, protocol.SetLanguage{Language: lang})
}

func (b *Bridge) flushLocked(ctx context.Context) error {
	if b.latest == nil {
		return nil
	}
	encoded, err := json.Marshal(protocol.SetState{State: *b.latest})
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if bytes.Equal(encoded, b.lastPosted) {
		return nil
	}
	if err := b.primary.Post(ctx, json.RawMessage(encoded)); err != nil {
		return err
	}
	b.lastPosted = encoded
	return nil
}

// WaitReady blocks until the frame has completed the handshake. It returns
// ErrHandshakeTimeout when that does not happen within the handshake timeout.
func (b *Bridge) WaitReady(ctx context.Context) error {
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case <-b.ready:
		return nil
	case <-timer.C:
		b.logger.Warn("frame handshake timed out", "url", b.url, "timeout", b.timeout)
		return ErrHandshakeTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the frame has completed the handshake at least once.
func (b *Bridge) Ready() bool {
	select {
	case <-b.ready:
		return true
	default:
		return false
	}
}

// Serve runs the frame side of ch until it closes or ctx is done. The first
// message must be the frame's ready handshake.
func (b *Bridge) Serve(ctx context.Context, ch *Channel) error {
	primary := ch.Port(PrimaryPort)

	hctx, cancel := context.WithTimeout(ctx, b.timeout)
	raw, err := primary.Receive(hctx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrHandshakeTimeout
		}
		return fmt.Errorf("wait for ready: %w", err)
	}
	if err := protocol.ParseHandshake(raw); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err := b.attach(ctx, primary); err != nil {
		return err
	}
	defer b.detach(primary)

	for {
		raw, err := primary.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if protocol.ParseHandshake(raw) == nil {
			// The frame retries ready until it sees the acknowledgement.
			if err := b.attach(ctx, primary); err != nil {
				return err
			}
			continue
		}
		msg, err := protocol.ParseInbound(raw)
		if err != nil {
			b.logger.Warn("dropping message from frame", "error", err)
			continue
		}
		b.dispatch(ctx, ch, msg)
	}
}

func (b *Bridge) attach(ctx context.Context, primary *Port) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.primary = primary
	b.lastPosted = nil
	if err := primary.Post(ctx, protocol.CommunicationPort{}); err != nil {
		return fmt.Errorf("acknowledge handshake: %w", err)
	}
	if b.language != "" {
		if err := primary.Post(ctx, protocol.SetLanguage{Language: b.language}); err != nil {
			return fmt.Errorf("send language: %w", err)
		}
	}
	if err := b.flushLocked(ctx); err != nil {
		return fmt.Errorf("flush state: %w", err)
	}
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Debug("frame attached", "url", b.url)
	return nil
}

func (b *Bridge) detach(primary *Port) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.primary == primary {
		b.primary = nil
		b.lastPosted = nil
	}
}

func (b *Bridge) dispatch(ctx context.Context, ch *Channel, msg protocol.Inbound) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("frame message handler panicked", "message", msg.Kind(), "panic", r)
		}
	}()
	msg.Accept(&dispatcher{ctx: ctx, ch: ch, b: b})
}

// dispatcher routes visited messages to the bridge handler.
type dispatcher struct {
	ctx context.Context
	ch  *Channel
	b   *Bridge
}

func (d *dispatcher) VisitCurrentState(m protocol.CurrentState) {
	d.b.handler.CurrentState(d.ctx, m)
}

func (d *dispatcher) VisitSetFileUploads(m protocol.SetFileUploads) {
	d.b.handler.SetFileUploads(d.ctx, m)
}

func (d *dispatcher) VisitUploadFiles(m protocol.UploadFiles) {
	reply := &portReplier{port: d.ch.Port(m.ReplyPort)}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.b.logger.Error("upload handler panicked", "panic", r)
				_ = reply.Reply(d.ctx, protocol.UploadResult{Error: "upload failed"})
			}
		}()
		d.b.handler.UploadFiles(d.ctx, m, reply)
	}()
}

func (d *dispatcher) VisitHeightChanged(m protocol.HeightChanged) {
	d.b.handler.HeightChanged(d.ctx, m)
}

func (d *dispatcher) VisitOpenLink(m protocol.OpenLink) {
	d.b.handler.OpenLink(d.ctx, m)
}

type portReplier struct {
	port *Port
}

func (r *portReplier) Reply(ctx context.Context, msg protocol.Outbound) error {
	defer r.port.Close()
	return r.port.Post(ctx, msg)
}
