// Package plugin is the frame side of the exercise channel. Exercise plugins
// written in Go, and the tests of the host, use it to talk to a bridge.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/pavelanni/coursematerial/internal/bridge"
	"github.com/pavelanni/coursematerial/internal/protocol"
)

// defaultReadyRetryDelay sets the initial wait before ready is sent again.
const defaultReadyRetryDelay = time.Second

// maxReadyRetryDelay caps the backoff between ready attempts.
const maxReadyRetryDelay = 30 * time.Second

// ErrUploadFailed is returned when the host reports a failed upload.
var ErrUploadFailed = errors.New("upload failed")

// Options configures a plugin client.
type Options struct {
	// Origin is sent with the websocket handshake. Defaults to http://localhost/.
	Origin     string
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Client is a connected plugin.
type Client struct {
	ch      *bridge.Channel
	primary *bridge.Port
	logger  *slog.Logger
}

// Dial opens a websocket to the host frame endpoint and completes the handshake.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	origin := opts.Origin
	if origin == "" {
		origin = "http://localhost/"
	}
	cfg, err := websocket.NewConfig(url, origin)
	if err != nil {
		return nil, fmt.Errorf("configure websocket %s: %w", url, err)
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c, err := Connect(ctx, bridge.WebSocket(conn, opts.Logger), opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// Connect completes the handshake over an existing channel. Ready is sent
// again with exponential backoff until the host acknowledges it.
func Connect(ctx context.Context, ch *bridge.Channel, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = defaultReadyRetryDelay
	}
	c := &Client{ch: ch, primary: ch.Port(bridge.PrimaryPort), logger: logger}

	for {
		if err := c.primary.Post(ctx, protocol.Ready{}); err != nil {
			return nil, fmt.Errorf("send ready: %w", err)
		}
		acked, err := c.awaitAck(ctx, delay)
		if err != nil {
			return nil, err
		}
		if acked {
			return c, nil
		}
		logger.Debug("host did not acknowledge ready yet", "retry_in", delay)
		if delay < maxReadyRetryDelay {
			delay *= 2
			if delay > maxReadyRetryDelay {
				delay = maxReadyRetryDelay
			}
		}
	}
}

func (c *Client) awaitAck(ctx context.Context, wait time.Duration) (bool, error) {
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	for {
		raw, err := c.primary.Receive(wctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return false, nil
			}
			return false, fmt.Errorf("wait for acknowledgement: %w", err)
		}
		msg, err := protocol.ParseOutbound(raw)
		if err != nil {
			c.logger.Warn("dropping host message", "error", err)
			continue
		}
		if _, ok := msg.(protocol.CommunicationPort); ok {
			return true, nil
		}
		c.logger.Debug("ignoring message before acknowledgement", "message", msg.Kind())
	}
}

// Next returns the next set-state or set-language message from the host.
// Repeated acknowledgements and malformed messages are skipped.
func (c *Client) Next(ctx context.Context) (protocol.Outbound, error) {
	for {
		raw, err := c.primary.Receive(ctx)
		if err != nil {
			return nil, err
		}
		msg, err := protocol.ParseOutbound(raw)
		if err != nil {
			c.logger.Warn("dropping host message", "error", err)
			continue
		}
		switch msg.(type) {
		case protocol.SetState, protocol.SetLanguage:
			return msg, nil
		}
	}
}

// PostCurrentState reports the learner's current answer.
func (c *Client) PostCurrentState(ctx context.Context, data any, valid bool) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	return c.primary.Post(ctx, protocol.CurrentState{Valid: valid, Data: encoded})
}

// PostHeight reports the rendered height of the plugin.
func (c *Client) PostHeight(ctx context.Context, height float64) error {
	return c.primary.Post(ctx, protocol.HeightChanged{Height: height})
}

// OpenLink asks the host to open url outside the frame.
func (c *Client) OpenLink(ctx context.Context, url string) error {
	return c.primary.Post(ctx, protocol.OpenLink{URL: url})
}

// SetFileUploads tells the host which files belong to the current answer.
func (c *Client) SetFileUploads(ctx context.Context, files map[string][]byte) error {
	return c.primary.Post(ctx, protocol.SetFileUploads{Files: files})
}

// UploadFiles asks the host to store files and waits for their URLs on a
// freshly opened reply port.
func (c *Client) UploadFiles(ctx context.Context, files map[string][]byte) (map[string]string, error) {
	reply := c.ch.Port(uuid.NewString())
	defer reply.Close()

	if err := c.primary.Post(ctx, protocol.UploadFiles{Files: files, ReplyPort: reply.ID()}); err != nil {
		return nil, fmt.Errorf("request upload: %w", err)
	}
	raw, err := reply.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for upload result: %w", err)
	}
	msg, err := protocol.ParseOutbound(raw)
	if err != nil {
		return nil, fmt.Errorf("decode upload result: %w", err)
	}
	res, ok := msg.(protocol.UploadResult)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected %s on reply port", protocol.ErrMalformed, msg.Kind())
	}
	if !res.Success {
		return nil, fmt.Errorf("%w: %s", ErrUploadFailed, res.Error)
	}
	return res.URLs, nil
}

// Close closes the underlying channel.
func (c *Client) Close() error {
	return c.ch.Close()
}
