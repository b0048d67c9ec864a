// Package bridge connects the host to embedded exercise frames. Each frame
// gets a dedicated Channel; the host pushes state into it and receives the
// frame's typed messages from it.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// PrimaryPort is the id of the port every channel starts with.
const PrimaryPort = ""

const (
	portInboxSize   = 64
	maxDecodeErrors = 8
)

var (
	// ErrClosed is returned by ports whose channel has shut down.
	ErrClosed   = errors.New("channel closed")
	errBadFrame = errors.New("bad frame")
)

// frame is the unit written on a link. Data holds one protocol message.
type frame struct {
	Port string          `json:"port,omitempty"`
	Data json.RawMessage `json:"data"`
}

// link is a physical connection able to move frames in both directions.
type link interface {
	readFrame() (frame, error)
	writeFrame(ctx context.Context, f frame) error
	close() error
}

// Channel multiplexes logical ports over one link. The primary port exists
// from the start; additional ports are opened by id, e.g. for upload replies.
type Channel struct {
	link   link
	logger *slog.Logger

	wmu sync.Mutex

	mu    sync.Mutex
	ports map[string]chan []byte

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newChannel(l link, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		link:   l,
		logger: logger,
		ports:  map[string]chan []byte{PrimaryPort: make(chan []byte, portInboxSize)},
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Channel) readLoop() {
	decodeErrors := 0
	for {
		f, err := c.link.readFrame()
		if err != nil {
			if errors.Is(err, errBadFrame) {
				decodeErrors++
				c.logger.Warn("dropping undecodable frame", "error", err)
				if decodeErrors >= maxDecodeErrors {
					c.shutdown(fmt.Errorf("too many undecodable frames: %w", err))
					return
				}
				continue
			}
			c.shutdown(err)
			return
		}
		decodeErrors = 0

		c.mu.Lock()
		inbox, ok := c.ports[f.Port]
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("dropping frame for unknown port", "port", f.Port)
			continue
		}
		select {
		case inbox <- f.Data:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.link.close()
	})
}

// Port returns the logical port with the given id, opening it if needed.
func (c *Channel) Port(id string) *Port {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ports[id]; !ok {
		c.ports[id] = make(chan []byte, portInboxSize)
	}
	return &Port{id: id, ch: c}
}

// Close shuts the channel down. Pending and future Receive calls return ErrClosed.
func (c *Channel) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

// Done is closed once the channel has shut down.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns why the channel shut down, or nil while it is open.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Channel) write(ctx context.Context, f frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.link.writeFrame(ctx, f)
}

// Port is one logical endpoint of a Channel.
type Port struct {
	id string
	ch *Channel
}

// ID returns the port id.
func (p *Port) ID() string { return p.id }

// Post encodes msg as JSON and sends it on this port.
func (p *Port) Post(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := p.ch.write(ctx, frame{Port: p.id, Data: data}); err != nil {
		return fmt.Errorf("post on port %q: %w", p.id, err)
	}
	return nil
}

// Receive returns the next message addressed to this port.
func (p *Port) Receive(ctx context.Context) ([]byte, error) {
	p.ch.mu.Lock()
	inbox, ok := p.ch.ports[p.id]
	p.ch.mu.Unlock()
	if !ok {
		return nil, ErrClosed
	}
	select {
	case data := <-inbox:
		return data, nil
	case <-p.ch.done:
		// Deliver what already arrived before reporting the shutdown.
		select {
		case data := <-inbox:
			return data, nil
		default:
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close forgets the port. The primary port cannot be closed this way.
func (p *Port) Close() {
	if p.id == PrimaryPort {
		return
	}
	p.ch.mu.Lock()
	delete(p.ch.ports, p.id)
	p.ch.mu.Unlock()
}
