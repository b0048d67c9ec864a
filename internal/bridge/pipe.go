package bridge

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// pipeLink is one end of an in-memory link.
type pipeLink struct {
	in     <-chan frame
	out    chan<- frame
	closed chan struct{}
	once   *sync.Once
}

func (p *pipeLink) readFrame() (frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.closed:
		return frame{}, io.EOF
	}
}

func (p *pipeLink) writeFrame(ctx context.Context, f frame) error {
	select {
	case p.out <- f:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeLink) close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// Pipe returns two connected in-memory channels. Whatever is posted on a port
// of one end is received on the port with the same id of the other end.
// Closing either end closes both.
func Pipe(logger *slog.Logger) (*Channel, *Channel) {
	ab := make(chan frame, portInboxSize)
	ba := make(chan frame, portInboxSize)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &pipeLink{in: ba, out: ab, closed: closed, once: once}
	b := &pipeLink{in: ab, out: ba, closed: closed, once: once}
	return newChannel(a, logger), newChannel(b, logger)
}
