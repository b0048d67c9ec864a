package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/net/websocket"
)

type wsLink struct {
	conn *websocket.Conn
}

func (l *wsLink) readFrame() (frame, error) {
	var data []byte
	if err := websocket.Message.Receive(l.conn, &data); err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return f, nil
}

func (l *wsLink) writeFrame(ctx context.Context, f frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return websocket.JSON.Send(l.conn, f)
}

func (l *wsLink) close() error {
	return l.conn.Close()
}

// WebSocket wraps a websocket connection as a Channel. Each websocket message
// carries one frame.
func WebSocket(conn *websocket.Conn, logger *slog.Logger) *Channel {
	return newChannel(&wsLink{conn: conn}, logger)
}
