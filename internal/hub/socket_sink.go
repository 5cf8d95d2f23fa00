package hub

import (
	"context"
	"sync/atomic"

	"github.com/coder/websocket"
)

// socketSink adapts a client-facing *websocket.Conn to registry.Sink, the
// same role overlay.Client fills for the hub's own mesh participant.
type socketSink struct {
	conn   *websocket.Conn
	closed atomic.Bool
}

func newSocketSink(conn *websocket.Conn) *socketSink {
	return &socketSink{conn: conn}
}

func (s *socketSink) Send(frame []byte) error {
	if s.closed.Load() {
		return websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "closed"}
	}
	return s.conn.Write(context.Background(), websocket.MessageText, frame)
}

func (s *socketSink) Close(code int, reason string) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close(websocket.StatusCode(code), reason)
}

func (s *socketSink) IsOpen() bool {
	return !s.closed.Load()
}
