package server

import (
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a gorilla connection to registry.Transport. Envelopes
// go out as text frames; the registry's per-connection writer is the only
// goroutine that writes data frames, which satisfies gorilla's single-writer
// requirement.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteMessage(data []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
