package wsconn

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// gorillaConn is the server-side Conn, used by cmd/wstan-server after
// accepting an inbound tunnel. gorilla/websocket has no context-aware
// Read/Write, so only a ctx deadline is honored, applied through
// SetReadDeadline / SetWriteDeadline; cancelling a ctx that has no
// deadline does not interrupt a blocked Read or Write. The teacher's
// transport.WebSocketConn takes no context at all; this one takes it
// since the relay core's Pump always calls through a ctx.
type gorillaConn struct {
	c *websocket.Conn
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    []string{"binary"},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Accept upgrades an inbound HTTP request to a server-side tunnel carrier.
func Accept(w http.ResponseWriter, r *http.Request) (Conn, error) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(0)
	return &gorillaConn{c: c}, nil
}

func (c *gorillaConn) Read(ctx context.Context) (MessageType, []byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		c.c.SetReadDeadline(dl)
	}
	mt, data, err := c.c.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	switch mt {
	case websocket.TextMessage:
		return MessageText, data, nil
	default:
		return MessageBinary, data, nil
	}
}

func (c *gorillaConn) Write(ctx context.Context, typ MessageType, data []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		c.c.SetWriteDeadline(dl)
	} else {
		c.c.SetWriteDeadline(time.Time{})
	}
	mt := websocket.BinaryMessage
	if typ == MessageText {
		mt = websocket.TextMessage
	}
	return c.c.WriteMessage(mt, data)
}

func (c *gorillaConn) Close(code StatusCode, reason string) error {
	msg := websocket.FormatCloseMessage(int(code), reason)
	_ = c.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	return c.c.Close()
}
