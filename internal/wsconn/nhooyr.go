package wsconn

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// nhooyrConn is the client-side Conn, used by cmd/wstan-client to dial the
// relay server. Writes return only after nhooyr has handed the frame to
// the underlying net.Conn's Write, which is as close to "flushed" as this
// library exposes — there is no separate async send queue to drain.
type nhooyrConn struct {
	c *websocket.Conn
}

// DialClient opens a client-side tunnel carrier. tr, when non-nil,
// controls the TLS/proxy settings of the underlying HTTP client (the
// configuration surface the teacher's dialCoderWebSocket exposed via its
// *http.Transport parameter).
func DialClient(ctx context.Context, rawurl string, tr *http.Transport) (Conn, error) {
	opts := &websocket.DialOptions{
		HTTPClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: tr,
		},
	}
	conn, _, err := websocket.Dial(ctx, rawurl, opts)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(-1)
	return &nhooyrConn{c: conn}, nil
}

func (c *nhooyrConn) Read(ctx context.Context) (MessageType, []byte, error) {
	mt, data, err := c.c.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	switch mt {
	case websocket.MessageText:
		return MessageText, data, nil
	default:
		return MessageBinary, data, nil
	}
}

func (c *nhooyrConn) Write(ctx context.Context, typ MessageType, data []byte) error {
	mt := websocket.MessageBinary
	if typ == MessageText {
		mt = websocket.MessageText
	}
	return c.c.Write(ctx, mt, data)
}

func (c *nhooyrConn) Close(code StatusCode, reason string) error {
	return c.c.Close(websocket.StatusCode(code), reason)
}
