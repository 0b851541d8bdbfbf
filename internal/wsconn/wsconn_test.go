package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestClientServerRoundTrip dials a real WebSocket handshake between the
// gorilla-backed server side and the nhooyr-backed client side, proving
// the two libraries agree on the wire through the shared Conn interface.
func TestClientServerRoundTrip(t *testing.T) {
	serverConnCh := make(chan Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Accept(w, r)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		serverConnCh <- c
	}))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialClient(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	defer client.Close(StatusNormalClosure, "")

	var server Conn
	select {
	case server = <-serverConnCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("server never accepted the connection")
	}
	defer server.Close(StatusNormalClosure, "")

	payload := []byte("hello over the wire")
	if err := client.Write(ctx, MessageBinary, payload); err != nil {
		t.Fatalf("client Write: %v", err)
	}

	mt, data, err := server.Read(ctx)
	if err != nil {
		t.Fatalf("server Read: %v", err)
	}
	if mt != MessageBinary {
		t.Fatalf("message type = %v, want MessageBinary", mt)
	}
	if string(data) != string(payload) {
		t.Fatalf("got %q, want %q", data, payload)
	}

	reply := []byte("and back again")
	if err := server.Write(ctx, MessageBinary, reply); err != nil {
		t.Fatalf("server Write: %v", err)
	}
	_, got, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("client Read: %v", err)
	}
	if string(got) != string(reply) {
		t.Fatalf("got %q, want %q", got, reply)
	}
}
