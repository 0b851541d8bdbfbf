package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/wjwxxn/wstan/internal/wsconn"
)

// pipeWriter is an io.WriteCloser fake that records writes and whether it
// was closed (and via which path: CloseWrite vs Close), the way the
// teacher's outline_tcp.go local streams are asserted against in tests.
type pipeWriter struct {
	mu          sync.Mutex
	buf         bytes.Buffer
	closeWriteN int
	closeN      int
}

func (w *pipeWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *pipeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeN++
	return nil
}

func (w *pipeWriter) CloseWrite() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeWriteN++
	return nil
}

func newTestEndpoint(t *testing.T, onRequest RequestHandler) (*Endpoint, *recordingConn) {
	t.Helper()
	conn := &recordingConn{}
	e, err := NewEndpoint(context.Background(), conn, make([]byte, 16), [NonceSize]byte{}, false, onRequest, nil, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	return e, conn
}

func decodeRSTFrames(t *testing.T, conn *recordingConn, key []byte) []string {
	t.Helper()
	var reasons []string
	for _, f := range conn.frames {
		if f[0] != CmdRst {
			continue
		}
		dec, _ := NewCryptor(key)
		dec.Init([NonceSize]byte{})
		reason, err := DecodeRst(dec, f)
		if err != nil {
			t.Fatalf("DecodeRst: %v", err)
		}
		reasons = append(reasons, reason)
	}
	return reasons
}

func TestEndpointSetProxyRequiresIdle(t *testing.T) {
	e, _ := newTestEndpoint(t, nil)
	r, w := io.Pipe()
	defer r.Close()
	if err := e.SetProxy(r, w); err != nil {
		t.Fatalf("SetProxy from Idle: %v", err)
	}
	if e.State() != Using {
		t.Fatalf("state = %s, want Using", e.State())
	}
	if err := e.SetProxy(r, w); !errors.Is(err, ErrForbidden) {
		t.Fatalf("second SetProxy err = %v, want ErrForbidden", err)
	}
}

// Scenario 4 / P5: a local reset racing an inbound RST collapses to
// exactly one outbound RST and a final Idle state.
func TestEndpointResetRace(t *testing.T) {
	e, conn := newTestEndpoint(t, nil)
	r, w := io.Pipe()
	defer r.Close()
	pw := &pipeWriter{}
	if err := e.SetProxy(r, pw); err != nil {
		t.Fatalf("SetProxy: %v", err)
	}

	e.ResetTunnel("local shutdown")
	if e.State() != Resetting {
		t.Fatalf("state after local reset = %s, want Resetting", e.State())
	}

	// The peer's RST arrives before our RST was acknowledged.
	e.OnResetTunnel()
	if e.State() != Idle {
		t.Fatalf("state after racing remote RST = %s, want Idle", e.State())
	}

	if n := conn.framesSent(); n != 1 {
		t.Fatalf("frames sent = %d, want exactly 1 outbound RST", n)
	}
}

// Scenario 5: the local reader hitting EOF drives an RST with an empty
// reason, cancels the pump, closes the writer, and enters Resetting.
func TestEndpointPumpEOFTriggersReset(t *testing.T) {
	e, conn := newTestEndpoint(t, nil)
	r, localWriteSide := io.Pipe()
	pw := &pipeWriter{}
	if err := e.SetProxy(r, pw); err != nil {
		t.Fatalf("SetProxy: %v", err)
	}
	localWriteSide.Close() // reader side observes EOF

	deadline := time.After(2 * time.Second)
	for e.State() == Using {
		select {
		case <-deadline:
			t.Fatalf("endpoint never left Using after reader EOF")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if e.State() != Resetting {
		t.Fatalf("state = %s, want Resetting", e.State())
	}

	reasons := decodeRSTFrames(t, conn, make([]byte, 16))
	if len(reasons) != 1 || reasons[0] != "" {
		t.Fatalf("RST reasons = %v, want exactly one empty reason", reasons)
	}

	pw.mu.Lock()
	closed := pw.closeWriteN + pw.closeN
	pw.mu.Unlock()
	if closed == 0 {
		t.Fatalf("local writer was never closed")
	}
}

// Scenario 6: an RST arriving while Idle is a protocol violation, closing
// the carrier with 3001 and touching no local streams (there are none).
func TestEndpointUnexpectedRSTWhileIdle(t *testing.T) {
	e, conn := newTestEndpoint(t, nil)
	e.OnResetTunnel()

	if conn.closeCount() == 0 {
		t.Fatalf("carrier was never closed")
	}
	if conn.closeCode != wsconn.StatusProtocolError {
		t.Fatalf("close code = %d, want %d", conn.closeCode, wsconn.StatusProtocolError)
	}
}

func TestEndpointDispatchDatWritesToLocalWriter(t *testing.T) {
	e, conn := newTestEndpoint(t, nil)
	r, w := io.Pipe()
	defer r.Close()
	pw := &pipeWriter{}
	if err := e.SetProxy(r, pw); err != nil {
		t.Fatalf("SetProxy: %v", err)
	}
	_ = w

	enc, _ := NewCryptor(make([]byte, 16))
	enc.Init([NonceSize]byte{})
	frame := EncodeDat(enc, []byte("payload bytes"))

	// Dispatch uses the endpoint's own cryptor as the decryptor, which
	// must be seeded identically to stay in step with this test's
	// independent encoder.
	e.Dispatch(frame)

	pw.mu.Lock()
	got := pw.buf.String()
	pw.mu.Unlock()
	if got != "payload bytes" {
		t.Fatalf("local writer got %q, want %q", got, "payload bytes")
	}
}

func TestEndpointHandlesReqViaRequestHandler(t *testing.T) {
	var gotHost, gotPort string
	var gotRemain []byte
	handled := make(chan struct{})

	handler := func(e *Endpoint, host, port string, remain []byte) error {
		gotHost, gotPort, gotRemain = host, port, remain
		close(handled)
		return nil
	}

	e, _ := newTestEndpoint(t, handler)

	enc, _ := NewCryptor(make([]byte, 16))
	enc.Init([NonceSize]byte{})
	addrHdr := []byte{0x01, 0x7F, 0x00, 0x00, 0x01, 0x1F, 0x90}
	frame := EncodeReq(enc, addrHdr, []byte("extra"), time.Now())

	e.Dispatch(frame)

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatalf("request handler was never invoked")
	}
	if gotHost != "127.0.0.1" || gotPort != "8080" {
		t.Fatalf("got host=%q port=%q", gotHost, gotPort)
	}
	if string(gotRemain) != "extra" {
		t.Fatalf("remain = %q", gotRemain)
	}
}

// Regression test: Dispatch must decrypt an inbound RST's body (even
// though the reason is discarded) so the decryptor advances in step with
// the peer's encryptor — otherwise every frame after the first reset on
// a reused tunnel desyncs. See P6.
func TestEndpointDispatchRSTKeepsDecryptorSynced(t *testing.T) {
	peer, _ := NewCryptor(make([]byte, 16))
	peer.Init([NonceSize]byte{})

	rst := EncodeRst(peer, "connection to target broken")

	// A second frame encoded right after the RST, on the same peer
	// stream, must still decode on this side: if Dispatch had skipped
	// decrypting the RST body, the endpoint's decryptor would now be one
	// frame's worth of keystream behind the peer's encryptor.
	addrHdr := []byte{0x01, 0x7F, 0x00, 0x00, 0x01, 0x1F, 0x90}
	req := EncodeReq(peer, addrHdr, nil, time.Now())

	handled := make(chan struct{})
	e, _ := newTestEndpoint(t, func(e *Endpoint, host, port string, remain []byte) error {
		close(handled)
		return nil
	})
	r, w := io.Pipe()
	defer r.Close()
	defer w.Close()
	if err := e.SetProxy(r, w); err != nil {
		t.Fatalf("SetProxy: %v", err)
	}

	e.Dispatch(rst)
	if e.State() != Idle {
		t.Fatalf("state after remote RST while Using = %s, want Idle", e.State())
	}
	e.Dispatch(req)

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatalf("REQ following an RST failed to decode — decryptor desynced")
	}
}

// Done must close as soon as this SetProxy cycle's local stream is torn
// down, so a caller driving one logical connection isn't stuck waiting
// on the whole carrier's lifetime after a reset.
func TestEndpointDoneClosesOnLocalReset(t *testing.T) {
	e, _ := newTestEndpoint(t, nil)
	r, w := io.Pipe()
	defer r.Close()
	defer w.Close()
	if err := e.SetProxy(r, w); err != nil {
		t.Fatalf("SetProxy: %v", err)
	}

	done := e.Done()
	select {
	case <-done:
		t.Fatalf("Done() closed before any reset")
	default:
	}

	e.ResetTunnel("local shutdown")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Done() never closed after ResetTunnel")
	}
}

func TestEndpointDoneClosesOnRemoteReset(t *testing.T) {
	e, _ := newTestEndpoint(t, nil)
	r, w := io.Pipe()
	defer r.Close()
	defer w.Close()
	if err := e.SetProxy(r, w); err != nil {
		t.Fatalf("SetProxy: %v", err)
	}

	done := e.Done()
	e.OnResetTunnel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Done() never closed after a remote RST while Using")
	}
}

func TestEndpointSendRequestThenSetProxy(t *testing.T) {
	e, conn := newTestEndpoint(t, nil)
	addrHdr := []byte{0x01, 0x7F, 0x00, 0x00, 0x01, 0x1F, 0x90}
	if err := e.SendRequest(context.Background(), addrHdr, nil); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if conn.framesSent() != 1 {
		t.Fatalf("frames sent = %d, want 1", conn.framesSent())
	}
	if conn.frames[0][0] != CmdReq {
		t.Fatalf("first byte = 0x%02x, want CmdReq", conn.frames[0][0])
	}

	r, w := io.Pipe()
	defer r.Close()
	defer w.Close()
	if err := e.SetProxy(r, w); err != nil {
		t.Fatalf("SetProxy after SendRequest: %v", err)
	}
}
