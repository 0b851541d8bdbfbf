package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/wjwxxn/wstan/internal/metrics"
	"github.com/wjwxxn/wstan/internal/wsconn"
)

// RequestHandler is invoked when a REQ frame arrives (the server role —
// the client role never receives one). Dialing the target and any local
// socket setup is the caller's job (DNS/TCP dialing is an external
// collaborator per this package's scope); the handler is expected to
// call SetProxy on e once the local stream is ready. Returning an error
// closes the tunnel with a protocol error.
type RequestHandler func(e *Endpoint, host, port string, remain []byte) error

// Endpoint is one tunnel's relay core: the composition of the cryptor
// (C1), frame codec (C2), state machine (C3) and pump (C4) behind the
// operations the surrounding WebSocket runtime calls — Dispatch for
// inbound messages, SetProxy/ResetTunnel for local-side events, OnClose
// for carrier teardown. It corresponds to the source's RelayMixin, with
// client and server tunnels sharing this one type and differing only in
// whether they pass a RequestHandler.
type Endpoint struct {
	mu sync.Mutex

	conn    wsconn.Conn
	cryptor *Cryptor
	tunSSL  bool

	ctx    context.Context
	cancel context.CancelFunc

	state   TunState
	reader  io.Reader
	writer  io.WriteCloser
	pump    *pump
	bufSize int
	// idleCh is closed once this SetProxy cycle's local stream is torn
	// down (reset, locally or remotely, or the carrier closing) — the
	// signal a caller driving one logical connection through Drive needs
	// to know its half is done, distinct from the carrier-wide done the
	// surrounding WebSocket runtime tracks.
	idleCh chan struct{}

	onRequest RequestHandler
	log       *log.Logger

	registry  *Registry
	debugID   string
	closeOnce sync.Once
}

// NewEndpoint constructs an Idle endpoint over conn. key may be nil, in
// which case the cryptor is inert and tunSSL must be true — per spec §9's
// resolved open question, a keyless non-TLS deployment is rejected here
// rather than left to fail unpredictably later. nonce seeds the AES-CTR
// keystreams (see Cryptor.Init); both peers must agree on it out of band,
// since this wire protocol carries no nonce field of its own. registry
// may be nil (debug disabled).
func NewEndpoint(ctx context.Context, conn wsconn.Conn, key []byte, nonce [NonceSize]byte, tunSSL bool, onRequest RequestHandler, registry *Registry, logger *log.Logger) (*Endpoint, error) {
	if len(key) == 0 && !tunSSL {
		return nil, ErrKeylessInsecure
	}
	cryptor, err := NewCryptor(key)
	if err != nil {
		return nil, err
	}
	cryptor.Init(nonce)

	if logger == nil {
		logger = log.Default()
	}
	ectx, cancel := context.WithCancel(ctx)
	e := &Endpoint{
		conn:      conn,
		cryptor:   cryptor,
		tunSSL:    tunSSL,
		ctx:       ectx,
		cancel:    cancel,
		state:     Idle,
		onRequest: onRequest,
		registry:  registry,
		log:       logger,
	}
	e.debugID = registry.Register(e)
	return e, nil
}

// State reports the current tunnel state. Exported for tests and for
// callers (e.g. a load-balancing layer, out of this package's scope) that
// need to know whether an endpoint is free for reuse.
func (e *Endpoint) State() TunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done returns the channel for the SetProxy cycle in progress when it was
// called, closed once that cycle's local stream has been torn down by a
// reset (local or remote) or OnClose. Callers driving one logical
// connection (e.g. cmd/wstan-client's Drive) should capture it right
// after SetProxy returns, rather than waiting on the carrier's own
// lifetime, so a reset that leaves the carrier open still unblocks them.
// Returns nil if no SetProxy cycle is in progress.
func (e *Endpoint) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.idleCh
}

// SetProxy starts using this tunnel for one logical connection: reader
// and writer are the local TCP stream's two halves. Precondition state =
// Idle; returns ErrForbidden otherwise.
func (e *Endpoint) SetProxy(reader io.Reader, writer io.WriteCloser) error {
	e.mu.Lock()
	t := onSetProxy(e.state)
	if t.forbidden {
		e.mu.Unlock()
		return ErrForbidden
	}
	e.state = t.next
	e.reader = reader
	e.writer = writer
	e.bufSize = randomBufSize()
	e.idleCh = make(chan struct{})
	conn, cryptor, bufSize := e.conn, e.cryptor, e.bufSize
	e.mu.Unlock()

	p := startPump(e.ctx, conn, cryptor, reader, bufSize, e.handlePumpStop)
	e.mu.Lock()
	e.pump = p
	e.mu.Unlock()
	metrics.ActiveTunnels.Inc()
	return nil
}

// SendRequest builds and sends a REQ frame for a new logical connection
// — the client-side counterpart to Dispatch's handleReq on the server
// side. Call it before SetProxy; the timestamp is stamped at call time.
func (e *Endpoint) SendRequest(ctx context.Context, addrHdr, remain []byte) error {
	e.mu.Lock()
	cryptor := e.cryptor
	e.mu.Unlock()
	frame := EncodeReq(cryptor, addrHdr, remain, time.Now())
	if err := e.conn.Write(ctx, wsconn.MessageBinary, frame); err != nil {
		return err
	}
	metrics.FramesTotal.WithLabelValues("req", "out").Inc()
	return nil
}

// handlePumpStop runs when the pump exits on its own — local read error
// or EOF — rather than being cancelled by ResetTunnel/OnResetTunnel/
// OnClose. Both cases are graceful terminations from the tunnel's point
// of view: a reset is issued, never a raw error surfaced to the peer.
func (e *Endpoint) handlePumpStop(res pumpResult) {
	if res.err != nil {
		e.log.Printf("relay: local stream broken: %v", res.err)
	}
	e.ResetTunnel(res.reason)
}

// ResetTunnel is the locally-initiated half of the reset handshake. If
// USING, it sends RST, cancels the pump, closes the local writer, and
// moves to Resetting to await the peer's confirming RST. Otherwise (spec
// §4.5 "Otherwise, closes WebSocket with 3001") this path is only reached
// by a bug or a pump callback racing a concurrent remote reset, so the
// tunnel is torn down rather than left in an inconsistent state.
func (e *Endpoint) ResetTunnel(reason string) {
	e.mu.Lock()
	t := onLocalReset(e.state)
	if t.forbidden {
		st := e.state
		e.mu.Unlock()
		e.closeProtocolError(fmt.Errorf("local reset while %s", st))
		return
	}
	e.state = t.next
	p, w, conn, cryptor, idleCh := e.pump, e.writer, e.conn, e.cryptor, e.idleCh
	e.pump, e.reader, e.writer, e.idleCh = nil, nil, nil, nil
	e.mu.Unlock()

	// RST is sent before the pump is cancelled or the writer is closed —
	// there is no suspension point between these lines, so nothing the
	// pump does can land a DAT frame after this RST (spec §5 ordering).
	e.sendRST(conn, cryptor, reason)
	metrics.ResetsTotal.WithLabelValues("local").Inc()
	if p != nil {
		p.stop()
		metrics.ActiveTunnels.Dec()
		close(idleCh)
	}
	if w != nil {
		_ = closeLocalWriter(w)
	}
}

// OnResetTunnel handles an inbound RST frame. If USING, it mirrors
// ResetTunnel's teardown and immediately succeeds (the peer already knows
// the tunnel is torn down, so no further confirmation round-trip is
// needed). If Resetting, this is the confirming RST for our own
// local_reset and requires no reply — the race-handling rule from §4.3.
// If Idle, an unsolicited RST is a protocol violation.
func (e *Endpoint) OnResetTunnel() {
	e.mu.Lock()
	t := onRemoteRST(e.state)
	if t.forbidden {
		e.mu.Unlock()
		e.closeProtocolError(fmt.Errorf("unexpected RST while idle"))
		return
	}
	e.state = t.next
	var p *pump
	var w io.WriteCloser
	var conn wsconn.Conn
	var cryptor *Cryptor
	var idleCh chan struct{}
	if t.sendRST {
		p, w, conn, cryptor, idleCh = e.pump, e.writer, e.conn, e.cryptor, e.idleCh
	}
	e.pump, e.reader, e.writer, e.idleCh = nil, nil, nil, nil
	e.mu.Unlock()

	if t.sendRST {
		e.sendRST(conn, cryptor, "")
		metrics.ResetsTotal.WithLabelValues("remote").Inc()
		if p != nil {
			p.stop()
			metrics.ActiveTunnels.Dec()
			close(idleCh)
		}
		if w != nil {
			_ = closeLocalWriter(w)
		}
	}
}

func (e *Endpoint) sendRST(conn wsconn.Conn, cryptor *Cryptor, reason string) {
	frame := EncodeRst(cryptor, reason)
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, wsconn.MessageBinary, frame); err != nil {
		e.log.Printf("relay: failed to send RST: %v", err)
	}
}

// OnClose is the terminal cleanup, called exactly once for every tunnel
// regardless of cause: cancels any running pump, closes the local writer
// if one is open, and drops this endpoint from the debug registry. Logs
// at warning level for an unclean or non-1000 close.
func (e *Endpoint) OnClose(wasClean bool, code int, reason string) {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		p, w, idleCh := e.pump, e.writer, e.idleCh
		e.pump, e.reader, e.writer, e.idleCh = nil, nil, nil, nil
		e.mu.Unlock()

		e.cancel()
		if p != nil {
			p.stop()
			metrics.ActiveTunnels.Dec()
			close(idleCh)
		}
		if w != nil {
			_ = closeLocalWriter(w)
		}
		e.registry.Unregister(e.debugID)

		if !wasClean || code != int(wsconn.StatusNormalClosure) {
			e.log.Printf("relay: tunnel closed uncleanly: clean=%v code=%d reason=%q", wasClean, code, reason)
		}
	})
}

// Dispatch routes one inbound binary WebSocket message. It is the Go
// shape of the source's onMessage: classify by the authenticated-frame
// check (§6's concrete dispatch rule), then act on REQ/RST or hand DAT
// payload to the local writer.
func (e *Endpoint) Dispatch(data []byte) {
	e.mu.Lock()
	cryptor, tunSSL := e.cryptor, e.tunSSL
	e.mu.Unlock()

	if IsAuthenticatedFrame(cryptor, data) {
		switch data[0] {
		case CmdReq:
			e.handleReq(cryptor, tunSSL, data)
		case CmdRst:
			// The reason is discarded, but decoding still must run: it
			// advances this side's decryptor over the RST body, keeping
			// the shared REQ/DAT/RST keystream in step for the tunnel's
			// next reuse (spec §3, P6).
			if _, err := DecodeRst(cryptor, data); err != nil {
				e.closeProtocolError(err)
				return
			}
			e.OnResetTunnel()
		default:
			e.closeProtocolError(fmt.Errorf("unrecognized authenticated command byte 0x%02x", data[0]))
		}
		return
	}
	e.handleDat(cryptor, data)
}

func (e *Endpoint) handleReq(cryptor *Cryptor, tunSSL bool, data []byte) {
	host, port, remain, err := DecodeReq(cryptor, data, tunSSL, time.Now())
	if err != nil {
		e.closeProtocolError(err)
		return
	}
	metrics.FramesTotal.WithLabelValues("req", "in").Inc()
	if e.onRequest == nil {
		e.closeProtocolError(fmt.Errorf("relay: no request handler configured for REQ"))
		return
	}
	if err := e.onRequest(e, host, port, remain); err != nil {
		e.closeProtocolError(err)
	}
}

func (e *Endpoint) handleDat(cryptor *Cryptor, data []byte) {
	payload, err := DecodeDat(cryptor, data)
	if err != nil {
		e.closeProtocolError(err)
		return
	}
	metrics.FramesTotal.WithLabelValues("dat", "in").Inc()
	metrics.BytesTotal.WithLabelValues("in").Add(float64(len(payload)))

	e.mu.Lock()
	st, w := e.state, e.writer
	e.mu.Unlock()
	if st != Using || w == nil {
		e.closeProtocolError(fmt.Errorf("relay: DAT received while not USING"))
		return
	}
	if _, err := w.Write(payload); err != nil {
		e.ResetTunnel("connection to target broken")
	}
}

// closeProtocolError implements the error-handling design of spec §7: any
// codec failure or protocol violation is fatal to the tunnel, closed with
// application code 3001 rather than any attempt at recovery.
func (e *Endpoint) closeProtocolError(err error) {
	e.log.Printf("relay: protocol error: %v", err)
	metrics.DecodeErrorsTotal.WithLabelValues(decodeErrorKind(err)).Inc()
	metrics.ProtocolClosesTotal.Inc()
	_ = e.conn.Close(wsconn.StatusProtocolError, "protocol error")
	e.OnClose(false, int(wsconn.StatusProtocolError), err.Error())
}

// decodeErrorKind maps a codec error to the label metrics.DecodeErrorsTotal
// tracks it under. Errors not produced by this package's codec (e.g. a
// RequestHandler failure) are lumped under "other".
func decodeErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrDigestLength):
		return "digest_length"
	case errors.Is(err, ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, ErrInvalidTimestamp):
		return "invalid_timestamp"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrMalformedAddr):
		return "malformed_addr"
	default:
		return "other"
	}
}

// closeLocalWriter attempts a half-close (TCP CloseWrite) before falling
// back to a full Close, the same accommodation the teacher's
// outline_tcp.go makes for local TCP streams.
func closeLocalWriter(w io.WriteCloser) error {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := w.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return w.Close()
}
