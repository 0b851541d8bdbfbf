package relay

import (
	"context"
	"io"
	"math/rand"

	"github.com/wjwxxn/wstan/internal/metrics"
	"github.com/wjwxxn/wstan/internal/wsconn"
)

// bufSizeMin/bufSizeMax bound the per-endpoint random read chunk size
// (spec §3: "randomized to blur traffic-analysis signatures").
const (
	bufSizeMin = 4096
	bufSizeMax = 8192
)

func randomBufSize() int {
	return bufSizeMin + rand.Intn(bufSizeMax-bufSizeMin)
}

// pump reads from a local TCP stream, wraps each chunk in a DAT frame and
// sends it over conn, one goroutine per USING endpoint. It is the Go
// analogue of the source's `_pushToTunnelLoop` coroutine: that code runs
// on a single cooperative event loop with an implicit cancellation point
// at every `await`; Go has no such implicit point; a goroutine blocked in
// conn.Write cannot be cancelled out from under it, so the cancellation
// contract is cooperative at two explicit points instead — before issuing
// a read, and before sending the frame produced by that read — mirroring
// "the pump cannot squeeze a DAT in between" from spec §5.
type pump struct {
	ctx     context.Context
	cancel  context.CancelFunc
	conn    wsconn.Conn
	cryptor *Cryptor
	reader  io.Reader
	bufSize int

	// done is closed exactly once, after the loop has exited and will not
	// touch conn or cryptor again. Callers that need to know the pump has
	// fully quiesced (e.g. before starting a new one) wait on it.
	done chan struct{}
}

// pumpResult is what a pump reports when it stops of its own accord
// (read error or EOF) rather than being cancelled from outside.
type pumpResult struct {
	reason string // reset_tunnel reason; empty for EOF
	err    error  // non-nil only for a genuine I/O error, not EOF
}

func startPump(ctx context.Context, conn wsconn.Conn, cryptor *Cryptor, reader io.Reader, bufSize int, onStop func(pumpResult)) *pump {
	pctx, cancel := context.WithCancel(ctx)
	p := &pump{
		ctx:     pctx,
		cancel:  cancel,
		conn:    conn,
		cryptor: cryptor,
		reader:  reader,
		bufSize: bufSize,
		done:    make(chan struct{}),
	}
	go p.run(onStop)
	return p
}

func (p *pump) run(onStop func(pumpResult)) {
	defer close(p.done)
	buf := make([]byte, p.bufSize)

	// A read or write that fails after stop() is part of the cancellation
	// (e.g. the local writer being closed by the reset), not a stop of the
	// pump's own accord, so onStop is not called for it.
	reportStop := func(r pumpResult) {
		if p.ctx.Err() != nil {
			return
		}
		onStop(r)
	}

	for {
		// Cancellation point 1: before issuing a read. If the endpoint
		// has already begun resetting, don't start a read we'd have to
		// discard the result of.
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		n, err := p.reader.Read(buf)
		if err != nil {
			if err == io.EOF {
				reportStop(pumpResult{reason: ""})
			} else {
				reportStop(pumpResult{reason: "connection to target broken", err: err})
			}
			return
		}
		if n == 0 {
			continue
		}

		// Cancellation point 2: after the read, before the send. A chunk
		// read just as cancellation begins is discarded here rather than
		// sent, per spec §4.4 ("If the pump is between read and send,
		// that chunk is discarded").
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		frame := EncodeDat(p.cryptor, buf[:n])
		if err := p.conn.Write(p.ctx, wsconn.MessageBinary, frame); err != nil {
			reportStop(pumpResult{reason: "connection to target broken", err: err})
			return
		}
		// conn.Write returning means the frame reached the underlying
		// socket write — the "drain" suspension point of spec §4.4 step
		// 5. This is where backpressure from a slow carrier propagates
		// back to the next loop iteration's local read.
		metrics.FramesTotal.WithLabelValues("dat", "out").Inc()
		metrics.BytesTotal.WithLabelValues("out").Add(float64(n))
	}
}

// stop cancels the pump. It does not block; callers that need the pump
// fully stopped before proceeding should also receive from p.done.
func (p *pump) stop() {
	p.cancel()
}
