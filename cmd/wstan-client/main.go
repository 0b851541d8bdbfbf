// Command wstan-client runs the local SOCKS5 listener: it accepts
// CONNECT requests from applications on the machine and relays each one
// over a WebSocket tunnel to a wstan-server instance. Grounded on the
// teacher's client/main.go (flag-loaded yaml config, signal-driven
// graceful shutdown, plain net.Listen accept loop).
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wjwxxn/wstan/internal/config"
	"github.com/wjwxxn/wstan/internal/metrics"
	"github.com/wjwxxn/wstan/internal/relay"
	"github.com/wjwxxn/wstan/internal/socks5"
	"github.com/wjwxxn/wstan/internal/wsconn"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "c", "config.yaml", "config path")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Server == "" {
		log.Fatalf("config: server is required")
	}
	key, err := cfg.KeyBytes()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	metrics.Serve(cfg.MetricsAddr)

	var registry *relay.Registry
	if cfg.Debug {
		registry = relay.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := &clientDialer{
		serverURL: cfg.Server,
		key:       key,
		tunSSL:    cfg.TunSSL,
		registry:  registry,
		dialTO:    cfg.DialTimeout,
	}
	srv := &socks5.Server{Dialer: dialer}

	ln, err := net.Listen("tcp", cfg.Listen.SOCKS5)
	if err != nil {
		log.Fatalf("listen socks5 %s: %v", cfg.Listen.SOCKS5, err)
	}
	log.Printf("SOCKS5 listening on %s", cfg.Listen.SOCKS5)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Printf("shutting down...")
		cancel()
		_ = ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Printf("accept: %v", err)
			continue
		}
		go func() {
			_ = c.SetDeadline(time.Now().Add(10 * time.Second))
			srv.HandleConn(ctx, c)
		}()
	}
}

// clientDialer implements socks5.TunnelDialer by dialing a fresh
// WebSocket carrier per incoming SOCKS5 connection. Reusing one tunnel
// across successive logical connections (the reset handshake's whole
// purpose) is left to a pool layer external to this module's scope —
// each dial here still exercises the full reset/state machine at
// teardown, just not a shared warm-standby pool.
type clientDialer struct {
	serverURL string
	key       []byte
	tunSSL    bool
	registry  *relay.Registry
	dialTO    time.Duration
}

func (d *clientDialer) DialTunnel(ctx context.Context) (socks5.Tunnel, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.dialTO)
	defer cancel()

	conn, err := wsconn.DialClient(dialCtx, d.serverURL, nil)
	if err != nil {
		return nil, err
	}

	var nonce [relay.NonceSize]byte // agreed out of band; see relay.Cryptor.Init
	ep, err := relay.NewEndpoint(ctx, conn, d.key, nonce, d.tunSSL, nil, d.registry, log.Default())
	if err != nil {
		_ = conn.Close(wsconn.StatusNormalClosure, "")
		return nil, err
	}

	t := &clientTunnel{conn: conn, ep: ep, done: make(chan struct{})}
	go t.readLoop()
	return t, nil
}

// clientTunnel pairs an Endpoint with the read goroutine that feeds it
// inbound messages — the "surrounding WebSocket runtime" the spec leaves
// external to the relay core (§1 "WebSocket handshake/framing itself").
type clientTunnel struct {
	conn wsconn.Conn
	ep   *relay.Endpoint
	done chan struct{}
}

func (t *clientTunnel) readLoop() {
	defer close(t.done)
	for {
		_, data, err := t.conn.Read(context.Background())
		if err != nil {
			t.ep.OnClose(false, int(wsconn.StatusAbnormalClosed), err.Error())
			return
		}
		t.ep.Dispatch(data)
	}
}

// Drive sends the REQ frame for this logical connection and pumps conn
// through the tunnel until it ends. It returns as soon as this cycle's
// local stream is torn down (reset, locally or remotely) rather than
// waiting on the whole carrier's lifetime, so a reset that leaves the
// carrier open for reuse doesn't leak this call's goroutine.
func (t *clientTunnel) Drive(ctx context.Context, conn net.Conn, addrHdr []byte) error {
	if err := t.ep.SendRequest(ctx, addrHdr, nil); err != nil {
		return err
	}
	if err := t.ep.SetProxy(conn, conn); err != nil {
		return err
	}

	select {
	case <-t.ep.Done():
	case <-t.done:
	case <-ctx.Done():
	}
	return nil
}

func (t *clientTunnel) Close() error {
	t.ep.OnClose(true, int(wsconn.StatusNormalClosure), "")
	err := t.conn.Close(wsconn.StatusNormalClosure, "")
	<-t.done
	return err
}
