// Command wstan-server accepts inbound tunnel carriers, dials the real
// TCP targets named by REQ frames, and shuttles payload bytes between
// them. Grounded on the teacher's cmd/outline-ws/main.go (flag/yaml
// driven entry point) and balookrd-h3ws2h1ws-proxy's internal/run.go
// (one mux, an upgrade handler, a metrics server goroutine).
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/wjwxxn/wstan/internal/config"
	"github.com/wjwxxn/wstan/internal/metrics"
	"github.com/wjwxxn/wstan/internal/relay"
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
	key, err := cfg.KeyBytes()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	metrics.Serve(cfg.MetricsAddr)

	var registry *relay.Registry
	if cfg.Debug {
		registry = relay.NewRegistry()
	}

	srv := &server{
		key:      key,
		tunSSL:   cfg.TunSSL,
		dialTO:   cfg.DialTimeout,
		registry: registry,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.handleUpgrade)

	log.Printf("tunnel server listening on %s", cfg.Listen.HTTP)
	if err := http.ListenAndServe(cfg.Listen.HTTP, mux); err != nil {
		log.Fatalf("listen: %v", err)
	}
}

// server holds the process-wide configuration passed into each endpoint
// at construction, per spec §9's "Global state" note: the pre-shared key
// and tun_ssl flag are not read from a package global, just threaded
// through here once.
type server struct {
	key      []byte
	tunSSL   bool
	dialTO   time.Duration
	registry *relay.Registry
}

func (s *server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Accept(w, r)
	if err != nil {
		log.Printf("upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var nonce [relay.NonceSize]byte // agreed out of band; see relay.Cryptor.Init
	ep, err := relay.NewEndpoint(ctx, conn, s.key, nonce, s.tunSSL, s.onRequest, s.registry, log.Default())
	if err != nil {
		log.Printf("endpoint: %v", err)
		_ = conn.Close(wsconn.StatusProtocolError, "bad configuration")
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ep.OnClose(false, int(wsconn.StatusAbnormalClosed), err.Error())
			return
		}
		ep.Dispatch(data)
	}
}

// onRequest is the relay.RequestHandler: dialing the real target is the
// external collaborator this module's scope leaves out of the relay
// core (spec §1 "DNS/TCP dialing to targets"). remain is forwarded to
// the target immediately, before the pump takes over — it is whatever
// payload the client had already buffered ahead of the REQ frame.
func (s *server) onRequest(e *relay.Endpoint, host, port string, remain []byte) error {
	addr := net.JoinHostPort(host, port)
	conn, err := net.DialTimeout("tcp", addr, s.dialTO)
	if err != nil {
		return err
	}
	if len(remain) > 0 {
		if _, err := conn.Write(remain); err != nil {
			_ = conn.Close()
			return err
		}
	}
	return e.SetProxy(conn, conn)
}
