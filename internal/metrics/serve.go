package metrics

import (
	"errors"
	"log"
	"net/http"
	"time"
)

// Serve starts a background HTTP server exposing /metrics at addr. It is
// a no-op when addr is empty, the same "empty disables" convention the
// pack's h3ws2h1ws-proxy uses for its own -metrics flag.
func Serve(addr string) {
	if addr == "" {
		log.Printf("metrics disabled (metrics_addr not set)")
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", Handler())
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		log.Printf("metrics listening on http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server error: %v", err)
		}
	}()
}
