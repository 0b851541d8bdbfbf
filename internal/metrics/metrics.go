// Package metrics exposes Prometheus counters/gauges for relay activity.
// Grounded on balookrd-h3ws2h1ws-proxy's internal/metrics package: plain
// package-level collectors registered once in init(), no wrapper struct.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveTunnels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wstan_relay_active_tunnels",
		Help: "Tunnels currently in the USING state",
	})
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wstan_relay_frames_total",
		Help: "Frames processed by command and direction",
	}, []string{"cmd", "dir"})
	BytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wstan_relay_bytes_total",
		Help: "Payload bytes carried by DAT frames by direction",
	}, []string{"dir"})
	ResetsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wstan_relay_resets_total",
		Help: "Tunnel resets by initiator",
	}, []string{"initiator"})
	DecodeErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wstan_relay_decode_errors_total",
		Help: "Frame decode failures by error kind",
	}, []string{"kind"})
	ProtocolClosesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wstan_relay_protocol_closes_total",
		Help: "Tunnels closed with the 3001 protocol-error code",
	})
	LiveDebugRegistrySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wstan_relay_debug_registry_size",
		Help: "Live entries in the debug weak-reference tunnel registry",
	})
)

func init() {
	prometheus.MustRegister(
		ActiveTunnels, FramesTotal, BytesTotal, ResetsTotal,
		DecodeErrorsTotal, ProtocolClosesTotal, LiveDebugRegistrySize,
	)
}

// Handler returns the http.Handler serving the registered collectors in
// the Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
