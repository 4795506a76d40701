// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Per-engine Prometheus metrics, grounded on the donor's control/metrics.go
// map-based registry and generalized per the pack's Vango Prometheus
// middleware (pkg/middleware/metrics.go: reconnectsTotal, wsErrors,
// activeSessions). Each engine owns its own prometheus.Registry instead of
// registering into the global default, so multiple engines (and parallel
// tests) never collide on duplicate metric registration.

package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus surface for one engine instance.
type Metrics struct {
	Registry *prometheus.Registry

	FramesSent         prometheus.Counter
	FramesReceived     prometheus.Counter
	BytesSent          prometheus.Counter
	BytesReceived      prometheus.Counter
	Reconnects         prometheus.Counter
	KeepaliveTimeouts  prometheus.Counter
	ProtocolViolations prometheus.Counter
	HandlerFailures    prometheus.Counter
	State              prometheus.Gauge
}

// NewMetrics builds a fresh, independent registry and its metrics.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_sent_total", Help: "Frames sent to the peer.",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_received_total", Help: "Frames received from the peer.",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total", Help: "Payload bytes sent to the peer.",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_received_total", Help: "Payload bytes received from the peer.",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnects_total", Help: "Reconnect attempts initiated.",
		}),
		KeepaliveTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "keepalive_timeouts_total", Help: "Disconnects caused by exceeding keepalive_max_attempts.",
		}),
		ProtocolViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "protocol_violations_total", Help: "Frames rejected for violating RFC 6455 framing rules.",
		}),
		HandlerFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handler_failures_total", Help: "Handler callback panics recovered by the engine.",
		}),
		State: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "state", Help: "Current engine state: 0=disconnected, 1=handshaking, 2=connected.",
		}),
	}
}
