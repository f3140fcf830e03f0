package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_events_dispatched_total",
		Help: "The total number of dispatch events published to subscribers.",
	}, []string{"event"})
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_frames_dropped_total",
		Help: "The total number of inbound frames dropped due to decode errors.",
	})
	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_heartbeats_sent_total",
		Help: "The total number of heartbeat frames sent.",
	})
	HeartbeatAcks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_heartbeat_acks_total",
		Help: "The total number of heartbeat acknowledgments received.",
	})
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_reconnect_attempts_total",
		Help: "The total number of reconnect attempts scheduled.",
	})
	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connected",
		Help: "Whether the gateway session is currently connected (1) or not (0).",
	})
)

// StartServer exposes the metrics over HTTP. Best effort; the gateway
// works without it.
func StartServer(addr string, path string) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server stopped", "error", err)
		}
	}()
}
