package hub

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the hub's live gauges/counters, the generalization of the
// teacher's expvar.Int topicsLive counter (server/hub.go) onto
// Prometheus, which is already the teacher's metrics dependency.
type Metrics struct {
	liveSessions     prometheus.Gauge
	liveChats        prometheus.Gauge
	evictions        *prometheus.CounterVec
	framesDispatched *prometheus.CounterVec
	broadcastDropped *prometheus.CounterVec
}

// NewMetrics registers the hub's collectors with reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions across subtests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chathub_live_sessions",
			Help: "Number of sessions currently registered with the hub.",
		}),
		liveChats: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chathub_live_chat_subscriptions",
			Help: "Number of chats with at least one live subscriber.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chathub_session_evictions_total",
			Help: "Sessions evicted by the hub, by reason.",
		}, []string{"reason"}),
		framesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chathub_frames_dispatched_total",
			Help: "Client frames dispatched to intent handlers, by type.",
		}, []string{"type"}),
		broadcastDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chathub_broadcast_dropped_total",
			Help: "Broadcast envelopes dropped due to full channel buffers, by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.liveSessions, m.liveChats, m.evictions, m.framesDispatched, m.broadcastDropped)
	return m
}
