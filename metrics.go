package roomchat

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds optional prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	queueEnqueued   prometheus.Counter
	queueSent       prometheus.Counter
	queueFailed     prometheus.Counter
	queueDepth      prometheus.Gauge
	reconnects      prometheus.Counter
	connected       prometheus.Gauge
	mergeMatches    *prometheus.CounterVec
	streamErrors    prometheus.Counter
	droppedPayloads *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queueEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomchat", Subsystem: "queue", Name: "enqueued_total",
			Help: "Messages stored in the offline queue.",
		}),
		queueSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomchat", Subsystem: "queue", Name: "sent_total",
			Help: "Queued messages delivered on retry.",
		}),
		queueFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomchat", Subsystem: "queue", Name: "failed_total",
			Help: "Queued messages that exhausted their retries.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomchat", Subsystem: "queue", Name: "depth",
			Help: "Messages currently held in the offline queue.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomchat", Subsystem: "realtime", Name: "reconnects_total",
			Help: "Channel teardowns followed by a resubscribe.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomchat", Subsystem: "realtime", Name: "connected",
			Help: "1 while the realtime channel is subscribed.",
		}),
		mergeMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat", Subsystem: "merge", Name: "correlations_total",
			Help: "Provisional messages replaced by a confirmed copy, by match kind.",
		}, []string{"kind"}),
		streamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomchat", Subsystem: "stream", Name: "errors_total",
			Help: "AI responses that ended in an error.",
		}),
		droppedPayloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat", Subsystem: "realtime", Name: "dropped_payloads_total",
			Help: "Malformed broadcasts dropped, by event.",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.queueEnqueued, m.queueSent, m.queueFailed, m.queueDepth,
			m.reconnects, m.connected, m.mergeMatches, m.streamErrors, m.droppedPayloads,
		)
	}
	return m
}

func (m *Metrics) enqueued() {
	if m != nil {
		m.queueEnqueued.Inc()
	}
}

func (m *Metrics) sent() {
	if m != nil {
		m.queueSent.Inc()
	}
}

func (m *Metrics) failed() {
	if m != nil {
		m.queueFailed.Inc()
	}
}

func (m *Metrics) depth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) matched(kind string) {
	if m != nil {
		m.mergeMatches.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) streamError() {
	if m != nil {
		m.streamErrors.Inc()
	}
}

func (m *Metrics) dropped(event string) {
	if m != nil {
		m.droppedPayloads.WithLabelValues(event).Inc()
	}
}
