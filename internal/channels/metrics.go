package channels

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons recorded by the ingestion pipeline.
const (
	DropNotPosted = "not_posted"
	DropFromBot   = "from_bot"
	DropSelf      = "self"
	DropBacklog   = "backlog"
)

// Metrics holds the Prometheus collectors of the integration layer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsReceived  *prometheus.CounterVec
	messagesDropped *prometheus.CounterVec
	handlerCalls    *prometheus.CounterVec
	handlerSeconds  *prometheus.HistogramVec
	postsSent       *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	connected       *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge", Subsystem: "stream", Name: "events_total",
			Help: "Post events received from platform streams.",
		}, []string{"instance", "event"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge", Subsystem: "ingest", Name: "dropped_total",
			Help: "Inbound events filtered before reaching the handler.",
		}, []string{"instance", "reason"}),
		handlerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge", Subsystem: "ingest", Name: "handler_calls_total",
			Help: "Handler invocations by outcome.",
		}, []string{"instance", "outcome"}),
		handlerSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatbridge", Subsystem: "ingest", Name: "handler_duration_seconds",
			Help:    "Handler invocation latency.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"instance"}),
		postsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge", Subsystem: "dispatch", Name: "posts_total",
			Help: "Outbound posts by outcome.",
		}, []string{"instance", "outcome"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge", Subsystem: "stream", Name: "reconnects_total",
			Help: "Reconnect attempts after a stream closed.",
		}, []string{"instance"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatbridge", Subsystem: "stream", Name: "connected",
			Help: "1 while the instance has a live stream.",
		}, []string{"instance"}),
	}
	if reg != nil {
		reg.MustRegister(m.eventsReceived, m.messagesDropped, m.handlerCalls,
			m.handlerSeconds, m.postsSent, m.reconnects, m.connected)
	}
	return m
}

func (m *Metrics) event(instance, event string) {
	if m != nil {
		m.eventsReceived.WithLabelValues(instance, event).Inc()
	}
}

func (m *Metrics) dropped(instance, reason string) {
	if m != nil {
		m.messagesDropped.WithLabelValues(instance, reason).Inc()
	}
}

func (m *Metrics) handled(instance, outcome string, d time.Duration) {
	if m != nil {
		m.handlerCalls.WithLabelValues(instance, outcome).Inc()
		m.handlerSeconds.WithLabelValues(instance).Observe(d.Seconds())
	}
}

func (m *Metrics) sent(instance string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.postsSent.WithLabelValues(instance, outcome).Inc()
}

func (m *Metrics) reconnect(instance string) {
	if m != nil {
		m.reconnects.WithLabelValues(instance).Inc()
	}
}

func (m *Metrics) setConnected(instance string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.connected.WithLabelValues(instance).Set(v)
}
