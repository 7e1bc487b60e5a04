package dmsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the engine. A nil *Metrics records nothing.
type Metrics struct {
	events         *prometheus.CounterVec
	decodeFailures *prometheus.CounterVec
	staleResults   *prometheus.CounterVec
	published      *prometheus.CounterVec
	reconnects     prometheus.Counter
	droppedUpdates prometheus.Counter
	connected      prometheus.Gauge
}

// NewMetrics registers the engine collectors with reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmsync",
			Name:      "events_total",
			Help:      "Push events applied, by kind.",
		}, []string{"kind"}),
		decodeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmsync",
			Name:      "decode_failures_total",
			Help:      "Push bodies that could not be decoded into an event, by topic kind.",
		}, []string{"kind"}),
		staleResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmsync",
			Name:      "stale_results_total",
			Help:      "Async completions discarded because the active room changed.",
		}, []string{"op"}),
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmsync",
			Name:      "published_total",
			Help:      "Outbound publishes, by destination and result.",
		}, []string{"destination", "result"}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dmsync",
			Name:      "reconnects_total",
			Help:      "Push channel reconnect attempts.",
		}),
		droppedUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dmsync",
			Name:      "dropped_updates_total",
			Help:      "Update notifications dropped because the consumer was slow.",
		}),
		connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "dmsync",
			Name:      "connected",
			Help:      "1 while the push channel is connected.",
		}),
	}
}

func (m *Metrics) event(kind string) {
	if m != nil {
		m.events.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) decodeFailure(kind string) {
	if m != nil {
		m.decodeFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) stale(op string) {
	if m != nil {
		m.staleResults.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) publish(destination string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.published.WithLabelValues(destination, result).Inc()
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.droppedUpdates.Inc()
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
