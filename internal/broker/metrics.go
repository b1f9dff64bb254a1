package broker

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	activeSessions prometheus.Gauge
	acquires       prometheus.Counter
	coalesced      prometheus.Counter
	releases       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "synq_broker_active_sessions",
			Help: "Room connections currently held open by at least one holder.",
		}),
		acquires: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synq_broker_acquire_total",
			Help: "Acquire calls, including cache hits.",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synq_broker_coalesced_total",
			Help: "Acquire calls that joined an already in-flight attempt.",
		}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synq_broker_release_total",
			Help: "Release calls against a live entry.",
		}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.acquires,
		m.coalesced,
		m.releases,
	)
	return m
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordAcquire() {
	if m == nil {
		return
	}
	m.acquires.Inc()
}

func (m *Metrics) RecordCoalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

func (m *Metrics) RecordRelease() {
	if m == nil {
		return
	}
	m.releases.Inc()
}
