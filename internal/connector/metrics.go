package connector

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	joinSuccess   prometheus.Counter
	joinFailure   prometheus.Counter
	joinTimeouts  prometheus.Counter
	staleDiscards prometheus.Counter
	retries       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		joinSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synq_connector_join_success_total",
			Help: "Room joins that completed and were surfaced to a caller.",
		}),
		joinFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synq_connector_join_failure_total",
			Help: "Acquisition sequences that exhausted their retry budget.",
		}),
		joinTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synq_connector_join_timeout_total",
			Help: "Individual join attempts abandoned by the per-attempt timer.",
		}),
		staleDiscards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synq_connector_stale_discard_total",
			Help: "Connections torn down because a newer acquisition superseded them.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "synq_connector_retry_total",
			Help: "Join attempts beyond the first within one acquisition sequence.",
		}),
	}

	reg.MustRegister(
		m.joinSuccess,
		m.joinFailure,
		m.joinTimeouts,
		m.staleDiscards,
		m.retries,
	)
	return m
}

func (m *Metrics) RecordJoinSuccess() {
	if m == nil {
		return
	}
	m.joinSuccess.Inc()
}

func (m *Metrics) RecordJoinFailure() {
	if m == nil {
		return
	}
	m.joinFailure.Inc()
}

func (m *Metrics) RecordTimeout() {
	if m == nil {
		return
	}
	m.joinTimeouts.Inc()
}

func (m *Metrics) RecordStaleDiscard() {
	if m == nil {
		return
	}
	m.staleDiscards.Inc()
}

func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}
