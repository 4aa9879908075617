// Package core provides the reactive persistence engine of nereid.
// This file defines the Prometheus instrumentation of the engine. A nil
// *Metrics is valid and records nothing, so factories built without
// WithMetrics pay no instrumentation cost.
package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the Prometheus collectors of one factory.
type Metrics struct {
	statementTotal    *prometheus.CounterVec
	statementDuration *prometheus.HistogramVec
	queryCacheTotal   *prometheus.CounterVec
	sessionsOpen      prometheus.Gauge
	flushTotal        prometheus.Counter
}

// NewMetrics creates the collector set and registers it on the given
// registerer. Passing prometheus.DefaultRegisterer is the usual choice.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		statementTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nereid",
			Name:      "statements_total",
			Help:      "Statements executed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		statementDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nereid",
			Name:      "statement_duration_seconds",
			Help:      "Statement execution latency, by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		queryCacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nereid",
			Name:      "query_cache_total",
			Help:      "Query cache lookups, by result.",
		}, []string{"result"}),
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nereid",
			Name:      "sessions_open",
			Help:      "Sessions currently open.",
		}),
		flushTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nereid",
			Name:      "flushes_total",
			Help:      "Session flushes executed.",
		}),
	}
	collectorList := []prometheus.Collector{
		m.statementTotal, m.statementDuration, m.queryCacheTotal, m.sessionsOpen, m.flushTotal,
	}
	for _, collector := range collectorList {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeStatement(kind string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.statementTotal.WithLabelValues(kind, outcome).Inc()
	m.statementDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) queryCacheHit() {
	if m == nil {
		return
	}
	m.queryCacheTotal.WithLabelValues("hit").Inc()
}

func (m *Metrics) queryCacheMiss() {
	if m == nil {
		return
	}
	m.queryCacheTotal.WithLabelValues("miss").Inc()
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpen.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.sessionsOpen.Dec()
}

func (m *Metrics) flushExecuted() {
	if m == nil {
		return
	}
	m.flushTotal.Inc()
}
