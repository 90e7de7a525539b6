// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	TicksTotal      *prometheus.CounterVec
	TradesTotal     *prometheus.CounterVec
	GateVetoesTotal *prometheus.CounterVec
	TickDuration    prometheus.Histogram
	ActiveSessions  prometheus.Gauge
	SessionValue    *prometheus.GaugeVec
}

// New creates and registers the engine collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regime_trader",
			Name:      "ticks_total",
			Help:      "Session update ticks processed, by asset and outcome.",
		}, []string{"asset", "outcome"}),
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regime_trader",
			Name:      "trades_total",
			Help:      "Paper trades executed, by asset and side.",
		}, []string{"asset", "side"}),
		GateVetoesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regime_trader",
			Name:      "gate_vetoes_total",
			Help:      "Risk gate vetoes, by gate name.",
		}, []string{"gate"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "regime_trader",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one session update tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "regime_trader",
			Name:      "active_sessions",
			Help:      "Sessions currently in active status.",
		}),
		SessionValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "regime_trader",
			Name:      "session_value",
			Help:      "Latest total portfolio value per asset.",
		}, []string{"asset"}),
	}
	reg.MustRegister(
		m.TicksTotal,
		m.TradesTotal,
		m.GateVetoesTotal,
		m.TickDuration,
		m.ActiveSessions,
		m.SessionValue,
	)
	return m
}
