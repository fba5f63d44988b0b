// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "voicerouter"

// Metrics holds the engine's Prometheus collectors
type Metrics struct {
	SessionsActive      prometheus.Gauge
	SessionsTotal       *prometheus.CounterVec
	Claims              *prometheus.CounterVec
	AgentDeclines       *prometheus.CounterVec
	Reprompts           prometheus.Counter
	QueueWait           prometheus.Histogram
	StaleCallbacks      *prometheus.CounterVec
	InvariantViolations prometheus.Counter
	DispatchErrors      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Call sessions currently tracked",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Call sessions by final outcome",
		}, []string{"outcome"}),
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "agent_claims_total",
			Help:      "Agent claim attempts by result",
		}, []string{"result"}),
		AgentDeclines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "agent_declines_total",
			Help:      "Agent offers that did not end in a bridge",
		}, []string{"reason"}),
		Reprompts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dialog_reprompts_total",
			Help:      "Re-prompts caused by empty or unintelligible speech",
		}),
		QueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "queue_wait_seconds",
			Help:      "Time callers spent on hold before leaving the queue",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),
		StaleCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stale_callbacks_total",
			Help:      "Callbacks for unknown or superseded sessions",
		}, []string{"entrypoint"}),
		InvariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "invariant_violations_total",
			Help:      "Sessions failed because session and agent state disagreed",
		}),
		DispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dispatch_errors_total",
			Help:      "Provider requests that failed",
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SessionsActive,
			m.SessionsTotal,
			m.Claims,
			m.AgentDeclines,
			m.Reprompts,
			m.QueueWait,
			m.StaleCallbacks,
			m.InvariantViolations,
			m.DispatchErrors,
		)
	}
	return m
}
