// Package metrics holds the Prometheus collectors of the sync client.
//
// A nil *Metrics is valid and records nothing, so components never need to
// check whether metrics are enabled.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "quillsync"

type Metrics struct {
	connectionState   prometheus.Gauge
	reconnectAttempts prometheus.Counter
	reconnectFailures prometheus.Counter
	signOuts          prometheus.Counter
	eventsReceived    *prometheus.CounterVec
	signals           *prometheus.CounterVec
	refetches         *prometheus.CounterVec
	coalesced         prometheus.Counter
	callTransitions   *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "Connection status: 0 disconnected, 1 connecting, 2 connected.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts made after losing the connection.",
		}),
		reconnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_failures_total",
			Help:      "Times the retry budget was exhausted.",
		}),
		signOuts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "sign_outs_total",
			Help:      "Forced sign-outs caused by authorization failures.",
		}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "events_received_total",
			Help:      "Push events received, by event name.",
		}, []string{"event"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "signals_total",
			Help:      "Outbound signals, by event name and outcome (sent, dropped, failed).",
		}, []string{"event", "outcome"}),
		refetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "refetches_total",
			Help:      "Authoritative re-fetches, by target (page, stats, tags) and outcome (applied, stale, error).",
		}, []string{"target", "outcome"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "coalesced_requests_total",
			Help:      "Re-fetch requests absorbed by an already scheduled or trailing fetch.",
		}),
		callTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "transitions_total",
			Help:      "Call state machine transitions.",
		}, []string{"from", "to"}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.connectionState, m.reconnectAttempts, m.reconnectFailures, m.signOuts,
		m.eventsReceived, m.signals, m.refetches, m.coalesced, m.callTransitions,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics.New failed to register collector: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) SetConnectionState(v int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(v))
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) ReconnectFailed() {
	if m == nil {
		return
	}
	m.reconnectFailures.Inc()
}

func (m *Metrics) SignOut() {
	if m == nil {
		return
	}
	m.signOuts.Inc()
}

func (m *Metrics) EventReceived(name string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(name).Inc()
}

func (m *Metrics) Signal(name, outcome string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) Refetch(target, outcome string) {
	if m == nil {
		return
	}
	m.refetches.WithLabelValues(target, outcome).Inc()
}

func (m *Metrics) Coalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

func (m *Metrics) CallTransition(from, to string) {
	if m == nil {
		return
	}
	m.callTransitions.WithLabelValues(from, to).Inc()
}
