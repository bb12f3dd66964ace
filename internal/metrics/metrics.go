// Package metrics exports Prometheus collectors fed by registry events.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zurustar/callcore/internal/registry"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "callcore"

// Collector holds the session metrics.
type Collector struct {
	// Admissions counts inbound requests by outcome and rejecting rule.
	Admissions *prometheus.CounterVec
	// SessionsStarted counts established sessions by direction.
	SessionsStarted *prometheus.CounterVec
	// SessionsEnded counts finished sessions by direction and outcome.
	SessionsEnded *prometheus.CounterVec
	// ActiveSessions is the number of established sessions.
	ActiveSessions prometheus.Gauge
	// QueueDepth is the number of pending incoming entries.
	QueueDepth prometheus.Gauge
	// QueueDecisions counts queue decisions by action and origin.
	QueueDecisions *prometheus.CounterVec
	MissedCalls    prometheus.Counter
	// HistoryRecords counts history entries by status.
	HistoryRecords *prometheus.CounterVec
	CallDuration   prometheus.Histogram

	mu     sync.Mutex
	active map[uint64]bool
}

// New creates the collectors under namespace, DefaultNamespace when empty.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Collector{
		Admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admissions_total",
				Help:      "Inbound session requests by admission outcome.",
			},
			[]string{"outcome", "rule"},
		),
		SessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Established sessions by direction.",
			},
			[]string{"direction"},
		),
		SessionsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_ended_total",
				Help:      "Finished sessions by direction and outcome.",
			},
			[]string{"direction", "outcome"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Sessions currently established.",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "incoming_queue_depth",
				Help:      "Incoming requests waiting for a decision.",
			},
		),
		QueueDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "incoming_decisions_total",
				Help:      "Incoming queue decisions by action.",
			},
			[]string{"action", "automatic"},
		),
		MissedCalls: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "missed_calls_total",
				Help:      "Inbound sessions nobody answered.",
			},
		),
		HistoryRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "history_records_total",
				Help:      "History entries written by status.",
			},
			[]string{"status"},
		),
		CallDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_duration_seconds",
				Help:      "Duration of completed sessions.",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),
		active: make(map[uint64]bool),
	}
}

// Register adds every collector to registerer.
func (m *Collector) Register(registerer prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.Admissions,
		m.SessionsStarted,
		m.SessionsEnded,
		m.ActiveSessions,
		m.QueueDepth,
		m.QueueDecisions,
		m.MissedCalls,
		m.HistoryRecords,
		m.CallDuration,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Observe updates the collectors from one registry event.
func (m *Collector) Observe(ev registry.Event) {
	switch ev.Kind {
	case registry.EventAdmitted:
		m.Admissions.WithLabelValues("admitted", "").Inc()
	case registry.EventAutoAccepted:
		m.Admissions.WithLabelValues("auto-accepted", "").Inc()
	case registry.EventRejected:
		m.Admissions.WithLabelValues("rejected", string(ev.Rule)).Inc()
	case registry.EventSession:
		m.observeSession(ev)
	case registry.EventQueue:
		m.observeQueue(ev)
	case registry.EventMissedCall:
		m.MissedCalls.Inc()
	case registry.EventHistory:
		if ev.Record == nil {
			return
		}
		m.HistoryRecords.WithLabelValues(string(ev.Record.Status)).Inc()
		if ev.Record.Duration > 0 {
			m.CallDuration.Observe(ev.Record.Duration.Seconds())
		}
	}
}

func (m *Collector) observeSession(ev registry.Event) {
	direction := string(ev.Direction)
	switch ev.Notification {
	case "did-start":
		m.SessionsStarted.WithLabelValues(direction).Inc()
		m.mu.Lock()
		if !m.active[ev.SessionID] {
			m.active[ev.SessionID] = true
			m.ActiveSessions.Inc()
		}
		m.mu.Unlock()
	case "did-end", "did-fail":
		outcome := "completed"
		if ev.Notification == "did-fail" {
			outcome = "failed"
		}
		m.SessionsEnded.WithLabelValues(direction, outcome).Inc()
		m.mu.Lock()
		if m.active[ev.SessionID] {
			delete(m.active, ev.SessionID)
			m.ActiveSessions.Dec()
		}
		m.mu.Unlock()
	}
}

func (m *Collector) observeQueue(ev registry.Event) {
	switch ev.Queue {
	case "entry-added":
		m.QueueDepth.Inc()
	case "entry-decided":
		m.QueueDepth.Dec()
		m.QueueDecisions.WithLabelValues(ev.Action, strconv.FormatBool(ev.Automatic)).Inc()
	case "entry-removed":
		m.QueueDepth.Dec()
	}
}
