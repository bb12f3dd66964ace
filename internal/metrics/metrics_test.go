package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zurustar/callcore/internal/engine"
	"github.com/zurustar/callcore/internal/history"
	"github.com/zurustar/callcore/internal/registry"
)

func TestCollector_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("")
	require.NoError(t, m.Register(reg))
	assert.Error(t, m.Register(reg), "registering twice is refused")

	m.MissedCalls.Inc()
	m.ActiveSessions.Set(1)
	count, err := testutil.GatherAndCount(reg, "callcore_missed_calls_total", "callcore_active_sessions")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCollector_Admissions(t *testing.T) {
	m := New("test")
	m.Observe(registry.Event{Kind: registry.EventAdmitted})
	m.Observe(registry.Event{Kind: registry.EventAdmitted})
	m.Observe(registry.Event{Kind: registry.EventRejected, Rule: registry.RuleDoNotDisturb})
	m.Observe(registry.Event{Kind: registry.EventAutoAccepted})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Admissions.WithLabelValues("admitted", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Admissions.WithLabelValues("rejected", "do-not-disturb")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Admissions.WithLabelValues("auto-accepted", "")))
}

func TestCollector_SessionLifecycle(t *testing.T) {
	m := New("test")
	start := registry.Event{Kind: registry.EventSession, SessionID: 1, Direction: engine.Incoming, Notification: "did-start"}
	m.Observe(start)
	m.Observe(start)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))

	m.Observe(registry.Event{Kind: registry.EventSession, SessionID: 1, Direction: engine.Incoming, Notification: "did-end"})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsEnded.WithLabelValues("incoming", "completed")))

	// a call that never started does not move the gauge
	m.Observe(registry.Event{Kind: registry.EventSession, SessionID: 2, Direction: engine.Outgoing, Notification: "did-fail"})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsEnded.WithLabelValues("outgoing", "failed")))
}

func TestCollector_Queue(t *testing.T) {
	m := New("test")
	m.Observe(registry.Event{Kind: registry.EventQueue, Queue: "entry-added"})
	m.Observe(registry.Event{Kind: registry.EventQueue, Queue: "entry-added"})
	m.Observe(registry.Event{Kind: registry.EventQueue, Queue: "entry-decided", Action: "accept", Automatic: true})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDecisions.WithLabelValues("accept", "true")))

	m.Observe(registry.Event{Kind: registry.EventQueue, Queue: "entry-removed"})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.QueueDepth))
}

func TestCollector_History(t *testing.T) {
	m := New("test")
	m.Observe(registry.Event{Kind: registry.EventHistory, Record: &history.Record{Status: history.StatusCompleted, Duration: 90 * time.Second}})
	m.Observe(registry.Event{Kind: registry.EventHistory, Record: &history.Record{Status: history.StatusMissed}})
	m.Observe(registry.Event{Kind: registry.EventHistory})
	m.Observe(registry.Event{Kind: registry.EventMissedCall})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HistoryRecords.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HistoryRecords.WithLabelValues("missed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MissedCalls))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CallDuration))
}
