package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zurustar/callcore/internal/engine"
	"github.com/zurustar/callcore/internal/history"
	"github.com/zurustar/callcore/internal/logging"
	"github.com/zurustar/callcore/internal/media"
	"github.com/zurustar/callcore/internal/session"
)

const (
	completedElsewhere = "Call completed elsewhere"
	historyTimeout     = 5 * time.Second
)

// Observe receives every controller notification.
func (r *Registry) Observe(n session.Notification) {
	c := n.Controller
	id := c.ID()

	switch n.Kind {
	case session.NotifyWillStart:
		if _, ok := r.controllers[id]; !ok {
			r.add(c)
		}
	case session.NotifyDidStart:
		delete(r.incoming, id)
		if !media.HasType(n.Streams, media.Audio) {
			r.maybeResumeMusic()
		}
	case session.NotifyDidEnd, session.NotifyDidFail:
		delete(r.incoming, id)
		r.queue.Remove(id, n.Kind.String())
		r.logHistory(c, n)
		r.maybeResumeMusic()
	case session.NotifyGotProposal:
		r.queue.AddProposal(c, n.Streams)
	case session.NotifyProposalAccepted, session.NotifyProposalRejected, session.NotifyProposalFailed:
		r.queue.Remove(id, n.Kind.String())
	case session.NotifyDisposed:
		delete(r.controllers, id)
		delete(r.incoming, id)
		delete(r.activeAudio, id)
		delete(r.logged, id)
	}

	r.emit(Event{
		Kind:         EventSession,
		Time:         n.Timestamp,
		SessionID:    id,
		Account:      c.Account().ID,
		Remote:       c.Target(),
		Direction:    n.Direction,
		Streams:      media.Types(n.Streams),
		Code:         n.Code,
		Reason:       firstNonEmpty(n.FailureReason, n.Reason),
		Notification: n.Kind.String(),
		State:        n.State,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (r *Registry) streamChanged(change media.StatusChange) {
	if change.Type != media.Audio {
		return
	}
	switch change.New {
	case media.StatusConnected:
		r.activeAudio[change.SessionID] = true
	case media.StatusIdle, media.StatusFailed:
		if r.activeAudio[change.SessionID] {
			delete(r.activeAudio, change.SessionID)
			r.maybeResumeMusic()
		}
	}
}

// maybeResumeMusic restarts the player once no audio call is up and nothing
// is ringing.
func (r *Registry) maybeResumeMusic() {
	if !r.config().Audio.PauseMusic {
		return
	}
	if len(r.activeAudio) > 0 || len(r.incoming) > 0 {
		return
	}
	r.opts.Music.Resume()
}

// recordFor builds the history entry for a finished session, or nil when
// the session is not logged. missed is set when an inbound request failed
// before anyone answered it.
func recordFor(acc session.Accounting, n session.Notification) (*history.Record, bool) {
	if acc.Bonjour {
		return nil, false
	}
	rec := &history.Record{
		ID:               acc.HistoryID,
		Account:          acc.Account,
		MediaTypes:       typeNames(acc.Streams),
		Direction:        string(acc.Direction),
		StartTime:        n.Timestamp,
		EndTime:          n.Timestamp,
		LocalURI:         "sip:" + acc.Account,
		RemoteURI:        strings.ToLower(acc.Target),
		RemoteFocus:      acc.RemoteFocus,
		Participants:     acc.Participants,
		CallID:           acc.CallID,
		FromTag:          acc.FromTag,
		ToTag:            acc.ToTag,
		AnsweringMachine: acc.AnsweringMachine,
	}
	missed := false

	switch {
	case n.Kind == session.NotifyDidEnd && acc.Direction == engine.Incoming && acc.AnsweringMachine:
		rec.Status = history.StatusMissed
		rec.Summary = "Missed Incoming Audio Call"
	case n.Kind == session.NotifyDidEnd:
		rec.Status = history.StatusCompleted
		start, end := acc.StartTime, acc.EndTime
		if end.IsZero() {
			end = n.Timestamp
		}
		if start.IsZero() {
			start = end
		}
		rec.StartTime, rec.EndTime = start, end
		rec.Duration = end.Sub(start).Truncate(time.Second)
		label := "Incoming Audio Call"
		if acc.Direction == engine.Outgoing {
			label = "Outgoing Audio Call"
		}
		rec.Summary = fmt.Sprintf("%s, duration %s", label, history.PrintedDuration(rec.Duration))

	case acc.Direction == engine.Incoming && n.Code == 487 && n.FailureReason == completedElsewhere:
		rec.Status = history.StatusCompleted
		rec.FailureReason = history.AnsweredElsewhere
		rec.Summary = "The call has been answered elsewhere"
	case acc.Direction == engine.Incoming:
		rec.Status = history.StatusMissed
		rec.Summary = "Missed Incoming Audio Call"
		missed = true

	case n.Code == 487:
		rec.Status = history.StatusCancelled
		rec.Summary = "Cancelled Outgoing Audio Call"
	default:
		rec.Status = history.StatusFailed
		rec.FailureReason = fmt.Sprintf("%s (%d)", firstNonEmpty(n.Reason, n.FailureReason), n.Code)
		rec.Summary = "Failed Outgoing Audio Call, reason: " + rec.FailureReason
	}
	return rec, missed
}

func typeNames(types []media.Type) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func (r *Registry) logHistory(c *session.Controller, n session.Notification) {
	acc := c.Accounting()
	if prev, ok := r.logged[c.ID()]; ok && prev == acc.HistoryID {
		return
	}
	if acc.Direction == engine.Outgoing && !acc.Bonjour {
		r.redialURI = acc.Target
	}

	rec, missed := recordFor(acc, n)
	if rec == nil {
		return
	}
	r.logged[c.ID()] = acc.HistoryID

	if missed && !(len(acc.Streams) == 1 && acc.Streams[0] == media.FileTransfer) {
		r.logger.Info("Missed incoming session",
			logging.SessionField(c.ID()),
			logging.RemoteField(c.RemoteParty()))
		r.emit(Event{
			Kind:      EventMissedCall,
			SessionID: c.ID(),
			Account:   acc.Account,
			Remote:    acc.Target,
			Direction: engine.Incoming,
			Streams:   acc.Streams,
		})
	}

	if r.opts.History == nil {
		r.emit(Event{Kind: EventHistory, SessionID: c.ID(), Record: rec})
		return
	}
	store, id := r.opts.History, c.ID()
	err := r.loop.Go(func() func() {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		err := store.Add(ctx, rec)
		return func() {
			if err != nil {
				r.logger.Error("Failed to write history record",
					logging.SessionField(id),
					logging.ErrorField(err))
				return
			}
			r.emit(Event{Kind: EventHistory, SessionID: id, Record: rec})
		}
	})
	if err != nil {
		r.logger.Warn("History write not scheduled", logging.ErrorField(err))
	}
}
