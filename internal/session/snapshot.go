package session

import (
	"time"

	"github.com/zurustar/callcore/internal/engine"
	"github.com/zurustar/callcore/internal/media"
)

// Accounting is what the history log needs from a finished call.
type Accounting struct {
	HistoryID        string
	Account          string
	Bonjour          bool
	Direction        engine.Direction
	Target           string
	Streams          []media.Type
	Participants     []string
	RemoteFocus      bool
	CallID           string
	FromTag          string
	ToTag            string
	StartTime        time.Time
	EndTime          time.Time
	AnsweringMachine bool
	FailureReason    string
}

// Accounting returns the call's accounting fields.
func (c *Controller) Accounting() Accounting {
	streams := make([]media.Type, len(c.streamsLog))
	copy(streams, c.streamsLog)
	return Accounting{
		HistoryID:        c.historyID,
		Account:          c.account.ID,
		Bonjour:          c.account.Bonjour,
		Direction:        c.direction,
		Target:           c.target,
		Streams:          streams,
		Participants:     sortedKeys(c.participantsLog),
		RemoteFocus:      c.remoteFocusLog,
		CallID:           c.callID,
		FromTag:          c.fromTag,
		ToTag:            c.toTag,
		StartTime:        c.startTime,
		EndTime:          c.endTime,
		AnsweringMachine: c.accountingForAM,
		FailureReason:    c.failureReason,
	}
}

// StreamSnapshot describes one handler.
type StreamSnapshot struct {
	Type   media.Type   `json:"type"`
	Status media.Status `json:"status"`
	Reason string       `json:"reason,omitempty"`
}

// Snapshot is a read-only view of a controller for the admin surface.
type Snapshot struct {
	ID            uint64           `json:"id"`
	State         State            `json:"state"`
	SubState      SubState         `json:"sub_state,omitempty"`
	Direction     engine.Direction `json:"direction"`
	Account       string           `json:"account"`
	Remote        string           `json:"remote"`
	RemoteParty   string           `json:"remote_party"`
	Streams       []StreamSnapshot `json:"streams"`
	InProposal    bool             `json:"in_proposal"`
	RemoteFocus   bool             `json:"remote_focus"`
	Invited       []Invitee        `json:"invited,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	StartTime     *time.Time       `json:"start_time,omitempty"`
}

// Snapshot captures the controller. Call it on the loop.
func (c *Controller) Snapshot() Snapshot {
	s := Snapshot{
		ID:            c.id,
		State:         c.State(),
		SubState:      c.subState,
		Direction:     c.direction,
		Account:       c.account.ID,
		Remote:        c.target,
		RemoteParty:   c.RemoteParty(),
		Streams:       make([]StreamSnapshot, 0, len(c.handlers)),
		InProposal:    c.inProposal,
		RemoteFocus:   c.remoteFocus,
		Invited:       c.Invited(),
		FailureReason: c.failureReason,
	}
	for _, h := range c.handlers {
		s.Streams = append(s.Streams, StreamSnapshot{Type: h.Type(), Status: h.Status(), Reason: h.Reason()})
	}
	if !c.startTime.IsZero() {
		t := c.startTime
		s.StartTime = &t
	}
	return s
}
