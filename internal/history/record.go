// Package history records the outcome of every finished session.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of a session.
type Status string

const (
	StatusMissed    Status = "missed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AnsweredElsewhere is the failure reason of a call picked up on another device.
const AnsweredElsewhere = "Answered elsewhere"

// Record is one history entry.
type Record struct {
	ID               string        `json:"id"`
	Account          string        `json:"account"`
	MediaTypes       []string      `json:"media_types"`
	Direction        string        `json:"direction"`
	Status           Status        `json:"status"`
	FailureReason    string        `json:"failure_reason,omitempty"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
	Duration         time.Duration `json:"duration"`
	LocalURI         string        `json:"local_uri"`
	RemoteURI        string        `json:"remote_uri"`
	RemoteFocus      bool          `json:"remote_focus"`
	Participants     []string      `json:"participants,omitempty"`
	CallID           string        `json:"call_id"`
	FromTag          string        `json:"from_tag"`
	ToTag            string        `json:"to_tag"`
	AnsweringMachine bool          `json:"answering_machine"`
	Summary          string        `json:"summary,omitempty"`
}

// Query selects history entries, newest first.
type Query struct {
	Limit     int
	Direction string
	Status    Status
}

// Store persists history records.
type Store interface {
	Add(ctx context.Context, rec *Record) error
	Recent(ctx context.Context, q Query) ([]*Record, error)
	LastOutgoing(ctx context.Context) (*Record, error)
	Close() error
}

// NewID returns a time-based identifier for a history record.
func NewID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// PrintedDuration renders d as "MM:SS", prefixed with whole hours once the
// call lasts an hour or more.
func PrintedDuration(d time.Duration) string {
	total := int(d / time.Second)
	if total <= 0 {
		return "00:00"
	}

	var out string
	if total >= 3600 {
		out = fmt.Sprintf("%d hours, ", total/3600)
	}
	seconds := total % 3600
	return out + fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
