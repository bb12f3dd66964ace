package media

import (
	"github.com/cockroachdb/errors"
)

// Status is the state of one stream handler.
type Status int

const (
	StatusIdle Status = iota
	StatusIncoming
	StatusProposing
	StatusWaitingDNSLookup
	StatusConnecting
	StatusConnected
	StatusDisconnecting
	StatusCancelling
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusIncoming:
		return "INCOMING"
	case StatusProposing:
		return "PROPOSING"
	case StatusWaitingDNSLookup:
		return "WAITING_DNS_LOOKUP"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusDisconnecting:
		return "DISCONNECTING"
	case StatusCancelling:
		return "CANCELLING"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the status name in JSON snapshots.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether the stream is carrying or about to carry media.
func (s Status) Active() bool {
	return s == StatusConnecting || s == StatusConnected
}

var transitions = map[Status][]Status{
	StatusIdle:             {StatusIncoming, StatusProposing, StatusWaitingDNSLookup, StatusConnecting},
	StatusIncoming:         {StatusConnecting, StatusConnected, StatusDisconnecting, StatusCancelling},
	StatusProposing:        {StatusConnecting, StatusConnected, StatusDisconnecting, StatusCancelling},
	StatusWaitingDNSLookup: {StatusProposing, StatusConnecting, StatusDisconnecting},
	StatusConnecting:       {StatusConnected, StatusDisconnecting, StatusCancelling},
	StatusConnected:        {StatusDisconnecting},
	StatusDisconnecting:    {StatusIdle},
	StatusCancelling:       {StatusIdle},
	StatusFailed:           {StatusIdle},
}

// CanTransition reports whether a handler may move from one status to
// another. FAILED is reachable from every status except FAILED itself.
func CanTransition(from, to Status) bool {
	if to == StatusFailed {
		return from != StatusFailed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	return nil
}
