// Package engine describes the signaling engine the session core drives: a
// black-box session object that accepts lifecycle commands and emits
// lifecycle events.
package engine

import (
	"github.com/cockroachdb/errors"

	"github.com/zurustar/callcore/internal/media"
	"github.com/zurustar/callcore/internal/routing"
)

// Errors an engine session returns when a command does not fit its state.
var (
	ErrIllegalState     = errors.New("illegal session state")
	ErrIllegalDirection = errors.New("illegal session direction")
)

// State is the engine's own view of a session.
type State string

const (
	StateNull               State = ""
	StateIncoming           State = "incoming"
	StateOutgoing           State = "outgoing"
	StateConnecting         State = "connecting"
	StateAccepting          State = "accepting"
	StateConnected          State = "connected"
	StateSendingProposal    State = "sending_proposal"
	StateReceivedProposal   State = "received_proposal"
	StateAcceptingProposal  State = "accepting_proposal"
	StateRejectingProposal  State = "rejecting_proposal"
	StateCancellingProposal State = "cancelling_proposal"
	StateTerminating        State = "terminating"
	StateTerminated         State = "terminated"
)

// Direction of a session relative to this client.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Originator tells which side caused an event.
type Originator string

const (
	Local  Originator = "local"
	Remote Originator = "remote"
)

// Identity is a display name and address.
type Identity struct {
	DisplayName string `json:"display_name,omitempty"`
	URI         string `json:"uri"`
}

func (i Identity) String() string {
	if i.DisplayName == "" {
		return i.URI
	}
	return i.DisplayName + " <" + i.URI + ">"
}

// Session is one signaling dialog in the engine. Commands return
// ErrIllegalState or ErrIllegalDirection when they cannot be issued now.
type Session interface {
	State() State
	Direction() Direction
	RemoteIdentity() Identity
	Account() string
	// Streams is nil until the session is established.
	Streams() []*media.Stream
	ProposedStreams() []*media.Stream
	RemoteFocus() bool
	CallID() string
	FromTag() string
	ToTag() string

	Connect(target string, routes []routing.Route, streams []*media.Stream) error
	Accept(streams []*media.Stream) error
	Reject(code int, reason string) error
	End() error
	AddStreams(streams []*media.Stream) error
	RemoveStream(stream *media.Stream) error
	AcceptProposal(streams []*media.Stream) error
	RejectProposal(code int, reason string) error
	CancelProposal() error
	Transfer(target string, replaced Session) error
	AcceptTransfer() error
	RejectTransfer(code int, reason string) error
	SendRingIndication() error
	AddParticipant(uri string) error
	RemoveParticipant(uri string) error
}

// Dialer creates outgoing sessions on an account.
type Dialer interface {
	NewSession(account string) Session
}

// Sink receives engine events. Engines may call it from any goroutine.
type Sink func(ev Event)

// Engine is the signaling stack as seen by the session core.
type Engine interface {
	Dialer
	Subscribe(sink Sink)
}
