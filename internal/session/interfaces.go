// Package session implements the per-call state machine: it owns the stream
// handlers of one signaling session, drives connection and route failover,
// renegotiates streams, and reports every outcome to an Observer.
package session

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/zurustar/callcore/internal/config"
	"github.com/zurustar/callcore/internal/contacts"
	"github.com/zurustar/callcore/internal/engine"
	"github.com/zurustar/callcore/internal/logging"
	"github.com/zurustar/callcore/internal/loop"
	"github.com/zurustar/callcore/internal/media"
	"github.com/zurustar/callcore/internal/routing"
)

// ErrProposalInProgress is reported when a second proposal is attempted.
var ErrProposalInProgress = errors.New("a stream proposal is already in progress")

// State is the controller state.
type State string

const (
	StateIdle       State = "IDLE"
	StateDNSLookup  State = "DNS_LOOKUP"
	StateConnecting State = "CONNECTING"
	StateConnected  State = "CONNECTED"
	StateFinished   State = "FINISHED"
	StateFailed     State = "FAILED"
	StateDNSFailed  State = "DNS_FAILED"
)

// Terminal reports whether the session is over.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateDNSFailed
}

// SubState mirrors in-flight renegotiation while connected.
type SubState string

const (
	SubStateNone               SubState = ""
	SubStateNormal             SubState = "normal"
	SubStateSendingProposal    SubState = "sending_proposal"
	SubStateReceivedProposal   SubState = "received_proposal"
	SubStateAcceptingProposal  SubState = "accepting_proposal"
	SubStateRejectingProposal  SubState = "rejecting_proposal"
	SubStateCancellingProposal SubState = "cancelling_proposal"
)

// Result is returned by mutating operations instead of raising.
type Result int

const (
	OK Result = iota
	IllegalState
)

func (r Result) String() string {
	if r == OK {
		return "ok"
	}
	return "illegal-state"
}

// NotificationKind names what a controller reports to its observer.
type NotificationKind int

const (
	NotifyStateChanged NotificationKind = iota + 1
	NotifyWillStart
	NotifyDidStart
	NotifyWillEnd
	NotifyDidEnd
	NotifyDidFail
	NotifyRingIndication
	NotifyEarlyMedia
	NotifyProvisionalResponse
	NotifySentAddProposal
	NotifySentRemoveProposal
	NotifyWillCancelProposal
	NotifyGotProposal
	NotifyProposalAccepted
	NotifyProposalRejected
	NotifyProposalFailed
	NotifyDidRenegotiate
	NotifyConferenceUpdated
	NotifyTransferNewIncoming
	NotifyTransferNewOutgoing
	NotifyTransferDidStart
	NotifyTransferDidEnd
	NotifyTransferDidFail
	NotifyTransferProgress
	NotifyDisposed
)

var notificationNames = map[NotificationKind]string{
	NotifyStateChanged:        "state-changed",
	NotifyWillStart:           "will-start",
	NotifyDidStart:            "did-start",
	NotifyWillEnd:             "will-end",
	NotifyDidEnd:              "did-end",
	NotifyDidFail:             "did-fail",
	NotifyRingIndication:      "ring-indication",
	NotifyEarlyMedia:          "early-media",
	NotifyProvisionalResponse: "provisional-response",
	NotifySentAddProposal:     "sent-add-proposal",
	NotifySentRemoveProposal:  "sent-remove-proposal",
	NotifyWillCancelProposal:  "will-cancel-proposal",
	NotifyGotProposal:         "got-proposal",
	NotifyProposalAccepted:    "proposal-accepted",
	NotifyProposalRejected:    "proposal-rejected",
	NotifyProposalFailed:      "proposal-failed",
	NotifyDidRenegotiate:      "did-renegotiate",
	NotifyConferenceUpdated:   "conference-updated",
	NotifyTransferNewIncoming: "transfer-new-incoming",
	NotifyTransferNewOutgoing: "transfer-new-outgoing",
	NotifyTransferDidStart:    "transfer-did-start",
	NotifyTransferDidEnd:      "transfer-did-end",
	NotifyTransferDidFail:     "transfer-did-fail",
	NotifyTransferProgress:    "transfer-progress",
	NotifyDisposed:            "disposed",
}

func (k NotificationKind) String() string {
	if name, ok := notificationNames[k]; ok {
		return name
	}
	return "unknown"
}

// Notification is one report from a controller.
type Notification struct {
	Kind       NotificationKind
	Controller *Controller
	Timestamp  time.Time

	State         State
	Direction     engine.Direction
	Originator    engine.Originator
	Code          int
	Reason        string
	FailureReason string
	Streams       []*media.Stream
	Target        string
}

// Observer receives controller notifications on the loop.
type Observer interface {
	Observe(n Notification)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(n Notification)

func (f ObserverFunc) Observe(n Notification) { f(n) }

// Prompter asks the user to confirm a redirect or an incoming transfer.
type Prompter interface {
	ConfirmRedirect(c *Controller, target string) bool
	ConfirmTransfer(c *Controller, target string) bool
}

// StaticPrompter answers every prompt the same way.
type StaticPrompter struct {
	FollowRedirects bool
	AcceptTransfers bool
}

func (p StaticPrompter) ConfirmRedirect(*Controller, string) bool { return p.FollowRedirects }
func (p StaticPrompter) ConfirmTransfer(*Controller, string) bool { return p.AcceptTransfers }

// MusicPlayer pauses and resumes an external media player. Pause calls done,
// from any goroutine, once the player has actually paused.
type MusicPlayer interface {
	Pause(done func())
	Resume()
}

// NopMusicPlayer has nothing to pause.
type NopMusicPlayer struct{}

func (NopMusicPlayer) Pause(done func()) { done() }
func (NopMusicPlayer) Resume()           {}

// StreamFactory builds stream handlers.
type StreamFactory interface {
	Supported(t media.Type) bool
	Create(sessionID uint64, stream *media.Stream) (media.Handler, error)
}

// Deps are the collaborators of a controller.
type Deps struct {
	Loop     *loop.Loop
	Config   func() *config.Config
	Factory  StreamFactory
	Resolver routing.Resolver
	Dialer   engine.Dialer
	Contacts contacts.Matcher
	Music    MusicPlayer
	Prompter Prompter
	Observer Observer
	// LocalIP returns the address calls are placed from, empty when offline.
	LocalIP func() string
	// AudioBusy reports whether a session other than id carries audio.
	AudioBusy func(id uint64) bool
	Logger    logging.Logger
}

func (d *Deps) defaults() {
	if d.Music == nil {
		d.Music = NopMusicPlayer{}
	}
	if d.Prompter == nil {
		d.Prompter = StaticPrompter{}
	}
	if d.Observer == nil {
		d.Observer = ObserverFunc(func(Notification) {})
	}
	if d.LocalIP == nil {
		d.LocalIP = func() string { return "127.0.0.1" }
	}
	if d.AudioBusy == nil {
		d.AudioBusy = func(uint64) bool { return false }
	}
	if d.Logger == nil {
		d.Logger = logging.NewNop()
	}
}
