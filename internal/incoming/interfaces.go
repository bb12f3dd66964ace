// Package incoming holds inbound sessions and stream proposals until they are
// decided, either by the user or by the auto-answer and answering machine
// timers armed for each entry.
package incoming

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/zurustar/callcore/internal/config"
	"github.com/zurustar/callcore/internal/contacts"
	"github.com/zurustar/callcore/internal/engine"
	"github.com/zurustar/callcore/internal/logging"
	"github.com/zurustar/callcore/internal/loop"
	"github.com/zurustar/callcore/internal/media"
	"github.com/zurustar/callcore/internal/session"
)

var (
	// ErrUnknownEntry is returned when deciding an entry that is no longer queued.
	ErrUnknownEntry = errors.New("no such incoming entry")
	// ErrNotApplicable is returned when an action does not fit the entry.
	ErrNotApplicable = errors.New("action not applicable to entry")
	// ErrUnknownAction is returned by ParseAction.
	ErrUnknownAction = errors.New("unknown action")
)

// Action is a decision on a queued entry.
type Action int

const (
	ActionAccept Action = iota + 1
	ActionAcceptAudioOnly
	ActionAcceptChatOnly
	ActionReject
	ActionBusy
	ActionAnsweringMachine
	ActionAddToConference
)

var actionNames = map[Action]string{
	ActionAccept:           "accept",
	ActionAcceptAudioOnly:  "accept-audio-only",
	ActionAcceptChatOnly:   "accept-chat-only",
	ActionReject:           "reject",
	ActionBusy:             "busy",
	ActionAnsweringMachine: "answering-machine",
	ActionAddToConference:  "add-to-conference",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the action name.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// ParseAction converts an action name, case-insensitively.
func ParseAction(name string) (Action, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for action, n := range actionNames {
		if n == name {
			return action, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownAction, "%q", name)
}

// Kind tells a new session from a proposal on an established one.
type Kind int

const (
	KindSession Kind = iota
	KindProposal
)

func (k Kind) String() string {
	if k == KindProposal {
		return "proposal"
	}
	return "session"
}

// Timer names the countdown armed on an entry.
type Timer int

const (
	TimerNone Timer = iota
	TimerAutoAnswer
	TimerAnsweringMachine
)

func (t Timer) String() string {
	switch t {
	case TimerAutoAnswer:
		return "auto-answer"
	case TimerAnsweringMachine:
		return "answering-machine"
	default:
		return ""
	}
}

// Call is the session an entry decides on.
type Call interface {
	ID() uint64
	Account() config.Account
	Session() engine.Session
	RemoteParty() string
	SetAnsweringMachineMode(on bool)

	Accept(streams []*media.Stream, addToConference bool) session.Result
	AcceptProposal(streams []*media.Stream) session.Result
	Reject(code int, reason string) session.Result
	RejectProposal(code int, reason string) session.Result
}

var _ Call = (*session.Controller)(nil)

// EventKind names a queue change.
type EventKind int

const (
	EntryAdded EventKind = iota + 1
	EntryDecided
	EntryRemoved
)

func (k EventKind) String() string {
	switch k {
	case EntryAdded:
		return "entry-added"
	case EntryDecided:
		return "entry-decided"
	case EntryRemoved:
		return "entry-removed"
	default:
		return "unknown"
	}
}

// Event reports a queue change to the listener.
type Event struct {
	Kind      EventKind
	Entry     Snapshot
	Action    Action
	Automatic bool
	Result    session.Result
	Reason    string
}

// Options are the collaborators of a Queue.
type Options struct {
	Loop     *loop.Loop
	Config   func() *config.Config
	Contacts contacts.Matcher
	// AudioBusy reports whether a session other than id carries audio.
	AudioBusy func(id uint64) bool
	// FileTransferDelay picks the auto-answer delay for file transfers.
	FileTransferDelay func() time.Duration
	Listener          func(ev Event)
	Logger            logging.Logger
}
