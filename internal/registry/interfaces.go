// Package registry is the process-wide table of live sessions. It admits or
// rejects inbound requests, creates the session controllers, pauses music
// while calls are up and writes every finished session to the history log.
package registry

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/zurustar/callcore/internal/config"
	"github.com/zurustar/callcore/internal/contacts"
	"github.com/zurustar/callcore/internal/engine"
	"github.com/zurustar/callcore/internal/history"
	"github.com/zurustar/callcore/internal/logging"
	"github.com/zurustar/callcore/internal/loop"
	"github.com/zurustar/callcore/internal/media"
	"github.com/zurustar/callcore/internal/routing"
	"github.com/zurustar/callcore/internal/session"
)

var (
	ErrUnknownSession  = errors.New("no such session")
	ErrUnknownAccount  = errors.New("no such account")
	ErrNothingToRedial = errors.New("no previous outgoing call")
	ErrStartFailed     = errors.New("session could not be started")
)

// StreamFactory builds stream handlers and reports their status changes.
type StreamFactory interface {
	session.StreamFactory
	SetConfig(cfg *config.Config)
	SetListener(l media.StatusListener)
}

// ScreenProbe reports whether the local screen server at addr accepts
// connections.
type ScreenProbe func(addr string) bool

// Options are the collaborators of a Registry.
type Options struct {
	Loop     *loop.Loop
	Config   func() *config.Config
	Engine   engine.Engine
	Factory  StreamFactory
	Resolver routing.Resolver
	Contacts contacts.Matcher
	// History may be nil, in which case nothing is logged.
	History  history.Store
	Music    session.MusicPlayer
	Prompter session.Prompter
	LocalIP  func() string
	Probe    ScreenProbe
	Listener func(ev Event)
	// QueueDelay picks the auto-answer delay of incoming file transfers.
	QueueDelay func() time.Duration
	Logger     logging.Logger
}

// EventKind names what the registry reports to its listener.
type EventKind int

const (
	EventAdmitted EventKind = iota + 1
	EventRejected
	EventAutoAccepted
	EventSession
	EventQueue
	EventHistory
	EventMissedCall
)

var eventKindNames = map[EventKind]string{
	EventAdmitted:     "admitted",
	EventRejected:     "rejected",
	EventAutoAccepted: "auto-accepted",
	EventSession:      "session",
	EventQueue:        "queue",
	EventHistory:      "history",
	EventMissedCall:   "missed-call",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the kind name.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is one registry report. Which fields are set depends on Kind.
type Event struct {
	Kind      EventKind        `json:"kind"`
	Time      time.Time        `json:"time"`
	SessionID uint64           `json:"session_id,omitempty"`
	Account   string           `json:"account,omitempty"`
	Remote    string           `json:"remote,omitempty"`
	Direction engine.Direction `json:"direction,omitempty"`
	Streams   []media.Type     `json:"streams,omitempty"`

	// Rejections.
	Rule   Rule   `json:"rule,omitempty"`
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`

	// Session notifications.
	Notification string        `json:"notification,omitempty"`
	State        session.State `json:"state,omitempty"`

	// Queue changes.
	Queue     string `json:"queue,omitempty"`
	Action    string `json:"action,omitempty"`
	Automatic bool   `json:"automatic,omitempty"`

	Record *history.Record `json:"record,omitempty"`
}
