package session

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/looplab/fsm"

	"github.com/zurustar/callcore/internal/config"
	"github.com/zurustar/callcore/internal/contacts"
	"github.com/zurustar/callcore/internal/engine"
	"github.com/zurustar/callcore/internal/history"
	"github.com/zurustar/callcore/internal/logging"
	"github.com/zurustar/callcore/internal/loop"
	"github.com/zurustar/callcore/internal/media"
	"github.com/zurustar/callcore/internal/routing"
)

const (
	defaultDrainDelay        = 10 * time.Second
	defaultMusicPauseTimeout = 500 * time.Millisecond
	lookupTimeout            = 30 * time.Second
)

// fsm event names, keyed by destination state.
var eventTo = map[State]string{
	StateDNSLookup:  "lookup",
	StateConnecting: "connect",
	StateConnected:  "start",
	StateDNSFailed:  "routes_failed",
	StateFailed:     "fail",
	StateFinished:   "end",
	StateIdle:       "reset",
}

func newMachine() *fsm.FSM {
	idle := string(StateIdle)
	lookup := string(StateDNSLookup)
	connecting := string(StateConnecting)
	connected := string(StateConnected)

	return fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: "lookup", Src: []string{idle}, Dst: lookup},
			{Name: "connect", Src: []string{idle, lookup}, Dst: connecting},
			{Name: "start", Src: []string{idle, connecting}, Dst: connected},
			{Name: "routes_failed", Src: []string{idle, lookup}, Dst: string(StateDNSFailed)},
			{Name: "fail", Src: []string{idle, lookup, connecting, connected}, Dst: string(StateFailed)},
			{Name: "end", Src: []string{idle, connecting, connected}, Dst: string(StateFinished)},
			{Name: "reset", Src: []string{string(StateFinished), string(StateFailed), string(StateDNSFailed)}, Dst: idle},
		},
		fsm.Callbacks{},
	)
}

// Invitee is a participant invited to a conference that has not joined yet.
type Invitee struct {
	URI      string    `json:"uri"`
	Detail   string    `json:"detail,omitempty"`
	FailedAt time.Time `json:"failed_at,omitempty"`
}

// Controller drives one call. All methods must run on the loop.
type Controller struct {
	id     uint64
	deps   Deps
	logger logging.Logger
	fsm    *fsm.FSM

	subState    SubState
	direction   engine.Direction
	account     config.Account
	target      string
	displayName string
	postDial    string
	contact     *contacts.Contact

	session  engine.Session
	routes   []routing.Route
	handlers []media.Handler

	inProposal         bool
	proposalOriginator engine.Originator
	cancelledStream    *media.Stream
	tryNextHop         bool
	answeringMachine   bool
	remoteFocus        bool
	waitingForMusic    bool
	musicTimer         loop.TimerID
	lookupSeq          uint64
	drainTimer         loop.TimerID
	failureReason      string
	endingBy           engine.Originator
	conference         *engine.ConferenceInfo
	invited            []*Invitee
	dndUntilEnd        bool
	disposed           bool

	historyID       string
	streamsLog      []media.Type
	participantsLog map[string]struct{}
	remoteFocusLog  bool
	callID          string
	fromTag         string
	toTag           string
	startTime       time.Time
	endTime         time.Time
	accountingForAM bool
}

func newController(id uint64, account config.Account, deps Deps) *Controller {
	deps.defaults()
	c := &Controller{
		id:              id,
		deps:            deps,
		fsm:             newMachine(),
		account:         account,
		historyID:       history.NewID(),
		participantsLog: make(map[string]struct{}),
	}
	c.logger = logging.With(deps.Logger, logging.SessionField(id))
	return c
}

// NewOutgoing creates a controller that will call target from account.
func NewOutgoing(id uint64, account config.Account, target, displayName string, deps Deps) *Controller {
	c := newController(id, account, deps)
	c.direction = engine.Outgoing
	c.target = target
	c.displayName = displayName
	c.logger = logging.With(c.logger, logging.RemoteField(target))
	c.lookupContact()
	c.logger.Debug("Session controller created", logging.AccountField(account.ID))
	return c
}

// NewIncoming wraps a session offered by the engine. offered overrides the
// session's proposed streams when the offer was classified elsewhere.
func NewIncoming(id uint64, session engine.Session, deps Deps, offered ...*media.Stream) *Controller {
	c := newController(id, accountFor(deps, session.Account()), deps)
	c.direction = engine.Incoming
	c.session = session
	remote := session.RemoteIdentity()
	c.target = remote.URI
	c.displayName = remote.DisplayName
	c.callID = session.CallID()
	if len(offered) == 0 {
		offered = session.ProposedStreams()
	}
	c.streamsLog = media.Types(offered)
	c.logger = logging.With(c.logger, logging.RemoteField(remote.URI), logging.CallIDField(c.callID))
	c.lookupContact()
	c.logger.Info("Invite received",
		logging.StringField("from", remote.String()),
		logging.StringField("streams", joinTypes(c.streamsLog)))
	return c
}

// NewFromTransfer wraps an outgoing session the engine created to complete a
// transfer we accepted. Its streams are started right away.
func NewFromTransfer(id uint64, session engine.Session, deps Deps) *Controller {
	c := newController(id, accountFor(deps, session.Account()), deps)
	c.direction = engine.Outgoing
	c.session = session
	remote := session.RemoteIdentity()
	c.target = remote.URI
	c.displayName = remote.DisplayName
	c.streamsLog = media.Types(session.ProposedStreams())
	c.logger = logging.With(c.logger, logging.RemoteField(remote.URI))
	c.lookupContact()
	c.logger.Info("Transfer session created",
		logging.StringField("to", remote.String()),
		logging.StringField("streams", joinTypes(c.streamsLog)))

	for _, stream := range session.ProposedStreams() {
		if !c.deps.Factory.Supported(stream.Type) || c.HasStreamOfType(stream.Type) {
			continue
		}
		h, err := c.deps.Factory.Create(c.id, stream)
		if err != nil {
			c.logger.Warn("Failed to create stream handler", logging.ErrorField(err))
			continue
		}
		c.handlers = append(c.handlers, h)
		if err := h.StartOutgoing(false); err != nil {
			c.logger.Warn("Failed to start stream", logging.ErrorField(err))
		}
	}
	return c
}

func accountFor(deps Deps, id string) config.Account {
	if deps.Config != nil {
		if acc, ok := deps.Config().Account(id); ok {
			return *acc
		}
	}
	return config.Account{ID: id}
}

func (c *Controller) lookupContact() {
	if c.deps.Contacts == nil {
		return
	}
	if contact, ok := c.deps.Contacts.Match(c.target); ok {
		c.contact = contact
	}
}

func (c *Controller) config() *config.Config {
	if c.deps.Config == nil {
		return config.GetDefaultConfig()
	}
	return c.deps.Config()
}

func (c *Controller) now() time.Time {
	return c.deps.Loop.Now()
}

func (c *Controller) ID() uint64                  { return c.id }
func (c *Controller) State() State                { return State(c.fsm.Current()) }
func (c *Controller) SubState() SubState          { return c.subState }
func (c *Controller) Direction() engine.Direction { return c.direction }
func (c *Controller) Account() config.Account     { return c.account }
func (c *Controller) Target() string              { return c.target }
func (c *Controller) PostDial() string            { return c.postDial }
func (c *Controller) Contact() *contacts.Contact  { return c.contact }
func (c *Controller) Session() engine.Session     { return c.session }
func (c *Controller) Routes() []routing.Route     { return c.routes }
func (c *Controller) InProposal() bool            { return c.inProposal }
func (c *Controller) RemoteFocus() bool           { return c.remoteFocus }
func (c *Controller) FailureReason() string       { return c.failureReason }
func (c *Controller) EndingBy() engine.Originator { return c.endingBy }
func (c *Controller) Disposed() bool              { return c.disposed }

// Conference is the last roster pushed by a conference focus.
func (c *Controller) Conference() *engine.ConferenceInfo { return c.conference }

// RemoteParty is what the user sees for the other side.
func (c *Controller) RemoteParty() string {
	if c.displayName != "" {
		return c.displayName
	}
	if c.contact != nil && c.contact.Name != "" {
		return c.contact.Name
	}
	return strings.TrimPrefix(strings.TrimPrefix(c.target, "sips:"), "sip:")
}

// Active reports whether the call is being set up or is up.
func (c *Controller) Active() bool {
	switch c.State() {
	case StateConnected, StateConnecting, StateDNSLookup:
		return true
	}
	return false
}

// Ended reports whether the controller reached a terminal state.
func (c *Controller) Ended() bool {
	return c.State().Terminal()
}

// CanPropose reports whether a stream proposal may be issued now.
func (c *Controller) CanPropose() bool {
	return !c.inProposal && c.State() == StateConnected &&
		(c.subState == SubStateNone || c.subState == SubStateNormal)
}

// AnsweringMachineMode routes incoming audio to the answering machine.
func (c *Controller) AnsweringMachineMode() bool { return c.answeringMachine }

func (c *Controller) SetAnsweringMachineMode(on bool) { c.answeringMachine = on }

// DoNotDisturbUntilEnd rejects other incoming calls while this one lasts.
func (c *Controller) DoNotDisturbUntilEnd() bool { return c.dndUntilEnd }

func (c *Controller) SetDoNotDisturbUntilEnd(on bool) { c.dndUntilEnd = on }

// Handlers returns the attached stream handlers.
func (c *Controller) Handlers() []media.Handler {
	out := make([]media.Handler, len(c.handlers))
	copy(out, c.handlers)
	return out
}

// HandlerOfType returns the handler carrying t, or nil.
func (c *Controller) HandlerOfType(t media.Type) media.Handler {
	for _, h := range c.handlers {
		if h.Type() == t {
			return h
		}
	}
	return nil
}

func (c *Controller) HasStreamOfType(t media.Type) bool {
	return c.HandlerOfType(t) != nil
}

func (c *Controller) handlerForStream(stream *media.Stream) media.Handler {
	for _, h := range c.handlers {
		if h.Stream() == stream {
			return h
		}
	}
	return nil
}

// Invited lists participants invited but not yet joined.
func (c *Controller) Invited() []Invitee {
	out := make([]Invitee, 0, len(c.invited))
	for _, inv := range c.invited {
		out = append(out, *inv)
	}
	return out
}

func (c *Controller) invitee(uri string) (int, *Invitee) {
	for i, inv := range c.invited {
		if inv.URI == uri {
			return i, inv
		}
	}
	return -1, nil
}

func (c *Controller) removeInvitee(uri string) bool {
	i, _ := c.invitee(uri)
	if i < 0 {
		return false
	}
	c.invited = append(c.invited[:i], c.invited[i+1:]...)
	return true
}

func (c *Controller) logStream(t media.Type) {
	for _, logged := range c.streamsLog {
		if logged == t {
			return
		}
	}
	c.streamsLog = append(c.streamsLog, t)
}

func (c *Controller) notify(n Notification) {
	n.Controller = c
	if n.Timestamp.IsZero() {
		n.Timestamp = c.now()
	}
	if n.State == "" {
		n.State = c.State()
	}
	if n.Direction == "" {
		n.Direction = c.direction
	}
	c.deps.Observer.Observe(n)
}

// transition moves the state machine to dst and keeps handlers in step.
// Moving to the current state does nothing.
func (c *Controller) transition(dst State, reason string) Result {
	if c.State() == dst {
		return OK
	}
	from := c.State()
	if err := c.fsm.Event(context.Background(), eventTo[dst]); err != nil {
		c.logger.Warn("Illegal session state transition",
			logging.StringField("from", string(from)),
			logging.StringField("to", string(dst)),
			logging.ErrorField(err))
		return IllegalState
	}
	c.logger.Debug("Session state changed",
		logging.StringField("from", string(from)),
		logging.StringField("to", string(dst)))

	c.syncHandlers(dst, reason)
	c.notify(Notification{Kind: NotifyStateChanged, State: dst, Reason: reason})
	return OK
}

func (c *Controller) syncHandlers(state State, reason string) {
	for _, h := range c.Handlers() {
		var err error
		switch state {
		case StateConnecting:
			if h.Status() == media.StatusWaitingDNSLookup {
				err = h.ChangeStatus(media.StatusConnecting, "")
			}
		case StateFinished:
			switch h.Status() {
			case media.StatusIdle:
			case media.StatusFailed:
				err = h.ChangeStatus(media.StatusIdle, reason)
			default:
				if err = h.ChangeStatus(media.StatusDisconnecting, reason); err == nil {
					err = h.ChangeStatus(media.StatusIdle, reason)
				}
			}
		case StateFailed, StateDNSFailed:
			if h.Status() != media.StatusFailed {
				err = h.ChangeStatus(media.StatusFailed, reason)
			}
		}
		if err != nil {
			c.logger.Warn("Failed to update stream status", logging.ErrorField(err))
		}
	}
}

// dropHandler detaches h after moving it to status.
func (c *Controller) dropHandler(h media.Handler, status media.Status, reason string) {
	if status == media.StatusIdle && !media.CanTransition(h.Status(), media.StatusIdle) {
		_ = h.ChangeStatus(media.StatusDisconnecting, reason)
	}
	if err := h.ChangeStatus(status, reason); err != nil {
		c.logger.Warn("Failed to update stream status", logging.ErrorField(err))
	}
	for i, existing := range c.handlers {
		if existing == h {
			c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
			break
		}
	}
}

// reset prepares the controller for reuse after a terminal state.
func (c *Controller) reset() {
	c.logger.Debug("Resetting session")
	c.cancelDrain()
	c.transition(StateIdle, "")
	c.subState = SubStateNone
	c.session = nil
	c.endingBy = ""
	c.failureReason = ""
	c.cancelledStream = nil
	c.inProposal = false
	c.proposalOriginator = ""
	c.remoteFocus = false
	c.remoteFocusLog = false
	c.conference = nil
	c.invited = nil
	c.participantsLog = make(map[string]struct{})
	c.streamsLog = nil
	c.callID, c.fromTag, c.toTag = "", "", ""
	c.startTime, c.endTime = time.Time{}, time.Time{}
	c.accountingForAM = false
	c.historyID = history.NewID()
	c.lookupContact()
}

func (c *Controller) drainDelay() time.Duration {
	if d := c.config().Sessions.DrainDelay; d > 0 {
		return time.Duration(d) * time.Second
	}
	return defaultDrainDelay
}

// startDrain schedules disposal once late events had a chance to settle.
func (c *Controller) startDrain() {
	if c.drainTimer != 0 && c.deps.Loop.Pending(c.drainTimer) {
		return
	}
	c.drainTimer = c.deps.Loop.AfterFunc(c.drainDelay(), c.drained)
}

func (c *Controller) cancelDrain() {
	if c.drainTimer != 0 {
		c.deps.Loop.Cancel(c.drainTimer)
		c.drainTimer = 0
	}
}

func (c *Controller) drained() {
	c.drainTimer = 0
	if !c.Ended() {
		return
	}
	for _, h := range c.handlers {
		if h.Status().Active() {
			c.logger.Debug("Stream still active, postponing disposal")
			c.startDrain()
			return
		}
	}
	for _, h := range c.handlers {
		h.Reset()
	}
	c.handlers = nil
	c.reset()
	c.disposed = true
	c.logger.Debug("Session controller disposed")
	c.notify(Notification{Kind: NotifyDisposed})
}

func joinTypes(types []media.Type) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ",")
}

func streamTypes(streams []*media.Stream) string {
	return joinTypes(media.Types(streams))
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
