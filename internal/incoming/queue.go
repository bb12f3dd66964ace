package incoming

import (
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/zurustar/callcore/internal/config"
	"github.com/zurustar/callcore/internal/contacts"
	"github.com/zurustar/callcore/internal/logging"
	"github.com/zurustar/callcore/internal/loop"
	"github.com/zurustar/callcore/internal/media"
	"github.com/zurustar/callcore/internal/session"
)

const (
	tickPeriod = time.Second
	// bonjourAutoAnswerDelay applies when audio auto-accept is switched on
	// for a Bonjour account while its call is already pending.
	bonjourAutoAnswerDelay = 30 * time.Second
	proposalRejectCode     = 488
)

type entry struct {
	seq      uint64
	call     Call
	kind     Kind
	streams  []*media.Stream
	received time.Time

	timer   Timer
	timerID loop.TimerID
	armedAt time.Time
	delay   time.Duration
}

// Queue holds pending entries keyed by session identifier. All methods must
// be called on the loop.
type Queue struct {
	opts    Options
	loop    *loop.Loop
	logger  logging.Logger
	entries map[uint64]*entry
	seq     uint64
}

// New creates an empty queue.
func New(opts Options) *Queue {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.AudioBusy == nil {
		opts.AudioBusy = func(uint64) bool { return false }
	}
	if opts.FileTransferDelay == nil {
		opts.FileTransferDelay = randomFileTransferDelay
	}
	if opts.Listener == nil {
		opts.Listener = func(Event) {}
	}
	return &Queue{
		opts:    opts,
		loop:    opts.Loop,
		logger:  opts.Logger,
		entries: make(map[uint64]*entry),
	}
}

// randomFileTransferDelay spreads auto-accepted transfers over 10 to 20 seconds.
func randomFileTransferDelay() time.Duration {
	return 10*time.Second + rand.N(10*time.Second)
}

func (q *Queue) config() *config.Config {
	if q.opts.Config == nil {
		return config.GetDefaultConfig()
	}
	return q.opts.Config()
}

// Len returns the number of pending entries.
func (q *Queue) Len() int { return len(q.entries) }

// Has reports whether id is pending.
func (q *Queue) Has(id uint64) bool {
	_, ok := q.entries[id]
	return ok
}

// Title is the headline for everything pending.
func (q *Queue) Title() string {
	switch len(q.entries) {
	case 0:
		return ""
	case 1:
		for _, e := range q.entries {
			return Title(e.streams, e.call.RemoteParty())
		}
	}
	return MultipleTitle
}

// Add queues a new inbound session offering streams and arms its timers.
func (q *Queue) Add(call Call, streams []*media.Stream) {
	e := q.insert(call, KindSession, streams)
	if e == nil {
		return
	}
	q.armForSession(e)
}

// AddProposal queues streams the remote side wants to add to call.
func (q *Queue) AddProposal(call Call, streams []*media.Stream) {
	q.insert(call, KindProposal, streams)
}

func (q *Queue) insert(call Call, kind Kind, streams []*media.Stream) *entry {
	id := call.ID()
	if _, dup := q.entries[id]; dup {
		q.logger.Warn("Session already pending", logging.SessionField(id))
		return nil
	}

	q.seq++
	e := &entry{
		seq:      q.seq,
		call:     call,
		kind:     kind,
		streams:  append([]*media.Stream(nil), streams...),
		received: q.loop.Now(),
	}
	q.entries[id] = e

	q.logger.Info("Incoming request pending",
		logging.SessionField(id),
		logging.StringField("kind", kind.String()),
		logging.StringField("streams", joinTypes(e.streams)),
		logging.RemoteField(call.RemoteParty()))
	q.opts.Listener(Event{Kind: EntryAdded, Entry: q.snapshot(e)})
	return e
}

func (q *Queue) armForSession(e *entry) {
	cfg := q.config()
	id := e.call.ID()
	account := e.call.Account()
	hasAudio := media.HasType(e.streams, media.Audio)

	if hasAudio {
		switch {
		case account.Audio.AutoAccept && !q.opts.AudioBusy(id):
			q.logger.Info("Auto answer enabled for this account", logging.SessionField(id))
			q.arm(e, TimerAutoAnswer, seconds(account.Audio.AnswerDelay))
		case cfg.AnsweringMachine.Enabled && !account.Bonjour,
			account.AnonymousToAnsweringMachine && contacts.IsAnonymous(e.call.Session().RemoteIdentity().URI):
			q.arm(e, TimerAnsweringMachine, seconds(cfg.AnsweringMachine.AnswerDelay))
		}
	}
	if !q.pending(e) {
		return
	}

	if media.HasType(e.streams, media.FileTransfer) && cfg.FileTransfer.AutoAccept {
		q.logger.Info("Auto answer enabled for file transfers", logging.SessionField(id))
		q.arm(e, TimerAutoAnswer, q.opts.FileTransferDelay())
		if !q.pending(e) {
			return
		}
	}

	if q.opts.Contacts == nil {
		return
	}
	contact, ok := q.opts.Contacts.Match(e.call.Session().RemoteIdentity().URI)
	if !ok || !contact.AutoAnswer {
		return
	}
	if hasAudio && q.opts.AudioBusy(id) {
		return
	}
	if media.HasType(e.streams, media.Video) && !cfg.Video.EnableWhenAutoAnswer {
		e.streams = media.Filter(e.streams, func(s *media.Stream) bool { return s.Type != media.Video })
	}
	q.logger.Info("Auto answer enabled for this contact", logging.SessionField(id))
	q.arm(e, TimerAutoAnswer, seconds(account.Audio.AnswerDelay))
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (q *Queue) pending(e *entry) bool {
	return q.entries[e.call.ID()] == e
}

// arm starts a countdown on e. Auto-answer displaces a pending answering
// machine; the answering machine never displaces auto-answer. The first tick
// runs at once, so a zero delay decides immediately.
func (q *Queue) arm(e *entry, timer Timer, delay time.Duration) {
	switch {
	case e.timer == timer:
		return
	case e.timer == TimerAutoAnswer:
		return
	case e.timer == TimerAnsweringMachine:
		q.disarm(e)
	}

	e.timer = timer
	e.armedAt = q.loop.Now()
	e.delay = delay
	id := e.call.ID()
	e.timerID = q.loop.Every(tickPeriod, func() { q.tick(id, e) })
	q.logger.Debug("Countdown armed",
		logging.SessionField(id),
		logging.StringField("timer", timer.String()),
		logging.StringField("delay", delay.String()))
	q.tick(id, e)
}

func (q *Queue) disarm(e *entry) {
	if e.timer == TimerNone {
		return
	}
	q.loop.Cancel(e.timerID)
	e.timer = TimerNone
	e.timerID = 0
}

// tick re-validates the entry, since it may have been decided or cancelled
// after the timer was scheduled.
func (q *Queue) tick(id uint64, e *entry) {
	if q.entries[id] != e || e.timer == TimerNone {
		return
	}
	if q.loop.Now().Sub(e.armedAt) < e.delay {
		return
	}

	action := ActionAccept
	if e.timer == TimerAnsweringMachine {
		action = ActionAnsweringMachine
	}
	if err := q.apply(e, action, false, true); err != nil {
		q.logger.Warn("Automatic decision not applicable",
			logging.SessionField(id),
			logging.StringField("action", action.String()),
			logging.ErrorField(err))
		q.disarm(e)
	}
}

func (e *entry) remaining(now time.Time) int {
	if e.timer == TimerNone {
		return 0
	}
	elapsed := now.Sub(e.armedAt).Truncate(time.Second)
	left := int((e.delay - elapsed).Seconds())
	if left < 0 {
		return 0
	}
	return left
}

// Remaining returns the whole seconds left on id's countdown.
func (q *Queue) Remaining(id uint64) (Timer, int) {
	e, ok := q.entries[id]
	if !ok {
		return TimerNone, 0
	}
	return e.timer, e.remaining(q.loop.Now())
}

// Decide applies action to one entry. Deciding an entry that is gone returns
// ErrUnknownEntry and has no effect.
func (q *Queue) Decide(id uint64, action Action) error {
	e, ok := q.entries[id]
	if !ok {
		return errors.Wrapf(ErrUnknownEntry, "session %d", id)
	}
	return q.apply(e, action, false, false)
}

// DecideAll applies action to every entry in arrival order. Entries the
// action does not fit stay queued.
func (q *Queue) DecideAll(action Action) {
	for _, e := range q.ordered() {
		if !q.pending(e) {
			continue
		}
		if err := q.apply(e, action, true, false); err != nil {
			q.logger.Debug("Entry skipped",
				logging.SessionField(e.call.ID()),
				logging.StringField("action", action.String()),
				logging.ErrorField(err))
		}
	}
}

func (q *Queue) ordered() []*entry {
	list := make([]*entry, 0, len(q.entries))
	for _, e := range q.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	return list
}

// apply runs one decision. The entry leaves the queue before the session is
// touched so that notifications raised by the decision find it gone.
func (q *Queue) apply(e *entry, action Action, all, automatic bool) error {
	run, err := q.plan(e, action, all)
	if err != nil {
		return err
	}

	snap := q.snapshot(e)
	q.drop(e)

	id := e.call.ID()
	q.logger.Info("Deciding incoming request",
		logging.SessionField(id),
		logging.StringField("kind", e.kind.String()),
		logging.StringField("action", action.String()),
		logging.RemoteField(e.call.RemoteParty()))

	res := run()
	if res != session.OK {
		q.logger.Info("Decision could not be applied",
			logging.SessionField(id),
			logging.StringField("action", action.String()))
	}
	q.opts.Listener(Event{Kind: EntryDecided, Entry: snap, Action: action, Automatic: automatic, Result: res})
	return nil
}

// plan resolves action against the entry, returning the session command to
// issue or ErrNotApplicable.
func (q *Queue) plan(e *entry, action Action, all bool) (func() session.Result, error) {
	call := e.call
	notApplicable := errors.Wrapf(ErrNotApplicable, "%s on %s", action, e.kind)

	if e.kind == KindProposal {
		switch action {
		case ActionAccept, ActionAddToConference:
			if action == ActionAddToConference && !all {
				return nil, notApplicable
			}
			return func() session.Result { return call.AcceptProposal(e.streams) }, nil
		case ActionAcceptAudioOnly, ActionAcceptChatOnly:
			streams := subset(e.streams, action)
			if len(streams) == 0 {
				return nil, notApplicable
			}
			return func() session.Result { return call.AcceptProposal(streams) }, nil
		case ActionReject, ActionBusy:
			return func() session.Result { return call.RejectProposal(proposalRejectCode, "") }, nil
		default:
			return nil, notApplicable
		}
	}

	switch action {
	case ActionAccept:
		return func() session.Result { return call.Accept(e.streams, false) }, nil
	case ActionAddToConference:
		return func() session.Result { return call.Accept(e.streams, true) }, nil
	case ActionAcceptAudioOnly, ActionAcceptChatOnly:
		streams := subset(e.streams, action)
		if len(streams) == 0 {
			return nil, notApplicable
		}
		return func() session.Result { return call.Accept(streams, false) }, nil
	case ActionReject:
		return func() session.Result { return call.Reject(603, "Busy Everywhere") }, nil
	case ActionBusy:
		if all {
			return func() session.Result { return call.Reject(603, "Busy Everywhere") }, nil
		}
		return func() session.Result { return call.Reject(486, "Busy Here") }, nil
	case ActionAnsweringMachine:
		audio := media.OfTypes(e.streams, media.Audio)
		if len(audio) == 0 || (all && call.Account().Bonjour) {
			return nil, notApplicable
		}
		return func() session.Result {
			call.SetAnsweringMachineMode(true)
			return call.Accept(audio, false)
		}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownAction, "%d", int(action))
	}
}

// subset picks the streams kept by a partial accept. Audio-only keeps chat
// along with audio and needs audio to be offered.
func subset(streams []*media.Stream, action Action) []*media.Stream {
	if action == ActionAcceptChatOnly {
		return media.OfTypes(streams, media.Chat)
	}
	if !media.HasType(streams, media.Audio) {
		return nil
	}
	return media.OfTypes(streams, media.Audio, media.Chat)
}

// Remove drops id without deciding it, typically because the remote side
// cancelled. It is a no-op when id is not pending.
func (q *Queue) Remove(id uint64, reason string) bool {
	e, ok := q.entries[id]
	if !ok {
		return false
	}
	snap := q.snapshot(e)
	q.drop(e)
	q.logger.Info("Incoming request withdrawn",
		logging.SessionField(id),
		logging.StringField("reason", reason))
	q.opts.Listener(Event{Kind: EntryRemoved, Entry: snap, Reason: reason})
	return true
}

func (q *Queue) drop(e *entry) {
	q.disarm(e)
	delete(q.entries, e.call.ID())
}

// Reconfigure re-evaluates pending entries after a configuration change.
// Switching the answering machine on starts it at once on every pending
// audio call; switching it off disarms it. Audio auto-accept toggles on a
// Bonjour account arm or disarm auto-answer for that account's calls.
func (q *Queue) Reconfigure(old, cfg *config.Config) {
	if old == nil || cfg == nil {
		return
	}

	if old.AnsweringMachine.Enabled != cfg.AnsweringMachine.Enabled {
		for _, e := range q.ordered() {
			if !q.pending(e) || e.kind != KindSession || e.call.Account().Bonjour {
				continue
			}
			if !media.HasType(e.streams, media.Audio) {
				continue
			}
			switch {
			case cfg.AnsweringMachine.Enabled && e.timer == TimerAnsweringMachine:
				if err := q.apply(e, ActionAnsweringMachine, false, true); err != nil {
					q.logger.Debug("Answering machine not applicable", logging.ErrorField(err))
				}
			case cfg.AnsweringMachine.Enabled:
				q.arm(e, TimerAnsweringMachine, 0)
			case e.timer == TimerAnsweringMachine:
				q.disarm(e)
			}
		}
		return
	}

	for _, e := range q.ordered() {
		account := e.call.Account()
		if !q.pending(e) || !account.Bonjour || e.kind != KindSession {
			continue
		}
		before, okOld := old.Account(account.ID)
		after, okNew := cfg.Account(account.ID)
		if !okOld || !okNew || before.Audio.AutoAccept == after.Audio.AutoAccept {
			continue
		}
		if after.Audio.AutoAccept {
			q.arm(e, TimerAutoAnswer, bonjourAutoAnswerDelay)
		} else if e.timer == TimerAutoAnswer {
			q.disarm(e)
		}
	}
}

// Snapshot describes one pending entry.
type Snapshot struct {
	ID        uint64       `json:"id"`
	Kind      string       `json:"kind"`
	Account   string       `json:"account"`
	Remote    string       `json:"remote"`
	Title     string       `json:"title"`
	Subject   string       `json:"subject"`
	Streams   []media.Type `json:"streams"`
	Timer     string       `json:"timer,omitempty"`
	Remaining int          `json:"remaining_seconds,omitempty"`
	Received  time.Time    `json:"received"`
}

func (q *Queue) snapshot(e *entry) Snapshot {
	remote := e.call.RemoteParty()
	return Snapshot{
		ID:        e.call.ID(),
		Kind:      e.kind.String(),
		Account:   e.call.Account().ID,
		Remote:    remote,
		Title:     Title(e.streams, remote),
		Subject:   Subject(e.streams, e.kind),
		Streams:   media.Types(e.streams),
		Timer:     e.timer.String(),
		Remaining: e.remaining(q.loop.Now()),
		Received:  e.received,
	}
}

// Snapshots lists pending entries in arrival order.
func (q *Queue) Snapshots() []Snapshot {
	list := q.ordered()
	out := make([]Snapshot, 0, len(list))
	for _, e := range list {
		out = append(out, q.snapshot(e))
	}
	return out
}

func joinTypes(streams []*media.Stream) string {
	types := media.Types(streams)
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ",")
}
