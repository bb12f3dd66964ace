package registry

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/zurustar/callcore/internal/config"
	"github.com/zurustar/callcore/internal/contacts"
	"github.com/zurustar/callcore/internal/engine"
	"github.com/zurustar/callcore/internal/incoming"
	"github.com/zurustar/callcore/internal/logging"
	"github.com/zurustar/callcore/internal/loop"
	"github.com/zurustar/callcore/internal/media"
	"github.com/zurustar/callcore/internal/session"
)

const probeTimeout = time.Second

// Registry owns every session controller. All unexported state is touched
// on the loop only; the exported methods must be called on the loop too,
// from outside use loop.Call.
type Registry struct {
	opts   Options
	loop   *loop.Loop
	logger logging.Logger
	queue  *incoming.Queue

	controllers map[uint64]*session.Controller
	nextID      uint64
	// incoming marks inbound sessions that have not started yet.
	incoming map[uint64]bool
	// activeAudio marks sessions whose audio stream is up.
	activeAudio map[uint64]bool
	// logged holds the history record id last written per session.
	logged    map[uint64]string
	redialURI string
}

// New creates a registry. Call Start before delivering engine events.
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Config == nil {
		defaults := config.GetDefaultConfig()
		opts.Config = func() *config.Config { return defaults }
	}
	if opts.Music == nil {
		opts.Music = session.NopMusicPlayer{}
	}
	if opts.Probe == nil {
		opts.Probe = dialProbe
	}
	if opts.Listener == nil {
		opts.Listener = func(Event) {}
	}

	r := &Registry{
		opts:        opts,
		loop:        opts.Loop,
		logger:      opts.Logger,
		controllers: make(map[uint64]*session.Controller),
		incoming:    make(map[uint64]bool),
		activeAudio: make(map[uint64]bool),
		logged:      make(map[uint64]string),
	}
	r.queue = incoming.New(incoming.Options{
		Loop:              opts.Loop,
		Config:            opts.Config,
		Contacts:          opts.Contacts,
		AudioBusy:         r.AudioBusy,
		FileTransferDelay: opts.QueueDelay,
		Listener:          r.queueChanged,
		Logger:            opts.Logger,
	})
	return r
}

func dialProbe(addr string) bool {
	if addr == "" {
		return false
	}
	conn, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Start subscribes to the engine and restores the redial target from the
// history log.
func (r *Registry) Start(ctx context.Context) {
	r.opts.Factory.SetListener(func(change media.StatusChange) {
		r.loop.Post(func() { r.streamChanged(change) })
	})
	r.opts.Engine.Subscribe(func(ev engine.Event) {
		r.loop.Post(func() { r.dispatch(ev) })
	})

	if r.opts.History == nil {
		return
	}
	rec, err := r.opts.History.LastOutgoing(ctx)
	if err != nil {
		r.logger.Warn("Failed to load last outgoing call", logging.ErrorField(err))
		return
	}
	if rec != nil {
		r.redialURI = rec.RemoteURI
	}
}

func (r *Registry) config() *config.Config {
	return r.opts.Config()
}

func (r *Registry) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = r.loop.Now()
	}
	r.opts.Listener(ev)
}

func (r *Registry) deps() session.Deps {
	return session.Deps{
		Loop:      r.loop,
		Config:    r.opts.Config,
		Factory:   r.opts.Factory,
		Resolver:  r.opts.Resolver,
		Dialer:    r.opts.Engine,
		Contacts:  r.opts.Contacts,
		Music:     r.opts.Music,
		Prompter:  r.opts.Prompter,
		Observer:  r,
		LocalIP:   r.opts.LocalIP,
		AudioBusy: r.AudioBusy,
		Logger:    r.logger,
	}
}

func (r *Registry) add(c *session.Controller) {
	r.controllers[c.ID()] = c
}

func (r *Registry) allocate() uint64 {
	r.nextID++
	return r.nextID
}

func (r *Registry) owner(s engine.Session) *session.Controller {
	if s == nil {
		return nil
	}
	for _, c := range r.controllers {
		if c.Session() == s {
			return c
		}
	}
	return nil
}

func (r *Registry) dispatch(ev engine.Event) {
	r.classify(&ev)
	if c := r.owner(ev.Session); c != nil {
		c.HandleEvent(ev)
		return
	}

	switch ev.Kind {
	case engine.EventNewIncoming:
		r.newIncoming(ev)
	case engine.EventNewOutgoing:
		if ev.Session == nil {
			return
		}
		c := session.NewFromTransfer(r.allocate(), ev.Session, r.deps())
		r.add(c)
		c.HandleEvent(ev)
	default:
		r.logger.Debug("Dropping event for unknown session", logging.StringField("event", ev.Kind.String()))
	}
}

// classify fills in the streams of an offer that arrived as a bare SDP body.
func (r *Registry) classify(ev *engine.Event) {
	if len(ev.Streams) > 0 || len(ev.Body) == 0 {
		return
	}
	if ev.Kind != engine.EventNewIncoming && ev.Kind != engine.EventNewProposal {
		return
	}
	streams, err := media.ParseOffer(ev.Body)
	if err != nil {
		r.logger.Warn("Failed to classify offered media", logging.ErrorField(err))
		return
	}
	ev.Streams = streams
}

// supported keeps the offered streams this client can take right now. Our
// own screen is only offered while the local screen server answers.
func (r *Registry) supported(streams []*media.Stream) []*media.Stream {
	cfg := r.config()
	return media.Filter(streams, func(s *media.Stream) bool {
		if !r.opts.Factory.Supported(s.Type) {
			return false
		}
		if s.Type == media.ScreenSharing && s.Role == "server" {
			return r.opts.Probe(cfg.ScreenSharing.ServerAddress)
		}
		return true
	})
}

func (r *Registry) matchContact(address string) *contacts.Contact {
	if r.opts.Contacts == nil {
		return nil
	}
	if c, ok := r.opts.Contacts.Match(address); ok {
		return c
	}
	return nil
}

func (r *Registry) dndUntilEnd() bool {
	for _, c := range r.controllers {
		if !c.Ended() && c.DoNotDisturbUntilEnd() {
			return true
		}
	}
	return false
}

// AudioBusy reports whether a session other than id has a live audio stream.
func (r *Registry) AudioBusy(id uint64) bool {
	for other, c := range r.controllers {
		if other == id {
			continue
		}
		h := c.HandlerOfType(media.Audio)
		if h == nil {
			continue
		}
		if st := h.Status(); st != media.StatusIdle && st != media.StatusFailed {
			return true
		}
	}
	return false
}

func (r *Registry) accountFor(id string) config.Account {
	if acc, ok := r.config().Account(id); ok {
		return *acc
	}
	return config.Account{ID: id}
}

func (r *Registry) newIncoming(ev engine.Event) {
	s := ev.Session
	if s == nil {
		return
	}
	offered := ev.Streams
	if len(offered) == 0 {
		offered = s.ProposedStreams()
	}
	remote := s.RemoteIdentity()
	account := r.accountFor(s.Account())
	streams := r.supported(offered)
	contact := r.matchContact(remote.URI)

	d := Admit(Offer{
		Account:         account,
		Remote:          remote.URI,
		Streams:         streams,
		Contact:         contact,
		DNDUntilEnd:     r.dndUntilEnd(),
		AudioInProgress: r.AudioBusy(0),
	})
	if !d.Admit {
		r.logger.Info("Rejecting incoming session",
			logging.RemoteField(remote.URI),
			logging.StringField("rule", string(d.Rule)),
			logging.IntField("code", d.Code))
		if err := s.Reject(d.Code, d.Reason); err != nil {
			r.logger.Warn("Failed to reject incoming session", logging.ErrorField(err))
		}
		r.emit(Event{
			Kind:      EventRejected,
			Account:   account.ID,
			Remote:    remote.URI,
			Direction: engine.Incoming,
			Streams:   media.Types(offered),
			Rule:      d.Rule,
			Code:      d.Code,
			Reason:    d.Reason,
		})
		return
	}

	c := session.NewIncoming(r.allocate(), s, r.deps(), offered...)
	r.add(c)
	r.incoming[c.ID()] = true
	r.emit(Event{
		Kind:      EventAdmitted,
		SessionID: c.ID(),
		Account:   account.ID,
		Remote:    remote.URI,
		Direction: engine.Incoming,
		Streams:   media.Types(streams),
	})
	if r.config().Audio.PauseMusic {
		r.opts.Music.Pause(func() {})
	}

	if accepted, ok := r.autoAccept(c, account, contact, streams); ok {
		r.emit(Event{
			Kind:      EventAutoAccepted,
			SessionID: c.ID(),
			Account:   account.ID,
			Remote:    remote.URI,
			Direction: engine.Incoming,
			Streams:   media.Types(accepted),
		})
		return
	}

	if res := c.SendRingIndication(); res != session.OK {
		r.logger.Warn("Incoming session vanished before ringing", logging.SessionField(c.ID()))
		return
	}

	cfg := r.config()
	if cfg.AnsweringMachine.Enabled && cfg.AnsweringMachine.AnswerDelay == 0 && !account.Bonjour &&
		media.HasType(streams, media.Audio) {
		r.logger.Info("Answering machine takes the call", logging.SessionField(c.ID()))
		c.SetAnsweringMachineMode(true)
		c.Accept(media.OfTypes(streams, media.Audio), false)
		return
	}

	r.queue.Add(c, streams)
}

// autoAccept takes the sessions that never reach the queue: chat from known
// contacts, screenshots, and audio calls answered without delay.
func (r *Registry) autoAccept(c *session.Controller, account config.Account, contact *contacts.Contact, streams []*media.Stream) ([]*media.Stream, bool) {
	cfg := r.config()
	types := media.Types(streams)

	onlyChat := len(types) == 1 && types[0] == media.Chat
	if onlyChat && ((contact != nil && cfg.Chat.AutoAccept) || account.Bonjour) {
		r.logger.Info("Auto-accepting chat", logging.SessionField(c.ID()))
		c.Accept(streams, false)
		return streams, true
	}

	if len(streams) == 1 && streams[0].Screenshot() {
		r.logger.Info("Auto-accepting screenshot", logging.SessionField(c.ID()))
		c.Accept(streams, false)
		return streams, true
	}

	if !media.HasType(streams, media.Audio) || r.AudioBusy(c.ID()) || account.Audio.AnswerDelay != 0 {
		return nil, false
	}
	contactAnswer := contact != nil && contact.AutoAnswer
	if !account.Audio.AutoAccept && !contactAnswer {
		return nil, false
	}
	accepted := streams
	if contactAnswer && !account.Audio.AutoAccept && !cfg.Video.EnableWhenAutoAnswer {
		accepted = media.Filter(streams, func(s *media.Stream) bool { return s.Type != media.Video })
	}
	r.logger.Info("Auto-answering call", logging.SessionField(c.ID()))
	c.Accept(accepted, false)
	return accepted, true
}

func (r *Registry) queueChanged(ev incoming.Event) {
	out := Event{
		Kind:      EventQueue,
		SessionID: ev.Entry.ID,
		Account:   ev.Entry.Account,
		Remote:    ev.Entry.Remote,
		Direction: engine.Incoming,
		Streams:   ev.Entry.Streams,
		Queue:     ev.Kind.String(),
		Automatic: ev.Automatic,
		Reason:    ev.Reason,
	}
	if ev.Kind == incoming.EntryDecided {
		out.Action = ev.Action.String()
	}
	r.emit(out)
}

// Call places an outgoing call from accountID (the default account when
// empty) to target and returns the new session identifier.
func (r *Registry) Call(accountID, target, displayName string, types ...media.Type) (uint64, error) {
	cfg := r.config()
	var account *config.Account
	if accountID == "" {
		account = cfg.DefaultAccount()
	} else {
		account, _ = cfg.Account(accountID)
	}
	if account == nil {
		return 0, errors.Wrapf(ErrUnknownAccount, "account %q", accountID)
	}
	if len(types) == 0 {
		types = []media.Type{media.Audio}
	}

	c := session.NewOutgoing(r.allocate(), *account, target, displayName, r.deps())
	r.add(c)
	if !c.StartWithStreams(types...) {
		delete(r.controllers, c.ID())
		return 0, errors.Wrapf(ErrStartFailed, "call to %s", target)
	}
	return c.ID(), nil
}

// Redial calls the remote party of the last outgoing call again.
func (r *Registry) Redial() (uint64, error) {
	if r.redialURI == "" {
		return 0, ErrNothingToRedial
	}
	return r.Call("", r.redialURI, "", media.Audio)
}

// RedialTarget returns the address Redial would call.
func (r *Registry) RedialTarget() string { return r.redialURI }

// End hangs up session id.
func (r *Registry) End(id uint64) error {
	c, ok := r.controllers[id]
	if !ok {
		return errors.Wrapf(ErrUnknownSession, "session %d", id)
	}
	if c.End() != session.OK {
		return errors.Wrapf(engine.ErrIllegalState, "session %d is %s", id, c.State())
	}
	return nil
}

// EndAll hangs up every live session.
func (r *Registry) EndAll() {
	r.logger.Info("Ending all sessions", logging.IntField("count", len(r.controllers)))
	for _, id := range r.ids() {
		if c := r.controllers[id]; c != nil && !c.Ended() {
			c.End()
		}
	}
}

// Decide applies action to the pending entry of session id.
func (r *Registry) Decide(id uint64, action incoming.Action) error {
	return r.queue.Decide(id, action)
}

// DecideAll applies action to every pending entry.
func (r *Registry) DecideAll(action incoming.Action) {
	r.queue.DecideAll(action)
}

// Controller returns the controller of session id.
func (r *Registry) Controller(id uint64) (*session.Controller, bool) {
	c, ok := r.controllers[id]
	return c, ok
}

func (r *Registry) ids() []uint64 {
	ids := make([]uint64, 0, len(r.controllers))
	for id := range r.controllers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Sessions returns a snapshot of every controller ordered by identifier.
func (r *Registry) Sessions() []session.Snapshot {
	out := make([]session.Snapshot, 0, len(r.controllers))
	for _, id := range r.ids() {
		out = append(out, r.controllers[id].Snapshot())
	}
	return out
}

// Incoming returns the pending entries in arrival order.
func (r *Registry) Incoming() []incoming.Snapshot {
	return r.queue.Snapshots()
}

// Reconfigure applies a reloaded configuration. cfg must already be what
// the Config option returns.
func (r *Registry) Reconfigure(old, cfg *config.Config) {
	r.opts.Factory.SetConfig(cfg)
	r.queue.Reconfigure(old, cfg)
}
