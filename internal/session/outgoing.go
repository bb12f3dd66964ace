package session

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/zurustar/callcore/internal/engine"
	"github.com/zurustar/callcore/internal/logging"
	"github.com/zurustar/callcore/internal/media"
	"github.com/zurustar/callcore/internal/routing"
)

var (
	phoneNumberRe = regexp.MustCompile(`^\+?[0-9*#]+$`)
	postDialRe    = regexp.MustCompile(`^,[0-9,#*]+$`)
)

// StartWithStreams starts a call carrying types, or proposes them on the
// established call. It reports whether the request was started.
func (c *Controller) StartWithStreams(types ...media.Type) bool {
	streams := make([]*media.Stream, len(types))
	for i, t := range types {
		streams[i] = &media.Stream{Type: t}
	}
	return c.Start(streams...)
}

// OfferFile sends a file, in a new call or added to the current one.
func (c *Controller) OfferFile(name string, size int64) bool {
	return c.Start(&media.Stream{Type: media.FileTransfer, FileName: name, FileSize: size})
}

// Start is StartWithStreams with fully described streams.
func (c *Controller) Start(streams ...*media.Stream) bool {
	if len(streams) == 0 {
		return false
	}
	if c.Ended() {
		c.reset()
	}
	c.cancelDrain()
	c.disposed = false

	newSession := c.session == nil
	if newSession {
		if !c.tryNextHop {
			c.routes = nil
		}
		c.failureReason = ""
	} else if !c.CanPropose() {
		c.logger.Info("A stream proposal is already in progress",
			logging.StringField("streams", streamTypes(streams)))
		return false
	}

	var added []media.Handler
	for _, stream := range streams {
		c.logStream(stream.Type)

		h := c.HandlerOfType(stream.Type)
		if h == nil {
			if !c.deps.Factory.Supported(stream.Type) {
				c.logger.Info("Cannot start unsupported stream", logging.StringField("stream", string(stream.Type)))
				return false
			}
			created, err := c.deps.Factory.Create(c.id, stream)
			if err != nil {
				c.logger.Warn("Failed to create stream handler", logging.ErrorField(err))
				return false
			}
			h = created
			c.handlers = append(c.handlers, h)
		} else {
			c.logger.Debug("Stream handler already exists", logging.StringField("stream", string(stream.Type)))
			h.Reset()
			h.SetStream(stream)
		}

		if err := h.StartOutgoing(!newSession); err != nil {
			c.logger.Warn("Failed to start outgoing stream", logging.ErrorField(err))
			c.dropHandler(h, media.StatusFailed, err.Error())
			return false
		}
		added = append(added, h)
	}

	if newSession {
		c.session = c.deps.Dialer.NewSession(c.account.ID)
		c.direction = engine.Outgoing

		if len(c.routes) > 0 && c.tryNextHop {
			c.connect()
			return true
		}

		c.pauseMusic()
		if c.deps.LocalIP() == "" {
			c.routesFailed(StateFailed, "No IP Address")
			return true
		}
		c.lookup()
		return true
	}

	proposed := make([]*media.Stream, len(added))
	for i, h := range added {
		proposed[i] = h.Stream()
	}
	c.inProposal = true
	c.proposalOriginator = engine.Local
	c.logger.Info("Proposing streams", logging.StringField("streams", streamTypes(proposed)))
	if err := c.session.AddStreams(proposed); err != nil {
		c.inProposal = false
		c.proposalOriginator = ""
		c.logger.Info("Stream proposal refused", logging.ErrorField(err))
		for _, h := range added {
			c.dropHandler(h, media.StatusFailed, "Illegal State")
		}
		c.notify(Notification{Kind: NotifyProposalFailed, FailureReason: err.Error(), Streams: proposed})
		return false
	}
	c.notify(Notification{Kind: NotifySentAddProposal, Streams: proposed})
	return true
}

func (c *Controller) pauseMusic() {
	c.waitingForMusic = false
	if !c.config().Audio.PauseMusic || !c.HasStreamOfType(media.Audio) {
		return
	}

	c.waitingForMusic = true
	timeout := defaultMusicPauseTimeout
	if ms := c.config().Sessions.MusicPauseTimeout; ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	c.musicTimer = c.deps.Loop.AfterFunc(timeout, c.musicPaused)
	c.deps.Music.Pause(func() { c.deps.Loop.Post(c.musicPaused) })
}

// musicPaused runs once the player confirmed the pause or the fallback timer
// fired, whichever comes first.
func (c *Controller) musicPaused() {
	if !c.waitingForMusic {
		return
	}
	c.waitingForMusic = false
	c.deps.Loop.Cancel(c.musicTimer)
	if len(c.routes) > 0 {
		c.connect()
	}
}

func (c *Controller) lookup() {
	c.transition(StateDNSLookup, "")
	c.lookupSeq++
	seq := c.lookupSeq

	uri, strategy := routing.PolicyFor(&c.account).Choose(c.target)
	transports := c.config().Sessions.Transports
	c.logger.Info("Starting route lookup",
		logging.StringField("uri", uri),
		logging.StringField("strategy", strategy.String()))

	resolver := c.deps.Resolver
	err := c.deps.Loop.Go(func() func() {
		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		defer cancel()
		routes, err := resolver.Lookup(ctx, uri, transports)
		return func() { c.lookupDone(seq, routes, err) }
	})
	if err != nil {
		c.routesFailed(StateDNSFailed, err.Error())
	}
}

func (c *Controller) lookupDone(seq uint64, routes []routing.Route, err error) {
	if seq != c.lookupSeq || c.State() != StateDNSLookup {
		c.logger.Debug("Discarding stale route lookup")
		return
	}
	switch {
	case errors.Is(err, routing.ErrNoRoutes) || (err == nil && len(routes) == 0):
		c.routesFailed(StateDNSFailed, "No routes found to SIP Proxy")
	case err != nil:
		c.routesFailed(StateDNSFailed, "Route lookup failed: "+err.Error())
	default:
		c.routesResolved(routes)
	}
}

func (c *Controller) routesResolved(routes []routing.Route) {
	names := make([]string, len(routes))
	for i, r := range routes {
		names[i] = r.String()
	}
	c.logger.Info("Route lookup succeeded", logging.StringField("routes", strings.Join(names, ", ")))
	c.routes = routes
	if !c.waitingForMusic {
		c.connect()
	}
}

// routesFailed ends a call that never reached the network.
func (c *Controller) routesFailed(state State, msg string) {
	c.logger.Info("Routing failure", logging.StringField("reason", msg))
	c.failureReason = msg
	c.endTime = c.now()
	c.transition(state, msg)
	c.notify(Notification{
		Kind:          NotifyDidFail,
		Originator:    engine.Local,
		Code:          478,
		Reason:        "DNS Lookup Failed",
		FailureReason: "DNS Lookup Failed",
	})
	c.startDrain()
}

func (c *Controller) connect() {
	c.cancelDrain()
	if c.session == nil {
		return
	}

	streams := make([]*media.Stream, 0, len(c.handlers))
	for _, h := range c.handlers {
		streams = append(streams, h.Stream())
	}

	target := c.target
	if !c.account.Bonjour {
		target, c.postDial = splitPostDial(target)
		if c.postDial != "" {
			c.logger.Info("Post dial string set", logging.StringField("digits", c.postDial))
		}
	}

	c.tryNextHop = false
	c.transition(StateConnecting, "")
	c.syncHandlers(StateConnecting, "")
	c.logger.Info("Connecting session", logging.StringField("route", c.routes[0].String()))
	c.notify(Notification{Kind: NotifyWillStart, Target: target})

	if err := c.session.Connect(target, c.routes, streams); err != nil {
		c.logger.Warn("Failed to connect session", logging.ErrorField(err))
		c.failureReason = err.Error()
		c.endTime = c.now()
		c.transition(StateFailed, "Illegal State")
		c.notify(Notification{Kind: NotifyDidFail, Originator: engine.Local, FailureReason: err.Error()})
		c.startDrain()
	}
}

// splitPostDial separates ",digits" dialled after a phone number user part.
func splitPostDial(target string) (string, string) {
	scheme := ""
	rest := target
	for _, prefix := range []string{"sips:", "sip:"} {
		if strings.HasPrefix(rest, prefix) {
			scheme, rest = prefix, rest[len(prefix):]
			break
		}
	}
	at := strings.Index(rest, "@")
	user, host := rest, ""
	if at >= 0 {
		user, host = rest[:at], rest[at:]
	}
	idx := strings.Index(user, ",")
	if idx <= 0 || !phoneNumberRe.MatchString(user[:idx]) || !postDialRe.MatchString(user[idx:]) {
		return target, ""
	}
	return scheme + user[:idx] + host, user[idx:]
}

// End hangs up. It does nothing while routes are being resolved.
func (c *Controller) End() Result {
	switch c.State() {
	case StateDNSFailed, StateDNSLookup:
		return OK
	}
	if c.session == nil {
		return OK
	}
	if err := c.session.End(); err != nil {
		c.logger.Info("Cannot end session", logging.ErrorField(err))
		return IllegalState
	}
	return OK
}

// EndStream removes one stream, ending the whole call when that stream is
// what the call is about.
func (c *Controller) EndStream(h media.Handler) Result {
	if c.session == nil {
		c.dropHandler(h, media.StatusIdle, "")
		return OK
	}

	t := h.Type()
	established := c.session.Streams() != nil
	switch {
	case t == media.Audio && len(c.handlers) == 2 &&
		(c.HasStreamOfType(media.ScreenSharing) || c.HasStreamOfType(media.Video)):
		c.logger.Info("Ending session with its audio stream")
		return c.End()

	case established && len(c.handlers) == 1 && c.handlers[0] == h:
		c.logger.Info("Ending session with its only stream", logging.StringField("stream", string(t)))
		return c.End()

	case established && len(c.handlers) > 1:
		if !c.CanPropose() {
			c.logger.Info("Another proposal is already in progress, ending session")
			c.End()
			return IllegalState
		}
		c.logger.Info("Removing stream", logging.StringField("stream", string(t)))
		c.inProposal = true
		c.proposalOriginator = engine.Local
		if err := c.session.RemoveStream(h.Stream()); err != nil {
			c.inProposal = false
			c.proposalOriginator = ""
			c.logger.Info("Stream removal refused", logging.ErrorField(err))
			if t == media.Audio {
				c.End()
			} else {
				c.dropHandler(h, media.StatusFailed, "Illegal State Error")
			}
			return IllegalState
		}
		c.notify(Notification{Kind: NotifySentRemoveProposal, Streams: []*media.Stream{h.Stream()}})
		return OK

	default:
		return c.End()
	}
}

// CancelProposal withdraws our pending proposal of stream.
func (c *Controller) CancelProposal(stream *media.Stream) Result {
	if c.session == nil {
		return IllegalState
	}
	switch c.session.State() {
	case engine.StateCancellingProposal, engine.StateReceivedProposal, engine.StateAcceptingProposal,
		engine.StateRejectingProposal, engine.StateAccepting, engine.StateIncoming:
		c.logger.Info("Proposal cannot be cancelled now",
			logging.StringField("engine_state", string(c.session.State())))
		return IllegalState
	}

	c.logger.Info("Cancelling proposal")
	c.cancelledStream = stream
	if err := c.session.CancelProposal(); err != nil {
		c.logger.Info("Cannot cancel proposal", logging.ErrorField(err))
		return IllegalState
	}
	if h := c.handlerForStream(stream); h != nil {
		_ = h.ChangeStatus(media.StatusCancelling, "")
		c.dropHandler(h, media.StatusIdle, "cancelled")
	}
	c.notify(Notification{Kind: NotifyWillCancelProposal, Streams: []*media.Stream{stream}})
	return OK
}
