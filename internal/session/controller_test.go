package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zurustar/callcore/internal/config"
	"github.com/zurustar/callcore/internal/contacts"
	"github.com/zurustar/callcore/internal/engine"
	"github.com/zurustar/callcore/internal/engine/enginetest"
	"github.com/zurustar/callcore/internal/logging"
	"github.com/zurustar/callcore/internal/loop"
	"github.com/zurustar/callcore/internal/media"
	"github.com/zurustar/callcore/internal/routing"
)

type fakeResolver struct {
	mu      sync.Mutex
	routes  []routing.Route
	err     error
	lookups []string
}

func (r *fakeResolver) Lookup(_ context.Context, uri string, _ []string) ([]routing.Route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups = append(r.lookups, uri)
	return r.routes, r.err
}

func (r *fakeResolver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lookups)
}

type recorder struct {
	notes []Notification
}

func (r *recorder) Observe(n Notification) { r.notes = append(r.notes, n) }

func (r *recorder) count(kind NotificationKind) int {
	n := 0
	for _, note := range r.notes {
		if note.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last(kind NotificationKind) (Notification, bool) {
	for i := len(r.notes) - 1; i >= 0; i-- {
		if r.notes[i].Kind == kind {
			return r.notes[i], true
		}
	}
	return Notification{}, false
}

type harness struct {
	loop     *loop.Loop
	clock    *clockwork.FakeClock
	cfg      *config.Config
	engine   *enginetest.Engine
	resolver *fakeResolver
	rec      *recorder
	deps     Deps
}

func twoRoutes() []routing.Route {
	return []routing.Route{
		{Address: "192.0.2.1", Port: 5061, Transport: "tls", Priority: 0},
		{Address: "192.0.2.2", Port: 5060, Transport: "tcp", Priority: 1},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	l, err := loop.New(clock, 2, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(l.Close)

	cfg := config.GetDefaultConfig()
	cfg.Accounts = []config.Account{{ID: "alice@example.com"}}
	cfg.Video.Device = "cam0"

	h := &harness{
		loop:     l,
		clock:    clock,
		cfg:      cfg,
		engine:   enginetest.NewEngine(),
		resolver: &fakeResolver{routes: twoRoutes()},
		rec:      &recorder{},
	}
	h.deps = Deps{
		Loop:     l,
		Config:   func() *config.Config { return h.cfg },
		Factory:  media.NewFactory(cfg, logging.NewNop()),
		Resolver: h.resolver,
		Dialer:   h.engine,
		Observer: h.rec,
		Logger:   logging.NewNop(),
	}
	return h
}

func (h *harness) outgoing(target string) *Controller {
	return NewOutgoing(1, h.cfg.Accounts[0], target, "", h.deps)
}

// established places an outgoing call carrying types and answers it.
func (h *harness) established(t *testing.T, types ...media.Type) (*Controller, *enginetest.Session) {
	t.Helper()
	c := h.outgoing("sip:bob@example.com")
	require.True(t, c.StartWithStreams(types...))
	h.loop.Flush()
	require.Equal(t, StateConnecting, c.State())

	s := h.engine.Last()
	s.SetStreams(s.ProposedStreams()...)
	s.SetState(engine.StateConnected)
	c.HandleEvent(engine.Event{Kind: engine.EventDidStart, Session: s, Streams: s.ProposedStreams()})
	require.Equal(t, StateConnected, c.State())
	return c, s
}

func TestController_OutgoingConnects(t *testing.T) {
	h := newHarness(t)

	connectsAtWillStart := -1
	h.deps.Observer = ObserverFunc(func(n Notification) {
		if n.Kind == NotifyWillStart {
			connectsAtWillStart = h.engine.Last().Count("Connect")
		}
	})
	c := NewOutgoing(1, h.cfg.Accounts[0], "sip:bob@example.com", "Bob", h.deps)

	require.True(t, c.StartWithStreams(media.Audio))
	assert.Equal(t, StateDNSLookup, c.State())
	assert.Equal(t, media.StatusWaitingDNSLookup, c.HandlerOfType(media.Audio).Status())

	h.loop.Flush()
	assert.Equal(t, StateConnecting, c.State())
	assert.Equal(t, 0, connectsAtWillStart)

	s := h.engine.Last()
	call, ok := s.Last("Connect")
	require.True(t, ok)
	assert.Equal(t, "sip:bob@example.com", call.Args[0])
	assert.Len(t, call.Args[1], 2)
	assert.Equal(t, media.StatusConnecting, c.HandlerOfType(media.Audio).Status())
	assert.Equal(t, "Bob", c.RemoteParty())
}

func TestController_DidStartConnectsAcceptedStreams(t *testing.T) {
	h := newHarness(t)
	c := h.outgoing("sip:bob@example.com")
	require.True(t, c.StartWithStreams(media.Audio, media.Video))
	h.loop.Flush()

	s := h.engine.Last()
	audio := media.OfTypes(s.ProposedStreams(), media.Audio)
	s.SetStreams(audio...)
	c.HandleEvent(engine.Event{Kind: engine.EventDidStart, Session: s, Streams: audio})

	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, media.StatusConnected, c.HandlerOfType(media.Audio).Status())
	assert.Nil(t, c.HandlerOfType(media.Video), "video was not accepted")
	assert.Equal(t, 1, h.rec.count(NotifyDidStart))
}

func TestController_RetriesNextRouteWithoutFailing(t *testing.T) {
	h := newHarness(t)
	c := h.outgoing("sip:bob@example.com")
	require.True(t, c.StartWithStreams(media.Audio, media.Chat))
	h.loop.Flush()

	first := h.engine.Last()
	c.HandleEvent(engine.Event{Kind: engine.EventDidFail, Session: first, Code: 503, Reason: "Service Unavailable", Originator: engine.Remote})
	h.loop.Flush()

	assert.Equal(t, 0, h.rec.count(NotifyDidFail))
	assert.Equal(t, StateConnecting, c.State())
	require.Len(t, h.engine.Sessions(), 2)
	assert.Equal(t, 1, h.resolver.count(), "retry reuses resolved routes")

	second := h.engine.Last()
	call, ok := second.Last("Connect")
	require.True(t, ok)
	routes := call.Args[1].([]routing.Route)
	require.Len(t, routes, 1)
	assert.Equal(t, "192.0.2.2", routes[0].Address)
	assert.Equal(t, []media.Type{media.Audio, media.Chat}, media.Types(call.Args[2].([]*media.Stream)))

	c.HandleEvent(engine.Event{Kind: engine.EventDidFail, Session: second, Code: 503, Reason: "Service Unavailable", Originator: engine.Remote})
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 1, h.rec.count(NotifyDidFail))
	n, _ := h.rec.last(NotifyDidFail)
	assert.Equal(t, 503, n.Code)
	assert.Equal(t, "Service Unavailable", c.FailureReason())
}

func TestController_LocalTimeoutRetries(t *testing.T) {
	h := newHarness(t)
	c := h.outgoing("sip:bob@example.com")
	require.True(t, c.StartWithStreams(media.Audio))
	h.loop.Flush()

	c.HandleEvent(engine.Event{Kind: engine.EventDidFail, Session: h.engine.Last(), Code: 408, Originator: engine.Remote})
	assert.Equal(t, StateFailed, c.State(), "remote 408 is final")

	h2 := newHarness(t)
	c2 := h2.outgoing("sip:bob@example.com")
	require.True(t, c2.StartWithStreams(media.Audio))
	h2.loop.Flush()
	c2.HandleEvent(engine.Event{Kind: engine.EventDidFail, Session: h2.engine.Last(), Code: 408, Originator: engine.Local})
	assert.Equal(t, StateConnecting, c2.State())
	assert.Len(t, h2.engine.Sessions(), 2)
}

func TestController_RetryKeepsStreamDetails(t *testing.T) {
	tests := []struct {
		name   string
		stream *media.Stream
	}{
		{"file transfer", &media.Stream{Type: media.FileTransfer, FileName: "report.pdf", FileSize: 1024}},
		{"screen sharing server", &media.Stream{Type: media.ScreenSharing, Role: "server"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			c := h.outgoing("sip:bob@example.com")
			require.True(t, c.Start(tt.stream))
			h.loop.Flush()

			c.HandleEvent(engine.Event{Kind: engine.EventDidFail, Session: h.engine.Last(), Code: 503, Originator: engine.Remote})
			h.loop.Flush()

			assert.Equal(t, StateConnecting, c.State())
			assert.Equal(t, 0, h.rec.count(NotifyDidFail))
			require.Len(t, h.engine.Sessions(), 2)
			call, ok := h.engine.Last().Last("Connect")
			require.True(t, ok)
			streams := call.Args[2].([]*media.Stream)
			require.Len(t, streams, 1)
			assert.Equal(t, *tt.stream, *streams[0])
			require.Len(t, c.Handlers(), 1)
			assert.Equal(t, media.StatusConnecting, c.Handlers()[0].Status())
		})
	}
}

func TestController_FailedRestartEndsCall(t *testing.T) {
	h := newHarness(t)
	c := h.outgoing("sip:bob@example.com")
	require.True(t, c.StartWithStreams(media.Audio))
	h.loop.Flush()

	// a transfer without a file name cannot be offered again
	first := h.engine.Last()
	first.SetProposed(&media.Stream{Type: media.FileTransfer})
	c.HandleEvent(engine.Event{Kind: engine.EventDidFail, Session: first, Code: 503, Reason: "Service Unavailable", Originator: engine.Remote})
	h.loop.Flush()

	assert.Equal(t, StateFailed, c.State())
	assert.Len(t, h.engine.Sessions(), 1)
	require.Equal(t, 1, h.rec.count(NotifyDidFail))
	n, _ := h.rec.last(NotifyDidFail)
	assert.Equal(t, 503, n.Code)

	h.clock.Advance(time.Minute)
	h.loop.Flush()
	assert.True(t, c.Disposed())
}

func TestController_SingleRouteFailsImmediately(t *testing.T) {
	h := newHarness(t)
	h.resolver.routes = twoRoutes()[:1]
	c := h.outgoing("sip:bob@example.com")
	require.True(t, c.StartWithStreams(media.Audio))
	h.loop.Flush()

	c.HandleEvent(engine.Event{Kind: engine.EventDidFail, Session: h.engine.Last(), Code: 500, FailureReason: "Unknown error 61"})
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 1, h.rec.count(NotifyDidFail))
	assert.Equal(t, media.StatusFailed, c.HandlerOfType(media.Audio).Status())
	assert.Equal(t, "Connection refused", c.FailureReason())
	n, _ := h.rec.last(NotifyStateChanged)
	assert.Equal(t, "Connection refused", n.Reason)
}

func TestController_RouteLookupFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		routes []routing.Route
		reason string
	}{
		{"no routes", routing.ErrNoRoutes, nil, "No routes found to SIP Proxy"},
		{"empty result", nil, nil, "No routes found to SIP Proxy"},
		{"dns error", errors.New("timeout"), nil, "Route lookup failed: timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.resolver.routes = tt.routes
			h.resolver.err = tt.err
			c := h.outgoing("sip:bob@example.com")
			require.True(t, c.StartWithStreams(media.Audio))
			h.loop.Flush()

			assert.Equal(t, StateDNSFailed, c.State())
			assert.Equal(t, tt.reason, c.FailureReason())
			n, ok := h.rec.last(NotifyDidFail)
			require.True(t, ok)
			assert.Equal(t, 478, n.Code)
			assert.Equal(t, "DNS Lookup Failed", n.Reason)
			assert.Equal(t, 0, h.engine.Last().Count("Connect"))
		})
	}
}

func TestController_NoLocalAddress(t *testing.T) {
	h := newHarness(t)
	h.deps.LocalIP = func() string { return "" }
	c := h.outgoing("sip:bob@example.com")

	require.True(t, c.StartWithStreams(media.Audio))
	h.loop.Flush()

	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, "No IP Address", c.FailureReason())
	assert.Equal(t, 0, h.resolver.count())
	assert.Equal(t, 1, h.rec.count(NotifyDidFail))
}

func TestController_EndIsNoopDuringLookup(t *testing.T) {
	h := newHarness(t)
	c := h.outgoing("sip:bob@example.com")
	require.True(t, c.StartWithStreams(media.Audio))
	require.Equal(t, StateDNSLookup, c.State())

	assert.Equal(t, OK, c.End())
	assert.Equal(t, 0, h.engine.Last().Count("End"))

	h.loop.Flush()
	assert.Equal(t, StateConnecting, c.State())
	assert.Equal(t, OK, c.End())
	assert.Equal(t, 1, h.engine.Last().Count("End"))
}

type stuckPlayer struct{ resumed int }

func (p *stuckPlayer) Pause(func()) {}
func (p *stuckPlayer) Resume()      { p.resumed++ }

func TestController_WaitsForMusicPause(t *testing.T) {
	h := newHarness(t)
	h.deps.Music = &stuckPlayer{}
	c := h.outgoing("sip:bob@example.com")
	require.True(t, c.StartWithStreams(media.Audio))

	h.loop.Flush()
	assert.Equal(t, StateDNSLookup, c.State())
	assert.Equal(t, 0, h.engine.Last().Count("Connect"))

	h.clock.Advance(500 * time.Millisecond)
	h.loop.Flush()
	assert.Equal(t, StateConnecting, c.State())
	assert.Equal(t, 1, h.engine.Last().Count("Connect"))
}

func TestController_ChatDoesNotWaitForMusic(t *testing.T) {
	h := newHarness(t)
	h.deps.Music = &stuckPlayer{}
	c := h.outgoing("sip:bob@example.com")
	require.True(t, c.StartWithStreams(media.Chat))
	h.loop.Flush()
	assert.Equal(t, StateConnecting, c.State())
}

func TestController_PostDialDigits(t *testing.T) {
	h := newHarness(t)
	c := h.outgoing("sip:+31201234567,,123#@example.com")
	require.True(t, c.StartWithStreams(media.Audio))
	h.loop.Flush()

	call, ok := h.engine.Last().Last("Connect")
	require.True(t, ok)
	assert.Equal(t, "sip:+31201234567@example.com", call.Args[0])
	assert.Equal(t, ",,123#", c.PostDial())
}

func TestSplitPostDial(t *testing.T) {
	tests := []struct {
		in, target, digits string
	}{
		{"sip:123,45@example.com", "sip:123@example.com", ",45"},
		{"sips:+1555,#9@example.com", "sips:+1555@example.com", ",#9"},
		{"sip:bob,12@example.com", "sip:bob,12@example.com", ""},
		{"sip:123,ab@example.com", "sip:123,ab@example.com", ""},
		{"sip:123@example.com", "sip:123@example.com", ""},
		{"123,4", "123", ",4"},
	}
	for _, tt := range tests {
		target, digits := splitPostDial(tt.in)
		assert.Equal(t, tt.target, target, tt.in)
		assert.Equal(t, tt.digits, digits, tt.in)
	}
}

func TestController_SecondProposalRefused(t *testing.T) {
	h := newHarness(t)
	c, s := h.established(t, media.Audio)

	require.True(t, c.StartWithStreams(media.Chat))
	assert.True(t, c.InProposal())
	assert.Equal(t, 1, h.rec.count(NotifySentAddProposal))

	assert.False(t, c.StartWithStreams(media.Video))
	assert.Equal(t, 1, s.Count("AddStreams"))
	assert.Nil(t, c.HandlerOfType(media.Video))

	assert.Equal(t, IllegalState, c.EndStream(c.HandlerOfType(media.Chat)))
	assert.Equal(t, 0, s.Count("RemoveStream"))
	assert.Equal(t, 1, s.Count("End"), "a removal during a proposal ends the call")
}

func TestController_ProposalRejectedDropsStream(t *testing.T) {
	h := newHarness(t)
	c, s := h.established(t, media.Audio)
	require.True(t, c.StartWithStreams(media.Video))

	proposed := s.ProposedStreams()
	c.HandleEvent(engine.Event{Kind: engine.EventProposalRejected, Session: s, Code: 603, Reason: "Decline", Streams: proposed})

	assert.False(t, c.InProposal())
	assert.Nil(t, c.HandlerOfType(media.Video))
	assert.NotNil(t, c.HandlerOfType(media.Audio))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 1, h.rec.count(NotifyProposalRejected))
	assert.Equal(t, 1, h.rec.count(NotifyProposalFailed), "codes above 500 also count as failures")

	assert.True(t, c.StartWithStreams(media.Chat), "a new proposal is allowed afterwards")
}

func TestController_ProposalRefusedByEngine(t *testing.T) {
	h := newHarness(t)
	c, s := h.established(t, media.Audio)
	s.FailWith("AddStreams", engine.ErrIllegalState)

	assert.False(t, c.StartWithStreams(media.Chat))
	assert.False(t, c.InProposal())
	assert.Nil(t, c.HandlerOfType(media.Chat))
	assert.Equal(t, 1, h.rec.count(NotifyProposalFailed))
	assert.Equal(t, StateConnected, c.State())
}

func TestController_ProposalAcceptedAndRenegotiated(t *testing.T) {
	h := newHarness(t)
	c, s := h.established(t, media.Audio)
	require.True(t, c.StartWithStreams(media.Chat))

	chat := s.ProposedStreams()
	c.HandleEvent(engine.Event{Kind: engine.EventProposalAccepted, Session: s, Streams: chat})
	assert.Equal(t, media.StatusConnected, c.HandlerOfType(media.Chat).Status())

	s.SetStreams(append(s.Streams(), chat...)...)
	c.HandleEvent(engine.Event{Kind: engine.EventDidRenegotiateStreams, Session: s, Added: chat})
	assert.False(t, c.InProposal())
	assert.Equal(t, 1, h.rec.count(NotifyDidRenegotiate))
}

func TestController_EndStreamPolicy(t *testing.T) {
	t.Run("sole stream ends the call", func(t *testing.T) {
		h := newHarness(t)
		c, s := h.established(t, media.Audio)
		assert.Equal(t, OK, c.EndStream(c.HandlerOfType(media.Audio)))
		assert.Equal(t, 1, s.Count("End"))
		assert.Equal(t, 0, s.Count("RemoveStream"))
	})
	t.Run("audio of an audio video pair ends the call", func(t *testing.T) {
		h := newHarness(t)
		c, s := h.established(t, media.Audio, media.Video)
		assert.Equal(t, OK, c.EndStream(c.HandlerOfType(media.Audio)))
		assert.Equal(t, 1, s.Count("End"))
	})
	t.Run("audio of an audio screen pair ends the call", func(t *testing.T) {
		h := newHarness(t)
		c, s := h.established(t, media.Audio, media.ScreenSharing)
		assert.Equal(t, OK, c.EndStream(c.HandlerOfType(media.Audio)))
		assert.Equal(t, 1, s.Count("End"))
	})
	t.Run("one of many is removed", func(t *testing.T) {
		h := newHarness(t)
		c, s := h.established(t, media.Audio, media.Chat)
		chat := c.HandlerOfType(media.Chat)
		assert.Equal(t, OK, c.EndStream(chat))
		call, ok := s.Last("RemoveStream")
		require.True(t, ok)
		assert.Same(t, chat.Stream(), call.Args[0])
		assert.Equal(t, 0, s.Count("End"))
		assert.True(t, c.InProposal())
		assert.Equal(t, 1, h.rec.count(NotifySentRemoveProposal))

		c.HandleEvent(engine.Event{Kind: engine.EventDidRenegotiateStreams, Session: s, Removed: []*media.Stream{chat.Stream()}})
		assert.Nil(t, c.HandlerOfType(media.Chat))
		assert.Equal(t, media.StatusIdle, chat.Status())
	})
	t.Run("not established ends", func(t *testing.T) {
		h := newHarness(t)
		c := h.outgoing("sip:bob@example.com")
		require.True(t, c.StartWithStreams(media.Audio, media.Chat))
		h.loop.Flush()
		assert.Equal(t, OK, c.EndStream(c.HandlerOfType(media.Chat)))
		assert.Equal(t, 1, h.engine.Last().Count("End"))
	})
}

func TestController_EndStreamMatchesEnd(t *testing.T) {
	finish := func(t *testing.T, viaStream bool) (*Controller, *recorder) {
		h := newHarness(t)
		c, s := h.established(t, media.Audio)
		if viaStream {
			require.Equal(t, OK, c.EndStream(c.HandlerOfType(media.Audio)))
		} else {
			require.Equal(t, OK, c.End())
		}
		c.HandleEvent(engine.Event{Kind: engine.EventDidEnd, Session: s, Originator: engine.Local})
		return c, h.rec
	}

	a, recA := finish(t, true)
	b, recB := finish(t, false)
	assert.Equal(t, StateFinished, a.State())
	assert.Equal(t, b.State(), a.State())
	assert.Equal(t, recB.count(NotifyDidEnd), recA.count(NotifyDidEnd))
	assert.Equal(t, b.Accounting().Streams, a.Accounting().Streams)
	assert.Equal(t, media.StatusIdle, a.HandlerOfType(media.Audio).Status())
}

func TestController_CancelProposalWindow(t *testing.T) {
	h := newHarness(t)
	c, s := h.established(t, media.Audio)
	require.True(t, c.StartWithStreams(media.Video))
	video := c.HandlerOfType(media.Video).Stream()

	s.SetState(engine.StateReceivedProposal)
	assert.Equal(t, IllegalState, c.CancelProposal(video))
	assert.Equal(t, 0, s.Count("CancelProposal"))

	s.SetState(engine.StateSendingProposal)
	assert.Equal(t, OK, c.CancelProposal(video))
	assert.Equal(t, 1, s.Count("CancelProposal"))
	assert.Nil(t, c.HandlerOfType(media.Video))
	assert.Equal(t, 1, h.rec.count(NotifyWillCancelProposal))

	// the remote side accepted before seeing the cancel
	c.HandleEvent(engine.Event{Kind: engine.EventProposalAccepted, Session: s, Streams: []*media.Stream{video}})
	call, ok := s.Last("RemoveStream")
	require.True(t, ok)
	assert.Same(t, video, call.Args[0])
}

func TestController_RenegotiationWithoutStreamsEnds(t *testing.T) {
	h := newHarness(t)
	c, s := h.established(t, media.Chat)
	removed := s.Streams()
	s.SetStreams()

	c.HandleEvent(engine.Event{Kind: engine.EventDidRenegotiateStreams, Session: s, Removed: removed})
	assert.Equal(t, 1, s.Count("End"))
}

func TestController_Drain(t *testing.T) {
	h := newHarness(t)
	c, s := h.established(t, media.Audio)
	c.HandleEvent(engine.Event{Kind: engine.EventDidEnd, Session: s, Originator: engine.Remote})
	require.Equal(t, StateFinished, c.State())

	h.clock.Advance(9 * time.Second)
	h.loop.Flush()
	assert.False(t, c.Disposed())

	h.clock.Advance(time.Second)
	h.loop.Flush()
	assert.True(t, c.Disposed())
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, c.Handlers())
	assert.Equal(t, 1, h.rec.count(NotifyDisposed))
}

func TestController_RestartAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.resolver.routes = twoRoutes()[:1]
	c := h.outgoing("sip:bob@example.com")
	require.True(t, c.StartWithStreams(media.Audio))
	h.loop.Flush()
	c.HandleEvent(engine.Event{Kind: engine.EventDidFail, Session: h.engine.Last(), Code: 486, Reason: "Busy Here"})
	require.Equal(t, StateFailed, c.State())

	require.True(t, c.StartWithStreams(media.Audio))
	h.loop.Flush()
	assert.Equal(t, StateConnecting, c.State())
	assert.Len(t, h.engine.Sessions(), 2)

	h.clock.Advance(time.Minute)
	h.loop.Flush()
	assert.False(t, c.Disposed(), "drain is cancelled by the new attempt")
}

func TestController_Redirect(t *testing.T) {
	h := newHarness(t)
	h.deps.Prompter = StaticPrompter{FollowRedirects: true}
	c := h.outgoing("sip:bob@example.com")
	require.True(t, c.StartWithStreams(media.Audio))
	h.loop.Flush()

	c.HandleEvent(engine.Event{
		Kind:               engine.EventDidFail,
		Session:            h.engine.Last(),
		Code:               302,
		Reason:             "Moved Temporarily",
		RedirectIdentities: []engine.Identity{{URI: "sip:carol@example.org"}},
	})
	h.loop.Flush()

	assert.Equal(t, "sip:carol@example.org", c.Target())
	assert.Equal(t, StateConnecting, c.State())
	assert.Equal(t, 2, h.resolver.count())
	call, ok := h.engine.Last().Last("Connect")
	require.True(t, ok)
	assert.Equal(t, "sip:carol@example.org", call.Args[0])
}

func TestController_RedirectDeclined(t *testing.T) {
	h := newHarness(t)
	c := h.outgoing("sip:bob@example.com")
	require.True(t, c.StartWithStreams(media.Audio))
	h.loop.Flush()

	c.HandleEvent(engine.Event{
		Kind:               engine.EventDidFail,
		Session:            h.engine.Last(),
		Code:               301,
		RedirectIdentities: []engine.Identity{{URI: "sip:carol@example.org"}},
	})
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, "sip:bob@example.com", c.Target())
	assert.Len(t, h.engine.Sessions(), 1)
}

func TestController_ConferenceInvitees(t *testing.T) {
	h := newHarness(t)
	c := h.outgoing("sip:conf@example.com")
	require.Equal(t, OK, c.InviteParticipant("sip:bob@example.com"))
	require.Equal(t, OK, c.InviteParticipant("carol@example.com"))
	require.True(t, c.StartWithStreams(media.Audio))
	h.loop.Flush()

	s := h.engine.Last()
	s.SetRemoteFocus(true)
	c.HandleEvent(engine.Event{Kind: engine.EventWillStart, Session: s})
	assert.True(t, c.RemoteFocus())

	s.SetStreams(s.ProposedStreams()...)
	c.HandleEvent(engine.Event{Kind: engine.EventDidStart, Session: s, Streams: s.Streams()})
	assert.Equal(t, 2, s.Count("AddParticipant"))

	info := &engine.ConferenceInfo{Users: []engine.ConferenceUser{
		{Entity: "sip:alice@example.com"},
		{Entity: "sip:bob@example.com"},
	}}
	c.HandleEvent(engine.Event{Kind: engine.EventGotConferenceInfo, Session: s, Conference: info})
	require.Len(t, c.Invited(), 1)
	assert.Equal(t, "carol@example.com", c.Invited()[0].URI)
	assert.Equal(t, []string{"bob@example.com"}, c.Accounting().Participants)

	updates := h.rec.count(NotifyConferenceUpdated)
	c.HandleEvent(engine.Event{Kind: engine.EventDidAddParticipant, Session: s, Participant: "sip:bob@example.com"})
	assert.Equal(t, updates, h.rec.count(NotifyConferenceUpdated), "bob was already removed")
	assert.Len(t, c.Invited(), 1)

	c.HandleEvent(engine.Event{Kind: engine.EventParticipantProgress, Session: s, Participant: "sip:carol@example.com", Code: 180})
	assert.Equal(t, "Ringing...", c.Invited()[0].Detail)

	c.HandleEvent(engine.Event{Kind: engine.EventDidNotAddParticipant, Session: s, Participant: "sip:carol@example.com", Code: 486, Reason: "Busy Here"})
	require.Len(t, c.Invited(), 1)
	assert.Equal(t, "Busy", c.Invited()[0].Detail)
	assert.False(t, c.Invited()[0].FailedAt.IsZero())
	assert.Equal(t, StateConnected, c.State())
}

func TestController_InviteesDroppedWithoutFocus(t *testing.T) {
	h := newHarness(t)
	c := h.outgoing("sip:bob@example.com")
	c.InviteParticipant("carol@example.com")
	require.True(t, c.StartWithStreams(media.Audio))
	h.loop.Flush()

	c.HandleEvent(engine.Event{Kind: engine.EventWillStart, Session: h.engine.Last()})
	assert.Empty(t, c.Invited())
}

func TestParticipantTexts(t *testing.T) {
	failures := map[int]string{
		487: "Nobody answered",
		408: "Unreachable",
		486: "Busy",
		603: "Busy Everywhere",
		404: "Invitation failed: Not Found (404)",
		0:   "Invitation failed: Not Found",
	}
	for code, want := range failures {
		assert.Equal(t, want, ParticipantFailureText(code, "Not Found"), code)
	}

	progress := []struct {
		code int
		want string
		ok   bool
	}{
		{100, "Connecting...", true},
		{180, "Ringing...", true},
		{183, "Ringing...", true},
		{200, "Invitation accepted", true},
		{202, "Accepted (202)", true},
		{486, "", false},
	}
	for _, tt := range progress {
		got, ok := ParticipantProgressText(tt.code, "Accepted")
		assert.Equal(t, tt.ok, ok, tt.code)
		assert.Equal(t, tt.want, got, tt.code)
	}
}

func TestFailureText(t *testing.T) {
	assert.Equal(t, "Connection refused", FailureText("x", "Unknown error 61"))
	assert.Equal(t, "TLS handshake failed", FailureText("Busy", "TLS handshake failed"))
	assert.Equal(t, "Busy Here", FailureText("Busy Here", "user request"))
	assert.Equal(t, "Busy Here", FailureText("Busy Here", ""))
	assert.Equal(t, "Session Failed", FailureText("", ""))
}

func TestController_ProvisionalResponses(t *testing.T) {
	h := newHarness(t)
	c := h.outgoing("sip:bob@example.com")
	require.True(t, c.StartWithStreams(media.Audio))
	h.loop.Flush()
	s := h.engine.Last()

	c.HandleEvent(engine.Event{Kind: engine.EventGotProvisionalResponse, Session: s, Code: 180})
	c.HandleEvent(engine.Event{Kind: engine.EventGotProvisionalResponse, Session: s, Code: 183})
	c.HandleEvent(engine.Event{Kind: engine.EventGotProvisionalResponse, Session: s, Code: 181})

	assert.Equal(t, 1, h.rec.count(NotifyRingIndication))
	assert.Equal(t, 1, h.rec.count(NotifyEarlyMedia))
	assert.Equal(t, 2, h.rec.count(NotifyProvisionalResponse))
}

func TestController_IgnoresOtherSessions(t *testing.T) {
	h := newHarness(t)
	c, _ := h.established(t, media.Audio)
	other := enginetest.NewOutgoing("alice@example.com")

	c.HandleEvent(engine.Event{Kind: engine.EventDidEnd, Session: other})
	assert.Equal(t, StateConnected, c.State())
}

// incoming

func newIncoming(h *harness, remote string, proposed ...*media.Stream) (*Controller, *enginetest.Session) {
	s := enginetest.NewIncoming("alice@example.com", engine.Identity{DisplayName: "Bob", URI: remote}, proposed...)
	return NewIncoming(7, s, h.deps), s
}

func TestController_AcceptIncoming(t *testing.T) {
	h := newHarness(t)
	audio := &media.Stream{Type: media.Audio}
	chat := &media.Stream{Type: media.Chat}
	c, s := newIncoming(h, "sip:bob@example.com", audio, chat)

	assert.Equal(t, engine.Incoming, c.Direction())
	assert.Equal(t, []media.Type{media.Audio, media.Chat}, c.Accounting().Streams)

	require.Equal(t, OK, c.Accept([]*media.Stream{audio, chat}, false))
	assert.Equal(t, 1, s.Count("Accept"))
	assert.Equal(t, media.StatusIncoming, c.HandlerOfType(media.Audio).Status())
	assert.Equal(t, media.Chat, c.Handlers()[0].Type(), "chat is handled first")

	s.SetStreams(audio, chat)
	c.HandleEvent(engine.Event{Kind: engine.EventDidStart, Session: s, Streams: s.Streams()})
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, media.StatusConnected, c.HandlerOfType(media.Chat).Status())
}

func TestController_AcceptIncomingUnsupportedRejects(t *testing.T) {
	h := newHarness(t)
	h.deps.Factory = media.NewFactory(&config.Config{Chat: config.ChatConfig{Disabled: true}}, logging.NewNop())
	chat := &media.Stream{Type: media.Chat}
	c, s := newIncoming(h, "sip:bob@example.com", chat)

	assert.Equal(t, IllegalState, c.Accept([]*media.Stream{chat}, false))
	call, ok := s.Last("Reject")
	require.True(t, ok)
	assert.Equal(t, 500, call.Args[0])
	n, ok := h.rec.last(NotifyDidFail)
	require.True(t, ok)
	assert.Equal(t, 500, n.Code)
	assert.Equal(t, "Session already terminated", n.Reason)
}

func TestController_AnsweringMachineAccounting(t *testing.T) {
	h := newHarness(t)
	audio := &media.Stream{Type: media.Audio}
	c, _ := newIncoming(h, "sip:bob@example.com", audio)
	c.SetAnsweringMachineMode(true)

	require.Equal(t, OK, c.Accept([]*media.Stream{audio}, false))
	am, ok := c.HandlerOfType(media.Audio).(*media.AudioHandler)
	require.True(t, ok)
	assert.True(t, am.AnsweringMachine())
	assert.True(t, c.Accounting().AnsweringMachine)
}

func establishIncoming(t *testing.T, h *harness, remote string) (*Controller, *enginetest.Session) {
	t.Helper()
	audio := &media.Stream{Type: media.Audio}
	c, s := newIncoming(h, remote, audio)
	require.Equal(t, OK, c.Accept([]*media.Stream{audio}, false))
	s.SetStreams(audio)
	s.SetState(engine.StateConnected)
	c.HandleEvent(engine.Event{Kind: engine.EventDidStart, Session: s, Streams: s.Streams()})
	require.Equal(t, StateConnected, c.State())
	return c, s
}

func TestController_AutoAnswerContactStripsVideo(t *testing.T) {
	h := newHarness(t)
	h.deps.Contacts = contacts.NewDirectory([]config.Contact{
		{Name: "Bob", URIs: []string{"sip:bob@example.com"}, AutoAnswer: true},
	}, logging.NewNop())
	c, s := establishIncoming(t, h, "sip:bob@example.com")

	video := &media.Stream{Type: media.Video}
	chat := &media.Stream{Type: media.Chat}
	c.HandleEvent(engine.Event{Kind: engine.EventNewProposal, Session: s, Originator: engine.Remote, Streams: []*media.Stream{video, chat}})

	call, ok := s.Last("AcceptProposal")
	require.True(t, ok)
	assert.Equal(t, []*media.Stream{chat}, call.Args[0])
	assert.Nil(t, c.HandlerOfType(media.Video))
	assert.Equal(t, media.StatusConnecting, c.HandlerOfType(media.Chat).Status())
	assert.Equal(t, 0, h.rec.count(NotifyGotProposal))
}

func TestController_AutoAnswerContactVideoOnlyIsQueued(t *testing.T) {
	h := newHarness(t)
	h.deps.Contacts = contacts.NewDirectory([]config.Contact{
		{Name: "Bob", URIs: []string{"sip:bob@example.com"}, AutoAnswer: true},
	}, logging.NewNop())
	c, s := establishIncoming(t, h, "sip:bob@example.com")

	video := &media.Stream{Type: media.Video}
	c.HandleEvent(engine.Event{Kind: engine.EventNewProposal, Session: s, Originator: engine.Remote, Streams: []*media.Stream{video}})

	assert.Equal(t, 0, s.Count("AcceptProposal"))
	assert.Equal(t, 1, s.Count("SendRingIndication"))
	assert.Equal(t, 1, h.rec.count(NotifyGotProposal))
	assert.True(t, c.InProposal())

	h.cfg.Video.EnableWhenAutoAnswer = true
	c.HandleEvent(engine.Event{Kind: engine.EventNewProposal, Session: s, Originator: engine.Remote, Streams: []*media.Stream{video}})
	assert.Equal(t, 1, s.Count("AcceptProposal"))
}

func TestController_ProposalShortcuts(t *testing.T) {
	h := newHarness(t)
	c, s := establishIncoming(t, h, "sip:dave@example.net")

	chat := &media.Stream{Type: media.Chat}
	c.HandleEvent(engine.Event{Kind: engine.EventNewProposal, Session: s, Originator: engine.Remote, Streams: []*media.Stream{chat}})
	assert.Equal(t, 1, s.Count("AcceptProposal"), "chat during an audio call is accepted")

	h.deps.Factory = media.NewFactory(&config.Config{}, logging.NewNop())
	c2, s2 := establishIncoming(t, h, "sip:dave@example.net")
	video := &media.Stream{Type: media.Video}
	c2.HandleEvent(engine.Event{Kind: engine.EventNewProposal, Session: s2, Originator: engine.Remote, Streams: []*media.Stream{video}})
	call, ok := s2.Last("RejectProposal")
	require.True(t, ok, "video without a device is unsupported")
	assert.Equal(t, 488, call.Args[0])
}

func TestController_LocalProposalEventMarksInProposal(t *testing.T) {
	h := newHarness(t)
	c, s := h.established(t, media.Audio)
	c.HandleEvent(engine.Event{Kind: engine.EventNewProposal, Session: s, Originator: engine.Local})
	assert.True(t, c.InProposal())
	assert.False(t, c.CanPropose())

	c.HandleEvent(engine.Event{Kind: engine.EventDidChangeState, Session: s, State: engine.StateSendingProposal})
	assert.Equal(t, SubStateSendingProposal, c.SubState())
	c.HandleEvent(engine.Event{Kind: engine.EventDidChangeState, Session: s, State: engine.StateConnected})
	assert.Equal(t, SubStateNormal, c.SubState())
	assert.True(t, c.CanPropose())
}

func TestController_Transfer(t *testing.T) {
	h := newHarness(t)
	c, s := h.established(t, media.Audio)

	require.Equal(t, OK, c.Transfer("carol", nil))
	call, ok := s.Last("Transfer")
	require.True(t, ok)
	assert.Equal(t, "sip:carol@example.com", call.Args[0])

	other, otherSession := h.established(t, media.Audio)
	require.Equal(t, OK, c.Transfer("sips:dave@example.org", other))
	call, _ = s.Last("Transfer")
	assert.Equal(t, "sips:dave@example.org", call.Args[0])
	assert.Equal(t, otherSession, call.Args[1])
}

func TestController_IncomingTransferRequest(t *testing.T) {
	t.Run("auto transfer", func(t *testing.T) {
		h := newHarness(t)
		h.cfg.Accounts[0].Audio.AutoTransfer = true
		c, s := h.established(t, media.Audio)
		c.HandleEvent(engine.Event{Kind: engine.EventTransferNewIncoming, Session: s, TransferTarget: "sip:carol@example.com"})
		assert.Equal(t, 1, s.Count("AcceptTransfer"))
		assert.Equal(t, 1, h.rec.count(NotifyTransferNewIncoming))
	})
	t.Run("declined", func(t *testing.T) {
		h := newHarness(t)
		c, s := h.established(t, media.Audio)
		c.HandleEvent(engine.Event{Kind: engine.EventTransferNewIncoming, Session: s, TransferTarget: "sip:carol@example.com"})
		assert.Equal(t, 0, s.Count("AcceptTransfer"))
		assert.Equal(t, 1, s.Count("RejectTransfer"))
	})
	t.Run("confirmed", func(t *testing.T) {
		h := newHarness(t)
		h.deps.Prompter = StaticPrompter{AcceptTransfers: true}
		c, s := h.established(t, media.Audio)
		c.HandleEvent(engine.Event{Kind: engine.EventTransferNewIncoming, Session: s, TransferTarget: "sip:carol@example.com"})
		assert.Equal(t, 1, s.Count("AcceptTransfer"))
	})
}

func TestNewFromTransfer(t *testing.T) {
	h := newHarness(t)
	s := enginetest.NewOutgoing("alice@example.com")
	s.SetRemote(engine.Identity{URI: "sip:carol@example.com"})
	s.SetProposed(&media.Stream{Type: media.Audio})

	c := NewFromTransfer(9, s, h.deps)
	require.Len(t, c.Handlers(), 1)
	assert.Equal(t, media.StatusWaitingDNSLookup, c.HandlerOfType(media.Audio).Status())
	assert.Equal(t, engine.Outgoing, c.Direction())
	assert.Equal(t, "sip:carol@example.com", c.Target())
}

func TestController_Snapshot(t *testing.T) {
	h := newHarness(t)
	c, _ := h.established(t, media.Audio)
	snap := c.Snapshot()
	assert.Equal(t, uint64(1), snap.ID)
	assert.Equal(t, StateConnected, snap.State)
	require.Len(t, snap.Streams, 1)
	assert.Equal(t, media.StatusConnected, snap.Streams[0].Status)
	assert.NotNil(t, snap.StartTime)
	assert.Equal(t, "bob@example.com", snap.RemoteParty)
}

func TestController_RemoteParty(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "bob@example.com", h.outgoing("sip:bob@example.com").RemoteParty())
	assert.Equal(t, "bob@example.com", h.outgoing("sips:bob@example.com").RemoteParty())

	named := NewOutgoing(2, h.cfg.Accounts[0], "sip:bob@example.com", "Bob", h.deps)
	assert.Equal(t, "Bob", named.RemoteParty())
}
