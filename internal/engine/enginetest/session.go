// Package enginetest provides an in-memory engine that records the commands
// issued by the session core.
package enginetest

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zurustar/callcore/internal/engine"
	"github.com/zurustar/callcore/internal/media"
	"github.com/zurustar/callcore/internal/routing"
)

// Call is one recorded command.
type Call struct {
	Method string
	Args   []interface{}
}

var serial atomic.Int64

// Session is a scriptable engine.Session.
type Session struct {
	mu        sync.Mutex
	state     engine.State
	direction engine.Direction
	remote    engine.Identity
	account   string
	streams   []*media.Stream
	proposed  []*media.Stream
	focus     bool
	callID    string
	fromTag   string
	toTag     string

	calls []Call
	errs  map[string]error
}

func newSession(direction engine.Direction, account string) *Session {
	n := serial.Add(1)
	return &Session{
		direction: direction,
		account:   account,
		callID:    fmt.Sprintf("call-%d@test", n),
		fromTag:   fmt.Sprintf("from-%d", n),
		toTag:     fmt.Sprintf("to-%d", n),
		errs:      make(map[string]error),
	}
}

// NewIncoming returns a session in the incoming state offering proposed.
func NewIncoming(account string, remote engine.Identity, proposed ...*media.Stream) *Session {
	s := newSession(engine.Incoming, account)
	s.state = engine.StateIncoming
	s.remote = remote
	s.proposed = proposed
	return s
}

// NewOutgoing returns an idle outgoing session.
func NewOutgoing(account string) *Session {
	return newSession(engine.Outgoing, account)
}

func (s *Session) State() engine.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Direction() engine.Direction { return s.direction }
func (s *Session) Account() string             { return s.account }
func (s *Session) CallID() string              { return s.callID }
func (s *Session) FromTag() string             { return s.fromTag }
func (s *Session) ToTag() string               { return s.toTag }

func (s *Session) RemoteIdentity() engine.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Session) Streams() []*media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams
}

func (s *Session) ProposedStreams() []*media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proposed
}

func (s *Session) RemoteFocus() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focus
}

// SetState forces the engine state.
func (s *Session) SetState(state engine.State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// SetStreams sets the established streams.
func (s *Session) SetStreams(streams ...*media.Stream) {
	s.mu.Lock()
	s.streams = streams
	s.mu.Unlock()
}

// SetProposed sets the proposed streams.
func (s *Session) SetProposed(streams ...*media.Stream) {
	s.mu.Lock()
	s.proposed = streams
	s.mu.Unlock()
}

// SetRemoteFocus marks the remote party as a conference focus.
func (s *Session) SetRemoteFocus(focus bool) {
	s.mu.Lock()
	s.focus = focus
	s.mu.Unlock()
}

// SetRemote changes the remote identity.
func (s *Session) SetRemote(remote engine.Identity) {
	s.mu.Lock()
	s.remote = remote
	s.mu.Unlock()
}

// FailWith makes every later call to method return err. A nil err clears it.
func (s *Session) FailWith(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, method)
		return
	}
	s.errs[method] = err
}

// Calls returns the recorded commands in order.
func (s *Session) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Methods returns the names of the recorded commands in order.
func (s *Session) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		names = append(names, c.Method)
	}
	return names
}

// Count returns how often method was called.
func (s *Session) Count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Last returns the most recent call to method.
func (s *Session) Last(method string) (Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.calls) - 1; i >= 0; i-- {
		if s.calls[i].Method == method {
			return s.calls[i], true
		}
	}
	return Call{}, false
}

// record logs the call and applies next unless an error is injected.
func (s *Session) record(method string, next engine.State, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: method, Args: args})
	if err := s.errs[method]; err != nil {
		return err
	}
	if next != engine.StateNull {
		s.state = next
	}
	return nil
}

func (s *Session) Connect(target string, routes []routing.Route, streams []*media.Stream) error {
	if err := s.record("Connect", engine.StateConnecting, target, routes, streams); err != nil {
		return err
	}
	s.mu.Lock()
	s.proposed = streams
	s.mu.Unlock()
	return nil
}

func (s *Session) Accept(streams []*media.Stream) error {
	return s.record("Accept", engine.StateAccepting, streams)
}

func (s *Session) Reject(code int, reason string) error {
	return s.record("Reject", engine.StateTerminating, code, reason)
}

func (s *Session) End() error {
	return s.record("End", engine.StateTerminating)
}

func (s *Session) AddStreams(streams []*media.Stream) error {
	if err := s.record("AddStreams", engine.StateSendingProposal, streams); err != nil {
		return err
	}
	s.mu.Lock()
	s.proposed = streams
	s.mu.Unlock()
	return nil
}

func (s *Session) RemoveStream(stream *media.Stream) error {
	return s.record("RemoveStream", engine.StateSendingProposal, stream)
}

func (s *Session) AcceptProposal(streams []*media.Stream) error {
	return s.record("AcceptProposal", engine.StateAcceptingProposal, streams)
}

func (s *Session) RejectProposal(code int, reason string) error {
	return s.record("RejectProposal", engine.StateRejectingProposal, code, reason)
}

func (s *Session) CancelProposal() error {
	return s.record("CancelProposal", engine.StateCancellingProposal)
}

func (s *Session) Transfer(target string, replaced engine.Session) error {
	return s.record("Transfer", engine.StateNull, target, replaced)
}

func (s *Session) AcceptTransfer() error {
	return s.record("AcceptTransfer", engine.StateNull)
}

func (s *Session) RejectTransfer(code int, reason string) error {
	return s.record("RejectTransfer", engine.StateNull, code, reason)
}

func (s *Session) SendRingIndication() error {
	return s.record("SendRingIndication", engine.StateNull)
}

func (s *Session) AddParticipant(uri string) error {
	return s.record("AddParticipant", engine.StateNull, uri)
}

func (s *Session) RemoveParticipant(uri string) error {
	return s.record("RemoveParticipant", engine.StateNull, uri)
}

var _ engine.Session = (*Session)(nil)
