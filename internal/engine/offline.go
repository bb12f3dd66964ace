package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zurustar/callcore/internal/media"
	"github.com/zurustar/callcore/internal/routing"
)

// Offline failure sent for every connect attempt.
const (
	OfflineCode   = 480
	OfflineReason = "Temporarily Unavailable"
)

// Offline is an engine with no signaling stack behind it. It never reports
// incoming sessions and fails every outgoing one, so the core can run and be
// operated while no engine is attached.
type Offline struct {
	mu   sync.Mutex
	sink Sink
}

// NewOffline creates a detached engine.
func NewOffline() *Offline {
	return &Offline{}
}

func (o *Offline) Subscribe(sink Sink) {
	o.mu.Lock()
	o.sink = sink
	o.mu.Unlock()
}

func (o *Offline) NewSession(account string) Session {
	return &offlineSession{engine: o, account: account, callID: uuid.NewString()}
}

func (o *Offline) emit(ev Event) {
	o.mu.Lock()
	sink := o.sink
	o.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

type offlineSession struct {
	engine  *Offline
	account string
	callID  string

	mu     sync.Mutex
	state  State
	remote Identity
}

func (s *offlineSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *offlineSession) RemoteIdentity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *offlineSession) Direction() Direction             { return Outgoing }
func (s *offlineSession) Account() string                  { return s.account }
func (s *offlineSession) Streams() []*media.Stream         { return nil }
func (s *offlineSession) ProposedStreams() []*media.Stream { return nil }
func (s *offlineSession) RemoteFocus() bool                { return false }
func (s *offlineSession) CallID() string                   { return s.callID }
func (s *offlineSession) FromTag() string                  { return "" }
func (s *offlineSession) ToTag() string                    { return "" }

// Connect takes the attempt and reports it failed through the sink.
func (s *offlineSession) Connect(target string, routes []routing.Route, streams []*media.Stream) error {
	s.mu.Lock()
	if s.state != StateNull {
		s.mu.Unlock()
		return ErrIllegalState
	}
	s.state = StateTerminated
	s.remote = Identity{URI: target}
	s.mu.Unlock()

	s.engine.emit(Event{
		Kind:          EventDidFail,
		Session:       s,
		Timestamp:     time.Now(),
		Originator:    Local,
		Code:          OfflineCode,
		Reason:        OfflineReason,
		FailureReason: "signaling engine offline",
	})
	return nil
}

func (s *offlineSession) Accept([]*media.Stream) error         { return ErrIllegalDirection }
func (s *offlineSession) Reject(int, string) error             { return ErrIllegalDirection }
func (s *offlineSession) End() error                           { return ErrIllegalState }
func (s *offlineSession) AddStreams([]*media.Stream) error     { return ErrIllegalState }
func (s *offlineSession) RemoveStream(*media.Stream) error     { return ErrIllegalState }
func (s *offlineSession) AcceptProposal([]*media.Stream) error { return ErrIllegalState }
func (s *offlineSession) RejectProposal(int, string) error     { return ErrIllegalState }
func (s *offlineSession) CancelProposal() error                { return ErrIllegalState }
func (s *offlineSession) Transfer(string, Session) error       { return ErrIllegalState }
func (s *offlineSession) AcceptTransfer() error                { return ErrIllegalState }
func (s *offlineSession) RejectTransfer(int, string) error     { return ErrIllegalState }
func (s *offlineSession) SendRingIndication() error            { return ErrIllegalDirection }
func (s *offlineSession) AddParticipant(string) error          { return ErrIllegalState }
func (s *offlineSession) RemoveParticipant(string) error       { return ErrIllegalState }

var (
	_ Engine  = (*Offline)(nil)
	_ Session = (*offlineSession)(nil)
)
