package enginetest

import (
	"sync"

	"github.com/zurustar/callcore/internal/engine"
)

// Engine hands out fake outgoing sessions and delivers scripted events.
type Engine struct {
	mu       sync.Mutex
	sink     engine.Sink
	sessions []*Session
}

// NewEngine creates an empty fake engine.
func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) NewSession(account string) engine.Session {
	s := NewOutgoing(account)
	e.mu.Lock()
	e.sessions = append(e.sessions, s)
	e.mu.Unlock()
	return s
}

func (e *Engine) Subscribe(sink engine.Sink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

// Sessions returns the outgoing sessions created so far.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Session(nil), e.sessions...)
}

// Last returns the most recently created outgoing session.
func (e *Engine) Last() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

// Emit delivers ev to the subscriber.
func (e *Engine) Emit(ev engine.Event) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

var _ engine.Engine = (*Engine)(nil)
