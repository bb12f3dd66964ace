// Package loop provides the single execution context that owns all session
// state. Work is posted as closures and run serially; timers fire on the same
// goroutine; blocking work runs in a worker pool and marshals its result back.
package loop

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/panjf2000/ants/v2"

	"github.com/zurustar/callcore/internal/logging"
)

// ErrClosed is returned when work is submitted after Close.
var ErrClosed = errors.New("loop closed")

// TimerID identifies a scheduled timer. The zero value is never issued.
type TimerID uint64

// DefaultResolution is how often Run checks for due timers.
const DefaultResolution = 50 * time.Millisecond

// Loop serializes tasks and timers onto one goroutine.
type Loop struct {
	clock      clockwork.Clock
	pool       *ants.Pool
	logger     logging.Logger
	resolution time.Duration

	mu     sync.Mutex
	tasks  []func()
	timers timerHeap
	byID   map[TimerID]*timer
	nextID TimerID
	closed bool

	notify   chan struct{}
	inflight sync.WaitGroup
}

type timer struct {
	id     TimerID
	when   time.Time
	period time.Duration
	fn     func()
	index  int
}

// New creates a loop whose background work runs on at most workers goroutines.
func New(clock clockwork.Clock, workers int, logger logging.Logger) (*Loop, error) {
	if workers < 1 {
		workers = 1
	}

	l := &Loop{
		clock:      clock,
		logger:     logger,
		resolution: DefaultResolution,
		byID:       make(map[TimerID]*timer),
		notify:     make(chan struct{}, 1),
	}

	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(p interface{}) {
		logger.Error("Background task panicked", logging.Field{Key: "panic", Value: p})
	}))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create worker pool")
	}
	l.pool = pool

	return l, nil
}

// Now returns the loop clock's current time.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Clock exposes the clock driving the loop.
func (l *Loop) Clock() clockwork.Clock {
	return l.clock
}

// Post queues fn to run on the loop. It is safe to call from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.wake()
}

// Call runs fn on the loop and waits for it to finish. It must not be called
// from the loop itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.tasks = append(l.tasks, func() {
		defer close(done)
		fn()
	})
	l.mu.Unlock()
	l.wake()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "loop call abandoned")
	}
}

// AfterFunc runs fn on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) TimerID {
	return l.schedule(d, 0, fn)
}

// Every runs fn on the loop every period, first after one period.
func (l *Loop) Every(period time.Duration, fn func()) TimerID {
	if period <= 0 {
		period = time.Second
	}
	return l.schedule(period, period, fn)
}

func (l *Loop) schedule(d, period time.Duration, fn func()) TimerID {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	t := &timer{
		id:     l.nextID,
		when:   l.clock.Now().Add(d),
		period: period,
		fn:     fn,
	}
	heap.Push(&l.timers, t)
	l.byID[t.id] = t
	l.wake()
	return t.id
}

// Cancel stops a timer. It reports whether the timer was still pending.
func (l *Loop) Cancel(id TimerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.byID[id]
	if !ok {
		return false
	}
	delete(l.byID, id)
	heap.Remove(&l.timers, t.index)
	return true
}

// Pending reports whether the timer is still scheduled.
func (l *Loop) Pending(id TimerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.byID[id]
	return ok
}

// Go runs work in the worker pool. The function it returns, if any, is posted
// back to the loop, which is the only place results may touch shared state.
func (l *Loop) Go(work func() func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.inflight.Add(1)
	l.mu.Unlock()

	err := l.pool.Submit(func() {
		defer l.inflight.Done()
		if next := work(); next != nil {
			l.Post(next)
		}
	})
	if err != nil {
		l.inflight.Done()
		return errors.Wrap(err, "failed to submit background task")
	}
	return nil
}

// Run drives the loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := l.clock.NewTicker(l.resolution)
	defer ticker.Stop()

	l.logger.Info("Session loop started")
	for {
		l.runOnce()
		select {
		case <-ctx.Done():
			l.logger.Info("Session loop stopped")
			return nil
		case <-l.notify:
		case <-ticker.Chan():
		}
	}
}

// Flush waits for background work and runs every pending task and due timer
// until nothing is left. It must not be called concurrently with Run.
func (l *Loop) Flush() {
	for {
		l.inflight.Wait()
		if !l.runOnce() {
			return
		}
	}
}

// Close stops accepting work and releases the worker pool after in-flight
// work has finished.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	l.inflight.Wait()
	l.pool.Release()
}

// runOnce runs queued tasks and due timers. It reports whether anything ran.
func (l *Loop) runOnce() bool {
	ran := l.drainTasks()

	for {
		fn := l.popDue()
		if fn == nil {
			break
		}
		ran = true
		l.safeCall(fn)
		// timers may post follow-up tasks
		l.drainTasks()
	}
	return ran
}

func (l *Loop) drainTasks() bool {
	ran := false
	for {
		l.mu.Lock()
		tasks := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		if len(tasks) == 0 {
			return ran
		}
		ran = true
		for _, fn := range tasks {
			l.safeCall(fn)
		}
	}
}

func (l *Loop) popDue() func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.timers) == 0 {
		return nil
	}
	t := l.timers[0]
	if t.when.After(l.clock.Now()) {
		return nil
	}

	if t.period > 0 {
		t.when = t.when.Add(t.period)
		heap.Fix(&l.timers, 0)
	} else {
		heap.Pop(&l.timers)
		delete(l.byID, t.id)
	}
	return t.fn
}

func (l *Loop) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Loop task panicked", logging.Field{Key: "panic", Value: r})
		}
	}()
	fn()
}

func (l *Loop) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].id < h[j].id
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
