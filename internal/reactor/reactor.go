// Package reactor implements the MME's single-threaded cooperative event
// loop (spec.md §4.1, §5). Every FSM transition and registry mutation runs
// serialized on the loop goroutine; nothing else may touch MME state
// directly, which is why every I/O-bound helper (admin HTTP, Cmd UDP, S6a
// worker) is required to hand its completion back in through Post.
package reactor

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimerHandle cancels a previously armed timer.
type TimerHandle uint64

type timerEntry struct {
	at       time.Time
	handle   TimerHandle
	callback func()
	index    int
	canceled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Reactor is the event loop. The posted-work queue is drained each tick
// and timers are checked against a min-heap; read callbacks registered
// with RegisterRead are stored but never called by Run.
type Reactor struct {
	logger *zap.Logger

	mu       sync.Mutex
	posted   []func()
	wake     chan struct{}

	timers   timerHeap
	timerSeq TimerHandle

	readers map[int]func()

	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Reactor. Call Run to start it on the calling goroutine.
func New(logger *zap.Logger) *Reactor {
	return &Reactor{
		logger:  logger,
		wake:    make(chan struct{}, 1),
		readers: make(map[int]func()),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Post enqueues fn to run on the reactor goroutine. Safe to call from any
// goroutine; this is the only sanctioned way for the admin server, the Cmd
// socket, or an S6a worker thread to touch reactor-owned state.
func (r *Reactor) Post(fn func()) {
	r.mu.Lock()
	r.posted = append(r.posted, fn)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// ArmTimer schedules callback to run after d, returning a handle usable
// with CancelTimer. Must be called from the reactor goroutine.
func (r *Reactor) ArmTimer(d time.Duration, callback func()) TimerHandle {
	r.timerSeq++
	h := r.timerSeq
	heap.Push(&r.timers, &timerEntry{at: time.Now().Add(d), handle: h, callback: callback})
	return h
}

// Done returns a channel closed once Run has returned, so transport
// goroutines (S1 accept loop, S11 read loop) can tell a shutdown in
// progress apart from a transient accept/read error.
func (r *Reactor) Done() <-chan struct{} {
	return r.doneCh
}

// CancelTimer cancels a previously armed timer; a no-op if it already fired.
func (r *Reactor) CancelTimer(h TimerHandle) {
	for _, e := range r.timers {
		if e.handle == h {
			e.canceled = true
			return
		}
	}
}

// RegisterRead records callback for fd. Run does not poll fds and never
// invokes these callbacks; transports deliver readiness through Post
// instead (see Run).
func (r *Reactor) RegisterRead(fd int, callback func()) {
	r.readers[fd] = callback
}

// DeregisterRead removes a previously registered fd.
func (r *Reactor) DeregisterRead(fd int) {
	delete(r.readers, fd)
}

// Run drives the loop until Stop is called. In this Go port, fd readiness
// is delivered by each transport's own goroutine calling Post with the
// decoded event, rather than by a raw poll(2) loop over RegisterRead -
// RegisterRead/DeregisterRead are kept for components (tests, simulated
// transports) that want a uniform fd-readable callback shape.
func (r *Reactor) Run() {
	defer close(r.doneCh)
	for {
		next := r.nextTimerDelay()
		var timerC <-chan time.Time
		if next != nil {
			t := time.NewTimer(*next)
			timerC = t.C
			defer t.Stop()
		}

		select {
		case <-r.stopCh:
			r.drain()
			return
		case <-r.wake:
			r.drain()
		case <-timerC:
			r.fireDueTimers()
		}
	}
}

func (r *Reactor) nextTimerDelay() *time.Duration {
	for r.timers.Len() > 0 && r.timers[0].canceled {
		heap.Pop(&r.timers)
	}
	if r.timers.Len() == 0 {
		return nil
	}
	d := time.Until(r.timers[0].at)
	if d < 0 {
		d = 0
	}
	return &d
}

func (r *Reactor) fireDueTimers() {
	now := time.Now()
	for r.timers.Len() > 0 {
		top := r.timers[0]
		if top.canceled {
			heap.Pop(&r.timers)
			continue
		}
		if top.at.After(now) {
			break
		}
		heap.Pop(&r.timers)
		top.callback()
	}
}

func (r *Reactor) drain() {
	r.mu.Lock()
	work := r.posted
	r.posted = nil
	r.mu.Unlock()
	for _, fn := range work {
		fn()
	}
	r.fireDueTimers()
}

// Stop requests loop exit, draining posted work for up to grace before
// returning regardless (spec.md §4.1).
func (r *Reactor) Stop(grace time.Duration) {
	close(r.stopCh)
	select {
	case <-r.doneCh:
	case <-time.After(grace):
		r.logger.Warn("reactor shutdown grace period elapsed, forcing exit")
	}
}
