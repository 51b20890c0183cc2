// Package task provides the cooperative execution model for long filter
// operations: a cancellation token checked at a fixed cadence inside bulk
// loops, a worker runner, and a completion queue drained by the UI thread.
// Workers never touch GUI-owned state; they enqueue a completion callback
// that the single-threaded UI side executes.
package task

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCancelled is returned by bulk operations that observed a cancellation
// request and stopped before completing. Partial work is discarded, never
// partially committed.
var ErrCancelled = errors.New("task: operation cancelled")

// CancelCheckInterval is how many processed items a bulk loop handles
// between cancellation checks.
const CancelCheckInterval = 64

// CancelToken signals cooperative cancellation. Bulk operations call
// ShouldStop every CancelCheckInterval items and exit early without
// committing partial work.
type CancelToken struct {
	cancelled atomic.Bool
}

// NewCancelToken returns an active (not cancelled) token.
func NewCancelToken() *CancelToken { return &CancelToken{} }

// Cancel requests cancellation. Safe to call from any goroutine, repeatedly.
func (t *CancelToken) Cancel() { t.cancelled.Store(true) }

// Cancelled reports whether cancellation was requested.
func (t *CancelToken) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

// ShouldStop is the cadence helper: true when the token is cancelled and the
// item counter has reached a check boundary.
func (t *CancelToken) ShouldStop(processed int) bool {
	if t == nil {
		return false
	}
	return processed%CancelCheckInterval == 0 && t.cancelled.Load()
}

// Completion is a callback to run on the UI thread after a worker finishes.
type Completion func()

// CompletionQueue accumulates completion callbacks for the UI thread to
// drain. Workers enqueue; the UI side polls or drains.
type CompletionQueue struct {
	mu      sync.Mutex
	queue   []Completion
	waiters []chan struct{}
}

// NewCompletionQueue returns an empty queue.
func NewCompletionQueue() *CompletionQueue {
	return &CompletionQueue{}
}

// Enqueue adds a completion and wakes any waiters.
func (q *CompletionQueue) Enqueue(c Completion) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append(q.queue, c)
	for _, ch := range q.waiters {
		select {
		case ch <- struct{}{}:
		default:
			// Waiter already notified.
		}
	}
}

// Drain returns all pending completions and clears the queue. The caller
// (the UI thread) runs them in order.
func (q *CompletionQueue) Drain() []Completion {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil
	}
	out := q.queue
	q.queue = nil
	return out
}

// Poll drains pending completions, waiting up to wait for one to arrive when
// the queue is empty. wait == 0 returns immediately.
func (q *CompletionQueue) Poll(wait time.Duration) []Completion {
	if out := q.Drain(); len(out) > 0 || wait == 0 {
		return out
	}

	ch := make(chan struct{}, 1)
	q.mu.Lock()
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
	case <-time.After(wait):
	}

	q.mu.Lock()
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	return q.Drain()
}

// Handle tracks one submitted operation.
type Handle struct {
	token *CancelToken
	done  chan struct{}
}

// Cancel requests cancellation of the operation.
func (h *Handle) Cancel() { h.token.Cancel() }

// Token returns the operation's cancellation token.
func (h *Handle) Token() *CancelToken { return h.token }

// Wait blocks until the operation's worker finished (including enqueueing
// its completion).
func (h *Handle) Wait() { <-h.done }

// Runner executes operations on worker goroutines and serializes per-key
// submissions: a new operation on a key already in flight is rejected, since
// a layer's subset expression is a single shared mutable field with no
// native locking.
type Runner struct {
	completions *CompletionQueue

	mu       sync.Mutex
	inFlight map[string]*Handle
}

// NewRunner returns a runner delivering completions to the given queue.
func NewRunner(completions *CompletionQueue) *Runner {
	return &Runner{
		completions: completions,
		inFlight:    make(map[string]*Handle),
	}
}

// Submit runs work on a worker goroutine. key identifies the exclusive
// resource (layer id); a second submission while the first is in flight
// returns (nil, false). The worker receives a cancellation token; its
// returned completion (if non-nil) is enqueued for the UI thread.
func (r *Runner) Submit(key string, work func(token *CancelToken) Completion) (*Handle, bool) {
	r.mu.Lock()
	if _, busy := r.inFlight[key]; busy {
		r.mu.Unlock()
		return nil, false
	}
	h := &Handle{token: NewCancelToken(), done: make(chan struct{})}
	r.inFlight[key] = h
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.inFlight, key)
			r.mu.Unlock()
			close(h.done)
		}()
		if completion := work(h.token); completion != nil {
			r.completions.Enqueue(completion)
		}
	}()
	return h, true
}

// InFlight reports whether an operation holds the key.
func (r *Runner) InFlight(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.inFlight[key]
	return busy
}
