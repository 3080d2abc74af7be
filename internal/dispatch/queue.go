// Package dispatch runs closures posted from arbitrary goroutines on one
// designated dispatch goroutine.
//
// Native store callbacks arrive on whatever goroutine the connector happens to
// use. Everything above the connector (catalog, ledger, engine, application
// listener) is single-threaded and must only be touched from the dispatch
// goroutine. Post hands work to that goroutine; Run and Drain execute it.
//
// Thread-safety model:
//   - Post(): safe from any goroutine
//   - Run() / Drain(): must be called from exactly one goroutine
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Queue is a thread-safe FIFO of closures.
//
// The queue is unbounded so connector goroutines never block on a slow
// application callback. A buffered signal channel (size 1) coalesces wakeups
// for context-aware waiting in Run.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	signal  chan struct{}

	// onPanic is called after a recovered panic. Used for metrics.
	onPanic func(recovered any)
}

// Option configures a Queue.
type Option func(*Queue)

// WithPanicHook registers a callback invoked after a closure panics.
func WithPanicHook(fn func(recovered any)) Option {
	return func(q *Queue) {
		q.onPanic = fn
	}
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		pending: make([]func(), 0, 16),
		signal:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Post appends fn to the back of the queue.
// Returns false if the queue is closed or fn is nil.
func (q *Queue) Post(fn func()) bool {
	if fn == nil {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.pending = append(q.pending, fn)

	// Non-blocking; the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// Drain executes every closure posted so far, in post order, and returns how
// many ran.
//
// The pending batch is swapped out under the lock and executed after the lock
// is released, so closures may Post further work (it runs on the next Drain).
func (q *Queue) Drain() int {
	q.mu.Lock()
	batch := q.pending
	q.pending = make([]func(), 0, cap(batch))
	q.mu.Unlock()

	for i, fn := range batch {
		q.run(fn)
		// Release the closure for GC.
		batch[i] = nil
	}
	return len(batch)
}

// Run drains the queue each time work is signaled until ctx is cancelled or
// the queue is closed. Work posted before Close is drained before Run returns.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-q.signal:
			q.Drain()
			if !ok {
				return nil
			}
		}
	}
}

// Len returns the number of closures waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting work and wakes Run.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// run executes fn, recovering from panics so one bad callback cannot stop
// the dispatch loop.
func (q *Queue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatched callback panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			if q.onPanic != nil {
				q.onPanic(r)
			}
		}
	}()
	fn()
}
