// Package dispatch provides the single execution context that owns all
// session orchestration state. Work is posted to a Loop as closures and runs
// one at a time, in posting order, on the loop's goroutine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/ecg.report/internal/monitoring"
)

// ErrClosed is returned when work is submitted to a closed Loop.
var ErrClosed = errors.New("dispatch loop closed")

var logf = monitoring.Component("dispatch")

// Executor accepts work to run on a single serialized context. Post reports
// false when the work was rejected because the executor has shut down.
type Executor interface {
	Post(fn func()) bool
}

// Runner is an Executor that can also run work and wait for it to finish.
type Runner interface {
	Executor
	Do(ctx context.Context, fn func()) error
}

// Loop runs posted closures serially on one goroutine. Posting never blocks,
// including from inside a closure running on the loop, so callbacks may
// schedule follow-up work freely.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	closed  bool
	stopped chan struct{}

	// slowThreshold is the run time above which a closure is logged.
	slowThreshold time.Duration
}

// NewLoop starts a Loop.
func NewLoop() *Loop {
	l := &Loop{
		wake:          make(chan struct{}, 1),
		stopped:       make(chan struct{}),
		slowThreshold: 250 * time.Millisecond,
	}
	go l.run()
	return l
}

// Post queues fn to run on the loop.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to return. It must not be called
// from a closure already running on the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync waits until every closure posted before the call has run.
func (l *Loop) Sync(ctx context.Context) error {
	return l.Do(ctx, func() {})
}

// Close stops accepting work, runs whatever is already queued and waits
// for the loop goroutine to exit. Close is idempotent.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	l.mu.Unlock()
	<-l.stopped
}

func (l *Loop) run() {
	defer close(l.stopped)
	for range l.wake {
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				closed := l.closed
				l.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			l.execute(fn)
		}
	}
}

func (l *Loop) execute(fn func()) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logf("recovered panic in posted work: %v", r)
		}
		if d := time.Since(start); d > l.slowThreshold {
			logf("posted work took %v", d)
		}
	}()
	fn()
}

// Inline is an Executor that runs work immediately on the caller's
// goroutine. It is useful when the caller already provides serialization,
// and in tests driven by a mock clock.
type Inline struct{}

// Post runs fn immediately.
func (Inline) Post(fn func()) bool {
	fn()
	return true
}

// Do runs fn immediately.
func (Inline) Do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("inline dispatch: %w", err)
	}
	fn()
	return nil
}
