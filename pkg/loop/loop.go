// Package loop provides the single-threaded event loop the client runs on.
//
// All state owned by the connection handlers, the reconciliation engine and
// the call machine is touched only from inside functions executed by a
// [Scheduler]. Work that blocks (network round-trips, media operations) runs
// in its own goroutine and posts its completion back with [Scheduler.Post].
// Within one posted function no other function runs, so ordering between
// handlers is the order in which they were posted.
package loop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quillnote/quillsync/pkg/logger"
)

// ErrClosed is returned by Call once the loop has stopped.
var ErrClosed = errors.New("loop is closed")

// Timer is a cancellable handle for a scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. When called from the loop it
	// is guaranteed that the callback does not run afterwards, even if the
	// underlying timer already fired. It reports whether the timer was active.
	Stop() bool
}

// Scheduler is the surface components use to run work on the loop.
type Scheduler interface {
	// Post queues fn. It is safe to call from any goroutine.
	Post(fn func())

	// AfterFunc runs fn on the loop once, after d.
	AfterFunc(d time.Duration, fn func()) Timer

	// Every runs fn on the loop every d until stopped.
	Every(d time.Duration, fn func()) Timer

	// Now returns the loop clock.
	Now() time.Time
}

// Loop is a goroutine-backed Scheduler.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool

	once   sync.Once
	logger logger.Logger
}

var _ Scheduler = (*Loop)(nil)

func New(log logger.Logger) *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger.OrNop(log),
	}
}

// Run processes posted work until ctx is done or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case <-l.done:
			return nil
		case <-l.wake:
		}

		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			l.run(fn)
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop.Loop recovered from a panicking handler", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call runs fn on the loop and waits for it to return.
// It must not be called from the loop itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	doneCh := make(chan struct{})

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	l.Post(func() {
		defer close(doneCh)
		fn()
	})

	select {
	case <-doneCh:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop. Queued work that has not started is discarded.
func (l *Loop) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	})
}

func (l *Loop) Now() time.Time {
	return time.Now()
}

type loopTimer struct {
	stopped atomic.Bool
	timer   *time.Timer
	stopCh  chan struct{}
}

func (t *loopTimer) Stop() bool {
	wasActive := !t.stopped.Swap(true)
	if t.timer != nil {
		t.timer.Stop()
	}
	if wasActive && t.stopCh != nil {
		close(t.stopCh)
	}
	return wasActive
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.Swap(true) {
				return
			}
			fn()
		})
	})
	return t
}

func (l *Loop) Every(d time.Duration, fn func()) Timer {
	t := &loopTimer{stopCh: make(chan struct{})}
	ticker := time.NewTicker(d)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				return
			case <-l.done:
				return
			case <-ticker.C:
				l.Post(func() {
					if t.stopped.Load() {
						return
					}
					fn()
				})
			}
		}
	}()

	return t
}
