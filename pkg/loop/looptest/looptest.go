// Package looptest provides a manually driven loop.Scheduler with a fake clock.
//
// The goroutine calling Drain or Advance plays the role of the loop. Post is
// safe from any goroutine, so background work started by the code under test
// can post its completion and the test picks it up on the next Drain.
package looptest

import (
	"sort"
	"sync"
	"time"

	"github.com/quillnote/quillsync/pkg/loop"
)

// Epoch is the fake clock's starting time.
var Epoch = time.Date(2026, time.January, 1, 9, 0, 0, 0, time.UTC)

type Scheduler struct {
	mu     sync.Mutex
	now    time.Time
	queue  []func()
	timers []*fakeTimer
	seq    int
}

var _ loop.Scheduler = (*Scheduler)(nil)

func New() *Scheduler {
	return &Scheduler{now: Epoch}
}

type fakeTimer struct {
	s      *Scheduler
	seq    int
	when   time.Time
	period time.Duration
	fn     func()

	cancelled bool
	done      bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	wasActive := !t.cancelled && !t.done
	t.cancelled = true
	t.s.removeLocked(t)
	return wasActive
}

func (s *Scheduler) removeLocked(t *fakeTimer) {
	for i, other := range s.timers {
		if other == t {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) Post(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, fn)
}

func (s *Scheduler) AfterFunc(d time.Duration, fn func()) loop.Timer {
	return s.addTimer(d, 0, fn)
}

func (s *Scheduler) Every(d time.Duration, fn func()) loop.Timer {
	return s.addTimer(d, d, fn)
}

func (s *Scheduler) addTimer(d, period time.Duration, fn func()) *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	t := &fakeTimer{s: s, seq: s.seq, when: s.now.Add(d), period: period, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Drain runs queued work, including work queued while draining, and returns
// how many functions ran.
func (s *Scheduler) Drain() int {
	n := 0
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return n
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		fn()
		n++
	}
}

// Advance moves the clock forward by d, firing due timers in time order and
// draining after each one.
func (s *Scheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	s.Drain()
	for {
		s.mu.Lock()
		t := s.nextDueLocked(target)
		if t == nil {
			s.now = target
			s.mu.Unlock()
			break
		}
		s.now = t.when
		if t.period > 0 {
			t.when = t.when.Add(t.period)
		} else {
			s.removeLocked(t)
		}
		s.queue = append(s.queue, s.guard(t))
		s.mu.Unlock()

		s.Drain()
	}
	s.Drain()
}

// guard re-checks the timer when the callback runs, so a timer stopped by
// earlier work in the same drain does not fire.
func (s *Scheduler) guard(t *fakeTimer) func() {
	return func() {
		s.mu.Lock()
		if t.cancelled {
			s.mu.Unlock()
			return
		}
		if t.period == 0 {
			t.done = true
		}
		s.mu.Unlock()
		t.fn()
	}
}

func (s *Scheduler) nextDueLocked(target time.Time) *fakeTimer {
	due := make([]*fakeTimer, 0, len(s.timers))
	for _, t := range s.timers {
		if !t.when.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].when.Equal(due[j].when) {
			return due[i].seq < due[j].seq
		}
		return due[i].when.Before(due[j].when)
	})
	return due[0]
}

// ActiveTimers returns the number of timers that have not fired or been stopped.
func (s *Scheduler) ActiveTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Pending returns the number of queued functions.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
