// Package clock abstracts the time source and timer scheduling so the
// scheduler's window timing can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a cancelable pending callback.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired or was stopped.
	Stop() bool
}

// Clock is the time collaborator consumed by the scheduler.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules fn to run after d on its own goroutine.
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemClock struct{}

// System returns the real wall-clock implementation.
func System() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Fake is a manually advanced clock for tests. Timers fire synchronously,
// in deadline order, from Advance.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clk      *Fake
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

// NewFake creates a fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc registers fn to fire once the clock advances past d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clk: f, deadline: f.now.Add(d), fn: fn}
	f.timers = append(f.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Pending returns the number of armed, unfired timers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves the clock forward, firing due timers in deadline order.
// Callbacks run synchronously on the caller's goroutine without the clock
// lock held, so they may arm new timers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		var next *fakeTimer
		for _, t := range f.timers {
			if t.fired || t.stopped || t.deadline.After(target) {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) {
				next = t
			}
		}
		if next == nil {
			f.now = target
			// Drop consumed timers.
			live := f.timers[:0]
			for _, t := range f.timers {
				if !t.fired && !t.stopped {
					live = append(live, t)
				}
			}
			f.timers = live
			sort.Slice(f.timers, func(i, j int) bool {
				return f.timers[i].deadline.Before(f.timers[j].deadline)
			})
			f.mu.Unlock()
			return
		}
		next.fired = true
		if next.deadline.After(f.now) {
			f.now = next.deadline
		}
		fn := next.fn
		f.mu.Unlock()
		fn()
	}
}
