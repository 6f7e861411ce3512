package clock

import (
	"sync"
	"time"
)

// Fake is a deterministic Clock. Time only moves when Advance is
// called; timers fire in deadline order with Now() reporting each
// timer's own deadline while its callback runs.
//
// AfterFunc callbacks run synchronously on the goroutine calling
// Advance. Callbacks may schedule new timers; those fire within the
// same Advance if their deadline is still inside the window.
type Fake struct {
	mu        sync.Mutex
	now       time.Time
	seq       uint64
	waiters   []*waiter
	changed   *sync.Cond
	advancing sync.Mutex
}

type waiter struct {
	seq      uint64
	deadline time.Time
	callback func()
	channel  chan time.Time
	done     bool
}

// NewFake returns a Fake clock set to start.
func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.changed = sync.NewCond(&f.mu)
	return f
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a channel waiter. A non-positive d delivers
// immediately.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.addLocked(&waiter{deadline: f.now.Add(d), channel: ch})
	return ch
}

// AfterFunc registers a callback waiter. Non-positive durations are
// treated as due on the next Advance, never run inline, so callers may
// hold their own locks while scheduling.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	if d < 0 {
		d = 0
	}
	w := &waiter{deadline: f.now.Add(d), callback: fn}
	f.addLocked(w)
	return &fakeTimer{clock: f, waiter: w}
}

// Advance moves time forward by d, firing every waiter whose deadline
// falls inside the window.
func (f *Fake) Advance(d time.Duration) {
	f.advancing.Lock()
	defer f.advancing.Unlock()

	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDueLocked(target)
		if next == nil {
			if target.After(f.now) {
				f.now = target
			}
			f.mu.Unlock()
			return
		}
		if next.deadline.After(f.now) {
			f.now = next.deadline
		}
		next.done = true
		f.pruneLocked()
		fireAt := f.now
		f.mu.Unlock()

		if next.callback != nil {
			next.callback()
		} else {
			select {
			case next.channel <- fireAt:
			default:
			}
		}
	}
}

// Pending returns the number of timers that have not fired or been
// stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// WaitForTimers blocks until at least n timers are pending. It closes
// the race between a goroutine registering a timer and the test
// advancing past it.
func (f *Fake) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.waiters) < n {
		f.changed.Wait()
	}
}

func (f *Fake) addLocked(w *waiter) {
	f.seq++
	w.seq = f.seq
	f.waiters = append(f.waiters, w)
	f.changed.Broadcast()
}

func (f *Fake) nextDueLocked(target time.Time) *waiter {
	var next *waiter
	for _, w := range f.waiters {
		if w.done || w.deadline.After(target) {
			continue
		}
		if next == nil || w.deadline.Before(next.deadline) ||
			(w.deadline.Equal(next.deadline) && w.seq < next.seq) {
			next = w
		}
	}
	return next
}

func (f *Fake) pruneLocked() {
	live := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.done {
			live = append(live, w)
		}
	}
	for i := len(live); i < len(f.waiters); i++ {
		f.waiters[i] = nil
	}
	f.waiters = live
}

type fakeTimer struct {
	clock  *Fake
	waiter *waiter
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.waiter.done {
		return false
	}
	t.waiter.done = true
	t.clock.pruneLocked()
	return true
}
