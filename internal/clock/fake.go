// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock for tests. Timers and tickers fire
// synchronously inside Advance, in deadline order.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	period   time.Duration // zero for one-shot timers
	fn       func()
	ch       chan time.Time
	stopped  bool
}

// Fake returns a FakeClock starting at the given time.
func Fake(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	ch := make(chan time.Time, 1)
	w := &fakeWaiter{period: d, ch: ch}
	f.mu.Lock()
	w.deadline = f.now.Add(d)
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()
	return &Ticker{C: ch, stop: func() {
		f.mu.Lock()
		w.stopped = true
		f.mu.Unlock()
	}}
}

func (f *FakeClock) AfterFunc(d time.Duration, fn func()) *Timer {
	w := &fakeWaiter{fn: fn}
	f.mu.Lock()
	w.deadline = f.now.Add(d)
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()
	return &Timer{
		stop: func() bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			active := !w.stopped
			w.stopped = true
			return active
		},
		reset: func(d time.Duration) bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			active := !w.stopped
			w.stopped = false
			w.deadline = f.now.Add(d)
			if !active && !f.holdsLocked(w) {
				f.waiters = append(f.waiters, w)
			}
			return active
		},
	}
}

// Advance moves the clock forward by d, firing every timer and ticker whose
// deadline falls inside the window.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		sort.SliceStable(f.waiters, func(i, j int) bool {
			return f.waiters[i].deadline.Before(f.waiters[j].deadline)
		})
		var next *fakeWaiter
		for _, w := range f.waiters {
			if !w.stopped && !w.deadline.After(target) {
				next = w
				break
			}
		}
		if next == nil {
			f.now = target
			f.pruneLocked()
			f.mu.Unlock()
			return
		}
		f.now = next.deadline
		now := f.now
		if next.period > 0 {
			next.deadline = next.deadline.Add(next.period)
		} else {
			next.stopped = true
		}
		f.mu.Unlock()

		if next.ch != nil {
			select {
			case next.ch <- now:
			default:
			}
		}
		if next.fn != nil {
			next.fn()
		}
	}
}

func (f *FakeClock) holdsLocked(w *fakeWaiter) bool {
	for _, x := range f.waiters {
		if x == w {
			return true
		}
	}
	return false
}

func (f *FakeClock) pruneLocked() {
	kept := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.stopped {
			kept = append(kept, w)
		}
	}
	f.waiters = kept
}

// Waiters returns the number of pending timers and tickers.
func (f *FakeClock) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}
