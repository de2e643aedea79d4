// Copyright 2026 The Testfloor Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at initial. Time moves only when
// Advance is called; every pending After, Sleep, and Ticker whose
// deadline falls within the advanced window fires, in deadline order.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	f := &FakeClock{now: initial}
	f.changed = sync.NewCond(&f.mu)
	return f
}

// FakeClock is a deterministic Clock for tests.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingTimer
	changed *sync.Cond
}

// pendingTimer is one registered After, Sleep, or Ticker waiter.
type pendingTimer struct {
	deadline time.Time
	ch       chan time.Time
	interval time.Duration // non-zero for tickers; rearmed on fire
	stopped  bool
}

// Now returns the current fake time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a one-shot waiter. A non-positive duration fires
// immediately without registering anything.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.pending = append(f.pending, &pendingTimer{deadline: f.now.Add(d), ch: ch})
	f.changed.Broadcast()
	return ch
}

// NewTicker registers a repeating waiter. Panics if d <= 0, matching
// time.NewTicker.
func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	timer := &pendingTimer{deadline: f.now.Add(d), ch: ch, interval: d}
	f.pending = append(f.pending, timer)
	f.changed.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			timer.stopped = true
		},
	}
}

// Sleep blocks until the clock advances past the deadline.
func (f *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-f.After(d)
}

// Advance moves the clock forward by d, firing expired waiters in
// deadline order. Ticker sends are non-blocking: if a tick is still
// unconsumed, the new one is dropped, matching time.Ticker.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		expired := f.takeExpired(target)
		if len(expired) == 0 {
			return
		}
		sort.Slice(expired, func(i, j int) bool {
			return expired[i].deadline.Before(expired[j].deadline)
		})
		for _, timer := range expired {
			select {
			case timer.ch <- target:
			default:
			}
		}
	}
}

// takeExpired removes waiters due at or before target from the
// pending list, rearming tickers for their next interval.
func (f *FakeClock) takeExpired(target time.Time) []*pendingTimer {
	f.mu.Lock()
	defer f.mu.Unlock()

	var expired, remaining []*pendingTimer
	for _, timer := range f.pending {
		switch {
		case timer.stopped:
		case !timer.deadline.After(target):
			expired = append(expired, timer)
		default:
			remaining = append(remaining, timer)
		}
	}
	for _, timer := range expired {
		if timer.interval > 0 {
			timer.deadline = timer.deadline.Add(timer.interval)
			remaining = append(remaining, timer)
		}
	}
	f.pending = remaining
	return expired
}

// WaitForTimers blocks until at least n waiters are registered and
// unfired. Call this before Advance when the code under test arms its
// timer on another goroutine; it removes the race between arming and
// advancing.
func (f *FakeClock) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.activeLocked() < n {
		f.changed.Wait()
	}
}

// PendingCount returns the number of active waiters.
func (f *FakeClock) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeLocked()
}

func (f *FakeClock) activeLocked() int {
	count := 0
	for _, timer := range f.pending {
		if !timer.stopped {
			count++
		}
	}
	return count
}
