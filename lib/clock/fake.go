// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given time. Nothing moves
// until Advance is called; timers, tickers, and sleeps register as
// pending waiters and fire when the clock passes their deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{now: initial}
	fake.registered = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock is a deterministic Clock for tests. Time advances only
// through Advance.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order. Calling Sleep or Advance from within such a callback
// deadlocks; don't.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	pending    []*waiter
	registered *sync.Cond
}

// waiter is one pending timer, ticker, or sleep.
type waiter struct {
	deadline time.Time

	// Exactly one of channel and callback is set: channel for After,
	// Sleep, and tickers; callback for AfterFunc.
	channel  chan time.Time
	callback func()

	// interval is non-zero for tickers, which re-arm at
	// deadline + interval after each fire.
	interval time.Duration

	// stopped waiters are skipped and dropped on the next Advance.
	stopped bool

	// fired marks a one-shot waiter that already delivered, so
	// overlapping Advance calls cannot double-fire it.
	fired bool
}

// Now returns the frozen current time.
func (fake *FakeClock) Now() time.Time {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.now
}

// After registers a one-shot waiter. A non-positive duration delivers
// immediately without registering anything.
func (fake *FakeClock) After(d time.Duration) <-chan time.Time {
	fake.mu.Lock()
	defer fake.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- fake.now
		return channel
	}

	fake.pending = append(fake.pending, &waiter{
		deadline: fake.now.Add(d),
		channel:  channel,
	})
	fake.registered.Broadcast()
	return channel
}

// AfterFunc registers f to run when the clock advances past d from
// now. A non-positive duration runs f synchronously before returning.
func (fake *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	fake.mu.Lock()
	defer fake.mu.Unlock()

	if d <= 0 {
		fake.mu.Unlock()
		f()
		fake.mu.Lock()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	entry := &waiter{
		deadline: fake.now.Add(d),
		callback: f,
	}
	fake.pending = append(fake.pending, entry)
	fake.registered.Broadcast()

	return &Timer{
		stop: func() bool {
			fake.mu.Lock()
			defer fake.mu.Unlock()
			if entry.stopped || entry.fired {
				return false
			}
			entry.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			fake.mu.Lock()
			defer fake.mu.Unlock()
			wasPending := !entry.stopped && !entry.fired
			entry.stopped = false
			entry.fired = false
			entry.deadline = fake.now.Add(d)
			// A fired one-shot was removed from the pending list;
			// re-arming requires putting it back.
			if !wasPending {
				fake.pending = append(fake.pending, entry)
				fake.registered.Broadcast()
			}
			return wasPending
		},
	}
}

// NewTicker registers a repeating waiter. Panics if d <= 0.
func (fake *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()

	channel := make(chan time.Time, 1)
	entry := &waiter{
		deadline: fake.now.Add(d),
		channel:  channel,
		interval: d,
	}
	fake.pending = append(fake.pending, entry)
	fake.registered.Broadcast()

	return &Ticker{
		C: channel,
		stop: func() {
			fake.mu.Lock()
			defer fake.mu.Unlock()
			entry.stopped = true
		},
		reset: func(d time.Duration) {
			fake.mu.Lock()
			defer fake.mu.Unlock()
			entry.interval = d
			entry.deadline = fake.now.Add(d)
			entry.stopped = false
		},
	}
}

// Sleep blocks until the clock advances past the deadline. A
// non-positive duration returns immediately.
func (fake *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-fake.After(d)
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline now falls in the past, in deadline order. Channel deliveries
// are non-blocking (a full channel drops the tick, as time.Ticker
// does); AfterFunc callbacks run synchronously in the calling
// goroutine. A ticker spanning several intervals fires once per
// interval.
func (fake *FakeClock) Advance(d time.Duration) {
	fake.mu.Lock()
	fake.now = fake.now.Add(d)
	target := fake.now
	fake.mu.Unlock()

	// Loop because ticker re-arms may produce fresh deadlines that
	// still fall before the target.
	for {
		due := fake.takeDue(target)
		if len(due) == 0 {
			return
		}

		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})

		for _, entry := range due {
			switch {
			case entry.callback != nil:
				entry.callback()
			case entry.channel != nil:
				select {
				case entry.channel <- target:
				default:
				}
			}
		}
	}
}

// takeDue removes due waiters from the pending list, re-arms tickers,
// and returns what should fire. Acquires fake.mu internally.
func (fake *FakeClock) takeDue(target time.Time) []*waiter {
	fake.mu.Lock()
	defer fake.mu.Unlock()

	var due []*waiter
	var remaining []*waiter

	for _, entry := range fake.pending {
		switch {
		case entry.stopped:
			// Dropped.
		case !entry.deadline.After(target):
			due = append(due, entry)
		default:
			remaining = append(remaining, entry)
		}
	}

	for _, entry := range due {
		if entry.interval > 0 {
			entry.deadline = entry.deadline.Add(entry.interval)
			remaining = append(remaining, entry)
		} else {
			entry.fired = true
		}
	}

	fake.pending = remaining
	return due
}

// WaitForTimers blocks until at least n waiters are pending. Call this
// after starting goroutines under test and before Advance, so the
// advance cannot race their timer registration.
func (fake *FakeClock) WaitForTimers(n int) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	for fake.activeLocked() < n {
		fake.registered.Wait()
	}
}

// PendingCount reports the number of active pending waiters.
func (fake *FakeClock) PendingCount() int {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.activeLocked()
}

func (fake *FakeClock) activeLocked() int {
	count := 0
	for _, entry := range fake.pending {
		if !entry.stopped {
			count++
		}
	}
	return count
}
