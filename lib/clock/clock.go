// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time surface conductor code is allowed to touch.
// Anything that would otherwise reach for the time package takes one
// of these, either as a parameter or as a struct field.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0 the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run after duration d and returns a
	// Timer whose Stop cancels the pending call. The Timer's C field
	// is nil, matching time.AfterFunc. If d <= 0, f runs immediately:
	// in a new goroutine for the real clock, synchronously for the
	// fake.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering on C every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. Call Stop when done; Stop does
// not close C. C has capacity 1, so a slow consumer drops ticks rather
// than queueing them, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. No ticks arrive on C after Stop returns.
func (ticker *Ticker) Stop() { ticker.stop() }

// Reset restarts the tick cycle with a new interval. The next tick
// arrives after the new duration elapses.
func (ticker *Ticker) Reset(d time.Duration) { ticker.reset(d) }

// Timer is a single scheduled event. Timers returned by AfterFunc have
// a nil C; the event is the callback itself.
type Timer struct {
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop prevents the timer from firing. Returns false when the timer
// already fired or was already stopped.
func (timer *Timer) Stop() bool { return timer.stop() }

// Reset re-arms the timer to fire after d. Returns true when the timer
// was still pending before the call.
func (timer *Timer) Reset(d time.Duration) bool { return timer.reset(d) }

// Real returns a Clock backed by the standard time package.
func Real() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (systemClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{C: nil, stop: timer.Stop, reset: timer.Reset}
}

func (systemClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop, reset: ticker.Reset}
}

func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }
