// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction so that code
// built on TTLs, backoff, and periodic polling can be tested without
// real waiting.
//
// Production code accepts a Clock parameter instead of calling
// time.Now, time.After, time.NewTicker, time.AfterFunc, or time.Sleep
// directly. Real() delegates to the standard library. Fake() stands
// still until the test advances it.
//
// Conductor leans on this for every timed behavior: run-lock and
// liveness expiry in the store, the coordinator's cancellation poller,
// durable-write backoff, and the worker's claim loop. Tests drive all
// of them with a FakeClock:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	coordinator := NewCoordinator(..., c)
//	// ... start the coordinator ...
//	c.WaitForTimers(1)          // poller registered its first tick
//	c.Advance(30 * time.Second) // lock TTL elapses deterministically
//
// WaitForTimers is the synchronization half of the pattern: it blocks
// until goroutines under test have registered their timers, removing
// the race between registration and Advance that time.Sleep-based
// tests suffer from.
package clock
