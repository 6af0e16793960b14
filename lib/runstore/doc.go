// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package runstore provides the durable coordination store for agent
// runs: the run registry and claim queue, the per-run execution lock,
// worker liveness records, the append-only transcript event log,
// content-addressed tool payloads, sealed transcript archives, and a
// lightweight notification bus.
//
// Two implementations share the Store interface. SQLite (OpenSQLite)
// persists everything in a single WAL-mode database file and is the
// production backend for single-host deployments. Memory (NewMemory)
// keeps the same semantics in process-local maps and channels for
// tests and embedded use.
//
// All time-to-live handling is expressed as absolute expiry instants
// computed from an injected clock.Clock: readers ignore expired rows,
// and ExpireNow sweeps them out. Nothing in this package calls
// time.Now directly, so lock and liveness expiry is fully testable
// with clock.Fake.
package runstore
