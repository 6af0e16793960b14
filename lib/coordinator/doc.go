// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator owns the execution of a single claimed run: it
// fences duplicate delivery with the run lock, drives the turn
// orchestrator, persists every response event to the durable
// transcript, reacts to operator stop signals, and settles the run
// into a terminal status with a sealed archive.
//
// One Execute call handles one run end to end. The worker decides
// which runs to execute and with what request; the coordinator
// guarantees that whatever happens in between (provider failures,
// stop signals, worker shutdown, panics) the run record, transcript,
// lock, and liveness state end up consistent.
//
// Communication with the rest of the system goes through the store's
// notification bus. Each appended event is announced on the run's
// events topic so tailing clients wake and re-read the log, and the
// run's fate is announced once on its control topic as END_STREAM,
// ERROR, or STOP. Inbound, the coordinator listens on the same control
// topic (and an instance-scoped variant) for STOP.
package coordinator
