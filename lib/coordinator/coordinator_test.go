// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/conductor/lib/clock"
	"github.com/bureau-foundation/conductor/lib/codec"
	"github.com/bureau-foundation/conductor/lib/runstore"
	"github.com/bureau-foundation/conductor/lib/secret"
	"github.com/bureau-foundation/conductor/lib/testutil"
	"github.com/bureau-foundation/conductor/lib/thread"
	"github.com/bureau-foundation/conductor/lib/transcript"
)

const testTimeout = 5 * time.Second

// scriptedRunner plays a caller-provided event sequence for each
// RunTurn call. A nil script blocks until the turn context is
// cancelled, which is how a long-lived turn looks to the coordinator.
type scriptedRunner struct {
	mu       sync.Mutex
	requests []thread.TurnRequest
	script   func(ctx context.Context, emit func(thread.ResponseEvent) bool)
}

func (runner *scriptedRunner) RunTurn(ctx context.Context, request thread.TurnRequest) <-chan thread.ResponseEvent {
	runner.mu.Lock()
	runner.requests = append(runner.requests, request)
	runner.mu.Unlock()

	events := make(chan thread.ResponseEvent, 16)
	go func() {
		defer close(events)
		if runner.script == nil {
			<-ctx.Done()
			return
		}
		emit := func(event thread.ResponseEvent) bool {
			select {
			case events <- event:
				return true
			case <-ctx.Done():
				return false
			}
		}
		runner.script(ctx, emit)
	}()
	return events
}

func (runner *scriptedRunner) calls() int {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	return len(runner.requests)
}

// emitAll scripts a runner that plays the given events and then ends
// the stream, the shape of a turn that ran to completion.
func emitAll(events ...thread.ResponseEvent) func(context.Context, func(thread.ResponseEvent) bool) {
	return func(ctx context.Context, emit func(thread.ResponseEvent) bool) {
		for _, event := range events {
			if !emit(event) {
				return
			}
		}
	}
}

func contentEvent(seq int64, text string) thread.ResponseEvent {
	return thread.ResponseEvent{Seq: seq, Kind: thread.KindContent, Text: text}
}

func finishEvent(seq int64, reason thread.FinishReason) thread.ResponseEvent {
	return thread.ResponseEvent{Seq: seq, Kind: thread.KindFinish, Finish: reason}
}

func statusEvent(seq int64, status, message string) thread.ResponseEvent {
	return thread.ResponseEvent{Seq: seq, Kind: thread.KindStatus, Status: status, Message: message}
}

type coordinatorFixture struct {
	store  *runstore.Memory
	runner *scriptedRunner
	clock  *clock.FakeClock
}

func newCoordinatorFixture() *coordinatorFixture {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	return &coordinatorFixture{
		store:  runstore.NewMemory(clk),
		runner: &scriptedRunner{},
		clock:  clk,
	}
}

func newTestCoordinator(t *testing.T, fixture *coordinatorFixture, configure func(*Config)) *Coordinator {
	t.Helper()
	config := Config{
		Store:      fixture.store,
		Runner:     fixture.runner,
		InstanceID: "worker-1",
		Clock:      fixture.clock,
	}
	if configure != nil {
		configure(&config)
	}
	coordinator, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return coordinator
}

// claimRun creates a queued run and claims it for the test worker,
// the state Execute expects to receive.
func claimRun(t *testing.T, store runstore.Store) *runstore.Run {
	t.Helper()
	ctx := context.Background()
	if _, err := store.CreateRun(ctx, "thread-1", "default", ""); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	run, err := store.ClaimQueuedRun(ctx, "worker-1")
	if err != nil {
		t.Fatalf("ClaimQueuedRun: %v", err)
	}
	return run
}

func decodeEvents(t *testing.T, encoded [][]byte) []thread.ResponseEvent {
	t.Helper()
	events := make([]thread.ResponseEvent, len(encoded))
	for index, raw := range encoded {
		if err := codec.Unmarshal(raw, &events[index]); err != nil {
			t.Fatalf("decoding event %d: %v", index, err)
		}
	}
	return events
}

func runRecord(t *testing.T, store runstore.Store, runID string) *runstore.Run {
	t.Helper()
	record, err := store.Run(context.Background(), runID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return record
}

func TestNew_ConfigValidation(t *testing.T) {
	t.Parallel()

	store := runstore.NewMemory(nil)
	defer store.Close()
	runner := &scriptedRunner{}

	tests := []struct {
		name      string
		configure func(*Config)
	}{
		{"missing store", func(config *Config) { config.Store = nil }},
		{"missing runner", func(config *Config) { config.Runner = nil }},
		{"missing instance", func(config *Config) { config.InstanceID = "" }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := Config{Store: store, Runner: runner, InstanceID: "worker-1"}
			test.configure(&config)
			if _, err := New(config); err == nil {
				t.Fatal("New accepted invalid config")
			}
		})
	}

	coordinator, err := New(Config{Store: store, Runner: runner, InstanceID: "worker-1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if coordinator.lockTTL != DefaultLockTTL {
		t.Errorf("lockTTL = %v, want %v", coordinator.lockTTL, DefaultLockTTL)
	}
	if coordinator.pollInterval != DefaultPollInterval {
		t.Errorf("pollInterval = %v, want %v", coordinator.pollInterval, DefaultPollInterval)
	}
	if coordinator.retention != DefaultTranscriptRetention {
		t.Errorf("retention = %v, want %v", coordinator.retention, DefaultTranscriptRetention)
	}
}

func TestExecute_RunValidation(t *testing.T) {
	t.Parallel()
	fixture := newCoordinatorFixture()
	coordinator := newTestCoordinator(t, fixture, nil)
	ctx := context.Background()

	if err := coordinator.Execute(ctx, nil, thread.TurnRequest{}); err == nil {
		t.Error("Execute accepted a nil run")
	}
	if err := coordinator.Execute(ctx, &runstore.Run{}, thread.TurnRequest{}); err == nil {
		t.Error("Execute accepted a run without an ID")
	}
}

func TestCoordinator_CompletedRun(t *testing.T) {
	t.Parallel()
	fixture := newCoordinatorFixture()
	fixture.runner.script = emitAll(
		contentEvent(0, "hello"),
		finishEvent(1, thread.FinishStop),
	)
	coordinator := newTestCoordinator(t, fixture, nil)
	run := claimRun(t, fixture.store)
	ctx := context.Background()

	notifications, err := fixture.store.Subscribe(ctx, EventsTopic(run.ID))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer notifications.Close()
	control, err := fixture.store.Subscribe(ctx, ControlTopic(run.ID))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer control.Close()

	if err := coordinator.Execute(ctx, run, thread.TurnRequest{ThreadID: run.ThreadID, Model: "sonnet-large"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	record := runRecord(t, fixture.store, run.ID)
	if record.Status != runstore.StatusCompleted {
		t.Fatalf("run status = %q, want %q", record.Status, runstore.StatusCompleted)
	}
	if record.Error != "" {
		t.Errorf("run error = %q, want empty", record.Error)
	}

	encoded, err := fixture.store.Events(ctx, run.ID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	events := decodeEvents(t, encoded)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Kind != thread.KindContent || events[0].Text != "hello" {
		t.Errorf("event 0 = %+v, want content %q", events[0], "hello")
	}
	if events[1].Kind != thread.KindFinish || events[1].Finish != thread.FinishStop {
		t.Errorf("event 1 = %+v, want finish %q", events[1], thread.FinishStop)
	}
	if events[2].Kind != thread.KindStatus || events[2].Status != thread.StatusCompleted {
		t.Errorf("event 2 = %+v, want synthesized completion", events[2])
	}
	if !strings.Contains(events[2].Message, "stream ended") {
		t.Errorf("completion message = %q, want mention of stream end", events[2].Message)
	}
	if events[2].Seq != 2 {
		t.Errorf("completion Seq = %d, want 2", events[2].Seq)
	}

	testutil.RequireReceive(t, notifications.C, testTimeout, "event notification")
	signal := testutil.RequireReceive(t, control.C, testTimeout, "terminal signal")
	if signal != SignalEndStream {
		t.Errorf("terminal signal = %q, want %q", signal, SignalEndStream)
	}

	owner, err := fixture.store.RunLockOwner(ctx, run.ID)
	if err != nil {
		t.Fatalf("RunLockOwner: %v", err)
	}
	if owner != "" {
		t.Errorf("run lock still held by %q after Execute", owner)
	}

	blob, err := fixture.store.Archive(ctx, run.ID)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	archived, err := transcript.Open(run.ID, blob, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(archived) != len(encoded) || !bytes.Equal(archived[0], encoded[0]) {
		t.Errorf("archive holds %d events, want the %d from the log", len(archived), len(encoded))
	}

	// Retention bounds the live log but not the archive.
	fixture.clock.Advance(25 * time.Hour)
	if err := fixture.store.ExpireNow(ctx); err != nil {
		t.Fatalf("ExpireNow: %v", err)
	}
	expired, err := fixture.store.Events(ctx, run.ID, 0)
	if err != nil {
		t.Fatalf("Events after expiry: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("got %d live events after retention expiry, want 0", len(expired))
	}
	if _, err := fixture.store.Archive(ctx, run.ID); err != nil {
		t.Errorf("Archive after retention expiry: %v", err)
	}
}

func TestCoordinator_SilentStreamEnd(t *testing.T) {
	t.Parallel()
	fixture := newCoordinatorFixture()
	fixture.runner.script = emitAll(contentEvent(0, "partial output"))
	coordinator := newTestCoordinator(t, fixture, nil)
	run := claimRun(t, fixture.store)
	ctx := context.Background()

	if err := coordinator.Execute(ctx, run, thread.TurnRequest{ThreadID: run.ThreadID, Model: "sonnet-large"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if record := runRecord(t, fixture.store, run.ID); record.Status != runstore.StatusCompleted {
		t.Fatalf("run status = %q, want %q", record.Status, runstore.StatusCompleted)
	}
	encoded, err := fixture.store.Events(ctx, run.ID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	events := decodeEvents(t, encoded)
	if len(events) != 2 {
		t.Fatalf("got %d events, want content plus synthesized completion", len(events))
	}
	last := events[1]
	if last.Kind != thread.KindStatus || last.Status != thread.StatusCompleted || last.Seq != 1 {
		t.Errorf("last event = %+v, want completion status at seq 1", last)
	}
}

func TestCoordinator_ExplicitCompletionNoSynthetic(t *testing.T) {
	t.Parallel()
	fixture := newCoordinatorFixture()
	fixture.runner.script = emitAll(
		contentEvent(0, "answer"),
		statusEvent(1, thread.StatusCompleted, "done"),
	)
	coordinator := newTestCoordinator(t, fixture, nil)
	run := claimRun(t, fixture.store)
	ctx := context.Background()

	if err := coordinator.Execute(ctx, run, thread.TurnRequest{ThreadID: run.ThreadID, Model: "sonnet-large"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	encoded, err := fixture.store.Events(ctx, run.ID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	events := decodeEvents(t, encoded)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (no synthesized completion)", len(events))
	}
	if events[1].Message != "done" {
		t.Errorf("completion message = %q, want the stream's own", events[1].Message)
	}
}

func TestCoordinator_FailedRun(t *testing.T) {
	t.Parallel()
	fixture := newCoordinatorFixture()
	fixture.runner.script = emitAll(
		statusEvent(0, thread.StatusFailed, "provider exploded: HTTP 400"),
	)
	coordinator := newTestCoordinator(t, fixture, nil)
	run := claimRun(t, fixture.store)
	ctx := context.Background()

	control, err := fixture.store.Subscribe(ctx, ControlTopic(run.ID))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer control.Close()

	if err := coordinator.Execute(ctx, run, thread.TurnRequest{ThreadID: run.ThreadID, Model: "sonnet-large"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	record := runRecord(t, fixture.store, run.ID)
	if record.Status != runstore.StatusFailed {
		t.Fatalf("run status = %q, want %q", record.Status, runstore.StatusFailed)
	}
	if record.Error != "provider exploded: HTTP 400" {
		t.Errorf("run error = %q, want the failure diagnostic", record.Error)
	}

	encoded, err := fixture.store.Events(ctx, run.ID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(encoded) != 1 {
		t.Fatalf("got %d events, want just the failure status", len(encoded))
	}

	if signal := testutil.RequireReceive(t, control.C, testTimeout, "terminal signal"); signal != SignalError {
		t.Errorf("terminal signal = %q, want %q", signal, SignalError)
	}

	// Failed runs are archived too.
	if _, err := fixture.store.Archive(ctx, run.ID); err != nil {
		t.Errorf("Archive: %v", err)
	}
}

func TestCoordinator_StopSignal(t *testing.T) {
	t.Parallel()
	fixture := newCoordinatorFixture()
	fixture.runner.script = func(ctx context.Context, emit func(thread.ResponseEvent) bool) {
		emit(contentEvent(0, "thinking"))
		<-ctx.Done()
	}
	coordinator := newTestCoordinator(t, fixture, nil)
	run := claimRun(t, fixture.store)
	ctx := context.Background()

	notifications, err := fixture.store.Subscribe(ctx, EventsTopic(run.ID))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer notifications.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := coordinator.Execute(ctx, run, thread.TurnRequest{ThreadID: run.ThreadID, Model: "sonnet-large"}); err != nil {
			t.Errorf("Execute: %v", err)
		}
	}()

	// The first durable event proves the control subscriptions are in
	// place, so the stop cannot be lost.
	testutil.RequireReceive(t, notifications.C, testTimeout, "first event")
	if err := fixture.store.Publish(ctx, ControlTopic(run.ID), SignalStop); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	testutil.RequireClosed(t, done, testTimeout, "Execute return")

	record := runRecord(t, fixture.store, run.ID)
	if record.Status != runstore.StatusStopped {
		t.Fatalf("run status = %q, want %q", record.Status, runstore.StatusStopped)
	}
	if record.Error != "" {
		t.Errorf("run error = %q, want empty for a stop", record.Error)
	}

	encoded, err := fixture.store.Events(ctx, run.ID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(encoded) != 1 {
		t.Errorf("got %d events, want only the one before the stop", len(encoded))
	}

	owner, err := fixture.store.RunLockOwner(ctx, run.ID)
	if err != nil {
		t.Fatalf("RunLockOwner: %v", err)
	}
	if owner != "" {
		t.Errorf("run lock still held by %q", owner)
	}
}

func TestCoordinator_WorkerShutdown(t *testing.T) {
	t.Parallel()
	fixture := newCoordinatorFixture()
	fixture.runner.script = func(ctx context.Context, emit func(thread.ResponseEvent) bool) {
		emit(contentEvent(0, "thinking"))
		<-ctx.Done()
	}
	coordinator := newTestCoordinator(t, fixture, nil)
	run := claimRun(t, fixture.store)

	baseCtx := context.Background()
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	notifications, err := fixture.store.Subscribe(baseCtx, EventsTopic(run.ID))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer notifications.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := coordinator.Execute(ctx, run, thread.TurnRequest{ThreadID: run.ThreadID, Model: "sonnet-large"}); err != nil {
			t.Errorf("Execute: %v", err)
		}
	}()

	testutil.RequireReceive(t, notifications.C, testTimeout, "first event")
	cancel()
	testutil.RequireClosed(t, done, testTimeout, "Execute return")

	record := runRecord(t, fixture.store, run.ID)
	if record.Status != runstore.StatusStopped {
		t.Fatalf("run status = %q, want %q after shutdown", record.Status, runstore.StatusStopped)
	}

	// Cleanup must land despite the cancelled context.
	owner, err := fixture.store.RunLockOwner(baseCtx, run.ID)
	if err != nil {
		t.Fatalf("RunLockOwner: %v", err)
	}
	if owner != "" {
		t.Errorf("run lock still held by %q", owner)
	}
}

func TestCoordinator_LockContention(t *testing.T) {
	t.Parallel()
	fixture := newCoordinatorFixture()
	coordinator := newTestCoordinator(t, fixture, nil)
	run := claimRun(t, fixture.store)
	ctx := context.Background()

	acquired, err := fixture.store.AcquireRunLock(ctx, run.ID, "worker-2", time.Hour)
	if err != nil || !acquired {
		t.Fatalf("AcquireRunLock = %v, %v", acquired, err)
	}

	if err := coordinator.Execute(ctx, run, thread.TurnRequest{ThreadID: run.ThreadID, Model: "sonnet-large"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if calls := fixture.runner.calls(); calls != 0 {
		t.Errorf("runner called %d times despite contention, want 0", calls)
	}
	if record := runRecord(t, fixture.store, run.ID); record.Status != runstore.StatusRunning {
		t.Errorf("run status = %q, want untouched %q", record.Status, runstore.StatusRunning)
	}
	owner, err := fixture.store.RunLockOwner(ctx, run.ID)
	if err != nil {
		t.Fatalf("RunLockOwner: %v", err)
	}
	if owner != "worker-2" {
		t.Errorf("lock owner = %q, want worker-2", owner)
	}
}

// refusingLockStore refuses the first N AcquireRunLock calls without
// recording a lock, the shape of a lock that expires between the
// refused acquire and the owner read.
type refusingLockStore struct {
	runstore.Store
	mu       sync.Mutex
	refusals int
}

func (store *refusingLockStore) AcquireRunLock(ctx context.Context, runID, instanceID string, ttl time.Duration) (bool, error) {
	store.mu.Lock()
	refuse := store.refusals > 0
	if refuse {
		store.refusals--
	}
	store.mu.Unlock()
	if refuse {
		return false, nil
	}
	return store.Store.AcquireRunLock(ctx, runID, instanceID, ttl)
}

func TestCoordinator_LockRetryAfterVanishedOwner(t *testing.T) {
	t.Parallel()

	t.Run("retry succeeds", func(t *testing.T) {
		t.Parallel()
		fixture := newCoordinatorFixture()
		fixture.runner.script = emitAll(finishEvent(0, thread.FinishStop))
		store := &refusingLockStore{Store: fixture.store, refusals: 1}
		coordinator := newTestCoordinator(t, fixture, func(config *Config) { config.Store = store })
		run := claimRun(t, fixture.store)

		if err := coordinator.Execute(context.Background(), run, thread.TurnRequest{ThreadID: run.ThreadID, Model: "sonnet-large"}); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if calls := fixture.runner.calls(); calls != 1 {
			t.Errorf("runner called %d times, want 1", calls)
		}
		if record := runRecord(t, fixture.store, run.ID); record.Status != runstore.StatusCompleted {
			t.Errorf("run status = %q, want %q", record.Status, runstore.StatusCompleted)
		}
	})

	t.Run("still contended after retry", func(t *testing.T) {
		t.Parallel()
		fixture := newCoordinatorFixture()
		store := &refusingLockStore{Store: fixture.store, refusals: 2}
		coordinator := newTestCoordinator(t, fixture, func(config *Config) { config.Store = store })
		run := claimRun(t, fixture.store)

		if err := coordinator.Execute(context.Background(), run, thread.TurnRequest{ThreadID: run.ThreadID, Model: "sonnet-large"}); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if calls := fixture.runner.calls(); calls != 0 {
			t.Errorf("runner called %d times, want 0", calls)
		}
		if record := runRecord(t, fixture.store, run.ID); record.Status != runstore.StatusRunning {
			t.Errorf("run status = %q, want untouched %q", record.Status, runstore.StatusRunning)
		}
	})
}

// livenessRecordingStore counts liveness writes and deletions and
// signals each refresh, so a test can follow the poller's cadence.
type livenessRecordingStore struct {
	runstore.Store
	mu        sync.Mutex
	refreshes int
	deletes   int
	lastTTL   time.Duration
	refreshed chan struct{}
}

func (store *livenessRecordingStore) RefreshLiveness(ctx context.Context, instanceID, runID string, ttl time.Duration) error {
	store.mu.Lock()
	store.refreshes++
	store.lastTTL = ttl
	store.mu.Unlock()
	store.refreshed <- struct{}{}
	return store.Store.RefreshLiveness(ctx, instanceID, runID, ttl)
}

func (store *livenessRecordingStore) DeleteLiveness(ctx context.Context, instanceID, runID string) error {
	store.mu.Lock()
	store.deletes++
	store.mu.Unlock()
	return store.Store.DeleteLiveness(ctx, instanceID, runID)
}

func TestCoordinator_LivenessRefreshCadence(t *testing.T) {
	t.Parallel()
	fixture := newCoordinatorFixture()
	store := &livenessRecordingStore{Store: fixture.store, refreshed: make(chan struct{}, 16)}
	coordinator := newTestCoordinator(t, fixture, func(config *Config) { config.Store = store })
	run := claimRun(t, fixture.store)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := coordinator.Execute(ctx, run, thread.TurnRequest{ThreadID: run.ThreadID, Model: "sonnet-large"}); err != nil {
			t.Errorf("Execute: %v", err)
		}
	}()

	// The poller writes the first liveness record before any tick.
	testutil.RequireReceive(t, store.refreshed, testTimeout, "startup refresh")

	// Every poll interval renews the record once.
	for tick := 0; tick < 3; tick++ {
		fixture.clock.WaitForTimers(1)
		fixture.clock.Advance(DefaultPollInterval)
		testutil.RequireReceive(t, store.refreshed, testTimeout, "refresh after tick %d", tick)
	}

	if err := fixture.store.Publish(ctx, ControlTopic(run.ID), SignalStop); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	testutil.RequireClosed(t, done, testTimeout, "Execute return")

	store.mu.Lock()
	refreshes, deletes, lastTTL := store.refreshes, store.deletes, store.lastTTL
	store.mu.Unlock()
	if refreshes != 4 {
		t.Errorf("got %d liveness refreshes, want 4", refreshes)
	}
	if deletes != 1 {
		t.Errorf("got %d liveness deletes, want 1", deletes)
	}
	if lastTTL != DefaultLivenessTTL {
		t.Errorf("liveness TTL = %v, want %v", lastTTL, DefaultLivenessTTL)
	}
}

// failingAppendStore fails the first N AppendEvent calls and counts
// every attempt.
type failingAppendStore struct {
	runstore.Store
	mu       sync.Mutex
	failures int
	attempts int
}

func (store *failingAppendStore) AppendEvent(ctx context.Context, runID string, event []byte) (int64, error) {
	store.mu.Lock()
	store.attempts++
	fail := store.failures > 0
	if fail {
		store.failures--
	}
	store.mu.Unlock()
	if fail {
		return 0, fmt.Errorf("store offline")
	}
	return store.Store.AppendEvent(ctx, runID, event)
}

func (store *failingAppendStore) attemptCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.attempts
}

// advanceThroughRetries walks the fake clock through backoff waits.
// Three waiters are live between appends: the poll ticker, the drain
// timer, and the pending retry.
func advanceThroughRetries(fixture *coordinatorFixture, waits ...time.Duration) {
	for _, wait := range waits {
		fixture.clock.WaitForTimers(3)
		fixture.clock.Advance(wait)
	}
}

func TestCoordinator_AppendRetryBackoff(t *testing.T) {
	t.Parallel()
	fixture := newCoordinatorFixture()
	fixture.runner.script = emitAll(
		contentEvent(0, "hello"),
		finishEvent(1, thread.FinishStop),
	)
	store := &failingAppendStore{Store: fixture.store, failures: 2}
	coordinator := newTestCoordinator(t, fixture, func(config *Config) { config.Store = store })
	run := claimRun(t, fixture.store)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := coordinator.Execute(context.Background(), run, thread.TurnRequest{ThreadID: run.ThreadID, Model: "sonnet-large"}); err != nil {
			t.Errorf("Execute: %v", err)
		}
	}()

	advanceThroughRetries(fixture, 500*time.Millisecond, time.Second)
	testutil.RequireClosed(t, done, testTimeout, "Execute return")

	if record := runRecord(t, fixture.store, run.ID); record.Status != runstore.StatusCompleted {
		t.Fatalf("run status = %q, want %q after retried appends", record.Status, runstore.StatusCompleted)
	}
	encoded, err := fixture.store.Events(context.Background(), run.ID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(encoded) != 3 {
		t.Errorf("got %d events, want 3", len(encoded))
	}
	// Two failures on the first event, then three clean appends.
	if attempts := store.attemptCount(); attempts != 5 {
		t.Errorf("append attempts = %d, want 5", attempts)
	}
}

func TestCoordinator_WriteExhaustionFailsRun(t *testing.T) {
	t.Parallel()
	fixture := newCoordinatorFixture()
	fixture.runner.script = emitAll(
		contentEvent(0, "hello"),
		finishEvent(1, thread.FinishStop),
	)
	store := &failingAppendStore{Store: fixture.store, failures: 10}
	coordinator := newTestCoordinator(t, fixture, func(config *Config) { config.Store = store })
	run := claimRun(t, fixture.store)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := coordinator.Execute(context.Background(), run, thread.TurnRequest{ThreadID: run.ThreadID, Model: "sonnet-large"}); err != nil {
			t.Errorf("Execute: %v", err)
		}
	}()

	advanceThroughRetries(fixture, 500*time.Millisecond, time.Second, 2*time.Second)
	testutil.RequireClosed(t, done, testTimeout, "Execute return")

	record := runRecord(t, fixture.store, run.ID)
	if record.Status != runstore.StatusFailed {
		t.Fatalf("run status = %q, want %q", record.Status, runstore.StatusFailed)
	}
	if !strings.Contains(record.Error, "transcript persistence") {
		t.Errorf("run error = %q, want transcript persistence diagnostic", record.Error)
	}
	// First event exhausts its attempts; the writer skips the rest.
	if attempts := store.attemptCount(); attempts != 4 {
		t.Errorf("append attempts = %d, want 4", attempts)
	}
}

// panickyAppendStore panics on every append, the shape of a corrupted
// store page or a bug below the interface.
type panickyAppendStore struct {
	runstore.Store
}

func (store *panickyAppendStore) AppendEvent(ctx context.Context, runID string, event []byte) (int64, error) {
	panic("append: corrupt page")
}

func TestCoordinator_PanickingStoreFailsRun(t *testing.T) {
	t.Parallel()
	fixture := newCoordinatorFixture()
	fixture.runner.script = emitAll(contentEvent(0, "hello"))
	store := &panickyAppendStore{Store: fixture.store}
	coordinator := newTestCoordinator(t, fixture, func(config *Config) { config.Store = store })
	run := claimRun(t, fixture.store)
	ctx := context.Background()

	if err := coordinator.Execute(ctx, run, thread.TurnRequest{ThreadID: run.ThreadID, Model: "sonnet-large"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	record := runRecord(t, fixture.store, run.ID)
	if record.Status != runstore.StatusFailed {
		t.Fatalf("run status = %q, want %q", record.Status, runstore.StatusFailed)
	}
	owner, err := fixture.store.RunLockOwner(ctx, run.ID)
	if err != nil {
		t.Fatalf("RunLockOwner: %v", err)
	}
	if owner != "" {
		t.Errorf("run lock still held by %q", owner)
	}
}

func TestCoordinator_EncryptedArchive(t *testing.T) {
	t.Parallel()
	keyBytes := make([]byte, 32)
	for index := range keyBytes {
		keyBytes[index] = byte(index + 1)
	}
	key, err := secret.NewFromBytes(keyBytes)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	t.Cleanup(func() { key.Close() })

	fixture := newCoordinatorFixture()
	fixture.runner.script = emitAll(
		contentEvent(0, "hello"),
		finishEvent(1, thread.FinishStop),
	)
	coordinator := newTestCoordinator(t, fixture, func(config *Config) { config.ArchiveKey = key })
	run := claimRun(t, fixture.store)
	ctx := context.Background()

	if err := coordinator.Execute(ctx, run, thread.TurnRequest{ThreadID: run.ThreadID, Model: "sonnet-large"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	blob, err := fixture.store.Archive(ctx, run.ID)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := transcript.Open(run.ID, blob, nil); !errors.Is(err, transcript.ErrKeyRequired) {
		t.Errorf("Open without key: %v, want ErrKeyRequired", err)
	}
	events, err := transcript.Open(run.ID, blob, key)
	if err != nil {
		t.Fatalf("Open with key: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("archive holds %d events, want 3", len(events))
	}
}
