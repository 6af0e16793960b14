// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/conductor/lib/clock"
	"github.com/bureau-foundation/conductor/lib/codec"
	"github.com/bureau-foundation/conductor/lib/runstore"
	"github.com/bureau-foundation/conductor/lib/secret"
	"github.com/bureau-foundation/conductor/lib/thread"
	"github.com/bureau-foundation/conductor/lib/transcript"
)

// Control signals exchanged on run control topics. STOP is the only
// inbound signal a coordinator acts on; the other two are terminal
// announcements for tailing clients.
const (
	SignalStop      = "STOP"
	SignalEndStream = "END_STREAM"
	SignalError     = "ERROR"
)

// Tunable defaults. Zero values in [Config] resolve to these.
const (
	// DefaultLockTTL is how long the run lock stays valid. The lock is
	// taken once and never extended, so this bounds both the longest
	// run and how long a crashed worker fences redelivery.
	DefaultLockTTL = time.Hour

	// DefaultLivenessTTL is the validity window of the liveness
	// record. Refreshed every poll interval, so a lapse of this length
	// means the worker died mid-run.
	DefaultLivenessTTL = 30 * time.Second

	// DefaultPollInterval is the cadence of the control poller: stop
	// checks and liveness refreshes.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultDrainTimeout bounds how long terminal handling waits for
	// in-flight transcript writes before moving on.
	DefaultDrainTimeout = 30 * time.Second

	// DefaultTranscriptRetention is how long the live event log stays
	// readable after a run ends. The sealed archive is unaffected.
	DefaultTranscriptRetention = 24 * time.Hour
)

const (
	// persistRetries bounds repeat attempts for durable writes, with
	// exponential backoff starting at persistBackoffBase.
	persistRetries     = 3
	persistBackoffBase = 500 * time.Millisecond

	// persistTimeout caps one durable-write cycle, backoffs included.
	persistTimeout = 30 * time.Second

	// cleanupTimeout caps each individual cleanup store call.
	cleanupTimeout = 5 * time.Second

	// writeQueueDepth is the transcript writer's buffer: deep enough
	// to ride out store latency spikes without stalling the event
	// loop.
	writeQueueDepth = 64

	// eventToken is the payload-free wake-up published per appended
	// event. Subscribers re-read the log; the token carries nothing.
	eventToken = "event"
)

// EventsTopic is the notification topic for a run's transcript. A
// token here means new events are readable in the durable log.
func EventsTopic(runID string) string { return "run:" + runID + ":events" }

// ControlTopic is the broadcast control topic for a run: STOP requests
// from operators in, terminal signals from the executing coordinator
// out.
func ControlTopic(runID string) string { return "run:" + runID + ":control" }

// InstanceControlTopic addresses control signals to one worker
// instance's execution of a run.
func InstanceControlTopic(runID, instanceID string) string {
	return "run:" + runID + ":control:" + instanceID
}

// TurnRunner runs a single conversational turn and streams its events.
// *thread.Orchestrator is the production implementation.
type TurnRunner interface {
	RunTurn(ctx context.Context, request thread.TurnRequest) <-chan thread.ResponseEvent
}

// Config holds the dependencies for a Coordinator.
type Config struct {
	// Store is the coordination surface: registry, locks, transcript
	// log, notification bus. Required.
	Store runstore.Store

	// Runner executes turns. Required.
	Runner TurnRunner

	// InstanceID identifies this worker in locks, liveness records,
	// and claim attribution. Required.
	InstanceID string

	// ArchiveKey, when set, encrypts sealed transcript archives. The
	// coordinator borrows the key and never closes it. Nil means
	// plaintext archives.
	ArchiveKey *secret.Buffer

	// LockTTL is the run lock validity. Zero means DefaultLockTTL.
	LockTTL time.Duration

	// LivenessTTL is the liveness record validity. Zero means
	// DefaultLivenessTTL.
	LivenessTTL time.Duration

	// PollInterval is the control poll cadence. Zero means
	// DefaultPollInterval.
	PollInterval time.Duration

	// DrainTimeout bounds the wait for in-flight transcript writes at
	// terminal handling. Zero means DefaultDrainTimeout.
	DrainTimeout time.Duration

	// TranscriptRetention is the live event log's lifetime after the
	// run ends. Zero means DefaultTranscriptRetention.
	TranscriptRetention time.Duration

	// Logger receives run lifecycle messages. Defaults to a no-op
	// logger.
	Logger *slog.Logger

	// Clock drives polling, backoff, and event timestamps. Defaults
	// to the real clock.
	Clock clock.Clock
}

// Coordinator executes claimed runs. Safe for concurrent use; each
// Execute call is independent.
type Coordinator struct {
	store        runstore.Store
	runner       TurnRunner
	instanceID   string
	archiveKey   *secret.Buffer
	lockTTL      time.Duration
	livenessTTL  time.Duration
	pollInterval time.Duration
	drainTimeout time.Duration
	retention    time.Duration
	logger       *slog.Logger
	clock        clock.Clock
}

// New validates the configuration and returns a coordinator.
func New(config Config) (*Coordinator, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("coordinator: Store is required")
	}
	if config.Runner == nil {
		return nil, fmt.Errorf("coordinator: Runner is required")
	}
	if config.InstanceID == "" {
		return nil, fmt.Errorf("coordinator: InstanceID is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	return &Coordinator{
		store:        config.Store,
		runner:       config.Runner,
		instanceID:   config.InstanceID,
		archiveKey:   config.ArchiveKey,
		lockTTL:      durationOrDefault(config.LockTTL, DefaultLockTTL),
		livenessTTL:  durationOrDefault(config.LivenessTTL, DefaultLivenessTTL),
		pollInterval: durationOrDefault(config.PollInterval, DefaultPollInterval),
		drainTimeout: durationOrDefault(config.DrainTimeout, DefaultDrainTimeout),
		retention:    durationOrDefault(config.TranscriptRetention, DefaultTranscriptRetention),
		logger:       logger,
		clock:        clk,
	}, nil
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value == 0 {
		return fallback
	}
	return value
}

// Execute runs a claimed run to a terminal status.
//
// It first takes the run lock; losing that race to another worker is a
// benign no-op, not an error. Once the lock is held, every outcome is
// absorbed into the run record and transcript rather than returned:
// provider failures, stop signals, and panics all end in a terminal
// status, a published control signal, and released coordination state.
// The returned error is therefore only ever an infrastructure failure
// before execution began.
//
// Cancelling ctx winds the turn down gracefully and settles the run as
// stopped; terminal persistence and cleanup use fresh contexts so they
// still land.
func (coordinator *Coordinator) Execute(ctx context.Context, run *runstore.Run, request thread.TurnRequest) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("coordinator: run record is required")
	}
	logger := coordinator.logger.With("run", run.ID, "thread", run.ThreadID)

	acquired, err := coordinator.acquire(ctx, run.ID, logger)
	if err != nil || !acquired {
		return err
	}

	coordinator.execute(ctx, run, request, logger)
	return nil
}

// acquire takes the run lock, with one retry when the first refusal
// cannot be attributed to a live owner.
func (coordinator *Coordinator) acquire(ctx context.Context, runID string, logger *slog.Logger) (bool, error) {
	acquired, err := coordinator.store.AcquireRunLock(ctx, runID, coordinator.instanceID, coordinator.lockTTL)
	if err != nil {
		return false, fmt.Errorf("coordinator: acquiring run lock: %w", err)
	}
	if acquired {
		return true, nil
	}

	owner, ownerErr := coordinator.store.RunLockOwner(ctx, runID)
	if ownerErr == nil && owner != "" {
		logger.Info("run is already executing elsewhere", "owner", owner)
		return false, nil
	}
	if ownerErr != nil {
		logger.Warn("run lock owner unreadable, retrying acquire", "error", ownerErr)
	}

	// The lock vanished between the refused acquire and the owner
	// read (expiry, release), or the owner read itself failed. One
	// retry settles which.
	acquired, err = coordinator.store.AcquireRunLock(ctx, runID, coordinator.instanceID, coordinator.lockTTL)
	if err != nil {
		return false, fmt.Errorf("coordinator: acquiring run lock: %w", err)
	}
	if !acquired {
		logger.Info("run is already executing elsewhere")
	}
	return acquired, nil
}

// execute is the locked section: consume the turn, persist the
// transcript, settle the terminal status, release everything.
func (coordinator *Coordinator) execute(ctx context.Context, run *runstore.Run, request thread.TurnRequest, logger *slog.Logger) {
	defer coordinator.releaseRun(run.ID, logger)

	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("run execution panicked",
				"panic", recovered,
				"stack", string(debug.Stack()))
			if err := coordinator.persistTerminal(run.ID, runstore.StatusFailed, fmt.Sprintf("internal error: %v", recovered), logger); err != nil {
				logger.Error("terminal status persist failed after panic", "error", err)
			}
			coordinator.publishSignal(run.ID, SignalError, logger)
		}
	}()

	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()

	var stopRequested atomic.Bool
	var writeFailed atomic.Bool

	writeQueue := make(chan thread.ResponseEvent, writeQueueDepth)
	writerDone := make(chan struct{})
	closeQueue := sync.OnceFunc(func() { close(writeQueue) })
	go coordinator.writeTranscript(run.ID, writeQueue, writerDone, &writeFailed, logger)
	defer func() {
		closeQueue()
		coordinator.awaitWriter(writerDone, logger)
	}()

	globalControl, err := coordinator.store.Subscribe(ctx, ControlTopic(run.ID))
	if err != nil {
		coordinator.failSetup(run.ID, fmt.Errorf("subscribing to control topic: %w", err), logger)
		return
	}
	defer globalControl.Close()

	instanceControl, err := coordinator.store.Subscribe(ctx, InstanceControlTopic(run.ID, coordinator.instanceID))
	if err != nil {
		coordinator.failSetup(run.ID, fmt.Errorf("subscribing to control topic: %w", err), logger)
		return
	}
	defer instanceControl.Close()

	// The poller gets its own context so liveness refreshes continue
	// through terminal handling even after ctx is cancelled.
	pollerCtx, cancelPoller := context.WithCancel(context.Background())
	pollerDone := make(chan struct{})
	go coordinator.poll(pollerCtx, run.ID, globalControl.C, instanceControl.C, &stopRequested, cancelTurn, pollerDone, logger)
	defer func() {
		cancelPoller()
		<-pollerDone
	}()

	logger.Info("run executing",
		"instance", coordinator.instanceID,
		"profile", run.Profile,
		"model", request.Model)

	events := coordinator.runner.RunTurn(turnCtx, request)

	lastSeq := int64(-1)
	sawFinish := false
	sawCompletion := false
	failureDetail := ""

	for event := range events {
		// A stop takes effect between events: whatever is still in
		// flight is dropped, not persisted.
		if stopRequested.Load() {
			break
		}
		if writeFailed.Load() {
			failureDetail = "transcript persistence failed"
			cancelTurn()
			break
		}

		lastSeq = event.Seq
		switch event.Kind {
		case thread.KindFinish:
			sawFinish = true
		case thread.KindStatus:
			switch event.Status {
			case thread.StatusCompleted:
				sawCompletion = true
			case thread.StatusFailed:
				failureDetail = event.Message
				if failureDetail == "" {
					failureDetail = "run failed"
				}
			}
		}
		writeQueue <- event
	}
	cancelTurn()

	status := runstore.StatusCompleted
	switch {
	case failureDetail != "":
		status = runstore.StatusFailed
	case !sawFinish && (stopRequested.Load() || ctx.Err() != nil):
		status = runstore.StatusStopped
	}

	if status == runstore.StatusCompleted && !sawCompletion {
		// Nothing in the stream announced completion; say so in the
		// transcript before sealing it.
		writeQueue <- thread.ResponseEvent{
			Seq:       lastSeq + 1,
			Kind:      thread.KindStatus,
			Status:    thread.StatusCompleted,
			Message:   "Run completed successfully (stream ended)",
			CreatedAt: coordinator.clock.Now(),
		}
	}

	closeQueue()
	coordinator.awaitWriter(writerDone, logger)

	// Writes that failed during the drain surface here.
	if writeFailed.Load() && status == runstore.StatusCompleted {
		status = runstore.StatusFailed
		failureDetail = "transcript persistence failed"
	}

	if err := coordinator.persistTerminal(run.ID, status, failureDetail, logger); err != nil {
		logger.Error("terminal status persist failed, run left in last known status",
			"status", status, "error", err)
		coordinator.publishSignal(run.ID, SignalError, logger)
		return
	}
	logger.Info("run finished", "status", status)

	coordinator.archive(run.ID, logger)
	coordinator.publishSignal(run.ID, terminalSignal(status), logger)
}

// poll watches the run's control topics and keeps the liveness record
// fresh. STOP from either topic cancels the turn; the terminal signals
// the coordinator itself publishes land here too and are ignored.
func (coordinator *Coordinator) poll(ctx context.Context, runID string, global, instance <-chan string, stopRequested *atomic.Bool, cancelTurn context.CancelFunc, done chan<- struct{}, logger *slog.Logger) {
	defer close(done)

	ticker := coordinator.clock.NewTicker(coordinator.pollInterval)
	defer ticker.Stop()

	refresh := func() {
		if err := coordinator.store.RefreshLiveness(ctx, coordinator.instanceID, runID, coordinator.livenessTTL); err != nil {
			logger.Warn("liveness refresh failed", "error", err)
		}
	}
	refresh()

	stop := func(topic string) {
		if stopRequested.CompareAndSwap(false, true) {
			logger.Info("stop requested", "topic", topic)
			cancelTurn()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case token, ok := <-global:
			if !ok {
				global = nil
				continue
			}
			if token == SignalStop {
				stop("control")
			}
		case token, ok := <-instance:
			if !ok {
				instance = nil
				continue
			}
			if token == SignalStop {
				stop("instance control")
			}
		case <-ticker.C:
			refresh()
		}
	}
}

// writeTranscript is the transcript writer loop: append each event to
// the durable log, then wake subscribers. Runs until the queue closes.
// Once a write exhausts its retries the writer keeps draining the
// queue without writing, so producers never block on a dead store.
func (coordinator *Coordinator) writeTranscript(runID string, queue <-chan thread.ResponseEvent, done chan<- struct{}, failed *atomic.Bool, logger *slog.Logger) {
	defer close(done)
	for event := range queue {
		if failed.Load() {
			continue
		}
		if err := coordinator.writeEvent(runID, event, logger); err != nil {
			logger.Error("transcript write failed", "seq", event.Seq, "error", err)
			failed.Store(true)
		}
	}
}

// writeEvent encodes and appends one event, converting panics from the
// store or codec into ordinary errors so a poisoned event cannot take
// down the worker.
func (coordinator *Coordinator) writeEvent(runID string, event thread.ResponseEvent, logger *slog.Logger) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("coordinator: transcript write panicked: %v", recovered)
		}
	}()

	encoded, err := codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("coordinator: encoding event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err = coordinator.withRetries(ctx, logger, "transcript append", func() error {
		_, appendErr := coordinator.store.AppendEvent(ctx, runID, encoded)
		return appendErr
	})
	if err != nil {
		return fmt.Errorf("coordinator: appending event: %w", err)
	}

	// Tokens are wake-ups, not data: losing one is harmless because
	// tailers re-read the log from their cursor.
	if err := coordinator.store.Publish(ctx, EventsTopic(runID), eventToken); err != nil {
		logger.Warn("event notification publish failed", "error", err)
	}
	return nil
}

// awaitWriter blocks until the transcript writer drains its queue,
// bounded by the drain timeout. A timeout is logged, not fatal: the
// terminal status must land even when the store is wedged.
func (coordinator *Coordinator) awaitWriter(writerDone <-chan struct{}, logger *slog.Logger) {
	select {
	case <-writerDone:
		return
	default:
	}
	select {
	case <-writerDone:
	case <-coordinator.clock.After(coordinator.drainTimeout):
		logger.Warn("transcript writes still in flight after drain timeout",
			"timeout", coordinator.drainTimeout)
	}
}

// persistTerminal records the terminal status with retries and
// verifies it by reading the registry back rather than trusting the
// write call.
func (coordinator *Coordinator) persistTerminal(runID string, status runstore.RunStatus, errorMessage string, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return coordinator.withRetries(ctx, logger, "terminal status write", func() error {
		if err := coordinator.store.UpdateRunStatus(ctx, runID, status, errorMessage); err != nil {
			return err
		}
		record, err := coordinator.store.Run(ctx, runID)
		if err != nil {
			return err
		}
		if !record.Status.Terminal() {
			return fmt.Errorf("status is %q after terminal write", record.Status)
		}
		return nil
	})
}

// archive seals the full transcript and stores it next to the run.
// Best effort: the live event log stays readable until retention
// expiry whether or not sealing succeeds.
func (coordinator *Coordinator) archive(runID string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	events, err := coordinator.store.Events(ctx, runID, 0)
	if err != nil {
		logger.Warn("transcript archive skipped", "error", err)
		return
	}
	blob, err := transcript.Seal(runID, events, coordinator.archiveKey)
	if err != nil {
		logger.Warn("transcript seal failed", "error", err)
		return
	}
	if err := coordinator.store.PutArchive(ctx, runID, blob); err != nil {
		logger.Warn("transcript archive write failed", "error", err)
		return
	}
	logger.Info("transcript archived", "events", len(events), "bytes", len(blob))
}

// releaseRun is the always-run cleanup: bound the live transcript's
// lifetime, drop the liveness record, release the execution lock.
func (coordinator *Coordinator) releaseRun(runID string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := coordinator.store.SetTranscriptRetention(ctx, runID, coordinator.retention); err != nil {
		logger.Warn("transcript retention set failed", "error", err)
	}
	if err := coordinator.store.DeleteLiveness(ctx, coordinator.instanceID, runID); err != nil {
		logger.Warn("liveness delete failed", "error", err)
	}
	if err := coordinator.store.ReleaseRunLock(ctx, runID, coordinator.instanceID); err != nil {
		logger.Warn("run lock release failed", "error", err)
	}
}

// failSetup records a failure that prevented the run from executing at
// all.
func (coordinator *Coordinator) failSetup(runID string, cause error, logger *slog.Logger) {
	logger.Error("run setup failed", "error", cause)
	if err := coordinator.persistTerminal(runID, runstore.StatusFailed, cause.Error(), logger); err != nil {
		logger.Error("terminal status persist failed, run left in last known status", "error", err)
	}
	coordinator.publishSignal(runID, SignalError, logger)
}

// publishSignal announces a control signal on the run's broadcast
// topic.
func (coordinator *Coordinator) publishSignal(runID, signal string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := coordinator.store.Publish(ctx, ControlTopic(runID), signal); err != nil {
		logger.Warn("terminal signal publish failed", "signal", signal, "error", err)
	}
}

// withRetries runs fn up to persistRetries+1 times with exponential
// backoff between attempts. Returns the last error when every attempt
// fails, or ctx's error when the backoff wait is cut short.
func (coordinator *Coordinator) withRetries(ctx context.Context, logger *slog.Logger, operation string, fn func() error) error {
	backoff := persistBackoffBase
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == persistRetries {
			return err
		}
		logger.Warn(operation+" failed, retrying",
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err)
		select {
		case <-coordinator.clock.After(backoff):
		case <-ctx.Done():
			return err
		}
		backoff *= 2
	}
}

// terminalSignal maps a terminal run status onto the control signal
// announced to subscribers.
func terminalSignal(status runstore.RunStatus) string {
	switch status {
	case runstore.StatusFailed:
		return SignalError
	case runstore.StatusStopped:
		return SignalStop
	default:
		return SignalEndStream
	}
}
