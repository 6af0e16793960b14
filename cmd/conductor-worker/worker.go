// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/conductor/lib/clock"
	"github.com/bureau-foundation/conductor/lib/coordinator"
	"github.com/bureau-foundation/conductor/lib/llm"
	llmcontext "github.com/bureau-foundation/conductor/lib/llm/context"
	"github.com/bureau-foundation/conductor/lib/profile"
	"github.com/bureau-foundation/conductor/lib/runstore"
	"github.com/bureau-foundation/conductor/lib/secret"
	"github.com/bureau-foundation/conductor/lib/thread"
)

const (
	// defaultPollInterval is the queue poll cadence when the
	// configuration leaves it unset.
	defaultPollInterval = 2 * time.Second

	// drainTimeout bounds the shutdown wait for in-flight runs. Each
	// run observes the cancelled context and settles as stopped well
	// inside this; the bound exists for runs wedged on an unresponsive
	// store.
	drainTimeout = 60 * time.Second

	// settleTimeout bounds the store writes that record a run this
	// worker claimed but could not execute.
	settleTimeout = 10 * time.Second
)

// Worker claims queued runs and executes them. One Worker per process;
// each claimed run executes in its own goroutine with its own
// coordinator, so a slow run never blocks the claim loop.
type Worker struct {
	// store is the coordination store runs are claimed from and
	// settled into.
	store runstore.Store

	// history persists thread messages and backs the expand-message
	// tool.
	history thread.History

	// gateway is the LLM backend shared by every run.
	gateway llm.Provider

	// compressor prepares conversations for model context windows.
	// Shared across runs; its estimator calibration accumulates over
	// the worker's lifetime.
	compressor *llmcontext.Compressor

	// profiles is the agent profile catalog, keyed by name. Loaded
	// once at startup; a run naming an unknown profile fails.
	profiles map[string]*profile.Profile

	// instanceID attributes claims, locks, and liveness records to
	// this worker.
	instanceID string

	// archiveKey encrypts sealed transcript archives. Nil means
	// plaintext archives.
	archiveKey *secret.Buffer

	// fallbackPrefix derives a fallback model for profiles that name
	// none. Empty disables derivation.
	fallbackPrefix string

	// lockTTL, livenessTTL, livenessInterval, and transcriptRetention
	// are handed to each run's coordinator. Zero means the coordinator
	// default.
	lockTTL             time.Duration
	livenessTTL         time.Duration
	livenessInterval    time.Duration
	transcriptRetention time.Duration

	// pollInterval is the idle queue poll cadence.
	pollInterval time.Duration

	// maxAutoContinues and maxIterations are worker-wide turn bounds;
	// a nonzero profile value overrides them per run.
	maxAutoContinues int
	maxIterations    int

	// maxOverloadRetries and maxToolCalls are worker-wide only;
	// profiles do not override them.
	maxOverloadRetries int
	maxToolCalls       int

	logger *slog.Logger
	clock  clock.Clock

	// running tracks in-flight run goroutines for drain.
	running sync.WaitGroup
}

// claimLoop polls the queue and dispatches claimed runs until ctx is
// cancelled. After a successful claim it re-polls immediately, so a
// backlog drains at execution speed rather than poll speed.
func (worker *Worker) claimLoop(ctx context.Context) {
	pollInterval := worker.pollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	for {
		if ctx.Err() != nil {
			return
		}

		run, err := worker.store.ClaimQueuedRun(ctx, worker.instanceID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, runstore.ErrNoQueuedRuns) {
				worker.logger.Error("claim failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-worker.clock.After(pollInterval):
			}
			continue
		}

		worker.logger.Info("run claimed",
			"run", run.ID,
			"thread", run.ThreadID,
			"profile", run.Profile)

		worker.running.Add(1)
		go func() {
			defer worker.running.Done()
			worker.executeRun(ctx, run)
		}()
	}
}

// executeRun assembles the per-run turn pipeline and hands the run to
// a coordinator. The registry is thread-scoped and the coordinator is
// single-runner, so the whole chain is built fresh per run; every
// piece is cheap, the expensive parts (store, gateway, compressor)
// are shared.
func (worker *Worker) executeRun(ctx context.Context, run *runstore.Run) {
	logger := worker.logger.With("run", run.ID)

	prof, ok := worker.profiles[run.Profile]
	if !ok {
		worker.settleFailure(run.ID, fmt.Sprintf("unknown profile %q", run.Profile), logger)
		return
	}

	registry := newToolRegistry(worker.history, run.ThreadID, prof.Tools)

	processor, err := thread.NewStreamProcessor(thread.StreamProcessorConfig{
		History:      worker.history,
		Registry:     registry,
		MaxToolCalls: worker.maxToolCalls,
		Logger:       logger,
		Clock:        worker.clock,
	})
	if err != nil {
		worker.settleFailure(run.ID, err.Error(), logger)
		return
	}

	orchestrator, err := thread.NewOrchestrator(thread.OrchestratorConfig{
		Provider:           worker.gateway,
		Processor:          processor,
		History:            worker.history,
		Compressor:         worker.compressor,
		MaxAutoContinues:   overrideLimit(prof.MaxAutoContinues, worker.maxAutoContinues),
		MaxIterations:      overrideLimit(prof.MaxIterations, worker.maxIterations),
		MaxOverloadRetries: worker.maxOverloadRetries,
		Logger:             logger,
		Clock:              worker.clock,
	})
	if err != nil {
		worker.settleFailure(run.ID, err.Error(), logger)
		return
	}

	runCoordinator, err := coordinator.New(coordinator.Config{
		Store:               worker.store,
		Runner:              orchestrator,
		InstanceID:          worker.instanceID,
		ArchiveKey:          worker.archiveKey,
		LockTTL:             worker.lockTTL,
		LivenessTTL:         worker.livenessTTL,
		PollInterval:        worker.livenessInterval,
		TranscriptRetention: worker.transcriptRetention,
		Logger:              worker.logger,
		Clock:               worker.clock,
	})
	if err != nil {
		worker.settleFailure(run.ID, err.Error(), logger)
		return
	}

	request := thread.TurnRequest{
		ThreadID:      run.ThreadID,
		Model:         prof.Model,
		FallbackModel: worker.fallbackModel(prof),
		SystemPrompt:  prof.SystemPrompt,
		Tools:         registry.Definitions(),
		MaxTokens:     prof.MaxTokens,
		Temperature:   prof.Temperature,
	}

	if err := runCoordinator.Execute(ctx, run, request); err != nil {
		worker.settleFailure(run.ID, err.Error(), logger)
	}
}

// settleFailure records a terminal failure for a run this worker
// claimed but could not hand to a coordinator. Once Execute begins,
// terminal handling belongs to the coordinator; this covers the gap
// before it. Both writes are best-effort: a run they miss stays
// running until its liveness record lapses.
func (worker *Worker) settleFailure(runID, detail string, logger *slog.Logger) {
	logger.Error("run failed before execution", "error", detail)

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if err := worker.store.UpdateRunStatus(ctx, runID, runstore.StatusFailed, detail); err != nil {
		logger.Error("failure status persist failed", "error", err)
	}
	if err := worker.store.Publish(ctx, coordinator.ControlTopic(runID), coordinator.SignalError); err != nil {
		logger.Warn("failure signal publish failed", "error", err)
	}
}

// drain waits for in-flight runs to settle, bounded by drainTimeout.
func (worker *Worker) drain() {
	settled := make(chan struct{})
	go func() {
		worker.running.Wait()
		close(settled)
	}()

	select {
	case <-settled:
		worker.logger.Info("all runs settled")
	case <-worker.clock.After(drainTimeout):
		worker.logger.Warn("drain timed out with runs still in flight")
	}
}

// fallbackModel resolves a profile's fallback: an explicit profile
// fallback wins, otherwise the gateway prefix derives one from the
// primary model. Empty means the turn has no fallback route.
func (worker *Worker) fallbackModel(prof *profile.Profile) string {
	if prof.FallbackModel != "" {
		return prof.FallbackModel
	}
	if worker.fallbackPrefix != "" {
		return worker.fallbackPrefix + prof.Model
	}
	return ""
}

// overrideLimit resolves a turn bound from profile and worker
// configuration: a nonzero profile value wins. The result keeps the
// downstream convention (zero = component default, negative =
// disabled).
func overrideLimit(profileValue, workerValue int) int {
	if profileValue != 0 {
		return profileValue
	}
	return workerValue
}
