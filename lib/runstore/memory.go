// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package runstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/conductor/lib/clock"
	"github.com/bureau-foundation/conductor/lib/payload"
)

// Memory is the in-process Store implementation: mutex-guarded maps
// with the same TTL and idempotency semantics as SQLite. Pub/sub is
// direct channel delivery, so tokens arrive without polling latency.
// Nothing survives process exit; use it for tests and embedded runs.
type Memory struct {
	clock clock.Clock

	mu          sync.Mutex
	closed      bool
	runs        map[string]Run
	queue       []string
	locks       map[string]memoryLock
	liveness    map[livenessKey]time.Time
	events      map[string][]memoryEvent
	payloads    map[payload.Digest][]byte
	archives    map[string][]byte
	subscribers map[string]map[chan string]struct{}
}

type memoryLock struct {
	owner     string
	expiresAt time.Time
}

type livenessKey struct {
	instanceID string
	runID      string
}

// memoryEvent tombstones on sweep (payload nil) instead of compacting,
// so event indices stay stable the way SQLite's idx column does.
type memoryEvent struct {
	payload   []byte
	expiresAt time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store. A nil clk defaults to
// the real clock.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{
		clock:       clk,
		runs:        make(map[string]Run),
		locks:       make(map[string]memoryLock),
		liveness:    make(map[livenessKey]time.Time),
		events:      make(map[string][]memoryEvent),
		payloads:    make(map[payload.Digest][]byte),
		archives:    make(map[string][]byte),
		subscribers: make(map[string]map[chan string]struct{}),
	}
}

// Close closes every open subscription. The store's maps remain
// readable afterwards; only the notification bus shuts down.
func (memory *Memory) Close() error {
	memory.mu.Lock()
	defer memory.mu.Unlock()
	if memory.closed {
		return nil
	}
	memory.closed = true
	for _, set := range memory.subscribers {
		for tokens := range set {
			delete(set, tokens)
			close(tokens)
		}
	}
	return nil
}

// CreateRun registers a new queued run and returns its record.
func (memory *Memory) CreateRun(ctx context.Context, threadID, profile, projectID string) (*Run, error) {
	if threadID == "" {
		return nil, fmt.Errorf("runstore: create run: thread ID is required")
	}
	if profile == "" {
		return nil, fmt.Errorf("runstore: create run: profile is required")
	}

	memory.mu.Lock()
	defer memory.mu.Unlock()

	run := Run{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		ProjectID: projectID,
		Profile:   profile,
		Status:    StatusQueued,
		CreatedAt: memory.clock.Now(),
	}
	memory.runs[run.ID] = run
	memory.queue = append(memory.queue, run.ID)

	result := run
	return &result, nil
}

// Run returns the registry record for runID.
func (memory *Memory) Run(ctx context.Context, runID string) (*Run, error) {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	run, ok := memory.runs[runID]
	if !ok {
		return nil, fmt.Errorf("runstore: run %s: %w", runID, ErrRunNotFound)
	}
	result := run
	return &result, nil
}

// ClaimQueuedRun atomically moves the oldest queued run to running.
func (memory *Memory) ClaimQueuedRun(ctx context.Context, instanceID string) (*Run, error) {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	// The queue can hold runs that were stopped before any worker
	// claimed them; skip those.
	for len(memory.queue) > 0 {
		runID := memory.queue[0]
		memory.queue = memory.queue[1:]
		run, ok := memory.runs[runID]
		if !ok || run.Status != StatusQueued {
			continue
		}
		run.Status = StatusRunning
		run.ClaimedBy = instanceID
		run.StartedAt = memory.clock.Now()
		memory.runs[runID] = run
		result := run
		return &result, nil
	}
	return nil, ErrNoQueuedRuns
}

// UpdateRunStatus records a terminal status. Already-terminal runs are
// left untouched.
func (memory *Memory) UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errorMessage string) error {
	if !status.Terminal() {
		return fmt.Errorf("runstore: update run status: %q is not a terminal status", status)
	}

	memory.mu.Lock()
	defer memory.mu.Unlock()

	run, ok := memory.runs[runID]
	if !ok {
		return fmt.Errorf("runstore: update run status: %w", ErrRunNotFound)
	}
	if run.Status.Terminal() {
		return nil
	}
	run.Status = status
	run.Error = errorMessage
	run.CompletedAt = memory.clock.Now()
	memory.runs[runID] = run
	return nil
}

// AcquireRunLock takes the run lock if no live lock exists.
func (memory *Memory) AcquireRunLock(ctx context.Context, runID, instanceID string, ttl time.Duration) (bool, error) {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	now := memory.clock.Now()
	if lock, ok := memory.locks[runID]; ok && lock.expiresAt.After(now) {
		return false, nil
	}
	memory.locks[runID] = memoryLock{owner: instanceID, expiresAt: now.Add(ttl)}
	return true, nil
}

// RunLockOwner returns the live lock owner, or "".
func (memory *Memory) RunLockOwner(ctx context.Context, runID string) (string, error) {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	lock, ok := memory.locks[runID]
	if !ok || !lock.expiresAt.After(memory.clock.Now()) {
		return "", nil
	}
	return lock.owner, nil
}

// ReleaseRunLock deletes the lock if instanceID owns it.
func (memory *Memory) ReleaseRunLock(ctx context.Context, runID, instanceID string) error {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	if lock, ok := memory.locks[runID]; ok && lock.owner == instanceID {
		delete(memory.locks, runID)
	}
	return nil
}

// RefreshLiveness upserts the liveness record for the instance/run
// pair.
func (memory *Memory) RefreshLiveness(ctx context.Context, instanceID, runID string, ttl time.Duration) error {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	memory.liveness[livenessKey{instanceID, runID}] = memory.clock.Now().Add(ttl)
	return nil
}

// DeleteLiveness removes the liveness record for the instance/run
// pair.
func (memory *Memory) DeleteLiveness(ctx context.Context, instanceID, runID string) error {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	delete(memory.liveness, livenessKey{instanceID, runID})
	return nil
}

// AppendEvent appends an event to the run's transcript log and returns
// its index.
func (memory *Memory) AppendEvent(ctx context.Context, runID string, event []byte) (int64, error) {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	index := int64(len(memory.events[runID]))
	memory.events[runID] = append(memory.events[runID], memoryEvent{payload: bytes.Clone(event)})
	return index, nil
}

// Events returns the run's transcript events from fromIndex onward.
func (memory *Memory) Events(ctx context.Context, runID string, fromIndex int64) ([][]byte, error) {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	now := memory.clock.Now()
	var events [][]byte
	for index, event := range memory.events[runID] {
		if int64(index) < fromIndex || event.payload == nil {
			continue
		}
		if !event.expiresAt.IsZero() && !event.expiresAt.After(now) {
			continue
		}
		events = append(events, bytes.Clone(event.payload))
	}
	return events, nil
}

// SetTranscriptRetention marks the run's transcript events to expire
// after ttl.
func (memory *Memory) SetTranscriptRetention(ctx context.Context, runID string, ttl time.Duration) error {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	expiresAt := memory.clock.Now().Add(ttl)
	events := memory.events[runID]
	for index := range events {
		events[index].expiresAt = expiresAt
	}
	return nil
}

// Publish delivers token to every current subscriber of topic.
func (memory *Memory) Publish(ctx context.Context, topic, token string) error {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	for tokens := range memory.subscribers[topic] {
		select {
		case tokens <- token:
		default:
			// Subscriber is saturated; the pending tokens already
			// carry the wake-up.
		}
	}
	return nil
}

// Subscribe registers for tokens published to topic after this call.
func (memory *Memory) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	if memory.closed {
		return nil, fmt.Errorf("runstore: subscribe: store is closed")
	}

	tokens := make(chan string, subscriptionBuffer)
	set := memory.subscribers[topic]
	if set == nil {
		set = make(map[chan string]struct{})
		memory.subscribers[topic] = set
	}
	set[tokens] = struct{}{}

	stop := func() {
		memory.mu.Lock()
		defer memory.mu.Unlock()
		// Membership doubles as the close guard: whichever of
		// Subscription.Close and Memory.Close runs first removes the
		// channel and closes it exactly once.
		if _, ok := set[tokens]; !ok {
			return
		}
		delete(set, tokens)
		close(tokens)
	}
	return &Subscription{C: tokens, stop: stop}, nil
}

// PutPayload stores data under its BLAKE3 digest.
func (memory *Memory) PutPayload(ctx context.Context, data []byte) (payload.Digest, error) {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	digest := payload.Sum(data)
	if _, ok := memory.payloads[digest]; !ok {
		memory.payloads[digest] = bytes.Clone(data)
	}
	return digest, nil
}

// Payload returns the bytes stored under digest.
func (memory *Memory) Payload(ctx context.Context, digest payload.Digest) ([]byte, error) {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	data, ok := memory.payloads[digest]
	if !ok {
		return nil, fmt.Errorf("runstore: payload %s: %w", digest.Short(), ErrPayloadNotFound)
	}
	return bytes.Clone(data), nil
}

// PutArchive stores (or replaces) the sealed archive for a run.
func (memory *Memory) PutArchive(ctx context.Context, runID string, blob []byte) error {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	memory.archives[runID] = bytes.Clone(blob)
	return nil
}

// Archive returns the sealed archive for runID.
func (memory *Memory) Archive(ctx context.Context, runID string) ([]byte, error) {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	blob, ok := memory.archives[runID]
	if !ok {
		return nil, fmt.Errorf("runstore: archive %s: %w", runID, ErrArchiveNotFound)
	}
	return bytes.Clone(blob), nil
}

// ExpireNow sweeps expired locks, liveness records, and transcript
// events.
func (memory *Memory) ExpireNow(ctx context.Context) error {
	memory.mu.Lock()
	defer memory.mu.Unlock()

	now := memory.clock.Now()
	for runID, lock := range memory.locks {
		if !lock.expiresAt.After(now) {
			delete(memory.locks, runID)
		}
	}
	for key, expiresAt := range memory.liveness {
		if !expiresAt.After(now) {
			delete(memory.liveness, key)
		}
	}
	for _, events := range memory.events {
		for index := range events {
			expiresAt := events[index].expiresAt
			if !expiresAt.IsZero() && !expiresAt.After(now) {
				events[index].payload = nil
			}
		}
	}
	return nil
}
