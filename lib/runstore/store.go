// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/conductor/lib/payload"
)

// Sentinel errors shared by all Store implementations. Callers branch
// on these with errors.Is; everything else is an operational failure.
var (
	// ErrRunNotFound is returned when a run ID does not exist in the
	// registry.
	ErrRunNotFound = errors.New("runstore: run not found")

	// ErrNoQueuedRuns is returned by ClaimQueuedRun when the queue is
	// empty. Workers treat it as a signal to back off, not a failure.
	ErrNoQueuedRuns = errors.New("runstore: no queued runs")

	// ErrPayloadNotFound is returned when no payload is stored under
	// the requested digest.
	ErrPayloadNotFound = errors.New("runstore: payload not found")

	// ErrArchiveNotFound is returned when a run has no sealed archive.
	ErrArchiveNotFound = errors.New("runstore: archive not found")
)

// RunStatus is the lifecycle state of a run. Transitions are monotonic:
// queued → running → one of the terminal states. Once a run reaches a
// terminal status, further status updates are no-ops.
type RunStatus string

const (
	// StatusQueued means the run has been submitted but no worker has
	// claimed it yet.
	StatusQueued RunStatus = "queued"

	// StatusRunning means a worker has claimed the run and holds (or
	// is acquiring) its execution lock.
	StatusRunning RunStatus = "running"

	// StatusCompleted means the run finished normally.
	StatusCompleted RunStatus = "completed"

	// StatusFailed means the run ended with an error; Run.Error holds
	// the diagnostic.
	StatusFailed RunStatus = "failed"

	// StatusStopped means the run was cancelled by an operator STOP
	// signal and shut down gracefully.
	StatusStopped RunStatus = "stopped"
)

// Terminal reports whether the status is final. Terminal runs accept
// no further status updates.
func (status RunStatus) Terminal() bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

func (status RunStatus) valid() bool {
	switch status {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// MarshalText implements encoding.TextMarshaler so a RunStatus encodes
// as a plain string in CBOR and JSON rather than an opaque value.
func (status RunStatus) MarshalText() ([]byte, error) {
	if !status.valid() {
		return nil, fmt.Errorf("runstore: unknown run status %q", string(status))
	}
	return []byte(status), nil
}

// UnmarshalText implements encoding.TextUnmarshaler with validation:
// decoding rejects statuses outside the known vocabulary instead of
// smuggling them into the registry.
func (status *RunStatus) UnmarshalText(text []byte) error {
	candidate := RunStatus(text)
	if !candidate.valid() {
		return fmt.Errorf("runstore: unknown run status %q", string(text))
	}
	*status = candidate
	return nil
}

// Run is the registry record for a single agent run. The transcript
// itself is not embedded here: events live in the append-only log
// (AppendEvent / Events) and the sealed archive (PutArchive / Archive).
type Run struct {
	// ID is the unique run identifier, assigned by CreateRun.
	ID string `json:"id"`

	// ThreadID names the conversation thread this run executes
	// against. Thread content is owned by the caller; the store only
	// records the association.
	ThreadID string `json:"thread_id"`

	// ProjectID is an optional grouping label. Empty when the run is
	// not associated with a project.
	ProjectID string `json:"project_id,omitempty"`

	// Profile names the agent profile the worker should execute the
	// run with.
	Profile string `json:"profile"`

	// Status is the current lifecycle state.
	Status RunStatus `json:"status"`

	// ClaimedBy is the instance ID of the worker that claimed the
	// run. Empty while queued.
	ClaimedBy string `json:"claimed_by,omitempty"`

	// Error holds the diagnostic for failed runs. Empty otherwise.
	Error string `json:"error,omitempty"`

	// CreatedAt is when the run was submitted.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when a worker claimed the run. Zero while queued.
	StartedAt time.Time `json:"started_at,omitzero"`

	// CompletedAt is when the run reached a terminal status. Zero
	// before that.
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// subscriptionBuffer is the token channel capacity for subscriptions.
// Sixteen pending wake-ups is far more than any subscriber needs; the
// overflow policy (drop) matters, not the depth.
const subscriptionBuffer = 16

// Subscription delivers notification tokens for a single topic.
//
// Tokens are wake-up signals, not data: a subscriber that receives one
// re-reads durable state (the run record, the event log) and must
// tolerate duplicates. Delivery is buffered; when a subscriber lags
// behind, excess tokens are dropped rather than blocking publishers,
// which is sound because any token already pending on C wakes the
// subscriber just as well.
//
// C closes after Close is called. Close is safe to call more than
// once and from any goroutine.
type Subscription struct {
	// C delivers tokens in publish order per publisher.
	C <-chan string

	stop func()
}

// Close stops delivery and releases the subscription's resources.
func (subscription *Subscription) Close() {
	subscription.stop()
}

// Store is the coordination surface for run execution. The coordinator
// and worker depend only on this interface; SQLite and Memory provide
// it with identical semantics.
//
// Every duration parameter is a time-to-live translated into an
// absolute expiry instant using the implementation's clock. Expired
// locks, liveness records, and notifications behave as absent whether
// or not a sweep has physically removed them.
type Store interface {
	// CreateRun registers a new run in StatusQueued and returns the
	// stored record with its assigned ID and creation time. ProjectID
	// may be empty.
	CreateRun(ctx context.Context, threadID, profile, projectID string) (*Run, error)

	// Run returns the registry record for runID, or ErrRunNotFound.
	Run(ctx context.Context, runID string) (*Run, error)

	// ClaimQueuedRun atomically claims the oldest queued run for a
	// worker: the run moves to StatusRunning with StartedAt set, and
	// the claimed record is returned. Returns ErrNoQueuedRuns when
	// the queue is empty. At most one worker observes any given claim;
	// redelivery after a worker crash is fenced by the run lock, not
	// by the claim.
	ClaimQueuedRun(ctx context.Context, instanceID string) (*Run, error)

	// UpdateRunStatus records a terminal status for the run together
	// with its error diagnostic (empty for clean completion) and sets
	// CompletedAt. Updating an already-terminal run is a no-op that
	// returns nil, which makes duplicate terminal writes from retried
	// deliveries harmless. Non-terminal statuses are rejected.
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errorMessage string) error

	// AcquireRunLock attempts to take the execution lock for runID on
	// behalf of instanceID, valid for ttl. It returns true when the
	// lock was acquired and false when another live lock exists.
	// Acquisition is strictly acquire-if-absent: even the current
	// owner gets false while its previous lock is still live.
	AcquireRunLock(ctx context.Context, runID, instanceID string, ttl time.Duration) (bool, error)

	// RunLockOwner returns the instance ID currently holding the run
	// lock, or "" when no live lock exists.
	RunLockOwner(ctx context.Context, runID string) (string, error)

	// ReleaseRunLock deletes the run lock if instanceID still owns
	// it. Releasing a lock held by another instance, or no lock at
	// all, is a no-op.
	ReleaseRunLock(ctx context.Context, runID, instanceID string) error

	// RefreshLiveness upserts the liveness record for an instance
	// executing a run, valid for ttl. Monitors read these records to
	// detect workers that died mid-run.
	RefreshLiveness(ctx context.Context, instanceID, runID string, ttl time.Duration) error

	// DeleteLiveness removes the liveness record for the instance/run
	// pair. Missing records are a no-op.
	DeleteLiveness(ctx context.Context, instanceID, runID string) error

	// AppendEvent appends an encoded event to the run's transcript
	// log and returns its zero-based index. Indices are dense and
	// strictly increasing per run.
	AppendEvent(ctx context.Context, runID string, event []byte) (int64, error)

	// Events returns the run's transcript events from fromIndex
	// (inclusive) onward, in append order. An empty slice means no
	// events at or past fromIndex.
	Events(ctx context.Context, runID string, fromIndex int64) ([][]byte, error)

	// SetTranscriptRetention marks the run's transcript events to
	// expire after ttl. Events past their expiry are invisible to
	// Events and swept by ExpireNow. Archives are not affected.
	SetTranscriptRetention(ctx context.Context, runID string, ttl time.Duration) error

	// Publish sends a notification token to every current subscriber
	// of topic. Delivery is at-least-once for live subscribers with a
	// bounded buffer; see Subscription.
	Publish(ctx context.Context, topic, token string) error

	// Subscribe registers for tokens published to topic from this
	// point forward. Earlier notifications are not replayed; late
	// subscribers reconstruct state from the run registry and event
	// log instead.
	Subscribe(ctx context.Context, topic string) (*Subscription, error)

	// PutPayload stores data content-addressed by its BLAKE3 digest
	// and returns that digest. Storing the same bytes twice is
	// idempotent.
	PutPayload(ctx context.Context, data []byte) (payload.Digest, error)

	// Payload returns the bytes stored under digest, or
	// ErrPayloadNotFound.
	Payload(ctx context.Context, digest payload.Digest) ([]byte, error)

	// PutArchive stores the sealed transcript archive for a run,
	// replacing any previous archive for the same run.
	PutArchive(ctx context.Context, runID string, blob []byte) error

	// Archive returns the sealed archive for runID, or
	// ErrArchiveNotFound.
	Archive(ctx context.Context, runID string) ([]byte, error)

	// ExpireNow synchronously sweeps expired locks, liveness records,
	// notifications, and transcript events. Readers already ignore
	// expired rows; the sweep reclaims space.
	ExpireNow(ctx context.Context) error

	// Close releases the store's resources. Open subscriptions are
	// closed.
	Close() error
}
