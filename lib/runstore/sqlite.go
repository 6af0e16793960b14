// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package runstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/conductor/lib/clock"
	"github.com/bureau-foundation/conductor/lib/payload"
	"github.com/bureau-foundation/conductor/lib/sqlitepool"
)

// defaultPollInterval is the cadence at which SQLite-backed
// subscriptions poll the notifications table. Short enough that a
// `tail --follow` feels live, long enough that an idle subscriber
// costs almost nothing.
const defaultPollInterval = 200 * time.Millisecond

// notificationTTL bounds how long published tokens stay in the
// notifications table. Subscribers only read forward from their
// subscription point, so old tokens are pure garbage after this.
const notificationTTL = 5 * time.Minute

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	thread_id    TEXT NOT NULL,
	project_id   TEXT NOT NULL DEFAULT '',
	profile      TEXT NOT NULL,
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	claimed_by   TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	started_at   INTEGER,
	completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS runs_status_created ON runs (status, created_at);

CREATE TABLE IF NOT EXISTS run_locks (
	run_id     TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS liveness (
	instance_id TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	expires_at  INTEGER NOT NULL,
	PRIMARY KEY (instance_id, run_id)
);

CREATE TABLE IF NOT EXISTS transcript_events (
	run_id     TEXT NOT NULL,
	idx        INTEGER NOT NULL,
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER,
	PRIMARY KEY (run_id, idx)
);

CREATE TABLE IF NOT EXISTS payloads (
	digest     BLOB PRIMARY KEY,
	data       BLOB NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS archives (
	run_id     TEXT PRIMARY KEY,
	blob       BLOB NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	topic      TEXT NOT NULL,
	token      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS notifications_topic_seq ON notifications (topic, seq);
`

// SQLiteConfig holds the parameters for opening a SQLite-backed store.
type SQLiteConfig struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// a small CPU-scaled pool if zero or negative.
	PoolSize int

	// Clock provides the time base for TTL expiry and record
	// timestamps. Required; use clock.Real() outside tests.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger

	// PollInterval overrides how often subscriptions poll for new
	// notifications. Defaults to defaultPollInterval if zero.
	PollInterval time.Duration
}

// SQLite is the production Store implementation: a single WAL-mode
// SQLite database holding the run registry, locks, liveness, the
// transcript event log, payloads, archives, and notifications.
//
// Pub/sub maps onto a polled notifications table: Publish inserts a
// row, subscriber goroutines poll forward from their subscription
// point on a short interval. That satisfies the wake-up-only,
// at-least-once contract without any connection-level push mechanism.
type SQLite struct {
	pool         *sqlitepool.Pool
	clock        clock.Clock
	logger       *slog.Logger
	pollInterval time.Duration

	// runCtx parents every subscription poller; Close cancels it and
	// waits for subscribers before tearing down the pool.
	runCtx      context.Context
	cancel      context.CancelFunc
	subscribers sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if necessary) the store database at
// config.Path and applies the schema.
func OpenSQLite(config SQLiteConfig) (*SQLite, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("runstore: Path is required")
	}
	if config.Clock == nil {
		return nil, fmt.Errorf("runstore: Clock is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("runstore: Logger is required")
	}

	pollInterval := config.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     config.Path,
		PoolSize: config.PoolSize,
		Logger:   config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("runstore: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	store := &SQLite{
		pool:         pool,
		clock:        config.Clock,
		logger:       config.Logger,
		pollInterval: pollInterval,
		runCtx:       runCtx,
		cancel:       cancel,
	}

	if err := store.applySchema(); err != nil {
		cancel()
		pool.Close()
		return nil, fmt.Errorf("runstore: applying schema: %w", err)
	}

	return store, nil
}

func (store *SQLite) applySchema() error {
	conn, err := store.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer store.pool.Put(conn)
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// Close cancels all subscriptions, waits for their pollers to exit,
// and closes the connection pool.
func (store *SQLite) Close() error {
	store.closeOnce.Do(func() {
		store.cancel()
		store.subscribers.Wait()
		store.closeErr = store.pool.Close()
	})
	return store.closeErr
}

func (store *SQLite) nowNanos() int64 {
	return store.clock.Now().UnixNano()
}

func (store *SQLite) expiryNanos(ttl time.Duration) int64 {
	return store.clock.Now().Add(ttl).UnixNano()
}

// CreateRun registers a new queued run and returns its record.
func (store *SQLite) CreateRun(ctx context.Context, threadID, profile, projectID string) (*Run, error) {
	if threadID == "" {
		return nil, fmt.Errorf("runstore: create run: thread ID is required")
	}
	if profile == "" {
		return nil, fmt.Errorf("runstore: create run: profile is required")
	}

	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("runstore: create run: %w", err)
	}
	defer store.pool.Put(conn)

	run := &Run{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		ProjectID: projectID,
		Profile:   profile,
		Status:    StatusQueued,
		CreatedAt: store.clock.Now(),
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO runs (id, thread_id, project_id, profile, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{run.ID, run.ThreadID, run.ProjectID, run.Profile, string(run.Status), run.CreatedAt.UnixNano()},
		})
	if err != nil {
		return nil, fmt.Errorf("runstore: create run: %w", err)
	}
	return run, nil
}

// Run returns the registry record for runID.
func (store *SQLite) Run(ctx context.Context, runID string) (*Run, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("runstore: run %s: %w", runID, err)
	}
	defer store.pool.Put(conn)

	run, err := loadRun(conn, runID)
	if err != nil {
		return nil, fmt.Errorf("runstore: run %s: %w", runID, err)
	}
	if run == nil {
		return nil, fmt.Errorf("runstore: run %s: %w", runID, ErrRunNotFound)
	}
	return run, nil
}

// runColumns is the column order every run SELECT uses, matching
// scanRun.
const runColumns = `id, thread_id, project_id, profile, status, error, claimed_by, created_at, started_at, completed_at`

func loadRun(conn *sqlite.Conn, runID string) (*Run, error) {
	var run *Run
	err := sqlitex.Execute(conn,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{runID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				run = scanRun(stmt)
				return nil
			},
		})
	return run, err
}

func scanRun(stmt *sqlite.Stmt) *Run {
	run := &Run{
		ID:        stmt.ColumnText(0),
		ThreadID:  stmt.ColumnText(1),
		ProjectID: stmt.ColumnText(2),
		Profile:   stmt.ColumnText(3),
		Status:    RunStatus(stmt.ColumnText(4)),
		Error:     stmt.ColumnText(5),
		ClaimedBy: stmt.ColumnText(6),
		CreatedAt: time.Unix(0, stmt.ColumnInt64(7)),
	}
	if !stmt.ColumnIsNull(8) {
		run.StartedAt = time.Unix(0, stmt.ColumnInt64(8))
	}
	if !stmt.ColumnIsNull(9) {
		run.CompletedAt = time.Unix(0, stmt.ColumnInt64(9))
	}
	return run
}

// ClaimQueuedRun atomically moves the oldest queued run to running on
// behalf of instanceID.
func (store *SQLite) ClaimQueuedRun(ctx context.Context, instanceID string) (run *Run, err error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("runstore: claim queued run: %w", err)
	}
	defer store.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("runstore: claim queued run: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY created_at, id LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{string(StatusQueued)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				run = scanRun(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("runstore: claim queued run: %w", err)
	}
	if run == nil {
		return nil, ErrNoQueuedRuns
	}

	startedAt := store.clock.Now()
	err = sqlitex.Execute(conn, `
		UPDATE runs SET status = ?, claimed_by = ?, started_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(StatusRunning), instanceID, startedAt.UnixNano(), run.ID},
		})
	if err != nil {
		return nil, fmt.Errorf("runstore: claim queued run: %w", err)
	}

	run.Status = StatusRunning
	run.ClaimedBy = instanceID
	run.StartedAt = startedAt
	return run, nil
}

// UpdateRunStatus records a terminal status. Already-terminal runs are
// left untouched.
func (store *SQLite) UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errorMessage string) error {
	if !status.Terminal() {
		return fmt.Errorf("runstore: update run status: %q is not a terminal status", status)
	}

	conn, err := store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("runstore: update run status: %w", err)
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		UPDATE runs SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(status), errorMessage, store.nowNanos(),
				runID, string(StatusQueued), string(StatusRunning),
			},
		})
	if err != nil {
		return fmt.Errorf("runstore: update run status: %w", err)
	}
	if conn.Changes() > 0 {
		return nil
	}

	// Nothing updated: either the run is already terminal (fine) or
	// it does not exist.
	run, err := loadRun(conn, runID)
	if err != nil {
		return fmt.Errorf("runstore: update run status: %w", err)
	}
	if run == nil {
		return fmt.Errorf("runstore: update run status: %w", ErrRunNotFound)
	}
	return nil
}

// AcquireRunLock takes the run lock if no live lock exists.
func (store *SQLite) AcquireRunLock(ctx context.Context, runID, instanceID string, ttl time.Duration) (acquired bool, err error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("runstore: acquire run lock: %w", err)
	}
	defer store.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return false, fmt.Errorf("runstore: acquire run lock: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	now := store.nowNanos()
	err = sqlitex.Execute(conn,
		`DELETE FROM run_locks WHERE run_id = ? AND expires_at <= ?`,
		&sqlitex.ExecOptions{Args: []any{runID, now}})
	if err != nil {
		return false, fmt.Errorf("runstore: acquire run lock: %w", err)
	}

	held := false
	err = sqlitex.Execute(conn,
		`SELECT owner FROM run_locks WHERE run_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{runID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				held = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("runstore: acquire run lock: %w", err)
	}
	if held {
		return false, nil
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO run_locks (run_id, owner, expires_at) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{runID, instanceID, store.expiryNanos(ttl)}})
	if err != nil {
		return false, fmt.Errorf("runstore: acquire run lock: %w", err)
	}
	return true, nil
}

// RunLockOwner returns the live lock owner, or "".
func (store *SQLite) RunLockOwner(ctx context.Context, runID string) (string, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("runstore: run lock owner: %w", err)
	}
	defer store.pool.Put(conn)

	owner := ""
	err = sqlitex.Execute(conn,
		`SELECT owner FROM run_locks WHERE run_id = ? AND expires_at > ?`,
		&sqlitex.ExecOptions{
			Args: []any{runID, store.nowNanos()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				owner = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("runstore: run lock owner: %w", err)
	}
	return owner, nil
}

// ReleaseRunLock deletes the lock if instanceID owns it.
func (store *SQLite) ReleaseRunLock(ctx context.Context, runID, instanceID string) error {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("runstore: release run lock: %w", err)
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM run_locks WHERE run_id = ? AND owner = ?`,
		&sqlitex.ExecOptions{Args: []any{runID, instanceID}})
	if err != nil {
		return fmt.Errorf("runstore: release run lock: %w", err)
	}
	return nil
}

// RefreshLiveness upserts the liveness record for the instance/run
// pair.
func (store *SQLite) RefreshLiveness(ctx context.Context, instanceID, runID string, ttl time.Duration) error {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("runstore: refresh liveness: %w", err)
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO liveness (instance_id, run_id, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (instance_id, run_id) DO UPDATE SET expires_at = excluded.expires_at`,
		&sqlitex.ExecOptions{Args: []any{instanceID, runID, store.expiryNanos(ttl)}})
	if err != nil {
		return fmt.Errorf("runstore: refresh liveness: %w", err)
	}
	return nil
}

// DeleteLiveness removes the liveness record for the instance/run
// pair.
func (store *SQLite) DeleteLiveness(ctx context.Context, instanceID, runID string) error {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("runstore: delete liveness: %w", err)
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM liveness WHERE instance_id = ? AND run_id = ?`,
		&sqlitex.ExecOptions{Args: []any{instanceID, runID}})
	if err != nil {
		return fmt.Errorf("runstore: delete liveness: %w", err)
	}
	return nil
}

// AppendEvent appends an event to the run's transcript log and returns
// its index.
func (store *SQLite) AppendEvent(ctx context.Context, runID string, event []byte) (index int64, err error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("runstore: append event: %w", err)
	}
	defer store.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("runstore: append event: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM transcript_events WHERE run_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{runID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				index = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("runstore: append event: %w", err)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO transcript_events (run_id, idx, payload, created_at) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{runID, index, event, store.nowNanos()}})
	if err != nil {
		return 0, fmt.Errorf("runstore: append event: %w", err)
	}
	return index, nil
}

// Events returns the run's transcript events from fromIndex onward.
func (store *SQLite) Events(ctx context.Context, runID string, fromIndex int64) ([][]byte, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("runstore: events: %w", err)
	}
	defer store.pool.Put(conn)

	var events [][]byte
	err = sqlitex.Execute(conn, `
		SELECT payload FROM transcript_events
		WHERE run_id = ? AND idx >= ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY idx`,
		&sqlitex.ExecOptions{
			Args: []any{runID, fromIndex, store.nowNanos()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				event := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, event)
				events = append(events, event)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("runstore: events: %w", err)
	}
	return events, nil
}

// SetTranscriptRetention marks the run's transcript events to expire
// after ttl.
func (store *SQLite) SetTranscriptRetention(ctx context.Context, runID string, ttl time.Duration) error {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("runstore: set transcript retention: %w", err)
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE transcript_events SET expires_at = ? WHERE run_id = ?`,
		&sqlitex.ExecOptions{Args: []any{store.expiryNanos(ttl), runID}})
	if err != nil {
		return fmt.Errorf("runstore: set transcript retention: %w", err)
	}
	return nil
}

// Publish inserts a notification token for topic.
func (store *SQLite) Publish(ctx context.Context, topic, token string) error {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("runstore: publish: %w", err)
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO notifications (topic, token, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{topic, token, store.nowNanos(), store.expiryNanos(notificationTTL)},
		})
	if err != nil {
		return fmt.Errorf("runstore: publish: %w", err)
	}
	return nil
}

// Subscribe starts a poller that delivers tokens published to topic
// after this call.
func (store *SQLite) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("runstore: subscribe: %w", err)
	}

	// The cursor starts at the current head: only notifications
	// published after the subscription exist for this subscriber.
	var cursor int64
	err = sqlitex.Execute(conn,
		`SELECT COALESCE(MAX(seq), 0) FROM notifications`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cursor = stmt.ColumnInt64(0)
				return nil
			},
		})
	store.pool.Put(conn)
	if err != nil {
		return nil, fmt.Errorf("runstore: subscribe: %w", err)
	}

	pollCtx, cancel := context.WithCancel(store.runCtx)
	tokens := make(chan string, subscriptionBuffer)
	store.subscribers.Add(1)
	go store.pollTopic(pollCtx, topic, cursor, tokens)

	return &Subscription{C: tokens, stop: sync.OnceFunc(cancel)}, nil
}

// pollTopic is the subscription poller: every pollInterval it reads
// notifications past the cursor and forwards their tokens.
func (store *SQLite) pollTopic(ctx context.Context, topic string, cursor int64, tokens chan<- string) {
	defer store.subscribers.Done()
	defer close(tokens)

	ticker := store.clock.NewTicker(store.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		batch, next, err := store.fetchNotifications(ctx, topic, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			store.logger.Warn("notification poll failed", "topic", topic, "error", err)
			continue
		}
		cursor = next
		for _, token := range batch {
			select {
			case tokens <- token:
			default:
				// Subscriber is saturated; the pending tokens
				// already carry the wake-up.
			}
		}
	}
}

func (store *SQLite) fetchNotifications(ctx context.Context, topic string, cursor int64) ([]string, int64, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, cursor, err
	}
	defer store.pool.Put(conn)

	var batch []string
	next := cursor
	err = sqlitex.Execute(conn, `
		SELECT seq, token FROM notifications
		WHERE topic = ? AND seq > ? AND expires_at > ?
		ORDER BY seq`,
		&sqlitex.ExecOptions{
			Args: []any{topic, cursor, store.nowNanos()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				next = stmt.ColumnInt64(0)
				batch = append(batch, stmt.ColumnText(1))
				return nil
			},
		})
	if err != nil {
		return nil, cursor, err
	}
	return batch, next, nil
}

// PutPayload stores data under its BLAKE3 digest.
func (store *SQLite) PutPayload(ctx context.Context, data []byte) (payload.Digest, error) {
	digest := payload.Sum(data)

	conn, err := store.pool.Take(ctx)
	if err != nil {
		return payload.Digest{}, fmt.Errorf("runstore: put payload: %w", err)
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO payloads (digest, data, created_at) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{digest[:], data, store.nowNanos()}})
	if err != nil {
		return payload.Digest{}, fmt.Errorf("runstore: put payload: %w", err)
	}
	return digest, nil
}

// Payload returns the bytes stored under digest.
func (store *SQLite) Payload(ctx context.Context, digest payload.Digest) ([]byte, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("runstore: payload %s: %w", digest.Short(), err)
	}
	defer store.pool.Put(conn)

	var data []byte
	err = sqlitex.Execute(conn,
		`SELECT data FROM payloads WHERE digest = ?`,
		&sqlitex.ExecOptions{
			Args: []any{digest[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				data = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, data)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("runstore: payload %s: %w", digest.Short(), err)
	}
	if data == nil {
		return nil, fmt.Errorf("runstore: payload %s: %w", digest.Short(), ErrPayloadNotFound)
	}
	return data, nil
}

// PutArchive stores (or replaces) the sealed archive for a run.
func (store *SQLite) PutArchive(ctx context.Context, runID string, blob []byte) error {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("runstore: put archive: %w", err)
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO archives (run_id, blob, created_at) VALUES (?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET blob = excluded.blob, created_at = excluded.created_at`,
		&sqlitex.ExecOptions{Args: []any{runID, blob, store.nowNanos()}})
	if err != nil {
		return fmt.Errorf("runstore: put archive: %w", err)
	}
	return nil
}

// Archive returns the sealed archive for runID.
func (store *SQLite) Archive(ctx context.Context, runID string) ([]byte, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("runstore: archive %s: %w", runID, err)
	}
	defer store.pool.Put(conn)

	var blob []byte
	err = sqlitex.Execute(conn,
		`SELECT blob FROM archives WHERE run_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{runID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("runstore: archive %s: %w", runID, err)
	}
	if blob == nil {
		return nil, fmt.Errorf("runstore: archive %s: %w", runID, ErrArchiveNotFound)
	}
	return blob, nil
}

// ExpireNow sweeps expired rows from every TTL-carrying table.
func (store *SQLite) ExpireNow(ctx context.Context) error {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("runstore: expire: %w", err)
	}
	defer store.pool.Put(conn)

	now := store.nowNanos()
	sweeps := []string{
		`DELETE FROM run_locks WHERE expires_at <= ?`,
		`DELETE FROM liveness WHERE expires_at <= ?`,
		`DELETE FROM notifications WHERE expires_at <= ?`,
		`DELETE FROM transcript_events WHERE expires_at IS NOT NULL AND expires_at <= ?`,
	}
	for _, sweep := range sweeps {
		err := sqlitex.Execute(conn, sweep, &sqlitex.ExecOptions{Args: []any{now}})
		if err != nil {
			return fmt.Errorf("runstore: expire: %w", err)
		}
	}
	return nil
}
