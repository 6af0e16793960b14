// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package threadstore persists conversation threads as files: one
// deterministic-CBOR message list per thread under a single directory.
// It is the worker's thread history backend and the CLI's seeding
// surface; runs reference threads by ID and the coordination store
// never sees message content.
//
// Appends are read-modify-write cycles guarded by a per-thread flock,
// so concurrent appenders (a worker mid-run and an operator seeding
// the next prompt, or two runs against one thread) serialize instead
// of losing messages. Each rewrite lands via temp file and rename, so
// readers always observe a complete list.
package threadstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/conductor/lib/clock"
	"github.com/bureau-foundation/conductor/lib/codec"
	"github.com/bureau-foundation/conductor/lib/llm"
	"github.com/bureau-foundation/conductor/lib/payload"
)

// threadIDPattern matches valid thread IDs. The ID becomes a file
// name, so it must start with an alphanumeric (no dotfiles, no "..")
// and may not contain path separators.
var threadIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// DefaultDir returns the conventional thread directory for a
// deployment whose coordination store lives at storePath: a "threads"
// directory next to the database file. The worker and the CLI both
// derive the location this way so they operate on the same threads.
func DefaultDir(storePath string) string {
	return filepath.Join(filepath.Dir(storePath), "threads")
}

// PayloadStore receives copies of tool-result arguments so that
// digest references created by history compression stay resolvable
// out of band. runstore.Store satisfies it.
type PayloadStore interface {
	PutPayload(ctx context.Context, data []byte) (payload.Digest, error)
}

// Config holds the dependencies for a Store.
type Config struct {
	// Dir is the directory holding one file per thread. Created if
	// missing. Required.
	Dir string

	// Payloads, when set, receives a content-addressed copy of every
	// appended tool-result argument payload. Mirroring is best
	// effort: the thread file stays authoritative.
	Payloads PayloadStore

	// Clock stamps appended messages. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives mirroring failures. Defaults to a no-op logger.
	Logger *slog.Logger
}

// Store reads and appends thread messages. Safe for concurrent use,
// including across processes sharing the directory.
type Store struct {
	dir      string
	payloads PayloadStore
	clock    clock.Clock
	logger   *slog.Logger
}

// New ensures the thread directory exists and returns a store.
func New(config Config) (*Store, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("threadstore: Dir is required")
	}
	if err := os.MkdirAll(config.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("threadstore: creating directory: %w", err)
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Store{
		dir:      config.Dir,
		payloads: config.Payloads,
		clock:    clk,
		logger:   logger,
	}, nil
}

// Messages returns the thread's messages in conversation order. A
// thread that has never been written is empty, not an error.
func (store *Store) Messages(ctx context.Context, threadID string) ([]llm.Message, error) {
	if err := validateThreadID(threadID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return store.readMessages(threadID)
}

// Append persists message at the end of the thread and returns the
// stored form. A missing ID is assigned, a zero CreatedAt is stamped
// with the store's clock; both are preserved when already set.
func (store *Store) Append(ctx context.Context, threadID string, message llm.Message) (llm.Message, error) {
	if err := validateThreadID(threadID); err != nil {
		return llm.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return llm.Message{}, err
	}

	unlock, err := store.lockThread(threadID)
	if err != nil {
		return llm.Message{}, err
	}
	defer unlock()

	messages, err := store.readMessages(threadID)
	if err != nil {
		return llm.Message{}, err
	}

	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = store.clock.Now().UTC()
	}
	messages = append(messages, message)

	if err := store.writeMessages(threadID, messages); err != nil {
		return llm.Message{}, err
	}

	store.mirrorPayloads(ctx, threadID, message)
	return message, nil
}

// lockThread takes the thread's exclusive append lock. The lock lives
// in a sibling file that is never renamed, because the thread file
// itself is replaced on every append and a lock on a replaced inode
// protects nothing.
func (store *Store) lockThread(threadID string) (func(), error) {
	lockPath := filepath.Join(store.dir, threadID+".lock")
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("threadstore: opening lock for thread %q: %w", threadID, err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("threadstore: locking thread %q: %w", threadID, err)
	}
	return func() { lockFile.Close() }, nil
}

func (store *Store) readMessages(threadID string) ([]llm.Message, error) {
	data, err := os.ReadFile(store.threadPath(threadID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("threadstore: reading thread %q: %w", threadID, err)
	}

	var messages []llm.Message
	if err := codec.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("threadstore: decoding thread %q: %w", threadID, err)
	}
	return messages, nil
}

// writeMessages replaces the thread file atomically: temp file in the
// same directory, then rename over the target.
func (store *Store) writeMessages(threadID string, messages []llm.Message) error {
	encoded, err := codec.Marshal(messages)
	if err != nil {
		return fmt.Errorf("threadstore: encoding thread %q: %w", threadID, err)
	}

	temporary, err := os.CreateTemp(store.dir, "thread-*.tmp")
	if err != nil {
		return fmt.Errorf("threadstore: creating temp file: %w", err)
	}
	temporaryPath := temporary.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(temporaryPath)
		}
	}()

	if _, err := temporary.Write(encoded); err != nil {
		temporary.Close()
		return fmt.Errorf("threadstore: writing thread %q: %w", threadID, err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("threadstore: closing temp file: %w", err)
	}
	if err := os.Rename(temporaryPath, store.threadPath(threadID)); err != nil {
		return fmt.Errorf("threadstore: renaming thread %q into place: %w", threadID, err)
	}
	success = true
	return nil
}

// mirrorPayloads copies the message's tool-result argument payloads
// into the payload store. Failures degrade digest references, not the
// thread, so they are logged and swallowed.
func (store *Store) mirrorPayloads(ctx context.Context, threadID string, message llm.Message) {
	if store.payloads == nil {
		return
	}
	for _, block := range message.Content {
		if block.ToolResult == nil || len(block.ToolResult.Arguments) == 0 {
			continue
		}
		if _, err := store.payloads.PutPayload(ctx, block.ToolResult.Arguments); err != nil {
			store.logger.Warn("tool argument payload mirror failed",
				"thread", threadID,
				"message", message.ID,
				"error", err)
		}
	}
}

func (store *Store) threadPath(threadID string) string {
	return filepath.Join(store.dir, threadID+".cbor")
}

func validateThreadID(threadID string) error {
	if threadID == "" {
		return fmt.Errorf("threadstore: thread ID is required")
	}
	if !threadIDPattern.MatchString(threadID) {
		return fmt.Errorf("threadstore: invalid thread ID %q: must match %s", threadID, threadIDPattern)
	}
	return nil
}
