// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"github.com/bureau-foundation/conductor/lib/clock"
	"github.com/bureau-foundation/conductor/lib/config"
	"github.com/bureau-foundation/conductor/lib/runstore"
)

// openStore loads the conductor configuration and opens the
// coordination store. The returned cleanup closes the store and must
// run before the process exits.
//
// The CLI shares one configuration file with the worker; commands
// accept --config and otherwise fall back to CONDUCTOR_CONFIG.
func openStore(configPath string) (*runstore.SQLite, *config.Config, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	// Submitting before the first worker start is legal; create the
	// store location on demand.
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("creating store directory: %w", err)
	}

	store, err := runstore.OpenSQLite(runstore.SQLiteConfig{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
		Clock:    clock.Real(),
		Logger:   commandLogger(),
	})
	if err != nil {
		return nil, nil, nil, err
	}

	cleanup := func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing store: %v\n", err)
		}
	}
	return store, cfg, cleanup, nil
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// commandLogger returns the logger handed to libraries during command
// execution: readable text when stderr is a terminal, JSON when
// redirected into a log collector. Command output itself goes to
// stdout and never through the logger.
func commandLogger() *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}
