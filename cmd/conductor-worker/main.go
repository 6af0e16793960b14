// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Conductor-worker is the run execution daemon. It claims queued runs
// from the coordination store and drives each one through a
// conversational turn against the LLM gateway, appending every event
// to the run's durable transcript.
//
// On startup:
//  1. Loads and validates configuration (--config or CONDUCTOR_CONFIG).
//  2. Opens the SQLite coordination store and the thread directory.
//  3. Unseals the gateway API key with the machine identity, when
//     configured.
//  4. Loads the agent profile directory.
//  5. Enters the claim loop: poll the queue, execute each claimed run
//     in its own goroutine. The per-run lock makes duplicate
//     deliveries across workers benign.
//
// SIGINT/SIGTERM stops claiming; in-flight runs observe the
// cancellation, settle as stopped, and the worker drains with a bound.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/conductor/lib/clock"
	"github.com/bureau-foundation/conductor/lib/config"
	"github.com/bureau-foundation/conductor/lib/credential"
	"github.com/bureau-foundation/conductor/lib/llm"
	llmcontext "github.com/bureau-foundation/conductor/lib/llm/context"
	"github.com/bureau-foundation/conductor/lib/profile"
	"github.com/bureau-foundation/conductor/lib/runstore"
	"github.com/bureau-foundation/conductor/lib/secret"
	"github.com/bureau-foundation/conductor/lib/threadstore"
	"github.com/bureau-foundation/conductor/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		instanceName string
		showVersion  bool
	)

	pflag.StringVar(&configPath, "config", "", "path to conductor.yaml (overrides CONDUCTOR_CONFIG)")
	pflag.StringVar(&instanceName, "instance", "", "worker instance name (overrides the configured name)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("conductor-worker %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	instance, err := resolveInstance(instanceName, cfg.Instance.Name)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	// Open the coordination store, creating its directory on first run.
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	store, err := runstore.OpenSQLite(runstore.SQLiteConfig{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()
	logger.Info("coordination store open", "path", cfg.Store.Path)

	apiKey, err := loadGatewayKey(cfg.Gateway, logger)
	if err != nil {
		return err
	}
	if apiKey != nil {
		defer apiKey.Close()
	}

	var archiveKey *secret.Buffer
	if cfg.Store.ArchiveKeyFile != "" {
		archiveKey, err = secret.ReadFromPath(cfg.Store.ArchiveKeyFile)
		if err != nil {
			return fmt.Errorf("reading archive key: %w", err)
		}
		defer archiveKey.Close()
		logger.Info("transcript archives will be encrypted")
	}

	// Thread message files live next to the database. The store
	// mirrors tool-argument payloads so compression references stay
	// resolvable.
	history, err := threadstore.New(threadstore.Config{
		Dir:      threadstore.DefaultDir(cfg.Store.Path),
		Payloads: store,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	// No Timeout on the client: responses stream for as long as the
	// model generates. Cancellation comes from the run context.
	gateway := llm.NewGateway(&http.Client{}, cfg.Gateway.BaseURL, apiKey)

	budgets := llmcontext.DefaultBudgets()
	for family, override := range cfg.ModelFamilies {
		budgets.Override(family, llmcontext.Budget{
			ContextWindow:   override.ContextWindow,
			MaxOutputTokens: override.MaxOutputTokens,
			OverheadTokens:  override.OverheadTokens,
		})
	}
	compressor := llmcontext.NewCompressor(llmcontext.Config{
		Budgets:          budgets,
		MessageThreshold: cfg.Compressor.MessageThreshold,
		MaxRounds:        cfg.Compressor.MaxRounds,
		OmissionBatch:    cfg.Compressor.OmissionBatch,
		MinMessages:      cfg.Compressor.MinMessages,
		MaxMessages:      cfg.Compressor.MaxMessages,
	})

	profiles, err := profile.LoadDir(cfg.Profiles.Dir)
	if err != nil {
		return fmt.Errorf("loading profiles: %w", err)
	}
	if len(profiles) == 0 {
		return fmt.Errorf("no profiles found in %s; a worker without profiles cannot execute runs", cfg.Profiles.Dir)
	}
	for name, loaded := range profiles {
		logger.Info("profile loaded", "name", name, "model", loaded.Model)
	}

	worker := &Worker{
		store:               store,
		history:             history,
		gateway:             gateway,
		compressor:          compressor,
		profiles:            profiles,
		instanceID:          instance,
		archiveKey:          archiveKey,
		fallbackPrefix:      cfg.Gateway.FallbackPrefix,
		lockTTL:             config.Duration(cfg.Runner.LockTTL),
		livenessTTL:         config.Duration(cfg.Runner.LivenessTTL),
		livenessInterval:    config.Duration(cfg.Runner.LivenessInterval),
		pollInterval:        config.Duration(cfg.Runner.PollInterval),
		transcriptRetention: config.Duration(cfg.Runner.TranscriptRetention),
		maxAutoContinues:    cfg.Runner.MaxAutoContinues,
		maxIterations:       cfg.Runner.MaxIterations,
		maxOverloadRetries:  cfg.Runner.MaxOverloadRetries,
		maxToolCalls:        cfg.Runner.MaxToolCalls,
		logger:              logger,
		clock:               clk,
	}

	logger.Info("worker ready",
		"instance", instance,
		"gateway", cfg.Gateway.BaseURL,
		"profiles", len(profiles))

	worker.claimLoop(ctx)

	logger.Info("shutting down")
	worker.drain()
	return nil
}

// loadConfig loads from the --config path when given, else from
// CONDUCTOR_CONFIG, and validates.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
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

func newLogger(logging config.LoggingConfig) *slog.Logger {
	options := &slog.HandlerOptions{Level: logging.SlogLevel()}
	if logging.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, options))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, options))
}

// resolveInstance picks the worker's instance identity: the flag wins
// over the configured name, and with neither the worker derives a
// hostname-PID name that is unique on the machine.
func resolveInstance(flagValue, configured string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if configured != "" {
		return configured, nil
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("deriving instance name: %w", err)
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid()), nil
}

// loadGatewayKey unseals the gateway API key with the machine
// identity. The identity is only needed for the unseal and is closed
// before returning.
func loadGatewayKey(gateway config.GatewayConfig, logger *slog.Logger) (*secret.Buffer, error) {
	if gateway.APIKeyFile == "" {
		logger.Info("gateway authentication disabled (no api_key_file)")
		return nil, nil
	}

	identity, err := credential.LoadIdentity(gateway.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("loading machine identity: %w", err)
	}
	defer identity.Close()

	apiKey, err := credential.UnsealFile(gateway.APIKeyFile, identity)
	if err != nil {
		return nil, fmt.Errorf("unsealing gateway API key: %w", err)
	}
	logger.Info("gateway API key unsealed", "path", gateway.APIKeyFile)
	return apiKey, nil
}
