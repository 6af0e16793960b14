// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for conductor
// binaries.
//
// Configuration is loaded from a single YAML file specified by:
//   - CONDUCTOR_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
// The only expansion performed is ${VAR} and ${VAR:-default}
// substitution in path-like fields, for portability across machines.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for conductor binaries. The
// worker reads every section; the operator CLI needs only store and
// logging but loads the same file.
type Config struct {
	// Instance identifies this worker.
	Instance InstanceConfig `yaml:"instance"`

	// Store configures the coordination store.
	Store StoreConfig `yaml:"store"`

	// Gateway configures the LLM gateway connection.
	Gateway GatewayConfig `yaml:"gateway"`

	// Runner configures run execution: lock and liveness timing, the
	// queue claim loop, and turn bounds.
	Runner RunnerConfig `yaml:"runner"`

	// Compressor overrides the context compressor's pipeline
	// parameters.
	Compressor CompressorConfig `yaml:"compressor"`

	// ModelFamilies overrides or extends the built-in model family
	// budget table, keyed by family prefix (e.g. "claude", "gpt").
	ModelFamilies map[string]ModelFamilyConfig `yaml:"model_families,omitempty"`

	// Logging configures the process logger.
	Logging LoggingConfig `yaml:"logging"`

	// Profiles configures agent profile discovery.
	Profiles ProfilesConfig `yaml:"profiles"`
}

// InstanceConfig identifies the worker instance.
type InstanceConfig struct {
	// Name is the instance identifier used for run locks and liveness
	// keys. When empty the worker derives one from the hostname and
	// PID. Must be stable across the process lifetime, unique across
	// the fleet.
	Name string `yaml:"name"`
}

// StoreConfig configures the coordination store.
type StoreConfig struct {
	// Path is the SQLite database file. The parent directory is
	// created by the worker at startup.
	// Default: ${HOME}/.local/state/conductor/runs.db
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Zero scales with the CPU
	// count.
	PoolSize int `yaml:"pool_size"`

	// ArchiveKeyFile is the path to the transcript archive key, a
	// plain 0600 file (or "-" for stdin). When set, sealed archives
	// are encrypted with a key derived from it; empty means plaintext
	// archives.
	ArchiveKeyFile string `yaml:"archive_key_file"`
}

// GatewayConfig configures the LLM gateway connection.
type GatewayConfig struct {
	// BaseURL is the root of the gateway's OpenAI-compatible API,
	// without the /v1/chat/completions suffix.
	// Default: http://localhost:4000
	BaseURL string `yaml:"base_url"`

	// APIKeyFile is the path to the sealed gateway API key. Empty
	// means the gateway requires no authentication. When set,
	// IdentityFile must also be set.
	APIKeyFile string `yaml:"api_key_file"`

	// IdentityFile is the path to the machine's age identity file,
	// used to unseal APIKeyFile at startup.
	IdentityFile string `yaml:"identity_file"`

	// FallbackPrefix, when set, derives a fallback model for profiles
	// that name none: the prefix is prepended to the primary model
	// identifier (e.g. "fallback/" turns "gpt-4o" into
	// "fallback/gpt-4o" for the gateway's routing table).
	FallbackPrefix string `yaml:"fallback_prefix"`
}

// RunnerConfig configures run execution. Duration fields use Go
// duration syntax ("30s", "1h"); empty means the component default.
type RunnerConfig struct {
	// LockTTL is the run lock lifetime. The lock is taken once per
	// execution and never extended. Default: 1h.
	LockTTL string `yaml:"lock_ttl"`

	// LivenessTTL is how long a liveness key outlives its last
	// refresh. Default: 30s.
	LivenessTTL string `yaml:"liveness_ttl"`

	// LivenessInterval is how often the coordinator refreshes
	// liveness while a run executes. Default: 500ms.
	LivenessInterval string `yaml:"liveness_interval"`

	// PollInterval is how often the worker polls the queue for
	// claimable runs when it is idle. Default: 2s.
	PollInterval string `yaml:"poll_interval"`

	// TranscriptRetention is how long live transcript events stay in
	// the store after a run settles; the sealed archive persists
	// beyond it. Default: 24h.
	TranscriptRetention string `yaml:"transcript_retention"`

	// MaxAutoContinues bounds silent continuation after tool calls,
	// for profiles that set no bound of their own. Zero means the
	// orchestrator default (25); negative disables auto-continue.
	MaxAutoContinues int `yaml:"max_auto_continues"`

	// MaxIterations guards the turn loop for profiles that set no
	// bound. Zero means the orchestrator default (100).
	MaxIterations int `yaml:"max_iterations"`

	// MaxOverloadRetries bounds fallback reroutes per turn. Zero
	// means the orchestrator default (3); negative disables retries.
	MaxOverloadRetries int `yaml:"max_overload_retries"`

	// MaxToolCalls caps tool executions per model response. Zero
	// means no cap.
	MaxToolCalls int `yaml:"max_tool_calls"`
}

// CompressorConfig overrides the context compressor's pipeline
// parameters. Zero values keep the compressor defaults.
type CompressorConfig struct {
	// MessageThreshold is the token size above which a single message
	// is eligible for truncation. Default: 4096.
	MessageThreshold int `yaml:"message_threshold"`

	// MaxRounds bounds compression passes per turn. Default: 5.
	MaxRounds int `yaml:"max_rounds"`

	// OmissionBatch is how many messages an omission round drops at
	// once. Default: 10.
	OmissionBatch int `yaml:"omission_batch"`

	// MinMessages is the floor below which omission never cuts.
	// Default: 10.
	MinMessages int `yaml:"min_messages"`

	// MaxMessages caps the message count sent to the provider.
	// Default: 320.
	MaxMessages int `yaml:"max_messages"`
}

// ModelFamilyConfig is one row of the model family budget table.
type ModelFamilyConfig struct {
	// ContextWindow is the family's total context window in tokens.
	ContextWindow int `yaml:"context_window"`

	// MaxOutputTokens is the output reservation per response.
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// OverheadTokens estimates fixed per-request overhead: system
	// prompt, tool definitions, protocol framing.
	OverheadTokens int `yaml:"overhead_tokens"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, or error.
	// Default: info.
	Level string `yaml:"level"`

	// Format is the handler format: json or text. Default: json.
	Format string `yaml:"format"`
}

// ProfilesConfig configures agent profile discovery.
type ProfilesConfig struct {
	// Dir is the directory of profile files (.json / .jsonc).
	// Default: ${HOME}/.config/conductor/profiles
	Dir string `yaml:"dir"`
}

// Default returns the default configuration. Fields left empty here
// defer to the owning component's default; Validate accepts them.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Store: StoreConfig{
			Path: filepath.Join(homeDir, ".local", "state", "conductor", "runs.db"),
		},
		Gateway: GatewayConfig{
			BaseURL: "http://localhost:4000",
		},
		Runner: RunnerConfig{
			PollInterval: "2s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Profiles: ProfilesConfig{
			Dir: filepath.Join(homeDir, ".config", "conductor", "profiles"),
		},
	}
}

// Load loads configuration from the path in CONDUCTOR_CONFIG.
//
// This is the only way to load configuration without an explicit
// path. There are no fallbacks: if CONDUCTOR_CONFIG is not set, this
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv("CONDUCTOR_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("config: CONDUCTOR_CONFIG environment variable not set; " +
			"set it to the path of your conductor.yaml, or use the --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. File values
// override the defaults; ${VAR} patterns in path-like fields are
// expanded afterwards. The caller validates.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// path-like fields. The instance name expands first so that
// ${CONDUCTOR_INSTANCE} is usable in every other field.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Instance.Name = expandVars(c.Instance.Name, vars)
	vars["CONDUCTOR_INSTANCE"] = c.Instance.Name

	c.Store.Path = expandVars(c.Store.Path, vars)
	c.Store.ArchiveKeyFile = expandVars(c.Store.ArchiveKeyFile, vars)
	c.Gateway.BaseURL = expandVars(c.Gateway.BaseURL, vars)
	c.Gateway.APIKeyFile = expandVars(c.Gateway.APIKeyFile, vars)
	c.Gateway.IdentityFile = expandVars(c.Gateway.IdentityFile, vars)
	c.Profiles.Dir = expandVars(c.Profiles.Dir, vars)
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Provided vars first, then the environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and returns every problem found,
// joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}

	if c.Gateway.BaseURL == "" {
		errs = append(errs, fmt.Errorf("gateway.base_url is required"))
	} else if parsed, err := url.Parse(c.Gateway.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("gateway.base_url: %w", err))
	} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
		errs = append(errs, fmt.Errorf("gateway.base_url must use http or https, got %q", c.Gateway.BaseURL))
	}

	if (c.Gateway.APIKeyFile == "") != (c.Gateway.IdentityFile == "") {
		errs = append(errs, fmt.Errorf("gateway.api_key_file and gateway.identity_file must be set together"))
	}

	durations := []struct {
		field string
		value string
	}{
		{"runner.lock_ttl", c.Runner.LockTTL},
		{"runner.liveness_ttl", c.Runner.LivenessTTL},
		{"runner.liveness_interval", c.Runner.LivenessInterval},
		{"runner.poll_interval", c.Runner.PollInterval},
		{"runner.transcript_retention", c.Runner.TranscriptRetention},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", d.field, d.value))
			continue
		}
		if parsed <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.field, d.value))
		}
	}

	if c.Runner.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("runner.max_iterations must be non-negative, got %d", c.Runner.MaxIterations))
	}
	if c.Runner.MaxToolCalls < 0 {
		errs = append(errs, fmt.Errorf("runner.max_tool_calls must be non-negative, got %d", c.Runner.MaxToolCalls))
	}

	counts := []struct {
		field string
		value int
	}{
		{"compressor.message_threshold", c.Compressor.MessageThreshold},
		{"compressor.max_rounds", c.Compressor.MaxRounds},
		{"compressor.omission_batch", c.Compressor.OmissionBatch},
		{"compressor.min_messages", c.Compressor.MinMessages},
		{"compressor.max_messages", c.Compressor.MaxMessages},
	}
	for _, count := range counts {
		if count.value < 0 {
			errs = append(errs, fmt.Errorf("%s must be non-negative, got %d", count.field, count.value))
		}
	}

	for family, budget := range c.ModelFamilies {
		if family == "" {
			errs = append(errs, fmt.Errorf("model_families: family prefix must not be empty"))
			continue
		}
		if budget.ContextWindow <= 0 {
			errs = append(errs, fmt.Errorf("model_families.%s: context_window must be positive, got %d", family, budget.ContextWindow))
			continue
		}
		if budget.MaxOutputTokens < 0 || budget.OverheadTokens < 0 {
			errs = append(errs, fmt.Errorf("model_families.%s: token reservations must be non-negative", family))
			continue
		}
		if budget.MaxOutputTokens+budget.OverheadTokens >= budget.ContextWindow {
			errs = append(errs, fmt.Errorf("model_families.%s: output and overhead reservations (%d) leave no message budget in a %d token window",
				family, budget.MaxOutputTokens+budget.OverheadTokens, budget.ContextWindow))
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}

	if c.Profiles.Dir == "" {
		errs = append(errs, fmt.Errorf("profiles.dir is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SlogLevel maps the configured level string to a slog.Level.
// Unknown values (rejected by Validate) map to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration converts a validated duration string to a time.Duration.
// Empty returns zero, which components treat as "use my default".
// Malformed input panics: Validate rejects it before any caller gets
// here.
func Duration(value string) time.Duration {
	if value == "" {
		return 0
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Sprintf("config: invalid duration %q reached past validation", value))
	}
	return parsed
}
