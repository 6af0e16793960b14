// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package profile provides parsing, validation, and directory loading
// for agent profile files. A profile names the model, prompt, tool
// catalog, and turn limits a worker applies when executing a run;
// runs reference profiles by name.
//
// Profiles are authored on disk as JSONC (JSON extended with comments
// and trailing commas). A profile's system prompt can be inlined in
// the file or delegated to a sibling text file via system_prompt_file.
package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/conductor/lib/llm"
)

// namePattern matches valid profile names: lowercase alphanumeric
// with interior dashes and underscores. Anchored to the full string.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Profile describes how a worker executes runs for an agent: which
// model, what system prompt, which tools, and what turn limits.
type Profile struct {
	// Name identifies the profile. Optional in the file when loaded
	// from disk, where it defaults to the file's base name.
	Name string `json:"name"`

	// Model is the primary model identifier. Required.
	Model string `json:"model"`

	// FallbackModel, when set, receives requests after the primary
	// model sheds load.
	FallbackModel string `json:"fallback_model,omitempty"`

	// SystemPrompt is the literal system prompt text. Mutually
	// exclusive with SystemPromptFile.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// SystemPromptFile names a text file holding the system prompt,
	// resolved relative to the profile file's directory and inlined
	// into SystemPrompt by Load.
	SystemPromptFile string `json:"system_prompt_file,omitempty"`

	// MaxAutoContinues bounds silent continuation after tool calls.
	// Zero means the orchestrator default; negative disables
	// auto-continue.
	MaxAutoContinues int `json:"max_auto_continues,omitempty"`

	// MaxIterations guards total provider calls per turn. Zero means
	// the orchestrator default.
	MaxIterations int `json:"max_iterations,omitempty"`

	// MaxTokens caps output tokens per provider call. Zero means the
	// provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature overrides the provider default when non-nil.
	Temperature *float64 `json:"temperature,omitempty"`

	// Tools is the tool catalog advertised to the model. Execution
	// is wired separately; the profile only declares the surface.
	Tools []llm.ToolDefinition `json:"tools,omitempty"`
}

// Parse strips JSONC comments and trailing commas from data,
// unmarshals the result, and validates it. Unknown fields are
// rejected so a typoed key fails loudly instead of silently applying
// defaults.
func Parse(data []byte) (*Profile, error) {
	profile, err := decode(data)
	if err != nil {
		return nil, err
	}
	if issues := profile.Validate(); len(issues) > 0 {
		return nil, fmt.Errorf("profile %q: %s", profile.Name, strings.Join(issues, "; "))
	}
	return profile, nil
}

func decode(data []byte) (*Profile, error) {
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	decoder.DisallowUnknownFields()
	var profile Profile
	if err := decoder.Decode(&profile); err != nil {
		return nil, fmt.Errorf("profile: parsing: %w", err)
	}
	return &profile, nil
}

// Load reads one profile file from disk. A missing name defaults to
// the file's base name without extension, and a system_prompt_file
// reference is resolved relative to the profile's directory and
// inlined.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: reading %s: %w", path, err)
	}

	profile, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if profile.Name == "" {
		profile.Name = nameFromPath(path)
	}
	if issues := profile.Validate(); len(issues) > 0 {
		return nil, fmt.Errorf("%s: profile %q: %s", path, profile.Name, strings.Join(issues, "; "))
	}

	if profile.SystemPromptFile != "" {
		promptPath := profile.SystemPromptFile
		if !filepath.IsAbs(promptPath) {
			promptPath = filepath.Join(filepath.Dir(path), promptPath)
		}
		prompt, err := os.ReadFile(promptPath)
		if err != nil {
			return nil, fmt.Errorf("profile %q: reading system prompt: %w", profile.Name, err)
		}
		profile.SystemPrompt = string(prompt)
	}

	return profile, nil
}

// LoadDir loads every .json and .jsonc file in dir and returns the
// profiles keyed by name. Other files and subdirectories are ignored.
// Two files declaring the same profile name is an error.
func LoadDir(dir string) (map[string]*Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("profile: reading directory: %w", err)
	}

	profiles := make(map[string]*Profile)
	sources := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".json", ".jsonc":
		default:
			continue
		}

		path := filepath.Join(dir, entry.Name())
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		if previous, exists := sources[loaded.Name]; exists {
			return nil, fmt.Errorf("profile %q defined in both %s and %s", loaded.Name, previous, path)
		}
		profiles[loaded.Name] = loaded
		sources[loaded.Name] = path
	}
	return profiles, nil
}

// Validate checks the profile for structural issues and returns a
// list of human-readable descriptions. An empty list means the
// profile is valid.
func (profile *Profile) Validate() []string {
	var issues []string

	if profile.Name == "" {
		issues = append(issues, "name is required")
	} else if !namePattern.MatchString(profile.Name) {
		issues = append(issues, fmt.Sprintf("name %q must match %s", profile.Name, namePattern))
	}
	if profile.Model == "" {
		issues = append(issues, "model is required")
	}
	if profile.SystemPrompt != "" && profile.SystemPromptFile != "" {
		issues = append(issues, "system_prompt and system_prompt_file are mutually exclusive")
	}
	if profile.MaxIterations < 0 {
		issues = append(issues, fmt.Sprintf("max_iterations %d must not be negative", profile.MaxIterations))
	}
	if profile.MaxTokens < 0 {
		issues = append(issues, fmt.Sprintf("max_tokens %d must not be negative", profile.MaxTokens))
	}
	if profile.Temperature != nil && (*profile.Temperature < 0 || *profile.Temperature > 2) {
		issues = append(issues, fmt.Sprintf("temperature %g must be between 0 and 2", *profile.Temperature))
	}

	toolNames := make(map[string]int, len(profile.Tools))
	for index, tool := range profile.Tools {
		prefix := fmt.Sprintf("tools[%d]", index)
		if tool.Name == "" {
			issues = append(issues, prefix+": name is required")
		} else if firstIndex, exists := toolNames[tool.Name]; exists {
			issues = append(issues, fmt.Sprintf(
				"%s %q: duplicate tool name (first used at tools[%d])",
				prefix, tool.Name, firstIndex,
			))
		} else {
			toolNames[tool.Name] = index
		}
		if len(tool.InputSchema) == 0 {
			issues = append(issues, fmt.Sprintf("%s %q: input_schema is required", prefix, tool.Name))
		} else if !isJSONObject(tool.InputSchema) {
			issues = append(issues, fmt.Sprintf("%s %q: input_schema must be a JSON object", prefix, tool.Name))
		}
	}

	return issues
}

// isJSONObject reports whether raw is a JSON object. The bytes are
// already known to be valid JSON from decoding the enclosing profile.
func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// nameFromPath derives a profile name from a file path by stripping
// the directory prefix and extension: "profiles/research.jsonc"
// yields "research".
func nameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
