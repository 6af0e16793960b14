// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import "strings"

// Budget configures the token limits for one model family.
type Budget struct {
	// ContextWindow is the model's total context window in tokens
	// (e.g., 200000 for Claude Sonnet, 128000 for GPT-4o).
	ContextWindow int

	// MaxOutputTokens is the maximum output tokens reserved for each
	// LLM response. Subtracted from the context window to determine
	// the input token budget.
	MaxOutputTokens int

	// OverheadTokens is an estimate of the fixed per-request token
	// overhead: system prompt, tool definitions, and protocol
	// framing. Subtracted from the context window alongside
	// MaxOutputTokens.
	OverheadTokens int
}

// MessageTokenBudget returns the number of tokens available for
// conversation messages after subtracting output reservation and
// overhead.
func (budget Budget) MessageTokenBudget() int {
	available := budget.ContextWindow - budget.MaxOutputTokens - budget.OverheadTokens
	if available < 0 {
		return 0
	}
	return available
}

// Budgets resolves model identifiers to family budgets. Lookup is by
// prefix against the normalized identifier, longest prefix winning,
// so an entry for "claude-haiku" can carry different numbers than
// the "claude" family it specializes. Models that match no family
// get a conservative fallback.
//
// Budgets is not safe for concurrent mutation. Build and override it
// during startup, then share it read-only.
type Budgets struct {
	families map[string]Budget
	fallback Budget
}

// DefaultBudgets returns the built-in family table. The numbers are
// per family, not per model: when a family spans several window
// sizes the entry carries the common deployment default, and the
// fallback fits under any model nobody declared.
func DefaultBudgets() *Budgets {
	return &Budgets{
		families: map[string]Budget{
			"claude":   {ContextWindow: 200_000, MaxOutputTokens: 64_000, OverheadTokens: 28_000},
			"gpt":      {ContextWindow: 128_000, OverheadTokens: 28_000},
			"gemini":   {ContextWindow: 1_000_000, MaxOutputTokens: 300_000},
			"deepseek": {ContextWindow: 128_000, OverheadTokens: 28_000},
		},
		fallback: Budget{ContextWindow: 41_000, OverheadTokens: 10_000},
	}
}

// Override adds or replaces the budget for a family prefix.
func (budgets *Budgets) Override(prefix string, budget Budget) {
	budgets.families[normalizeModelID(prefix)] = budget
}

// SetFallback replaces the budget used when no family matches.
func (budgets *Budgets) SetFallback(budget Budget) {
	budgets.fallback = budget
}

// ForModel returns the family budget for a model identifier. The
// identifier is normalized and matched against family prefixes, the
// longest matching prefix winning. Unmatched models get the
// fallback.
func (budgets *Budgets) ForModel(model string) Budget {
	normalized := normalizeModelID(model)

	best := ""
	found := false
	for prefix := range budgets.families {
		if !strings.HasPrefix(normalized, prefix) {
			continue
		}
		if !found || len(prefix) > len(best) {
			best = prefix
			found = true
		}
	}
	if !found {
		return budgets.fallback
	}
	return budgets.families[best]
}

// normalizeModelID lowercases a model identifier and strips any
// provider routing path, so "openrouter/anthropic/claude-sonnet-4"
// matches the same family as "claude-sonnet-4".
func normalizeModelID(model string) string {
	normalized := strings.ToLower(strings.TrimSpace(model))
	if index := strings.LastIndexByte(normalized, '/'); index >= 0 {
		normalized = normalized[index+1:]
	}
	return normalized
}
