// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import "github.com/bureau-foundation/conductor/lib/llm"

// defaultCharactersPerToken is the initial ratio before calibration.
// BPE tokenizers average 3.5-4.5 characters per token on English text
// with code; 4.0 overestimates token counts, so compression triggers
// slightly early rather than overflowing the provider's context.
const defaultCharactersPerToken = 4.0

// defaultSmoothingFactor controls how quickly the ratio adapts to
// new observations. 0.3 means 30% weight on the new observation,
// 70% on the running average.
const defaultSmoothingFactor = 0.3

// TokenEstimator estimates the token count of a message slice without
// calling a tokenizer. Implementations are calibrated over time via
// RecordUsage feedback from actual provider responses.
type TokenEstimator interface {
	// EstimateTokens returns the estimated token count for the given
	// messages. This covers only the messages themselves, not the
	// system prompt, tool definitions, or protocol framing overhead.
	EstimateTokens(messages []llm.Message) int

	// RecordUsage updates the estimator's internal calibration using
	// the actual token count from a provider response. The messages
	// parameter is the exact slice that was sent to the provider;
	// actualInputTokens is Usage.InputTokens from the response.
	//
	// Note: actualInputTokens includes system prompt, tool
	// definitions, and protocol overhead. The estimator absorbs this
	// into its ratio (see [CharEstimator] for details).
	RecordUsage(messages []llm.Message, actualInputTokens int64)
}

// CharEstimator estimates token counts from character counts using an
// adaptive ratio that calibrates over time from actual provider usage.
//
// The initial ratio of 4.0 characters per token is conservative for
// English text with code. After each LLM call, [CharEstimator.RecordUsage]
// adjusts the ratio via exponential moving average (EMA), so the
// estimate converges toward the actual tokenizer's behavior for the
// specific content this run processes.
//
// The ratio absorbs the fixed overhead of system prompts and tool
// definitions, so early estimates overestimate and the compressor
// cuts slightly more than needed rather than overflowing the
// provider's context. As the conversation grows and message content
// dominates the overhead, the ratio converges toward the true
// tokenizer ratio.
type CharEstimator struct {
	charactersPerToken float64
	smoothingFactor    float64
	observationCount   int
}

// NewCharEstimator creates a CharEstimator with the default initial
// ratio of 4.0 characters per token and a smoothing factor of 0.3.
func NewCharEstimator() *CharEstimator {
	return &CharEstimator{
		charactersPerToken: defaultCharactersPerToken,
		smoothingFactor:    defaultSmoothingFactor,
	}
}

// EstimateTokens returns the estimated token count for the given
// messages based on the current character-to-token ratio. Always
// rounds up; an estimate must never fall short of the real count.
func (estimator *CharEstimator) EstimateTokens(messages []llm.Message) int {
	characters := messagesCharCount(messages)
	tokens := float64(characters) / estimator.charactersPerToken
	return int(tokens) + 1
}

// RecordUsage updates the estimator's calibration using the actual
// token count from a provider response.
//
// The first observation replaces the default ratio entirely;
// subsequent observations blend via EMA to smooth out variation
// between turns with different content profiles (text-heavy vs
// JSON-heavy tool outputs).
func (estimator *CharEstimator) RecordUsage(messages []llm.Message, actualInputTokens int64) {
	if actualInputTokens <= 0 {
		return
	}
	characters := messagesCharCount(messages)
	if characters == 0 {
		return
	}

	observedRatio := float64(characters) / float64(actualInputTokens)

	estimator.observationCount++
	if estimator.observationCount == 1 {
		estimator.charactersPerToken = observedRatio
		return
	}

	// EMA update: blend new observation with running average.
	estimator.charactersPerToken = estimator.smoothingFactor*observedRatio +
		(1.0-estimator.smoothingFactor)*estimator.charactersPerToken
}

// messageCharCount returns the total character count across the
// wire-relevant content of a message, plus a fixed overhead for the
// message structure (role marker, JSON framing). Stripped payload
// echoes and metadata never reach the provider, so they are not
// counted.
func messageCharCount(message llm.Message) int {
	count := 0
	for _, block := range message.Content {
		switch block.Type {
		case llm.ContentText:
			count += len(block.Text)
		case llm.ContentToolUse:
			if block.ToolUse != nil {
				count += len(block.ToolUse.Name)
				count += len(block.ToolUse.Input)
			}
		case llm.ContentToolResult:
			if block.ToolResult != nil {
				count += len(block.ToolResult.Content)
				count += len(block.ToolResult.ToolUseID)
				count += len(block.ToolResult.ToolName)
			}
		}
	}
	// Fixed cost per message for role markers and JSON structure
	// overhead (~20 chars for {"role":"user","content":[...]}).
	count += 20
	return count
}

// messagesCharCount returns the total character count across all
// messages in a slice.
func messagesCharCount(messages []llm.Message) int {
	total := 0
	for i := range messages {
		total += messageCharCount(messages[i])
	}
	return total
}
