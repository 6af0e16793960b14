// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bureau-foundation/conductor/lib/llm"
	"github.com/bureau-foundation/conductor/lib/payload"
)

// Default pipeline parameters, applied by NewCompressor when the
// corresponding Config field is zero.
const (
	// defaultMessageThreshold is the per-message token size above
	// which a message becomes a truncation candidate. Halved on each
	// compression round.
	defaultMessageThreshold = 4096

	// defaultMaxRounds bounds the threshold-halving loop.
	defaultMaxRounds = 5

	// defaultOmissionBatch is how many messages structural omission
	// removes per step.
	defaultOmissionBatch = 10

	// defaultMinMessages is the conversation floor below which
	// structural omission never cuts. The system prompt does not
	// count against it.
	defaultMinMessages = 10

	// defaultMaxMessages is the hard middle-out cap on message
	// count, applied independently of the token budget.
	defaultMaxMessages = 320
)

const (
	// omissionSafetyLimit bounds the omission loop against estimator
	// pathologies (for example a ratio that makes removal appear to
	// add tokens).
	omissionSafetyLimit = 500

	// safeTruncateCeiling is the absolute character ceiling for
	// safe truncation, regardless of budget.
	safeTruncateCeiling = 100_000

	// safeTruncateReserve is subtracted from the safe-truncation
	// limit to leave room for the inserted markers.
	safeTruncateReserve = 150
)

// Markers inserted into truncated content. The expand hint carries
// the message ID so the model can request the full content out of
// band.
const (
	truncatedMarker     = "... (truncated)"
	expandHintFormat    = "\n\nmessage_id %q\nUse expand-message tool to see contents"
	middleOmittedNotice = "\n\n... (middle truncated) ...\n\n"
	safeTruncateFooter  = "\n\nThis message is too long, repeat relevant information in your response to remember it"
)

// compressionRoleOrder is the order in which role-scoped truncation
// passes run. Tool results first: they are the bulkiest and the
// cheapest to cut, since the original is retrievable by message ID.
var compressionRoleOrder = []llm.Role{llm.RoleTool, llm.RoleUser, llm.RoleAssistant}

// Config configures a Compressor. The zero value of every field is
// usable: NewCompressor substitutes a fresh CharEstimator, the
// built-in budget table, and the default pipeline parameters.
type Config struct {
	// Estimator converts message slices to token counts. Shared with
	// the caller so that provider usage feedback calibrates the same
	// instance the compressor measures with.
	Estimator TokenEstimator

	// Budgets resolves model identifiers to family budgets for
	// Compress. CompressToBudget bypasses it.
	Budgets *Budgets

	// MessageThreshold, MaxRounds, OmissionBatch, MinMessages, and
	// MaxMessages override the default pipeline parameters when
	// nonzero.
	MessageThreshold int
	MaxRounds        int
	OmissionBatch    int
	MinMessages      int
	MaxMessages      int
}

// Compressor reduces a conversation history to fit a token budget.
//
// Compression is pure with respect to its input: the passed slice
// and its messages are never mutated, and messages the pipeline does
// not touch are shared with the input rather than copied. It is also
// idempotent: compressing already-compressed output returns it
// unchanged, provided the estimator has not been recalibrated in
// between.
//
// A Compressor is safe for concurrent use as long as its estimator
// is; CharEstimator is not, so callers that share one across
// goroutines must serialize RecordUsage against compression.
type Compressor struct {
	estimator        TokenEstimator
	budgets          *Budgets
	messageThreshold int
	maxRounds        int
	omissionBatch    int
	minMessages      int
	maxMessages      int
}

// NewCompressor creates a Compressor, substituting defaults for any
// zero Config field.
func NewCompressor(config Config) *Compressor {
	compressor := &Compressor{
		estimator:        config.Estimator,
		budgets:          config.Budgets,
		messageThreshold: config.MessageThreshold,
		maxRounds:        config.MaxRounds,
		omissionBatch:    config.OmissionBatch,
		minMessages:      config.MinMessages,
		maxMessages:      config.MaxMessages,
	}
	if compressor.estimator == nil {
		compressor.estimator = NewCharEstimator()
	}
	if compressor.budgets == nil {
		compressor.budgets = DefaultBudgets()
	}
	if compressor.messageThreshold == 0 {
		compressor.messageThreshold = defaultMessageThreshold
	}
	if compressor.maxRounds == 0 {
		compressor.maxRounds = defaultMaxRounds
	}
	if compressor.omissionBatch == 0 {
		compressor.omissionBatch = defaultOmissionBatch
	}
	if compressor.minMessages == 0 {
		compressor.minMessages = defaultMinMessages
	}
	if compressor.maxMessages == 0 {
		compressor.maxMessages = defaultMaxMessages
	}
	return compressor
}

// Result reports what a compression pass did. Messages is the
// history to send; the counters exist for logging and tests.
type Result struct {
	// Messages is the compressed history. Untouched messages are
	// shared with the input slice; treat them as read-only.
	Messages []llm.Message

	// Budget is the token budget the pass compressed toward.
	Budget int

	// InitialTokens and FinalTokens are the estimated token counts
	// before and after compression.
	InitialTokens int
	FinalTokens   int

	// Rounds is how many threshold-halving rounds ran. Zero means
	// the history already fit.
	Rounds int

	// OmittedMessages counts whole messages dropped by structural
	// omission and the message-count cap.
	OmittedMessages int

	// Capped reports whether the hard message-count cap fired.
	Capped bool
}

// Compress reduces messages to fit the budget for the given model
// identifier, resolved through the family budget table.
func (compressor *Compressor) Compress(messages []llm.Message, model string) Result {
	return compressor.CompressToBudget(messages, compressor.budgets.ForModel(model).MessageTokenBudget())
}

// CompressToBudget reduces messages to fit an explicit token budget.
//
// Payload stripping always runs. The truncation rounds, structural
// omission, and their per-stage re-checks run only while the
// estimated total exceeds the budget. The message-count cap always
// runs last, independent of the budget. The returned history is
// either within budget or at the omission floor.
func (compressor *Compressor) CompressToBudget(messages []llm.Message, budget int) Result {
	working := compressor.stripPayloads(messages)
	result := Result{
		Budget:        budget,
		InitialTokens: compressor.estimator.EstimateTokens(working),
	}

	threshold := compressor.messageThreshold
	for result.Rounds < compressor.maxRounds && compressor.estimator.EstimateTokens(working) > budget {
		for _, role := range compressionRoleOrder {
			if compressor.estimator.EstimateTokens(working) <= budget {
				break
			}
			working = compressor.compressRole(working, role, budget, threshold)
		}
		result.Rounds++
		threshold /= 2
	}

	if compressor.estimator.EstimateTokens(working) > budget {
		var omitted int
		working, omitted = compressor.omitFromMiddle(working, budget)
		result.OmittedMessages += omitted
	}

	working, capped := compressor.capMessageCount(working)
	result.OmittedMessages += capped
	result.Capped = capped > 0

	result.Messages = working
	result.FinalTokens = compressor.estimator.EstimateTokens(working)
	return result
}

// stripPayloads replaces raw tool-call arguments echoed on tool
// results with a digest reference to the stored original. The
// reference lets out-of-band tooling retrieve the payload while the
// wire history carries only the digest. Returns a fresh slice; only
// messages that actually carry payloads are cloned.
func (compressor *Compressor) stripPayloads(messages []llm.Message) []llm.Message {
	working := make([]llm.Message, len(messages))
	copy(working, messages)

	for index := range working {
		carriesPayload := false
		for _, block := range working[index].Content {
			if block.ToolResult != nil && len(block.ToolResult.Arguments) > 0 {
				carriesPayload = true
				break
			}
		}
		if !carriesPayload {
			continue
		}

		clone := working[index].Clone()
		for blockIndex := range clone.Content {
			toolResult := clone.Content[blockIndex].ToolResult
			if toolResult == nil || len(toolResult.Arguments) == 0 {
				continue
			}
			toolResult.ArgumentsRef = &llm.PayloadRef{
				MessageID: clone.ID,
				Digest:    payload.Sum(toolResult.Arguments),
				Size:      int64(len(toolResult.Arguments)),
			}
			toolResult.Arguments = nil
		}
		working[index] = clone
	}
	return working
}

// compressRole runs one truncation pass over all messages of a role,
// newest to oldest. The newest message of the role is exempt from
// head truncation but is safe-truncated if it alone dwarfs the
// budget; every older message over the threshold is head-truncated
// with an expand hint. The working slice is owned by the pipeline
// and updated in place; individual messages are cloned before
// modification.
func (compressor *Compressor) compressRole(working []llm.Message, role llm.Role, budget, threshold int) []llm.Message {
	newest := -1
	for index := len(working) - 1; index >= 0; index-- {
		if working[index].Role == role {
			newest = index
			break
		}
	}
	if newest < 0 {
		return working
	}

	for index := len(working) - 1; index >= 0; index-- {
		if working[index].Role != role {
			continue
		}
		if compressor.estimator.EstimateTokens(working[index:index+1]) <= threshold {
			continue
		}
		if index == newest {
			working[index] = safeTruncateMessage(working[index], 2*budget)
		} else {
			working[index] = headTruncateMessage(working[index], 3*threshold)
		}
	}
	return working
}

// headTruncateMessage cuts each oversized text carrier of a message
// down to charLimit characters, appending a truncation marker and an
// expand hint naming the message ID. Messages without an ID are left
// whole, since the hint would point nowhere.
//
// Re-truncation at a smaller limit strips the previous marker first
// and cuts the recovered prefix, so repeated passes converge instead
// of nesting markers, and a pass at the same limit is a no-op.
func headTruncateMessage(message llm.Message, charLimit int) llm.Message {
	if message.ID == "" {
		return message
	}
	hint := fmt.Sprintf(expandHintFormat, message.ID)
	suffix := truncatedMarker + hint
	return rewriteCarriers(message, func(text string) string {
		base := strings.TrimSuffix(text, suffix)
		if len(base) <= charLimit {
			return text
		}
		return cutAtRune(base, charLimit) + suffix
	})
}

// safeTruncateMessage keeps the head and tail of each oversized text
// carrier with an omission notice in between, bounded by charLimit
// characters and the absolute ceiling. Used for the newest message
// of a role, where losing the tail would drop the content the model
// most needs.
func safeTruncateMessage(message llm.Message, charLimit int) llm.Message {
	if charLimit > safeTruncateCeiling {
		charLimit = safeTruncateCeiling
	}
	return rewriteCarriers(message, func(text string) string {
		if len(text) <= charLimit {
			return text
		}
		keep := charLimit - safeTruncateReserve
		if keep < 0 {
			keep = 0
		}
		head := keep / 2
		tail := keep - head
		return cutAtRune(text, head) + middleOmittedNotice + tailAtRune(text, tail) + safeTruncateFooter
	})
}

// rewriteCarriers applies a text transform to every text carrier of
// a message: plain text blocks and tool-result content. Tool-use
// inputs are never rewritten, since cutting JSON arguments would
// corrupt the call record. Returns the original message when the
// transform changes nothing.
func rewriteCarriers(message llm.Message, transform func(string) string) llm.Message {
	clone := message.Clone()
	changed := false
	for index := range clone.Content {
		block := &clone.Content[index]
		switch {
		case block.Type == llm.ContentText:
			if rewritten := transform(block.Text); rewritten != block.Text {
				block.Text = rewritten
				changed = true
			}
		case block.ToolResult != nil:
			if rewritten := transform(block.ToolResult.Content); rewritten != block.ToolResult.Content {
				block.ToolResult.Content = rewritten
				changed = true
			}
		}
	}
	if !changed {
		return message
	}
	return clone
}

// omitFromMiddle removes whole messages in batches until the history
// fits the budget or the conversation floor is reached. System
// messages are never removed. Batches come from the middle of the
// conversation while it is comfortably above the floor, then from
// the front, so the newest messages survive longest. Returns the
// reduced history and the number of messages removed.
func (compressor *Compressor) omitFromMiddle(working []llm.Message, budget int) ([]llm.Message, int) {
	var system, conversation []llm.Message
	for _, message := range working {
		if message.Role == llm.RoleSystem {
			system = append(system, message)
		} else {
			conversation = append(conversation, message)
		}
	}

	removed := 0
	for safety := omissionSafetyLimit; safety > 0; safety-- {
		if len(conversation) <= compressor.minMessages {
			break
		}
		if compressor.estimator.EstimateTokens(combine(system, conversation)) <= budget {
			break
		}
		count := compressor.omissionBatch
		if headroom := len(conversation) - compressor.minMessages; count > headroom {
			count = headroom
		}
		if len(conversation) > compressor.minMessages*2 {
			start := len(conversation)/2 - count/2
			conversation = removeRange(conversation, start, start+count)
		} else {
			conversation = conversation[count:]
		}
		removed += count
	}
	return combine(system, conversation), removed
}

// capMessageCount enforces the hard middle-out ceiling: when the
// history exceeds the maximum message count, keep equal head and
// tail slices and drop the middle. Runs regardless of token budget.
// Returns the capped history and the number of messages dropped.
func (compressor *Compressor) capMessageCount(working []llm.Message) ([]llm.Message, int) {
	if len(working) <= compressor.maxMessages {
		return working, 0
	}
	head := compressor.maxMessages / 2
	tail := compressor.maxMessages - head
	dropped := len(working) - compressor.maxMessages

	capped := make([]llm.Message, 0, compressor.maxMessages)
	capped = append(capped, working[:head]...)
	capped = append(capped, working[len(working)-tail:]...)
	return capped, dropped
}

// removeRange returns a fresh slice with messages[start:end] removed.
func removeRange(messages []llm.Message, start, end int) []llm.Message {
	out := make([]llm.Message, 0, len(messages)-(end-start))
	out = append(out, messages[:start]...)
	out = append(out, messages[end:]...)
	return out
}

// combine concatenates two message slices into a fresh slice, never
// aliasing either input's backing array.
func combine(front, back []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(front)+len(back))
	out = append(out, front...)
	out = append(out, back...)
	return out
}

// cutAtRune returns text truncated to at most limit bytes, backing
// off to the nearest rune boundary so the cut never splits a UTF-8
// sequence.
func cutAtRune(text string, limit int) string {
	if limit >= len(text) {
		return text
	}
	if limit < 0 {
		limit = 0
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}

// tailAtRune returns the trailing limit bytes of text, advancing to
// the nearest rune boundary so the slice never starts mid-sequence.
func tailAtRune(text string, limit int) string {
	start := len(text) - limit
	if start <= 0 {
		return text
	}
	for start < len(text) && !utf8.RuneStart(text[start]) {
		start++
	}
	return text[start:]
}
