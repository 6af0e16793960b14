// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bureau-foundation/conductor/lib/llm"
	"github.com/bureau-foundation/conductor/lib/payload"
)

// toolResultContent extracts the first tool-result content string of
// a message, failing the test if the message carries none.
func toolResultContent(t *testing.T, message llm.Message) string {
	t.Helper()
	if len(message.Content) == 0 || message.Content[0].ToolResult == nil {
		t.Fatalf("message %q has no tool result content", message.ID)
	}
	return message.Content[0].ToolResult.Content
}

// cloneMessages deep-copies a message slice so tests can verify the
// compressor never mutates its input.
func cloneMessages(messages []llm.Message) []llm.Message {
	cloned := make([]llm.Message, len(messages))
	for index := range messages {
		cloned[index] = messages[index].Clone()
	}
	return cloned
}

func TestCompressor_UnderBudgetUntouched(t *testing.T) {
	t.Parallel()

	compressor := NewCompressor(Config{})
	messages := []llm.Message{
		llm.SystemMessage("be helpful"),
		llm.UserMessage("hello"),
		llm.AssistantMessage("hi, what can I do for you?"),
	}
	snapshot := cloneMessages(messages)

	result := compressor.CompressToBudget(messages, 10_000)

	if result.Rounds != 0 {
		t.Errorf("Rounds = %d, want 0 for a history under budget", result.Rounds)
	}
	if !reflect.DeepEqual(result.Messages, snapshot) {
		t.Error("messages changed despite fitting the budget")
	}
	if result.FinalTokens != result.InitialTokens {
		t.Errorf("FinalTokens = %d, want %d (unchanged)", result.FinalTokens, result.InitialTokens)
	}
}

func TestCompressor_StripsPayloadEchoes(t *testing.T) {
	t.Parallel()

	arguments := json.RawMessage(`{"command":"ls -la /tmp"}`)
	input := []llm.Message{
		{
			ID:   "msg-1",
			Role: llm.RoleTool,
			Content: []llm.ContentBlock{
				{
					Type: llm.ContentToolResult,
					ToolResult: &llm.ToolResult{
						ToolUseID: "call-1",
						ToolName:  "shell",
						Content:   "total 0",
						Arguments: arguments,
					},
				},
				llm.ToolResultBlock("call-2", "shell", "no payload here"),
			},
		},
	}
	snapshot := cloneMessages(input)

	compressor := NewCompressor(Config{})
	result := compressor.CompressToBudget(input, 10_000)

	// Stripping applies even though the history fits the budget.
	stripped := result.Messages[0].Content[0].ToolResult
	if stripped.Arguments != nil {
		t.Error("arguments echo survived compression")
	}
	if stripped.ArgumentsRef == nil {
		t.Fatal("stripped tool result has no payload reference")
	}
	if stripped.ArgumentsRef.MessageID != "msg-1" {
		t.Errorf("reference message ID = %q, want %q", stripped.ArgumentsRef.MessageID, "msg-1")
	}
	if want := payload.Sum(arguments); stripped.ArgumentsRef.Digest != want {
		t.Errorf("reference digest = %s, want %s", stripped.ArgumentsRef.Digest, want)
	}
	if stripped.ArgumentsRef.Size != int64(len(arguments)) {
		t.Errorf("reference size = %d, want %d", stripped.ArgumentsRef.Size, len(arguments))
	}

	// The block without a payload is untouched.
	if result.Messages[0].Content[1].ToolResult.ArgumentsRef != nil {
		t.Error("payload-free block gained a reference")
	}

	// The input still carries the original echo.
	if !reflect.DeepEqual(input, snapshot) {
		t.Error("compression mutated its input")
	}
}

func TestCompressor_SixToolResultScenario(t *testing.T) {
	t.Parallel()

	// Six tool results of ~2000 estimated tokens each against a
	// budget of 5000. The newest must survive intact; the older
	// five must shrink to head-truncated summaries carrying their
	// message IDs.
	filler := strings.Repeat("x", 8000)
	var messages []llm.Message
	for i := 1; i <= 6; i++ {
		message := llm.ToolResultMessage(llm.ToolResult{
			ToolUseID: fmt.Sprintf("call-%d", i),
			ToolName:  "grep",
			Content:   filler,
		})
		message.ID = fmt.Sprintf("msg-%d", i)
		messages = append(messages, message)
	}

	compressor := NewCompressor(Config{})
	result := compressor.CompressToBudget(messages, 5_000)

	if result.FinalTokens > 5_000 {
		t.Errorf("FinalTokens = %d, want <= 5000", result.FinalTokens)
	}
	// Per-message estimate is 2008 tokens, which first crosses the
	// halved threshold at 1024 (round 3); round 4 re-truncates the
	// summaries down to 3x512 chars, landing under budget.
	if result.Rounds != 4 {
		t.Errorf("Rounds = %d, want 4", result.Rounds)
	}
	if len(result.Messages) != 6 {
		t.Fatalf("message count = %d, want 6 (no omission)", len(result.Messages))
	}
	if result.OmittedMessages != 0 || result.Capped {
		t.Errorf("omitted = %d, capped = %v, want none", result.OmittedMessages, result.Capped)
	}

	// Order preserved.
	for i, message := range result.Messages {
		if want := fmt.Sprintf("msg-%d", i+1); message.ID != want {
			t.Errorf("message %d ID = %q, want %q", i, message.ID, want)
		}
	}

	// Newest survives byte for byte.
	if got := toolResultContent(t, result.Messages[5]); got != filler {
		t.Errorf("newest tool result changed: len %d, want %d", len(got), len(filler))
	}

	// Older five are truncated summaries with retrieval hints.
	for i := 0; i < 5; i++ {
		content := toolResultContent(t, result.Messages[i])
		if len(content) >= len(filler) {
			t.Errorf("message %d not truncated: len %d", i, len(content))
		}
		if !strings.Contains(content, truncatedMarker) {
			t.Errorf("message %d missing truncation marker", i)
		}
		if hint := fmt.Sprintf("message_id %q", fmt.Sprintf("msg-%d", i+1)); !strings.Contains(content, hint) {
			t.Errorf("message %d missing %q", i, hint)
		}
	}
}

func TestCompressor_Idempotent(t *testing.T) {
	t.Parallel()

	filler := strings.Repeat("x", 8000)
	var messages []llm.Message
	for i := 1; i <= 6; i++ {
		message := llm.ToolResultMessage(llm.ToolResult{
			ToolUseID: fmt.Sprintf("call-%d", i),
			ToolName:  "grep",
			Content:   filler,
		})
		message.ID = fmt.Sprintf("msg-%d", i)
		messages = append(messages, message)
	}

	compressor := NewCompressor(Config{})
	first := compressor.CompressToBudget(messages, 5_000)
	second := compressor.CompressToBudget(first.Messages, 5_000)

	if !reflect.DeepEqual(first.Messages, second.Messages) {
		t.Error("compressing already-compressed output changed it")
	}
	if second.Rounds != 0 {
		t.Errorf("second pass Rounds = %d, want 0", second.Rounds)
	}
	if second.FinalTokens != first.FinalTokens {
		t.Errorf("second pass FinalTokens = %d, want %d", second.FinalTokens, first.FinalTokens)
	}
}

func TestCompressor_NewestSafeTruncatedWhenOversized(t *testing.T) {
	t.Parallel()

	// The newest tool result alone dwarfs the budget: 10000 chars
	// against a safe-truncation limit of 2x1000 = 2000. It must keep
	// its head and tail around an omission notice instead of losing
	// the tail to head truncation.
	older := llm.ToolResultMessage(llm.ToolResult{
		ToolUseID: "call-1",
		ToolName:  "shell",
		Content:   strings.Repeat("o", 9000),
	})
	older.ID = "msg-1"
	newest := llm.ToolResultMessage(llm.ToolResult{
		ToolUseID: "call-2",
		ToolName:  "shell",
		Content:   strings.Repeat("h", 5000) + strings.Repeat("t", 5000),
	})
	newest.ID = "msg-2"

	compressor := NewCompressor(Config{})
	result := compressor.CompressToBudget([]llm.Message{older, newest}, 1_000)

	content := toolResultContent(t, result.Messages[1])
	if len(content) > 2_000 {
		t.Errorf("newest content len = %d, want <= 2000", len(content))
	}
	// keep = 2000 - 150 reserve, split evenly: 925 head, 925 tail.
	if !strings.HasPrefix(content, strings.Repeat("h", 925)) {
		t.Error("newest lost its head")
	}
	if !strings.Contains(content, middleOmittedNotice) {
		t.Error("newest missing the middle omission notice")
	}
	if !strings.Contains(content, strings.Repeat("t", 925)+safeTruncateFooter) {
		t.Error("newest lost its tail")
	}
	if !strings.HasSuffix(content, safeTruncateFooter) {
		t.Error("newest missing the oversize footer")
	}

	// The older message took the head-truncation path instead.
	olderContent := toolResultContent(t, result.Messages[0])
	if !strings.Contains(olderContent, truncatedMarker) {
		t.Error("older message not head-truncated")
	}
	if strings.Contains(olderContent, middleOmittedNotice) {
		t.Error("older message wrongly safe-truncated")
	}
}

func TestCompressor_RolePassesSkipSystemAndNewest(t *testing.T) {
	t.Parallel()

	oldUser := llm.UserMessage(strings.Repeat("u", 9000))
	oldUser.ID = "u1"
	oldAssistant := llm.AssistantMessage(strings.Repeat("a", 9000))
	oldAssistant.ID = "a1"

	messages := []llm.Message{
		llm.SystemMessage(strings.Repeat("s", 200)),
		oldUser,
		oldAssistant,
		llm.UserMessage("latest question"),
		llm.AssistantMessage("latest answer"),
	}

	compressor := NewCompressor(Config{})
	result := compressor.CompressToBudget(messages, 2_000)

	if result.FinalTokens > 2_000 {
		t.Errorf("FinalTokens = %d, want <= 2000", result.FinalTokens)
	}

	// System prompt untouched.
	if got := result.Messages[0].TextContent(); got != strings.Repeat("s", 200) {
		t.Error("system message changed")
	}

	// Older user and assistant messages truncated with hints.
	for i, wantHint := range map[int]string{1: `message_id "u1"`, 2: `message_id "a1"`} {
		content := result.Messages[i].TextContent()
		if !strings.Contains(content, truncatedMarker) || !strings.Contains(content, wantHint) {
			t.Errorf("message %d not truncated with %q: %q...", i, wantHint, content[:40])
		}
	}

	// Newest of each role untouched.
	if got := result.Messages[3].TextContent(); got != "latest question" {
		t.Errorf("newest user message changed: %q", got)
	}
	if got := result.Messages[4].TextContent(); got != "latest answer" {
		t.Errorf("newest assistant message changed: %q", got)
	}
}

func TestCompressor_OmissionStopsAtFloor(t *testing.T) {
	t.Parallel()

	// Messages without IDs cannot be head-truncated (the expand hint
	// would point nowhere), so truncation rounds change nothing and
	// structural omission must carry the whole reduction. The budget
	// is unreachable even at the floor, exercising the floor branch.
	messages := []llm.Message{llm.SystemMessage(strings.Repeat("s", 100))}
	for i := 0; i < 29; i++ {
		content := fmt.Sprintf("%04d ", i) + strings.Repeat("x", 1195)
		messages = append(messages, llm.ToolResultMessage(llm.ToolResult{
			ToolUseID: fmt.Sprintf("call-%02d", i),
			ToolName:  "shell",
			Content:   content,
		}))
	}

	compressor := NewCompressor(Config{})
	result := compressor.CompressToBudget(messages, 1_000)

	// System + the 10-message conversation floor.
	if len(result.Messages) != 11 {
		t.Fatalf("message count = %d, want 11", len(result.Messages))
	}
	if result.Messages[0].Role != llm.RoleSystem {
		t.Error("system message not preserved")
	}
	if result.OmittedMessages != 19 {
		t.Errorf("OmittedMessages = %d, want 19", result.OmittedMessages)
	}
	if result.FinalTokens <= 1_000 {
		t.Errorf("FinalTokens = %d, expected the floor to stop above budget", result.FinalTokens)
	}

	// Omission takes the middle first, then the front: the newest
	// messages survive.
	if got := toolResultContent(t, result.Messages[1]); !strings.HasPrefix(got, "0019") {
		t.Errorf("oldest surviving message starts %q, want %q", got[:4], "0019")
	}
	if got := toolResultContent(t, result.Messages[10]); !strings.HasPrefix(got, "0028") {
		t.Errorf("newest surviving message starts %q, want %q", got[:4], "0028")
	}
}

func TestCompressor_CountCapIndependentOfBudget(t *testing.T) {
	t.Parallel()

	// 400 tiny messages fit any realistic token budget, but the hard
	// middle-out cap still applies.
	var messages []llm.Message
	for i := 0; i < 400; i++ {
		if i%2 == 0 {
			messages = append(messages, llm.UserMessage(fmt.Sprintf("m%04d", i)))
		} else {
			messages = append(messages, llm.AssistantMessage(fmt.Sprintf("m%04d", i)))
		}
	}

	compressor := NewCompressor(Config{})
	result := compressor.CompressToBudget(messages, 100_000)

	if len(result.Messages) != 320 {
		t.Fatalf("message count = %d, want 320", len(result.Messages))
	}
	if !result.Capped {
		t.Error("Capped = false, want true")
	}
	if result.OmittedMessages != 80 {
		t.Errorf("OmittedMessages = %d, want 80", result.OmittedMessages)
	}
	if result.Rounds != 0 {
		t.Errorf("Rounds = %d, want 0 (already under token budget)", result.Rounds)
	}

	// Head keeps the first 160, tail the last 160.
	if got := result.Messages[159].TextContent(); got != "m0159" {
		t.Errorf("last head message = %q, want %q", got, "m0159")
	}
	if got := result.Messages[160].TextContent(); got != "m0240" {
		t.Errorf("first tail message = %q, want %q", got, "m0240")
	}
	if got := result.Messages[319].TextContent(); got != "m0399" {
		t.Errorf("last message = %q, want %q", got, "m0399")
	}
}

func TestCompressor_InputNeverMutated(t *testing.T) {
	t.Parallel()

	oversized := llm.ToolResultMessage(llm.ToolResult{
		ToolUseID: "call-1",
		ToolName:  "shell",
		Content:   strings.Repeat("x", 20_000),
		Arguments: json.RawMessage(`{"command":"cat bigfile"}`),
	})
	oversized.ID = "msg-1"
	newest := llm.ToolResultMessage(llm.ToolResult{
		ToolUseID: "call-2",
		ToolName:  "shell",
		Content:   strings.Repeat("y", 20_000),
	})
	newest.ID = "msg-2"

	input := []llm.Message{
		llm.SystemMessage("be helpful"),
		oversized,
		newest,
	}
	snapshot := cloneMessages(input)

	compressor := NewCompressor(Config{})
	result := compressor.CompressToBudget(input, 1_000)

	if !reflect.DeepEqual(input, snapshot) {
		t.Error("compression mutated its input")
	}
	// Sanity: compression actually did something to the output.
	if got := toolResultContent(t, result.Messages[1]); len(got) >= 20_000 {
		t.Error("expected the output to be truncated")
	}
}

func TestCompressor_ModelFamilyLookup(t *testing.T) {
	t.Parallel()

	compressor := NewCompressor(Config{})
	messages := []llm.Message{llm.UserMessage("hello")}

	if got := compressor.Compress(messages, "anthropic/claude-sonnet-4").Budget; got != 108_000 {
		t.Errorf("claude budget = %d, want 108000", got)
	}
	if got := compressor.Compress(messages, "entirely-unknown-model").Budget; got != 31_000 {
		t.Errorf("fallback budget = %d, want 31000", got)
	}
}

func TestCompressor_TruncationPreservesRuneBoundaries(t *testing.T) {
	t.Parallel()

	// Multi-byte content laid out so the byte-offset cut points land
	// mid-rune: a leading ASCII char misaligns every following rune
	// against the even char limits. Truncation must back off to rune
	// boundaries and keep the output valid UTF-8 across repeated
	// passes at shrinking thresholds.
	older := llm.ToolResultMessage(llm.ToolResult{
		ToolUseID: "call-1",
		ToolName:  "shell",
		Content:   "a" + strings.Repeat("é", 5_000),
	})
	older.ID = "msg-1"
	newest := llm.ToolResultMessage(llm.ToolResult{
		ToolUseID: "call-2",
		ToolName:  "shell",
		Content:   "ab" + strings.Repeat("日本語", 4_000),
	})
	newest.ID = "msg-2"

	compressor := NewCompressor(Config{})
	result := compressor.CompressToBudget([]llm.Message{older, newest}, 1_000)

	for i, message := range result.Messages {
		content := toolResultContent(t, message)
		if !utf8.ValidString(content) {
			t.Errorf("message %d is not valid UTF-8 after truncation", i)
		}
		if len(content) >= len(toolResultContent(t, []llm.Message{older, newest}[i])) {
			t.Errorf("message %d was not truncated", i)
		}
	}
}
