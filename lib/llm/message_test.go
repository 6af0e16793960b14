// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"encoding/json"
	"testing"
)

func TestTextContent(t *testing.T) {
	t.Parallel()

	message := Message{Role: RoleAssistant, Content: []ContentBlock{
		TextBlock("first"),
		ToolUseBlock("call_1", "tool", nil),
		TextBlock(" second"),
	}}
	if got := message.TextContent(); got != "first second" {
		t.Errorf("TextContent = %q, want 'first second'", got)
	}

	if got := (Message{}).TextContent(); got != "" {
		t.Errorf("empty message TextContent = %q, want empty", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	original := ToolResultMessage(ToolResult{
		ToolUseID: "call_1", ToolName: "read_file", Content: "contents",
	})
	original.ID = "msg-1"
	original.Metadata = map[string]any{"latency_ms": 12}
	original.Content[0].ToolResult.Arguments = json.RawMessage(`{"path":"a.go"}`)

	clone := original.Clone()

	// Mutate every layer of the clone.
	clone.Content[0].ToolResult.Content = "replaced"
	clone.Content[0].ToolResult.Arguments = nil
	clone.Content = append(clone.Content, TextBlock("extra"))
	clone.Metadata["latency_ms"] = 99

	if original.Content[0].ToolResult.Content != "contents" {
		t.Error("clone mutation reached the original tool result")
	}
	if original.Content[0].ToolResult.Arguments == nil {
		t.Error("clone mutation cleared the original arguments")
	}
	if length := len(original.Content); length != 1 {
		t.Errorf("original content length = %d, want 1", length)
	}
	if original.Metadata["latency_ms"] != 12 {
		t.Error("clone mutation reached the original metadata")
	}
}

func TestConstructors(t *testing.T) {
	t.Parallel()

	user := UserMessage("hi")
	if user.Role != RoleUser || user.TextContent() != "hi" {
		t.Errorf("UserMessage = %+v", user)
	}

	system := SystemMessage("rules")
	if system.Role != RoleSystem || system.TextContent() != "rules" {
		t.Errorf("SystemMessage = %+v", system)
	}

	assistant := AssistantMessage("done")
	if assistant.Role != RoleAssistant || assistant.TextContent() != "done" {
		t.Errorf("AssistantMessage = %+v", assistant)
	}

	result := ToolResultMessage(
		ToolResult{ToolUseID: "call_9", ToolName: "grep", Content: "no matches"},
		ToolResult{ToolUseID: "call_10", ToolName: "read_file", Content: "package llm"},
	)
	if result.Role != RoleTool {
		t.Errorf("ToolResultMessage role = %q, want tool", result.Role)
	}
	if length := len(result.Content); length != 2 {
		t.Fatalf("ToolResultMessage blocks = %d, want 2", length)
	}
	toolResult := result.Content[0].ToolResult
	if toolResult == nil || toolResult.ToolUseID != "call_9" || toolResult.ToolName != "grep" {
		t.Errorf("ToolResultMessage block = %+v", result.Content[0])
	}
}
