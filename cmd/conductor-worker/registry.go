// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bureau-foundation/conductor/lib/llm"
	"github.com/bureau-foundation/conductor/lib/thread"
)

// expandMessageToolName is the built-in tool the context compressor
// points the model at when it truncates a message. Every run
// advertises it; the tool re-reads the full message from the thread
// history.
const expandMessageToolName = "expand-message"

var expandMessageDefinition = llm.ToolDefinition{
	Name: expandMessageToolName,
	Description: "Retrieve the full content of a conversation message that was " +
		"truncated to fit the context window. Pass the message_id from the " +
		"truncation notice.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"message_id": {
				"type": "string",
				"description": "Identifier of the message to expand, as given in the truncation notice."
			}
		},
		"required": ["message_id"]
	}`),
}

// toolRegistry is the worker's thread.ToolRegistry: the built-in
// expand-message tool plus the profile's declared tools. Declared
// tools are advertisement only. This worker has no executor for them,
// so a model calling one gets an error result; profiles that declare
// tools are meant for deployments where an execution backend fills
// them in.
type toolRegistry struct {
	history  thread.History
	threadID string
	declared []llm.ToolDefinition
}

// newToolRegistry builds a registry scoped to one thread. Declared
// tools that collide with the built-in name are dropped so the
// catalog stays unambiguous.
func newToolRegistry(history thread.History, threadID string, declared []llm.ToolDefinition) *toolRegistry {
	kept := make([]llm.ToolDefinition, 0, len(declared))
	for _, definition := range declared {
		if definition.Name == expandMessageToolName {
			continue
		}
		kept = append(kept, definition)
	}
	return &toolRegistry{
		history:  history,
		threadID: threadID,
		declared: kept,
	}
}

// Definitions returns the advertised catalog, built-in tool first.
func (registry *toolRegistry) Definitions() []llm.ToolDefinition {
	definitions := make([]llm.ToolDefinition, 0, len(registry.declared)+1)
	definitions = append(definitions, expandMessageDefinition)
	definitions = append(definitions, registry.declared...)
	return definitions
}

// Execute runs one tool call. Only the built-in tool has an executor;
// calls to declared tools are infrastructure errors, which the
// processor converts to error results the model can react to.
func (registry *toolRegistry) Execute(ctx context.Context, call llm.ToolUse) (string, bool, error) {
	if call.Name == expandMessageToolName {
		return registry.expandMessage(ctx, call)
	}
	return "", false, fmt.Errorf("tool %q has no executor on this worker", call.Name)
}

// expandMessage looks up a message by ID and renders its full
// content. Bad input and unknown IDs are tool-level errors the model
// can correct; only a history read failure is infrastructural.
func (registry *toolRegistry) expandMessage(ctx context.Context, call llm.ToolUse) (string, bool, error) {
	var input struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return fmt.Sprintf("invalid input: %v", err), true, nil
	}
	if input.MessageID == "" {
		return "message_id is required", true, nil
	}

	messages, err := registry.history.Messages(ctx, registry.threadID)
	if err != nil {
		return "", false, fmt.Errorf("reading thread history: %w", err)
	}
	for _, message := range messages {
		if message.ID == input.MessageID {
			return renderMessage(message), false, nil
		}
	}
	return fmt.Sprintf("no message with id %q in this thread", input.MessageID), true, nil
}

// renderMessage flattens a message's blocks to text. Tool calls and
// results keep enough structure to be read back meaningfully.
func renderMessage(message llm.Message) string {
	parts := make([]string, 0, len(message.Content))
	for _, block := range message.Content {
		switch block.Type {
		case llm.ContentText:
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case llm.ContentToolUse:
			if block.ToolUse != nil {
				parts = append(parts, fmt.Sprintf("[tool call %s: %s(%s)]",
					block.ToolUse.ID, block.ToolUse.Name, string(block.ToolUse.Input)))
			}
		case llm.ContentToolResult:
			if block.ToolResult != nil {
				parts = append(parts, block.ToolResult.Content)
			}
		}
	}
	if len(parts) == 0 {
		return "(message has no renderable content)"
	}
	return strings.Join(parts, "\n\n")
}
