// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/bureau-foundation/conductor/lib/payload"
)

// Role identifies the author of a [Message].
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleTool marks a message carrying results for tool calls made
	// by an earlier assistant message.
	RoleTool Role = "tool"
)

// Message is one entry in a conversation thread.
//
// Messages are the unit of history compression: the compressor
// receives a slice of them, returns a reduced slice, and never
// mutates the originals. They are also the unit of persistence, so
// every field carries serialization tags.
type Message struct {
	// ID uniquely identifies the message within its thread. Assigned
	// by the history store; empty on messages not yet persisted.
	ID string `json:"id,omitempty"`

	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`

	// Model records which model produced an assistant message.
	// Empty for other roles.
	Model string `json:"model,omitempty"`

	// Metadata carries auxiliary fields that never reach the model:
	// run attribution, tool latencies, client hints. History
	// compression clears it before measuring message sizes.
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TextContent returns the concatenation of the message's text blocks.
func (message Message) TextContent() string {
	var builder strings.Builder
	for _, block := range message.Content {
		if block.Type == ContentText {
			builder.WriteString(block.Text)
		}
	}
	return builder.String()
}

// Clone returns a deep copy of the message. Content blocks, their
// pointer payloads, and the metadata map are all copied, so edits to
// the clone never show through to the original.
func (message Message) Clone() Message {
	clone := message
	if message.Content != nil {
		clone.Content = make([]ContentBlock, len(message.Content))
		for i, block := range message.Content {
			clone.Content[i] = block.clone()
		}
	}
	if message.Metadata != nil {
		clone.Metadata = make(map[string]any, len(message.Metadata))
		for key, value := range message.Metadata {
			clone.Metadata[key] = value
		}
	}
	return clone
}

// ContentType discriminates the variants of a [ContentBlock].
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentToolUse    ContentType = "tool_use"
	ContentToolResult ContentType = "tool_result"
)

// ContentBlock is a tagged union of message content variants. Type
// selects which of the payload fields is populated.
type ContentBlock struct {
	Type       ContentType `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

func (block ContentBlock) clone() ContentBlock {
	clone := block
	if block.ToolUse != nil {
		toolUse := *block.ToolUse
		clone.ToolUse = &toolUse
	}
	if block.ToolResult != nil {
		toolResult := *block.ToolResult
		clone.ToolResult = &toolResult
	}
	return clone
}

// ToolUse is a model-initiated tool call.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult carries the outcome of a tool call back to the model.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	ToolName  string `json:"tool_name,omitempty"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`

	// Arguments echoes the raw arguments of the originating call, so
	// the result message is self-describing in transcripts. Never
	// sent to the model.
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// ArgumentsRef replaces Arguments once history compression has
	// stripped them, pointing back at the stored original.
	ArgumentsRef *PayloadRef `json:"arguments_ref,omitempty"`
}

// PayloadRef is a structural reference to content removed from a
// message, sufficient to re-fetch the original out of band.
type PayloadRef struct {
	// MessageID is the persisted message the content came from.
	MessageID string `json:"message_id,omitempty"`

	Digest payload.Digest `json:"digest"`
	Size   int64          `json:"size"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

// ToolUseBlock builds a tool call content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{
		Type:    ContentToolUse,
		ToolUse: &ToolUse{ID: id, Name: name, Input: input},
	}
}

// ToolResultBlock builds a tool result content block.
func ToolResultBlock(toolUseID, toolName, content string) ContentBlock {
	return ContentBlock{
		Type: ContentToolResult,
		ToolResult: &ToolResult{
			ToolUseID: toolUseID,
			ToolName:  toolName,
			Content:   content,
		},
	}
}

// SystemMessage builds a system message with a single text block.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentBlock{TextBlock(text)}}
}

// UserMessage builds a user message with a single text block.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// AssistantMessage builds an assistant message with a single text
// block. Assistant messages carrying tool calls are built from a
// [Message] literal with the response's content blocks.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock(text)}}
}

// ToolResultMessage builds a tool message carrying the given results,
// one content block per result.
func ToolResultMessage(results ...ToolResult) Message {
	message := Message{Role: RoleTool}
	for _, result := range results {
		toolResult := result
		message.Content = append(message.Content, ContentBlock{
			Type:       ContentToolResult,
			ToolResult: &toolResult,
		})
	}
	return message
}
