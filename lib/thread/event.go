// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package thread

import (
	"time"

	"github.com/bureau-foundation/conductor/lib/llm"
)

// EventKind discriminates the variants of a [ResponseEvent].
type EventKind string

const (
	// KindContent carries a completed block of assistant text.
	KindContent EventKind = "content"

	// KindToolCall announces a model-initiated tool call before it
	// executes.
	KindToolCall EventKind = "tool_call"

	// KindToolResult carries the outcome of a tool call.
	KindToolResult EventKind = "tool_result"

	// KindStatus carries a lifecycle signal: a failure with its
	// diagnostic, an explicit stop, or the synthesized completion the
	// run coordinator appends when a stream ends without one.
	KindStatus EventKind = "status"

	// KindFinish marks the end of a turn with the model's finish
	// reason. Suppressed finishes (auto-continue) never surface.
	KindFinish EventKind = "finish"
)

// FinishReason explains why a turn (or sub-iteration) ended.
type FinishReason string

const (
	// FinishStop means the model completed its response with no
	// pending tool calls.
	FinishStop FinishReason = "stop"

	// FinishToolCalls means the model stopped to call tools. With
	// auto-continue budget remaining the orchestrator suppresses the
	// finish and loops; otherwise the reason is forwarded.
	FinishToolCalls FinishReason = "tool-calls"

	// FinishToolCallLimit means the processor hit its per-response
	// tool call ceiling. Always forwarded; the turn does not continue.
	FinishToolCallLimit FinishReason = "tool-call-limit-reached"
)

// Status vocabulary for KindStatus events. The run coordinator maps
// these onto terminal run statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// ResponseEvent is one typed event in a run's response stream. Events
// are the unit of transcript persistence and live tailing: the
// coordinator appends each one to the durable log, and the CLI renders
// them.
//
// Kind selects which payload fields are populated. Seq is assigned by
// the orchestrator, dense and strictly increasing within a turn.
type ResponseEvent struct {
	Seq  int64     `json:"seq"`
	Kind EventKind `json:"kind"`

	// Text is the payload of KindContent events.
	Text string `json:"text,omitempty"`

	// ToolCall is the payload of KindToolCall events.
	ToolCall *llm.ToolUse `json:"tool_call,omitempty"`

	// ToolResult is the payload of KindToolResult events.
	ToolResult *llm.ToolResult `json:"tool_result,omitempty"`

	// Status and Message are the payload of KindStatus events: the
	// lifecycle word and its human-readable detail.
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`

	// Finish is the payload of KindFinish events.
	Finish FinishReason `json:"finish,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
