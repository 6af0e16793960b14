// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package thread runs single conversational turns against a model
// provider: the request → think → act → observe cycle that powers an
// agent run.
//
// The Orchestrator owns the turn state machine. For each turn it
// fetches the thread's message history, splices in an optional
// ephemeral message, compresses the conversation to the model family's
// token budget, streams a provider request, and hands the stream to a
// Processor that executes tool calls and emits typed ResponseEvents.
// When the model stops to call tools, the orchestrator suppresses the
// finish event and loops for another sub-iteration, up to an
// auto-continue budget; transient provider overload reroutes the same
// sub-iteration to a fallback model a bounded number of times.
//
// The package deliberately knows nothing about durable storage or run
// coordination: History abstracts where thread messages live,
// ToolRegistry abstracts tool execution, and events flow out on a
// channel for the caller to persist, publish, or render.
package thread
