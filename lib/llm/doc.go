// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package llm is conductor's model-facing client layer: a
// provider-agnostic interface for Large Language Model APIs with
// streaming and tool-use support.
//
// The primary abstraction is [Provider], implemented by [Gateway]
// against any OpenAI-compatible chat completions endpoint. Vendor
// translation, cross-account retries, and upstream key handling are
// gateway concerns; conductor speaks exactly one wire protocol and
// passes model identifiers through verbatim.
//
// Streaming uses Server-Sent Events (SSE), parsed by [SSEScanner].
// The [EventStream] type wraps a streaming response, yielding
// [StreamEvent] values as they arrive while accumulating the complete
// [Response] internally.
//
// [Message] and [ContentBlock] are also the persistence and history
// compression currency used across the rest of the system, so they
// live here rather than in a higher layer.
package llm
