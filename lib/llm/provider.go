// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Provider is a client for a model backend. Implementations translate
// between the common types in this package and the backend's wire
// format.
type Provider interface {
	// Complete sends a request and blocks until the full response is
	// available.
	Complete(ctx context.Context, request Request) (*Response, error)

	// Stream sends a request and returns an [EventStream] that yields
	// events as the response is generated.
	Stream(ctx context.Context, request Request) (*EventStream, error)
}

// Request is a model invocation.
type Request struct {
	Model         string
	System        string
	Messages      []Message
	Tools         []ToolDefinition
	MaxTokens     int
	Temperature   *float64
	StopSequences []string

	// ExtraHeaders are added to the outgoing HTTP request. Used for
	// per-run routing hints and trace propagation.
	ExtraHeaders map[string]string
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// StopReason explains why the model stopped generating.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonToolUse      StopReason = "tool_use"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
)

// Response is a complete model response.
type Response struct {
	Content    []ContentBlock
	StopReason StopReason
	Usage      Usage
	Model      string
}

// TextContent returns the concatenation of the response's text blocks.
func (response *Response) TextContent() string {
	var builder strings.Builder
	for _, block := range response.Content {
		if block.Type == ContentText {
			builder.WriteString(block.Text)
		}
	}
	return builder.String()
}

// ToolUses returns the tool calls in the response, in order.
func (response *Response) ToolUses() []ToolUse {
	var toolUses []ToolUse
	for _, block := range response.Content {
		if block.Type == ContentToolUse && block.ToolUse != nil {
			toolUses = append(toolUses, *block.ToolUse)
		}
	}
	return toolUses
}

// Usage reports token consumption for a single request.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// StreamEventType discriminates the variants of a [StreamEvent].
type StreamEventType string

const (
	// EventTextDelta carries an incremental piece of assistant text.
	EventTextDelta StreamEventType = "text_delta"

	// EventContentBlockDone carries a completed content block. The
	// stream accumulates these into the final [Response].
	EventContentBlockDone StreamEventType = "content_block_done"

	// EventDone marks the end of the stream.
	EventDone StreamEventType = "done"

	// EventPing is a keepalive with no payload.
	EventPing StreamEventType = "ping"
)

// StreamEvent is a single event from a streaming response.
type StreamEvent struct {
	Type         StreamEventType
	Text         string        // EventTextDelta
	ContentBlock *ContentBlock // EventContentBlockDone
}

// nextFunc produces the next event of a stream. It returns the
// stream's terminal error once the underlying transport fails.
type nextFunc func() (StreamEvent, error)

// EventStream is a streaming model response. Callers pull events with
// [EventStream.Next] until it returns [io.EOF], then read the
// accumulated [Response]. Next is not safe for concurrent use;
// Response and the mutators are.
type EventStream struct {
	next   nextFunc
	closer io.Closer
	done   bool

	mutex    sync.Mutex
	response Response
}

// NewEventStream creates a stream that pulls events from next and
// closes closer when done. Provider implementations assign next after
// construction when the closure needs a reference to the stream.
func NewEventStream(next nextFunc, closer io.Closer) *EventStream {
	return &EventStream{next: next, closer: closer}
}

// Next returns the next event. It returns [io.EOF] after the final
// event has been delivered, and the transport error if the stream
// fails mid-response. Completed content blocks are accumulated into
// the response as they pass through.
func (stream *EventStream) Next() (StreamEvent, error) {
	if stream.done {
		return StreamEvent{}, io.EOF
	}
	event, err := stream.next()
	if err != nil {
		stream.done = true
		return StreamEvent{}, err
	}
	stream.accumulate(event)
	if event.Type == EventDone {
		stream.done = true
	}
	return event, nil
}

// Response returns a snapshot of the response accumulated so far.
// Complete only after [EventStream.Next] has returned [io.EOF].
func (stream *EventStream) Response() Response {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	response := stream.response
	response.Content = append([]ContentBlock(nil), stream.response.Content...)
	return response
}

// Close releases the underlying transport. Safe to call more than
// once and at any point, including before the stream is drained.
func (stream *EventStream) Close() error {
	if stream.closer == nil {
		return nil
	}
	closer := stream.closer
	stream.closer = nil
	return closer.Close()
}

func (stream *EventStream) accumulate(event StreamEvent) {
	if event.Type != EventContentBlockDone || event.ContentBlock == nil {
		return
	}
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	stream.response.Content = append(stream.response.Content, *event.ContentBlock)
}

// SetStopReason records the stop reason on the accumulated response.
func (stream *EventStream) SetStopReason(reason StopReason) {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	stream.response.StopReason = reason
}

// SetUsage records token usage on the accumulated response.
func (stream *EventStream) SetUsage(usage Usage) {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	stream.response.Usage = usage
}

// SetModel records the responding model on the accumulated response.
func (stream *EventStream) SetModel(model string) {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	stream.response.Model = model
}

// AddOutputTokens adds to the output token count. Used by providers
// that report usage incrementally.
func (stream *EventStream) AddOutputTokens(tokens int64) {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	stream.response.Usage.OutputTokens += tokens
}

// ProviderError is an error response from the gateway or the upstream
// provider behind it.
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
}

func (err *ProviderError) Error() string {
	return fmt.Sprintf("llm: HTTP %d: %s: %s", err.StatusCode, err.Type, err.Message)
}

// IsRateLimited reports whether the request was rejected for rate
// limiting.
func (err *ProviderError) IsRateLimited() bool {
	return err.StatusCode == http.StatusTooManyRequests
}

// IsOverloaded reports whether the provider shed the request due to
// load. 529 is the de facto overload status used by Anthropic and
// several gateways; 503 is the standard equivalent.
func (err *ProviderError) IsOverloaded() bool {
	return err.StatusCode == 529 || err.StatusCode == http.StatusServiceUnavailable
}

// IsTransient reports whether the same request could plausibly
// succeed on a retry against different capacity.
func (err *ProviderError) IsTransient() bool {
	return err.IsRateLimited() || err.IsOverloaded()
}

// doProviderRequest marshals wireRequest, issues it to endpoint, and
// returns the HTTP response on status 200. Any other status is
// drained into a [ProviderError]. The prefix names the caller in
// wrapped errors.
func doProviderRequest(ctx context.Context, httpClient *http.Client, endpoint string,
	wireRequest any, prefix string, streaming bool, headers map[string]string) (*http.Response, error) {

	body, err := json.Marshal(wireRequest)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", prefix, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", prefix, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if streaming {
		httpRequest.Header.Set("Accept", "text/event-stream")
	}
	for name, value := range headers {
		httpRequest.Header.Set(name, value)
	}

	httpResponse, err := httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", prefix, err)
	}
	if httpResponse.StatusCode != http.StatusOK {
		defer httpResponse.Body.Close()
		return nil, readProviderError(httpResponse)
	}
	return httpResponse, nil
}

// readProviderError builds a [ProviderError] from a non-200 response.
// Bodies follow the conventional {"error": {"type", "message"}} shape;
// anything else is kept verbatim as the message. Read is capped so a
// misbehaving backend cannot balloon error handling.
func readProviderError(httpResponse *http.Response) error {
	providerError := &ProviderError{StatusCode: httpResponse.StatusCode}

	body, err := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))
	if err != nil || len(body) == 0 {
		return providerError
	}

	var wireError struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		providerError.Type = wireError.Error.Type
		providerError.Message = wireError.Error.Message
	} else {
		providerError.Message = strings.TrimSpace(string(body))
	}
	return providerError
}
