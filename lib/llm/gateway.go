// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bureau-foundation/conductor/lib/secret"
)

// Gateway implements [Provider] against an OpenAI-compatible chat
// completions endpoint. Conductor never talks to model vendors
// directly: deployments run a gateway (LiteLLM, OpenRouter, vLLM, or
// any compatible router) that owns vendor translation and upstream
// key management, and this client speaks the one wire protocol all
// of them share. Model identifiers pass through verbatim, so routing
// between vendors stays a gateway concern.
type Gateway struct {
	httpClient *http.Client
	baseURL    string
	apiKey     *secret.Buffer
}

// NewGateway creates a gateway provider. baseURL is the root of the
// OpenAI-compatible API, without the /v1/chat/completions suffix.
// apiKey may be nil when the gateway requires no authentication; the
// Gateway reads the buffer per request but does not take ownership
// of it.
func NewGateway(httpClient *http.Client, baseURL string, apiKey *secret.Buffer) *Gateway {
	return &Gateway{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// Complete sends a non-streaming request and returns the full response.
func (gateway *Gateway) Complete(ctx context.Context, request Request) (*Response, error) {
	wireRequest := gateway.buildRequest(request, false)

	httpResponse, err := doProviderRequest(ctx, gateway.httpClient,
		gateway.endpoint(), wireRequest, "llm/gateway", false, gateway.headers(request))
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	var wireResponse gatewayResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&wireResponse); err != nil {
		return nil, fmt.Errorf("llm/gateway: decode response: %w", err)
	}
	return wireResponse.toResponse(), nil
}

// Stream sends a streaming request and returns an [EventStream].
func (gateway *Gateway) Stream(ctx context.Context, request Request) (*EventStream, error) {
	wireRequest := gateway.buildRequest(request, true)

	httpResponse, err := doProviderRequest(ctx, gateway.httpClient,
		gateway.endpoint(), wireRequest, "llm/gateway", true, gateway.headers(request))
	if err != nil {
		return nil, err
	}
	return gateway.newEventStream(httpResponse.Body), nil
}

func (gateway *Gateway) endpoint() string {
	return gateway.baseURL + "/v1/chat/completions"
}

func (gateway *Gateway) headers(request Request) map[string]string {
	headers := make(map[string]string, len(request.ExtraHeaders)+1)
	if gateway.apiKey != nil {
		headers["Authorization"] = "Bearer " + gateway.apiKey.String()
	}
	for name, value := range request.ExtraHeaders {
		headers[name] = value
	}
	return headers
}

// buildRequest converts our types to the chat completions wire format.
func (gateway *Gateway) buildRequest(request Request, stream bool) gatewayRequest {
	wireRequest := gatewayRequest{
		Model:     request.Model,
		Messages:  toGatewayMessages(request.System, request.Messages),
		MaxTokens: request.MaxTokens,
		Stream:    stream,
	}

	if stream {
		// Ask for a final usage chunk so the accumulated response
		// carries token counts.
		wireRequest.StreamOptions = &gatewayStreamOptions{IncludeUsage: true}
	}
	if request.Temperature != nil {
		wireRequest.Temperature = request.Temperature
	}
	if len(request.StopSequences) > 0 {
		wireRequest.Stop = request.StopSequences
	}

	for _, tool := range request.Tools {
		wireRequest.Tools = append(wireRequest.Tools, gatewayTool{
			Type: "function",
			Function: gatewayToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return wireRequest
}

// newEventStream creates an EventStream that parses chat completion
// stream chunks. Text deltas pass through as they arrive; tool calls
// arrive as fragments keyed by index and are assembled into complete
// blocks when the finish reason lands.
func (gateway *Gateway) newEventStream(body io.ReadCloser) *EventStream {
	sseScanner := NewSSEScanner(body)

	var textContent strings.Builder
	var partialToolCalls []gatewayPartialToolCall
	var pendingEvents []StreamEvent
	modelSet := false
	finalized := false

	stream := NewEventStream(nil, body)

	// finalize converts the accumulated text and tool call fragments
	// into content_block_done events. Called once, either when the
	// finish reason arrives or when the stream ends without one.
	finalize := func() {
		if finalized {
			return
		}
		finalized = true
		if textContent.Len() > 0 {
			block := TextBlock(textContent.String())
			pendingEvents = append(pendingEvents, StreamEvent{
				Type:         EventContentBlockDone,
				ContentBlock: &block,
			})
		}
		for _, partial := range partialToolCalls {
			if partial.id == "" && partial.name == "" {
				continue
			}
			arguments := partial.arguments.String()
			if arguments == "" {
				arguments = "{}"
			}
			block := ToolUseBlock(partial.id, partial.name, json.RawMessage(arguments))
			pendingEvents = append(pendingEvents, StreamEvent{
				Type:         EventContentBlockDone,
				ContentBlock: &block,
			})
		}
	}

	stream.next = func() (StreamEvent, error) {
		for {
			if len(pendingEvents) > 0 {
				event := pendingEvents[0]
				pendingEvents = pendingEvents[1:]
				return event, nil
			}

			if !sseScanner.Next() {
				if err := sseScanner.Err(); err != nil {
					return StreamEvent{}, fmt.Errorf("llm/gateway: read stream: %w", err)
				}
				// Stream ended without a [DONE] sentinel. Flush what
				// we have rather than dropping a partial response.
				finalize()
				pendingEvents = append(pendingEvents, StreamEvent{Type: EventDone})
				continue
			}

			data := sseScanner.Event().Data
			if data == "[DONE]" {
				finalize()
				pendingEvents = append(pendingEvents, StreamEvent{Type: EventDone})
				continue
			}

			var chunk gatewayStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				// Tolerate malformed keepalive frames from proxies.
				continue
			}

			// Gateways report mid-stream failures as an error object
			// in place of a chunk.
			if len(chunk.Choices) == 0 && chunk.Usage == nil && chunk.Model == "" {
				if providerError := parseGatewayStreamError(data); providerError != nil {
					return StreamEvent{}, providerError
				}
				continue
			}

			if chunk.Model != "" && !modelSet {
				stream.SetModel(chunk.Model)
				modelSet = true
			}
			if chunk.Usage != nil {
				stream.SetUsage(chunk.Usage.toUsage())
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]

			for _, deltaCall := range choice.Delta.ToolCalls {
				for deltaCall.Index >= len(partialToolCalls) {
					partialToolCalls = append(partialToolCalls, gatewayPartialToolCall{})
				}
				partial := &partialToolCalls[deltaCall.Index]
				if deltaCall.ID != "" {
					partial.id = deltaCall.ID
				}
				partial.name += deltaCall.Function.Name
				partial.arguments.WriteString(deltaCall.Function.Arguments)
			}

			if choice.Delta.Content != "" {
				textContent.WriteString(choice.Delta.Content)
				pendingEvents = append(pendingEvents, StreamEvent{
					Type: EventTextDelta,
					Text: choice.Delta.Content,
				})
			}

			// A chunk may carry both the last content delta and the
			// finish reason, so this runs after the delta is recorded.
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				stream.SetStopReason(mapGatewayFinishReason(*choice.FinishReason))
				finalize()
				// No EventDone yet: a usage-only chunk and the [DONE]
				// sentinel are still expected.
			}
		}
	}

	return stream
}

// parseGatewayStreamError extracts a [ProviderError] from an error
// object sent mid-stream, or returns nil if data is not one.
func parseGatewayStreamError(data string) *ProviderError {
	var wireError struct {
		Error struct {
			Code    int    `json:"code"`
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(data), &wireError) != nil || wireError.Error.Message == "" {
		return nil
	}
	statusCode := wireError.Error.Code
	if statusCode == 0 {
		statusCode = http.StatusBadGateway
	}
	return &ProviderError{
		StatusCode: statusCode,
		Type:       wireError.Error.Type,
		Message:    wireError.Error.Message,
	}
}

// gatewayPartialToolCall accumulates one tool call across stream
// chunks. Fragments are keyed by the wire index, not the call ID,
// because the ID only arrives on the first fragment.
type gatewayPartialToolCall struct {
	id        string
	name      string
	arguments strings.Builder
}

// toGatewayMessages converts thread messages to the wire format, with
// the system prompt as the leading system message.
//
// History reduction can drop one half of a tool call/result pair, and
// the chat completions format rejects calls and results that do not
// appear in matched sequence. Unmatched entries on either side are
// filtered out here.
func toGatewayMessages(system string, messages []Message) []gatewayMessage {
	// Tool results present in the history, so assistant calls whose
	// results are gone can be dropped.
	resultIDs := make(map[string]bool)
	for _, message := range messages {
		for _, block := range message.Content {
			if block.Type == ContentToolResult && block.ToolResult != nil {
				resultIDs[block.ToolResult.ToolUseID] = true
			}
		}
	}

	wireMessages := make([]gatewayMessage, 0, len(messages)+1)
	if system != "" {
		wireMessages = append(wireMessages, gatewayMessage{
			Role:    "system",
			Content: gatewayTextContent(system),
		})
	}

	// Calls actually emitted, so results whose call is gone are
	// dropped in turn.
	callIDs := make(map[string]bool)

	for _, message := range messages {
		switch message.Role {
		case RoleSystem:
			wireMessages = append(wireMessages, gatewayMessage{
				Role:    "system",
				Content: gatewayTextContent(message.TextContent()),
			})

		case RoleAssistant:
			wireMessage := gatewayMessage{Role: "assistant"}
			if text := message.TextContent(); text != "" {
				wireMessage.Content = gatewayTextContent(text)
			}
			for _, block := range message.Content {
				if block.Type != ContentToolUse || block.ToolUse == nil {
					continue
				}
				if !resultIDs[block.ToolUse.ID] {
					continue
				}
				callIDs[block.ToolUse.ID] = true
				wireMessage.ToolCalls = append(wireMessage.ToolCalls, gatewayToolCall{
					ID:   block.ToolUse.ID,
					Type: "function",
					Function: gatewayToolFunction{
						Name:      block.ToolUse.Name,
						Arguments: string(block.ToolUse.Input),
					},
				})
			}
			if wireMessage.Content == nil && len(wireMessage.ToolCalls) == 0 {
				continue
			}
			wireMessages = append(wireMessages, wireMessage)

		case RoleTool:
			for _, block := range message.Content {
				if block.Type != ContentToolResult || block.ToolResult == nil {
					continue
				}
				if !callIDs[block.ToolResult.ToolUseID] {
					continue
				}
				wireMessages = append(wireMessages, gatewayMessage{
					Role:       "tool",
					ToolCallID: block.ToolResult.ToolUseID,
					Content:    gatewayTextContent(block.ToolResult.Content),
				})
			}

		default:
			// RoleUser, plus anything unrecognized, goes through as a
			// plain user message.
			wireMessages = append(wireMessages, gatewayMessage{
				Role:    "user",
				Content: gatewayTextContent(message.TextContent()),
			})
		}
	}
	return wireMessages
}

// gatewayTextContent encodes plain text as a wire content value.
func gatewayTextContent(text string) json.RawMessage {
	encoded, err := json.Marshal(text)
	if err != nil {
		// Strings always marshal.
		panic(fmt.Sprintf("llm/gateway: marshal text content: %v", err))
	}
	return encoded
}

// gatewayContentText extracts plain text from a wire content value,
// which is either a JSON string or an array of typed parts.
func gatewayContentText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return text
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &parts); err != nil {
		return ""
	}
	var builder strings.Builder
	for _, part := range parts {
		if part.Type == "text" {
			builder.WriteString(part.Text)
		}
	}
	return builder.String()
}

// mapGatewayFinishReason translates chat completion finish reasons to
// [StopReason]. Unknown reasons pass through unchanged so callers can
// surface gateway-specific values.
func mapGatewayFinishReason(reason string) StopReason {
	switch reason {
	case "stop", "":
		return StopReasonEndTurn
	case "tool_calls", "function_call":
		return StopReasonToolUse
	case "length":
		return StopReasonMaxTokens
	default:
		return StopReason(reason)
	}
}

// Wire types for the OpenAI-compatible chat completions protocol.

type gatewayRequest struct {
	Model         string                `json:"model"`
	Messages      []gatewayMessage      `json:"messages"`
	MaxTokens     int                   `json:"max_tokens,omitempty"`
	Temperature   *float64              `json:"temperature,omitempty"`
	Stop          []string              `json:"stop,omitempty"`
	Stream        bool                  `json:"stream,omitempty"`
	StreamOptions *gatewayStreamOptions `json:"stream_options,omitempty"`
	Tools         []gatewayTool         `json:"tools,omitempty"`
}

type gatewayStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// gatewayMessage is used on both sides of the wire: outgoing history
// messages and the message object inside a response choice.
type gatewayMessage struct {
	Role       string            `json:"role"`
	Content    json.RawMessage   `json:"content,omitempty"`
	ToolCalls  []gatewayToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

type gatewayToolCall struct {
	ID       string              `json:"id"`
	Type     string              `json:"type"`
	Function gatewayToolFunction `json:"function"`
}

type gatewayToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type gatewayTool struct {
	Type     string                `json:"type"`
	Function gatewayToolDefinition `json:"function"`
}

type gatewayToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type gatewayResponse struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Choices []gatewayChoice `json:"choices"`
	Usage   *gatewayUsage   `json:"usage"`
}

type gatewayChoice struct {
	Index        int            `json:"index"`
	Message      gatewayMessage `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type gatewayUsage struct {
	PromptTokens        int64                       `json:"prompt_tokens"`
	CompletionTokens    int64                       `json:"completion_tokens"`
	TotalTokens         int64                       `json:"total_tokens"`
	PromptTokensDetails *gatewayPromptTokensDetails `json:"prompt_tokens_details"`
}

type gatewayPromptTokensDetails struct {
	CachedTokens int64 `json:"cached_tokens"`
}

func (wireUsage *gatewayUsage) toUsage() Usage {
	usage := Usage{
		InputTokens:  wireUsage.PromptTokens,
		OutputTokens: wireUsage.CompletionTokens,
	}
	if wireUsage.PromptTokensDetails != nil {
		usage.CacheReadTokens = wireUsage.PromptTokensDetails.CachedTokens
	}
	return usage
}

type gatewayStreamChunk struct {
	ID      string                `json:"id"`
	Model   string                `json:"model"`
	Choices []gatewayStreamChoice `json:"choices"`
	Usage   *gatewayUsage         `json:"usage"`
}

type gatewayStreamChoice struct {
	Index        int                `json:"index"`
	Delta        gatewayStreamDelta `json:"delta"`
	FinishReason *string            `json:"finish_reason"`
}

type gatewayStreamDelta struct {
	Role      string                  `json:"role"`
	Content   string                  `json:"content"`
	ToolCalls []gatewayStreamToolCall `json:"tool_calls"`
}

type gatewayStreamToolCall struct {
	Index    int                       `json:"index"`
	ID       string                    `json:"id"`
	Type     string                    `json:"type"`
	Function gatewayStreamToolFunction `json:"function"`
}

type gatewayStreamToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// toResponse converts a complete wire response to our types.
func (wireResponse *gatewayResponse) toResponse() *Response {
	response := &Response{Model: wireResponse.Model}
	if wireResponse.Usage != nil {
		response.Usage = wireResponse.Usage.toUsage()
	}
	if len(wireResponse.Choices) == 0 {
		response.StopReason = StopReasonEndTurn
		return response
	}

	choice := wireResponse.Choices[0]
	if text := gatewayContentText(choice.Message.Content); text != "" {
		response.Content = append(response.Content, TextBlock(text))
	}
	for _, toolCall := range choice.Message.ToolCalls {
		response.Content = append(response.Content, ToolUseBlock(
			toolCall.ID, toolCall.Function.Name, json.RawMessage(toolCall.Function.Arguments)))
	}
	response.StopReason = mapGatewayFinishReason(choice.FinishReason)
	return response
}
