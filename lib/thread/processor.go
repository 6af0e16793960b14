// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package thread

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/bureau-foundation/conductor/lib/clock"
	"github.com/bureau-foundation/conductor/lib/llm"
)

// History is the thread message store. The orchestrator reads full
// histories; the processor appends the messages each sub-iteration
// produces.
type History interface {
	// Messages returns the thread's messages in conversation order.
	Messages(ctx context.Context, threadID string) ([]llm.Message, error)

	// Append persists a new message at the end of the thread and
	// returns the stored form, with its assigned ID.
	Append(ctx context.Context, threadID string, message llm.Message) (llm.Message, error)
}

// ToolRegistry executes model-initiated tool calls and advertises the
// tool catalog.
type ToolRegistry interface {
	// Definitions returns the tool definitions to send to the model.
	Definitions() []llm.ToolDefinition

	// Execute runs one tool call. output is the content returned to
	// the model; isError marks a tool-level failure the model should
	// see. A non-nil err is an infrastructure failure (unknown tool,
	// authorization) and is surfaced to the model as an error result.
	Execute(ctx context.Context, call llm.ToolUse) (output string, isError bool, err error)
}

// Processor consumes one provider stream: it emits typed events,
// executes tool calls, persists the sub-iteration's messages, and
// reports how the sub-iteration finished. The orchestrator owns the
// finish event itself, so it can suppress one when auto-continuing.
type Processor interface {
	Process(ctx context.Context, threadID string, stream *llm.EventStream, emit func(ResponseEvent)) (FinishReason, error)
}

// StreamProcessorConfig holds the dependencies for a StreamProcessor.
type StreamProcessorConfig struct {
	// History receives the assistant and tool-result messages each
	// sub-iteration produces. Required.
	History History

	// Registry executes tool calls. Required.
	Registry ToolRegistry

	// MaxToolCalls caps how many tool calls a single response may
	// execute. Zero means no cap. When the cap trips, the remaining
	// calls receive synthetic error results so the thread history
	// stays answerable, and the sub-iteration finishes with
	// FinishToolCallLimit.
	MaxToolCalls int

	// Logger receives per-tool operational messages. Defaults to a
	// no-op logger.
	Logger *slog.Logger

	// Clock stamps persisted messages. Defaults to the real clock.
	Clock clock.Clock
}

// StreamProcessor is the standard Processor: it drains the provider
// stream, emits content and tool call events as blocks complete,
// executes tool calls in order, and persists the assistant response
// and tool results to the thread history.
type StreamProcessor struct {
	history      History
	registry     ToolRegistry
	maxToolCalls int
	logger       *slog.Logger
	clock        clock.Clock
}

// NewStreamProcessor validates the configuration and returns a
// processor.
func NewStreamProcessor(config StreamProcessorConfig) (*StreamProcessor, error) {
	if config.History == nil {
		return nil, fmt.Errorf("thread: History is required")
	}
	if config.Registry == nil {
		return nil, fmt.Errorf("thread: Registry is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &StreamProcessor{
		history:      config.History,
		registry:     config.Registry,
		maxToolCalls: config.MaxToolCalls,
		logger:       logger,
		clock:        clk,
	}, nil
}

// Process drains the stream, persists the assistant message, executes
// tool calls, persists their results, and returns the finish reason.
func (processor *StreamProcessor) Process(ctx context.Context, threadID string, stream *llm.EventStream, emit func(ResponseEvent)) (FinishReason, error) {
	for {
		event, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("thread: reading stream: %w", err)
		}
		if event.Type != llm.EventContentBlockDone || event.ContentBlock == nil {
			continue
		}
		switch block := event.ContentBlock; block.Type {
		case llm.ContentText:
			if block.Text != "" {
				emit(ResponseEvent{Kind: KindContent, Text: block.Text})
			}
		case llm.ContentToolUse:
			if block.ToolUse != nil {
				toolUse := *block.ToolUse
				emit(ResponseEvent{Kind: KindToolCall, ToolCall: &toolUse})
			}
		}
	}

	response := stream.Response()
	assistant := llm.Message{
		Role:      llm.RoleAssistant,
		Content:   response.Content,
		Model:     response.Model,
		CreatedAt: processor.clock.Now(),
	}
	if _, err := processor.history.Append(ctx, threadID, assistant); err != nil {
		return "", fmt.Errorf("thread: persisting assistant message: %w", err)
	}

	toolUses := response.ToolUses()
	if len(toolUses) == 0 {
		return FinishStop, nil
	}

	executable := toolUses
	limited := false
	if processor.maxToolCalls > 0 && len(toolUses) > processor.maxToolCalls {
		executable = toolUses[:processor.maxToolCalls]
		limited = true
		processor.logger.Warn("tool call limit reached",
			"requested", len(toolUses),
			"executed", len(executable),
		)
	}

	results := make([]llm.ToolResult, 0, len(toolUses))
	for _, toolUse := range executable {
		results = append(results, processor.executeTool(ctx, toolUse, emit))
	}
	// Calls beyond the cap still get (error) results so every tool_use
	// block in the history has an answer.
	for _, toolUse := range toolUses[len(executable):] {
		result := llm.ToolResult{
			ToolUseID: toolUse.ID,
			ToolName:  toolUse.Name,
			Content:   "tool call limit reached, call not executed",
			IsError:   true,
			Arguments: toolUse.Input,
		}
		emit(ResponseEvent{Kind: KindToolResult, ToolResult: &result})
		results = append(results, result)
	}

	toolMessage := llm.ToolResultMessage(results...)
	toolMessage.CreatedAt = processor.clock.Now()
	if _, err := processor.history.Append(ctx, threadID, toolMessage); err != nil {
		return "", fmt.Errorf("thread: persisting tool results: %w", err)
	}

	if limited {
		return FinishToolCallLimit, nil
	}
	return FinishToolCalls, nil
}

// executeTool runs one call through the registry and emits its result
// event. Infrastructure errors become error results the model can see.
func (processor *StreamProcessor) executeTool(ctx context.Context, toolUse llm.ToolUse, emit func(ResponseEvent)) llm.ToolResult {
	result := llm.ToolResult{
		ToolUseID: toolUse.ID,
		ToolName:  toolUse.Name,
		Arguments: toolUse.Input,
	}

	if ctx.Err() != nil {
		result.Content = "execution cancelled"
		result.IsError = true
	} else {
		output, isError, err := processor.registry.Execute(ctx, toolUse)
		if err != nil {
			output = err.Error()
			isError = true
			processor.logger.Warn("tool infrastructure error", "name", toolUse.Name, "error", err)
		} else if isError {
			processor.logger.Info("tool returned error", "name", toolUse.Name)
		} else {
			processor.logger.Info("tool completed", "name", toolUse.Name, "output_length", len(output))
		}
		result.Content = output
		result.IsError = isError
	}

	emitted := result
	emit(ResponseEvent{Kind: KindToolResult, ToolResult: &emitted})
	return result
}
