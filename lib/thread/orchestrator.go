// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/conductor/lib/clock"
	"github.com/bureau-foundation/conductor/lib/llm"
	llmcontext "github.com/bureau-foundation/conductor/lib/llm/context"
)

// Defaults carried from the source system's driver.
const (
	// DefaultMaxAutoContinues bounds how many times a turn silently
	// continues after the model stops to call tools.
	DefaultMaxAutoContinues = 25

	// DefaultMaxIterations is the outer guard on provider calls per
	// turn, counting auto-continues and overload retries alike.
	DefaultMaxIterations = 100

	// DefaultMaxOverloadRetries bounds fallback reroutes for a single
	// turn when the provider sheds load.
	DefaultMaxOverloadRetries = 3
)

// eventBuffer decouples event production from the consumer without
// letting a slow consumer stall tool execution entirely.
const eventBuffer = 16

// ErrOverloadRetriesExhausted is surfaced (as a failed status event)
// when every overload retry was itself shed by the provider.
var ErrOverloadRetriesExhausted = errors.New("thread: provider overloaded, fallback retries exhausted")

// OrchestratorConfig holds the dependencies for an Orchestrator.
type OrchestratorConfig struct {
	// Provider is the model backend. Required.
	Provider llm.Provider

	// Processor consumes provider streams. Required.
	Processor Processor

	// History is the thread message store. Required.
	History History

	// Compressor prepares conversations for the model's context
	// window. Defaults to a compressor with default budgets.
	Compressor *llmcontext.Compressor

	// MaxAutoContinues bounds silent continuation after tool calls.
	// Zero means DefaultMaxAutoContinues; negative disables
	// auto-continue entirely.
	MaxAutoContinues int

	// MaxIterations guards the turn loop. Zero means
	// DefaultMaxIterations.
	MaxIterations int

	// MaxOverloadRetries bounds overload reroutes per turn. Zero means
	// DefaultMaxOverloadRetries; negative disables retries.
	MaxOverloadRetries int

	// Logger receives turn lifecycle messages. Defaults to a no-op
	// logger.
	Logger *slog.Logger

	// Clock stamps emitted events. Defaults to the real clock.
	Clock clock.Clock
}

// Orchestrator drives conversational turns: fetch history, compress,
// stream the model, process events and tools, and loop while the model
// keeps calling tools.
type Orchestrator struct {
	provider           llm.Provider
	processor          Processor
	history            History
	compressor         *llmcontext.Compressor
	maxAutoContinues   int
	maxIterations      int
	maxOverloadRetries int
	logger             *slog.Logger
	clock              clock.Clock
}

// NewOrchestrator validates the configuration and returns an
// orchestrator.
func NewOrchestrator(config OrchestratorConfig) (*Orchestrator, error) {
	if config.Provider == nil {
		return nil, fmt.Errorf("thread: Provider is required")
	}
	if config.Processor == nil {
		return nil, fmt.Errorf("thread: Processor is required")
	}
	if config.History == nil {
		return nil, fmt.Errorf("thread: History is required")
	}

	compressor := config.Compressor
	if compressor == nil {
		compressor = llmcontext.NewCompressor(llmcontext.Config{})
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	return &Orchestrator{
		provider:           config.Provider,
		processor:          config.Processor,
		history:            config.History,
		compressor:         compressor,
		maxAutoContinues:   normalizeLimit(config.MaxAutoContinues, DefaultMaxAutoContinues),
		maxIterations:      normalizeLimit(config.MaxIterations, DefaultMaxIterations),
		maxOverloadRetries: normalizeLimit(config.MaxOverloadRetries, DefaultMaxOverloadRetries),
		logger:             logger,
		clock:              clk,
	}, nil
}

// normalizeLimit maps the config convention (zero = default, negative
// = disabled) onto a plain non-negative bound.
func normalizeLimit(value, fallback int) int {
	if value == 0 {
		return fallback
	}
	if value < 0 {
		return 0
	}
	return value
}

// TurnRequest describes one conversational turn.
type TurnRequest struct {
	// ThreadID names the conversation to run against.
	ThreadID string

	// Model is the model identifier for provider requests.
	Model string

	// FallbackModel, when set, receives the request after the primary
	// model sheds load.
	FallbackModel string

	// SystemPrompt is prepended to the conversation for compression
	// and sent as the request's system text.
	SystemPrompt string

	// Ephemeral is an optional transient message spliced immediately
	// before the most recent user message (appended when the thread
	// has none) on the first sub-iteration only. It is never
	// persisted.
	Ephemeral *llm.Message

	// Tools is the tool catalog to advertise. Typically
	// ToolRegistry.Definitions() from the registry wired into the
	// processor.
	Tools []llm.ToolDefinition

	// MaxTokens caps output tokens per provider call.
	MaxTokens int

	// Temperature overrides the provider default when non-nil.
	Temperature *float64
}

// RunTurn executes one turn and returns the channel its events arrive
// on. The channel closes when the turn is over: after a finish event,
// a failed status event, or context cancellation. Failures surface as
// status events, not Go errors; the caller decides what is terminal.
func (orchestrator *Orchestrator) RunTurn(ctx context.Context, request TurnRequest) <-chan ResponseEvent {
	events := make(chan ResponseEvent, eventBuffer)
	go orchestrator.runTurn(ctx, request, events)
	return events
}

func (orchestrator *Orchestrator) runTurn(ctx context.Context, request TurnRequest, events chan<- ResponseEvent) {
	defer close(events)

	var seq int64
	emit := func(event ResponseEvent) {
		event.Seq = seq
		seq++
		event.CreatedAt = orchestrator.clock.Now()
		select {
		case events <- event:
		case <-ctx.Done():
		}
	}
	fail := func(err error) {
		orchestrator.logger.Error("turn failed", "thread", request.ThreadID, "error", err)
		emit(ResponseEvent{Kind: KindStatus, Status: StatusFailed, Message: err.Error()})
	}

	if request.ThreadID == "" {
		fail(fmt.Errorf("thread: turn request has no thread ID"))
		return
	}
	if request.Model == "" {
		fail(fmt.Errorf("thread: turn request has no model"))
		return
	}

	model := request.Model
	subIteration := 0
	continues := 0
	overloadRetries := 0

	for attempts := 1; ; attempts++ {
		if attempts > orchestrator.maxIterations {
			fail(fmt.Errorf("thread: maximum iterations %d reached", orchestrator.maxIterations))
			return
		}
		if ctx.Err() != nil {
			return
		}

		history, err := orchestrator.history.Messages(ctx, request.ThreadID)
		if err != nil {
			fail(fmt.Errorf("thread: fetching history: %w", err))
			return
		}

		working := history
		if subIteration == 0 && request.Ephemeral != nil {
			working = spliceEphemeral(history, *request.Ephemeral)
		}

		messages := make([]llm.Message, 0, len(working)+1)
		if request.SystemPrompt != "" {
			messages = append(messages, llm.SystemMessage(request.SystemPrompt))
		}
		messages = append(messages, working...)

		compressed := orchestrator.compressor.Compress(messages, model)
		orchestrator.logger.Debug("context compressed",
			"thread", request.ThreadID,
			"model", model,
			"budget", compressed.Budget,
			"initial_tokens", compressed.InitialTokens,
			"final_tokens", compressed.FinalTokens,
			"rounds", compressed.Rounds,
			"omitted_messages", compressed.OmittedMessages,
			"capped", compressed.Capped,
		)
		system, conversation := splitSystem(compressed.Messages)

		stream, err := orchestrator.provider.Stream(ctx, llm.Request{
			Model:       model,
			System:      system,
			Messages:    conversation,
			Tools:       request.Tools,
			MaxTokens:   request.MaxTokens,
			Temperature: request.Temperature,
		})
		if err != nil {
			var providerError *llm.ProviderError
			if errors.As(err, &providerError) && providerError.IsOverloaded() {
				if overloadRetries < orchestrator.maxOverloadRetries {
					overloadRetries++
					// Retry the same sub-iteration on the fallback
					// route; the continue budget is untouched.
					if request.FallbackModel != "" && model != request.FallbackModel {
						orchestrator.logger.Warn("provider overloaded, rerouting",
							"model", model,
							"fallback", request.FallbackModel,
							"retry", overloadRetries,
						)
						model = request.FallbackModel
					} else {
						orchestrator.logger.Warn("provider overloaded, retrying",
							"model", model,
							"retry", overloadRetries,
						)
					}
					continue
				}
				fail(fmt.Errorf("%w: %v", ErrOverloadRetriesExhausted, err))
				return
			}
			fail(fmt.Errorf("thread: provider request: %w", err))
			return
		}

		reason, err := orchestrator.processor.Process(ctx, request.ThreadID, stream, emit)
		stream.Close()
		if err != nil {
			fail(err)
			return
		}

		switch reason {
		case FinishToolCalls:
			if continues < orchestrator.maxAutoContinues {
				continues++
				subIteration++
				continue
			}
			// The model still wants tools but the budget is spent:
			// say so in-band, then surface the true finish reason.
			// With auto-continue disabled there is no budget to
			// exhaust and nothing to announce.
			if orchestrator.maxAutoContinues > 0 {
				emit(ResponseEvent{
					Kind: KindContent,
					Text: fmt.Sprintf("maximum auto-continue limit of %d reached", orchestrator.maxAutoContinues),
				})
			}
			emit(ResponseEvent{Kind: KindFinish, Finish: FinishToolCalls})
			return
		case FinishToolCallLimit:
			emit(ResponseEvent{Kind: KindFinish, Finish: FinishToolCallLimit})
			return
		default:
			emit(ResponseEvent{Kind: KindFinish, Finish: FinishStop})
			return
		}
	}
}

// spliceEphemeral inserts ephemeral immediately before the most recent
// user message, or at the end when the thread has none. The input
// slice is never modified.
func spliceEphemeral(messages []llm.Message, ephemeral llm.Message) []llm.Message {
	for index := len(messages) - 1; index >= 0; index-- {
		if messages[index].Role != llm.RoleUser {
			continue
		}
		spliced := make([]llm.Message, 0, len(messages)+1)
		spliced = append(spliced, messages[:index]...)
		spliced = append(spliced, ephemeral)
		spliced = append(spliced, messages[index:]...)
		return spliced
	}
	spliced := make([]llm.Message, 0, len(messages)+1)
	spliced = append(spliced, messages...)
	spliced = append(spliced, ephemeral)
	return spliced
}

// splitSystem hoists a leading system message into the request's
// system text, returning the remaining conversation.
func splitSystem(messages []llm.Message) (string, []llm.Message) {
	if len(messages) > 0 && messages[0].Role == llm.RoleSystem {
		return messages[0].TextContent(), messages[1:]
	}
	return "", messages
}
