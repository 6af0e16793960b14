// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package thread

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/conductor/lib/clock"
	"github.com/bureau-foundation/conductor/lib/llm"
)

// providerStep is one scripted Stream outcome.
type providerStep struct {
	response llm.Response
	err      error
}

// scriptedProvider replays a fixed sequence of Stream outcomes and
// records every request it saw.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []providerStep
	requests []llm.Request
}

func (provider *scriptedProvider) Complete(ctx context.Context, request llm.Request) (*llm.Response, error) {
	return nil, errors.New("scripted provider: Complete not scripted")
}

func (provider *scriptedProvider) Stream(ctx context.Context, request llm.Request) (*llm.EventStream, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	provider.requests = append(provider.requests, request)
	if len(provider.steps) == 0 {
		return nil, errors.New("scripted provider: no steps remain")
	}
	step := provider.steps[0]
	provider.steps = provider.steps[1:]
	if step.err != nil {
		return nil, step.err
	}
	response := step.response
	if response.Model == "" {
		response.Model = request.Model
	}
	return streamFromResponse(response), nil
}

func (provider *scriptedProvider) seen() []llm.Request {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	return append([]llm.Request(nil), provider.requests...)
}

// turnFixture bundles the dependencies of an orchestrated turn.
type turnFixture struct {
	history  *memoryHistory
	registry *fakeRegistry
	provider *scriptedProvider
	clock    *clock.FakeClock
}

func newTurnFixture() *turnFixture {
	return &turnFixture{
		history:  newMemoryHistory(),
		registry: &fakeRegistry{},
		provider: &scriptedProvider{},
		clock:    clock.Fake(time.Unix(1_700_000_000, 0)),
	}
}

func newTurnOrchestrator(t *testing.T, fixture *turnFixture, configure func(*OrchestratorConfig)) *Orchestrator {
	t.Helper()
	processor, err := NewStreamProcessor(StreamProcessorConfig{
		History:  fixture.history,
		Registry: fixture.registry,
		Logger:   slog.New(slog.DiscardHandler),
		Clock:    fixture.clock,
	})
	if err != nil {
		t.Fatalf("NewStreamProcessor: %v", err)
	}
	config := OrchestratorConfig{
		Provider:  fixture.provider,
		Processor: processor,
		History:   fixture.history,
		Logger:    slog.New(slog.DiscardHandler),
		Clock:     fixture.clock,
	}
	if configure != nil {
		configure(&config)
	}
	orchestrator, err := NewOrchestrator(config)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return orchestrator
}

// collectEvents drains a turn's channel until it closes.
func collectEvents(t *testing.T, events <-chan ResponseEvent) []ResponseEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var collected []ResponseEvent
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return collected
			}
			collected = append(collected, event)
		case <-deadline:
			t.Fatalf("timed out draining turn after %d events", len(collected))
		}
	}
}

func kindsOf(events []ResponseEvent) []EventKind {
	kinds := make([]EventKind, len(events))
	for index, event := range events {
		kinds[index] = event.Kind
	}
	return kinds
}

func TestNewOrchestrator_ConfigValidation(t *testing.T) {
	t.Parallel()

	fixture := newTurnFixture()
	processor := newTestProcessor(t, fixture.history, fixture.registry, 0, fixture.clock)

	tests := []struct {
		name   string
		config OrchestratorConfig
	}{
		{"missing provider", OrchestratorConfig{Processor: processor, History: fixture.history}},
		{"missing processor", OrchestratorConfig{Provider: fixture.provider, History: fixture.history}},
		{"missing history", OrchestratorConfig{Provider: fixture.provider, Processor: processor}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewOrchestrator(test.config); err == nil {
				t.Error("expected configuration error")
			}
		})
	}
}

func TestOrchestrator_TextTurn(t *testing.T) {
	t.Parallel()

	fixture := newTurnFixture()
	fixture.history.seed("thread-1", llm.UserMessage("what is 6 times 7"))
	fixture.provider.steps = []providerStep{{response: textResponse("42")}}
	orchestrator := newTurnOrchestrator(t, fixture, nil)

	events := collectEvents(t, orchestrator.RunTurn(context.Background(), TurnRequest{
		ThreadID:     "thread-1",
		Model:        "sonnet-large",
		SystemPrompt: "be concise",
	}))

	want := []EventKind{KindContent, KindFinish}
	if got := kindsOf(events); !slices.Equal(got, want) {
		t.Fatalf("event kinds = %v, want %v", got, want)
	}
	if events[0].Text != "42" {
		t.Errorf("content text = %q, want %q", events[0].Text, "42")
	}
	if events[1].Finish != FinishStop {
		t.Errorf("finish reason = %q, want %q", events[1].Finish, FinishStop)
	}

	// Seq dense from zero, timestamps from the injected clock.
	base := time.Unix(1_700_000_000, 0)
	for index, event := range events {
		if event.Seq != int64(index) {
			t.Errorf("event %d Seq = %d, want %d", index, event.Seq, index)
		}
		if !event.CreatedAt.Equal(base) {
			t.Errorf("event %d CreatedAt = %v, want %v", index, event.CreatedAt, base)
		}
	}

	requests := fixture.provider.seen()
	if len(requests) != 1 {
		t.Fatalf("provider saw %d requests, want 1", len(requests))
	}
	request := requests[0]
	if request.Model != "sonnet-large" {
		t.Errorf("request model = %q, want sonnet-large", request.Model)
	}
	if request.System != "be concise" {
		t.Errorf("request system = %q, want the turn's system prompt", request.System)
	}
	for _, message := range request.Messages {
		if message.Role == llm.RoleSystem {
			t.Errorf("system message leaked into the conversation: %+v", message)
		}
	}

	persisted := fixture.history.thread("thread-1")
	if len(persisted) != 2 {
		t.Fatalf("thread has %d messages, want user + assistant", len(persisted))
	}
	if persisted[1].Role != llm.RoleAssistant || persisted[1].TextContent() != "42" {
		t.Errorf("persisted assistant message = %+v", persisted[1])
	}
}

func TestOrchestrator_ToolLoopAutoContinues(t *testing.T) {
	t.Parallel()

	fixture := newTurnFixture()
	fixture.history.seed("thread-1", llm.UserMessage("check the weather"))
	fixture.provider.steps = []providerStep{
		{response: toolResponse(toolUse("call-1", "web_search", `{"query":"weather"}`))},
		{response: textResponse("sunny, 22 degrees")},
	}
	fixture.registry.behave = func(call llm.ToolUse) (string, bool, error) {
		return "forecast: sunny, 22C", false, nil
	}
	orchestrator := newTurnOrchestrator(t, fixture, nil)

	events := collectEvents(t, orchestrator.RunTurn(context.Background(), TurnRequest{
		ThreadID: "thread-1",
		Model:    "sonnet-large",
	}))

	// Exactly one finish event: the intermediate tool-calls finish is
	// swallowed by the auto-continue.
	want := []EventKind{KindToolCall, KindToolResult, KindContent, KindFinish}
	if got := kindsOf(events); !slices.Equal(got, want) {
		t.Fatalf("event kinds = %v, want %v", got, want)
	}
	if events[len(events)-1].Finish != FinishStop {
		t.Errorf("final finish = %q, want %q", events[len(events)-1].Finish, FinishStop)
	}
	for index, event := range events {
		if event.Seq != int64(index) {
			t.Errorf("event %d Seq = %d, want a dense sequence", index, event.Seq)
		}
	}

	requests := fixture.provider.seen()
	if len(requests) != 2 {
		t.Fatalf("provider saw %d requests, want 2", len(requests))
	}
	var sawToolResult bool
	for _, message := range requests[1].Messages {
		if message.Role == llm.RoleTool {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Error("continuation request is missing the tool result message")
	}
}

func TestOrchestrator_AutoContinueBudget(t *testing.T) {
	t.Parallel()

	fixture := newTurnFixture()
	fixture.history.seed("thread-1", llm.UserMessage("loop forever"))
	wantsTools := func(id string) providerStep {
		return providerStep{response: toolResponse(toolUse(id, "busy_tool", `{}`))}
	}
	fixture.provider.steps = []providerStep{wantsTools("call-1"), wantsTools("call-2"), wantsTools("call-3")}
	orchestrator := newTurnOrchestrator(t, fixture, func(config *OrchestratorConfig) {
		config.MaxAutoContinues = 2
	})

	events := collectEvents(t, orchestrator.RunTurn(context.Background(), TurnRequest{
		ThreadID: "thread-1",
		Model:    "sonnet-large",
	}))

	if got := len(fixture.provider.seen()); got != 3 {
		t.Fatalf("provider saw %d requests, want 3 (initial + 2 continues)", got)
	}

	last := events[len(events)-1]
	if last.Kind != KindFinish || last.Finish != FinishToolCalls {
		t.Fatalf("last event = %+v, want finish with %q", last, FinishToolCalls)
	}
	notice := events[len(events)-2]
	if notice.Kind != KindContent || !strings.Contains(notice.Text, "auto-continue limit of 2") {
		t.Fatalf("penultimate event = %+v, want the budget notice", notice)
	}
}

func TestOrchestrator_AutoContinueDisabled(t *testing.T) {
	t.Parallel()

	fixture := newTurnFixture()
	fixture.history.seed("thread-1", llm.UserMessage("go"))
	fixture.provider.steps = []providerStep{
		{response: toolResponse(toolUse("call-1", "busy_tool", `{}`))},
	}
	orchestrator := newTurnOrchestrator(t, fixture, func(config *OrchestratorConfig) {
		config.MaxAutoContinues = -1
	})

	events := collectEvents(t, orchestrator.RunTurn(context.Background(), TurnRequest{
		ThreadID: "thread-1",
		Model:    "sonnet-large",
	}))

	if got := len(fixture.provider.seen()); got != 1 {
		t.Fatalf("provider saw %d requests, want 1", got)
	}
	want := []EventKind{KindToolCall, KindToolResult, KindFinish}
	if got := kindsOf(events); !slices.Equal(got, want) {
		t.Fatalf("event kinds = %v, want %v (no budget notice)", got, want)
	}
	if events[2].Finish != FinishToolCalls {
		t.Errorf("finish = %q, want %q", events[2].Finish, FinishToolCalls)
	}
}

func TestOrchestrator_OverloadReroutesToFallback(t *testing.T) {
	t.Parallel()

	overloaded := &llm.ProviderError{StatusCode: 529, Type: "overloaded_error", Message: "shedding load"}
	fixture := newTurnFixture()
	fixture.history.seed("thread-1", llm.UserMessage("hello"))
	fixture.provider.steps = []providerStep{
		{err: overloaded},
		{err: overloaded},
		{response: textResponse("recovered")},
	}
	orchestrator := newTurnOrchestrator(t, fixture, nil)

	events := collectEvents(t, orchestrator.RunTurn(context.Background(), TurnRequest{
		ThreadID:      "thread-1",
		Model:         "sonnet-large",
		FallbackModel: "sonnet-mini",
	}))

	want := []EventKind{KindContent, KindFinish}
	if got := kindsOf(events); !slices.Equal(got, want) {
		t.Fatalf("event kinds = %v, want %v", got, want)
	}

	var models []string
	for _, request := range fixture.provider.seen() {
		models = append(models, request.Model)
	}
	wantModels := []string{"sonnet-large", "sonnet-mini", "sonnet-mini"}
	if !slices.Equal(models, wantModels) {
		t.Fatalf("models seen = %v, want %v", models, wantModels)
	}
}

func TestOrchestrator_OverloadRetriesExhausted(t *testing.T) {
	t.Parallel()

	overloaded := &llm.ProviderError{StatusCode: 529, Type: "overloaded_error", Message: "shedding load"}
	fixture := newTurnFixture()
	fixture.history.seed("thread-1", llm.UserMessage("hello"))
	fixture.provider.steps = []providerStep{
		{err: overloaded}, {err: overloaded}, {err: overloaded}, {err: overloaded},
	}
	orchestrator := newTurnOrchestrator(t, fixture, nil)

	events := collectEvents(t, orchestrator.RunTurn(context.Background(), TurnRequest{
		ThreadID:      "thread-1",
		Model:         "sonnet-large",
		FallbackModel: "sonnet-mini",
	}))

	if got := len(fixture.provider.seen()); got != 4 {
		t.Fatalf("provider saw %d requests, want 4 (initial + 3 retries)", got)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want a single failed status: %v", len(events), kindsOf(events))
	}
	status := events[0]
	if status.Kind != KindStatus || status.Status != StatusFailed {
		t.Fatalf("event = %+v, want failed status", status)
	}
	if !strings.Contains(status.Message, "retries exhausted") {
		t.Errorf("status message = %q, want retry exhaustion", status.Message)
	}
}

func TestOrchestrator_NonOverloadErrorFailsImmediately(t *testing.T) {
	t.Parallel()

	badRequest := &llm.ProviderError{StatusCode: 400, Type: "invalid_request_error", Message: "bad tool schema"}
	fixture := newTurnFixture()
	fixture.history.seed("thread-1", llm.UserMessage("hello"))
	fixture.provider.steps = []providerStep{{err: badRequest}}
	orchestrator := newTurnOrchestrator(t, fixture, nil)

	events := collectEvents(t, orchestrator.RunTurn(context.Background(), TurnRequest{
		ThreadID:      "thread-1",
		Model:         "sonnet-large",
		FallbackModel: "sonnet-mini",
	}))

	if got := len(fixture.provider.seen()); got != 1 {
		t.Fatalf("provider saw %d requests, want 1 (no retry)", got)
	}
	if len(events) != 1 || events[0].Kind != KindStatus || events[0].Status != StatusFailed {
		t.Fatalf("events = %v, want a single failed status", kindsOf(events))
	}
}

func TestOrchestrator_EphemeralSplice(t *testing.T) {
	t.Parallel()

	fixture := newTurnFixture()
	fixture.history.seed("thread-1",
		llm.UserMessage("question one"),
		llm.AssistantMessage("answer one"),
		llm.UserMessage("question two"),
	)
	fixture.provider.steps = []providerStep{
		{response: toolResponse(toolUse("call-1", "web_search", `{}`))},
		{response: textResponse("done")},
	}
	ephemeral := llm.UserMessage("[environment] working directory changed")
	orchestrator := newTurnOrchestrator(t, fixture, nil)

	collectEvents(t, orchestrator.RunTurn(context.Background(), TurnRequest{
		ThreadID:  "thread-1",
		Model:     "sonnet-large",
		Ephemeral: &ephemeral,
	}))

	requests := fixture.provider.seen()
	if len(requests) != 2 {
		t.Fatalf("provider saw %d requests, want 2", len(requests))
	}

	ephemeralIndex := func(messages []llm.Message) int {
		for index, message := range messages {
			if message.TextContent() == ephemeral.TextContent() {
				return index
			}
		}
		return -1
	}

	first := requests[0].Messages
	index := ephemeralIndex(first)
	if index == -1 {
		t.Fatal("first request is missing the ephemeral message")
	}
	if index+1 >= len(first) || first[index+1].TextContent() != "question two" {
		t.Errorf("ephemeral at index %d of %d, want immediately before the last user message", index, len(first))
	}
	if ephemeralIndex(requests[1].Messages) != -1 {
		t.Error("ephemeral message leaked into the continuation request")
	}

	// Transient context is never persisted.
	for _, message := range fixture.history.thread("thread-1") {
		if message.TextContent() == ephemeral.TextContent() {
			t.Fatal("ephemeral message was persisted to the thread")
		}
	}
}

func TestSpliceEphemeral(t *testing.T) {
	t.Parallel()

	ephemeral := llm.UserMessage("transient")
	tests := []struct {
		name      string
		messages  []llm.Message
		wantIndex int
	}{
		{"empty thread", nil, 0},
		{"no user messages", []llm.Message{llm.AssistantMessage("a")}, 1},
		{"user last", []llm.Message{llm.AssistantMessage("a"), llm.UserMessage("u")}, 1},
		{"user in middle", []llm.Message{
			llm.UserMessage("u1"),
			llm.AssistantMessage("a"),
			llm.UserMessage("u2"),
			llm.AssistantMessage("b"),
		}, 2},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			spliced := spliceEphemeral(test.messages, ephemeral)
			if len(spliced) != len(test.messages)+1 {
				t.Fatalf("spliced length = %d, want %d", len(spliced), len(test.messages)+1)
			}
			if spliced[test.wantIndex].TextContent() != "transient" {
				t.Errorf("ephemeral not at index %d", test.wantIndex)
			}
		})
	}
}

func TestOrchestrator_RequestValidation(t *testing.T) {
	t.Parallel()

	fixture := newTurnFixture()
	orchestrator := newTurnOrchestrator(t, fixture, nil)

	tests := []struct {
		name    string
		request TurnRequest
	}{
		{"missing thread", TurnRequest{Model: "sonnet-large"}},
		{"missing model", TurnRequest{ThreadID: "thread-1"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			events := collectEvents(t, orchestrator.RunTurn(context.Background(), test.request))
			if len(events) != 1 || events[0].Kind != KindStatus || events[0].Status != StatusFailed {
				t.Fatalf("events = %+v, want a single failed status", events)
			}
		})
	}
}

func TestOrchestrator_HistoryError(t *testing.T) {
	t.Parallel()

	fixture := newTurnFixture()
	fixture.history.messagesErr = errors.New("store offline")
	orchestrator := newTurnOrchestrator(t, fixture, nil)

	events := collectEvents(t, orchestrator.RunTurn(context.Background(), TurnRequest{
		ThreadID: "thread-1",
		Model:    "sonnet-large",
	}))
	if len(events) != 1 || events[0].Status != StatusFailed {
		t.Fatalf("events = %+v, want a single failed status", events)
	}
	if !strings.Contains(events[0].Message, "store offline") {
		t.Errorf("status message = %q, want the history error", events[0].Message)
	}
}

func TestOrchestrator_IterationGuard(t *testing.T) {
	t.Parallel()

	fixture := newTurnFixture()
	fixture.history.seed("thread-1", llm.UserMessage("loop"))
	wantsTools := func(id string) providerStep {
		return providerStep{response: toolResponse(toolUse(id, "busy_tool", `{}`))}
	}
	fixture.provider.steps = []providerStep{wantsTools("call-1"), wantsTools("call-2"), wantsTools("call-3")}
	orchestrator := newTurnOrchestrator(t, fixture, func(config *OrchestratorConfig) {
		config.MaxAutoContinues = 50
		config.MaxIterations = 2
	})

	events := collectEvents(t, orchestrator.RunTurn(context.Background(), TurnRequest{
		ThreadID: "thread-1",
		Model:    "sonnet-large",
	}))

	if got := len(fixture.provider.seen()); got != 2 {
		t.Fatalf("provider saw %d requests, want 2", got)
	}
	last := events[len(events)-1]
	if last.Kind != KindStatus || last.Status != StatusFailed || !strings.Contains(last.Message, "maximum iterations") {
		t.Fatalf("last event = %+v, want the iteration guard failure", last)
	}
}

func TestOrchestrator_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	fixture := newTurnFixture()
	fixture.history.seed("thread-1", llm.UserMessage("hello"))
	orchestrator := newTurnOrchestrator(t, fixture, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := collectEvents(t, orchestrator.RunTurn(ctx, TurnRequest{
		ThreadID: "thread-1",
		Model:    "sonnet-large",
	}))
	if len(events) != 0 {
		t.Fatalf("got %d events on a cancelled turn, want 0", len(events))
	}
	if got := len(fixture.provider.seen()); got != 0 {
		t.Errorf("provider saw %d requests on a cancelled turn, want 0", got)
	}
}
