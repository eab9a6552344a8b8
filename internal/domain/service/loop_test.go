package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	domainctx "github.com/miosa-osa/osa/internal/domain/context"
	"github.com/miosa-osa/osa/internal/domain/entity"
	"github.com/miosa-osa/osa/internal/domain/hooks"
	"github.com/miosa-osa/osa/internal/domain/signal"
	domaintool "github.com/miosa-osa/osa/internal/domain/tool"
	"github.com/miosa-osa/osa/internal/infrastructure/eventbus"
	"github.com/miosa-osa/osa/internal/infrastructure/llm"
	apperrors "github.com/miosa-osa/osa/pkg/errors"
)

// scriptedRouter replays queued responses; the last one repeats when the
// script runs out.
type scriptedRouter struct {
	mu    sync.Mutex
	steps []*llm.Response
	calls int
}

func (s *scriptedRouter) next() *llm.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.steps) == 0 {
		return &llm.Response{Content: "script exhausted"}
	}
	resp := s.steps[0]
	if len(s.steps) > 1 {
		s.steps = s.steps[1:]
	}
	return resp
}

func (s *scriptedRouter) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.next(), nil
}

func (s *scriptedRouter) GenerateStream(ctx context.Context, req *llm.Request, deltaCh chan<- llm.StreamChunk) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := s.next()
	if resp.Content != "" {
		deltaCh <- llm.StreamChunk{DeltaText: resp.Content}
	}
	return resp, nil
}

func (s *scriptedRouter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeExecutor runs canned tool behavior and counts invocations.
type fakeExecutor struct {
	mu      sync.Mutex
	results map[string]*domaintool.Result
	calls   int
}

func (f *fakeExecutor) Execute(ctx context.Context, name string, args map[string]any) (*domaintool.Result, error) {
	f.mu.Lock()
	f.calls++
	res, ok := f.results[name]
	f.mu.Unlock()
	if !ok {
		return &domaintool.Result{Output: "unknown tool", Success: false}, nil
	}
	return res, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type captureBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (c *captureBus) Publish(topic string, evt eventbus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	evt.Topic = topic
	c.events = append(c.events, evt)
}

func (c *captureBus) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Topic
	}
	return out
}

func (c *captureBus) has(topic string) bool {
	for _, t := range c.topics() {
		if t == topic {
			return true
		}
	}
	return false
}

func newTestLoop(t *testing.T, router ModelRouter, tools ToolExecutor, bus Publisher, cfg LoopConfig) *Loop {
	t.Helper()
	logger := zap.NewNop()
	if cfg.Model == "" {
		cfg.Model = "test/model-1"
	}
	return NewLoop(LoopDeps{
		Classifier: signal.New(signal.DefaultConfig(), nil, logger),
		Noise:      signal.NewNoiseFilter(0.2),
		Assembler:  domainctx.NewAssembler(128000, 4096, nil, logger),
		Compactor:  domainctx.NewCompactor(domainctx.DefaultThresholds(), nil, nil, logger),
		Hooks:      hooks.NewPipeline(logger),
		Tools:      tools,
		Router:     router,
		Bus:        bus,
		Logger:     logger,
	}, cfg)
}

func TestLoop_SingleShotResponse(t *testing.T) {
	router := &scriptedRouter{steps: []*llm.Response{
		{Content: "deployment finished", Model: "test/model-1", TokensIn: 20, TokensOut: 6},
	}}
	bus := &captureBus{}
	loop := newTestLoop(t, router, &fakeExecutor{}, bus, LoopConfig{})

	session := &entity.Session{ID: "s1"}
	result, err := loop.Run(context.Background(), session, "http", "deploy the staging environment now please", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Content != "deployment finished" {
		t.Errorf("content = %q", result.Content)
	}
	if result.Iterations != 1 || result.TokensIn != 20 || result.TokensOut != 6 {
		t.Errorf("result = %+v", result)
	}

	if len(session.Messages) != 2 {
		t.Fatalf("session messages = %d, want user+assistant", len(session.Messages))
	}
	if session.Messages[0].Role != entity.RoleUser || session.Messages[0].Signal == nil {
		t.Errorf("user message = %+v, want stored signal", session.Messages[0])
	}
	if session.Messages[1].Role != entity.RoleAssistant {
		t.Errorf("second message role = %q", session.Messages[1].Role)
	}

	for _, topic := range []string{
		eventbus.TopicSignalClassified,
		eventbus.TopicLLMRequest,
		eventbus.TopicStreamingToken,
		eventbus.TopicLLMResponse,
		eventbus.TopicAgentResponse,
	} {
		if !bus.has(topic) {
			t.Errorf("missing %s event", topic)
		}
	}
}

func TestLoop_NoiseDropped(t *testing.T) {
	router := &scriptedRouter{}
	bus := &captureBus{}
	loop := newTestLoop(t, router, &fakeExecutor{}, bus, LoopConfig{})

	session := &entity.Session{ID: "s1"}
	result, err := loop.Run(context.Background(), session, "chat", "lol", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Dropped {
		t.Fatal("short chatter must be dropped")
	}
	if len(session.Messages) != 0 {
		t.Errorf("dropped input must not be stored, got %d messages", len(session.Messages))
	}
	if router.callCount() != 0 {
		t.Error("dropped input must not reach the model")
	}
	if !bus.has(eventbus.TopicNoiseDropped) {
		t.Error("missing noise_dropped event")
	}
}

func TestLoop_ToolCallRoundtrip(t *testing.T) {
	router := &scriptedRouter{steps: []*llm.Response{
		{
			ToolCalls: []entity.ToolCall{{
				ID:        "call-1",
				Name:      "file_read",
				Arguments: map[string]any{"path": "/tmp/notes"},
			}},
			TokensIn: 30, TokensOut: 8, Model: "test/model-1",
		},
		{Content: "the file says hello", TokensIn: 40, TokensOut: 5, Model: "test/model-1"},
	}}
	tools := &fakeExecutor{results: map[string]*domaintool.Result{
		"file_read": {Output: "hello", Success: true, DurationMs: 3},
	}}
	bus := &captureBus{}
	loop := newTestLoop(t, router, tools, bus, LoopConfig{})

	session := &entity.Session{ID: "s1"}
	result, err := loop.Run(context.Background(), session, "http", "read my notes file and summarize it", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Content != "the file says hello" {
		t.Errorf("content = %q", result.Content)
	}
	if result.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", result.Iterations)
	}
	if len(result.ToolsUsed) != 1 || result.ToolsUsed[0] != "file_read" {
		t.Errorf("tools used = %v", result.ToolsUsed)
	}

	// user, assistant(tool_calls), tool result, final assistant.
	if len(session.Messages) != 4 {
		t.Fatalf("session messages = %d, want 4", len(session.Messages))
	}
	if len(session.Messages[1].ToolCalls) != 1 {
		t.Errorf("assistant message lost its tool calls")
	}
	toolMsg := session.Messages[2]
	if toolMsg.Role != entity.RoleTool || toolMsg.ToolCallID != "call-1" || toolMsg.Content != "hello" {
		t.Errorf("tool message = %+v", toolMsg)
	}

	if !bus.has(eventbus.TopicToolCall) || !bus.has(eventbus.TopicToolResult) {
		t.Error("missing tool call/result events")
	}
}

func TestLoop_BlockedToolAppendsSyntheticError(t *testing.T) {
	router := &scriptedRouter{steps: []*llm.Response{
		{ToolCalls: []entity.ToolCall{{
			ID: "call-1", Name: "shell_execute",
			Arguments: map[string]any{"command": "rm -rf /"},
		}}},
		{Content: "understood, stopping"},
	}}
	tools := &fakeExecutor{results: map[string]*domaintool.Result{
		"shell_execute": {Output: "should never run", Success: true},
	}}
	bus := &captureBus{}
	loop := newTestLoop(t, router, tools, bus, LoopConfig{})

	// Install a blocking pre_tool_use hook.
	loop.hooks.Register(hooks.EventPreToolUse, "deny_all", 10,
		func(ctx context.Context, p hooks.Payload) hooks.Result {
			return hooks.Block("not allowed in tests")
		})

	session := &entity.Session{ID: "s1"}
	_, err := loop.Run(context.Background(), session, "http", "delete everything on the root filesystem", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if tools.callCount() != 0 {
		t.Error("blocked tool must not execute")
	}

	toolMsg := session.Messages[2]
	if !strings.HasPrefix(toolMsg.Content, "Error: blocked:") {
		t.Errorf("tool message = %q, want synthetic block error", toolMsg.Content)
	}
	if !bus.has(eventbus.TopicHookBlocked) {
		t.Error("missing hook_blocked event")
	}
}

func TestLoop_DoomLoopAborts(t *testing.T) {
	failingCall := entity.ToolCall{
		ID: "c", Name: "shell_execute",
		Arguments: map[string]any{"command": "make build"},
	}
	router := &scriptedRouter{steps: []*llm.Response{
		{ToolCalls: []entity.ToolCall{failingCall}}, // repeats forever
	}}
	tools := &fakeExecutor{results: map[string]*domaintool.Result{
		"shell_execute": {Output: "compile error", Success: false},
	}}
	bus := &captureBus{}
	loop := newTestLoop(t, router, tools, bus, LoopConfig{})

	session := &entity.Session{ID: "s1"}
	result, err := loop.Run(context.Background(), session, "http", "build the project and fix any errors", nil)
	if !apperrors.Is(err, apperrors.KindToolExecution) {
		t.Fatalf("err = %v, want tool_execution abort", err)
	}
	if tools.callCount() != doomThreshold {
		t.Errorf("tool ran %d times, want %d", tools.callCount(), doomThreshold)
	}
	if !strings.Contains(result.Content, "Stopped") {
		t.Errorf("content = %q, want surfaced condition", result.Content)
	}
}

func TestLoop_DoomLoopResetOnSuccess(t *testing.T) {
	call := entity.ToolCall{ID: "c", Name: "shell_execute", Arguments: map[string]any{"command": "ls"}}
	router := &scriptedRouter{steps: []*llm.Response{
		{ToolCalls: []entity.ToolCall{call}},
		{ToolCalls: []entity.ToolCall{call}},
		{ToolCalls: []entity.ToolCall{call}},
		{Content: "done"},
	}}
	// Fails twice, then succeeds; the success resets the doom counter.
	outcomes := []*domaintool.Result{
		{Output: "err", Success: false},
		{Output: "err", Success: false},
		{Output: "ok", Success: true},
	}
	i := 0
	tools := &sequencedExecutor{next: func() *domaintool.Result {
		res := outcomes[i]
		if i < len(outcomes)-1 {
			i++
		}
		return res
	}}
	loop := newTestLoop(t, router, tools, &captureBus{}, LoopConfig{})

	session := &entity.Session{ID: "s1"}
	result, err := loop.Run(context.Background(), session, "http", "list the working directory files for me", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Content != "done" {
		t.Errorf("content = %q", result.Content)
	}
}

type sequencedExecutor struct {
	mu   sync.Mutex
	next func() *domaintool.Result
}

func (s *sequencedExecutor) Execute(ctx context.Context, name string, args map[string]any) (*domaintool.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next(), nil
}

func TestLoop_MaxIterationsExceeded(t *testing.T) {
	call := entity.ToolCall{ID: "c", Name: "file_read", Arguments: map[string]any{"path": "/a"}}
	router := &scriptedRouter{steps: []*llm.Response{
		{Content: "checking", ToolCalls: []entity.ToolCall{call}},
	}}
	tools := &fakeExecutor{results: map[string]*domaintool.Result{
		"file_read": {Output: "data", Success: true},
	}}
	bus := &captureBus{}
	loop := newTestLoop(t, router, tools, bus, LoopConfig{MaxIterations: 2})

	session := &entity.Session{ID: "s1"}
	result, err := loop.Run(context.Background(), session, "http", "investigate the config files thoroughly", nil)
	if !apperrors.Is(err, apperrors.KindMaxIterationsExceeded) {
		t.Fatalf("err = %v, want max_iterations_exceeded", err)
	}
	if result.Iterations != 2 {
		t.Errorf("iterations = %d", result.Iterations)
	}
	if result.Content != "checking" {
		t.Errorf("content = %q, want best partial", result.Content)
	}
	if !bus.has(eventbus.TopicMaxIterationsExceeded) {
		t.Error("missing max_iterations_exceeded event")
	}
}

func TestLoop_CancelledBeforeModelCall(t *testing.T) {
	router := &scriptedRouter{steps: []*llm.Response{{Content: "never"}}}
	bus := &captureBus{}
	loop := newTestLoop(t, router, &fakeExecutor{}, bus, LoopConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session := &entity.Session{ID: "s1"}
	_, err := loop.Run(ctx, session, "http", "start a long running analysis job now", nil)
	if !apperrors.IsCancelled(err) {
		t.Fatalf("err = %v, want cancelled", err)
	}
	if !bus.has(eventbus.TopicCancelled) {
		t.Error("missing cancelled event")
	}
	// Rollback: no assistant message was appended.
	for _, m := range session.Messages {
		if m.Role == entity.RoleAssistant {
			t.Error("cancelled turn must not keep a partial assistant message")
		}
	}
}

func TestLoop_PersistReceivesEveryAppendedMessage(t *testing.T) {
	router := &scriptedRouter{steps: []*llm.Response{
		{ToolCalls: []entity.ToolCall{{ID: "c1", Name: "file_read", Arguments: map[string]any{"path": "/x"}}}},
		{Content: "final"},
	}}
	tools := &fakeExecutor{results: map[string]*domaintool.Result{
		"file_read": {Output: "x", Success: true},
	}}
	loop := newTestLoop(t, router, tools, &captureBus{}, LoopConfig{})

	var persisted []entity.Message
	session := &entity.Session{ID: "s1"}
	_, err := loop.Run(context.Background(), session, "http", "read the x file and report its contents",
		func(m entity.Message) error {
			persisted = append(persisted, m)
			return nil
		})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(persisted) != len(session.Messages) {
		t.Errorf("persisted %d, session holds %d", len(persisted), len(session.Messages))
	}
}

func TestLoop_PostToolUsePayloadCarriesTokenUsage(t *testing.T) {
	router := &scriptedRouter{steps: []*llm.Response{
		{
			ToolCalls: []entity.ToolCall{{
				ID:        "call-1",
				Name:      "file_read",
				Arguments: map[string]any{"path": "/tmp/notes"},
			}},
			TokensIn: 30, TokensOut: 8, Model: "test/model-1",
		},
		{Content: "done", TokensIn: 40, TokensOut: 5, Model: "test/model-1"},
	}}
	tools := &fakeExecutor{results: map[string]*domaintool.Result{
		"file_read": {Output: "hello", Success: true, DurationMs: 3},
	}}

	logger := zap.NewNop()
	pipeline := hooks.NewPipeline(logger)
	captured := make(chan hooks.Payload, 1)
	pipeline.Register(hooks.EventPostToolUse, "capture", hooks.DefaultPriority,
		func(ctx context.Context, payload hooks.Payload) hooks.Result {
			select {
			case captured <- payload:
			default:
			}
			return hooks.Skip()
		})

	loop := NewLoop(LoopDeps{
		Classifier: signal.New(signal.DefaultConfig(), nil, logger),
		Noise:      signal.NewNoiseFilter(0.2),
		Assembler:  domainctx.NewAssembler(128000, 4096, nil, logger),
		Compactor:  domainctx.NewCompactor(domainctx.DefaultThresholds(), nil, nil, logger),
		Hooks:      pipeline,
		Tools:      tools,
		Router:     router,
		Bus:        &captureBus{},
		Logger:     logger,
	}, LoopConfig{Model: "test/model-1"})

	session := &entity.Session{ID: "s1"}
	if _, err := loop.Run(context.Background(), session, "http", "read my notes file and summarize it", nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	var payload hooks.Payload
	select {
	case payload = <-captured:
	case <-time.After(2 * time.Second):
		t.Fatal("post_tool_use hook never ran")
	}

	if got, ok := payload["tokens_in"].(int); !ok || got != 30 {
		t.Errorf("tokens_in = %v", payload["tokens_in"])
	}
	if got, ok := payload["tokens_out"].(int); !ok || got != 8 {
		t.Errorf("tokens_out = %v", payload["tokens_out"])
	}
	if got, ok := payload["tool_name"].(string); !ok || got != "file_read" {
		t.Errorf("tool_name = %v", payload["tool_name"])
	}
}
