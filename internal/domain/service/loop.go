package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	domainctx "github.com/miosa-osa/osa/internal/domain/context"
	"github.com/miosa-osa/osa/internal/domain/entity"
	"github.com/miosa-osa/osa/internal/domain/hooks"
	"github.com/miosa-osa/osa/internal/domain/memory"
	"github.com/miosa-osa/osa/internal/domain/signal"
	domaintool "github.com/miosa-osa/osa/internal/domain/tool"
	"github.com/miosa-osa/osa/internal/infrastructure/eventbus"
	"github.com/miosa-osa/osa/internal/infrastructure/llm"
	apperrors "github.com/miosa-osa/osa/pkg/errors"
)

// ModelRouter is the LLM surface the loop needs.
type ModelRouter interface {
	Generate(ctx context.Context, req *llm.Request) (*llm.Response, error)
	GenerateStream(ctx context.Context, req *llm.Request, deltaCh chan<- llm.StreamChunk) (*llm.Response, error)
}

// ToolExecutor dispatches validated tool calls.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) (*domaintool.Result, error)
}

// CostRecorder accounts token usage per LLM call.
type CostRecorder interface {
	RecordLLMCall(provider, model string, tokensIn, tokensOut int)
}

// Publisher is the bus surface the loop needs.
type Publisher interface {
	Publish(topic string, evt eventbus.Event)
}

// LoopConfig tunes one conversational turn.
type LoopConfig struct {
	SystemPrompt     string
	Model            string
	MaxIterations    int
	Temperature      float64
	MaxTokens        int
	MaxParallelTools int
	MemoryShare      int // token budget offered to memory recall
}

// doomThreshold is how many byte-equal failing calls of the same tool
// abort the turn.
const doomThreshold = 3

// Loop drives a single conversational turn through the ReAct cycle:
// classify, assemble, call the model, execute tool calls, repeat until the
// model stops asking for tools or a guard fires.
type Loop struct {
	classifier *signal.Classifier
	noise      *signal.NoiseFilter
	assembler  *domainctx.Assembler
	compactor  *domainctx.Compactor
	memory     *memory.Manager
	hooks      *hooks.Pipeline
	tools      ToolExecutor
	schemas    func() string
	router     ModelRouter
	costs      CostRecorder
	bus        Publisher
	config     LoopConfig
	logger     *zap.Logger
}

// LoopDeps carries the loop's collaborators. memory, costs, and bus may be
// nil; schemas may be nil when the active model gets no tools.
type LoopDeps struct {
	Classifier *signal.Classifier
	Noise      *signal.NoiseFilter
	Assembler  *domainctx.Assembler
	Compactor  *domainctx.Compactor
	Memory     *memory.Manager
	Hooks      *hooks.Pipeline
	Tools      ToolExecutor
	Schemas    func() string
	Router     ModelRouter
	Costs      CostRecorder
	Bus        Publisher
	Logger     *zap.Logger
}

// NewLoop creates a loop with defaulted config.
func NewLoop(deps LoopDeps, config LoopConfig) *Loop {
	if config.MaxIterations <= 0 {
		config.MaxIterations = 20
	}
	if config.MaxParallelTools <= 0 {
		config.MaxParallelTools = 4
	}
	if config.MemoryShare <= 0 {
		config.MemoryShare = 2000
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		classifier: deps.Classifier,
		noise:      deps.Noise,
		assembler:  deps.Assembler,
		compactor:  deps.Compactor,
		memory:     deps.Memory,
		hooks:      deps.Hooks,
		tools:      deps.Tools,
		schemas:    deps.Schemas,
		router:     deps.Router,
		costs:      deps.Costs,
		bus:        deps.Bus,
		config:     config,
		logger:     logger.With(zap.String("component", "agent-loop")),
	}
}

// TurnResult is what one turn produced.
type TurnResult struct {
	Content    string
	Iterations int
	TokensIn   int
	TokensOut  int
	Model      string
	Signal     entity.Signal
	Dropped    bool
	ToolsUsed  []string
}

// noiseAck is returned for dropped inputs.
const noiseAck = "(acknowledged)"

// Run executes one turn against the session. The caller owns the session;
// Run appends to it and reports every appended message through persist
// (nil disables persistence).
func (l *Loop) Run(ctx context.Context, session *entity.Session, channel, input string, persist func(entity.Message) error) (*TurnResult, error) {
	ctx = WithTraceID(ctx, "")
	logger := l.logger.With(
		zap.String("session_id", session.ID),
		zap.String("trace_id", TraceIDFromContext(ctx)),
	)

	result := &TurnResult{Model: l.modelFor(session)}

	// 1. Classify. The signal rides on the stored user message.
	cls := l.classifier.Classify(ctx, channel, input)
	sig := cls.Signal
	result.Signal = sig
	l.publish(eventbus.TopicSignalClassified, session.ID, map[string]any{
		"signal":    sig,
		"tier":      cls.Tier,
		"cache_hit": cls.CacheHit,
	})

	// 2. Noise gate.
	if l.noise != nil && l.noise.ShouldDrop(sig, input) {
		l.publish(eventbus.TopicNoiseDropped, session.ID, map[string]any{
			"weight": sig.Weight,
		})
		logger.Debug("Input dropped as noise", zap.Float64("weight", sig.Weight))
		result.Dropped = true
		result.Content = noiseAck
		return result, nil
	}

	// 3. Append the user message.
	userMsg := entity.NewMessage(entity.RoleUser, input)
	userMsg.Signal = &sig
	l.append(session, userMsg, persist, logger)

	// Working copy for compaction. The session store is never compacted.
	working := make([]entity.Message, len(session.Messages))
	copy(working, session.Messages)

	doom := make(map[string]int)
	var lastAssistantText string

	for iteration := 1; iteration <= l.config.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return l.cancelled(session, result, logger)
		}
		result.Iterations = iteration

		// 4. Assemble, watching context pressure.
		prompt, err := l.assemble(ctx, session, &working, input, logger)
		if err != nil {
			return result, err
		}

		// 5a/5b. Call the model, streaming tokens to the bus.
		l.publish(eventbus.TopicLLMRequest, session.ID, map[string]any{
			"iteration": iteration,
			"model":     result.Model,
		})

		resp, err := l.callModel(ctx, session.ID, prompt.Messages, result.Model)
		if err != nil {
			if apperrors.IsCancelled(err) || ctx.Err() != nil {
				return l.cancelled(session, result, logger)
			}
			if apperrors.IsContextOverflow(err) {
				// Reactive overflow: compact hard and retry this iteration.
				working = l.compactor.Compact(ctx, working, 1.0, l.assembler.Budget())
				logger.Warn("Context overflow, compacted and retrying",
					zap.Int("iteration", iteration))
				continue
			}
			return result, err
		}

		result.TokensIn += resp.TokensIn
		result.TokensOut += resp.TokensOut
		result.Model = resp.Model

		// 5d. Usage telemetry and cost accounting.
		l.publish(eventbus.TopicLLMResponse, session.ID, map[string]any{
			"iteration":  iteration,
			"model":      resp.Model,
			"tokens_in":  resp.TokensIn,
			"tokens_out": resp.TokensOut,
			"tool_calls": len(resp.ToolCalls),
		})
		if l.costs != nil {
			l.costs.RecordLLMCall(providerOf(resp.Model), resp.Model, resp.TokensIn, resp.TokensOut)
		}

		// 5e. No tool calls means the model is done.
		if len(resp.ToolCalls) == 0 {
			return l.finish(ctx, session, result, resp.Content, lastAssistantText, resp.TokensOut, persist, logger)
		}

		if text := strings.TrimSpace(resp.Content); text != "" {
			lastAssistantText = text
		}

		assistantMsg := entity.NewMessage(entity.RoleAssistant, resp.Content)
		assistantMsg.ToolCalls = resp.ToolCalls
		assistantMsg.TokenCount = resp.TokensOut
		l.append(session, assistantMsg, persist, logger)
		working = append(working, assistantMsg)

		// 5f. Execute the calls, bounded parallelism, results in call order.
		toolMsgs := l.executeCalls(ctx, session, resp, result, doom, logger)
		for _, tm := range toolMsgs {
			l.append(session, tm, persist, logger)
			working = append(working, tm)
		}

		if name, looped := doomTripped(doom); looped {
			logger.Warn("Doom loop detected, aborting turn", zap.String("tool", name))
			result.Content = fmt.Sprintf(
				"Stopped: tool %q failed %d times with identical arguments.", name, doomThreshold)
			return result, apperrors.New(apperrors.KindToolExecution,
				fmt.Sprintf("repeated failing tool call: %s", name))
		}
	}

	// 6. Iteration cap.
	l.publish(eventbus.TopicMaxIterationsExceeded, session.ID, map[string]any{
		"max_iterations": l.config.MaxIterations,
	})
	result.Content = lastAssistantText
	return result, apperrors.New(apperrors.KindMaxIterationsExceeded,
		fmt.Sprintf("no final response after %d iterations", l.config.MaxIterations))
}

// assemble builds the prompt and applies compaction pressure handling. On
// pressure it compacts the working copy; the session store keeps everything.
func (l *Loop) assemble(ctx context.Context, session *entity.Session, working *[]entity.Message, query string, logger *zap.Logger) (*domainctx.Prompt, error) {
	var memories []string
	if l.memory != nil {
		for _, rec := range l.memory.RecallRelevant(query, l.config.MemoryShare) {
			memories = append(memories, rec.Entry.Content)
		}
	}

	var toolSchemas string
	if l.schemas != nil {
		toolSchemas = l.schemas()
	}

	in := domainctx.Input{
		SystemPrompt: l.config.SystemPrompt,
		ToolSchemas:  toolSchemas,
		Recent:       *working,
		Memories:     memories,
	}

	prompt, err := l.assembler.Assemble(in)
	if err != nil {
		if apperrors.IsContextOverflow(err) {
			return nil, err
		}
		return nil, fmt.Errorf("assemble context: %w", err)
	}

	if prompt.Utilization >= 0.50 {
		state := l.compactor.StateFor(prompt.Utilization)
		l.publish(eventbus.TopicContextPressure, session.ID, map[string]any{
			"utilization": prompt.Utilization,
			"state":       string(state),
		})
		compacted := l.compactor.Compact(ctx, *working, prompt.Utilization, prompt.Budget)
		if len(compacted) != len(*working) {
			logger.Info("Working context compacted",
				zap.Int("before", len(*working)),
				zap.Int("after", len(compacted)),
				zap.Float64("utilization", prompt.Utilization),
			)
			*working = compacted
		}
	}
	return prompt, nil
}

// callModel streams one completion, forwarding deltas to the bus.
func (l *Loop) callModel(ctx context.Context, sessionID string, messages []entity.Message, model string) (*llm.Response, error) {
	deltaCh := make(chan llm.StreamChunk, 64)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for chunk := range deltaCh {
			if chunk.DeltaText == "" {
				continue
			}
			l.publish(eventbus.TopicStreamingToken, sessionID, map[string]any{
				"delta": chunk.DeltaText,
			})
		}
	}()

	req := &llm.Request{
		Model:       model,
		Messages:    messages,
		Temperature: l.config.Temperature,
		MaxTokens:   l.config.MaxTokens,
	}
	resp, err := l.router.GenerateStream(ctx, req, deltaCh)
	close(deltaCh)
	<-done
	return resp, err
}

// executeCalls runs one response's tool calls with bounded parallelism and
// returns the tool messages in call order.
func (l *Loop) executeCalls(ctx context.Context, session *entity.Session, resp *llm.Response, result *TurnResult, doom map[string]int, logger *zap.Logger) []entity.Message {
	type callOutcome struct {
		output  string
		success bool
	}

	outcomes := make([]callOutcome, len(resp.ToolCalls))
	sem := make(chan struct{}, l.config.MaxParallelTools)
	var wg sync.WaitGroup

	for i, call := range resp.ToolCalls {
		wg.Add(1)
		go func(idx int, call entity.ToolCall) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[idx] = callOutcome{output: "Error: cancelled"}
				return
			}

			l.publish(eventbus.TopicToolCall, session.ID, map[string]any{
				"id":        call.ID,
				"tool_name": call.Name,
				"arguments": call.Arguments,
				"phase":     "start",
			})

			output, success, durationMs := l.executeOne(ctx, session, call, resp.TokensIn, resp.TokensOut, logger)
			outcomes[idx] = callOutcome{output: output, success: success}

			l.publish(eventbus.TopicToolResult, session.ID, map[string]any{
				"id":          call.ID,
				"tool_name":   call.Name,
				"success":     success,
				"duration_ms": durationMs,
			})
		}(i, call)
	}
	wg.Wait()

	msgs := make([]entity.Message, 0, len(resp.ToolCalls))
	for i, call := range resp.ToolCalls {
		seen := false
		for _, name := range result.ToolsUsed {
			if name == call.Name {
				seen = true
				break
			}
		}
		if !seen {
			result.ToolsUsed = append(result.ToolsUsed, call.Name)
		}

		// Doom-loop bookkeeping: byte-equal failing calls of one tool.
		key := doomKey(call)
		if outcomes[i].success {
			delete(doom, key)
		} else {
			doom[key]++
		}

		tm := entity.NewMessage(entity.RoleTool, outcomes[i].output)
		tm.ToolCallID = call.ID
		msgs = append(msgs, tm)
	}
	return msgs
}

// executeOne runs a single call through the pre_tool_use chain, the
// dispatcher, and the async post_tool_use chain. tokensIn/tokensOut are the
// usage of the model call that requested the tool, carried into the
// post_tool_use payload for episode capture.
func (l *Loop) executeOne(ctx context.Context, session *entity.Session, call entity.ToolCall, tokensIn, tokensOut int, logger *zap.Logger) (output string, success bool, durationMs int64) {
	payload := hooks.Payload{
		"tool_name":  call.Name,
		"arguments":  call.Arguments,
		"session_id": session.ID,
	}
	payload, blocked, reason := l.hooks.Run(ctx, hooks.EventPreToolUse, payload)
	if blocked {
		l.publish(eventbus.TopicHookBlocked, session.ID, map[string]any{
			"event":     string(hooks.EventPreToolUse),
			"tool_name": call.Name,
			"reason":    reason,
		})
		return fmt.Sprintf("Error: blocked: %s", reason), false, 0
	}

	args := call.Arguments
	if updated, ok := payload["arguments"].(map[string]any); ok {
		args = updated
	}

	start := time.Now()
	res, err := l.tools.Execute(ctx, call.Name, args)
	durationMs = time.Since(start).Milliseconds()

	if err != nil {
		logger.Warn("Tool execution failed",
			zap.String("tool", call.Name),
			zap.Error(err),
		)
		output = fmt.Sprintf("Error: %v", err)
	} else {
		output = res.Output
		success = res.Success
		durationMs = res.DurationMs
	}

	l.hooks.RunAsync(hooks.EventPostToolUse, hooks.Payload{
		"tool_name":   call.Name,
		"result":      output,
		"success":     success,
		"duration_ms": durationMs,
		"tokens_in":   tokensIn,
		"tokens_out":  tokensOut,
		"session_id":  session.ID,
		"provider":    providerOf(l.modelFor(session)),
		"model":       l.modelFor(session),
	})
	return output, success, durationMs
}

// finish runs the pre_response chain and closes out the turn.
func (l *Loop) finish(ctx context.Context, session *entity.Session, result *TurnResult, content, fallback string, finalTokens int, persist func(entity.Message) error, logger *zap.Logger) (*TurnResult, error) {
	if strings.TrimSpace(content) == "" && fallback != "" {
		// Some models go silent on the final step after tool calls.
		content = fallback
	}

	payload := hooks.Payload{
		"content":    content,
		"session_id": session.ID,
	}
	payload, blocked, reason := l.hooks.Run(ctx, hooks.EventPreResponse, payload)
	if blocked {
		l.publish(eventbus.TopicHookBlocked, session.ID, map[string]any{
			"event":  string(hooks.EventPreResponse),
			"reason": reason,
		})
		return result, apperrors.New(apperrors.KindHookBlocked, reason)
	}
	if updated, ok := payload["content"].(string); ok {
		content = updated
	}

	assistantMsg := entity.NewMessage(entity.RoleAssistant, content)
	assistantMsg.TokenCount = finalTokens
	l.append(session, assistantMsg, persist, logger)

	result.Content = content
	l.publish(eventbus.TopicAgentResponse, session.ID, map[string]any{
		"content":    content,
		"iterations": result.Iterations,
		"tokens_in":  result.TokensIn,
		"tokens_out": result.TokensOut,
	})
	l.hooks.RunAsync(hooks.EventPostResponse, hooks.Payload{
		"content":    content,
		"session_id": session.ID,
	})
	return result, nil
}

// cancelled closes out a cancelled turn. Nothing partial was appended for
// the in-flight model call, so rollback is simply not persisting it.
func (l *Loop) cancelled(session *entity.Session, result *TurnResult, logger *zap.Logger) (*TurnResult, error) {
	l.publish(eventbus.TopicCancelled, session.ID, nil)
	logger.Info("Turn cancelled")
	return result, apperrors.New(apperrors.KindCancelled, "turn cancelled")
}

func (l *Loop) append(session *entity.Session, msg entity.Message, persist func(entity.Message) error, logger *zap.Logger) {
	session.Append(msg)
	if persist != nil {
		if err := persist(msg); err != nil {
			logger.Error("Message persistence failed",
				zap.String("role", string(msg.Role)),
				zap.Error(err),
			)
		}
	}
}

func (l *Loop) publish(topic, sessionID string, payload map[string]any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(topic, eventbus.Event{SessionID: sessionID, Payload: payload})
}

func (l *Loop) modelFor(session *entity.Session) string {
	if session.Model != "" {
		return session.Model
	}
	return l.config.Model
}

func doomKey(call entity.ToolCall) string {
	args, _ := json.Marshal(call.Arguments)
	return call.Name + "\x00" + string(args)
}

func doomTripped(doom map[string]int) (string, bool) {
	for key, count := range doom {
		if count >= doomThreshold {
			name, _, _ := strings.Cut(key, "\x00")
			return name, true
		}
	}
	return "", false
}

// providerOf extracts the provider segment of a "provider/model" ref.
func providerOf(modelRef string) string {
	if i := strings.Index(modelRef, "/"); i > 0 {
		return modelRef[:i]
	}
	return ""
}
