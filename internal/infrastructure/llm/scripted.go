package llm

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

func init() {
	RegisterFactory("scripted", func(cfg ProviderConfig, logger *zap.Logger) Provider {
		return NewScripted(cfg.Name, cfg.Models...)
	})
}

type scriptStep struct {
	resp *Response
	err  error
}

// ScriptedProvider replays queued responses in order. It backs router and
// agent loop tests and the CLI dry-run mode, where no real endpoint exists.
type ScriptedProvider struct {
	name   string
	models []string

	mu    sync.Mutex
	steps []scriptStep
	calls int
	down  bool
}

// NewScripted creates a scripted provider. With no models it accepts any.
func NewScripted(name string, models ...string) *ScriptedProvider {
	if name == "" {
		name = "scripted"
	}
	return &ScriptedProvider{name: name, models: models}
}

var _ Provider = (*ScriptedProvider)(nil)

// Enqueue appends a successful response to the script.
func (s *ScriptedProvider) Enqueue(resp *Response) *ScriptedProvider {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, scriptStep{resp: resp})
	return s
}

// EnqueueText appends a plain text response to the script.
func (s *ScriptedProvider) EnqueueText(content string) *ScriptedProvider {
	return s.Enqueue(&Response{Content: content, Model: s.name})
}

// EnqueueError appends a failing step to the script.
func (s *ScriptedProvider) EnqueueError(err error) *ScriptedProvider {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, scriptStep{err: err})
	return s
}

// SetDown toggles availability.
func (s *ScriptedProvider) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// Calls returns how many completions were attempted.
func (s *ScriptedProvider) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *ScriptedProvider) Name() string     { return s.name }
func (s *ScriptedProvider) Models() []string { return s.models }

func (s *ScriptedProvider) SupportsModel(model string) bool {
	if len(s.models) == 0 {
		return true
	}
	for _, m := range s.models {
		if m == model {
			return true
		}
	}
	return false
}

func (s *ScriptedProvider) IsAvailable(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.down
}

func (s *ScriptedProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	return s.next()
}

func (s *ScriptedProvider) GenerateStream(ctx context.Context, req *Request, deltaCh chan<- StreamChunk) (*Response, error) {
	resp, err := s.next()
	if err != nil {
		return nil, err
	}
	if resp.Content != "" {
		deltaCh <- StreamChunk{DeltaText: resp.Content}
	}
	for i := range resp.ToolCalls {
		deltaCh <- StreamChunk{ToolCall: &resp.ToolCalls[i]}
	}
	deltaCh <- StreamChunk{FinishReason: "stop"}
	return resp, nil
}

func (s *ScriptedProvider) next() (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.steps) == 0 {
		return nil, fmt.Errorf("scripted provider %s: script exhausted", s.name)
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	if step.err != nil {
		return nil, step.err
	}
	return step.resp, nil
}
