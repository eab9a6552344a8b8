package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MethodFunc handles one in-process sidecar method. Params arrive as raw
// JSON; the returned value is marshalled for the caller.
type MethodFunc func(ctx context.Context, params json.RawMessage) (any, error)

// InProcess is a sidecar implemented as plain Go functions. It backs the
// built-in tokenizer and keeps manager tests free of child processes.
type InProcess struct {
	name string
	caps []string

	mu      sync.RWMutex
	methods map[string]MethodFunc
	health  Health
}

// NewInProcess creates an in-process sidecar reporting ready.
func NewInProcess(name string, capabilities ...string) *InProcess {
	return &InProcess{
		name:    name,
		caps:    capabilities,
		methods: make(map[string]MethodFunc),
		health:  HealthReady,
	}
}

// Handle registers the handler for a method name.
func (s *InProcess) Handle(method string, fn MethodFunc) *InProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = fn
	return s
}

// SetHealth overrides the reported health.
func (s *InProcess) SetHealth(h Health) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = h
}

func (s *InProcess) Name() string { return s.name }

func (s *InProcess) Capabilities() []string {
	return append([]string(nil), s.caps...)
}

func (s *InProcess) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.RLock()
	fn, ok := s.methods[method]
	s.mu.RUnlock()
	if !ok {
		return nil, &RPCError{Code: ErrMethodNotFound, Message: fmt.Sprintf("method %q not found", method)}
	}

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}

	result, err := fn(ctx, raw)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return out, nil
}

func (s *InProcess) HealthCheck(ctx context.Context) Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

func (s *InProcess) Close() error { return nil }
