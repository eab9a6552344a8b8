package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
)

// Capability and method names for the tokenizer sidecar.
const (
	CapabilityTokenization = "tokenization"
	MethodTokenCount       = "tokenize/count"
)

// Tokenizer adapts the manager's tokenization capability to the context
// assembler, which prefers exact counts over its heuristic whenever a
// tokenizer sidecar is ready.
type Tokenizer struct {
	manager *Manager
}

// NewTokenizer creates the adapter.
func NewTokenizer(m *Manager) *Tokenizer {
	return &Tokenizer{manager: m}
}

// Ready reports whether a ready tokenizer sidecar exists.
func (t *Tokenizer) Ready() bool {
	return t.manager.HasReady(CapabilityTokenization)
}

// CountTokens asks the sidecar for an exact token count.
func (t *Tokenizer) CountTokens(ctx context.Context, text string) (int, error) {
	raw, err := t.manager.Dispatch(ctx, CapabilityTokenization, MethodTokenCount,
		map[string]string{"text": text})
	if err != nil {
		return 0, err
	}

	var result struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("parse token count: %w", err)
	}
	if result.Count < 0 {
		return 0, fmt.Errorf("negative token count %d", result.Count)
	}
	return result.Count, nil
}
