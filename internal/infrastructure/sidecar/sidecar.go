package sidecar

import (
	"context"
	"encoding/json"
)

// Health is a sidecar's reported condition. Dispatch prefers ready over
// degraded over starting; unavailable sidecars are never chosen.
type Health string

const (
	HealthStarting    Health = "starting"
	HealthReady       Health = "ready"
	HealthDegraded    Health = "degraded"
	HealthUnavailable Health = "unavailable"
)

// dispatchRank orders health for capability dispatch. Lower is better.
func (h Health) dispatchRank() int {
	switch h {
	case HealthReady:
		return 0
	case HealthDegraded:
		return 1
	case HealthStarting:
		return 2
	default:
		return 3
	}
}

// Dispatchable reports whether a sidecar in this state may receive calls.
func (h Health) Dispatchable() bool {
	return h == HealthReady || h == HealthDegraded || h == HealthStarting
}

// Sidecar is one external capability provider. Process sidecars speak
// JSON-RPC over stdio; in-process sidecars back tests and the built-in
// tokenizer.
type Sidecar interface {
	// Name returns the unique sidecar name.
	Name() string
	// Capabilities returns the capability tags this sidecar provides.
	Capabilities() []string
	// Call invokes a sidecar-defined method.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	// HealthCheck probes the sidecar's condition.
	HealthCheck(ctx context.Context) Health
	// Close shuts the sidecar down.
	Close() error
}
