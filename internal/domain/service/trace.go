package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type traceIDKey struct{}

// WithTraceID stamps the context with a turn-scoped trace id, generating
// one when traceID is empty. Every log line of a turn carries it.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		b := make([]byte, 8)
		_, _ = rand.Read(b)
		traceID = hex.EncodeToString(b)
	}
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext returns the turn's trace id, or "" when unset.
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok {
		return id
	}
	return ""
}
