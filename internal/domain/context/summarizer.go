package context

import (
	"context"
	"fmt"
	"strings"

	"github.com/miosa-osa/osa/internal/domain/entity"
)

// Generator is the minimal LLM surface the summarizer needs.
type Generator interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

const summaryPrompt = `Condense the following conversation excerpt into a short summary that preserves:
1. What the user asked for and any decisions made.
2. Tool actions taken and their outcomes.
3. Unresolved problems or follow-ups.

Use terse bullet points. No preamble.`

// LLMSummarizer condenses message runs through an LLM. Input is capped so a
// summarization call can never itself overflow the provider.
type LLMSummarizer struct {
	gen            Generator
	maxInputTokens int
	estimate       Estimator
}

// NewLLMSummarizer creates a summarizer; maxInputTokens <= 0 defaults to 8000.
func NewLLMSummarizer(gen Generator, maxInputTokens int) *LLMSummarizer {
	if maxInputTokens <= 0 {
		maxInputTokens = 8000
	}
	return &LLMSummarizer{
		gen:            gen,
		maxInputTokens: maxInputTokens,
		estimate:       NewHeuristicEstimator(),
	}
}

// Summarize renders the messages as a transcript and asks the model for a
// condensed version.
func (s *LLMSummarizer) Summarize(ctx context.Context, messages []entity.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var b strings.Builder
	used := 0
	for _, m := range messages {
		line := fmt.Sprintf("[%s]: %s\n", m.Role, m.Content)
		cost := s.estimate.Count(line)
		if used+cost > s.maxInputTokens {
			b.WriteString("... (earlier messages omitted)\n")
			break
		}
		b.WriteString(line)
		used += cost
	}

	summary, err := s.gen.Complete(ctx, summaryPrompt, b.String())
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(summary), nil
}
