package application

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/domain/agent"
	"github.com/miosa-osa/osa/internal/domain/budget"
	"github.com/miosa-osa/osa/internal/domain/entity"
	"github.com/miosa-osa/osa/internal/infrastructure/llm"
)

// costRecorder prices each LLM call through the price book and feeds the
// budget tracker. It satisfies service.CostRecorder.
type costRecorder struct {
	prices  *budget.PriceBook
	tracker *budget.Tracker
}

func (c *costRecorder) RecordLLMCall(provider, model string, tokensIn, tokensOut int) {
	c.tracker.RecordCall(provider, model, tokensIn, tokensOut,
		c.prices.EstimateCost(model, tokensIn, tokensOut))
}

// workerRunner executes worker agents as single-shot completions against
// the provider router. Workers get a role prompt and the task input but no
// tool access; tasks that need tools go through the main loop instead.
type workerRunner struct {
	router    *llm.Router
	model     string
	maxTokens int
	costs     *costRecorder
	logger    *zap.Logger
}

func (r *workerRunner) RunAgent(ctx context.Context, role entity.AgentRole, systemPrompt, input string) (*agent.WorkerResult, error) {
	resp, err := r.router.Generate(ctx, &llm.Request{
		Model: r.model,
		Messages: []entity.Message{
			entity.NewMessage(entity.RoleSystem, systemPrompt),
			entity.NewMessage(entity.RoleUser, input),
		},
		MaxTokens: r.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", role, err)
	}

	if r.costs != nil {
		r.costs.RecordLLMCall(providerFrom(resp.Model), resp.Model, resp.TokensIn, resp.TokensOut)
	}
	r.logger.Debug("Worker turn finished",
		zap.String("role", string(role)),
		zap.Int("tokens", resp.TokensTotal()),
	)
	return &agent.WorkerResult{
		Output:     resp.Content,
		TokensUsed: resp.TokensTotal(),
	}, nil
}

// providerFrom extracts the provider id from a "provider/model" ref.
func providerFrom(modelRef string) string {
	if i := strings.Index(modelRef, "/"); i > 0 {
		return modelRef[:i]
	}
	return modelRef
}
