package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/domain/entity"
)

// Router routes completion requests across providers. The requested model is
// tried first; when every provider for it fails, the configured fallback
// chain is walked in order. Each provider carries its own circuit breaker
// and latency stats, and each attempt gets a short retry with exponential
// backoff before the router moves on.
type Router struct {
	mu           sync.RWMutex
	providers    []Provider
	fallback     []string // "provider/model" refs tried after the requested model
	defaultModel string
	retries      int
	backoff      time.Duration
	stats        map[string]*providerStats
	breakers     map[string]*CircuitBreaker
	logger       *zap.Logger
}

type providerStats struct {
	TotalCalls   int64
	FailureCount int64
	LastLatency  time.Duration
}

// NewRouter creates an empty router. Add providers with AddProvider.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		retries:  1,
		backoff:  500 * time.Millisecond,
		stats:    make(map[string]*providerStats),
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger.With(zap.String("component", "llm-router")),
	}
}

// AddProvider appends a provider. Providers are consulted in insertion order.
func (r *Router) AddProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
	r.stats[p.Name()] = &providerStats{}
	r.breakers[p.Name()] = NewCircuitBreaker(5, 30*time.Second)
	r.logger.Info("LLM provider added",
		zap.String("name", p.Name()),
		zap.Strings("models", p.Models()),
	)
}

// SetFallbackChain sets the ordered model refs consulted after the requested
// model has failed on every provider.
func (r *Router) SetFallbackChain(refs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = append([]string(nil), refs...)
}

// SetDefaultModel sets the model used when a request names none. Complete
// always uses it.
func (r *Router) SetDefaultModel(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultModel = model
}

// SetRetry configures per-provider retries before failover. backoff doubles
// after each failed attempt.
func (r *Router) SetRetry(retries int, backoff time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if retries >= 0 {
		r.retries = retries
	}
	if backoff > 0 {
		r.backoff = backoff
	}
}

// Generate routes a non-streaming completion.
func (r *Router) Generate(ctx context.Context, req *Request) (*Response, error) {
	return r.route(ctx, req.Model, func(p Provider, model string) (*Response, error) {
		reqCopy := *req
		reqCopy.Model = model
		return p.Generate(ctx, &reqCopy)
	})
}

// GenerateStream routes a streaming completion.
func (r *Router) GenerateStream(ctx context.Context, req *Request, deltaCh chan<- StreamChunk) (*Response, error) {
	return r.route(ctx, req.Model, func(p Provider, model string) (*Response, error) {
		reqCopy := *req
		reqCopy.Model = model
		return p.GenerateStream(ctx, &reqCopy, deltaCh)
	})
}

// Complete satisfies the single-shot surfaces used by the classifier and the
// history summarizer: one system instruction, one user text, plain string out.
func (r *Router) Complete(ctx context.Context, system, user string) (string, error) {
	r.mu.RLock()
	model := r.defaultModel
	r.mu.RUnlock()

	resp, err := r.Generate(ctx, &Request{
		Model: model,
		Messages: []entity.Message{
			entity.NewMessage(entity.RoleSystem, system),
			entity.NewMessage(entity.RoleUser, user),
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (r *Router) route(ctx context.Context, model string, call func(Provider, string) (*Response, error)) (*Response, error) {
	r.mu.RLock()
	providers := make([]Provider, len(r.providers))
	copy(providers, r.providers)
	candidates := r.candidatesLocked(model)
	retries := r.retries
	backoff := r.backoff
	r.mu.RUnlock()

	var lastErr error

	for _, ref := range candidates {
		for _, p := range providers {
			if !p.SupportsModel(ref) {
				continue
			}
			if !p.IsAvailable(ctx) {
				r.logger.Debug("Provider unavailable, skipping", zap.String("provider", p.Name()))
				continue
			}
			if cb := r.breaker(p.Name()); cb != nil && !cb.Allow() {
				r.logger.Debug("Provider circuit open, skipping", zap.String("provider", p.Name()))
				continue
			}

			resp, err := r.attempt(ctx, p, ref, retries, backoff, call)
			if err != nil {
				lastErr = err
				r.logger.Warn("Provider failed, trying next",
					zap.String("provider", p.Name()),
					zap.String("model", ref),
					zap.Error(err),
				)
				continue
			}
			return resp, nil
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all providers failed, last error: %w", lastErr)
	}
	return nil, fmt.Errorf("no provider available for model %q", model)
}

// attempt calls one provider with retry and exponential backoff, recording
// stats and circuit breaker outcomes.
func (r *Router) attempt(ctx context.Context, p Provider, model string, retries int, backoff time.Duration, call func(Provider, string) (*Response, error)) (*Response, error) {
	var lastErr error
	wait := backoff

	for i := 0; i <= retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}

		start := time.Now()
		resp, err := call(p, model)
		latency := time.Since(start)
		r.record(p.Name(), latency, err)

		if err == nil {
			r.logger.Debug("Provider succeeded",
				zap.String("provider", p.Name()),
				zap.Duration("latency", latency),
				zap.Int("tokens", resp.TokensTotal()),
			)
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// candidatesLocked returns the model refs to try, requested model first, then
// the fallback chain, deduplicated.
func (r *Router) candidatesLocked(model string) []string {
	if model == "" {
		model = r.defaultModel
	}
	seen := make(map[string]bool)
	out := make([]string, 0, 1+len(r.fallback))
	for _, ref := range append([]string{model}, r.fallback...) {
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}

func (r *Router) breaker(name string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

func (r *Router) record(name string, latency time.Duration, err error) {
	r.mu.Lock()
	if s, ok := r.stats[name]; ok {
		s.TotalCalls++
		s.LastLatency = latency
		if err != nil {
			s.FailureCount++
		}
	}
	cb := r.breakers[name]
	r.mu.Unlock()

	if cb != nil {
		if err != nil {
			cb.RecordFailure()
		} else {
			cb.RecordSuccess()
		}
	}
}

// ProviderStatus describes a provider's current state and performance.
type ProviderStatus struct {
	Name          string   `json:"name"`
	Models        []string `json:"models"`
	Available     bool     `json:"available"`
	TotalCalls    int64    `json:"total_calls"`
	FailureCount  int64    `json:"failure_count"`
	LastLatencyMs float64  `json:"last_latency_ms"`
	CircuitState  string   `json:"circuit_state"`
}

// ListProviders reports status and stats for every registered provider.
func (r *Router) ListProviders(ctx context.Context) []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]ProviderStatus, 0, len(r.providers))
	for _, p := range r.providers {
		ps := ProviderStatus{
			Name:      p.Name(),
			Models:    p.Models(),
			Available: p.IsAvailable(ctx),
		}
		if s, ok := r.stats[p.Name()]; ok {
			ps.TotalCalls = s.TotalCalls
			ps.FailureCount = s.FailureCount
			ps.LastLatencyMs = float64(s.LastLatency) / float64(time.Millisecond)
		}
		if cb, ok := r.breakers[p.Name()]; ok {
			ps.CircuitState = cb.State().String()
		}
		result = append(result, ps)
	}
	return result
}

// ModelSuffix strips the optional "provider/" prefix from a model ref.
// Providers call it before putting the model name on the wire.
func ModelSuffix(ref string) string {
	if i := strings.Index(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
