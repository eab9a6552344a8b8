package llm

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/domain/entity"
	"github.com/miosa-osa/osa/internal/domain/tool"
)

// Request is a provider-neutral chat completion request.
type Request struct {
	Model       string
	Messages    []entity.Message
	Tools       []tool.Definition
	Temperature float64
	MaxTokens   int
}

// Response is a provider-neutral completion result.
type Response struct {
	Content   string
	ToolCalls []entity.ToolCall
	Model     string
	TokensIn  int
	TokensOut int
}

// TokensTotal returns the combined prompt and completion token count.
func (r *Response) TokensTotal() int {
	return r.TokensIn + r.TokensOut
}

// StreamChunk is one incremental unit of a streamed completion. Exactly one
// field is set per chunk.
type StreamChunk struct {
	DeltaText    string
	ToolCall     *entity.ToolCall
	FinishReason string
}

// Provider is the infrastructure-layer LLM provider interface. The router
// composes providers into a failover chain; each provider speaks one wire
// protocol.
type Provider interface {
	// Name returns the configured provider identifier (e.g. "openai", "local").
	Name() string

	// Models returns the supported model identifiers. Empty means any.
	Models() []string

	// SupportsModel checks whether a specific model is supported.
	SupportsModel(model string) bool

	// IsAvailable checks whether the provider can accept requests at all
	// (credentials present, endpoint configured).
	IsAvailable(ctx context.Context) bool

	// Generate performs a non-streaming completion.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// GenerateStream performs a streaming completion, emitting chunks on
	// deltaCh as they arrive and returning the accumulated response.
	GenerateStream(ctx context.Context, req *Request, deltaCh chan<- StreamChunk) (*Response, error)
}

// ProviderConfig holds configuration for one LLM provider endpoint.
type ProviderConfig struct {
	Name    string   `json:"name" mapstructure:"name"`
	Type    string   `json:"type" mapstructure:"type"` // "openai" (default) | "anthropic" | "scripted"
	BaseURL string   `json:"base_url" mapstructure:"base_url"`
	APIKey  string   `json:"api_key" mapstructure:"api_key"`
	Models  []string `json:"models" mapstructure:"models"`
}

// ProviderFactory creates a Provider from config. Provider sub-packages
// register themselves via init(); adding a new protocol is implement
// Provider + RegisterFactory("type", New).
type ProviderFactory func(cfg ProviderConfig, logger *zap.Logger) Provider

var (
	factoryMu sync.RWMutex
	factories = map[string]ProviderFactory{}
)

// RegisterFactory registers a provider factory for the given type name.
func RegisterFactory(typeName string, factory ProviderFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = factory
}

// CreateProvider creates a Provider using the registered factory for
// cfg.Type. An empty Type defaults to "openai".
func CreateProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	t := cfg.Type
	if t == "" {
		t = "openai"
	}

	factoryMu.RLock()
	factory, ok := factories[t]
	available := make([]string, 0, len(factories))
	for k := range factories {
		available = append(available, k)
	}
	factoryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider type %q (available: %v)", t, available)
	}
	return factory(cfg, logger), nil
}
