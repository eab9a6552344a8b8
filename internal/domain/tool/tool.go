package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

// Tool is the abstraction every executable capability implements: built-in
// functions, sidecar-backed capabilities, and nested agent launches alike.
type Tool interface {
	// Name returns the unique tool name.
	Name() string
	// Description returns the model-facing description.
	Description() string
	// Schema returns the JSON Schema of the arguments object.
	Schema() map[string]any
	// Capabilities returns the capability tags (empty for plain tools).
	Capabilities() []string
	// Execute runs the tool. The returned string is handed to the model.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Definition is the schema block passed to the model.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type registered struct {
	tool     Tool
	compiled *jsonschema.Schema
}

// Registry is the process-wide name -> Tool mapping. Registration is
// idempotent by name: re-registering replaces the previous tool.
type Registry struct {
	mu                sync.RWMutex
	tools             map[string]registered
	capacityThreshold int
	logger            *zap.Logger
}

// NewRegistry creates a registry. capacityThreshold is the model capacity
// below which tool schemas are withheld from prompts entirely (small local
// models produce garbage tool calls).
func NewRegistry(capacityThreshold int, logger *zap.Logger) *Registry {
	return &Registry{
		tools:             make(map[string]registered),
		capacityThreshold: capacityThreshold,
		logger:            logger.With(zap.String("component", "tool-registry")),
	}
}

// Register adds or replaces a tool. The schema is compiled here so invalid
// schemas fail loudly at startup, not at dispatch time.
func (r *Registry) Register(t Tool) error {
	compiled, err := compileSchema(t.Name(), t.Schema())
	if err != nil {
		return fmt.Errorf("tool %s: %w", t.Name(), err)
	}

	r.mu.Lock()
	_, replaced := r.tools[t.Name()]
	r.tools[t.Name()] = registered{tool: t, compiled: compiled}
	r.mu.Unlock()

	if replaced {
		r.logger.Info("Tool replaced", zap.String("tool", t.Name()))
	} else {
		r.logger.Debug("Tool registered", zap.String("tool", t.Name()))
	}
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg.tool, ok
}

// Has reports whether a tool with the name exists.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// schema returns the compiled validator for name.
func (r *Registry) schema(name string) (*jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg.compiled, ok
}

// List returns definitions for every registered tool.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, reg := range r.tools {
		defs = append(defs, Definition{
			Name:        reg.tool.Name(),
			Description: reg.tool.Description(),
			Parameters:  reg.tool.Schema(),
		})
	}
	return defs
}

// SchemasFor returns the definitions to include in a prompt for a model of
// the given capacity, or nil when the model is below the gating threshold.
func (r *Registry) SchemasFor(modelCapacity int) []Definition {
	if modelCapacity < r.capacityThreshold {
		return nil
	}
	return r.List()
}

// PromptBlock renders the definitions as a compact block for the critical
// context tier.
func PromptBlock(defs []Definition) string {
	if len(defs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, d := range defs {
		params, _ := json.Marshal(d.Parameters)
		fmt.Fprintf(&b, "- %s: %s %s\n", d.Name, d.Description, params)
	}
	return b.String()
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := "osa://tools/" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}
