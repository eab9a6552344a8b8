package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/miosa-osa/osa/internal/infrastructure/sidecar"
)

// SidecarTool exposes one sidecar capability method as a registered tool.
// MCP servers plug in this way: each tool the server lists becomes a
// SidecarTool routing through the "tools" capability's tools/call method.
type SidecarTool struct {
	manager     *sidecar.Manager
	name        string
	description string
	schema      map[string]any
	capability  string
	method      string
}

// NewSidecarTool wraps a capability method in the Tool interface.
func NewSidecarTool(manager *sidecar.Manager, name, description string, schema map[string]any, capability, method string) *SidecarTool {
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	return &SidecarTool{
		manager:     manager,
		name:        name,
		description: description,
		schema:      schema,
		capability:  capability,
		method:      method,
	}
}

// NewMCPTool wraps a tool advertised by an MCP sidecar. Calls go through
// tools/call with the MCP argument envelope.
func NewMCPTool(manager *sidecar.Manager, name, description string, schema map[string]any) *SidecarTool {
	t := NewSidecarTool(manager, name, description, schema, "tools", "tools/call")
	return t
}

func (t *SidecarTool) Name() string { return t.name }

func (t *SidecarTool) Description() string { return t.description }

func (t *SidecarTool) Schema() map[string]any { return t.schema }

func (t *SidecarTool) Capabilities() []string { return []string{t.capability} }

func (t *SidecarTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	params := any(args)
	if t.method == "tools/call" {
		params = map[string]any{"name": t.name, "arguments": args}
	}

	raw, err := t.manager.Dispatch(ctx, t.capability, t.method, params)
	if err != nil {
		return "", err
	}
	return renderSidecarResult(raw), nil
}

// renderSidecarResult turns a JSON-RPC result into model-facing text.
// Strings come back verbatim; MCP content blocks are flattened; anything
// else is re-serialized.
func renderSidecarResult(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var mcp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &mcp); err == nil && len(mcp.Content) > 0 {
		out := ""
		for _, block := range mcp.Content {
			if block.Type == "text" || block.Type == "" {
				if out != "" {
					out += "\n"
				}
				out += block.Text
			}
		}
		if out != "" {
			return out
		}
	}
	return string(raw)
}

// DiscoverMCPTools lists the tools an MCP sidecar advertises and returns
// ready-to-register wrappers.
func DiscoverMCPTools(ctx context.Context, manager *sidecar.Manager) ([]*SidecarTool, error) {
	raw, err := manager.Dispatch(ctx, "tools", "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var listing struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listing); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}

	out := make([]*SidecarTool, 0, len(listing.Tools))
	for _, entry := range listing.Tools {
		out = append(out, NewMCPTool(manager, entry.Name, entry.Description, entry.InputSchema))
	}
	return out, nil
}
