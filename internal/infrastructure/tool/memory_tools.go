package tool

import (
	"context"
	"fmt"
	"strings"

	"github.com/miosa-osa/osa/internal/domain/memory"
	apperrors "github.com/miosa-osa/osa/pkg/errors"
)

// MemorySaveTool persists a fact into long-term memory.
type MemorySaveTool struct {
	manager *memory.Manager
}

// NewMemorySaveTool creates the memory_save builtin.
func NewMemorySaveTool(manager *memory.Manager) *MemorySaveTool {
	return &MemorySaveTool{manager: manager}
}

func (t *MemorySaveTool) Name() string { return "memory_save" }

func (t *MemorySaveTool) Description() string {
	return "Save an important fact, decision, pattern, or solution to long-term memory so later sessions can recall it."
}

func (t *MemorySaveTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"category": map[string]any{
				"type": "string",
				"enum": []any{"decision", "pattern", "solution", "context", "fact"},
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The fact to remember, one or two sentences",
			},
			"importance": map[string]any{
				"type":        "number",
				"minimum":     0,
				"maximum":     1,
				"description": "How important this is to keep (default 0.5)",
			},
		},
		"required":             []any{"category", "content"},
		"additionalProperties": false,
	}
}

func (t *MemorySaveTool) Capabilities() []string { return nil }

func (t *MemorySaveTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	raw, _ := args["category"].(string)
	category := memory.Category(raw)
	if !category.Valid() {
		return "", apperrors.New(apperrors.KindInvalidArguments,
			fmt.Sprintf("unknown memory category: %s", raw))
	}
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return "", apperrors.New(apperrors.KindInvalidArguments, "content is empty")
	}
	importance := 0.5
	if v, ok := args["importance"].(float64); ok {
		importance = v
	}

	entry, err := t.manager.Remember(ctx, category, content, importance)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Saved to %s memory (id %s)", category, entry.ID), nil
}

// MemoryRecallTool searches long-term memory.
type MemoryRecallTool struct {
	manager *memory.Manager
}

// NewMemoryRecallTool creates the memory_recall builtin.
func NewMemoryRecallTool(manager *memory.Manager) *MemoryRecallTool {
	return &MemoryRecallTool{manager: manager}
}

func (t *MemoryRecallTool) Name() string { return "memory_recall" }

func (t *MemoryRecallTool) Description() string {
	return "Search long-term memory for entries relevant to a query."
}

func (t *MemoryRecallTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "What to look for",
			},
			"max_tokens": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"description": "Token budget for the recalled text (default 1000)",
			},
		},
		"required":             []any{"query"},
		"additionalProperties": false,
	}
}

func (t *MemoryRecallTool) Capabilities() []string { return nil }

func (t *MemoryRecallTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", apperrors.New(apperrors.KindInvalidArguments, "query is empty")
	}
	maxTokens := 1000
	if v, ok := args["max_tokens"].(float64); ok && v > 0 {
		maxTokens = int(v)
	}

	recalled := t.manager.RecallRelevant(query, maxTokens)
	if len(recalled) == 0 {
		return "No relevant memories found.", nil
	}

	var sb strings.Builder
	for _, rec := range recalled {
		fmt.Fprintf(&sb, "- [%s] %s (relevance %.2f)\n",
			rec.Entry.Category, rec.Entry.Content, rec.Score)
	}
	return strings.TrimSpace(sb.String()), nil
}
