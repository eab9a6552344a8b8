package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// basePrompt is the built-in identity used when no persona.md exists on
// either layer.
const basePrompt = `You are OSA, an autonomous operations and software agent.
You solve tasks by reasoning step by step and calling tools when they help.
Be direct. Prefer acting over describing what you would do. When a task is
complete, state the result plainly.`

// Context is the runtime input to one assembly.
type Context struct {
	Channel       string
	Model         string
	Workspace     string
	Tools         []string          // registered tool names
	ToolSummaries map[string]string // name -> one-line description
	ExtraRules    string            // operator-supplied rules from config
}

func (c Context) hasTool(name string) bool {
	for _, t := range c.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// Engine assembles the system prompt from two filesystem layers:
//
//	system layer:    <stateDir>/prompts/
//	workspace layer: <workspace>/.osa/prompts/
//
// persona.md on either layer replaces the built-in identity (workspace
// wins); other *.md files become components merged by name with the
// workspace layer overriding the system layer.
type Engine struct {
	systemDir string
	wsDir     string
	logger    *zap.Logger

	mu         sync.RWMutex
	persona    string
	components []*Component
}

// NewEngine creates an engine rooted at stateDir. workspace may be empty.
func NewEngine(stateDir, workspace string, logger *zap.Logger) *Engine {
	var wsDir string
	if workspace != "" {
		wsDir = filepath.Join(workspace, ".osa")
	}
	return &Engine{
		systemDir: stateDir,
		wsDir:     wsDir,
		logger:    logger.With(zap.String("component", "prompt")),
	}
}

// Discover scans both layers. Safe to call again for hot-reload.
func (e *Engine) Discover() error {
	persona := ""
	byName := make(map[string]*Component)

	layers := []string{e.systemDir}
	if e.wsDir != "" {
		layers = append(layers, e.wsDir)
	}
	for _, layer := range layers {
		if data, err := os.ReadFile(filepath.Join(layer, "persona.md")); err == nil {
			persona = strings.TrimSpace(string(data))
		}

		dir := filepath.Join(layer, "prompts")
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			comp, err := ParseFile(path)
			if err != nil {
				e.logger.Warn("Skipping malformed prompt component",
					zap.String("path", path),
					zap.Error(err),
				)
				continue
			}
			byName[comp.Name] = comp
		}
	}

	components := make([]*Component, 0, len(byName))
	for _, comp := range byName {
		components = append(components, comp)
	}
	sort.Slice(components, func(i, j int) bool {
		if components[i].Priority != components[j].Priority {
			return components[i].Priority < components[j].Priority
		}
		return components[i].Name < components[j].Name
	})

	e.mu.Lock()
	e.persona = persona
	e.components = components
	e.mu.Unlock()

	e.logger.Info("Prompt layers discovered",
		zap.Bool("persona", persona != ""),
		zap.Int("components", len(components)),
	)
	return nil
}

// Assemble builds the system prompt for one turn: persona, matching
// components in priority order, the tool inventory, and operator rules.
func (e *Engine) Assemble(ctx Context) string {
	e.mu.RLock()
	persona := e.persona
	components := e.components
	e.mu.RUnlock()

	sections := make([]string, 0, len(components)+3)
	if persona == "" {
		persona = basePrompt
	}
	sections = append(sections, persona)

	for _, comp := range components {
		if comp.matches(ctx) {
			sections = append(sections, comp.Content)
		}
	}

	if block := toolBlock(ctx); block != "" {
		sections = append(sections, block)
	}
	if ctx.Workspace != "" {
		sections = append(sections, "Workspace: "+ctx.Workspace)
	}
	if ctx.ExtraRules != "" {
		sections = append(sections, "## Operator rules\n"+ctx.ExtraRules)
	}

	return strings.Join(sections, "\n\n")
}

// ComponentCount returns how many components are loaded.
func (e *Engine) ComponentCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.components)
}

func toolBlock(ctx Context) string {
	if len(ctx.Tools) == 0 {
		return ""
	}
	names := make([]string, len(ctx.Tools))
	copy(names, ctx.Tools)
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("## Available tools\n")
	for _, name := range names {
		if summary := ctx.ToolSummaries[name]; summary != "" {
			fmt.Fprintf(&b, "- %s: %s\n", name, summary)
		} else {
			fmt.Fprintf(&b, "- %s\n", name)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
