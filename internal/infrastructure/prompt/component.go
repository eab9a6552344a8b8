package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Component is one prompt module loaded from a markdown file with optional
// YAML frontmatter.
type Component struct {
	Name     string
	Priority int // lower sorts earlier, default 50
	Content  string
	Requires *Requirements // nil = always included
	Path     string
}

// Requirements gates a component's inclusion. All set fields must match.
type Requirements struct {
	Tools    []string `yaml:"tools"`    // every listed tool must be registered
	AnyTool  []string `yaml:"any_tool"` // at least one must be registered
	Channels []string `yaml:"channels"` // active channel must be listed
	Models   []string `yaml:"models"`   // model ref must contain one entry
}

type frontmatter struct {
	Name     string        `yaml:"name"`
	Priority *int          `yaml:"priority"`
	Requires *Requirements `yaml:"requires"`
}

// ParseFile loads one component. Files without frontmatter are whole-body
// components named after the file.
func ParseFile(path string) (*Component, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt file: %w", err)
	}

	comp := &Component{
		Name:     strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Priority: 50,
		Content:  strings.TrimSpace(string(data)),
		Path:     path,
	}

	body, fm, ok := splitFrontmatter(string(data))
	if !ok {
		return comp, nil
	}

	var meta frontmatter
	if err := yaml.Unmarshal([]byte(fm), &meta); err != nil {
		return nil, fmt.Errorf("frontmatter in %s: %w", path, err)
	}
	comp.Content = strings.TrimSpace(body)
	if meta.Name != "" {
		comp.Name = meta.Name
	}
	if meta.Priority != nil {
		comp.Priority = *meta.Priority
	}
	comp.Requires = meta.Requires
	return comp, nil
}

// splitFrontmatter separates a leading --- delimited YAML block from the
// markdown body.
func splitFrontmatter(content string) (body, fm string, ok bool) {
	if !strings.HasPrefix(content, "---\n") && content != "---" {
		return content, "", false
	}
	rest := strings.TrimPrefix(content, "---\n")
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return content, "", false
	}
	fm = rest[:idx]
	body = rest[idx+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return body, fm, true
}

// matches reports whether the component applies to the given context.
func (c *Component) matches(ctx Context) bool {
	req := c.Requires
	if req == nil {
		return true
	}
	for _, tool := range req.Tools {
		if !ctx.hasTool(tool) {
			return false
		}
	}
	if len(req.AnyTool) > 0 {
		any := false
		for _, tool := range req.AnyTool {
			if ctx.hasTool(tool) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	if len(req.Channels) > 0 && !containsFold(req.Channels, ctx.Channel) {
		return false
	}
	if len(req.Models) > 0 {
		model := strings.ToLower(ctx.Model)
		matched := false
		for _, m := range req.Models {
			if strings.Contains(model, strings.ToLower(m)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func containsFold(list []string, want string) bool {
	for _, item := range list {
		if strings.EqualFold(item, want) {
			return true
		}
	}
	return false
}
