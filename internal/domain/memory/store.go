package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// DocumentStore persists long-term memory as a single human-readable
// markdown document partitioned into category sections. Each entry is one
// list item; machine-readable fields ride in a trailing HTML comment so the
// document stays editable by hand.
type DocumentStore struct {
	path string
	mu   sync.Mutex
	md   goldmark.Markdown
}

// NewDocumentStore creates a store backed by the file at path (typically
// <state_dir>/MEMORY.md). The file is created on first write.
func NewDocumentStore(path string) *DocumentStore {
	return &DocumentStore{
		path: path,
		md:   goldmark.New(),
	}
}

// Path returns the backing file path.
func (s *DocumentStore) Path() string {
	return s.path
}

type entryMeta struct {
	ID         string   `json:"id"`
	Importance float64  `json:"importance"`
	CreatedAt  string   `json:"created_at"`
	Keywords   []string `json:"keywords"`
}

// Load parses the document and returns all entries. A missing file yields
// an empty slice. Malformed list items are skipped, not fatal; hand edits
// should never brick the agent.
func (s *DocumentStore) Load() ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read memory document: %w", err)
	}
	return s.parse(src), nil
}

func (s *DocumentStore) parse(src []byte) []*Entry {
	doc := s.md.Parser().Parse(text.NewReader(src))

	var entries []*Entry
	var current Category
	haveSection := false

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			if node.Level == 1 {
				current, haveSection = CategoryFromSection(strings.TrimSpace(string(node.Text(src))))
			}
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			if !haveSection {
				return ast.WalkSkipChildren, nil
			}
			if e := parseEntryItem(node, src, current); e != nil {
				entries = append(entries, e)
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return entries
}

// parseEntryItem reconstructs an entry from the raw source lines of a list
// item. Returns nil when the item carries no (or invalid) metadata comment.
func parseEntryItem(item *ast.ListItem, src []byte, category Category) *Entry {
	block := item.FirstChild()
	if block == nil {
		return nil
	}
	lines := block.Lines()
	var raw strings.Builder
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		raw.Write(seg.Value(src))
	}
	line := strings.TrimSpace(raw.String())

	open := strings.LastIndex(line, "<!--")
	end := strings.LastIndex(line, "-->")
	if open < 0 || end < open {
		return nil
	}

	var meta entryMeta
	if err := json.Unmarshal([]byte(strings.TrimSpace(line[open+4:end])), &meta); err != nil {
		return nil
	}
	if meta.ID == "" {
		return nil
	}

	entry := &Entry{
		ID:         meta.ID,
		Category:   category,
		Content:    strings.TrimSpace(line[:open]),
		Keywords:   meta.Keywords,
		Importance: meta.Importance,
	}
	if t, err := parseTime(meta.CreatedAt); err == nil {
		entry.CreatedAt = t
	}
	if len(entry.Keywords) == 0 {
		entry.Keywords = ExtractKeywords(entry.Content)
	}
	return entry
}

// Save rewrites the whole document from the given entries. Writes go to a
// temp file first and rename into place so readers never see a torn file.
func (s *DocumentStore) Save(entries []*Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byCategory := make(map[Category][]*Entry)
	for _, e := range entries {
		byCategory[e.Category] = append(byCategory[e.Category], e)
	}

	var b strings.Builder
	b.WriteString("# Memory\n\nLong-term memory. Edit with care; the trailing comments are machine-read.\n")
	for _, cat := range Categories() {
		section := byCategory[cat]
		if len(section) == 0 {
			continue
		}
		sort.Slice(section, func(i, j int) bool {
			return section[i].CreatedAt.Before(section[j].CreatedAt)
		})
		b.WriteString("\n# " + cat.SectionTitle() + "\n\n")
		for _, e := range section {
			meta, err := json.Marshal(entryMeta{
				ID:         e.ID,
				Importance: e.Importance,
				CreatedAt:  formatTime(e.CreatedAt),
				Keywords:   e.Keywords,
			})
			if err != nil {
				return fmt.Errorf("marshal entry %s: %w", e.ID, err)
			}
			fmt.Fprintf(&b, "- %s <!-- %s -->\n", sanitizeContent(e.Content), meta)
		}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".memory-*.md")
	if err != nil {
		return fmt.Errorf("create temp memory file: %w", err)
	}
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write memory document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close memory document: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace memory document: %w", err)
	}
	return nil
}

func parseTime(s string) (t time.Time, err error) {
	return time.Parse(time.RFC3339, s)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// sanitizeContent keeps each entry on a single list-item line.
func sanitizeContent(content string) string {
	content = strings.ReplaceAll(content, "\n", " ")
	content = strings.ReplaceAll(content, "<!--", "")
	content = strings.ReplaceAll(content, "-->", "")
	return strings.TrimSpace(content)
}
