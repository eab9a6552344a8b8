package memory

import (
	"time"

	"github.com/google/uuid"
)

// Category partitions long-term memory into document sections.
type Category string

const (
	CategoryDecision Category = "decision"
	CategoryPattern  Category = "pattern"
	CategorySolution Category = "solution"
	CategoryContext  Category = "context"
	CategoryFact     Category = "fact"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryDecision, CategoryPattern, CategorySolution, CategoryContext, CategoryFact:
		return true
	}
	return false
}

// SectionTitle is the document heading this category's entries live under.
func (c Category) SectionTitle() string {
	switch c {
	case CategoryDecision:
		return "Decisions"
	case CategoryPattern:
		return "Patterns"
	case CategorySolution:
		return "Solutions"
	case CategoryContext:
		return "Context"
	case CategoryFact:
		return "Facts"
	}
	return ""
}

// CategoryFromSection is the inverse of SectionTitle; ok is false for
// unrecognized headings.
func CategoryFromSection(title string) (Category, bool) {
	switch title {
	case "Decisions":
		return CategoryDecision, true
	case "Patterns":
		return CategoryPattern, true
	case "Solutions":
		return CategorySolution, true
	case "Context":
		return CategoryContext, true
	case "Facts":
		return CategoryFact, true
	}
	return "", false
}

// Categories lists all categories in document order.
func Categories() []Category {
	return []Category{CategoryDecision, CategoryPattern, CategorySolution, CategoryContext, CategoryFact}
}

// Entry is one long-term memory record.
type Entry struct {
	ID         string    `json:"id"`
	Category   Category  `json:"category"`
	Content    string    `json:"content"`
	Keywords   []string  `json:"keywords"`
	Importance float64   `json:"importance"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewEntry builds an entry with extracted keywords. Importance is clamped
// to [0,1].
func NewEntry(category Category, content string, importance float64) *Entry {
	if importance < 0 {
		importance = 0
	}
	if importance > 1 {
		importance = 1
	}
	return &Entry{
		ID:         uuid.New().String(),
		Category:   category,
		Content:    content,
		Keywords:   ExtractKeywords(content),
		Importance: importance,
		CreatedAt:  time.Now().UTC(),
	}
}

// KeywordSet returns the keywords as a set for overlap computations.
func (e *Entry) KeywordSet() map[string]struct{} {
	set := make(map[string]struct{}, len(e.Keywords))
	for _, kw := range e.Keywords {
		set[kw] = struct{}{}
	}
	return set
}
