package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/miosa-osa/osa/pkg/errors"
)

// recencyHalfLife controls how fast old entries lose relevance: score
// contribution halves every week.
const recencyHalfLife = 7 * 24 * time.Hour

// compactionOverlap is the keyword overlap at or above which two entries in
// the same category are considered duplicates.
const compactionOverlap = 0.8

// TokenEstimator counts prompt tokens for budget enforcement during recall.
type TokenEstimator func(text string) int

// Sink mirrors entries into a secondary store (the relational index) so
// list endpoints can page without parsing the document. Mirror failures are
// logged, never fatal; the document is the source of truth.
type Sink interface {
	SaveEntry(ctx context.Context, entry *Entry) error
	DeleteEntry(ctx context.Context, id string) error
}

// Manager owns the long-term store and its inverted index.
type Manager struct {
	store    *DocumentStore
	index    *Index
	estimate TokenEstimator
	sink     Sink
	logger   *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewManager creates a manager. estimate may be nil (a word-count fallback
// is used); sink may be nil.
func NewManager(store *DocumentStore, estimate TokenEstimator, sink Sink, logger *zap.Logger) *Manager {
	if estimate == nil {
		estimate = func(text string) int { return len(text) / 4 }
	}
	return &Manager{
		store:    store,
		index:    NewIndex(),
		estimate: estimate,
		sink:     sink,
		logger:   logger.With(zap.String("component", "memory")),
		entries:  make(map[string]*Entry),
	}
}

// Boot loads the document and rebuilds the inverted index.
func (m *Manager) Boot(ctx context.Context) error {
	entries, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("boot memory: %w", err)
	}

	m.mu.Lock()
	m.entries = make(map[string]*Entry, len(entries))
	for _, e := range entries {
		m.entries[e.ID] = e
	}
	m.mu.Unlock()

	m.index.Rebuild(entries)
	m.logger.Info("Memory loaded",
		zap.Int("entries", len(entries)),
		zap.Int("keywords", m.index.KeywordCount()),
	)
	return nil
}

// Remember appends a new entry under its category and indexes it.
func (m *Manager) Remember(ctx context.Context, category Category, content string, importance float64) (*Entry, error) {
	if !category.Valid() {
		return nil, apperrors.New(apperrors.KindInvalidArguments, fmt.Sprintf("unknown memory category %q", category))
	}
	if content == "" {
		return nil, apperrors.New(apperrors.KindInvalidArguments, "memory content is empty")
	}

	entry := NewEntry(category, content, importance)

	// Index before persisting: the index invariant is superset, so an
	// orphan index entry on write failure is tolerable, a missing one is not.
	m.index.Add(entry)

	m.mu.Lock()
	m.entries[entry.ID] = entry
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if err := m.store.Save(snapshot); err != nil {
		return nil, fmt.Errorf("persist memory: %w", err)
	}
	m.mirror(ctx, entry)
	return entry, nil
}

// Recalled pairs an entry with its relevance score.
type Recalled struct {
	Entry *Entry
	Score float64
}

// RecallRelevant returns entries relevant to query, highest score first,
// stopping once maxTokens of content has been accumulated.
// Score = 0.5*keyword_overlap + 0.3*recency_decay + 0.2*importance.
func (m *Manager) RecallRelevant(query string, maxTokens int) []Recalled {
	keywords := ExtractKeywords(query)
	if len(keywords) == 0 {
		return nil
	}

	hits := m.index.Candidates(keywords)
	if len(hits) == 0 {
		return nil
	}

	now := time.Now()
	m.mu.RLock()
	scored := make([]Recalled, 0, len(hits))
	for id, matched := range hits {
		entry, ok := m.entries[id]
		if !ok {
			continue // index superset: deleted entry still in postings
		}
		overlap := float64(matched) / float64(len(keywords))
		age := now.Sub(entry.CreatedAt)
		recency := decay(age)
		scored = append(scored, Recalled{
			Entry: entry,
			Score: 0.5*overlap + 0.3*recency + 0.2*entry.Importance,
		})
	}
	m.mu.RUnlock()

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Entry.ID < scored[j].Entry.ID
	})

	var out []Recalled
	budget := maxTokens
	for _, r := range scored {
		cost := m.estimate(r.Entry.Content)
		if cost > budget {
			break
		}
		budget -= cost
		out = append(out, r)
	}
	return out
}

// decay maps entry age to (0,1], halving every recencyHalfLife.
func decay(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(recencyHalfLife))
}

// Get returns an entry by id.
func (m *Manager) Get(id string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// List returns all entries, optionally filtered by category, newest first.
func (m *Manager) List(category Category) []*Entry {
	m.mu.RLock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if category != "" && e.Category != category {
			continue
		}
		out = append(out, e)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Forget removes an entry from the document and the index.
func (m *Manager) Forget(ctx context.Context, id string) error {
	m.mu.Lock()
	entry, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return apperrors.New(apperrors.KindNotFound, fmt.Sprintf("memory entry %s not found", id))
	}
	delete(m.entries, id)
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.index.Remove(id, entry.Keywords)
	if err := m.store.Save(snapshot); err != nil {
		return fmt.Errorf("persist memory: %w", err)
	}
	if m.sink != nil {
		if err := m.sink.DeleteEntry(ctx, id); err != nil {
			m.logger.Warn("Memory mirror delete failed", zap.String("id", id), zap.Error(err))
		}
	}
	return nil
}

// Compact coalesces near-duplicate entries within each category. Two
// entries are duplicates when their keyword overlap is at least 0.8; the
// survivor is the more important (older on ties) and absorbs the other's
// keywords. Returns the number of entries removed.
func (m *Manager) Compact(ctx context.Context) (int, error) {
	m.mu.Lock()
	byCategory := make(map[Category][]*Entry)
	for _, e := range m.entries {
		byCategory[e.Category] = append(byCategory[e.Category], e)
	}

	removed := 0
	for _, group := range byCategory {
		sort.Slice(group, func(i, j int) bool {
			if group[i].Importance != group[j].Importance {
				return group[i].Importance > group[j].Importance
			}
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})
		for i := 0; i < len(group); i++ {
			survivor := group[i]
			if _, alive := m.entries[survivor.ID]; !alive {
				continue
			}
			for j := i + 1; j < len(group); j++ {
				dup := group[j]
				if _, alive := m.entries[dup.ID]; !alive {
					continue
				}
				if keywordOverlap(survivor.KeywordSet(), dup.KeywordSet()) < compactionOverlap {
					continue
				}
				survivor.Keywords = mergeKeywords(survivor.Keywords, dup.Keywords)
				delete(m.entries, dup.ID)
				removed++
			}
		}
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if removed == 0 {
		return 0, nil
	}

	if err := m.store.Save(snapshot); err != nil {
		return removed, fmt.Errorf("persist compacted memory: %w", err)
	}
	m.index.Rebuild(snapshot)
	m.logger.Info("Memory compacted", zap.Int("removed", removed))
	return removed, nil
}

// snapshotLocked copies the entry set; caller holds mu.
func (m *Manager) snapshotLocked() []*Entry {
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

func (m *Manager) mirror(ctx context.Context, entry *Entry) {
	if m.sink == nil {
		return
	}
	if err := m.sink.SaveEntry(ctx, entry); err != nil {
		m.logger.Warn("Memory mirror write failed", zap.String("id", entry.ID), zap.Error(err))
	}
}

// keywordOverlap is |a n b| / min(|a|, |b|).
func keywordOverlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	shared := 0
	for kw := range small {
		if _, ok := large[kw]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}

func mergeKeywords(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, kw := range append(a, b...) {
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}
