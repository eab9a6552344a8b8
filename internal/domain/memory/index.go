package memory

import "sync"

// Index is the episodic inverted index: keyword -> set of entry ids.
// It is kept at least as large as the document store (transient leftovers
// from deleted entries are tolerated and cleaned on rebuild).
type Index struct {
	mu       sync.RWMutex
	postings map[string]map[string]struct{}
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{postings: make(map[string]map[string]struct{})}
}

// Add indexes every keyword of the entry.
func (ix *Index) Add(entry *Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, kw := range entry.Keywords {
		set, ok := ix.postings[kw]
		if !ok {
			set = make(map[string]struct{})
			ix.postings[kw] = set
		}
		set[entry.ID] = struct{}{}
	}
}

// Remove drops the entry id from the given keywords' posting lists.
func (ix *Index) Remove(id string, keywords []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, kw := range keywords {
		if set, ok := ix.postings[kw]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(ix.postings, kw)
			}
		}
	}
}

// Candidates returns entry ids matching any query keyword, with the number
// of distinct query keywords each id matched.
func (ix *Index) Candidates(keywords []string) map[string]int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	hits := make(map[string]int)
	for _, kw := range keywords {
		for id := range ix.postings[kw] {
			hits[id]++
		}
	}
	return hits
}

// Rebuild replaces the index contents from scratch.
func (ix *Index) Rebuild(entries []*Entry) {
	fresh := make(map[string]map[string]struct{})
	for _, e := range entries {
		for _, kw := range e.Keywords {
			set, ok := fresh[kw]
			if !ok {
				set = make(map[string]struct{})
				fresh[kw] = set
			}
			set[e.ID] = struct{}{}
		}
	}

	ix.mu.Lock()
	ix.postings = fresh
	ix.mu.Unlock()
}

// KeywordCount returns the number of indexed keywords.
func (ix *Index) KeywordCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.postings)
}
