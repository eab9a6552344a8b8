package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const learningDir = "learning"

// Pattern is one consolidated behavior pattern in learning/patterns.json.
type Pattern struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	ToolSeq     []string  `json:"tool_seq,omitempty"`
	Occurrences int       `json:"occurrences"`
	LastSeen    time.Time `json:"last_seen"`
}

// Solution is one remembered error remedy in learning/solutions.json.
type Solution struct {
	ErrorSignature string    `json:"error_signature"`
	Remedy         string    `json:"remedy"`
	SuccessCount   int       `json:"success_count"`
	LastUsed       time.Time `json:"last_used"`
}

// LearningStore persists episodic records and consolidated patterns.
// Episodes append to a per-day JSONL file; patterns and solutions are
// whole-file JSON documents written atomically.
type LearningStore struct {
	root   string
	logger *zap.Logger
	now    func() time.Time

	episodeMu  sync.Mutex
	patternMu  sync.Mutex
	solutionMu sync.Mutex
}

// NewLearningStore creates the store under the state root.
func NewLearningStore(root string, logger *zap.Logger) (*LearningStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(root, learningDir, "episodes"), 0o755); err != nil {
		return nil, fmt.Errorf("create learning dir: %w", err)
	}
	return &LearningStore{
		root:   root,
		logger: logger.With(zap.String("component", "learning-store")),
		now:    time.Now,
	}, nil
}

// RecordEpisode appends one post-tool episodic record to today's file. It
// satisfies the learning_capture hook dependency.
func (s *LearningStore) RecordEpisode(ctx context.Context, episode map[string]any) error {
	if _, ok := episode["timestamp"]; !ok {
		episode["timestamp"] = s.now().Format(time.RFC3339)
	}
	data, err := json.Marshal(episode)
	if err != nil {
		return fmt.Errorf("marshal episode: %w", err)
	}
	data = append(data, '\n')

	name := s.now().Format("2006-01-02") + "-episodes.jsonl"
	path := filepath.Join(s.root, learningDir, "episodes", name)

	s.episodeMu.Lock()
	defer s.episodeMu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open episode log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append episode: %w", err)
	}
	return nil
}

// Episodes reads one day's episodic records.
func (s *LearningStore) Episodes(day time.Time) ([]map[string]any, error) {
	name := day.Format("2006-01-02") + "-episodes.jsonl"
	path := filepath.Join(s.root, learningDir, "episodes", name)

	s.episodeMu.Lock()
	defer s.episodeMu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read episode log: %w", err)
	}

	var out []map[string]any
	for _, line := range splitLines(data) {
		var ep map[string]any
		if err := json.Unmarshal(line, &ep); err != nil {
			s.logger.Warn("Skipping corrupt episode line", zap.Error(err))
			continue
		}
		out = append(out, ep)
	}
	return out, nil
}

// SavePatterns writes learning/patterns.json atomically.
func (s *LearningStore) SavePatterns(patterns []Pattern) error {
	s.patternMu.Lock()
	defer s.patternMu.Unlock()
	return writeJSONAtomic(filepath.Join(s.root, learningDir, "patterns.json"), patterns)
}

// LoadPatterns reads learning/patterns.json; missing file means none.
func (s *LearningStore) LoadPatterns() ([]Pattern, error) {
	s.patternMu.Lock()
	defer s.patternMu.Unlock()

	var out []Pattern
	if err := readJSON(filepath.Join(s.root, learningDir, "patterns.json"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveSolutions writes learning/solutions.json atomically.
func (s *LearningStore) SaveSolutions(solutions []Solution) error {
	s.solutionMu.Lock()
	defer s.solutionMu.Unlock()
	return writeJSONAtomic(filepath.Join(s.root, learningDir, "solutions.json"), solutions)
}

// LoadSolutions reads learning/solutions.json; missing file means none.
func (s *LearningStore) LoadSolutions() ([]Solution, error) {
	s.solutionMu.Lock()
	defer s.solutionMu.Unlock()

	var out []Solution
	if err := readJSON(filepath.Join(s.root, learningDir, "solutions.json"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// writeJSONAtomic writes via a temp file and rename so readers never see a
// half-written document.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
