package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/miosa-osa/osa/internal/domain/budget"
)

const metricsDir = "metrics"

// MetricsStore writes metrics/daily.jsonl and metrics/summary.json. It
// satisfies budget.Sink.
type MetricsStore struct {
	root string

	dailyMu   sync.Mutex
	summaryMu sync.Mutex
}

// NewMetricsStore creates the store under the state root.
func NewMetricsStore(root string) (*MetricsStore, error) {
	if err := os.MkdirAll(filepath.Join(root, metricsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create metrics dir: %w", err)
	}
	return &MetricsStore{root: root}, nil
}

// AppendDaily appends one call line to metrics/daily.jsonl.
func (s *MetricsStore) AppendDaily(entry budget.DailyEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal metrics entry: %w", err)
	}
	data = append(data, '\n')

	s.dailyMu.Lock()
	defer s.dailyMu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.root, metricsDir, "daily.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open daily metrics: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append daily metrics: %w", err)
	}
	return nil
}

// WriteSummary replaces metrics/summary.json atomically.
func (s *MetricsStore) WriteSummary(summary budget.Summary) error {
	s.summaryMu.Lock()
	defer s.summaryMu.Unlock()
	return writeJSONAtomic(filepath.Join(s.root, metricsDir, "summary.json"), summary)
}

// ReadSummary loads the last written summary; missing file yields a zero
// summary.
func (s *MetricsStore) ReadSummary() (budget.Summary, error) {
	s.summaryMu.Lock()
	defer s.summaryMu.Unlock()

	var out budget.Summary
	if err := readJSON(filepath.Join(s.root, metricsDir, "summary.json"), &out); err != nil {
		return budget.Summary{}, err
	}
	return out, nil
}
