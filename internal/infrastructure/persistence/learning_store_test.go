package persistence

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestLearningStore(t *testing.T) *LearningStore {
	t.Helper()
	store, err := NewLearningStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestLearningStore_EpisodesRoundtrip(t *testing.T) {
	store := newTestLearningStore(t)
	day := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return day }

	err := store.RecordEpisode(context.Background(), map[string]any{
		"tool_name":   "shell_execute",
		"duration_ms": float64(42),
		"success":     true,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	store.RecordEpisode(context.Background(), map[string]any{"tool_name": "file_read"})

	eps, err := store.Episodes(day)
	if err != nil {
		t.Fatalf("episodes: %v", err)
	}
	if len(eps) != 2 {
		t.Fatalf("episodes = %d, want 2", len(eps))
	}
	if eps[0]["tool_name"] != "shell_execute" {
		t.Errorf("first episode = %v", eps[0])
	}
	if _, ok := eps[0]["timestamp"]; !ok {
		t.Error("episodes must be stamped")
	}

	// Another day has its own file.
	other, err := store.Episodes(day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("episodes: %v", err)
	}
	if other != nil {
		t.Errorf("next day episodes = %v, want none", other)
	}
}

func TestLearningStore_PatternsRoundtrip(t *testing.T) {
	store := newTestLearningStore(t)

	loaded, err := store.LoadPatterns()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != nil {
		t.Errorf("fresh store patterns = %v", loaded)
	}

	patterns := []Pattern{{
		ID:          "p1",
		Description: "read before write",
		ToolSeq:     []string{"file_read", "file_write"},
		Occurrences: 4,
	}}
	if err := store.SavePatterns(patterns); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err = store.LoadPatterns()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "p1" || loaded[0].Occurrences != 4 {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestLearningStore_SolutionsRoundtrip(t *testing.T) {
	store := newTestLearningStore(t)

	solutions := []Solution{{
		ErrorSignature: "permission denied",
		Remedy:         "retry with workspace-relative path",
		SuccessCount:   2,
	}}
	if err := store.SaveSolutions(solutions); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.LoadSolutions()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Remedy != "retry with workspace-relative path" {
		t.Errorf("loaded = %+v", loaded)
	}
}
