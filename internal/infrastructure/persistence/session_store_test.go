package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/domain/entity"
	apperrors "github.com/miosa-osa/osa/pkg/errors"
)

func newTestSessionStore(t *testing.T) *SessionStore {
	t.Helper()
	store, err := NewSessionStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestSessionStore_AppendAndReplay(t *testing.T) {
	store := newTestSessionStore(t)

	msgs := []entity.Message{
		entity.NewMessage(entity.RoleUser, "deploy the service"),
		entity.NewMessage(entity.RoleAssistant, "running the deploy"),
	}
	msgs[0].TokenCount = 4
	msgs[1].TokenCount = 3

	for _, m := range msgs {
		if err := store.Append("sess-1", m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	session, err := store.Replay("sess-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if session == nil || len(session.Messages) != 2 {
		t.Fatalf("replayed %+v", session)
	}
	if session.Messages[0].Content != "deploy the service" {
		t.Errorf("first message = %q", session.Messages[0].Content)
	}
	if session.TokenUsage != 7 {
		t.Errorf("token usage = %d, want 7", session.TokenUsage)
	}
	if session.CreatedAt.IsZero() {
		t.Error("created_at must come from the first message")
	}
}

func TestSessionStore_ReplayMissingSession(t *testing.T) {
	store := newTestSessionStore(t)

	session, err := store.Replay("nope")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if session != nil {
		t.Errorf("session = %+v, want nil for missing log", session)
	}
}

func TestSessionStore_ReplaySkipsTornLine(t *testing.T) {
	store := newTestSessionStore(t)

	if err := store.Append("sess-1", entity.NewMessage(entity.RoleUser, "hello")); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Simulate a crash mid-write: a truncated trailing line.
	path := store.messagesPath("sess-1")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"role":"assistant","content":"trunc`)
	f.Close()

	session, err := store.Replay("sess-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(session.Messages) != 1 {
		t.Errorf("replayed %d messages, want the 1 intact line", len(session.Messages))
	}
}

func TestSessionStore_ListAndDelete(t *testing.T) {
	store := newTestSessionStore(t)

	store.Append("b-sess", entity.NewMessage(entity.RoleUser, "x"))
	store.Append("a-sess", entity.NewMessage(entity.RoleUser, "y"))

	ids, err := store.ListSessionIDs()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a-sess" || ids[1] != "b-sess" {
		t.Errorf("ids = %v", ids)
	}

	if err := store.Delete("a-sess"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(store.messagesPath("a-sess"))); !os.IsNotExist(err) {
		t.Error("session dir must be gone")
	}
}

func TestSessionStore_ToolMessagesSurviveRoundtrip(t *testing.T) {
	store := newTestSessionStore(t)

	call := entity.NewMessage(entity.RoleAssistant, "")
	call.ToolCalls = []entity.ToolCall{{
		ID:        "call-1",
		Name:      "file_read",
		Arguments: map[string]any{"path": "/tmp/x"},
	}}
	result := entity.NewMessage(entity.RoleTool, "contents")
	result.ToolCallID = "call-1"

	store.Append("sess-1", call)
	store.Append("sess-1", result)

	session, err := store.Replay("sess-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(session.Messages[0].ToolCalls) != 1 || session.Messages[0].ToolCalls[0].Name != "file_read" {
		t.Errorf("tool calls = %+v", session.Messages[0].ToolCalls)
	}
	if !session.Messages[1].IsToolResult() {
		t.Error("tool result lost its tool_call_id")
	}
}

func TestSessionStore_RejectsUnsafeSessionIDs(t *testing.T) {
	root := t.TempDir()
	store, err := NewSessionStore(root, zap.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	outside := filepath.Join(root, "..", "escape")
	bad := []string{
		"",
		".",
		"..",
		"../escape",
		"../../tmp/x",
		"a/b",
		"a\\b",
		"id with space",
	}
	for _, id := range bad {
		if err := store.Append(id, entity.NewMessage(entity.RoleUser, "x")); !apperrors.IsInvalidArguments(err) {
			t.Errorf("Append(%q) err = %v, want invalid arguments", id, err)
		}
		if _, err := store.Replay(id); !apperrors.IsInvalidArguments(err) {
			t.Errorf("Replay(%q) err = %v, want invalid arguments", id, err)
		}
		if err := store.Delete(id); !apperrors.IsInvalidArguments(err) {
			t.Errorf("Delete(%q) err = %v, want invalid arguments", id, err)
		}
	}
	if _, err := os.Stat(outside); !os.IsNotExist(err) {
		t.Errorf("write escaped the session root: %v", err)
	}

	// Ids from uuid.NewString and friends still pass.
	for _, id := range []string{"sess-http", "3f2b8c1a-77f0-4d52-9d6e-0a1b2c3d4e5f", "a.b_c-d"} {
		if err := store.Append(id, entity.NewMessage(entity.RoleUser, "x")); err != nil {
			t.Errorf("Append(%q): %v", id, err)
		}
	}
}
