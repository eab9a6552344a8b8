package tool

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/infrastructure/sandbox"
	apperrors "github.com/miosa-osa/osa/pkg/errors"
)

func TestFileTools_WriteThenRead(t *testing.T) {
	root := t.TempDir()
	write := NewFileWriteTool(root, zap.NewNop())
	read := NewFileReadTool(root)

	out, err := write.Execute(context.Background(), map[string]any{
		"path":    "notes/today.md",
		"content": "remember the milk",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(out, "notes/today.md") {
		t.Errorf("write output = %q", out)
	}

	got, err := read.Execute(context.Background(), map[string]any{"path": "notes/today.md"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "remember the milk" {
		t.Errorf("read = %q", got)
	}
}

func TestFileRead_MissingFile(t *testing.T) {
	read := NewFileReadTool(t.TempDir())
	_, err := read.Execute(context.Background(), map[string]any{"path": "ghost.txt"})
	if !apperrors.IsNotFound(err) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestFileTools_RejectWorkspaceEscape(t *testing.T) {
	root := t.TempDir()
	read := NewFileReadTool(root)
	write := NewFileWriteTool(root, zap.NewNop())

	for _, path := range []string{"../outside.txt", "/etc/passwd", "a/../../b"} {
		if _, err := read.Execute(context.Background(), map[string]any{"path": path}); !apperrors.IsInvalidArguments(err) {
			t.Errorf("read %q err = %v, want invalid_arguments", path, err)
		}
		if _, err := write.Execute(context.Background(), map[string]any{"path": path, "content": "x"}); !apperrors.IsInvalidArguments(err) {
			t.Errorf("write %q err = %v, want invalid_arguments", path, err)
		}
	}
}

func TestFileRead_TruncatesHugeFile(t *testing.T) {
	root := t.TempDir()
	big := strings.Repeat("a", maxReadBytes+10)
	if err := os.WriteFile(filepath.Join(root, "big.txt"), []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := NewFileReadTool(root).Execute(context.Background(), map[string]any{"path": "big.txt"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasSuffix(out, "[truncated]") {
		t.Error("oversized read must be marked truncated")
	}
	if len(out) > maxReadBytes+len("\n[truncated]") {
		t.Errorf("output length = %d", len(out))
	}
}

func newTestShellTool(t *testing.T) *ShellExecuteTool {
	t.Helper()
	shell, err := sandbox.NewShell(sandbox.DefaultConfig(t.TempDir()), zap.NewNop())
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	return NewShellExecuteTool(shell, zap.NewNop())
}

func TestShellExecute_Success(t *testing.T) {
	tool := newTestShellTool(t)
	out, err := tool.Execute(context.Background(), map[string]any{"command": "echo hello"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "hello" {
		t.Errorf("out = %q", out)
	}
}

func TestShellExecute_NonZeroExitIsError(t *testing.T) {
	tool := newTestShellTool(t)
	_, err := tool.Execute(context.Background(), map[string]any{"command": "ls /definitely/not/here"})
	if !apperrors.Is(err, apperrors.KindToolExecution) {
		t.Fatalf("err = %v, want tool_execution", err)
	}
	if !strings.Contains(err.Error(), "exit=") {
		t.Errorf("err = %v, want exit code in message", err)
	}
}

func TestShellExecute_DisallowedBinary(t *testing.T) {
	tool := newTestShellTool(t)
	_, err := tool.Execute(context.Background(), map[string]any{"command": "sudo reboot"})
	if !apperrors.IsInvalidArguments(err) {
		t.Fatalf("err = %v, want invalid_arguments", err)
	}
}

func TestShellExecute_EmptyCommand(t *testing.T) {
	tool := newTestShellTool(t)
	if _, err := tool.Execute(context.Background(), map[string]any{"command": "  "}); !apperrors.IsInvalidArguments(err) {
		t.Fatalf("err = %v", err)
	}
}
