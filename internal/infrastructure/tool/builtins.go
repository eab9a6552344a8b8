package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/infrastructure/sandbox"
	apperrors "github.com/miosa-osa/osa/pkg/errors"
)

// maxReadBytes caps file_read output so a single call cannot flood the
// context window.
const maxReadBytes = 256 * 1024

// resolvePath confines a tool path argument to the workspace root.
// Absolute paths are allowed only when they already sit under root.
func resolvePath(root, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", apperrors.New(apperrors.KindInvalidArguments, "path is empty")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	cleaned := filepath.Clean(path)
	rootClean := filepath.Clean(root)
	if cleaned != rootClean && !strings.HasPrefix(cleaned, rootClean+string(filepath.Separator)) {
		return "", apperrors.New(apperrors.KindInvalidArguments,
			fmt.Sprintf("path escapes workspace: %s", path))
	}
	return cleaned, nil
}

// FileReadTool reads a workspace file.
type FileReadTool struct {
	root string
}

// NewFileReadTool creates the file_read builtin rooted at the workspace.
func NewFileReadTool(root string) *FileReadTool {
	return &FileReadTool{root: root}
}

func (t *FileReadTool) Name() string { return "file_read" }

func (t *FileReadTool) Description() string {
	return "Read a text file from the workspace. Returns the file content, truncated past 256KB."
}

func (t *FileReadTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path, relative to the workspace root",
			},
		},
		"required":             []any{"path"},
		"additionalProperties": false,
	}
}

func (t *FileReadTool) Capabilities() []string { return nil }

func (t *FileReadTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	full, err := resolvePath(t.root, path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperrors.New(apperrors.KindNotFound, fmt.Sprintf("file not found: %s", path))
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n[truncated]", nil
	}
	return string(data), nil
}

// FileWriteTool writes a workspace file, creating parent directories.
type FileWriteTool struct {
	root   string
	logger *zap.Logger
}

// NewFileWriteTool creates the file_write builtin.
func NewFileWriteTool(root string, logger *zap.Logger) *FileWriteTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileWriteTool{root: root, logger: logger}
}

func (t *FileWriteTool) Name() string { return "file_write" }

func (t *FileWriteTool) Description() string {
	return "Write content to a workspace file, replacing it if it exists."
}

func (t *FileWriteTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path, relative to the workspace root",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content to write",
			},
		},
		"required":             []any{"path", "content"},
		"additionalProperties": false,
	}
}

func (t *FileWriteTool) Capabilities() []string { return nil }

func (t *FileWriteTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	full, err := resolvePath(t.root, path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	t.logger.Debug("File written",
		zap.String("path", path),
		zap.Int("bytes", len(content)),
	)
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

// ShellExecuteTool runs a shell command through the sandbox.
type ShellExecuteTool struct {
	shell  *sandbox.Shell
	logger *zap.Logger
}

// NewShellExecuteTool creates the shell_execute builtin.
func NewShellExecuteTool(shell *sandbox.Shell, logger *zap.Logger) *ShellExecuteTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShellExecuteTool{shell: shell, logger: logger}
}

func (t *ShellExecuteTool) Name() string { return "shell_execute" }

func (t *ShellExecuteTool) Description() string {
	return "Execute a shell command in the workspace. Commands have a 60 second timeout; exit code 124 means the command was killed. Avoid interactive or long-running commands."
}

func (t *ShellExecuteTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to run",
			},
			"work_dir": map[string]any{
				"type":        "string",
				"description": "Optional working directory",
			},
		},
		"required":             []any{"command"},
		"additionalProperties": false,
	}
}

func (t *ShellExecuteTool) Capabilities() []string { return nil }

func (t *ShellExecuteTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return "", apperrors.New(apperrors.KindInvalidArguments, "command is empty")
	}
	if bin := firstWord(command); bin != "" && !t.shell.Allowed(bin) {
		return "", apperrors.New(apperrors.KindInvalidArguments,
			fmt.Sprintf("command not allowed: %s", bin))
	}
	workDir, _ := args["work_dir"].(string)

	t.logger.Info("Shell command", zap.String("command", command))
	res, err := t.shell.Run(ctx, command, workDir)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindToolExecution, "shell execution failed", err)
	}

	output := res.Stdout
	if res.Stderr != "" {
		output += "\n[stderr]\n" + res.Stderr
	}
	output = strings.TrimSpace(output)

	// Failures surface as errors so the loop's doom guard counts them; the
	// command output rides inside the error text for the model.
	if res.Killed {
		return "", apperrors.New(apperrors.KindToolExecution,
			fmt.Sprintf("command timed out (exit=124): %s", clip(output, 2000)))
	}
	if res.ExitCode != 0 {
		return "", apperrors.New(apperrors.KindToolExecution,
			fmt.Sprintf("exit=%d: %s", res.ExitCode, clip(output, 2000)))
	}
	return output, nil
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
