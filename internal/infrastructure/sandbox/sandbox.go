package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Config tunes the shell sandbox. The sandbox provides process-group
// isolation, an allowlist, and timeouts, not filesystem isolation.
type Config struct {
	WorkDir     string
	Timeout     time.Duration
	AllowedBins []string
}

// DefaultConfig returns the default allowlist and a 60s timeout rooted at
// workDir.
func DefaultConfig(workDir string) *Config {
	return &Config{
		WorkDir: workDir,
		Timeout: 60 * time.Second,
		AllowedBins: []string{
			"bash", "sh",
			"ls", "cat", "head", "tail", "grep", "awk", "sed",
			"find", "wc", "sort", "uniq", "cut", "tr", "diff",
			"cp", "mv", "mkdir", "touch", "chmod",
			"go", "python", "python3", "node", "npm",
			"git", "make",
			"pwd", "whoami", "date", "env", "echo", "printf",
			"curl", "wget",
			"tar", "gzip", "unzip",
		},
	}
}

// Shell runs commands in a child process group under a deadline.
type Shell struct {
	config *Config
	logger *zap.Logger
}

// NewShell creates the sandbox, ensuring the working directory exists.
func NewShell(config *Config, logger *zap.Logger) (*Shell, error) {
	if config == nil {
		return nil, errors.New("sandbox config is nil")
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if err := os.MkdirAll(config.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shell{
		config: config,
		logger: logger.With(zap.String("component", "sandbox")),
	}, nil
}

// ExecResult is one command's outcome.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Killed   bool
}

// Run executes `bash -c command` in the sandbox working directory.
func (s *Shell) Run(ctx context.Context, command, workDir string) (*ExecResult, error) {
	if workDir == "" {
		workDir = s.config.WorkDir
	} else if info, err := os.Stat(workDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("invalid work dir: %s", workDir)
	}

	execCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "bash", "-c", command)
	cmd.Dir = workDir
	cmd.Env = s.environment()
	// Child gets its own process group so a timeout kill takes the whole
	// pipeline with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if execCtx.Err() == context.DeadlineExceeded {
		result.Killed = true
		result.ExitCode = 124
		s.logger.Warn("Command killed by timeout",
			zap.String("command", command),
			zap.Duration("timeout", s.config.Timeout),
		)
		return result, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return result, fmt.Errorf("execute: %w", err)
		}
	}

	s.logger.Debug("Command finished",
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// Allowed reports whether a binary name passes the allowlist. An empty
// allowlist permits everything.
func (s *Shell) Allowed(bin string) bool {
	if len(s.config.AllowedBins) == 0 {
		return true
	}
	base := filepath.Base(bin)
	for _, allowed := range s.config.AllowedBins {
		if allowed == base {
			return true
		}
	}
	return false
}

// WorkDir returns the sandbox root.
func (s *Shell) WorkDir() string {
	return s.config.WorkDir
}

// environment builds a trimmed environment for child commands.
func (s *Shell) environment() []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}
	home, _ := os.UserHomeDir()
	if home == "" {
		home = s.config.WorkDir
	}
	return []string{
		"PATH=" + path,
		"HOME=" + home,
		"LANG=en_US.UTF-8",
		"USER=" + os.Getenv("USER"),
	}
}
