package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ProcessConfig describes one external sidecar process.
type ProcessConfig struct {
	Name    string            `json:"name" mapstructure:"name"`
	Command string            `json:"command" mapstructure:"command"`
	Args    []string          `json:"args" mapstructure:"args"`
	Env     map[string]string `json:"env" mapstructure:"env"`
	WorkDir string            `json:"work_dir" mapstructure:"work_dir"`
}

// ProcessSidecar is a child process spoken to over stdio JSON-RPC. Its
// capabilities come from the initialize handshake, not from config.
type ProcessSidecar struct {
	cfg     ProcessConfig
	conn    Transport
	process *os.Process

	mu        sync.RWMutex
	caps      []string
	requestID atomic.Int64
	logger    *zap.Logger
}

// StartProcess spawns the sidecar process and performs the initialize
// handshake. The returned sidecar is ready for Call.
func StartProcess(ctx context.Context, cfg ProcessConfig, logger *zap.Logger) (*ProcessSidecar, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("sidecar %s: empty command", cfg.Name)
	}

	s := &ProcessSidecar{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "sidecar"), zap.String("sidecar", cfg.Name)),
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = append(os.Environ(), "OSA_SIDECAR=1")
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = &stderrWriter{logger: s.logger}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	s.process = cmd.Process
	s.conn = NewStdioTransport(stdin, stdout)

	go func() {
		if err := cmd.Wait(); err != nil {
			s.logger.Warn("Sidecar process exited", zap.Error(err))
		}
	}()

	if err := s.initialize(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *ProcessSidecar) initialize(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := NewRequest(s.nextID(), MethodInitialize, &InitializeParams{})
	if err != nil {
		return fmt.Errorf("create init request: %w", err)
	}

	resp, err := s.conn.Send(initCtx, req)
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize error: %w", resp.Error)
	}

	var result InitializeResult
	if err := resp.ParseResult(&result); err != nil {
		return fmt.Errorf("parse init result: %w", err)
	}

	s.mu.Lock()
	s.caps = result.Capabilities
	s.mu.Unlock()

	s.logger.Info("Sidecar initialized",
		zap.String("version", result.Version),
		zap.Strings("capabilities", result.Capabilities),
	)
	return nil
}

func (s *ProcessSidecar) Name() string { return s.cfg.Name }

func (s *ProcessSidecar) Capabilities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.caps...)
}

// Call invokes a sidecar-defined method and returns the raw result.
func (s *ProcessSidecar) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req, err := NewRequest(s.nextID(), method, params)
	if err != nil {
		return nil, err
	}

	resp, err := s.conn.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// HealthCheck probes the sidecar. Any transport or RPC failure maps to
// unavailable; an unknown health string maps to degraded.
func (s *ProcessSidecar) HealthCheck(ctx context.Context) Health {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := s.Call(probeCtx, MethodHealthCheck, nil)
	if err != nil {
		return HealthUnavailable
	}

	var result HealthResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return HealthUnavailable
	}
	switch Health(result.Health) {
	case HealthStarting, HealthReady, HealthDegraded, HealthUnavailable:
		return Health(result.Health)
	default:
		return HealthDegraded
	}
}

// Close sends the shutdown notification, gives the process a grace period,
// then kills it.
func (s *ProcessSidecar) Close() error {
	if s.conn != nil {
		if req, err := NewNotification(MethodShutdown, nil); err == nil {
			if err := s.conn.SendNotification(req); err != nil {
				s.logger.Debug("Shutdown notification failed", zap.Error(err))
			}
		}
		time.Sleep(500 * time.Millisecond)
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("Transport close failed", zap.Error(err))
		}
	}
	if s.process != nil {
		if err := s.process.Kill(); err != nil {
			s.logger.Debug("Process kill failed", zap.Error(err))
		}
	}
	return nil
}

func (s *ProcessSidecar) nextID() int {
	return int(s.requestID.Add(1))
}

// stderrWriter forwards sidecar stderr lines into the log.
type stderrWriter struct {
	logger *zap.Logger
}

func (w *stderrWriter) Write(p []byte) (int, error) {
	if msg := strings.TrimSpace(string(p)); msg != "" {
		w.logger.Warn("sidecar stderr", zap.String("output", msg))
	}
	return len(p), nil
}
