package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/domain/entity"
	"github.com/miosa-osa/osa/internal/infrastructure/eventbus"
	apperrors "github.com/miosa-osa/osa/pkg/errors"
	"github.com/miosa-osa/osa/pkg/safego"
)

// FailUpstream is the fail reason for tasks that never ran because a
// dependency failed.
const FailUpstream = "upstream_failure"

// Orchestrator executes admitted task graphs wave by wave: every task in
// a wave runs concurrently, the next wave starts when the current one is
// fully terminal. Failed tasks poison their dependents; independent
// branches keep running.
type Orchestrator struct {
	runner      Runner
	spawner     *Spawner
	bus         Publisher
	logger      *zap.Logger
	maxParallel int

	mu   sync.RWMutex
	runs map[string]*Run
}

// OrchestratorConfig tunes an orchestrator.
type OrchestratorConfig struct {
	MaxParallel int // concurrent workers per run (default 4)
}

// NewOrchestrator creates an orchestrator. spawner and bus may be nil.
func NewOrchestrator(runner Runner, spawner *Spawner, bus Publisher, cfg OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		runner:      runner,
		spawner:     spawner,
		bus:         bus,
		logger:      logger.With(zap.String("component", "orchestrator")),
		maxParallel: cfg.MaxParallel,
		runs:        make(map[string]*Run),
	}
}

// Run is one multi-agent execution. Task state mutates as waves complete;
// Snapshot returns consistent copies for the progress endpoint.
type Run struct {
	ID         string
	SessionID  string
	StartedAt  time.Time
	FinishedAt time.Time

	mu     sync.RWMutex
	status entity.TaskStatus
	plan   *Plan
}

// RunSnapshot is a point-in-time copy of a run for callers.
type RunSnapshot struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	Status     entity.TaskStatus `json:"status"`
	Tasks      []entity.Task     `json:"tasks"`
	Waves      int               `json:"waves"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
}

// Report summarizes a finished run.
type Report struct {
	RunID      string
	Status     entity.TaskStatus
	Results    map[string]string
	Failed     map[string]string // task id -> reason
	DurationMs int64
}

// Execute admits and runs a task graph, blocking until terminal.
func (o *Orchestrator) Execute(ctx context.Context, sessionID string, tasks []*entity.Task) (*Report, error) {
	run, err := o.admit(sessionID, tasks)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, run)
}

// Start admits the graph synchronously (so cycles are rejected before the
// caller returns) and runs it in the background.
func (o *Orchestrator) Start(ctx context.Context, sessionID string, tasks []*entity.Task) (string, error) {
	run, err := o.admit(sessionID, tasks)
	if err != nil {
		return "", err
	}
	safego.GoCtx(ctx, o.logger, "orchestrator-run", func(ctx context.Context) {
		if _, err := o.execute(ctx, run); err != nil {
			o.logger.Warn("Background run finished with error",
				zap.String("run_id", run.ID),
				zap.Error(err),
			)
		}
	})
	return run.ID, nil
}

// Progress returns a snapshot of a run.
func (o *Orchestrator) Progress(runID string) (*RunSnapshot, bool) {
	o.mu.RLock()
	run, ok := o.runs[runID]
	o.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return run.snapshot(), true
}

func (o *Orchestrator) admit(sessionID string, tasks []*entity.Task) (*Run, error) {
	plan, err := PlanWaves(tasks)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		t.Status = entity.TaskPending
	}
	run := &Run{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StartedAt: time.Now().UTC(),
		status:    entity.TaskRunning,
		plan:      plan,
	}
	o.mu.Lock()
	o.runs[run.ID] = run
	o.mu.Unlock()
	return run, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *Run) (*Report, error) {
	start := time.Now()
	logger := o.logger.With(
		zap.String("run_id", run.ID),
		zap.String("session_id", run.SessionID),
	)
	logger.Info("Run started",
		zap.Int("tasks", run.plan.TaskCount()),
		zap.Int("waves", len(run.plan.Waves)),
	)

	sem := make(chan struct{}, o.maxParallel)
	for i, wave := range run.plan.Waves {
		if err := ctx.Err(); err != nil {
			run.finish(entity.TaskFailed)
			return nil, apperrors.Wrap(apperrors.KindCancelled, "run cancelled", err)
		}

		ids := make([]string, len(wave))
		for j, t := range wave {
			ids[j] = t.ID
		}
		o.publish(eventbus.TopicWaveStarted, run.SessionID, map[string]any{
			"run_id": run.ID,
			"wave":   i + 1,
			"tasks":  ids,
		})

		var wg sync.WaitGroup
		for _, task := range wave {
			if reason, poisoned := o.upstreamFailure(run, task); poisoned {
				run.setTaskStatus(task.ID, entity.TaskFailed, "", reason)
				o.publish(eventbus.TopicTaskCompleted, run.SessionID, map[string]any{
					"run_id":  run.ID,
					"task_id": task.ID,
					"status":  string(entity.TaskFailed),
					"reason":  reason,
				})
				logger.Info("Task poisoned by upstream failure", zap.String("task_id", task.ID))
				continue
			}

			wg.Add(1)
			go func(task *entity.Task) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					run.setTaskStatus(task.ID, entity.TaskFailed, "", "cancelled")
					return
				}
				o.runTask(ctx, run, task, logger)
			}(task)
		}
		wg.Wait()
	}

	report := run.report()
	report.DurationMs = time.Since(start).Milliseconds()
	run.finish(report.Status)
	logger.Info("Run finished",
		zap.String("status", string(report.Status)),
		zap.Int("failed", len(report.Failed)),
		zap.Int64("duration_ms", report.DurationMs),
	)
	return report, nil
}

// runTask spawns a worker for one task and records the outcome.
func (o *Orchestrator) runTask(ctx context.Context, run *Run, task *entity.Task, logger *zap.Logger) {
	run.setTaskStatus(task.ID, entity.TaskRunning, "", "")
	o.publish(eventbus.TopicTaskStarted, run.SessionID, map[string]any{
		"run_id":  run.ID,
		"task_id": task.ID,
		"wave":    task.Wave,
		"role":    string(task.AgentRole),
	})

	var workerID string
	if o.spawner != nil {
		if w, err := o.spawner.Spawn("", task.AgentRole); err == nil {
			workerID = w.ID
		}
	}
	o.publish(eventbus.TopicAgentStarted, run.SessionID, map[string]any{
		"run_id":    run.ID,
		"task_id":   task.ID,
		"worker_id": workerID,
		"role":      string(task.AgentRole),
	})

	input := o.taskInput(run, task)
	result, err := o.runner.RunAgent(ctx, task.AgentRole, PromptFor(task.AgentRole), input)

	if err != nil {
		run.setTaskStatus(task.ID, entity.TaskFailed, "", err.Error())
		if o.spawner != nil && workerID != "" {
			o.spawner.Finish(workerID, WorkerFailed)
		}
		o.publish(eventbus.TopicAgentFailed, run.SessionID, map[string]any{
			"run_id":  run.ID,
			"task_id": task.ID,
			"error":   err.Error(),
		})
		o.publish(eventbus.TopicTaskCompleted, run.SessionID, map[string]any{
			"run_id":  run.ID,
			"task_id": task.ID,
			"status":  string(entity.TaskFailed),
			"reason":  err.Error(),
		})
		logger.Warn("Task failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	run.setTaskStatus(task.ID, entity.TaskCompleted, result.Output, "")
	if o.spawner != nil && workerID != "" {
		o.spawner.Finish(workerID, WorkerCompleted)
	}
	o.publish(eventbus.TopicAgentProgress, run.SessionID, map[string]any{
		"run_id":      run.ID,
		"task_id":     task.ID,
		"tool_uses":   result.ToolUses,
		"tokens_used": result.TokensUsed,
	})
	o.publish(eventbus.TopicAgentCompleted, run.SessionID, map[string]any{
		"run_id":  run.ID,
		"task_id": task.ID,
	})
	o.publish(eventbus.TopicTaskCompleted, run.SessionID, map[string]any{
		"run_id":  run.ID,
		"task_id": task.ID,
		"status":  string(entity.TaskCompleted),
	})
}

// taskInput builds the worker input: the description plus each completed
// dependency's output.
func (o *Orchestrator) taskInput(run *Run, task *entity.Task) string {
	var sb strings.Builder
	sb.WriteString(task.Description)
	run.mu.RLock()
	defer run.mu.RUnlock()
	for _, dep := range task.Dependencies {
		d, ok := run.plan.ByID[dep]
		if !ok || d.Status != entity.TaskCompleted || d.Result == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n\n## Output of %s\n%s", dep, d.Result)
	}
	return sb.String()
}

// upstreamFailure reports whether any dependency of task failed.
func (o *Orchestrator) upstreamFailure(run *Run, task *entity.Task) (string, bool) {
	run.mu.RLock()
	defer run.mu.RUnlock()
	for _, dep := range task.Dependencies {
		if d, ok := run.plan.ByID[dep]; ok && d.Status == entity.TaskFailed {
			return FailUpstream, true
		}
	}
	return "", false
}

func (o *Orchestrator) publish(topic, sessionID string, payload map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(topic, eventbus.Event{SessionID: sessionID, Payload: payload})
}

func (r *Run) setTaskStatus(taskID string, status entity.TaskStatus, result, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.plan.ByID[taskID]
	if !ok {
		return
	}
	t.Status = status
	if result != "" {
		t.Result = result
	}
	t.FailReason = reason
}

func (r *Run) finish(status entity.TaskStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.FinishedAt = time.Now().UTC()
}

func (r *Run) snapshot() *RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tasks := make([]entity.Task, 0, len(r.plan.ByID))
	for _, wave := range r.plan.Waves {
		for _, t := range wave {
			tasks = append(tasks, *t)
		}
	}
	return &RunSnapshot{
		ID:         r.ID,
		SessionID:  r.SessionID,
		Status:     r.status,
		Tasks:      tasks,
		Waves:      len(r.plan.Waves),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

func (r *Run) report() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep := &Report{
		RunID:   r.ID,
		Status:  entity.TaskCompleted,
		Results: make(map[string]string),
		Failed:  make(map[string]string),
	}
	for id, t := range r.plan.ByID {
		switch t.Status {
		case entity.TaskCompleted:
			rep.Results[id] = t.Result
		case entity.TaskFailed:
			rep.Failed[id] = t.FailReason
			rep.Status = entity.TaskFailed
		default:
			rep.Failed[id] = "never ran"
			rep.Status = entity.TaskFailed
		}
	}
	return rep
}
