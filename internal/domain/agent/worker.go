package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/domain/entity"
	"github.com/miosa-osa/osa/internal/infrastructure/eventbus"
	apperrors "github.com/miosa-osa/osa/pkg/errors"
)

// Publisher is the bus surface the orchestrator layer needs.
type Publisher interface {
	Publish(topic string, evt eventbus.Event)
}

// WorkerResult is what one worker agent produced.
type WorkerResult struct {
	Output     string
	ToolUses   int
	TokensUsed int
}

// Runner executes one worker agent to completion. The application wires
// the agent loop behind this seam; tests script it.
type Runner interface {
	RunAgent(ctx context.Context, role entity.AgentRole, systemPrompt, input string) (*WorkerResult, error)
}

// rolePrompts are the role-specific system prompts injected into workers.
var rolePrompts = map[entity.AgentRole]string{
	entity.RoleResearcher:  "You are a research agent. Gather the facts the task needs and report findings as a structured list. Do not propose implementations.",
	entity.RoleBuilder:     "You are a builder agent. Produce the requested artifact completely. Output only the artifact and a one-line summary.",
	entity.RoleTester:      "You are a testing agent. Exercise the given artifact, report defects with reproduction steps, and state what you could not verify.",
	entity.RoleReviewer:    "You are a review agent. Evaluate the given artifact against the task. Start your reply with APPROVED or REVISE, then list concrete findings.",
	entity.RoleCoordinator: "You are a coordination agent. Break the task into ordered sub-goals and assign each a role. Keep the plan short.",
	entity.RoleImplementer: "You are an implementation agent. Apply the plan you are given exactly and report what changed.",
	entity.RoleSynthesizer: "You are a synthesis agent. Merge the peer outputs you are given into one coherent answer. Resolve conflicts explicitly.",
	entity.RoleCritic:      "You are a critic agent. Compare the competing proposals you are given, pick the strongest, and justify the choice briefly.",
}

// PromptFor returns the system prompt for a role, defaulting to the
// implementer prompt for unknown roles.
func PromptFor(role entity.AgentRole) string {
	if p, ok := rolePrompts[role]; ok {
		return p
	}
	return rolePrompts[entity.RoleImplementer]
}

// WorkerStatus is the lifecycle state of a spawned worker.
type WorkerStatus string

const (
	WorkerRunning    WorkerStatus = "running"
	WorkerCompleted  WorkerStatus = "completed"
	WorkerFailed     WorkerStatus = "failed"
	WorkerTerminated WorkerStatus = "terminated"
)

// Worker is a live or finished worker agent registration.
type Worker struct {
	ID        string
	ParentID  string
	Role      entity.AgentRole
	Depth     int
	Status    WorkerStatus
	StartedAt time.Time
}

// Spawner tracks worker agents and caps nesting depth so a worker that
// launches further agents cannot recurse without bound.
type Spawner struct {
	mu       sync.RWMutex
	workers  map[string]*Worker
	children map[string][]string
	maxDepth int
	logger   *zap.Logger
}

// NewSpawner creates a worker registry. maxDepth <= 0 defaults to 3.
func NewSpawner(maxDepth int, logger *zap.Logger) *Spawner {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Spawner{
		workers:  make(map[string]*Worker),
		children: make(map[string][]string),
		maxDepth: maxDepth,
		logger:   logger.With(zap.String("component", "agent-spawner")),
	}
}

// Spawn registers a worker under parentID ("" for top level). Nesting past
// the depth cap is rejected.
func (s *Spawner) Spawn(parentID string, role entity.AgentRole) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	depth := 1
	if parentID != "" {
		parent, ok := s.workers[parentID]
		if !ok {
			return nil, apperrors.New(apperrors.KindNotFound,
				fmt.Sprintf("parent worker %s not registered", parentID))
		}
		depth = parent.Depth + 1
		if depth > s.maxDepth {
			return nil, apperrors.New(apperrors.KindInvalidArguments,
				fmt.Sprintf("spawn depth %d exceeds limit %d", depth, s.maxDepth))
		}
	}

	w := &Worker{
		ID:        uuid.NewString(),
		ParentID:  parentID,
		Role:      role,
		Depth:     depth,
		Status:    WorkerRunning,
		StartedAt: time.Now().UTC(),
	}
	s.workers[w.ID] = w
	if parentID != "" {
		s.children[parentID] = append(s.children[parentID], w.ID)
	}

	s.logger.Debug("Worker spawned",
		zap.String("worker_id", w.ID),
		zap.String("role", string(role)),
		zap.Int("depth", depth),
	)
	return w, nil
}

// Finish records a worker's terminal status.
func (s *Spawner) Finish(workerID string, status WorkerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[workerID]; ok {
		w.Status = status
	}
}

// Get returns a copy of the worker record.
func (s *Spawner) Get(workerID string) (Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[workerID]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// Terminate marks a worker and all its descendants terminated.
func (s *Spawner) Terminate(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminateLocked(workerID)
}

func (s *Spawner) terminateLocked(workerID string) {
	w, ok := s.workers[workerID]
	if !ok {
		return
	}
	if w.Status == WorkerRunning {
		w.Status = WorkerTerminated
	}
	for _, child := range s.children[workerID] {
		s.terminateLocked(child)
	}
}

// Active returns the number of workers still running.
func (s *Spawner) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, w := range s.workers {
		if w.Status == WorkerRunning {
			n++
		}
	}
	return n
}
