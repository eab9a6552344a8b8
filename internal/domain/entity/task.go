package entity

import "time"

// TaskStatus is the lifecycle state of an orchestrator task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// AgentRole selects the role-specific system prompt for a task worker.
type AgentRole string

const (
	RoleResearcher  AgentRole = "researcher"
	RoleBuilder     AgentRole = "builder"
	RoleTester      AgentRole = "tester"
	RoleReviewer    AgentRole = "reviewer"
	RoleCoordinator AgentRole = "coordinator"
	RoleImplementer AgentRole = "implementer"
	RoleSynthesizer AgentRole = "synthesizer"
	RoleCritic      AgentRole = "critic"
)

// Task is a node in the orchestrator's dependency DAG.
// Wave is computed at admission: 1 + max(wave of dependencies).
type Task struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Wave         int        `json:"wave"`
	AgentRole    AgentRole  `json:"agent_role"`
	Status       TaskStatus `json:"status"`
	Result       string     `json:"result,omitempty"`
	FailReason   string     `json:"fail_reason,omitempty"`
}

// SwarmMessage is one entry in a swarm's shared mailbox. Seq is dense and
// strictly increasing per swarm, starting at 1.
type SwarmMessage struct {
	SwarmID   string    `json:"swarm_id"`
	Seq       int64     `json:"seq"`
	FromAgent string    `json:"from_agent"`
	Message   string    `json:"message"`
	PostedAt  time.Time `json:"posted_at"`
}

// SwarmPattern selects the coordination topology for a swarm run.
type SwarmPattern string

const (
	PatternParallel   SwarmPattern = "parallel"
	PatternPipeline   SwarmPattern = "pipeline"
	PatternDebate     SwarmPattern = "debate"
	PatternReviewLoop SwarmPattern = "review_loop"
)
