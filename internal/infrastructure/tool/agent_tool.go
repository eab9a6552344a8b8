package tool

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/domain/agent"
	"github.com/miosa-osa/osa/internal/domain/entity"
	apperrors "github.com/miosa-osa/osa/pkg/errors"
)

// SpawnAgentTool lets the model delegate a sub-task to a nested worker
// agent. The spawner enforces the nesting depth cap.
type SpawnAgentTool struct {
	runner  agent.Runner
	spawner *agent.Spawner
	logger  *zap.Logger
}

// NewSpawnAgentTool creates the spawn_agent builtin.
func NewSpawnAgentTool(runner agent.Runner, spawner *agent.Spawner, logger *zap.Logger) *SpawnAgentTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpawnAgentTool{runner: runner, spawner: spawner, logger: logger}
}

func (t *SpawnAgentTool) Name() string { return "spawn_agent" }

func (t *SpawnAgentTool) Description() string {
	return "Delegate a self-contained sub-task to a specialist worker agent and return its result. Use for work that benefits from a focused role."
}

func (t *SpawnAgentTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "The sub-task, stated completely",
			},
			"role": map[string]any{
				"type": "string",
				"enum": []any{
					"researcher", "builder", "tester", "reviewer",
					"coordinator", "implementer", "synthesizer",
				},
				"description": "Worker role (default implementer)",
			},
			"parent_worker_id": map[string]any{
				"type":        "string",
				"description": "Set when a worker spawns further workers",
			},
		},
		"required":             []any{"task"},
		"additionalProperties": false,
	}
}

func (t *SpawnAgentTool) Capabilities() []string { return nil }

func (t *SpawnAgentTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	task, _ := args["task"].(string)
	if strings.TrimSpace(task) == "" {
		return "", apperrors.New(apperrors.KindInvalidArguments, "task is empty")
	}
	role := entity.RoleImplementer
	if raw, ok := args["role"].(string); ok && raw != "" {
		role = entity.AgentRole(raw)
	}
	parentID, _ := args["parent_worker_id"].(string)

	worker, err := t.spawner.Spawn(parentID, role)
	if err != nil {
		return "", err
	}
	t.logger.Info("Sub-agent spawned",
		zap.String("worker_id", worker.ID),
		zap.String("role", string(role)),
	)

	result, err := t.runner.RunAgent(ctx, role, agent.PromptFor(role), task)
	if err != nil {
		t.spawner.Finish(worker.ID, agent.WorkerFailed)
		return "", err
	}
	t.spawner.Finish(worker.ID, agent.WorkerCompleted)
	return result.Output, nil
}
