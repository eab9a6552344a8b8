package agent

import (
	"fmt"
	"sort"

	"github.com/miosa-osa/osa/internal/domain/entity"
	apperrors "github.com/miosa-osa/osa/pkg/errors"
)

// Plan is an admitted task graph grouped into executable waves. Tasks in
// one wave have no mutual dependencies and may run concurrently.
type Plan struct {
	Waves [][]*entity.Task
	ByID  map[string]*entity.Task
}

// TaskCount returns the number of admitted tasks.
func (p *Plan) TaskCount() int {
	return len(p.ByID)
}

// PlanWaves admits a task list into waves using Kahn's algorithm:
// wave(t) = 1 + max(wave(d) for d in dependencies(t)). Duplicate ids,
// references to missing tasks, and cycles are rejected at admission.
func PlanWaves(tasks []*entity.Task) (*Plan, error) {
	if len(tasks) == 0 {
		return nil, apperrors.New(apperrors.KindInvalidArguments, "no tasks to plan")
	}

	byID := make(map[string]*entity.Task, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return nil, apperrors.New(apperrors.KindInvalidArguments, "task without id")
		}
		if _, dup := byID[t.ID]; dup {
			return nil, apperrors.New(apperrors.KindInvalidArguments,
				fmt.Sprintf("duplicate task id: %s", t.ID))
		}
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, apperrors.New(apperrors.KindInvalidArguments,
					fmt.Sprintf("task %s depends on unknown task %s", t.ID, dep))
			}
			if dep == t.ID {
				return nil, apperrors.New(apperrors.KindInvalidArguments,
					fmt.Sprintf("task %s depends on itself", t.ID))
			}
		}
	}

	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		inDegree[t.ID] = len(t.Dependencies)
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var queue []string
	for _, t := range tasks {
		if inDegree[t.ID] == 0 {
			t.Wave = 1
			queue = append(queue, t.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			if w := byID[id].Wave + 1; w > byID[next].Wave {
				byID[next].Wave = w
			}
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(tasks) {
		return nil, apperrors.New(apperrors.KindInvalidArguments,
			fmt.Sprintf("task graph contains a cycle (%d of %d tasks reachable)", visited, len(tasks)))
	}

	maxWave := 0
	for _, t := range tasks {
		if t.Wave > maxWave {
			maxWave = t.Wave
		}
	}
	waves := make([][]*entity.Task, maxWave)
	for _, t := range tasks {
		waves[t.Wave-1] = append(waves[t.Wave-1], t)
	}
	// Deterministic ordering inside a wave keeps progress output stable.
	for _, wave := range waves {
		sort.Slice(wave, func(i, j int) bool { return wave[i].ID < wave[j].ID })
	}

	return &Plan{Waves: waves, ByID: byID}, nil
}

// Decompose expands a complex task into a role DAG by strategy. "fast"
// skips research and testing, "research" produces analysis without code,
// anything else gets the full research/implement/test/review pipeline.
func Decompose(task, strategy string) []*entity.Task {
	switch strategy {
	case "fast":
		return []*entity.Task{
			{ID: "implement", Description: task, AgentRole: entity.RoleImplementer},
			{ID: "review", Description: "Review the implementation of: " + task,
				Dependencies: []string{"implement"}, AgentRole: entity.RoleReviewer},
		}
	case "research":
		return []*entity.Task{
			{ID: "research", Description: "Research background for: " + task, AgentRole: entity.RoleResearcher},
			{ID: "synthesize", Description: "Synthesize the findings for: " + task,
				Dependencies: []string{"research"}, AgentRole: entity.RoleSynthesizer},
		}
	default:
		return []*entity.Task{
			{ID: "research", Description: "Research background for: " + task, AgentRole: entity.RoleResearcher},
			{ID: "implement", Description: task,
				Dependencies: []string{"research"}, AgentRole: entity.RoleImplementer},
			{ID: "test", Description: "Verify the implementation of: " + task,
				Dependencies: []string{"implement"}, AgentRole: entity.RoleTester},
			{ID: "review", Description: "Review the implementation of: " + task,
				Dependencies: []string{"implement"}, AgentRole: entity.RoleReviewer},
		}
	}
}
