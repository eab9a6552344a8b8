package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
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

// SwarmStatus is a swarm run's lifecycle state.
type SwarmStatus string

const (
	SwarmRunning   SwarmStatus = "running"
	SwarmCompleted SwarmStatus = "completed"
	SwarmFailed    SwarmStatus = "failed"
	SwarmCancelled SwarmStatus = "cancelled"
)

// SwarmConfig describes one swarm launch.
type SwarmConfig struct {
	Task      string
	Pattern   entity.SwarmPattern
	MaxAgents int           // workers before the synthesizer/critic (default 3)
	Timeout   time.Duration // whole-swarm deadline (default 5m)
	MaxRounds int           // review_loop rounds (default 3)
}

// SwarmSnapshot is a point-in-time copy of a swarm run.
type SwarmSnapshot struct {
	ID         string              `json:"id"`
	Task       string              `json:"task"`
	Pattern    entity.SwarmPattern `json:"pattern"`
	Status     SwarmStatus         `json:"status"`
	Workers    int                 `json:"workers"`
	Rounds     int                 `json:"rounds,omitempty"`
	Result     string              `json:"result,omitempty"`
	Error      string              `json:"error,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at,omitempty"`
}

type swarmRun struct {
	mu     sync.RWMutex
	snap   SwarmSnapshot
	cancel context.CancelFunc
}

// SwarmManager launches and tracks swarm runs. Worker coordination goes
// through the shared mailbox; the mailbox is cleared once a run is
// terminal.
type SwarmManager struct {
	runner  Runner
	mailbox *Mailbox
	bus     Publisher
	logger  *zap.Logger

	mu     sync.RWMutex
	swarms map[string]*swarmRun
}

// NewSwarmManager creates a swarm manager. bus may be nil.
func NewSwarmManager(runner Runner, mailbox *Mailbox, bus Publisher, logger *zap.Logger) *SwarmManager {
	if mailbox == nil {
		mailbox = NewMailbox()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SwarmManager{
		runner:  runner,
		mailbox: mailbox,
		bus:     bus,
		logger:  logger.With(zap.String("component", "swarm")),
		swarms:  make(map[string]*swarmRun),
	}
}

// Launch validates the config and starts the swarm in the background,
// returning its id immediately.
func (m *SwarmManager) Launch(sessionID string, cfg SwarmConfig) (string, error) {
	switch cfg.Pattern {
	case entity.PatternParallel, entity.PatternPipeline, entity.PatternDebate, entity.PatternReviewLoop:
	default:
		return "", apperrors.New(apperrors.KindInvalidArguments,
			fmt.Sprintf("unknown swarm pattern: %s", cfg.Pattern))
	}
	if strings.TrimSpace(cfg.Task) == "" {
		return "", apperrors.New(apperrors.KindInvalidArguments, "swarm task is empty")
	}
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 3
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	run := &swarmRun{
		snap: SwarmSnapshot{
			ID:        uuid.NewString(),
			Task:      cfg.Task,
			Pattern:   cfg.Pattern,
			Status:    SwarmRunning,
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
	}
	m.mu.Lock()
	m.swarms[run.snap.ID] = run
	m.mu.Unlock()

	m.publish(eventbus.TopicSwarmStarted, sessionID, map[string]any{
		"swarm_id": run.snap.ID,
		"pattern":  string(cfg.Pattern),
		"task":     cfg.Task,
	})
	m.logger.Info("Swarm launched",
		zap.String("swarm_id", run.snap.ID),
		zap.String("pattern", string(cfg.Pattern)),
	)

	safego.GoCtx(ctx, m.logger, "swarm-"+run.snap.ID, func(ctx context.Context) {
		defer cancel()
		result, err := m.runPattern(ctx, sessionID, run.snap.ID, cfg)
		m.finish(sessionID, run, result, err)
	})
	return run.snap.ID, nil
}

// Get returns a snapshot of one swarm.
func (m *SwarmManager) Get(swarmID string) (*SwarmSnapshot, bool) {
	m.mu.RLock()
	run, ok := m.swarms[swarmID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	run.mu.RLock()
	defer run.mu.RUnlock()
	snap := run.snap
	return &snap, true
}

// List returns snapshots of every known swarm, newest first.
func (m *SwarmManager) List() []SwarmSnapshot {
	m.mu.RLock()
	runs := make([]*swarmRun, 0, len(m.swarms))
	for _, run := range m.swarms {
		runs = append(runs, run)
	}
	m.mu.RUnlock()

	out := make([]SwarmSnapshot, 0, len(runs))
	for _, run := range runs {
		run.mu.RLock()
		out = append(out, run.snap)
		run.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Cancel aborts a running swarm. Returns false for unknown or already
// terminal swarms.
func (m *SwarmManager) Cancel(swarmID string) bool {
	m.mu.RLock()
	run, ok := m.swarms[swarmID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	run.mu.RLock()
	running := run.snap.Status == SwarmRunning
	run.mu.RUnlock()
	if !running {
		return false
	}
	run.cancel()
	return true
}

func (m *SwarmManager) finish(sessionID string, run *swarmRun, result string, err error) {
	run.mu.Lock()
	run.snap.FinishedAt = time.Now().UTC()
	switch {
	case err == nil:
		run.snap.Status = SwarmCompleted
		run.snap.Result = result
	case apperrors.IsCancelled(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		run.snap.Status = SwarmCancelled
		run.snap.Error = err.Error()
	default:
		run.snap.Status = SwarmFailed
		run.snap.Error = err.Error()
	}
	id := run.snap.ID
	status := run.snap.Status
	run.mu.Unlock()

	// Terminal state clears the mailbox.
	m.mailbox.Clear(id)

	topic := eventbus.TopicSwarmCompleted
	payload := map[string]any{"swarm_id": id}
	if status != SwarmCompleted {
		topic = eventbus.TopicSwarmFailed
		payload["reason"] = err.Error()
	}
	m.publish(topic, sessionID, payload)
	m.logger.Info("Swarm finished",
		zap.String("swarm_id", id),
		zap.String("status", string(status)),
	)
}

func (m *SwarmManager) runPattern(ctx context.Context, sessionID, swarmID string, cfg SwarmConfig) (string, error) {
	switch cfg.Pattern {
	case entity.PatternParallel:
		return m.runParallel(ctx, sessionID, swarmID, cfg)
	case entity.PatternPipeline:
		return m.runPipeline(ctx, sessionID, swarmID, cfg)
	case entity.PatternDebate:
		return m.runDebate(ctx, sessionID, swarmID, cfg)
	case entity.PatternReviewLoop:
		return m.runReviewLoop(ctx, sessionID, swarmID, cfg)
	default:
		return "", apperrors.New(apperrors.KindInvalidArguments, "unknown pattern")
	}
}

// parallelRoles is the role rotation for parallel and debate workers.
var parallelRoles = []entity.AgentRole{
	entity.RoleResearcher, entity.RoleImplementer, entity.RoleTester,
	entity.RoleReviewer, entity.RoleBuilder,
}

// runParallel runs every worker concurrently with no mid-execution
// mailbox reads, then a synthesizer merges the posted outputs.
func (m *SwarmManager) runParallel(ctx context.Context, sessionID, swarmID string, cfg SwarmConfig) (string, error) {
	type outcome struct {
		name string
		out  string
		err  error
	}
	outcomes := make([]outcome, cfg.MaxAgents)

	var wg sync.WaitGroup
	for i := 0; i < cfg.MaxAgents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			role := parallelRoles[i%len(parallelRoles)]
			name := fmt.Sprintf("%s-%d", role, i+1)
			out, err := m.runWorker(ctx, sessionID, swarmID, name, role, cfg.Task)
			outcomes[i] = outcome{name: name, out: out, err: err}
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, oc := range outcomes {
		if oc.err != nil {
			failures++
			continue
		}
		m.mailbox.Post(swarmID, oc.name, oc.out)
	}
	if failures == len(outcomes) {
		return "", apperrors.New(apperrors.KindInternal, "every parallel worker failed")
	}

	input := cfg.Task + "\n\n" + m.mailbox.BuildContext(swarmID)
	return m.runWorker(ctx, sessionID, swarmID, "synthesizer", entity.RoleSynthesizer, input)
}

// runPipeline runs workers strictly sequentially; worker N reads the
// mailbox for worker N-1's output.
func (m *SwarmManager) runPipeline(ctx context.Context, sessionID, swarmID string, cfg SwarmConfig) (string, error) {
	var last string
	for i := 0; i < cfg.MaxAgents; i++ {
		role := parallelRoles[i%len(parallelRoles)]
		name := fmt.Sprintf("%s-%d", role, i+1)

		input := cfg.Task
		if peer := m.mailbox.BuildContext(swarmID); peer != "" {
			input += "\n\n" + peer
		}
		out, err := m.runWorker(ctx, sessionID, swarmID, name, role, input)
		if err != nil {
			return "", fmt.Errorf("pipeline stage %d (%s): %w", i+1, name, err)
		}
		m.mailbox.Post(swarmID, name, out)
		last = out
	}
	return last, nil
}

// runDebate lets every worker propose in parallel, then a critic picks.
func (m *SwarmManager) runDebate(ctx context.Context, sessionID, swarmID string, cfg SwarmConfig) (string, error) {
	proposals := make([]string, cfg.MaxAgents)
	errs := make([]error, cfg.MaxAgents)

	var wg sync.WaitGroup
	for i := 0; i < cfg.MaxAgents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("proposer-%d", i+1)
			proposals[i], errs[i] = m.runWorker(ctx, sessionID, swarmID, name,
				entity.RoleImplementer, cfg.Task)
		}(i)
	}
	wg.Wait()

	posted := 0
	for i, p := range proposals {
		if errs[i] != nil {
			continue
		}
		m.mailbox.Post(swarmID, fmt.Sprintf("proposer-%d", i+1), p)
		posted++
	}
	if posted == 0 {
		return "", apperrors.New(apperrors.KindInternal, "no proposals to judge")
	}

	input := cfg.Task + "\n\n" + m.mailbox.BuildContext(swarmID)
	return m.runWorker(ctx, sessionID, swarmID, "critic", entity.RoleCritic, input)
}

// approvalMark is how the reviewer signals acceptance; the reviewer role
// prompt instructs it to lead with this token.
const approvalMark = "APPROVED"

// runReviewLoop alternates builder and reviewer up to MaxRounds, stopping
// early on approval. The last build is the result either way.
func (m *SwarmManager) runReviewLoop(ctx context.Context, sessionID, swarmID string, cfg SwarmConfig) (string, error) {
	var build string
	input := cfg.Task
	for round := 1; round <= cfg.MaxRounds; round++ {
		m.setRounds(swarmID, round)

		out, err := m.runWorker(ctx, sessionID, swarmID,
			fmt.Sprintf("builder-r%d", round), entity.RoleBuilder, input)
		if err != nil {
			return "", fmt.Errorf("build round %d: %w", round, err)
		}
		build = out
		m.mailbox.Post(swarmID, fmt.Sprintf("builder-r%d", round), out)

		review, err := m.runWorker(ctx, sessionID, swarmID,
			fmt.Sprintf("reviewer-r%d", round), entity.RoleReviewer,
			cfg.Task+"\n\n## Artifact\n"+build)
		if err != nil {
			return "", fmt.Errorf("review round %d: %w", round, err)
		}
		m.mailbox.Post(swarmID, fmt.Sprintf("reviewer-r%d", round), review)

		if strings.HasPrefix(strings.TrimSpace(review), approvalMark) {
			return build, nil
		}
		input = cfg.Task + "\n\n## Previous build\n" + build + "\n\n## Review feedback\n" + review
	}
	return build, nil
}

// runWorker runs one swarm worker, emitting its lifecycle events.
func (m *SwarmManager) runWorker(ctx context.Context, sessionID, swarmID, name string, role entity.AgentRole, input string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperrors.Wrap(apperrors.KindCancelled, "swarm cancelled", err)
	}
	m.addWorker(swarmID)
	m.publish(eventbus.TopicAgentStarted, sessionID, map[string]any{
		"swarm_id": swarmID,
		"worker":   name,
		"role":     string(role),
	})

	result, err := m.runner.RunAgent(ctx, role, PromptFor(role), input)
	if err != nil {
		m.publish(eventbus.TopicAgentFailed, sessionID, map[string]any{
			"swarm_id": swarmID,
			"worker":   name,
			"error":    err.Error(),
		})
		return "", err
	}

	m.publish(eventbus.TopicAgentProgress, sessionID, map[string]any{
		"swarm_id":    swarmID,
		"worker":      name,
		"tool_uses":   result.ToolUses,
		"tokens_used": result.TokensUsed,
	})
	m.publish(eventbus.TopicAgentCompleted, sessionID, map[string]any{
		"swarm_id": swarmID,
		"worker":   name,
	})
	return result.Output, nil
}

func (m *SwarmManager) setRounds(swarmID string, rounds int) {
	m.mu.RLock()
	run, ok := m.swarms[swarmID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	run.mu.Lock()
	run.snap.Rounds = rounds
	run.mu.Unlock()
}

func (m *SwarmManager) addWorker(swarmID string) {
	m.mu.RLock()
	run, ok := m.swarms[swarmID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	run.mu.Lock()
	run.snap.Workers++
	run.mu.Unlock()
}

func (m *SwarmManager) publish(topic, sessionID string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, eventbus.Event{SessionID: sessionID, Payload: payload})
}
