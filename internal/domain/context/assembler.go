package context

import (
	"strings"

	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/domain/entity"
	apperrors "github.com/miosa-osa/osa/pkg/errors"
)

// Tier shares of the post-critical budget.
const (
	highShare   = 0.40
	mediumShare = 0.30
)

// Input is everything the assembler may draw from, already ordered:
// Recent newest-last, Memories by descending relevance, LowItems by
// descending priority.
type Input struct {
	SystemPrompt string
	Identity     string
	ToolSchemas  string
	TaskState    string
	Recent       []entity.Message
	Memories     []string
	LowItems     []string
}

// Prompt is the assembled result.
type Prompt struct {
	Messages    []entity.Message
	TokenCount  int
	Budget      int
	Utilization float64
}

// Assembler builds the LLM prompt from four priority tiers within a hard
// token budget B = context_limit - reserved_response. Critical content is
// never truncated; the other tiers fill in order and unspent share cascades
// downward.
type Assembler struct {
	contextLimit     int
	reservedResponse int
	estimate         Estimator
	logger           *zap.Logger
}

// NewAssembler creates an assembler. estimate may be nil (heuristic used).
func NewAssembler(contextLimit, reservedResponse int, estimate Estimator, logger *zap.Logger) *Assembler {
	if contextLimit <= 0 {
		contextLimit = 128000
	}
	if reservedResponse <= 0 {
		reservedResponse = 4096
	}
	if estimate == nil {
		estimate = NewHeuristicEstimator()
	}
	return &Assembler{
		contextLimit:     contextLimit,
		reservedResponse: reservedResponse,
		estimate:         estimate,
		logger:           logger.With(zap.String("component", "assembler")),
	}
}

// Budget returns B, the hard token budget for assembled prompts.
func (a *Assembler) Budget() int {
	return a.contextLimit - a.reservedResponse
}

// Assemble builds the prompt. Returns a context_overflow error when the
// critical tier alone exceeds the budget.
func (a *Assembler) Assemble(in Input) (*Prompt, error) {
	budget := a.Budget()

	system := composeSystem(in.SystemPrompt, in.Identity, in.ToolSchemas)
	critical := a.estimate.Count(system)
	if critical > budget {
		return nil, apperrors.New(apperrors.KindContextOverflow,
			"critical context exceeds token budget")
	}

	remainder := budget - critical
	spent := critical

	// High tier: active task state, then recent messages newest-first.
	highBudget := int(highShare * float64(remainder))
	var taskState string
	if in.TaskState != "" {
		if cost := a.estimate.Count(in.TaskState); cost <= highBudget {
			taskState = in.TaskState
			highBudget -= cost
			spent += cost
		}
	}
	var history []entity.Message
	for i := len(in.Recent) - 1; i >= 0; i-- {
		msg := in.Recent[i]
		cost := msg.TokenCount
		if cost == 0 {
			cost = a.estimate.Count(msg.Content)
		}
		if cost > highBudget {
			break
		}
		highBudget -= cost
		spent += cost
		history = append(history, msg)
	}
	// Restore chronological order.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}

	// Medium tier: relevance-scored memories; unspent high share cascades.
	mediumBudget := int(mediumShare*float64(remainder)) + highBudget
	var memories []string
	for _, mem := range in.Memories {
		cost := a.estimate.Count(mem)
		if cost > mediumBudget {
			break
		}
		mediumBudget -= cost
		spent += cost
		memories = append(memories, mem)
	}

	// Low tier: whatever budget is left.
	lowBudget := budget - spent
	var lowItems []string
	for _, item := range in.LowItems {
		cost := a.estimate.Count(item)
		if cost > lowBudget {
			break
		}
		lowBudget -= cost
		spent += cost
		lowItems = append(lowItems, item)
	}

	messages := make([]entity.Message, 0, len(history)+3)
	messages = append(messages, entity.Message{Role: entity.RoleSystem, Content: system})
	if taskState != "" {
		messages = append(messages, entity.Message{
			Role:    entity.RoleSystem,
			Content: "Active task state:\n" + taskState,
		})
	}
	if len(memories) > 0 {
		messages = append(messages, entity.Message{
			Role:    entity.RoleSystem,
			Content: "Relevant memories:\n- " + strings.Join(memories, "\n- "),
		})
	}
	if len(lowItems) > 0 {
		messages = append(messages, entity.Message{
			Role:    entity.RoleSystem,
			Content: "Context:\n" + strings.Join(lowItems, "\n"),
		})
	}
	messages = append(messages, history...)

	p := &Prompt{
		Messages:    messages,
		TokenCount:  spent,
		Budget:      budget,
		Utilization: float64(spent) / float64(budget),
	}
	a.logger.Debug("Context assembled",
		zap.Int("tokens", p.TokenCount),
		zap.Int("budget", p.Budget),
		zap.Float64("utilization", p.Utilization),
		zap.Int("history", len(history)),
		zap.Int("memories", len(memories)),
	)
	return p, nil
}

func composeSystem(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty = append(nonEmpty, strings.TrimSpace(p))
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}
