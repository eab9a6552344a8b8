package context

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/domain/entity"
	"github.com/miosa-osa/osa/internal/domain/memory"
)

// Zone sizes by message recency.
const (
	hotZoneSize  = 10
	warmZoneEnd  = 30
	summaryGroup = 5
)

// PressureState classifies session utilization against the thresholds.
type PressureState string

const (
	StateBreakpoint PressureState = "breakpoint"
	StateWarning    PressureState = "warning"
	StateNeeded     PressureState = "needed"
	StateCritical   PressureState = "critical"
)

// Thresholds are the compaction trigger ratios.
type Thresholds struct {
	Warn       float64 // merge adjacent same-role in warm
	Aggressive float64 // summarize warm groups, strip cold tool args
	Emergency  float64 // compress cold to bullets, emergency truncate
}

// DefaultThresholds returns 0.80 / 0.90 / 0.95.
func DefaultThresholds() Thresholds {
	return Thresholds{Warn: 0.80, Aggressive: 0.90, Emergency: 0.95}
}

// breakpointRatio is fixed: below it the compactor is a no-op, at or above
// it the caller should emit a pressure event.
const breakpointRatio = 0.50

// Summarizer condenses a run of messages. LLM-backed in production; failure
// falls back to keyword extraction.
type Summarizer interface {
	Summarize(ctx context.Context, messages []entity.Message) (string, error)
}

// Compactor applies three-zone progressive compression to a session's
// working message copy. The session store is never touched.
type Compactor struct {
	thresholds Thresholds
	summarizer Summarizer
	estimate   Estimator
	logger     *zap.Logger
}

// NewCompactor creates a compactor. summarizer may be nil (keyword fallback
// only); estimate may be nil (heuristic used).
func NewCompactor(thresholds Thresholds, summarizer Summarizer, estimate Estimator, logger *zap.Logger) *Compactor {
	if thresholds.Warn <= 0 {
		thresholds = DefaultThresholds()
	}
	if estimate == nil {
		estimate = NewHeuristicEstimator()
	}
	return &Compactor{
		thresholds: thresholds,
		summarizer: summarizer,
		estimate:   estimate,
		logger:     logger.With(zap.String("component", "compactor")),
	}
}

// StateFor maps utilization to a pressure state, or "" below the breakpoint.
func (c *Compactor) StateFor(utilization float64) PressureState {
	switch {
	case utilization >= c.thresholds.Emergency:
		return StateCritical
	case utilization >= c.thresholds.Aggressive:
		return StateNeeded
	case utilization >= c.thresholds.Warn:
		return StateWarning
	case utilization >= breakpointRatio:
		return StateBreakpoint
	}
	return ""
}

// Compact compresses messages according to the utilization level and
// returns the new working copy. budget is B; utilization is usage/B.
func (c *Compactor) Compact(ctx context.Context, messages []entity.Message, utilization float64, budget int) []entity.Message {
	state := c.StateFor(utilization)
	if state == "" || state == StateBreakpoint {
		return messages
	}

	hot, warm, cold := splitZones(messages)

	switch state {
	case StateWarning:
		warm = mergeAdjacentSameRole(warm, c.estimate)
	case StateNeeded:
		warm = mergeAdjacentSameRole(warm, c.estimate)
		warm = c.summarizeGroups(ctx, warm)
		cold = stripToolArgBodies(cold)
	case StateCritical:
		warm = mergeAdjacentSameRole(warm, c.estimate)
		warm = c.summarizeGroups(ctx, warm)
		cold = c.compressToBullets(cold)
	}

	out := make([]entity.Message, 0, len(cold)+len(warm)+len(hot))
	out = append(out, cold...)
	out = append(out, warm...)
	out = append(out, hot...)

	if state == StateCritical {
		out = c.emergencyTruncate(out, budget)
	}

	c.logger.Info("Session compacted",
		zap.String("state", string(state)),
		zap.Int("before", len(messages)),
		zap.Int("after", len(out)),
	)
	return out
}

// splitZones partitions by recency: hot is the last 10, warm the 20 before
// that, cold everything older.
func splitZones(messages []entity.Message) (hot, warm, cold []entity.Message) {
	n := len(messages)
	hotStart := n - hotZoneSize
	if hotStart < 0 {
		hotStart = 0
	}
	warmStart := n - warmZoneEnd
	if warmStart < 0 {
		warmStart = 0
	}
	return messages[hotStart:], messages[warmStart:hotStart], messages[:warmStart]
}

// Importance scores a message for retention. Tool activity raises it, pure
// acknowledgments lower it.
func Importance(m entity.Message) float64 {
	score := 0.5
	if len(m.ToolCalls) > 0 || m.IsToolResult() {
		score += 0.5
	}
	if isAcknowledgment(m) {
		score -= 0.5
	}
	if strings.Contains(m.Content, "```") {
		score += 0.15
	}
	lower := strings.ToLower(m.Content)
	if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
		score += 0.1
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

var ackPhrases = map[string]bool{
	"ok": true, "okay": true, "sure": true, "thanks": true, "thank you": true,
	"got it": true, "sounds good": true, "done": true, "yes": true, "no": true,
	"great": true, "nice": true, "cool": true,
}

func isAcknowledgment(m entity.Message) bool {
	if len(m.ToolCalls) > 0 {
		return false
	}
	content := strings.ToLower(strings.TrimSpace(strings.TrimRight(m.Content, ".!")))
	return ackPhrases[content]
}

// mergeAdjacentSameRole coalesces runs of same-role messages. Tool messages
// keep their identity (tool_call_id correlation must survive).
func mergeAdjacentSameRole(zone []entity.Message, estimate Estimator) []entity.Message {
	if len(zone) < 2 {
		return zone
	}
	out := make([]entity.Message, 0, len(zone))
	for _, m := range zone {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.Role == m.Role && m.Role != entity.RoleTool &&
				len(last.ToolCalls) == 0 && len(m.ToolCalls) == 0 {
				last.Content = last.Content + "\n" + m.Content
				last.TokenCount = estimate.Count(last.Content)
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// summarizeGroups replaces each run of 5 warm messages with one summary
// message. A failing summarizer degrades to keyword extraction.
func (c *Compactor) summarizeGroups(ctx context.Context, warm []entity.Message) []entity.Message {
	if len(warm) < summaryGroup {
		return warm
	}
	out := make([]entity.Message, 0, len(warm)/summaryGroup+summaryGroup)
	for start := 0; start < len(warm); start += summaryGroup {
		end := start + summaryGroup
		if end > len(warm) {
			// Tail shorter than a full group stays as-is.
			out = append(out, warm[start:]...)
			break
		}
		group := warm[start:end]
		summary := c.summarize(ctx, group)
		msg := entity.Message{
			Role:       entity.RoleSystem,
			Content:    "[compacted history] " + summary,
			Timestamp:  group[len(group)-1].Timestamp,
			TokenCount: c.estimate.Count(summary),
		}
		out = append(out, msg)
	}
	return out
}

func (c *Compactor) summarize(ctx context.Context, group []entity.Message) string {
	if c.summarizer != nil {
		if s, err := c.summarizer.Summarize(ctx, group); err == nil && s != "" {
			return s
		} else if err != nil {
			c.logger.Warn("Summarizer failed, extracting keywords", zap.Error(err))
		}
	}
	return keywordSummary(group)
}

// keywordSummary is the degraded path: the distinct keywords of the group.
func keywordSummary(group []entity.Message) string {
	var b strings.Builder
	for _, m := range group {
		b.WriteString(m.Content)
		b.WriteString(" ")
	}
	keywords := memory.ExtractKeywords(b.String())
	if len(keywords) > 25 {
		keywords = keywords[:25]
	}
	return fmt.Sprintf("%d messages touching: %s", len(group), strings.Join(keywords, ", "))
}

// stripToolArgBodies drops tool call argument bodies from cold messages.
func stripToolArgBodies(cold []entity.Message) []entity.Message {
	out := make([]entity.Message, len(cold))
	copy(out, cold)
	for i := range out {
		if len(out[i].ToolCalls) == 0 {
			continue
		}
		calls := make([]entity.ToolCall, len(out[i].ToolCalls))
		copy(calls, out[i].ToolCalls)
		for j := range calls {
			calls[j].Arguments = nil
		}
		out[i].ToolCalls = calls
	}
	return out
}

// compressToBullets collapses the whole cold zone into one key-fact
// message, keeping the highest-importance content first.
func (c *Compactor) compressToBullets(cold []entity.Message) []entity.Message {
	if len(cold) == 0 {
		return cold
	}
	ranked := make([]entity.Message, len(cold))
	copy(ranked, cold)
	sort.SliceStable(ranked, func(i, j int) bool {
		return Importance(ranked[i]) > Importance(ranked[j])
	})
	if len(ranked) > 10 {
		ranked = ranked[:10]
	}

	var bullets []string
	for _, m := range ranked {
		line := strings.TrimSpace(m.Content)
		if line == "" {
			continue
		}
		if runes := []rune(line); len(runes) > 120 {
			line = string(runes[:120]) + "..."
		}
		bullets = append(bullets, "- "+line)
	}
	content := "[compacted history] Key facts from earlier conversation:\n" + strings.Join(bullets, "\n")
	return []entity.Message{{
		Role:       entity.RoleSystem,
		Content:    content,
		Timestamp:  cold[len(cold)-1].Timestamp,
		TokenCount: c.estimate.Count(content),
	}}
}

// emergencyTruncate drops the lowest-importance non-hot messages until the
// total fits under the aggressive threshold.
func (c *Compactor) emergencyTruncate(messages []entity.Message, budget int) []entity.Message {
	target := int(c.thresholds.Aggressive * float64(budget))
	total := 0
	for i := range messages {
		if messages[i].TokenCount == 0 {
			messages[i].TokenCount = c.estimate.Count(messages[i].Content)
		}
		total += messages[i].TokenCount
	}
	if total <= target {
		return messages
	}

	hotStart := len(messages) - hotZoneSize
	if hotStart < 0 {
		hotStart = 0
	}

	type candidate struct {
		idx        int
		importance float64
	}
	candidates := make([]candidate, 0, hotStart)
	for i := 0; i < hotStart; i++ {
		candidates = append(candidates, candidate{idx: i, importance: Importance(messages[i])})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].importance < candidates[j].importance
	})

	drop := make(map[int]bool)
	for _, cand := range candidates {
		if total <= target {
			break
		}
		drop[cand.idx] = true
		total -= messages[cand.idx].TokenCount
	}

	out := make([]entity.Message, 0, len(messages)-len(drop))
	for i, m := range messages {
		if !drop[i] {
			out = append(out, m)
		}
	}
	return out
}
