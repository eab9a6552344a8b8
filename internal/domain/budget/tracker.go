package budget

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/infrastructure/eventbus"
)

// Caps are the configured spend limits in USD. A zero cap disables that
// limit.
type Caps struct {
	PerCallUSD float64
	DailyUSD   float64
	MonthlyUSD float64
}

// DailyEntry is one metrics line, appended per LLM call.
type DailyEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	CostUSD   float64   `json:"cost_usd"`
}

// ToolStat aggregates one tool's usage for the summary file.
type ToolStat struct {
	Calls           int64 `json:"calls"`
	Failures        int64 `json:"failures"`
	TotalDurationMs int64 `json:"total_duration_ms"`
}

// Summary is the rolling state written to metrics/summary.json.
type Summary struct {
	UpdatedAt  time.Time           `json:"updated_at"`
	DailyUSD   float64             `json:"daily_usd"`
	MonthlyUSD float64             `json:"monthly_usd"`
	DailyCalls int64               `json:"daily_calls"`
	Tools      map[string]ToolStat `json:"tools"`
}

// Sink persists metrics. Write failures are logged, never fatal; the
// counters stay authoritative in memory.
type Sink interface {
	AppendDaily(entry DailyEntry) error
	WriteSummary(s Summary) error
}

// Publisher is the bus surface the tracker needs.
type Publisher interface {
	Publish(topic string, evt eventbus.Event)
}

// Tracker does per-call, daily, and monthly cost accounting. The hot
// counters are atomic micro-dollar integers; the mutex only guards
// period rollover and the per-tool map.
type Tracker struct {
	caps   Caps
	bus    Publisher
	sink   Sink
	logger *zap.Logger
	now    func() time.Time

	dailyMicro   atomic.Int64
	monthlyMicro atomic.Int64
	dailyCalls   atomic.Int64

	mu       sync.Mutex
	dayKey   string // "2006-01-02"
	monthKey string // "2006-01"
	tools    map[string]*ToolStat
}

// NewTracker creates a tracker. bus and sink may be nil.
func NewTracker(caps Caps, bus Publisher, sink Sink, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		caps:   caps,
		bus:    bus,
		sink:   sink,
		logger: logger.With(zap.String("component", "budget")),
		now:    time.Now,
		tools:  make(map[string]*ToolStat),
	}
	now := t.now()
	t.dayKey = now.Format("2006-01-02")
	t.monthKey = now.Format("2006-01")
	return t
}

// SetClock overrides the time source. Used by tests to exercise rollover.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

const microPerUSD = 1_000_000

func toMicro(usd float64) int64 { return int64(usd*microPerUSD + 0.5) }

func fromMicro(m int64) float64 { return float64(m) / microPerUSD }

// rollover resets the daily and monthly counters when the period changed
// since the last call.
func (t *Tracker) rollover(now time.Time) {
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	t.mu.Lock()
	defer t.mu.Unlock()
	if day != t.dayKey {
		t.dayKey = day
		t.dailyMicro.Store(0)
		t.dailyCalls.Store(0)
		for name := range t.tools {
			delete(t.tools, name)
		}
	}
	if month != t.monthKey {
		t.monthKey = month
		t.monthlyMicro.Store(0)
	}
}

// RecordCall accounts one LLM call and emits budget telemetry. A call
// over the per-call limit is recorded anyway and flagged; blocking happens
// at the next spend_guard check via Exceeded.
func (t *Tracker) RecordCall(provider, model string, tokensIn, tokensOut int, costUSD float64) {
	now := t.now()
	t.rollover(now)

	micro := toMicro(costUSD)
	daily := t.dailyMicro.Add(micro)
	monthly := t.monthlyMicro.Add(micro)
	t.dailyCalls.Add(1)

	overPerCall := t.caps.PerCallUSD > 0 && costUSD > t.caps.PerCallUSD
	if overPerCall {
		t.logger.Warn("Call exceeded per-call cost limit",
			zap.String("provider", provider),
			zap.String("model", model),
			zap.Float64("cost_usd", costUSD),
			zap.Float64("limit_usd", t.caps.PerCallUSD),
		)
	}

	if t.sink != nil {
		err := t.sink.AppendDaily(DailyEntry{
			Timestamp: now,
			Provider:  provider,
			Model:     model,
			TokensIn:  tokensIn,
			TokensOut: tokensOut,
			CostUSD:   costUSD,
		})
		if err != nil {
			t.logger.Warn("Metrics append failed", zap.Error(err))
		}
	}

	if t.bus != nil {
		t.bus.Publish(eventbus.TopicBudgetRecorded, eventbus.Event{
			Payload: map[string]any{
				"provider":      provider,
				"model":         model,
				"tokens_in":     tokensIn,
				"tokens_out":    tokensOut,
				"cost_usd":      costUSD,
				"daily_usd":     fromMicro(daily),
				"monthly_usd":   fromMicro(monthly),
				"over_per_call": overPerCall,
			},
		})
	}
}

// RecordToolUse aggregates one tool invocation for the summary file.
func (t *Tracker) RecordToolUse(tool string, durationMs int64, success bool) {
	t.rollover(t.now())

	t.mu.Lock()
	st, ok := t.tools[tool]
	if !ok {
		st = &ToolStat{}
		t.tools[tool] = st
	}
	st.Calls++
	if !success {
		st.Failures++
	}
	st.TotalDurationMs += durationMs
	t.mu.Unlock()
}

// Exceeded reports whether a spend cap is blown, naming the cap. It
// satisfies the spend_guard hook dependency.
func (t *Tracker) Exceeded() (bool, string) {
	t.rollover(t.now())

	if t.caps.DailyUSD > 0 && fromMicro(t.dailyMicro.Load()) >= t.caps.DailyUSD {
		return true, "daily_budget_usd"
	}
	if t.caps.MonthlyUSD > 0 && fromMicro(t.monthlyMicro.Load()) >= t.caps.MonthlyUSD {
		return true, "monthly_budget_usd"
	}
	return false, ""
}

// Snapshot returns the current totals.
func (t *Tracker) Snapshot() Summary {
	t.rollover(t.now())

	t.mu.Lock()
	tools := make(map[string]ToolStat, len(t.tools))
	for name, st := range t.tools {
		tools[name] = *st
	}
	t.mu.Unlock()

	return Summary{
		UpdatedAt:  t.now(),
		DailyUSD:   fromMicro(t.dailyMicro.Load()),
		MonthlyUSD: fromMicro(t.monthlyMicro.Load()),
		DailyCalls: t.dailyCalls.Load(),
		Tools:      tools,
	}
}

// Flush writes the current summary through the sink.
func (t *Tracker) Flush() {
	if t.sink == nil {
		return
	}
	if err := t.sink.WriteSummary(t.Snapshot()); err != nil {
		t.logger.Warn("Summary write failed", zap.Error(err))
	}
}
