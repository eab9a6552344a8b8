package budget

import (
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/infrastructure/eventbus"
)

type recordingSink struct {
	mu        sync.Mutex
	entries   []DailyEntry
	summaries []Summary
}

func (r *recordingSink) AppendDaily(entry DailyEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingSink) WriteSummary(s Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
	return nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recordingBus) Publish(topic string, evt eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evt.Topic = topic
	r.events = append(r.events, evt)
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestTracker_AccumulatesDailyAndMonthly(t *testing.T) {
	tr := NewTracker(Caps{}, nil, nil, zap.NewNop())

	tr.RecordCall("openai", "gpt-4o", 1000, 200, 0.015)
	tr.RecordCall("openai", "gpt-4o", 2000, 400, 0.030)

	snap := tr.Snapshot()
	if !approx(snap.DailyUSD, 0.045) {
		t.Errorf("daily = %v, want 0.045", snap.DailyUSD)
	}
	if !approx(snap.MonthlyUSD, 0.045) {
		t.Errorf("monthly = %v, want 0.045", snap.MonthlyUSD)
	}
	if snap.DailyCalls != 2 {
		t.Errorf("calls = %d, want 2", snap.DailyCalls)
	}
}

func TestTracker_ExceededNamesTheCap(t *testing.T) {
	tr := NewTracker(Caps{DailyUSD: 0.10, MonthlyUSD: 100}, nil, nil, zap.NewNop())

	if exceeded, _ := tr.Exceeded(); exceeded {
		t.Fatal("fresh tracker must not report exceeded")
	}

	tr.RecordCall("openai", "gpt-4o", 0, 0, 0.12)

	exceeded, which := tr.Exceeded()
	if !exceeded || which != "daily_budget_usd" {
		t.Errorf("exceeded = %v %q, want daily_budget_usd", exceeded, which)
	}
}

func TestTracker_MonthlyCapWithoutDaily(t *testing.T) {
	tr := NewTracker(Caps{MonthlyUSD: 0.05}, nil, nil, zap.NewNop())
	tr.RecordCall("openai", "gpt-4o", 0, 0, 0.06)

	exceeded, which := tr.Exceeded()
	if !exceeded || which != "monthly_budget_usd" {
		t.Errorf("exceeded = %v %q, want monthly_budget_usd", exceeded, which)
	}
}

func TestTracker_DailyRollsOverMonthlyPersists(t *testing.T) {
	tr := NewTracker(Caps{DailyUSD: 0.10}, nil, nil, zap.NewNop())

	clock := time.Date(2026, 8, 25, 23, 0, 0, 0, time.UTC)
	tr.SetClock(func() time.Time { return clock })
	tr.rollover(clock) // align period keys with the fake clock

	tr.RecordCall("openai", "gpt-4o", 0, 0, 0.12)
	if exceeded, _ := tr.Exceeded(); !exceeded {
		t.Fatal("over daily cap")
	}

	clock = clock.Add(2 * time.Hour) // crosses midnight, same month
	if exceeded, _ := tr.Exceeded(); exceeded {
		t.Error("new day must reset the daily counter")
	}

	snap := tr.Snapshot()
	if !approx(snap.DailyUSD, 0) {
		t.Errorf("daily = %v after rollover", snap.DailyUSD)
	}
	if !approx(snap.MonthlyUSD, 0.12) {
		t.Errorf("monthly = %v, must survive the day rollover", snap.MonthlyUSD)
	}
}

func TestTracker_PublishesAndSinksPerCall(t *testing.T) {
	bus := &recordingBus{}
	sink := &recordingSink{}
	tr := NewTracker(Caps{PerCallUSD: 0.01}, bus, sink, zap.NewNop())

	tr.RecordCall("anthropic", "anthropic/claude-sonnet-4", 500, 100, 0.02)

	if len(sink.entries) != 1 {
		t.Fatalf("sink entries = %d, want 1", len(sink.entries))
	}
	e := sink.entries[0]
	if e.Provider != "anthropic" || e.TokensIn != 500 || e.TokensOut != 100 {
		t.Errorf("entry = %+v", e)
	}

	if len(bus.events) != 1 {
		t.Fatalf("bus events = %d, want 1", len(bus.events))
	}
	evt := bus.events[0]
	if evt.Topic != eventbus.TopicBudgetRecorded {
		t.Errorf("topic = %q", evt.Topic)
	}
	if over, _ := evt.Payload["over_per_call"].(bool); !over {
		t.Error("per-call overrun must be flagged in the event")
	}
}

func TestTracker_RecordToolUseAggregates(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(Caps{}, nil, sink, zap.NewNop())

	tr.RecordToolUse("shell_execute", 120, true)
	tr.RecordToolUse("shell_execute", 80, false)
	tr.RecordToolUse("file_read", 5, true)

	snap := tr.Snapshot()
	sh := snap.Tools["shell_execute"]
	if sh.Calls != 2 || sh.Failures != 1 || sh.TotalDurationMs != 200 {
		t.Errorf("shell_execute stat = %+v", sh)
	}
	if snap.Tools["file_read"].Calls != 1 {
		t.Errorf("file_read stat = %+v", snap.Tools["file_read"])
	}

	tr.Flush()
	if len(sink.summaries) != 1 {
		t.Fatalf("summaries = %d, want 1", len(sink.summaries))
	}
}

func TestTracker_ConcurrentRecording(t *testing.T) {
	tr := NewTracker(Caps{}, nil, nil, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.RecordCall("openai", "gpt-4o", 10, 10, 0.001)
			tr.RecordToolUse("file_read", 1, true)
		}()
	}
	wg.Wait()

	snap := tr.Snapshot()
	if !approx(snap.DailyUSD, 0.05) {
		t.Errorf("daily = %v, want 0.05", snap.DailyUSD)
	}
	if snap.Tools["file_read"].Calls != 50 {
		t.Errorf("tool calls = %d, want 50", snap.Tools["file_read"].Calls)
	}
}

func TestPriceBook_Resolve(t *testing.T) {
	book := NewPriceBook()

	cases := []struct {
		ref  string
		want float64 // InputPer1M
	}{
		{"gpt-4o", 2.50},
		{"openai/gpt-4o", 2.50},
		{"anthropic/claude-sonnet-4-20250514", 3.0}, // prefix match
		{"totally-unknown-model", defaultPrice.InputPer1M},
	}
	for _, tc := range cases {
		if got := book.Resolve(tc.ref).InputPer1M; !approx(got, tc.want) {
			t.Errorf("Resolve(%q).InputPer1M = %v, want %v", tc.ref, got, tc.want)
		}
	}
}

func TestPriceBook_EstimateCost(t *testing.T) {
	book := NewPriceBook()

	// gpt-4o: 2.50 in / 10.0 out per 1M.
	got := book.EstimateCost("openai/gpt-4o", 1_000_000, 100_000)
	if !approx(got, 2.50+1.0) {
		t.Errorf("cost = %v, want 3.50", got)
	}

	book.SetPrice("custom", ModelPrice{InputPer1M: 100, OutputPer1M: 200})
	if got := book.EstimateCost("custom", 10_000, 0); !approx(got, 1.0) {
		t.Errorf("custom cost = %v, want 1.0", got)
	}
}
