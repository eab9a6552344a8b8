package context

import (
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/domain/entity"
	apperrors "github.com/miosa-osa/osa/pkg/errors"
)

// wordEstimator makes budgets easy to reason about in tests: 1 token per word.
type wordEstimator struct{}

func (wordEstimator) Count(text string) int {
	return len(strings.Fields(text))
}

func TestHeuristicEstimator(t *testing.T) {
	e := NewHeuristicEstimator()

	if got := e.Count(""); got != 0 {
		t.Errorf("empty text = %d tokens, want 0", got)
	}
	// 4 words, 1 punct: ceil(0.75*4 + 0.25*1) = 4.
	if got := e.Count("read the config file."); got != 4 {
		t.Errorf("Count = %d, want 4", got)
	}
	if got := e.Count("hello"); got != 1 {
		t.Errorf("single word = %d tokens, want 1", got)
	}
}

func TestAssembler_CriticalOverflowFails(t *testing.T) {
	a := NewAssembler(20, 10, wordEstimator{}, zap.NewNop())

	_, err := a.Assemble(Input{
		SystemPrompt: strings.Repeat("word ", 50),
	})
	if !apperrors.IsContextOverflow(err) {
		t.Errorf("expected context_overflow, got %v", err)
	}
}

func TestAssembler_BudgetNeverExceeded(t *testing.T) {
	a := NewAssembler(200, 50, wordEstimator{}, zap.NewNop())

	var recent []entity.Message
	for i := 0; i < 40; i++ {
		recent = append(recent, entity.NewMessage(entity.RoleUser, strings.Repeat("chatter ", 10)))
	}
	var memories []string
	for i := 0; i < 20; i++ {
		memories = append(memories, strings.Repeat("memory ", 8))
	}

	p, err := a.Assemble(Input{
		SystemPrompt: "you are an agent runtime",
		Recent:       recent,
		Memories:     memories,
		LowItems:     []string{strings.Repeat("bulletin ", 30)},
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if p.Budget != 150 {
		t.Errorf("budget = %d, want 150", p.Budget)
	}
	if p.TokenCount > p.Budget {
		t.Errorf("assembled %d tokens over budget %d", p.TokenCount, p.Budget)
	}
	if p.Utilization > 1.0 {
		t.Errorf("utilization %f over 1.0", p.Utilization)
	}
}

func TestAssembler_PrefersRecentMessages(t *testing.T) {
	a := NewAssembler(1000, 100, wordEstimator{}, zap.NewNop())

	old := entity.NewMessage(entity.RoleUser, "oldest question about deployment")
	mid := entity.NewMessage(entity.RoleAssistant, "middle answer")
	newest := entity.NewMessage(entity.RoleUser, "newest question")

	p, err := a.Assemble(Input{
		SystemPrompt: "system",
		Recent:       []entity.Message{old, mid, newest},
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	// All fit here; order must be chronological.
	var history []entity.Message
	for _, m := range p.Messages {
		if m.Role != entity.RoleSystem {
			history = append(history, m)
		}
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history messages, got %d", len(history))
	}
	if history[0].Content != old.Content || history[2].Content != newest.Content {
		t.Errorf("history out of order: %q ... %q", history[0].Content, history[2].Content)
	}
}

func TestAssembler_NewestSurvivesTightBudget(t *testing.T) {
	// Budget 100, system 1 token, remainder 99, high share 39 tokens.
	a := NewAssembler(110, 10, wordEstimator{}, zap.NewNop())

	big := entity.NewMessage(entity.RoleUser, strings.Repeat("old ", 50))
	small := entity.NewMessage(entity.RoleUser, "latest ask")

	p, err := a.Assemble(Input{
		SystemPrompt: "system",
		Recent:       []entity.Message{big, small},
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	found := false
	for _, m := range p.Messages {
		if m.Content == "latest ask" {
			found = true
		}
		if strings.HasPrefix(m.Content, "old ") {
			t.Error("oldest oversized message should have been cut first")
		}
	}
	if !found {
		t.Error("newest message must survive a tight budget")
	}
}

func TestAssembler_UnspentShareCascades(t *testing.T) {
	// Budget 100; system 1 token; remainder 99. No recent messages, so the
	// high share (39) cascades into medium: memories can use ~68 tokens.
	a := NewAssembler(110, 10, wordEstimator{}, zap.NewNop())

	var memories []string
	for i := 0; i < 6; i++ {
		memories = append(memories, strings.Repeat("mem ", 10)) // 10 tokens each
	}

	p, err := a.Assemble(Input{
		SystemPrompt: "system",
		Memories:     memories,
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	var memBlock string
	for _, m := range p.Messages {
		if strings.HasPrefix(m.Content, "Relevant memories:") {
			memBlock = m.Content
		}
	}
	if memBlock == "" {
		t.Fatal("memory block missing")
	}
	// Without cascade only 2 memories (29 medium tokens) would fit; with the
	// unspent high share all 6 (60 tokens) fit.
	if got := strings.Count(memBlock, "mem mem"); got < 6 {
		t.Errorf("cascade not applied; memory block too small: %q", memBlock)
	}
}

func TestAssembler_ComposesCriticalSections(t *testing.T) {
	a := NewAssembler(10000, 100, wordEstimator{}, zap.NewNop())

	p, err := a.Assemble(Input{
		SystemPrompt: "base prompt",
		Identity:     "agent identity",
		ToolSchemas:  "tool schema block",
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	sys := p.Messages[0]
	if sys.Role != entity.RoleSystem {
		t.Fatalf("first message must be system, got %s", sys.Role)
	}
	for _, part := range []string{"base prompt", "agent identity", "tool schema block"} {
		if !strings.Contains(sys.Content, part) {
			t.Errorf("critical section %q missing from system message", part)
		}
	}
}
