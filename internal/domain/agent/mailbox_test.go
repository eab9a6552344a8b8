package agent

import (
	"strings"
	"sync"
	"testing"
)

func TestMailbox_SeqDenseFromOne(t *testing.T) {
	mb := NewMailbox()
	mb.Post("sw1", "a", "first")
	mb.Post("sw1", "b", "second")
	mb.Post("sw2", "c", "other swarm")

	msgs := mb.ReadAll("sw1")
	if len(msgs) != 2 {
		t.Fatalf("messages = %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.Seq != int64(i+1) {
			t.Errorf("seq[%d] = %d, want %d", i, msg.Seq, i+1)
		}
	}
	// Per-swarm counters are independent.
	if other := mb.ReadAll("sw2"); len(other) != 1 || other[0].Seq != 1 {
		t.Errorf("sw2 = %+v", other)
	}
}

func TestMailbox_ConcurrentPostsStayDense(t *testing.T) {
	mb := NewMailbox()
	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mb.Post("sw1", "w", "m")
		}()
	}
	wg.Wait()

	msgs := mb.ReadAll("sw1")
	if len(msgs) != n {
		t.Fatalf("messages = %d", len(msgs))
	}
	seen := make(map[int64]bool, n)
	for i, msg := range msgs {
		if seen[msg.Seq] {
			t.Fatalf("duplicate seq %d", msg.Seq)
		}
		seen[msg.Seq] = true
		if i > 0 && msg.Seq <= msgs[i-1].Seq {
			t.Fatalf("insertion order diverged from seq order at %d", i)
		}
	}
	for s := int64(1); s <= n; s++ {
		if !seen[s] {
			t.Fatalf("gap at seq %d", s)
		}
	}
}

func TestMailbox_BuildContext(t *testing.T) {
	mb := NewMailbox()
	if got := mb.BuildContext("sw1"); got != "" {
		t.Errorf("empty mailbox context = %q", got)
	}

	mb.Post("sw1", "researcher-1", "found three options")
	mb.Post("sw1", "reviewer-1", "option two is weak")

	ctx := mb.BuildContext("sw1")
	if !strings.HasPrefix(ctx, "## Peer context\n") {
		t.Errorf("context = %q", ctx)
	}
	if !strings.Contains(ctx, "[1] researcher-1: found three options") ||
		!strings.Contains(ctx, "[2] reviewer-1: option two is weak") {
		t.Errorf("context = %q", ctx)
	}
}

func TestMailbox_ClearRestartsSeq(t *testing.T) {
	mb := NewMailbox()
	mb.Post("sw1", "a", "x")
	mb.Clear("sw1")

	if got := mb.ReadAll("sw1"); len(got) != 0 {
		t.Fatalf("cleared mailbox still holds %d messages", len(got))
	}
	if msg := mb.Post("sw1", "a", "y"); msg.Seq != 1 {
		t.Errorf("seq after clear = %d, want 1", msg.Seq)
	}
}
