package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestRouter(providers ...Provider) *Router {
	r := NewRouter(zap.NewNop())
	r.SetRetry(0, time.Millisecond)
	for _, p := range providers {
		r.AddProvider(p)
	}
	return r
}

func TestRouter_RoutesToSupportingProvider(t *testing.T) {
	small := NewScripted("small", "mini").EnqueueText("from small")
	big := NewScripted("big", "max").EnqueueText("from big")
	r := newTestRouter(small, big)

	resp, err := r.Generate(context.Background(), &Request{Model: "max"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "from big" {
		t.Errorf("content = %q", resp.Content)
	}
	if small.Calls() != 0 {
		t.Errorf("non-supporting provider was called %d times", small.Calls())
	}
}

func TestRouter_FailoverToNextProvider(t *testing.T) {
	broken := NewScripted("broken").EnqueueError(errors.New("upstream 500"))
	healthy := NewScripted("healthy").EnqueueText("recovered")
	r := newTestRouter(broken, healthy)

	resp, err := r.Generate(context.Background(), &Request{Model: "m"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("content = %q", resp.Content)
	}
	if broken.Calls() != 1 || healthy.Calls() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", broken.Calls(), healthy.Calls())
	}
}

func TestRouter_RetryBeforeFailover(t *testing.T) {
	flaky := NewScripted("flaky").
		EnqueueError(errors.New("transient")).
		EnqueueText("second try")
	never := NewScripted("never").EnqueueText("unused")
	r := newTestRouter(flaky, never)
	r.SetRetry(1, time.Millisecond)

	resp, err := r.Generate(context.Background(), &Request{Model: "m"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "second try" {
		t.Errorf("content = %q", resp.Content)
	}
	if flaky.Calls() != 2 {
		t.Errorf("flaky calls = %d, want 2 (retry)", flaky.Calls())
	}
	if never.Calls() != 0 {
		t.Errorf("failover consulted despite successful retry")
	}
}

func TestRouter_FallbackChainOrder(t *testing.T) {
	primary := NewScripted("primary", "primary/large").EnqueueError(errors.New("down"))
	backup := NewScripted("backup", "backup/small").EnqueueText("fallback answer")
	r := newTestRouter(primary, backup)
	r.SetFallbackChain([]string{"backup/small"})

	resp, err := r.Generate(context.Background(), &Request{Model: "primary/large"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "fallback answer" {
		t.Errorf("content = %q", resp.Content)
	}
	if primary.Calls() != 1 {
		t.Errorf("primary calls = %d, want 1", primary.Calls())
	}
}

func TestRouter_UnavailableProviderSkipped(t *testing.T) {
	offline := NewScripted("offline").EnqueueText("unused")
	offline.SetDown(true)
	online := NewScripted("online").EnqueueText("ok")
	r := newTestRouter(offline, online)

	resp, err := r.Generate(context.Background(), &Request{Model: "m"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "ok" || offline.Calls() != 0 {
		t.Errorf("content=%q offlineCalls=%d", resp.Content, offline.Calls())
	}
}

func TestRouter_CircuitBreakerSkipsProvider(t *testing.T) {
	failing := NewScripted("failing")
	for i := 0; i < 5; i++ {
		failing.EnqueueError(errors.New("boom"))
	}
	r := newTestRouter(failing)

	for i := 0; i < 5; i++ {
		if _, err := r.Generate(context.Background(), &Request{Model: "m"}); err == nil {
			t.Fatal("expected failure")
		}
	}
	if failing.Calls() != 5 {
		t.Fatalf("calls = %d, want 5", failing.Calls())
	}

	// Circuit is open now; the provider must not be consulted again.
	if _, err := r.Generate(context.Background(), &Request{Model: "m"}); err == nil {
		t.Fatal("expected failure with open circuit")
	}
	if failing.Calls() != 5 {
		t.Errorf("provider called through an open circuit: %d", failing.Calls())
	}

	statuses := r.ListProviders(context.Background())
	if len(statuses) != 1 || statuses[0].CircuitState != "open" {
		t.Errorf("statuses = %+v", statuses)
	}
}

func TestRouter_Complete(t *testing.T) {
	p := NewScripted("p", "default-model").EnqueueText(`{"label":"ok"}`)
	r := newTestRouter(p)
	r.SetDefaultModel("default-model")

	out, err := r.Complete(context.Background(), "classify this", "fix the login bug")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != `{"label":"ok"}` {
		t.Errorf("out = %q", out)
	}
}

func TestRouter_GenerateStream(t *testing.T) {
	p := NewScripted("p").EnqueueText("streamed text")
	r := newTestRouter(p)

	deltaCh := make(chan StreamChunk, 8)
	resp, err := r.GenerateStream(context.Background(), &Request{Model: "m"}, deltaCh)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.Content != "streamed text" {
		t.Errorf("content = %q", resp.Content)
	}

	var text string
	var finished bool
	for len(deltaCh) > 0 {
		chunk := <-deltaCh
		text += chunk.DeltaText
		if chunk.FinishReason != "" {
			finished = true
		}
	}
	if text != "streamed text" || !finished {
		t.Errorf("text=%q finished=%v", text, finished)
	}
}

func TestRouter_NoProviderForModel(t *testing.T) {
	r := newTestRouter(NewScripted("p", "only-this"))
	if _, err := r.Generate(context.Background(), &Request{Model: "other"}); err == nil {
		t.Error("expected no-provider error")
	}
}

func TestModelSuffix(t *testing.T) {
	cases := map[string]string{
		"openai/gpt-4o": "gpt-4o",
		"gpt-4o":        "gpt-4o",
		"a/b/c":         "b/c",
	}
	for in, want := range cases {
		if got := ModelSuffix(in); got != want {
			t.Errorf("ModelSuffix(%q) = %q, want %q", in, got, want)
		}
	}
}
