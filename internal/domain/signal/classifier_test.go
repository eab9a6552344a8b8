package signal

import (
	"context"
	"errors"
	"testing"

	"github.com/miosa-osa/osa/internal/domain/entity"
	"go.uber.org/zap"
)

// fakeCompleter returns a scripted response and records how often it is asked.
type fakeCompleter struct {
	response string
	err      error
	calls    int
}

func (f *fakeCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func newTestClassifier(completer Completer) *Classifier {
	return New(DefaultConfig(), completer, zap.NewNop())
}

func TestClassify_ImperativeDirective(t *testing.T) {
	c := newTestClassifier(nil)

	res := c.Classify(context.Background(), "http", "fix the login bug")
	if res.Tier != 1 {
		t.Errorf("expected tier 1, got %d", res.Tier)
	}
	if res.Signal.Mode != entity.ModeMaintain {
		t.Errorf("expected mode MAINTAIN, got %s", res.Signal.Mode)
	}
	if res.Signal.Genre != entity.GenreDirect {
		t.Errorf("expected genre DIRECT, got %s", res.Signal.Genre)
	}
	if res.Signal.Type != entity.TypeIssue {
		t.Errorf("expected type issue, got %s", res.Signal.Type)
	}
	if res.Signal.Weight < 0.8 {
		t.Errorf("expected high weight for imperative issue, got %f", res.Signal.Weight)
	}
}

func TestClassify_SocialChatterIsLowWeight(t *testing.T) {
	c := newTestClassifier(nil)

	res := c.Classify(context.Background(), "http", "thanks!")
	if res.Signal.Genre != entity.GenreExpress {
		t.Errorf("expected genre EXPRESS, got %s", res.Signal.Genre)
	}
	if res.Signal.Weight >= 0.2 {
		t.Errorf("expected weight below 0.2, got %f", res.Signal.Weight)
	}
}

func TestClassify_CacheHitOnRepeat(t *testing.T) {
	c := newTestClassifier(nil)
	ctx := context.Background()

	first := c.Classify(ctx, "http", "deploy the service")
	if first.CacheHit {
		t.Fatal("first classification should miss the cache")
	}

	second := c.Classify(ctx, "http", "deploy the service")
	if !second.CacheHit {
		t.Error("second classification should hit the cache")
	}
	if second.Signal != first.Signal {
		t.Errorf("cached signal differs: %+v vs %+v", second.Signal, first.Signal)
	}

	// Same message on a different channel is a distinct key.
	other := c.Classify(ctx, "webhook", "deploy the service")
	if other.CacheHit {
		t.Error("different channel should not share cache entries")
	}
}

func TestClassify_UncertaintyBandTriggersTier2(t *testing.T) {
	completer := &fakeCompleter{
		response: `{"mode":"ANALYZE","genre":"DECIDE","type":"question","weight":0.7}`,
	}
	c := newTestClassifier(completer)

	// No keyword hits on any dimension lands inside [0.3, 0.6].
	res := c.Classify(context.Background(), "http", "zebra umbrella cascade nine")
	if completer.calls != 1 {
		t.Fatalf("expected exactly one tier-2 call, got %d", completer.calls)
	}
	if res.Tier != 2 {
		t.Errorf("expected tier 2, got %d", res.Tier)
	}
	if res.Signal.Mode != entity.ModeAnalyze || res.Signal.Genre != entity.GenreDecide {
		t.Errorf("tier-2 label not applied: %+v", res.Signal)
	}
	if res.Signal.Format != entity.FormatMessage {
		t.Errorf("format must stay channel-derived, got %s", res.Signal.Format)
	}
}

func TestClassify_ConfidentTier1SkipsLLM(t *testing.T) {
	completer := &fakeCompleter{response: `{"mode":"ASSIST","genre":"EXPRESS","type":"general","weight":0.1}`}
	c := newTestClassifier(completer)

	c.Classify(context.Background(), "http", "fix the login bug")
	if completer.calls != 0 {
		t.Errorf("high-confidence tier-1 result should skip the LLM, got %d calls", completer.calls)
	}
}

func TestClassify_AccurateChannelAlwaysTier2(t *testing.T) {
	completer := &fakeCompleter{
		response: `{"mode":"EXECUTE","genre":"DIRECT","type":"request","weight":0.9}`,
	}
	cfg := DefaultConfig()
	cfg.AccurateChannels = []string{"ops"}
	c := New(cfg, completer, zap.NewNop())

	res := c.Classify(context.Background(), "ops", "fix the login bug")
	if completer.calls != 1 {
		t.Fatalf("accurate channel should force tier 2, got %d calls", completer.calls)
	}
	if res.Tier != 2 {
		t.Errorf("expected tier 2, got %d", res.Tier)
	}
}

func TestClassify_Tier2FailureFallsBackToTier1(t *testing.T) {
	for name, completer := range map[string]*fakeCompleter{
		"error":      {err: errors.New("provider down")},
		"malformed":  {response: "sorry, I cannot classify that"},
		"invalid":    {response: `{"mode":"FLYING","genre":"DIRECT","type":"request","weight":0.5}`},
		"outOfRange": {response: `{"mode":"EXECUTE","genre":"DIRECT","type":"request","weight":3.5}`},
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestClassifier(completer)
			res := c.Classify(context.Background(), "http", "zebra umbrella cascade nine")
			if res.Tier != 1 {
				t.Errorf("expected tier-1 fallback, got tier %d", res.Tier)
			}
			if !res.Signal.Valid() {
				t.Errorf("fallback signal must be valid: %+v", res.Signal)
			}
		})
	}
}

func TestClassify_NilCompleterSkipsTier2(t *testing.T) {
	c := newTestClassifier(nil)
	res := c.Classify(context.Background(), "http", "zebra umbrella cascade nine")
	if res.Tier != 2 {
		// Uncertainty band but no completer configured.
		if res.Tier != 1 {
			t.Errorf("expected tier 1, got %d", res.Tier)
		}
	} else {
		t.Error("tier 2 without a completer should be impossible")
	}
}

func TestDeriveFormat(t *testing.T) {
	cases := []struct {
		channel string
		message string
		want    entity.Format
	}{
		{"http", "/restart the worker", entity.FormatCommand},
		{"http", "!deploy now", entity.FormatCommand},
		{"webhook", "build finished", entity.FormatNotification},
		{"cron", "nightly run complete", entity.FormatNotification},
		{"system", "disk usage at 91%", entity.FormatNotification},
		{"upload", "see attached", entity.FormatDocument},
		{"http", "how do I reset my password", entity.FormatMessage},
	}
	for _, tc := range cases {
		if got := deriveFormat(tc.channel, tc.message); got != tc.want {
			t.Errorf("deriveFormat(%q, %q) = %s, want %s", tc.channel, tc.message, got, tc.want)
		}
	}
}

func TestClassify_Deterministic(t *testing.T) {
	messages := []string{
		"run the nightly batch",
		"why is the queue backing up?",
		"thanks a lot",
		"schedule a review for friday",
	}
	for _, msg := range messages {
		a := newTestClassifier(nil).Classify(context.Background(), "http", msg)
		b := newTestClassifier(nil).Classify(context.Background(), "http", msg)
		if a.Signal != b.Signal {
			t.Errorf("classification of %q not deterministic: %+v vs %+v", msg, a.Signal, b.Signal)
		}
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"mode":"EXECUTE"}`, `{"mode":"EXECUTE"}`},
		{"```json\n{\"mode\":\"EXECUTE\"}\n```", `{"mode":"EXECUTE"}`},
		{`Here you go: {"mode":"EXECUTE"} hope that helps`, `{"mode":"EXECUTE"}`},
		{"no json here", "no json here"},
	}
	for i, tc := range cases {
		if got := extractJSON(tc.in); got != tc.want {
			t.Errorf("case %d: extractJSON = %q, want %q", i, got, tc.want)
		}
	}
}
