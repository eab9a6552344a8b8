package signal

import (
	"context"
	"strings"
	"time"

	"github.com/miosa-osa/osa/internal/domain/entity"
	"go.uber.org/zap"
)

// Completer is the minimal LLM surface the tier-2 classifier needs. The
// infrastructure provider router satisfies it.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Config tunes the two-tier classifier.
type Config struct {
	CacheTTL         time.Duration
	CacheMaxEntries  int
	UncertaintyLow   float64 // tier-2 triggers when tier-1 confidence is in [Low, High]
	UncertaintyHigh  float64
	AccurateChannels []string // channels that always take tier 2
	LLMTimeout       time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:        10 * time.Minute,
		CacheMaxEntries: 4096,
		UncertaintyLow:  0.3,
		UncertaintyHigh: 0.6,
		LLMTimeout:      5 * time.Second,
	}
}

// Result pairs the signal with how it was produced.
type Result struct {
	Signal     entity.Signal
	Confidence float64 // tier-1 rule confidence
	Tier       int     // 1 or 2
	CacheHit   bool
}

// Classifier produces the 5-tuple signal for inbound messages.
// Tier 1 is deterministic lexical rules (sub-millisecond); tier 2 consults
// an LLM only inside the uncertainty band or for high-accuracy channels.
// Results are cached by sha256(channel, message) with a TTL.
type Classifier struct {
	cache     *Cache
	completer Completer
	config    Config
	accurate  map[string]bool
	logger    *zap.Logger
}

// New creates a classifier. completer may be nil; tier 2 is then skipped and
// tier-1 labels are always used.
func New(cfg Config, completer Completer, logger *zap.Logger) *Classifier {
	if cfg.UncertaintyHigh <= 0 {
		def := DefaultConfig()
		cfg.UncertaintyLow = def.UncertaintyLow
		cfg.UncertaintyHigh = def.UncertaintyHigh
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 5 * time.Second
	}
	accurate := make(map[string]bool, len(cfg.AccurateChannels))
	for _, ch := range cfg.AccurateChannels {
		accurate[ch] = true
	}
	return &Classifier{
		cache:     NewCache(cfg.CacheMaxEntries, cfg.CacheTTL),
		completer: completer,
		config:    cfg,
		accurate:  accurate,
		logger:    logger.With(zap.String("component", "classifier")),
	}
}

// Classify returns the signal for (channel, message), consulting the cache
// first. The returned signal is a value and is never mutated afterwards.
func (c *Classifier) Classify(ctx context.Context, channel, message string) Result {
	key := CacheKey(channel, message)
	if sig, ok := c.cache.Get(key); ok {
		return Result{Signal: sig, Tier: 0, CacheHit: true}
	}

	sig, confidence := classifyLexical(message)
	sig.Format = deriveFormat(channel, message)
	tier := 1

	needsLLM := c.accurate[channel] ||
		(confidence >= c.config.UncertaintyLow && confidence <= c.config.UncertaintyHigh)
	if needsLLM && c.completer != nil {
		if refined, err := c.classifyLLM(ctx, message); err == nil {
			// format stays channel-derived; the LLM never sets it
			refined.Format = sig.Format
			sig = refined
			tier = 2
		} else {
			c.logger.Debug("Tier-2 classification failed, keeping tier-1 label",
				zap.Error(err),
			)
		}
	}

	c.cache.Put(key, sig)
	return Result{Signal: sig, Confidence: confidence, Tier: tier}
}

// CacheStats exposes hit/miss counters for instrumentation.
func (c *Classifier) CacheStats() (hits, misses uint64) {
	return c.cache.Stats()
}

// --- Tier 1: deterministic lexical rules ---

var modeKeywords = map[entity.Mode][]string{
	entity.ModeExecute:  {"run", "execute", "start", "stop", "deploy", "launch", "restart", "kill", "send"},
	entity.ModeBuild:    {"build", "create", "implement", "write", "add", "make", "generate", "scaffold", "develop"},
	entity.ModeAnalyze:  {"analyze", "analyse", "why", "investigate", "compare", "explain", "review", "debug", "diagnose"},
	entity.ModeMaintain: {"fix", "update", "upgrade", "refactor", "clean", "migrate", "patch", "rename"},
	entity.ModeAssist:   {"help", "how", "what", "when", "where", "who", "can you", "could you", "please"},
}

var genreKeywords = map[entity.Genre][]string{
	entity.GenreDirect: {"do", "must", "now", "immediately", "go", "stop"},
	entity.GenreInform: {"fyi", "note", "heads up", "just letting", "update:", "status:"},
	entity.GenreCommit: {"i will", "i'll", "we will", "promise", "by tomorrow", "by friday"},
	entity.GenreDecide: {"should we", "decide", "choose", "option", "either", "versus", "vs"},
	entity.GenreExpress: {"thanks", "thank you", "great", "awesome", "cool", "nice", "lol", "haha",
		"hey", "hi", "hello", "good morning", "good night", "ok", "okay", "sure"},
}

var typeKeywords = map[entity.SignalType][]string{
	entity.TypeQuestion:   {"?", "how", "what", "why", "when", "where", "who", "which"},
	entity.TypeRequest:    {"please", "can you", "could you", "would you", "need you to"},
	entity.TypeIssue:      {"error", "bug", "broken", "fail", "crash", "wrong", "doesn't work", "not working"},
	entity.TypeScheduling: {"schedule", "meeting", "calendar", "tomorrow", "remind", "at 3", "monday", "friday"},
	entity.TypeSummary:    {"summarize", "summary", "tldr", "recap", "overview"},
	entity.TypeReport:     {"report", "metrics", "stats", "numbers", "results"},
}

var imperativeVerbs = map[string]bool{
	"run": true, "build": true, "create": true, "fix": true, "write": true,
	"add": true, "delete": true, "remove": true, "deploy": true, "check": true,
	"read": true, "list": true, "show": true, "find": true, "search": true,
	"make": true, "stop": true, "start": true, "update": true, "install": true,
}

// classifyLexical produces the tier-1 provisional label and a confidence.
func classifyLexical(message string) (entity.Signal, float64) {
	lower := strings.ToLower(strings.TrimSpace(message))
	words := strings.Fields(lower)

	mode, modeScore := bestMatch(lower, modeKeywords, entity.ModeAssist)
	genre, genreScore := bestMatch(lower, genreKeywords, entity.GenreDirect)
	sigType, typeScore := bestMatch(lower, typeKeywords, entity.TypeGeneral)

	// Imperative opening strongly suggests a directive.
	imperative := len(words) > 0 && imperativeVerbs[words[0]]
	if imperative {
		genre = entity.GenreDirect
		genreScore += 2
		if sigType == entity.TypeGeneral {
			sigType = entity.TypeRequest
		}
	}

	// Short social utterances with no imperative lean EXPRESS.
	if len(words) <= 3 && !imperative && genreScore == 0 && typeScore == 0 {
		genre = entity.GenreExpress
	}

	weight := computeWeight(lower, words, genre, sigType, imperative)
	confidence := computeConfidence(modeScore, genreScore, typeScore, len(words))

	return entity.Signal{
		Mode:   mode,
		Genre:  genre,
		Type:   sigType,
		Weight: weight,
	}, confidence
}

// bestMatch returns the key with the most keyword hits, or fallback on zero hits.
func bestMatch[K comparable](lower string, table map[K][]string, fallback K) (K, int) {
	best := fallback
	bestScore := 0
	for key, keywords := range table {
		score := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			best = key
			bestScore = score
		}
	}
	return best, bestScore
}

// computeWeight estimates actionability in [0,1].
func computeWeight(lower string, words []string, genre entity.Genre, sigType entity.SignalType, imperative bool) float64 {
	weight := 0.3

	if imperative {
		weight += 0.3
	}
	switch sigType {
	case entity.TypeIssue:
		weight += 0.3
	case entity.TypeRequest, entity.TypeQuestion:
		weight += 0.2
	case entity.TypeScheduling, entity.TypeReport, entity.TypeSummary:
		weight += 0.15
	}
	switch genre {
	case entity.GenreExpress:
		weight -= 0.25
	case entity.GenreDirect, entity.GenreDecide:
		weight += 0.1
	}
	// Length: substantial messages carry more signal.
	switch {
	case len(words) <= 2:
		weight -= 0.15
	case len(words) >= 20:
		weight += 0.1
	}
	if strings.Contains(lower, "?") {
		weight += 0.05
	}

	return clamp(weight, 0, 1)
}

// computeConfidence maps rule agreement to [0,1]; zero hits on every
// dimension lands squarely in the uncertainty band.
func computeConfidence(modeScore, genreScore, typeScore, wordCount int) float64 {
	conf := 0.35
	conf += 0.12 * float64(min(modeScore, 3))
	conf += 0.10 * float64(min(genreScore, 3))
	conf += 0.08 * float64(min(typeScore, 3))
	if wordCount <= 2 {
		conf += 0.15 // trivially short messages are easy calls
	}
	return clamp(conf, 0, 1)
}

// deriveFormat maps channel metadata to the format dimension. The LLM tier
// never overrides it.
func deriveFormat(channel, message string) entity.Format {
	trimmed := strings.TrimSpace(message)
	if strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, "!") {
		return entity.FormatCommand
	}
	switch channel {
	case "webhook", "cron", "system":
		return entity.FormatNotification
	case "upload", "document":
		return entity.FormatDocument
	default:
		return entity.FormatMessage
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
