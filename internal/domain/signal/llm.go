package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/miosa-osa/osa/internal/domain/entity"
)

// classifyPrompt is the fixed tier-2 instruction template. The model must
// answer with a single JSON object and nothing else; anything that fails
// strict parsing falls back to the tier-1 label.
const classifyPrompt = `You classify messages for an autonomous agent runtime.
Respond with EXACTLY one JSON object, no prose, no markdown fences:
{"mode":"EXECUTE|BUILD|ANALYZE|MAINTAIN|ASSIST","genre":"DIRECT|INFORM|COMMIT|DECIDE|EXPRESS","type":"question|request|issue|scheduling|summary|report|general","weight":0.0}

mode: what kind of work the message asks for.
genre: the communicative intent.
type: the content category.
weight: actionability in [0,1] — 0 is pure noise, 1 demands immediate action.`

type llmLabel struct {
	Mode   string  `json:"mode"`
	Genre  string  `json:"genre"`
	Type   string  `json:"type"`
	Weight float64 `json:"weight"`
}

// classifyLLM runs the tier-2 classification. Errors (timeout, malformed
// JSON, out-of-range values) are returned so the caller keeps the tier-1
// label; tier-2 failure is never fatal.
func (c *Classifier) classifyLLM(ctx context.Context, message string) (entity.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.LLMTimeout)
	defer cancel()

	raw, err := c.completer.Complete(ctx, classifyPrompt, message)
	if err != nil {
		return entity.Signal{}, fmt.Errorf("tier-2 completion: %w", err)
	}

	var label llmLabel
	if err := json.Unmarshal([]byte(extractJSON(raw)), &label); err != nil {
		return entity.Signal{}, fmt.Errorf("tier-2 parse: %w", err)
	}

	sig := entity.Signal{
		Mode:   entity.Mode(strings.ToUpper(label.Mode)),
		Genre:  entity.Genre(strings.ToUpper(label.Genre)),
		Type:   entity.SignalType(strings.ToLower(label.Type)),
		Format: entity.FormatMessage, // caller overwrites with channel-derived format
		Weight: label.Weight,
	}
	if !sig.Valid() {
		return entity.Signal{}, fmt.Errorf("tier-2 label invalid: %+v", label)
	}
	return sig, nil
}

// extractJSON strips markdown fences and surrounding prose, keeping the
// first top-level JSON object. Models wrap output despite instructions.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			return s[i : j+1]
		}
	}
	return s
}
