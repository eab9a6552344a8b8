package hooks

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/infrastructure/eventbus"
)

// SpendChecker gates tool use on the cost caps.
type SpendChecker interface {
	Exceeded() (bool, string)
}

// UsageRecorder persists per-tool timing for the metrics files.
type UsageRecorder interface {
	RecordToolUse(tool string, durationMs int64, success bool)
}

// EpisodeRecorder appends post-tool episodic records to the learning store.
type EpisodeRecorder interface {
	RecordEpisode(ctx context.Context, episode map[string]any) error
}

// Consolidator coalesces near-duplicate memory entries.
type Consolidator interface {
	Compact(ctx context.Context) (int, error)
}

// Publisher is the event bus surface the built-ins need.
type Publisher interface {
	Publish(topic string, evt eventbus.Event)
}

// consolidationTimeout bounds the session_end pattern scan.
const consolidationTimeout = 2 * time.Second

// BuiltinDeps carries the collaborators of the built-in hooks. Any nil
// dependency disables the hooks that need it.
type BuiltinDeps struct {
	Spend    SpendChecker
	Usage    UsageRecorder
	Learning EpisodeRecorder
	Memory   Consolidator
	Bus      Publisher
	Logger   *zap.Logger
}

// RegisterBuiltins installs the standard hook set.
func RegisterBuiltins(p *Pipeline, deps BuiltinDeps) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p.Register(EventPreToolUse, "security_check", 10, securityCheck(logger))
	if deps.Spend != nil {
		p.Register(EventPreToolUse, "spend_guard", 8, spendGuard(deps.Spend))
	}
	if deps.Usage != nil {
		p.Register(EventPostToolUse, "budget_tracker", 20, budgetTracker(deps.Usage))
	}
	p.Register(EventPostToolUse, "error_recovery", 30, errorRecovery())
	if deps.Learning != nil {
		p.Register(EventPostToolUse, "learning_capture", 50, learningCapture(deps.Learning, logger))
	}
	p.Register(EventPostToolUse, "auto_format", 85, autoFormat(logger))
	p.Register(EventPostToolUse, "telemetry", 90, telemetry(logger))
	p.Register(EventPreResponse, "quality_check", 50, qualityCheck())
	if deps.Bus != nil {
		p.Register(EventPreCompact, "hierarchical_compaction", 95, hierarchicalCompaction(deps.Bus))
	}
	if deps.Memory != nil {
		p.Register(EventSessionEnd, "pattern_consolidation", 80, patternConsolidation(deps.Memory, logger))
	}
}

// dangerousPatterns match shell commands that must never run, regardless of
// sandboxing. Substring match on the normalized command.
var dangerousPatterns = []string{
	"rm -rf /",
	"rm -fr /",
	"rm -rf ~",
	"rm -rf *",
	"mkfs",
	"dd if=",
	"> /dev/sd",
	":(){",
	"chmod -r 777 /",
	"chown -r",
	"shutdown",
	"reboot",
	"| sh",
	"| bash",
	"curl -s http",
}

// securityCheck blocks destructive shell invocations at pre_tool_use.
func securityCheck(logger *zap.Logger) Handler {
	return func(ctx context.Context, payload Payload) Result {
		tool, _ := payload["tool_name"].(string)
		if tool != "shell_execute" {
			return Skip()
		}
		args, _ := payload["arguments"].(map[string]any)
		cmd, _ := args["command"].(string)
		normalized := strings.ToLower(strings.Join(strings.Fields(cmd), " "))
		for _, pattern := range dangerousPatterns {
			if strings.Contains(normalized, pattern) {
				logger.Warn("Dangerous shell command blocked",
					zap.String("command", cmd),
					zap.String("pattern", pattern),
				)
				return Block(fmt.Sprintf("dangerous command refused: matches %q", pattern))
			}
		}
		return Skip()
	}
}

// spendGuard blocks tool use once a budget cap is hit.
func spendGuard(spend SpendChecker) Handler {
	return func(ctx context.Context, payload Payload) Result {
		if exceeded, which := spend.Exceeded(); exceeded {
			return Block("budget exceeded: " + which)
		}
		return Skip()
	}
}

// budgetTracker records per-tool timing after every execution.
func budgetTracker(usage UsageRecorder) Handler {
	return func(ctx context.Context, payload Payload) Result {
		tool, _ := payload["tool_name"].(string)
		duration, _ := payload["duration_ms"].(int64)
		success, _ := payload["success"].(bool)
		if tool != "" {
			usage.RecordToolUse(tool, duration, success)
		}
		return Skip()
	}
}

// errorRecovery annotates failed tool results with a remediation hint the
// model can act on in the next iteration.
func errorRecovery() Handler {
	return func(ctx context.Context, payload Payload) Result {
		if success, _ := payload["success"].(bool); success {
			return Skip()
		}
		result, _ := payload["result"].(string)
		lower := strings.ToLower(result)
		var hint string
		switch {
		case strings.Contains(lower, "no such file"), strings.Contains(lower, "not found"):
			hint = "verify the path exists, e.g. list the parent directory first"
		case strings.Contains(lower, "permission denied"):
			hint = "target is not writable from this workspace; pick a path inside the workspace"
		case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
			hint = "the operation timed out; retry once or narrow the request"
		case strings.Contains(lower, "connection refused"):
			hint = "the target service is down; check sidecar health before retrying"
		}
		if hint == "" {
			return Skip()
		}
		payload["recovery_hint"] = hint
		return OK(payload)
	}
}

// learningCapture appends an episodic record for every tool execution.
func learningCapture(learning EpisodeRecorder, logger *zap.Logger) Handler {
	return func(ctx context.Context, payload Payload) Result {
		episode := map[string]any{
			"tool":        payload["tool_name"],
			"success":     payload["success"],
			"duration_ms": payload["duration_ms"],
			"session_id":  payload["session_id"],
			"provider":    payload["provider"],
			"model":       payload["model"],
			"tokens_in":   payload["tokens_in"],
			"tokens_out":  payload["tokens_out"],
			"recorded_at": time.Now().UTC().Format(time.RFC3339),
		}
		if err := learning.RecordEpisode(ctx, episode); err != nil {
			logger.Warn("Episode capture failed", zap.Error(err))
		}
		return Skip()
	}
}

// formattable maps file extensions to the formatter worth suggesting.
var formattable = map[string]string{
	".go":   "gofmt",
	".py":   "black",
	".js":   "prettier",
	".ts":   "prettier",
	".json": "jq",
	".rs":   "rustfmt",
}

// autoFormat suggests a formatter run after file writes to known languages.
func autoFormat(logger *zap.Logger) Handler {
	return func(ctx context.Context, payload Payload) Result {
		tool, _ := payload["tool_name"].(string)
		if tool != "file_write" {
			return Skip()
		}
		args, _ := payload["arguments"].(map[string]any)
		path, _ := args["path"].(string)
		formatter, ok := formattable[strings.ToLower(filepath.Ext(path))]
		if !ok {
			return Skip()
		}
		payload["format_suggestion"] = formatter
		logger.Debug("Formatter suggested",
			zap.String("path", path),
			zap.String("formatter", formatter),
		)
		return OK(payload)
	}
}

// telemetry logs a structured record of every tool execution.
func telemetry(logger *zap.Logger) Handler {
	return func(ctx context.Context, payload Payload) Result {
		logger.Debug("Tool telemetry",
			zap.Any("tool", payload["tool_name"]),
			zap.Any("success", payload["success"]),
			zap.Any("duration_ms", payload["duration_ms"]),
			zap.Any("session_id", payload["session_id"]),
		)
		return Skip()
	}
}

// qualityCheck blocks empty assistant responses before they reach the user.
func qualityCheck() Handler {
	return func(ctx context.Context, payload Payload) Result {
		content, _ := payload["content"].(string)
		if strings.TrimSpace(content) == "" {
			return Block("empty response")
		}
		trimmed := strings.TrimSpace(content)
		if trimmed != content {
			payload["content"] = trimmed
			return OK(payload)
		}
		return Skip()
	}
}

// hierarchicalCompaction republishes the pressure state so stream observers
// see threshold crossings before compaction runs.
func hierarchicalCompaction(bus Publisher) Handler {
	return func(ctx context.Context, payload Payload) Result {
		sessionID, _ := payload["session_id"].(string)
		bus.Publish(eventbus.TopicContextPressure, eventbus.Event{
			SessionID: sessionID,
			Payload: map[string]any{
				"session_id":  sessionID,
				"utilization": payload["utilization"],
				"state":       payload["state"],
			},
		})
		return Skip()
	}
}

// patternConsolidation compacts memory at session end, bounded to a short
// scan so teardown never hangs.
func patternConsolidation(memory Consolidator, logger *zap.Logger) Handler {
	return func(ctx context.Context, payload Payload) Result {
		ctx, cancel := context.WithTimeout(ctx, consolidationTimeout)
		defer cancel()
		removed, err := memory.Compact(ctx)
		if err != nil {
			logger.Warn("Pattern consolidation failed", zap.Error(err))
			return Skip()
		}
		if removed > 0 {
			payload["consolidated"] = removed
			return OK(payload)
		}
		return Skip()
	}
}
