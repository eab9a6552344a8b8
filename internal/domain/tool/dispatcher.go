package tool

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/miosa-osa/osa/pkg/errors"
	"github.com/miosa-osa/osa/pkg/safego"
)

// Result is what a dispatch produces. Output goes back to the model even on
// failure so it can react to the error text.
type Result struct {
	Output     string
	Success    bool
	DurationMs int64
}

// Dispatcher validates and executes tool calls against the registry.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher; timeout <= 0 defaults to 30s.
func NewDispatcher(registry *Registry, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		registry: registry,
		timeout:  timeout,
		logger:   logger.With(zap.String("component", "dispatcher")),
	}
}

// Execute runs the named tool. Arguments are validated against the tool's
// schema first; violations return invalid_arguments without invoking the
// implementation. A panicking tool is converted to tool_execution_error.
func (d *Dispatcher) Execute(ctx context.Context, name string, args map[string]any) (*Result, error) {
	start := time.Now()

	t, ok := d.registry.Get(name)
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, fmt.Sprintf("tool %q not registered", name))
	}

	if args == nil {
		args = map[string]any{}
	}
	if schema, ok := d.registry.schema(name); ok && schema != nil {
		if err := schema.Validate(normalizeForValidation(args)); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInvalidArguments,
				fmt.Sprintf("arguments for %q rejected by schema", name), err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var (
		output string
		err    error
	)
	if panicked := safego.Recover(func() {
		output, err = t.Execute(ctx, args)
	}); panicked != nil {
		d.logger.Error("Tool panicked",
			zap.String("tool", name),
			zap.Any("panic", panicked),
		)
		return nil, apperrors.New(apperrors.KindToolExecution,
			fmt.Sprintf("tool %q panicked: %v", name, panicked))
	}

	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		d.logger.Warn("Tool failed",
			zap.String("tool", name),
			zap.Int64("duration_ms", elapsed),
			zap.Error(err),
		)
		return &Result{
			Output:     "Error: " + err.Error(),
			Success:    false,
			DurationMs: elapsed,
		}, apperrors.Wrap(apperrors.KindToolExecution, fmt.Sprintf("tool %q failed", name), err)
	}

	d.logger.Debug("Tool executed",
		zap.String("tool", name),
		zap.Int64("duration_ms", elapsed),
	)
	return &Result{Output: output, Success: true, DurationMs: elapsed}, nil
}

// normalizeForValidation converts Go-typed argument values into the shapes
// the schema validator expects (json round-trip semantics without the
// round-trip for common cases).
func normalizeForValidation(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		switch n := v.(type) {
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		case float32:
			out[k] = float64(n)
		default:
			out[k] = v
		}
	}
	return out
}
