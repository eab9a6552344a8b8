package safego

import (
	"context"

	"go.uber.org/zap"
)

// Go launches a goroutine with panic recovery.
// If the goroutine panics, the panic value is logged and the goroutine exits
// cleanly instead of crashing the process.
//
// Usage:
//
//	safego.Go(logger, "health-poller", func() {
//	    // work that might panic
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}

// GoCtx is like Go but passes a context to the function. The goroutine is
// expected to return promptly once ctx is done.
func GoCtx(ctx context.Context, logger *zap.Logger, name string, fn func(ctx context.Context)) {
	Go(logger, name, func() { fn(ctx) })
}

// Recover runs fn in the current goroutine and converts a panic into the
// returned panic value (nil when fn completes normally). Used at hook and
// subscriber boundaries where the chain must continue after a crash.
func Recover(fn func()) (panicked any) {
	defer func() {
		if r := recover(); r != nil {
			panicked = r
		}
	}()
	fn()
	return nil
}
