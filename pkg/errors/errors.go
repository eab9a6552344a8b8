package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for routing and recovery decisions.
type Kind string

const (
	KindInvalidArguments      Kind = "invalid_arguments"
	KindToolExecution         Kind = "tool_execution_error"
	KindProviderUnavailable   Kind = "provider_unavailable"
	KindCircuitOpen           Kind = "circuit_open"
	KindContextOverflow       Kind = "context_overflow"
	KindBudgetExceeded        Kind = "budget_exceeded"
	KindHookBlocked           Kind = "hook_blocked"
	KindMaxIterationsExceeded Kind = "max_iterations_exceeded"
	KindCancelled             Kind = "cancelled"
	KindHookCrash             Kind = "hook_crash"
	KindSidecarTimeout        Kind = "sidecar_timeout"
	KindNoSidecar             Kind = "no_sidecar"
	KindNotFound              Kind = "not_found"
	KindInternal              Kind = "internal_error"
)

// AppError carries a Kind alongside a message and an optional cause.
// It is the single error shape that crosses component boundaries; callers
// switch on Kind rather than on error strings.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError of the given kind.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Wrap creates an AppError of the given kind with a cause.
func Wrap(kind Kind, message string, cause error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the Kind from err, or KindInternal if err is not an AppError.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// IsInvalidArguments reports whether err is an argument validation failure.
func IsInvalidArguments(err error) bool { return Is(err, KindInvalidArguments) }

// IsBudgetExceeded reports whether err is a cost cap violation.
func IsBudgetExceeded(err error) bool { return Is(err, KindBudgetExceeded) }

// IsCircuitOpen reports whether err was rejected by an open circuit breaker.
func IsCircuitOpen(err error) bool { return Is(err, KindCircuitOpen) }

// IsContextOverflow reports whether err indicates the prompt cannot fit the
// token budget even after compaction.
func IsContextOverflow(err error) bool { return Is(err, KindContextOverflow) }

// IsNotFound reports whether err is a missing-resource error.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsCancelled reports whether err came from caller cancellation.
func IsCancelled(err error) bool { return Is(err, KindCancelled) }

// UserVisible reports whether the error kind should surface to the end user
// rather than only being logged.
func UserVisible(err error) bool {
	switch KindOf(err) {
	case KindHookCrash, KindInternal:
		return false
	default:
		return true
	}
}
