// Package apierr provides the typed error kinds the Mission Runtime
// distinguishes (guard blocks, step failures, sandbox faults, LLM errors)
// so callers can classify an error via errors.As instead of string matching.
package apierr

import (
	"fmt"
)

// Kind identifies one of the error categories the runtime must distinguish
// when deciding how a mission or step should react to a failure.
type Kind string

const (
	KindGuardBlock       Kind = "GUARD_BLOCK"
	KindStepFail         Kind = "STEP_FAIL"
	KindSandboxFatal     Kind = "SANDBOX_FATAL"
	KindLLMError         Kind = "LLM_ERROR"
	KindBackgroundReady  Kind = "BACKGROUND_READY_TIMEOUT"
	KindBackgroundDied   Kind = "BACKGROUND_DIED"
)

// WithKind is implemented by errors that carry a Kind, a human message and
// optional structured details. Mirrors a typed dto.ErrorWithStatus shape,
// generalised away from HTTP status codes since this runtime has no
// transport layer of its own.
type WithKind interface {
	error
	Kind() Kind
	Details() map[string]any
}

// Error is the concrete error type returned by the guard, sandbox, LLM
// gateway and step executor.
type Error struct {
	kind       Kind
	message    string
	details    map[string]any
	wrappedErr error
}

func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Kind returns the error category.
func (e *Error) Kind() Kind { return e.kind }

// Details returns caller-supplied structured context, or nil.
func (e *Error) Details() map[string]any { return e.details }

// Unwrap exposes the wrapped error for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.wrappedErr }

// WithDetail attaches a single key/value to the error's details map.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap attaches an underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// New constructs an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// GuardBlock builds a GuardBlock error carrying the rule id that fired.
func GuardBlock(rule, reason string) *Error {
	return New(KindGuardBlock, reason).WithDetail("rule", rule)
}

// StepFail builds a StepFail error for the given step order index.
func StepFail(orderIndex int, reason string) *Error {
	return New(KindStepFail, reason).WithDetail("orderIndex", orderIndex)
}

// SandboxFatal builds a SandboxFatal error; these always abort the mission.
func SandboxFatal(reason string) *Error {
	return New(KindSandboxFatal, reason)
}

// LLMErr builds an LLMError for planner/coder/troubleshooter failures.
func LLMErr(role, reason string) *Error {
	return New(KindLLMError, reason).WithDetail("role", role)
}

// BackgroundReadyTimeout builds the error for a background command whose
// ready pattern never matched before the timeout elapsed.
func BackgroundReadyTimeout(pattern string, timeoutMs int) *Error {
	return New(KindBackgroundReady, "Timeout waiting for background command to become ready").
		WithDetail("pattern", pattern).WithDetail("timeoutMs", timeoutMs)
}

// BackgroundDied builds the error for a background process that exited
// before its ready pattern matched.
func BackgroundDied(tail string) *Error {
	return New(KindBackgroundDied, "Background process died unexpectedly").WithDetail("tail", tail)
}
