// Package errs defines the single tagged error taxonomy used across every
// delegation engine component (§7 of the design: plan production/validation
// failures, tool errors, model-output-unusable subkinds, escalation and
// budget failures, cancellation). Every component returns *Error instead of
// ad hoc error strings so callers can branch on Kind with errors.As.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy from the delegation engine's error
// handling design. Every component surfaces failures through *Error tagged
// with one of these kinds so callers can branch on Kind instead of parsing
// messages.
type Kind string

const (
	KindPlanProductionFailed  Kind = "plan_production_failed"
	KindPlanValidationFailed  Kind = "plan_validation_failed"
	KindUnknownRole           Kind = "unknown_role"
	KindUnknownTool           Kind = "unknown_tool"
	KindToolForbidden         Kind = "tool_forbidden"
	KindToolArgInvalid        Kind = "tool_arg_invalid"
	KindToolInvocationFailed  Kind = "tool_invocation_failed"
	KindToolTimeout           Kind = "tool_timeout"
	KindModelUnavailable      Kind = "model_unavailable"
	KindModelTimeout          Kind = "model_timeout"
	KindModelOutputUnusable   Kind = "model_output_unusable"
	KindLoopLimitReached      Kind = "loop_limit_reached"
	KindEscalationUnavailable Kind = "escalation_unavailable"
	KindBudgetExceeded        Kind = "budget_exceeded"
	KindAggregationFailed     Kind = "aggregation_failed"
	KindCancelled             Kind = "cancelled"
)

// OutputUnusableReason subcategorizes KindModelOutputUnusable per the
// response-quality detectors in AgentExecutor.
type OutputUnusableReason string

const (
	ReasonEmpty            OutputUnusableReason = "empty"
	ReasonThinkingOnly     OutputUnusableReason = "thinking_only"
	ReasonCorruptLang      OutputUnusableReason = "corrupt_lang"
	ReasonConsecutiveEmpty OutputUnusableReason = "consecutive_empty"
)

// Error is the single tagged error type surfaced by every engine component.
// It carries a Kind for programmatic branching, a human message, optional
// Evidence for diagnostics, and an optional wrapped Cause so errors.Is/As
// keep working across retries and escalation hops.
type Error struct {
	Kind     Kind
	Message  string
	Evidence map[string]any
	Cause    error

	// Reason further classifies KindModelOutputUnusable errors. Empty for
	// all other kinds.
	Reason OutputUnusableReason
}

// Errorf builds an *Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind wrapping cause. If cause is
// already an *Error of a different kind it is preserved as Cause rather
// than collapsed, so the original classification survives.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return &Error{Kind: kind}
	}
	return &Error{Kind: kind, Message: cause.Error(), Cause: cause}
}

// WithEvidence returns a copy of e with Evidence merged in. Used by
// validators and detectors to attach the offending text/field alongside the
// classification.
func (e *Error) WithEvidence(kv map[string]any) *Error {
	if e == nil {
		return nil
	}
	out := *e
	out.Evidence = mergeEvidence(e.Evidence, kv)
	return &out
}

// WithReason returns a copy of e with Reason set. Used for
// KindModelOutputUnusable subcategorization.
func (e *Error) WithReason(reason OutputUnusableReason) *Error {
	if e == nil {
		return nil
	}
	out := *e
	out.Reason = reason
	return &out
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes Cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, allowing
// errors.Is(err, errs.Errorf(errs.KindBudgetExceeded, "")) checks
// without comparing messages.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return e.Kind == other.Kind
}

func mergeEvidence(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
