package repair

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies why a repair session stopped
type Kind string

const (
	KindTransientAgent     Kind = "TransientAgentError"
	KindAgentInvocation    Kind = "AgentInvocationError"
	KindEmptyResponse      Kind = "EmptyResponse"
	KindNoDiff             Kind = "NoDiff"
	KindManualIntervention Kind = "ManualInterventionRequired"
	KindProtectedPath      Kind = "ProtectedPathViolation"
	KindPatchApply         Kind = "PatchApplyFailure"
	KindBudgetExhausted    Kind = "AttemptBudgetExhausted"
	KindTargetTimeout      Kind = "TargetTimeout"
)

// Process exit codes. Every Kind has its own so callers can tell "needs a
// human" from "retry later".
const (
	ExitOK       = 0
	ExitInternal = 1
)

var exitCodes = map[Kind]int{
	KindTransientAgent:     10,
	KindAgentInvocation:    11,
	KindEmptyResponse:      12,
	KindNoDiff:             13,
	KindManualIntervention: 14,
	KindProtectedPath:      15,
	KindPatchApply:         16,
	KindBudgetExhausted:    17,
	KindTargetTimeout:      18,
}

// ExitCode returns the process exit code for the kind
func (k Kind) ExitCode() int {
	if code, ok := exitCodes[k]; ok {
		return code
	}
	return ExitInternal
}

// Retryable reports whether running again later may succeed without a human
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientAgent, KindTargetTimeout, KindBudgetExhausted:
		return true
	}
	return false
}

// Error is a terminal repair failure
type Error struct {
	Kind    Kind
	Attempt int
	Msg     string
	Cause   error
	// Artifacts lists the archived prompt, response and patch of the last request.
	Artifacts []string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " at attempt %d", e.Attempt)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// ExitCode maps an error to a process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if k := KindOf(err); k != "" {
		return k.ExitCode()
	}
	return ExitInternal
}
