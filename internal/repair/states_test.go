package repair

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateStart, StateRunCI, true},
		{StateRunCI, StateFinalize, true},
		{StateRunCI, StateRequest, false},
		{StateClassify, StateRequest, true},
		{StateGuard, StateRunCI, true},
		{StateApply, StateFinalize, false},
		{StateFinalize, StateDone, true},
		{StateDone, StateRunCI, false},
		{StateAbort, StateRunCI, false},
	}
	for _, tt := range tests {
		if got := IsValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalStatesHaveNoSuccessors(t *testing.T) {
	for from := range Transitions {
		if IsTerminal(from) {
			t.Errorf("terminal state %s has outgoing transitions", from)
		}
	}
	if len(ValidNextStates(StateDone)) != 0 || len(ValidNextStates(StateAbort)) != 0 {
		t.Error("terminal states should have no successors")
	}
}

func TestExitCodes(t *testing.T) {
	seen := map[int]Kind{}
	for kind, code := range exitCodes {
		if code == ExitOK || code == ExitInternal {
			t.Errorf("%s uses reserved code %d", kind, code)
		}
		if other, dup := seen[code]; dup {
			t.Errorf("%s and %s share code %d", kind, other, code)
		}
		seen[code] = kind
	}
	if got := ExitCode(nil); got != ExitOK {
		t.Errorf("ExitCode(nil) = %d", got)
	}
	if got := ExitCode(errors.New("boom")); got != ExitInternal {
		t.Errorf("ExitCode(plain) = %d", got)
	}
	wrapped := fmt.Errorf("driver: %w", &Error{Kind: KindTargetTimeout})
	if got := ExitCode(wrapped); got != 18 {
		t.Errorf("ExitCode(wrapped timeout) = %d, want 18", got)
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: KindPatchApply, Attempt: 3, Cause: errors.New("lock held")}
	want := "PatchApplyFailure at attempt 3: lock held"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestStrategyPlans(t *testing.T) {
	list := []domain.Issue{{File: "a.go"}, {File: "b.go"}, {File: "c.go"}}

	if units := (WholeDiff{}).Plan(list); len(units) != 1 || units[0].Issue != nil {
		t.Errorf("WholeDiff.Plan = %+v", units)
	}

	units := IssueByIssue{MaxPerPass: 2}.Plan(list)
	if len(units) != 2 {
		t.Fatalf("IssueByIssue.Plan len = %d, want 2", len(units))
	}
	if units[1].Issue.File != "b.go" || units[1].suffix() != "issue-02" {
		t.Errorf("second unit = %+v (%s)", units[1].Issue, units[1].suffix())
	}
	if units := (IssueByIssue{}).Plan(nil); len(units) != 1 || units[0].Issue != nil {
		t.Errorf("IssueByIssue.Plan(nil) = %+v", units)
	}

	if _, err := StrategyByName("bogus", 0); err == nil {
		t.Error("expected error for unknown strategy")
	}
	s, err := StrategyByName(StrategyIssueByIssue, 4)
	if err != nil || s.Name() != StrategyIssueByIssue {
		t.Errorf("StrategyByName = %v, %v", s, err)
	}
}
