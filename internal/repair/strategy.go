package repair

import (
	"fmt"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
)

// Strategy names
const (
	StrategyWholeDiff    = "whole-diff"
	StrategyIssueByIssue = "issue-by-issue"
)

// Unit is one request/apply cycle within an attempt
type Unit struct {
	// Issue scopes the request; nil means the whole failure log.
	Issue *domain.Issue
	// Index is 1-based within the attempt.
	Index int
}

func (u Unit) suffix() string {
	if u.Issue == nil {
		return ""
	}
	return fmt.Sprintf("issue-%02d", u.Index)
}

// Strategy decides how an attempt is split into requests
type Strategy interface {
	Name() string
	Plan(issues []domain.Issue) []Unit
}

// WholeDiff sends one request covering every failure
type WholeDiff struct{}

func (WholeDiff) Name() string { return StrategyWholeDiff }

func (WholeDiff) Plan([]domain.Issue) []Unit {
	return []Unit{{Index: 1}}
}

// IssueByIssue sends one request per extracted issue and re-runs CI once
// after the whole pass
type IssueByIssue struct {
	MaxPerPass int
}

func (IssueByIssue) Name() string { return StrategyIssueByIssue }

func (s IssueByIssue) Plan(list []domain.Issue) []Unit {
	if len(list) == 0 {
		return []Unit{{Index: 1}}
	}
	if s.MaxPerPass > 0 && len(list) > s.MaxPerPass {
		list = list[:s.MaxPerPass]
	}
	units := make([]Unit, len(list))
	for i := range list {
		units[i] = Unit{Issue: &list[i], Index: i + 1}
	}
	return units
}

// StrategyByName returns the named strategy
func StrategyByName(name string, maxPerPass int) (Strategy, error) {
	switch name {
	case StrategyWholeDiff, "":
		return WholeDiff{}, nil
	case StrategyIssueByIssue:
		return IssueByIssue{MaxPerPass: maxPerPass}, nil
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}
