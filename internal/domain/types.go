package domain

// IssueKind classifies a diagnosable failure
type IssueKind string

const (
	IssueStructural IssueKind = "structural"
	IssuePolicy     IssueKind = "policy"
	IssueLint       IssueKind = "lint"
	IssueType       IssueKind = "type"
	IssueTest       IssueKind = "test"
	IssueCoverage   IssueKind = "coverage"
	IssueUnknown    IssueKind = "unknown"
)

// Classification is the verdict on a raw agent response
type Classification string

const (
	ClassSuccess        Classification = "success"
	ClassEmpty          Classification = "empty"
	ClassNoDiff         Classification = "no_diff"
	ClassRequiresManual Classification = "requires_manual"
)

// Usable reports whether a candidate with this classification carries a diff worth applying.
func (c Classification) Usable() bool {
	return c == ClassSuccess
}

// ApplyResult is the outcome of applying one candidate
type ApplyResult string

const (
	ApplyApplied        ApplyResult = "applied"
	ApplyAlreadyApplied ApplyResult = "already_applied"
	ApplyRejected       ApplyResult = "rejected"
	ApplyFailedDryRun   ApplyResult = "failed_dry_run"
)

// Mutated reports whether the working tree was changed by the apply.
func (r ApplyResult) Mutated() bool {
	return r == ApplyApplied
}

// TargetStatus is the terminal token a driver worker reports
type TargetStatus string

const (
	TargetPending TargetStatus = "Pending"
	TargetPass    TargetStatus = "Pass"
	TargetSkip    TargetStatus = "Skip"
	TargetFail    TargetStatus = "Fail"
	TargetTimeout TargetStatus = "Timeout"
	TargetMissing TargetStatus = "Missing"
)

// ParseTargetStatus parses a status token; unknown tokens report ok=false.
func ParseTargetStatus(s string) (TargetStatus, bool) {
	switch st := TargetStatus(s); st {
	case TargetPending, TargetPass, TargetSkip, TargetFail, TargetTimeout, TargetMissing:
		return st, true
	}
	return "", false
}

// Terminal reports whether no further transition is expected for the target.
func (s TargetStatus) Terminal() bool {
	return s != TargetPending && s != ""
}

// NeedsRemediation reports whether the target is handed to the remediation pass.
func (s TargetStatus) NeedsRemediation() bool {
	return s == TargetFail || s == TargetTimeout
}
