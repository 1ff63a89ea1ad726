package prompts

import (
	"strings"
	"testing"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
)

const sampleDiff = `diff --git a/pkg/a.go b/pkg/a.go
--- a/pkg/a.go
+++ b/pkg/a.go
@@ -1,2 +1,3 @@
 package pkg
-var x = 1
+var x = 2
+var y = 3
diff --git a/README.md b/README.md
--- a/README.md
+++ b/README.md
@@ -1 +1 @@
-old
+new
`

func newTestBuilder(limits Limits) *Builder {
	return NewBuilder(NewLoader(), limits, []string{".github/workflows/", "ci-config/"}, "")
}

func TestRulesListProtectedPaths(t *testing.T) {
	rules, err := newTestBuilder(Limits{}).Rules()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"`.github/workflows/`", "`ci-config/`", "NOOP", "git apply"} {
		if !strings.Contains(rules, want) {
			t.Errorf("rules missing %q:\n%s", want, rules)
		}
	}
}

func TestRepairIncludesContext(t *testing.T) {
	b := NewBuilder(NewLoader(), Limits{}, nil, "This repo uses tox.")
	out, err := b.Repair(RepairInput{
		CICommand:   "./ci.sh",
		Attempt:     2,
		MaxAttempts: 5,
		GitStatus:   " M pkg/a.go",
		Issues:      []domain.Issue{{Kind: domain.IssueTest, Raw: "FAILED test_x", StartLine: 3, EndLine: 3}},
		Diff:        sampleDiff,
		Log:         "FAILED test_x",
		PatchError:  "patch does not apply",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"This repo uses tox.",
		"`./ci.sh`",
		"Attempt: 2 of 5",
		" M pkg/a.go",
		"1. [test]",
		"+var y = 3",
		"patch does not apply",
		"Non-negotiable rules",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("payload missing %q", want)
		}
	}
}

func TestRepairEmptyDiffAndNoIssues(t *testing.T) {
	out, err := newTestBuilder(Limits{}).Repair(RepairInput{CICommand: "make ci", Attempt: 1, MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"/* no diff */", "(not detected)", "(clean)", "(none)"} {
		if !strings.Contains(out, want) {
			t.Errorf("payload missing %q", want)
		}
	}
}

func TestRepairSummarizesLargeDiff(t *testing.T) {
	out, err := newTestBuilder(Limits{MaxDiffLines: 5}).Repair(RepairInput{Diff: sampleDiff})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "+var y = 3") {
		t.Error("full diff should have been replaced by a summary")
	}
	if !strings.Contains(out, "pkg/a.go") || !strings.Contains(out, "summary, full diff too large") {
		t.Errorf("summary missing from payload:\n%s", out)
	}
}

func TestRepairRespectsPromptLimit(t *testing.T) {
	b := newTestBuilder(Limits{MaxPromptChars: 4000})
	rules, _ := b.Rules()
	out, err := b.Repair(RepairInput{
		CICommand: "./ci.sh",
		Log:       strings.Repeat("noise line\n", 2000) + "the final error",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) > 4000 {
		t.Errorf("payload is %d chars, limit 4000", len(out))
	}
	if !strings.Contains(out, rules) {
		t.Error("rules block must survive shrinking")
	}
	if !strings.Contains(out, "the final error") {
		t.Error("newest log lines must survive shrinking")
	}
}

func TestPatchErrorTruncated(t *testing.T) {
	out, err := newTestBuilder(Limits{}).Repair(RepairInput{PatchError: strings.Repeat("e", 5000)})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, strings.Repeat("e", 2001)) {
		t.Error("patch error should be truncated to 2000 chars")
	}
}

func TestIssueAndNarrowed(t *testing.T) {
	b := newTestBuilder(Limits{})
	issue := domain.Issue{Kind: domain.IssueLint, Raw: "a.py:3:1: E302", File: "a.py", StartLine: 7, EndLine: 7}

	out, err := b.Issue(RepairInput{CICommand: "x", FocusedDiff: "+focused"}, issue)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Fix ONLY this failure") || !strings.Contains(out, "a.py:3:1: E302") || !strings.Contains(out, "+focused") {
		t.Errorf("issue payload incomplete:\n%s", out)
	}

	out, err = b.Narrowed(RepairInput{CICommand: "x", PatchError: "empty response"}, issue)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "smallest issue") || !strings.Contains(out, "empty response") {
		t.Errorf("narrowed payload incomplete:\n%s", out)
	}
}

func TestHang(t *testing.T) {
	out, err := newTestBuilder(Limits{}).Hang(RepairInput{CICommand: "pytest", Log: "collected 10 items"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "hang") || !strings.Contains(out, "collected 10 items") {
		t.Errorf("hang payload incomplete:\n%s", out)
	}
}

func TestCommitPrompts(t *testing.T) {
	b := newTestBuilder(Limits{})

	out, err := b.CommitSingle("+x", 72, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "at most 72 characters") || strings.Contains(out, "rejected") {
		t.Errorf("unexpected single prompt:\n%s", out)
	}
	out, err = b.CommitSingle("+x", 72, "subject too long")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "subject too long") {
		t.Error("rejection reason missing")
	}

	out, err = b.CommitChunk("+y", 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "part 2 of 3") {
		t.Errorf("chunk prompt missing position:\n%s", out)
	}

	out, err = b.CommitReduce([]string{"add a", "fix b"}, 50, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Part 1:\nadd a") || !strings.Contains(out, "Part 2:\nfix b") {
		t.Errorf("reduce prompt missing summaries:\n%s", out)
	}
}

func TestSummarizeDiff(t *testing.T) {
	files, err := DiffFiles(sampleDiff)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0] != (FileChange{Path: "pkg/a.go", Added: 2, Removed: 1}) {
		t.Errorf("unexpected first file: %+v", files[0])
	}
	sum := SummarizeDiff(sampleDiff)
	if !strings.Contains(sum, "2 files changed, 3 insertions(+), 2 deletions(-)") {
		t.Errorf("unexpected summary:\n%s", sum)
	}
	if SummarizeDiff("") != "(no file changes detected)" {
		t.Error("empty diff summary")
	}
	if sum := SummarizeDiff("@@ -1 +1 @@\n-a\n+b\n"); !strings.HasPrefix(sum, "(diff not summarized") {
		t.Errorf("malformed diff summary = %q", sum)
	}
}
