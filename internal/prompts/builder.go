package prompts

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
)

const (
	patchErrorLimit = 2000
	truncationMark  = "...(truncated)\n"
)

// Limits bounds the payload
type Limits struct {
	MaxDiffChars   int
	MaxDiffLines   int
	MaxPromptChars int
}

// Builder assembles bounded agent payloads
type Builder struct {
	loader      *Loader
	limits      Limits
	protected   []string
	repoContext string
}

// NewBuilder creates a Builder. protected is listed in the rules block.
func NewBuilder(loader *Loader, limits Limits, protected []string, repoContext string) *Builder {
	return &Builder{
		loader:      loader,
		limits:      limits,
		protected:   protected,
		repoContext: repoContext,
	}
}

// RepairInput is everything the loop knows about a failing run
type RepairInput struct {
	CICommand   string
	Attempt     int
	MaxAttempts int
	GitStatus   string
	Issues      []domain.Issue
	Diff        string
	// DiffStat replaces Diff when the diff is too large. Computed from Diff
	// when empty.
	DiffStat    string
	FocusedDiff string
	Log         string
	PatchError  string
}

type repairData struct {
	RepoContext   string
	CICommand     string
	Attempt       int
	MaxAttempts   int
	GitStatus     string
	Issues        string
	Issue         string
	Diff          string
	DiffIsSummary bool
	FocusedDiff   string
	Log           string
	PatchError    string
	Rules         string
}

// Rules renders the rules block that every repair payload carries verbatim.
func (b *Builder) Rules() (string, error) {
	return b.loader.Execute("rules.md", struct{ Protected []string }{b.protected})
}

// Repair builds the whole-log payload
func (b *Builder) Repair(in RepairInput) (string, error) {
	return b.render("repair/whole_diff.md", in, "")
}

// Issue builds a payload scoped to one issue
func (b *Builder) Issue(in RepairInput, issue domain.Issue) (string, error) {
	return b.render("repair/issue.md", in, issue.String())
}

// Narrowed builds the "fix only the smallest issue" follow-up
func (b *Builder) Narrowed(in RepairInput, issue domain.Issue) (string, error) {
	return b.render("repair/narrowed.md", in, issue.String())
}

// Hang builds the resource-cleanup payload for a target that timed out
func (b *Builder) Hang(in RepairInput) (string, error) {
	return b.render("repair/hang.md", in, "")
}

func (b *Builder) render(name string, in RepairInput, issue string) (string, error) {
	rules, err := b.Rules()
	if err != nil {
		return "", err
	}
	data := repairData{
		RepoContext: b.repoContext,
		CICommand:   in.CICommand,
		Attempt:     in.Attempt,
		MaxAttempts: in.MaxAttempts,
		GitStatus:   in.GitStatus,
		Issues:      formatIssues(in.Issues),
		Issue:       issue,
		FocusedDiff: in.FocusedDiff,
		Log:         in.Log,
		PatchError:  truncateHead(in.PatchError, patchErrorLimit),
		Rules:       rules,
	}
	data.Diff, data.DiffIsSummary = b.boundDiff(in)

	out, err := b.loader.Execute(name, data)
	if err != nil {
		return "", err
	}
	if b.limits.MaxPromptChars <= 0 {
		return out, nil
	}

	// Shrink the variable sections, oldest content first, until the payload fits.
	// Rules and the single issue are never cut.
	shrinkers := []*string{&data.Log, &data.FocusedDiff, &data.Issues, &data.GitStatus}
	for _, field := range shrinkers {
		over := len(out) - b.limits.MaxPromptChars
		if over <= 0 {
			break
		}
		*field = truncateTail(*field, len(*field)-over-len(truncationMark))
		if out, err = b.loader.Execute(name, data); err != nil {
			return "", err
		}
	}
	if len(out) > b.limits.MaxPromptChars && !data.DiffIsSummary && data.Diff != "" {
		data.Diff, data.DiffIsSummary = SummarizeDiff(in.Diff), true
		if out, err = b.loader.Execute(name, data); err != nil {
			return "", err
		}
	}
	return out, nil
}

// boundDiff returns the diff or, when it exceeds the limits, a file-level summary.
func (b *Builder) boundDiff(in RepairInput) (string, bool) {
	if in.Diff == "" {
		if in.DiffStat != "" {
			return in.DiffStat, true
		}
		return "", false
	}
	tooLong := b.limits.MaxDiffChars > 0 && len(in.Diff) > b.limits.MaxDiffChars
	tooMany := b.limits.MaxDiffLines > 0 && strings.Count(in.Diff, "\n") > b.limits.MaxDiffLines
	if !tooLong && !tooMany {
		return in.Diff, false
	}
	if in.DiffStat != "" {
		return in.DiffStat, true
	}
	return SummarizeDiff(in.Diff), true
}

func formatIssues(list []domain.Issue) string {
	if len(list) == 0 {
		return "(not detected)"
	}
	var sb strings.Builder
	for i, is := range list {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "%d. %s", i+1, is.String())
	}
	return sb.String()
}

// truncateTail keeps the last keep bytes of s, marking the cut.
func truncateTail(s string, keep int) string {
	if keep <= 0 {
		if s == "" {
			return s
		}
		return strings.TrimSuffix(truncationMark, "\n")
	}
	if len(s) <= keep {
		return s
	}
	return truncationMark + s[len(s)-keep:]
}

// truncateHead keeps the first limit bytes of s.
func truncateHead(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "...(truncated)"
}

// CommitSingle asks for a subject line covering the whole diff.
// rejection carries the reason the previous answer was refused, if any.
func (b *Builder) CommitSingle(diff string, maxSubject int, rejection string) (string, error) {
	return b.loader.Execute("commit/single.md", struct {
		Diff       string
		MaxSubject int
		Rejection  string
	}{diff, maxSubject, rejection})
}

// CommitChunk asks for a summary of one slice of a large diff.
func (b *Builder) CommitChunk(chunk string, index, total int) (string, error) {
	return b.loader.Execute("commit/chunk.md", struct {
		Chunk        string
		Index, Total int
	}{chunk, index, total})
}

// CommitReduce merges chunk summaries into one subject line.
func (b *Builder) CommitReduce(summaries []string, maxSubject int, rejection string) (string, error) {
	return b.loader.Execute("commit/reduce.md", struct {
		Summaries  []string
		MaxSubject int
		Rejection  string
	}{summaries, maxSubject, rejection})
}
