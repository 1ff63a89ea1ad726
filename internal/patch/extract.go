// Package patch turns agent replies into validated diffs and applies them.
package patch

import (
	"regexp"
	"strings"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
)

// Classifier decides what an agent reply contains
type Classifier interface {
	Classify(response string) domain.PatchCandidate
}

// DefaultManualPhrases mark a reply as needing a human
var DefaultManualPhrases = []string{
	"cannot fix automatically",
	"manual intervention required",
	"requires manual",
	"unable to automatically",
	"cannot be fixed automatically",
	"needs human review",
}

// DefaultClassifier matches fixed phrases and diff headers
type DefaultClassifier struct {
	ManualPhrases []string
}

var _ Classifier = (*DefaultClassifier)(nil)

// NewDefaultClassifier returns a classifier using DefaultManualPhrases
func NewDefaultClassifier() *DefaultClassifier {
	return &DefaultClassifier{ManualPhrases: DefaultManualPhrases}
}

// Classify sorts a reply into Empty, NoDiff, RequiresManual or Success.
// Manual phrases count only in the prose before the first diff header; a
// RequiresManual candidate keeps any diff that follows the phrase.
func (c *DefaultClassifier) Classify(response string) domain.PatchCandidate {
	cand := domain.PatchCandidate{Response: response}

	text := strings.TrimSpace(response)
	switch {
	case text == "":
		cand.Classification = domain.ClassEmpty
		return cand
	case strings.EqualFold(text, "NOOP"):
		cand.Classification = domain.ClassNoDiff
		return cand
	}

	if at := c.manualPhraseIndex(text); at >= 0 {
		cand.Classification = domain.ClassRequiresManual
		cand.Diff = FindDiff(text[at:])
		return cand
	}

	cand.Diff = FindDiff(text)
	if cand.Diff == "" {
		cand.Classification = domain.ClassNoDiff
	} else {
		cand.Classification = domain.ClassSuccess
	}
	return cand
}

func (c *DefaultClassifier) manualPhraseIndex(text string) int {
	if loc := diffHeader.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}
	lower := strings.ToLower(text)
	first := -1
	for _, p := range c.ManualPhrases {
		if i := strings.Index(lower, strings.ToLower(p)); i >= 0 && (first < 0 || i < first) {
			first = i
		}
	}
	return first
}

var (
	fencedBlock = regexp.MustCompile("(?s)```[a-zA-Z]*[^\n]*\n(.*?)```")
	diffHeader  = regexp.MustCompile(`(?m)^(diff --git |--- a/|--- /dev/null|Index: )`)
)

// FindDiff returns the candidate diff in text: the first fenced block that
// starts with a diff header, else everything from the first header onward.
// It returns "" when no header exists.
func FindDiff(text string) string {
	for _, m := range fencedBlock.FindAllStringSubmatch(text, -1) {
		body := strings.TrimRight(strings.TrimLeft(m[1], "\n"), "\n")
		if loc := diffHeader.FindStringIndex(body); loc != nil && loc[0] == 0 {
			return body + "\n"
		}
	}

	loc := diffHeader.FindStringIndex(text)
	if loc == nil {
		return ""
	}
	diff := text[loc[0]:]
	// an unclosed or trailing fence ends the diff
	if i := strings.Index(diff, "\n```"); i >= 0 {
		diff = diff[:i]
	}
	return strings.TrimRight(diff, "\n") + "\n"
}
