package domain

import "fmt"

// Issue is one discrete diagnosable failure extracted from CI output
type Issue struct {
	Kind      IssueKind `json:"kind"`
	Raw       string    `json:"raw"`
	File      string    `json:"file,omitempty"`
	StartLine int       `json:"start_line"`
	EndLine   int       `json:"end_line"`
}

// String renders the issue for prompts and logs
func (i Issue) String() string {
	if i.File != "" {
		return fmt.Sprintf("[%s] %s (lines %d-%d)\n%s", i.Kind, i.File, i.StartLine, i.EndLine, i.Raw)
	}
	return fmt.Sprintf("[%s] (lines %d-%d)\n%s", i.Kind, i.StartLine, i.EndLine, i.Raw)
}
