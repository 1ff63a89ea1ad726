package driver

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("255"))
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	skipStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	hangStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// StatusStyle returns the color used for a status
func StatusStyle(s domain.TargetStatus) lipgloss.Style {
	switch s {
	case domain.TargetPass:
		return passStyle
	case domain.TargetSkip, domain.TargetPending:
		return skipStyle
	case domain.TargetTimeout, domain.TargetMissing:
		return hangStyle
	}
	return failStyle
}

// RenderReport writes the sweep table, remediation results and totals
func RenderReport(w io.Writer, r *Report) {
	nameWidth := len("TARGET")
	for _, t := range r.Targets {
		nameWidth = max(nameWidth, len(t.Name))
	}

	row := func(name, status, dur, size string) string {
		return fmt.Sprintf("%-*s  %-8s  %9s  %8s", nameWidth, name, status, dur, size)
	}
	fmt.Fprintln(w, headerStyle.Render(row("TARGET", "STATUS", "DURATION", "LOG")))
	for _, t := range r.Targets {
		dur := "-"
		if d := t.Duration(); d > 0 {
			dur = d.Round(time.Second).String()
		}
		size := "-"
		if info, err := os.Stat(t.LogPath); err == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}
		// pad before styling so escape codes do not skew the columns
		status := StatusStyle(t.Status).Render(fmt.Sprintf("%-8s", t.Status))
		line := fmt.Sprintf("%-*s  %s  %9s  %8s", nameWidth, t.Name, status, dur, size)
		fmt.Fprintln(w, line)
	}

	if len(r.Remediation) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Remediation"))
		for _, res := range r.Remediation {
			outcome := string(res.Apply)
			if outcome == "" {
				outcome = string(res.Classification)
			}
			if res.Err != nil {
				outcome = "error: " + res.Err.Error()
			}
			fmt.Fprintf(w, "  %-*s  %s  %s\n", nameWidth, res.Target, StatusStyle(res.Status).Render(string(res.Status)), outcome)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, summaryLine(r))
	if n := r.Count(domain.TargetMissing); n > 0 {
		var names []string
		for _, t := range r.Targets {
			if t.Status == domain.TargetMissing {
				names = append(names, t.Name)
			}
		}
		fmt.Fprintln(w, hangStyle.Render("warning: missing targets: "+strings.Join(names, ", ")))
	}
	if len(r.Remediation) > 0 {
		fmt.Fprintln(w, dimStyle.Render("re-run the driver to verify the remediated targets"))
	}
}
