package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
	"github.com/hochfrequenz/ci-repair-loop/internal/driver"
)

var (
	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205"))

	warningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	statusBarStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255"))

	dimmedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))
)

var statusOrder = []domain.TargetStatus{
	domain.TargetPending,
	domain.TargetPass,
	domain.TargetSkip,
	domain.TargetFail,
	domain.TargetTimeout,
	domain.TargetMissing,
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	counts := m.Counts()
	var parts []string
	for _, s := range statusOrder {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", s, n))
		}
	}
	header := fmt.Sprintf(" ci-repair watch │ %s │ %d targets │ %s ", m.dir, len(m.targets), strings.Join(parts, "  "))
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderTargets()))
	b.WriteString("\n")

	if m.showLog && len(m.targets) > 0 {
		title := selectedStyle.Render("Log: " + m.targets[m.selected].Name)
		b.WriteString(sectionStyle.Width(m.width - 2).Render(title + "\n" + m.logTail))
		b.WriteString("\n")
	}

	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderTargets() string {
	if m.err != nil {
		return warningStyle.Render("cannot read " + m.dir + ": " + m.err.Error())
	}
	if len(m.targets) == 0 {
		return dimmedStyle.Render("No targets yet")
	}

	nameWidth := len("TARGET")
	for _, t := range m.targets {
		nameWidth = max(nameWidth, len(t.Name))
	}

	var b strings.Builder
	b.WriteString(dimmedStyle.Render(fmt.Sprintf("  %-*s  %-8s  %8s  %8s  %s", nameWidth, "TARGET", "STATUS", "TOOK", "LOG", "UPDATED")))
	b.WriteString("\n")
	for i, t := range m.targets {
		cursor := "  "
		name := fmt.Sprintf("%-*s", nameWidth, t.Name)
		if i == m.selected {
			cursor = "> "
			name = selectedStyle.Render(name)
		}
		status := driver.StatusStyle(t.Status).Render(fmt.Sprintf("%-8s", t.Status))
		size := "-"
		if t.LogSize > 0 {
			size = humanize.Bytes(uint64(t.LogSize))
		}
		updated := "-"
		if !t.Modified.IsZero() {
			updated = humanize.Time(t.Modified)
		}
		took := "-"
		if t.Duration > 0 {
			took = t.Duration.Round(time.Second).String()
		}
		fmt.Fprintf(&b, "%s%s  %s  %8s  %8s  %s\n", cursor, name, status, took, size, updated)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderStatusBar() string {
	refreshed := "never"
	if !m.lastRefresh.IsZero() {
		refreshed = m.lastRefresh.Format(time.TimeOnly)
	}
	help := fmt.Sprintf(" j/k: select  enter: log  r: refresh  q: quit │ refreshed %s ", refreshed)
	return statusBarStyle.Width(m.width).Render(help)
}
