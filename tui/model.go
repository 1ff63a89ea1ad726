// Package tui renders a live dashboard over a driver output directory.
package tui

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
	"github.com/hochfrequenz/ci-repair-loop/internal/driver"
	"github.com/hochfrequenz/ci-repair-loop/internal/observer"
	"github.com/hochfrequenz/ci-repair-loop/internal/runner"
)

// TargetRow is one target as seen on disk
type TargetRow struct {
	Name     string
	Status   domain.TargetStatus
	LogPath  string
	LogSize  int64
	Modified time.Time
	// Duration comes from summary.json and is zero until the sweep ends.
	Duration time.Duration
}

// Model is the TUI application model
type Model struct {
	dir      string
	interval time.Duration
	targets  []TargetRow
	err      error

	// UI state
	width    int
	height   int
	selected int
	showLog  bool
	logTail  string

	lastRefresh time.Time
}

// ModelConfig holds initial settings for the TUI model
type ModelConfig struct {
	Dir      string
	Interval time.Duration
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return Model{dir: cfg.Dir, interval: cfg.Interval}
}

// Init loads the directory and starts the tick
func (m Model) Init() tea.Cmd {
	return tea.Batch(refreshCmd(m.dir), tickCmd(m.interval))
}

// TickMsg triggers a periodic refresh
type TickMsg time.Time

// ChangeMsg is sent when status files change on disk
type ChangeMsg struct {
	Targets []string
}

// RefreshMsg carries a fresh directory scan
type RefreshMsg struct {
	Targets []TargetRow
	Err     error
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func refreshCmd(dir string) tea.Cmd {
	return func() tea.Msg {
		rows, err := LoadTargets(dir)
		return RefreshMsg{Targets: rows, Err: err}
	}
}

// LoadTargets scans dir for status files, sorted by name. Unknown tokens
// show as Pending. Durations are filled in once summary.json exists.
func LoadTargets(dir string) ([]TargetRow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	durations := map[string]time.Duration{}
	if summary, err := driver.ReadSummary(dir); err == nil {
		for _, t := range summary {
			durations[t.Name] = t.Duration()
		}
	}
	var rows []TargetRow
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), observer.StatusSuffix) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), observer.StatusSuffix)
		status, ok := driver.ReadStatus(filepath.Join(dir, e.Name()))
		if !ok {
			status = domain.TargetPending
		}
		row := TargetRow{Name: name, Status: status, LogPath: driver.LogPath(dir, name), Duration: durations[name]}
		if info, err := e.Info(); err == nil {
			row.Modified = info.ModTime()
		}
		if info, err := os.Stat(row.LogPath); err == nil {
			row.LogSize = info.Size()
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows, nil
}

// Counts tallies targets per status
func (m Model) Counts() map[domain.TargetStatus]int {
	counts := map[domain.TargetStatus]int{}
	for _, t := range m.targets {
		counts[t.Status]++
	}
	return counts
}

func (m *Model) loadLog() {
	if m.selected >= len(m.targets) {
		m.logTail = ""
		return
	}
	data, err := os.ReadFile(m.targets[m.selected].LogPath)
	if err != nil {
		m.logTail = "(no log yet)"
		return
	}
	lines := max(5, m.height-len(m.targets)-8)
	m.logTail = runner.Tail(string(data), lines)
}
