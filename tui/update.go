package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, refreshCmd(m.dir)
		case "j", "down":
			if m.selected < len(m.targets)-1 {
				m.selected++
			}
			if m.showLog {
				m.loadLog()
			}
		case "k", "up":
			if m.selected > 0 {
				m.selected--
			}
			if m.showLog {
				m.loadLog()
			}
		case "enter", "l":
			m.showLog = !m.showLog
			if m.showLog {
				m.loadLog()
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(refreshCmd(m.dir), tickCmd(m.interval))

	case ChangeMsg:
		return m, refreshCmd(m.dir)

	case RefreshMsg:
		m.err = msg.Err
		if msg.Err == nil {
			m.targets = msg.Targets
			m.lastRefresh = time.Now()
		}
		if m.selected >= len(m.targets) {
			m.selected = max(0, len(m.targets)-1)
		}
		if m.showLog {
			m.loadLog()
		}
	}

	return m, nil
}
