package tui

import (
	"context"
	"time"

	"github.com/chainguard-dev/clog"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/ci-repair-loop/internal/observer"
)

// Run shows the dashboard for dir until the user quits or ctx ends. Status
// file changes trigger an immediate refresh on top of the periodic tick.
func Run(ctx context.Context, dir string, interval time.Duration) error {
	p := tea.NewProgram(NewModel(ModelConfig{Dir: dir, Interval: interval}), tea.WithAltScreen(), tea.WithContext(ctx))

	watcher, err := observer.NewStatusWatcher(dir, func(targets []string) {
		p.Send(ChangeMsg{Targets: targets})
	})
	if err != nil {
		clog.FromContext(ctx).Warn("status watcher unavailable, refreshing on tick only", "error", err)
	} else {
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	_, err = p.Run()
	return err
}
