// Package sweep runs driver sweeps on cron schedules.
package sweep

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/ci-repair-loop/internal/config"
)

// Entry is one scheduled sweep
type Entry struct {
	Name        string          `toml:"name"`
	Cron        string          `toml:"cron"`
	Targets     []string        `toml:"targets"`
	MaxDuration config.Duration `toml:"max_duration"`
}

// File holds the [[sweep]] entries of a config file
type File struct {
	Sweeps []Entry `toml:"sweep"`
}

// Validate checks the entry and fills defaults
func (e *Entry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("sweep name is required")
	}
	if e.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(e.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if e.MaxDuration <= 0 {
		e.MaxDuration = config.Duration(4 * time.Hour)
	}
	return nil
}

// Load reads the [[sweep]] entries from a config TOML file. A missing file
// yields no entries.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	for i := range f.Sweeps {
		if err := f.Sweeps[i].Validate(); err != nil {
			return nil, fmt.Errorf("sweep %d: %w", i, err)
		}
		if seen[f.Sweeps[i].Name] {
			return nil, fmt.Errorf("sweep %d: duplicate name %q", i, f.Sweeps[i].Name)
		}
		seen[f.Sweeps[i].Name] = true
	}
	return f.Sweeps, nil
}
