package driver

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
	"github.com/hochfrequenz/ci-repair-loop/internal/observer"
)

// LogSuffix is the extension of per-target log files
const LogSuffix = ".log"

// SummaryName is the sweep summary written to the output directory
const SummaryName = "summary.json"

// StatusPath returns the status file of a target
func StatusPath(dir, target string) string {
	return filepath.Join(dir, target+observer.StatusSuffix)
}

// LogPath returns the log file of a target
func LogPath(dir, target string) string {
	return filepath.Join(dir, target+LogSuffix)
}

// ReadStatus reads the token in a status file. A missing file or an unknown
// token reports ok=false.
func ReadStatus(path string) (domain.TargetStatus, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return domain.ParseTargetStatus(strings.TrimSpace(string(data)))
}

// WriteStatus replaces the status file atomically so readers never see a
// partial token.
func WriteStatus(path string, status domain.TargetStatus) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".status-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(string(status) + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
