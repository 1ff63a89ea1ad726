package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Artifact file names inside an attempt directory
const (
	FileCILog    = "ci.log"
	FileIssues   = "issues.json"
	FilePrompt   = "prompt.txt"
	FileResponse = "response.txt"
	FilePatch    = "patch.diff"
	FileApply    = "apply.txt"
)

// ErrExists is returned when an artifact was already written
var ErrExists = errors.New("artifact already exists")

// Run is the artifact directory of one repair session
type Run struct {
	ID  string
	Dir string
}

// Suffixed inserts a suffix before the extension: prompt.txt, "issue-03" => prompt-issue-03.txt
func Suffixed(name, suffix string) string {
	if suffix == "" {
		return name
	}
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "-" + suffix + ext
}

// AttemptDir returns the directory for attempt idx
func (r *Run) AttemptDir(idx int) string {
	return filepath.Join(r.Dir, fmt.Sprintf("attempt-%02d", idx))
}

// Path returns where an artifact of attempt idx lives
func (r *Run) Path(idx int, name string) string {
	return filepath.Join(r.AttemptDir(idx), name)
}

// Write stores an artifact once. Writing the same name twice fails with ErrExists.
func (r *Run) Write(idx int, name string, data []byte) (string, error) {
	dir := r.AttemptDir(idx)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, os.ErrExist) {
		return path, fmt.Errorf("%w: %s", ErrExists, path)
	}
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return path, err
	}
	return path, f.Close()
}

// WriteString is Write for text artifacts
func (r *Run) WriteString(idx int, name, text string) (string, error) {
	return r.Write(idx, name, []byte(text))
}

// WriteJSON stores v as indented JSON
func (r *Run) WriteJSON(idx int, name string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return r.Write(idx, name, append(data, '\n'))
}

// Existing returns the paths of the named artifacts of attempt idx that
// exist, in the order given.
func (r *Run) Existing(idx int, names ...string) []string {
	var paths []string
	for _, n := range names {
		p := r.Path(idx, n)
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	return paths
}
