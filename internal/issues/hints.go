package issues

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	missingSymbol    = regexp.MustCompile(`ImportError: cannot import name '([^']+)' from '([^']+)'`)
	missingAttribute = regexp.MustCompile(`AttributeError:\s+'[^']+'\s+object\s+has\s+no\s+attribute\s+'([^']+)'`)
	pythonFrame      = regexp.MustCompile(`File "([^"]+)", line \d+, in[^\n]+`)
)

// ManualHint returns guidance when the log shows a failure no patch is
// expected to fix: an import of a symbol that does not exist, or a missing
// attribute raised from a file inside repoRoot. Returns "" otherwise.
func ManualHint(log, repoRoot string) string {
	if m := missingSymbol.FindStringSubmatch(log); m != nil {
		return fmt.Sprintf("missing symbol `%s` in module `%s`; fix the import path or restore the symbol", m[1], m[2])
	}
	if m := missingAttribute.FindStringSubmatch(log); m != nil && repoRoot != "" {
		if file := innermostRepoFrame(log, repoRoot); file != "" {
			return fmt.Sprintf("missing attribute `%s` in `%s`; review the failing attribute before retrying", m[1], file)
		}
	}
	return ""
}

// innermostRepoFrame returns the last traceback frame that lies inside
// root, relative to it. Frames in installed packages are skipped.
func innermostRepoFrame(log, root string) string {
	root = resolve(root, "")
	frames := pythonFrame.FindAllStringSubmatch(log, -1)
	for i := len(frames) - 1; i >= 0; i-- {
		rel, err := filepath.Rel(root, resolve(frames[i][1], root))
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return filepath.ToSlash(rel)
	}
	return ""
}

// resolve makes p absolute against base and follows symlinks where the
// path exists
func resolve(p, base string) string {
	if !filepath.IsAbs(p) && base != "" {
		p = filepath.Join(base, p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if real, err := filepath.EvalSymlinks(p); err == nil {
		return real
	}
	return filepath.Clean(p)
}
