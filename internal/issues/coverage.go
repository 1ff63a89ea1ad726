package issues

import (
	"fmt"
	"strconv"
	"strings"
)

// CoverageDeficit is one module under the coverage threshold
type CoverageDeficit struct {
	Path     string
	Coverage float64
}

// CoverageReport is the parsed coverage table
type CoverageReport struct {
	Threshold float64
	Deficits  []CoverageDeficit
	Table     string
}

// Summary renders the deficits for a prompt
func (r *CoverageReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Coverage deficits detected (threshold %.0f%%):", r.Threshold)
	for _, d := range r.Deficits {
		fmt.Fprintf(&b, "\n- %s: %.1f%%", d.Path, d.Coverage)
	}
	return b.String()
}

// parseCoverageTable parses a table whose header is lines[i]. It returns the
// number of lines the table spans, up to and including the terminating blank line.
func parseCoverageTable(lines []string, i int, threshold float64) (*CoverageReport, int, bool) {
	header := strings.TrimSpace(lines[i])
	if !strings.HasPrefix(header, "Name") || !strings.Contains(header, "Cover") {
		return nil, 0, false
	}
	end := i + 1
	for end < len(lines) {
		if strings.TrimSpace(lines[end]) == "" {
			end++
			break
		}
		end++
	}
	if end-i < 2 {
		return nil, 0, false
	}

	report := &CoverageReport{
		Threshold: threshold,
		Table:     strings.TrimSpace(strings.Join(lines[i:end], "\n")),
	}
	for _, row := range lines[i+1 : end] {
		if d, ok := parseCoverageRow(row); ok && d.Coverage < threshold {
			report.Deficits = append(report.Deficits, d)
		}
	}
	return report, end - i, true
}

func parseCoverageRow(row string) (CoverageDeficit, bool) {
	trimmed := strings.TrimSpace(row)
	if trimmed == "" || strings.HasPrefix(trimmed, "-") {
		return CoverageDeficit{}, false
	}
	tokens := strings.Fields(row)
	if len(tokens) < 4 {
		return CoverageDeficit{}, false
	}
	cover := tokens[len(tokens)-1]
	if !strings.HasSuffix(cover, "%") {
		return CoverageDeficit{}, false
	}
	pct, err := strconv.ParseFloat(strings.TrimSuffix(cover, "%"), 64)
	if err != nil {
		return CoverageDeficit{}, false
	}
	path := strings.TrimSpace(strings.Join(tokens[:len(tokens)-3], " "))
	if path == "" || strings.EqualFold(path, "TOTAL") {
		return CoverageDeficit{}, false
	}
	return CoverageDeficit{Path: path, Coverage: pct}, true
}
