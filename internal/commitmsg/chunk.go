package commitmsg

import (
	"strings"

	"github.com/hochfrequenz/ci-repair-loop/internal/patch"
)

// Chunk splits diff into at most maxChunks contiguous pieces of roughly
// chunkLines lines each. File sections are kept whole when possible.
// A diff within chunkLines is returned as a single chunk.
func Chunk(diff string, chunkLines, maxChunks int) []string {
	lines := splitLines(diff)
	if chunkLines <= 0 || len(lines) <= chunkLines || maxChunks <= 1 {
		return []string{diff}
	}

	target := min(maxChunks, ceilDiv(len(lines), chunkLines))

	chunks := packSections(sections(diff), chunkLines, target)
	if len(chunks) > 1 {
		return chunks
	}

	// one huge file section: fall back to line ranges
	size := ceilDiv(len(lines), target)
	chunks = chunks[:0]
	for start := 0; start < len(lines); start += size {
		end := min(start+size, len(lines))
		chunks = append(chunks, strings.Join(lines[start:end], ""))
	}
	return chunks
}

// sections splits the diff into file sections as lines; text before the
// first file belongs to the first section. A diff that does not parse is one
// section.
func sections(diff string) [][]string {
	d, err := patch.ParseDiff(diff)
	if err != nil || len(d.Files) == 0 {
		return [][]string{splitLines(diff)}
	}
	out := make([][]string, 0, len(d.Files))
	for i, f := range d.Files {
		text := f.Text
		if i == 0 {
			text = d.Preamble + text
		}
		out = append(out, splitLines(text))
	}
	return out
}

func splitLines(s string) []string {
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// packSections fills chunks up to chunkLines; the last allowed chunk
// takes whatever remains.
func packSections(secs [][]string, chunkLines, maxChunks int) []string {
	var chunks []string
	var cur strings.Builder
	curLines := 0
	for _, sec := range secs {
		full := curLines > 0 && curLines+len(sec) > chunkLines
		if full && len(chunks) < maxChunks-1 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLines = 0
		}
		for _, l := range sec {
			cur.WriteString(l)
		}
		curLines += len(sec)
	}
	if curLines > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
