package commitmsg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/ci-repair-loop/internal/agent"
	"github.com/hochfrequenz/ci-repair-loop/internal/prompts"
)

func builder() *prompts.Builder {
	return prompts.NewBuilder(prompts.NewLoader(), prompts.Limits{}, nil, "")
}

// bigDiff builds a diff of files sections totalling exactly lines lines.
func bigDiff(files, linesPerFile int) string {
	var b strings.Builder
	for f := 0; f < files; f++ {
		fmt.Fprintf(&b, "diff --git a/f%d.txt b/f%d.txt\n", f, f)
		for i := 1; i < linesPerFile; i++ {
			fmt.Fprintf(&b, "+line %d\n", i)
		}
	}
	return b.String()
}

func TestChunkSmallDiffIsSingle(t *testing.T) {
	diff := bigDiff(2, 10)
	assert.Equal(t, []string{diff}, Chunk(diff, 6000, 4))
}

func TestChunkKeepsSectionsAndOrder(t *testing.T) {
	diff := bigDiff(20, 1000) // 20,000 lines
	chunks := Chunk(diff, 6000, 4)

	require.LessOrEqual(t, len(chunks), 4)
	require.Greater(t, len(chunks), 1)
	assert.Equal(t, diff, strings.Join(chunks, ""))
	for _, c := range chunks {
		assert.True(t, strings.HasPrefix(c, "diff --git "), "chunk starts mid-section")
	}
}

func TestChunkSplitsBareHeaderSections(t *testing.T) {
	diff := "Subject: fix\n" +
		"--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-a\n+b\n" +
		"--- a/y.go\n+++ b/y.go\n@@ -1 +1 @@\n-c\n+d\n"
	chunks := Chunk(diff, 6, 4)

	require.Len(t, chunks, 2)
	assert.Equal(t, diff, strings.Join(chunks, ""))
	assert.True(t, strings.HasPrefix(chunks[0], "Subject: fix\n--- a/x.go\n"))
	assert.True(t, strings.HasPrefix(chunks[1], "--- a/y.go\n"))
}

func TestChunkFallsBackToLines(t *testing.T) {
	diff := bigDiff(1, 20000)
	chunks := Chunk(diff, 6000, 4)

	require.Len(t, chunks, 4)
	assert.Equal(t, diff, strings.Join(chunks, ""))
	for _, c := range chunks {
		assert.LessOrEqual(t, strings.Count(c, "\n"), 5000)
	}
}

type recordingClient struct {
	mu      sync.Mutex
	prompts []string
	reply   func(prompt string) string
}

func (c *recordingClient) Invoke(_ context.Context, req agent.Request) (agent.Response, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, req.Prompt)
	c.mu.Unlock()
	return agent.Response{Text: c.reply(req.Prompt)}, nil
}

func (c *recordingClient) count(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.prompts {
		if strings.Contains(p, substr) {
			n++
		}
	}
	return n
}

func TestSynthesizeMapReduce(t *testing.T) {
	client := &recordingClient{reply: func(p string) string {
		if strings.Contains(p, "summarizing part") {
			return "Add generated fixture lines"
		}
		return "Add generated fixture files for parser tests"
	}}
	s := New(client, builder(), DefaultOptions())

	line, err := s.Synthesize(context.Background(), bigDiff(20, 1000))
	require.NoError(t, err)

	assert.LessOrEqual(t, client.count("summarizing part"), 4)
	assert.Equal(t, 1, client.count("summaries of consecutive parts"), "exactly one reduce call")
	assert.LessOrEqual(t, len(line), 72)
	assert.NotContains(t, line, "\n")
}

func TestSynthesizeSingleCall(t *testing.T) {
	client := &recordingClient{reply: func(string) string { return "Fix flaky retry test\n\nextra body" }}
	line, err := New(client, builder(), DefaultOptions()).Synthesize(context.Background(), bigDiff(1, 5))
	require.NoError(t, err)
	assert.Equal(t, "Fix flaky retry test", line)
	assert.Len(t, client.prompts, 1)
}

func TestSynthesizeRetriesOnceThenNormalizes(t *testing.T) {
	var calls atomic.Int32
	client := &recordingClient{reply: func(p string) string {
		calls.Add(1)
		return "Here is the commit message. It fixes things."
	}}
	line, err := New(client, builder(), DefaultOptions()).Synthesize(context.Background(), bigDiff(1, 5))
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
	assert.Contains(t, client.prompts[1], "rejected")
	assert.Equal(t, "Here is the commit message", line)
}

func TestSynthesizeRetrySucceeds(t *testing.T) {
	client := &recordingClient{reply: func(p string) string {
		if strings.Contains(p, "rejected") {
			return "Handle empty coverage tables"
		}
		return "Handle empty coverage tables."
	}}
	line, err := New(client, builder(), DefaultOptions()).Synthesize(context.Background(), bigDiff(1, 5))
	require.NoError(t, err)
	assert.Equal(t, "Handle empty coverage tables", line)
}

func TestSynthesizeErrors(t *testing.T) {
	s := New(agent.ClientFunc(func(context.Context, agent.Request) (agent.Response, error) {
		return agent.Response{}, agent.ErrTimeout
	}), builder(), DefaultOptions())

	_, err := s.Synthesize(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyDiff)

	_, err = s.Synthesize(context.Background(), bigDiff(1, 5))
	assert.ErrorIs(t, err, agent.ErrTimeout)

	_, err = s.Synthesize(context.Background(), bigDiff(20, 1000))
	assert.True(t, errors.Is(err, agent.ErrTimeout))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		summary string
		ok      bool
	}{
		{"Fix race in status watcher", true},
		{"", false},
		{strings.Repeat("x", 73), false},
		{"Fix a. Then b", false},
		{"Fix the bug.", false},
		{"Here is a summary", false},
		{"I fixed the tests", false},
		{"Update the commit message template", false},
		{"Explain that the diff shows nothing", false},
	}
	for _, tt := range tests {
		got := Validate(tt.summary, 72)
		assert.Equal(t, tt.ok, got == "", "Validate(%q) = %q", tt.summary, got)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "Fix parser", Normalize("`Fix parser.`", 72))
	assert.Equal(t, "First", Normalize("First. Second.", 72))
	long := "Refactor the repair controller so that narrowing happens near the attempt ceiling only"
	got := Normalize(long, 72)
	assert.LessOrEqual(t, len(got), 72)
	assert.True(t, strings.HasPrefix(long, got))
	assert.False(t, strings.HasSuffix(got, " "))
}
