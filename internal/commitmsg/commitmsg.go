// Package commitmsg writes a one-line commit subject for a staged diff,
// summarizing large diffs chunk by chunk before merging the summaries.
package commitmsg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/ci-repair-loop/internal/agent"
	"github.com/hochfrequenz/ci-repair-loop/internal/prompts"
)

// ErrEmptyDiff is returned when there is nothing to describe
var ErrEmptyDiff = errors.New("no staged changes to describe")

// Options bounds the synthesis
type Options struct {
	ChunkLines     int
	MaxChunks      int
	MaxSubject     int
	MapParallelism int
}

// DefaultOptions returns the limits used when none are configured
func DefaultOptions() Options {
	return Options{ChunkLines: 6000, MaxChunks: 4, MaxSubject: 72, MapParallelism: 2}
}

// Synthesizer asks the agent for commit subjects
type Synthesizer struct {
	client  agent.Client
	prompts *prompts.Builder
	opts    Options
}

// New creates a Synthesizer
func New(client agent.Client, builder *prompts.Builder, opts Options) *Synthesizer {
	def := DefaultOptions()
	if opts.ChunkLines <= 0 {
		opts.ChunkLines = def.ChunkLines
	}
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = def.MaxChunks
	}
	if opts.MaxSubject <= 0 || opts.MaxSubject > def.MaxSubject {
		opts.MaxSubject = def.MaxSubject
	}
	if opts.MapParallelism <= 0 {
		opts.MapParallelism = 1
	}
	return &Synthesizer{client: client, prompts: builder, opts: opts}
}

// Synthesize returns one subject line for diff
func (s *Synthesizer) Synthesize(ctx context.Context, diff string) (string, error) {
	if strings.TrimSpace(diff) == "" {
		return "", ErrEmptyDiff
	}
	log := clog.FromContext(ctx)

	chunks := Chunk(diff, s.opts.ChunkLines, s.opts.MaxChunks)
	if len(chunks) == 1 {
		return s.subject(ctx, func(rejection string) (string, error) {
			return s.prompts.CommitSingle(diff, s.opts.MaxSubject, rejection)
		})
	}

	log.Info("summarizing large diff in chunks", "chunks", len(chunks))
	summaries, err := s.summarizeChunks(ctx, chunks)
	if err != nil {
		return "", err
	}
	return s.subject(ctx, func(rejection string) (string, error) {
		return s.prompts.CommitReduce(summaries, s.opts.MaxSubject, rejection)
	})
}

func (s *Synthesizer) summarizeChunks(ctx context.Context, chunks []string) ([]string, error) {
	summaries := make([]string, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MapParallelism)

	for i, chunk := range chunks {
		g.Go(func() error {
			prompt, err := s.prompts.CommitChunk(chunk, i+1, len(chunks))
			if err != nil {
				return err
			}
			resp, err := s.client.Invoke(gctx, agent.Request{
				Prompt:      prompt,
				Description: fmt.Sprintf("commit chunk %d/%d", i+1, len(chunks)),
			})
			if err != nil {
				return fmt.Errorf("summarizing chunk %d: %w", i+1, err)
			}
			summaries[i] = strings.TrimSpace(resp.Text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summaries, nil
}

// subject requests a line, retries once with the rejection reason and
// normalizes whatever the second answer is.
func (s *Synthesizer) subject(ctx context.Context, render func(rejection string) (string, error)) (string, error) {
	line, err := s.request(ctx, render, "")
	if err != nil {
		return "", err
	}
	issue := Validate(line, s.opts.MaxSubject)
	if issue == "" {
		return line, nil
	}

	clog.FromContext(ctx).Warn("commit subject rejected, retrying", "reason", issue, "subject", line)
	line, err = s.request(ctx, render, issue)
	if err != nil {
		return "", err
	}
	if Validate(line, s.opts.MaxSubject) == "" {
		return line, nil
	}
	if n := Normalize(line, s.opts.MaxSubject); n != "" {
		return n, nil
	}
	return "", fmt.Errorf("agent returned no usable commit subject")
}

func (s *Synthesizer) request(ctx context.Context, render func(string) (string, error), rejection string) (string, error) {
	prompt, err := render(rejection)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Invoke(ctx, agent.Request{Prompt: prompt, Description: "commit message"})
	if err != nil {
		return "", err
	}
	return firstLine(resp.Text), nil
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			return l
		}
	}
	return ""
}
