package repair

import (
	"context"
	"strings"

	"github.com/chainguard-dev/clog"
)

// commit stages, synthesizes a subject, commits and optionally pushes. Every
// failure here is logged and leaves the successful outcome alone.
func (c *Controller) commit(ctx context.Context) string {
	log := clog.FromContext(ctx)
	if c.deps.Commit == nil {
		log.Warn("commit enabled but no synthesizer configured")
		return ""
	}
	if c.opts.AutoStage {
		if err := c.deps.Git.StageAll(ctx); err != nil {
			log.Warn("staging failed", "error", err)
			return ""
		}
	}
	staged, err := c.deps.Git.StagedDiff(ctx)
	if err != nil {
		log.Warn("reading staged diff failed", "error", err)
		return ""
	}
	if strings.TrimSpace(staged) == "" {
		c.printf("nothing staged, skipping commit")
		return ""
	}
	msg, err := c.deps.Commit.Synthesize(ctx, staged)
	if err != nil {
		log.Warn("commit message synthesis failed", "error", err)
		c.printf("commit skipped: %v", err)
		return ""
	}
	committed, err := c.deps.Git.Commit(ctx, msg)
	if err != nil {
		log.Warn("commit failed", "error", err)
		return ""
	}
	if !committed {
		return ""
	}
	c.printf("committed: %s", msg)
	if c.opts.Push {
		if err := c.deps.Git.Push(ctx); err != nil {
			log.Warn("push failed", "error", err)
			c.printf("push failed: %v", err)
		}
	}
	return msg
}
