package repair

import (
	"context"
	"fmt"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
	"github.com/hochfrequenz/ci-repair-loop/internal/issues"
	"github.com/hochfrequenz/ci-repair-loop/internal/prompts"
	"github.com/hochfrequenz/ci-repair-loop/internal/runner"
)

// DryRunResult is what a dry run saw and would have sent
type DryRunResult struct {
	CI     *runner.Result
	Issues []domain.Issue
	// Prompt is empty when CI passed.
	Prompt string
}

// DryRun runs CI once, extracts issues and renders the first request without
// invoking the agent or touching the tree.
func DryRun(ctx context.Context, ci CIRunner, git Git, builder *prompts.Builder, opts Options) (*DryRunResult, error) {
	res, err := ci.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("running CI: %w", err)
	}
	out := &DryRunResult{CI: res}
	if res.Passed() {
		return out, nil
	}
	out.Issues = issues.Extract(res.Output, opts.Extract)

	c := &Controller{deps: Deps{Git: git}, opts: opts}
	in, err := c.repairInput(ctx, 1, res, out.Issues)
	if err != nil {
		return nil, err
	}
	in.FocusedDiff = c.focusedDiff(ctx, issues.Files(out.Issues))
	if res.TimedOut {
		out.Prompt, err = builder.Hang(in)
	} else {
		out.Prompt, err = builder.Repair(in)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
