package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/chainguard-dev/clog"

	"github.com/hochfrequenz/ci-repair-loop/internal/agent"
	"github.com/hochfrequenz/ci-repair-loop/internal/config"
	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
	"github.com/hochfrequenz/ci-repair-loop/internal/gitutil"
	"github.com/hochfrequenz/ci-repair-loop/internal/issues"
	"github.com/hochfrequenz/ci-repair-loop/internal/patch"
	"github.com/hochfrequenz/ci-repair-loop/internal/prompts"
	"github.com/hochfrequenz/ci-repair-loop/internal/runner"
)

// RemediationResult is the outcome of one remediation request
type RemediationResult struct {
	Target         string
	Status         domain.TargetStatus
	Classification domain.Classification
	Apply          domain.ApplyResult
	Err            error
}

// Remediator makes one repair request for a failed or hung target
type Remediator interface {
	Remediate(ctx context.Context, t *domain.RepoTarget) RemediationResult
}

// remediate handles Timeout targets first, then Fail targets, strictly one
// at a time so only one agent call is ever in flight.
func (d *Driver) remediate(ctx context.Context, targets []*domain.RepoTarget) []RemediationResult {
	queue := RemediationOrder(targets)
	if len(queue) == 0 {
		return nil
	}
	d.printf("remediating %d target(s)", len(queue))
	results := make([]RemediationResult, 0, len(queue))
	for _, t := range queue {
		if ctx.Err() != nil {
			break
		}
		res := d.remediator.Remediate(ctx, t)
		if res.Err != nil {
			d.printf("%s: remediation failed: %v", t.Name, res.Err)
		} else {
			d.printf("%s: remediation %s (%s)", t.Name, res.Apply, res.Classification)
		}
		results = append(results, res)
	}
	return results
}

// RemediationOrder returns the targets needing remediation, Timeout before
// Fail, keeping sweep order within each group.
func RemediationOrder(targets []*domain.RepoTarget) []*domain.RepoTarget {
	var out []*domain.RepoTarget
	for _, t := range targets {
		if t.Status.NeedsRemediation() {
			out = append(out, t)
		}
	}
	slices.SortStableFunc(out, func(a, b *domain.RepoTarget) int {
		return rank(a.Status) - rank(b.Status)
	})
	return out
}

func rank(s domain.TargetStatus) int {
	if s == domain.TargetTimeout {
		return 0
	}
	return 1
}

// AgentRemediator turns a target's log into one agent request and applies
// the reply in the target repository
type AgentRemediator struct {
	Agent      agent.Client
	Classifier patch.Classifier
	// Config is the driver configuration. Each target's repository config is
	// layered over a copy of it, so the target's own protected paths apply.
	Config *config.Config
	// NewApplier builds the applier for a repository. Defaults to patch.NewGitApplier.
	NewApplier func(dir string) patch.Applier
}

var _ Remediator = (*AgentRemediator)(nil)

// targetConfig returns the driver config with the target's repository
// config applied
func (r *AgentRemediator) targetConfig(dir string) (*config.Config, error) {
	base := r.Config
	if base == nil {
		base = config.Default()
	}
	cfg := *base
	rc, _, err := config.LoadRepoConfig(dir)
	if err != nil {
		return nil, err
	}
	cfg.ApplyRepo(rc)
	return &cfg, nil
}

func (r *AgentRemediator) Remediate(ctx context.Context, t *domain.RepoTarget) RemediationResult {
	log := clog.FromContext(ctx).With("target", t.Name)
	res := RemediationResult{Target: t.Name, Status: t.Status}

	cfg, err := r.targetConfig(t.Path)
	if err != nil {
		res.Err = fmt.Errorf("repository config: %w", err)
		return res
	}
	guard, err := patch.NewGuard(cfg.Guard.ProtectedPathPrefixes, cfg.Guard.RiskyPatterns, cfg.Loop.MaxPatchLines)
	if err != nil {
		res.Err = err
		return res
	}
	builder := prompts.NewBuilder(prompts.DefaultLoader(t.Path), prompts.Limits{
		MaxDiffChars:   cfg.Prompt.MaxDiffChars,
		MaxDiffLines:   cfg.Prompt.MaxDiffLines,
		MaxPromptChars: cfg.Prompt.MaxPromptChars,
	}, cfg.Guard.ProtectedPathPrefixes, cfg.Prompt.RepoContext)

	data, err := os.ReadFile(t.LogPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		res.Err = fmt.Errorf("reading log: %w", err)
		return res
	}
	tail := runner.Tail(string(data), cfg.Loop.LogTail)
	found := issues.Extract(tail, issues.Options{
		TailLines:         cfg.Loop.LogTail,
		FallbackLines:     cfg.Loop.FallbackLines,
		CoverageThreshold: cfg.Loop.CoverageThreshold,
	})

	in := prompts.RepairInput{
		CICommand:   cfg.Loop.CICommand,
		Attempt:     1,
		MaxAttempts: 1,
		Issues:      found,
		Log:         tail,
	}
	repo := gitutil.New(t.Path)
	if status, err := repo.Status(ctx); err == nil {
		in.GitStatus = status
	}
	if diff, err := repo.Diff(ctx, 0, 0); err == nil {
		in.Diff = diff.Text
	}

	var prompt string
	if t.Status == domain.TargetTimeout {
		prompt, err = builder.Hang(in)
	} else {
		prompt, err = builder.Repair(in)
	}
	if err != nil {
		res.Err = err
		return res
	}

	reply, err := r.Agent.Invoke(ctx, agent.Request{Prompt: prompt, Description: "remediate " + t.Name})
	if err != nil {
		res.Err = err
		return res
	}
	classifier := r.Classifier
	if classifier == nil {
		classifier = patch.NewDefaultClassifier()
	}
	cand := classifier.Classify(reply.Text)
	res.Classification = cand.Classification
	diff := patch.Sanitize(cand.Diff)
	if diff == "" {
		log.Info("no usable diff", "classification", cand.Classification)
		return res
	}
	if err := guard.Check(diff); err != nil {
		log.Warn("remediation patch rejected", "error", err)
		res.Apply = domain.ApplyRejected
		res.Err = err
		return res
	}
	newApplier := r.NewApplier
	if newApplier == nil {
		newApplier = func(dir string) patch.Applier { return patch.NewGitApplier(dir) }
	}
	applied, err := newApplier(t.Path).Apply(ctx, diff)
	if err != nil {
		res.Err = err
		return res
	}
	res.Apply = applied.Status
	log.Info("remediation applied", "result", applied.Status, "method", applied.Method)
	return res
}
