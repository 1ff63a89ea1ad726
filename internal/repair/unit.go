package repair

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/hochfrequenz/ci-repair-loop/internal/agent"
	"github.com/hochfrequenz/ci-repair-loop/internal/archive"
	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
	"github.com/hochfrequenz/ci-repair-loop/internal/issues"
	"github.com/hochfrequenz/ci-repair-loop/internal/observer"
	"github.com/hochfrequenz/ci-repair-loop/internal/patch"
	"github.com/hochfrequenz/ci-repair-loop/internal/prompts"
)

type unitResult struct {
	class   domain.Classification
	apply   domain.ApplyResult
	applied bool
	abort   *Error
}

// request is one prompt within a unit, named for its archive files
type request struct {
	unit     Unit
	narrowed *domain.Issue
	retry    int
	hang     bool
}

func (r request) suffix() string {
	var parts []string
	if s := r.unit.suffix(); s != "" {
		parts = append(parts, s)
	}
	if r.narrowed != nil {
		parts = append(parts, "narrowed")
	}
	if r.retry > 0 {
		parts = append(parts, fmt.Sprintf("retry-%d", r.retry))
	}
	return strings.Join(parts, "-")
}

func (r request) description(idx int) string {
	d := fmt.Sprintf("repair attempt %d", idx)
	if s := r.suffix(); s != "" {
		d += " " + s
	}
	return d
}

// unit runs REQUEST, CLASSIFY, GUARD and APPLY for one unit, re-requesting on
// a failed dry run (up to PatchRetries) and once more with a single issue
// when the reply is unusable inside the narrowing window.
func (c *Controller) unit(ctx context.Context, idx int, unit Unit, base prompts.RepairInput, timedOut bool) (unitResult, error) {
	log := clog.FromContext(ctx)
	req := request{unit: unit, hang: timedOut && unit.Issue == nil}
	in := base
	if unit.Issue != nil {
		in.FocusedDiff = c.focusedDiff(ctx, fileOf(*unit.Issue))
	} else {
		in.FocusedDiff = c.focusedDiff(ctx, issues.Files(base.Issues))
	}

	for {
		if err := c.to(StateRequest); err != nil {
			return unitResult{}, err
		}
		text, err := c.render(in, req)
		if err != nil {
			return unitResult{}, err
		}
		suffix := req.suffix()
		var artifacts []string
		p, err := c.run.WriteString(idx, archive.Suffixed(archive.FilePrompt, suffix), text)
		if err != nil {
			return unitResult{}, err
		}
		artifacts = append(artifacts, p)

		resp, err := c.deps.Agent.Invoke(ctx, agent.Request{Prompt: text, Description: req.description(idx)})
		if err != nil {
			return unitResult{abort: agentError(idx, err, artifacts)}, nil
		}
		p, err = c.run.WriteString(idx, archive.Suffixed(archive.FileResponse, suffix), resp.Text)
		if err != nil {
			return unitResult{}, err
		}
		artifacts = append(artifacts, p)

		if err := c.to(StateClassify); err != nil {
			return unitResult{}, err
		}
		cand := c.deps.Classifier.Classify(resp.Text)
		diff := patch.Sanitize(cand.Diff)
		log.Info("agent replied", "unit", unit.Index, "classification", cand.Classification, "diff_bytes", len(diff))

		if diff == "" {
			if req.narrowed == nil && c.inNarrowWindow(idx) {
				if issue, ok := c.narrowTarget(unit, base.Issues); ok {
					c.printf("attempt %d: %s reply, narrowing to %s", idx, cand.Classification, issue.File)
					req.narrowed = &issue
					req.retry = 0
					in.PatchError = fmt.Sprintf("The previous reply contained no usable diff (%s).", cand.Classification)
					continue
				}
			}
			if req.narrowed != nil || c.inNarrowWindow(idx) {
				return unitResult{class: cand.Classification, abort: unusableError(idx, c.opts.MaxAttempts, cand.Classification, artifacts)}, nil
			}
			c.feedback = fmt.Sprintf("The previous reply contained no usable diff (%s).", cand.Classification)
			return unitResult{class: cand.Classification}, nil
		}
		p, err = c.run.WriteString(idx, archive.Suffixed(archive.FilePatch, suffix), diff)
		if err != nil {
			return unitResult{}, err
		}
		artifacts = append(artifacts, p)

		if err := c.to(StateGuard); err != nil {
			return unitResult{}, err
		}
		hash := patchHash(diff)
		if prev, ok := c.seen[hash]; ok {
			c.feedback = fmt.Sprintf("The previous patch was identical to the one proposed in attempt %d, which did not fix CI. Propose a different fix.", prev)
			log.Warn("duplicate patch rejected", "first_seen", prev)
			return unitResult{class: cand.Classification, apply: domain.ApplyRejected}, nil
		}
		c.seen[hash] = idx
		if err := c.deps.Guard.Check(diff); err != nil {
			observer.PatchResult(domain.ApplyRejected)
			log.Warn("patch rejected by guard", "error", err)
			c.printf("attempt %d: patch rejected: %v", idx, err)
			c.feedback = "The previous patch was rejected: " + err.Error()
			if errors.Is(err, patch.ErrProtectedPath) && idx >= c.opts.MaxAttempts {
				return unitResult{class: cand.Classification, apply: domain.ApplyRejected, abort: &Error{
					Kind:      KindBudgetExhausted,
					Attempt:   idx,
					Msg:       "final attempt touched a protected path",
					Cause:     &Error{Kind: KindProtectedPath, Attempt: idx, Cause: err},
					Artifacts: artifacts,
				}}, nil
			}
			return unitResult{class: cand.Classification, apply: domain.ApplyRejected}, nil
		}

		if err := c.to(StateApply); err != nil {
			return unitResult{}, err
		}
		res, err := c.deps.Applier.Apply(ctx, diff)
		if err != nil {
			return unitResult{class: cand.Classification, abort: &Error{Kind: KindPatchApply, Attempt: idx, Cause: err, Artifacts: artifacts}}, nil
		}
		if _, err := c.run.WriteString(idx, archive.Suffixed(archive.FileApply, suffix), applyReport(res)); err != nil {
			return unitResult{}, err
		}
		c.printf("attempt %d: patch %s", idx, res.Status)

		switch res.Status {
		case domain.ApplyApplied:
			return unitResult{class: cand.Classification, apply: res.Status, applied: true}, nil
		case domain.ApplyAlreadyApplied:
			c.feedback = "The previous patch was already present in the tree and CI still fails. Propose a different fix."
			return unitResult{class: cand.Classification, apply: res.Status}, nil
		}

		// failed dry run
		if req.retry < c.opts.PatchRetries {
			req.retry++
			in.PatchError = res.Output
			log.Info("re-requesting after failed dry run", "retry", req.retry)
			continue
		}
		c.feedback = "The previous patch did not apply:\n" + res.Output
		return unitResult{class: cand.Classification, apply: res.Status}, nil
	}
}

func (c *Controller) render(in prompts.RepairInput, req request) (string, error) {
	switch {
	case req.narrowed != nil:
		return c.deps.Prompts.Narrowed(in, *req.narrowed)
	case req.unit.Issue != nil:
		return c.deps.Prompts.Issue(in, *req.unit.Issue)
	case req.hang:
		return c.deps.Prompts.Hang(in)
	}
	return c.deps.Prompts.Repair(in)
}

// inNarrowWindow reports whether idx is one of the last NarrowWindow attempts
func (c *Controller) inNarrowWindow(idx int) bool {
	return c.opts.NarrowWindow > 0 && idx > c.opts.MaxAttempts-c.opts.NarrowWindow
}

func (c *Controller) narrowTarget(unit Unit, all []domain.Issue) (domain.Issue, bool) {
	if unit.Issue != nil {
		return *unit.Issue, true
	}
	return issues.SmallestIssue(all)
}

// unusableError is the terminal error for a reply that stayed unusable after
// narrowing. On the final attempt the budget is what ran out.
func unusableError(idx, maxAttempts int, class domain.Classification, artifacts []string) *Error {
	kind := KindNoDiff
	switch class {
	case domain.ClassEmpty:
		kind = KindEmptyResponse
	case domain.ClassRequiresManual:
		kind = KindManualIntervention
	}
	cause := &Error{Kind: kind, Attempt: idx, Msg: "no usable diff after narrowing"}
	if idx >= maxAttempts {
		return &Error{Kind: KindBudgetExhausted, Attempt: idx, Cause: cause, Artifacts: artifacts}
	}
	cause.Artifacts = artifacts
	return cause
}

func agentError(idx int, err error, artifacts []string) *Error {
	kind := KindAgentInvocation
	if errors.Is(err, agent.ErrTransient) {
		kind = KindTransientAgent
	}
	return &Error{Kind: kind, Attempt: idx, Cause: err, Artifacts: artifacts}
}

func applyReport(res patch.Result) string {
	return fmt.Sprintf("status: %s\nmethod: %s\n\n%s", res.Status, res.Method, res.Output)
}

func fileOf(issue domain.Issue) []string {
	if issue.File == "" {
		return nil
	}
	return []string{issue.File}
}
