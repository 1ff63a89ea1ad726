package repair

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/ci-repair-loop/internal/agent"
	"github.com/hochfrequenz/ci-repair-loop/internal/archive"
	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
	"github.com/hochfrequenz/ci-repair-loop/internal/gitutil"
	"github.com/hochfrequenz/ci-repair-loop/internal/issues"
	"github.com/hochfrequenz/ci-repair-loop/internal/notify"
	"github.com/hochfrequenz/ci-repair-loop/internal/patch"
	"github.com/hochfrequenz/ci-repair-loop/internal/prompts"
	"github.com/hochfrequenz/ci-repair-loop/internal/runner"
)

const (
	oneIssueLog  = "running checks\npkg/a.go:12:5: undefined: foo\nexit status 1\n"
	twoIssueLog  = "pkg/a.go:12:5: undefined: foo\npkg/b.go:3:1: unused variable x\n"
	noDiffReply  = "I looked at the failure but could not find anything to change."
	fixReply     = "Here is the fix:\n```diff\ndiff --git a/pkg/a.go b/pkg/a.go\n--- a/pkg/a.go\n+++ b/pkg/a.go\n@@ -1 +1 @@\n-var x = foo\n+var x = 1\n```\n"
	otherReply   = "```diff\ndiff --git a/pkg/b.go b/pkg/b.go\n--- a/pkg/b.go\n+++ b/pkg/b.go\n@@ -1 +1 @@\n-x := 1\n+_ = 1\n```\n"
	protectReply = "```diff\ndiff --git a/ci.py b/ci.py\n--- a/ci.py\n+++ b/ci.py\n@@ -1 +1 @@\n-check()\n+pass\n```\n"
)

// fakeCI replays results; the last one repeats
type fakeCI struct {
	results []*runner.Result
	calls   int
}

func (f *fakeCI) Run(context.Context) (*runner.Result, error) {
	r := f.results[min(f.calls, len(f.results)-1)]
	f.calls++
	return r, nil
}

func failing(log string) *runner.Result { return &runner.Result{ExitCode: 1, Output: log} }
func passing() *runner.Result          { return &runner.Result{ExitCode: 0, Output: "ok\n"} }

// fakeAgent replays replies; the last one repeats
type fakeAgent struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string
}

func (f *fakeAgent) Invoke(_ context.Context, req agent.Request) (agent.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, req.Prompt)
	if f.err != nil {
		return agent.Response{}, f.err
	}
	return agent.Response{Text: f.replies[min(len(f.prompts)-1, len(f.replies)-1)]}, nil
}

type fakeApplier struct {
	results []patch.Result
	diffs   []string
}

func (f *fakeApplier) Apply(_ context.Context, diff string) (patch.Result, error) {
	f.diffs = append(f.diffs, diff)
	if len(f.results) == 0 {
		return patch.Result{Status: domain.ApplyApplied, Method: "git apply"}, nil
	}
	return f.results[min(len(f.diffs)-1, len(f.results)-1)], nil
}

type fakeGit struct {
	staged  string
	commits []string
	pushed  bool
}

func (g *fakeGit) Status(context.Context) (string, error) { return " M pkg/a.go\n", nil }
func (g *fakeGit) Diff(context.Context, int, int) (*gitutil.DiffResult, error) {
	return &gitutil.DiffResult{}, nil
}
func (g *fakeGit) FileDiff(context.Context, string) (string, error) { return "", nil }
func (g *fakeGit) StageAll(context.Context) error                   { return nil }
func (g *fakeGit) StagedDiff(context.Context) (string, error)       { return g.staged, nil }
func (g *fakeGit) Commit(_ context.Context, msg string) (bool, error) {
	g.commits = append(g.commits, msg)
	return true, nil
}
func (g *fakeGit) Push(context.Context) error { g.pushed = true; return nil }

type fakeSynth struct{ subject string }

func (f fakeSynth) Synthesize(context.Context, string) (string, error) { return f.subject, nil }

type harness struct {
	ci      *fakeCI
	agent   *fakeAgent
	applier *fakeApplier
	git     *fakeGit
	store   *archive.Store
	out     *bytes.Buffer
	deps    Deps
	opts    Options
}

func newHarness(t *testing.T, ci *fakeCI, replies ...string) *harness {
	t.Helper()
	store, err := archive.New(t.TempDir(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	guard, err := patch.NewGuard([]string{"ci.py", ".github/workflows/"}, nil, 0)
	require.NoError(t, err)

	h := &harness{
		ci:      ci,
		agent:   &fakeAgent{replies: replies},
		applier: &fakeApplier{},
		git:     &fakeGit{},
		store:   store,
		out:     &bytes.Buffer{},
	}
	h.deps = Deps{
		CI:         h.ci,
		Agent:      h.agent,
		Classifier: patch.NewDefaultClassifier(),
		Guard:      guard,
		Applier:    h.applier,
		Prompts:    prompts.NewBuilder(prompts.NewLoader(), prompts.Limits{MaxPromptChars: 100000}, []string{"ci.py"}, ""),
		Archive:    store,
		Git:        h.git,
		Strategy:   WholeDiff{},
	}
	h.opts = Options{
		Repo:         "/tmp/repo",
		CICommand:    "make ci",
		MaxAttempts:  5,
		LogTail:      200,
		PatchRetries: 0,
		NarrowWindow: 1,
		Extract:      issues.DefaultOptions(),
		ManualHints:  true,
		Out:          h.out,
	}
	return h
}

func (h *harness) run(t *testing.T) (*Controller, *Outcome) {
	t.Helper()
	c, err := New(h.deps, h.opts)
	require.NoError(t, err)
	out, err := c.Run(context.Background())
	require.NoError(t, err)
	return c, out
}

func TestRun_PassesWithoutRepair(t *testing.T) {
	h := newHarness(t, &fakeCI{results: []*runner.Result{passing()}}, noDiffReply)
	c, out := h.run(t)

	assert.Nil(t, out.Err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, ExitOK, out.ExitCode())
	assert.Empty(t, out.Session.Attempts)
	assert.Empty(t, h.agent.prompts)
	assert.Equal(t, []State{StateRunCI, StateFinalize, StateDone}, c.History())
}

func TestRun_AppliesPatchThenPasses(t *testing.T) {
	h := newHarness(t, &fakeCI{results: []*runner.Result{failing(oneIssueLog), passing()}}, fixReply)
	_, out := h.run(t)

	require.Nil(t, out.Err)
	require.Len(t, out.Session.Attempts, 1)
	a := out.Session.Attempts[0]
	assert.Equal(t, 1, a.Index)
	assert.Equal(t, domain.ClassSuccess, a.Classification)
	assert.Equal(t, domain.ApplyApplied, a.ApplyResult)
	require.Len(t, a.Issues, 1)
	assert.Equal(t, "pkg/a.go", a.Issues[0].File)

	require.Len(t, h.applier.diffs, 1)
	assert.True(t, strings.HasPrefix(h.applier.diffs[0], "diff --git a/pkg/a.go"))

	dir := filepath.Join(out.Session.ArchiveDir, "attempt-01")
	for _, name := range []string{archive.FileCILog, archive.FileIssues, archive.FilePrompt, archive.FileResponse, archive.FilePatch, archive.FileApply} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	rec, err := h.store.GetRun(out.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, "success", rec.Outcome)
}

func TestRun_NoDiffExhaustsBudget(t *testing.T) {
	h := newHarness(t, &fakeCI{results: []*runner.Result{failing(oneIssueLog)}}, noDiffReply)
	c, out := h.run(t)

	require.NotNil(t, out.Err)
	assert.Equal(t, KindBudgetExhausted, out.Err.Kind)
	assert.Equal(t, 5, out.Err.Attempt)
	assert.Equal(t, 17, out.ExitCode())
	assert.True(t, errors.Is(out.Err, &Error{Kind: KindNoDiff}))
	assert.Equal(t, StateAbort, c.State())

	// four plain requests, then the last attempt asks twice: full and narrowed
	assert.Len(t, h.agent.prompts, 6)
	assert.Equal(t, 5, h.ci.calls)
	assert.Len(t, out.Session.Attempts, 5)
	assert.Empty(t, h.applier.diffs)

	narrowed := filepath.Join(out.Session.ArchiveDir, "attempt-05", "prompt-narrowed.txt")
	_, err := os.Stat(narrowed)
	assert.NoError(t, err)
	assert.Contains(t, h.out.String(), "aborting: AttemptBudgetExhausted")

	attempts, err := h.store.ListAttempts(out.Session.ID)
	require.NoError(t, err)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Index)
	}
}

func TestRun_NarrowingFailureBeforeLastAttemptKeepsKind(t *testing.T) {
	h := newHarness(t, &fakeCI{results: []*runner.Result{failing(oneIssueLog)}}, "")
	h.opts.MaxAttempts = 3
	h.opts.NarrowWindow = 3
	_, out := h.run(t)

	require.NotNil(t, out.Err)
	assert.Equal(t, KindEmptyResponse, out.Err.Kind)
	assert.Equal(t, 1, out.Err.Attempt)
	assert.Len(t, h.agent.prompts, 2)
}

func TestRun_ProtectedPathConsumesAttempt(t *testing.T) {
	ci := &fakeCI{results: []*runner.Result{failing(oneIssueLog), failing(oneIssueLog), passing()}}
	h := newHarness(t, ci, protectReply, fixReply)
	_, out := h.run(t)

	require.Nil(t, out.Err)
	require.Len(t, out.Session.Attempts, 2)
	assert.Equal(t, domain.ApplyRejected, out.Session.Attempts[0].ApplyResult)
	assert.Contains(t, out.Session.Attempts[0].Error, "protected path")
	assert.Equal(t, domain.ApplyApplied, out.Session.Attempts[1].ApplyResult)
	require.Len(t, h.applier.diffs, 1)

	// the rejection is fed back to the agent
	require.Len(t, h.agent.prompts, 2)
	assert.Contains(t, h.agent.prompts[1], "ci.py")
}

func TestRun_ProtectedPathOnLastAttempt(t *testing.T) {
	h := newHarness(t, &fakeCI{results: []*runner.Result{failing(oneIssueLog)}}, protectReply)
	h.opts.MaxAttempts = 1
	_, out := h.run(t)

	require.NotNil(t, out.Err)
	assert.Equal(t, KindBudgetExhausted, out.Err.Kind)
	assert.True(t, errors.Is(out.Err, &Error{Kind: KindProtectedPath}))
	assert.True(t, errors.Is(out.Err, patch.ErrProtectedPath))
	assert.NotEmpty(t, out.Err.Artifacts)
	assert.Empty(t, h.applier.diffs)
}

func TestRun_DuplicatePatchIsRejected(t *testing.T) {
	h := newHarness(t, &fakeCI{results: []*runner.Result{failing(oneIssueLog)}}, fixReply)
	h.opts.MaxAttempts = 2
	_, out := h.run(t)

	require.NotNil(t, out.Err)
	assert.Equal(t, KindBudgetExhausted, out.Err.Kind)
	assert.Len(t, h.applier.diffs, 1)
	require.Len(t, out.Session.Attempts, 2)
	assert.Equal(t, domain.ApplyRejected, out.Session.Attempts[1].ApplyResult)
	assert.Contains(t, out.Session.Attempts[1].Error, "identical")
}

func TestRun_RetriesFailedDryRunWithinAttempt(t *testing.T) {
	h := newHarness(t, &fakeCI{results: []*runner.Result{failing(oneIssueLog), passing()}}, fixReply, otherReply)
	h.opts.PatchRetries = 1
	h.applier.results = []patch.Result{
		{Status: domain.ApplyFailedDryRun, Output: "error: patch failed: pkg/a.go:1"},
		{Status: domain.ApplyApplied, Method: "git apply"},
	}
	_, out := h.run(t)

	require.Nil(t, out.Err)
	require.Len(t, h.agent.prompts, 2)
	assert.Contains(t, h.agent.prompts[1], "patch failed: pkg/a.go:1")
	require.Len(t, out.Session.Attempts, 1)
	assert.Equal(t, domain.ApplyApplied, out.Session.Attempts[0].ApplyResult)

	_, err := os.Stat(filepath.Join(out.Session.ArchiveDir, "attempt-01", "prompt-retry-1.txt"))
	assert.NoError(t, err)
}

func TestRun_ManualHintAbortsBeforeAgent(t *testing.T) {
	log := "Traceback:\nImportError: cannot import name 'Widget' from 'app.models'\n"
	h := newHarness(t, &fakeCI{results: []*runner.Result{failing(log)}}, fixReply)
	_, out := h.run(t)

	require.NotNil(t, out.Err)
	assert.Equal(t, KindManualIntervention, out.Err.Kind)
	assert.Equal(t, 14, out.ExitCode())
	assert.Contains(t, out.Err.Msg, "Widget")
	assert.Empty(t, h.agent.prompts)
}

type recordingNotifier struct{ sent []notify.Notification }

func (r *recordingNotifier) Send(n notify.Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

func TestRun_AbortSendsNotification(t *testing.T) {
	log := "Traceback:\nImportError: cannot import name 'Widget' from 'app.models'\n"
	h := newHarness(t, &fakeCI{results: []*runner.Result{failing(log)}}, fixReply)
	n := &recordingNotifier{}
	h.deps.Notify = n
	_, out := h.run(t)

	require.NotNil(t, out.Err)
	require.Len(t, n.sent, 1)
	assert.Equal(t, notify.NotifyError, n.sent[0].Type)
	assert.Equal(t, "/tmp/repo", n.sent[0].Target)
	assert.Contains(t, n.sent[0].Title, string(KindManualIntervention))
	assert.Contains(t, n.sent[0].Message, "Widget")
	assert.Equal(t, out.Session.ArchiveDir, n.sent[0].Link)
}

func TestRun_SuccessSendsNoNotification(t *testing.T) {
	h := newHarness(t, &fakeCI{results: []*runner.Result{passing()}})
	n := &recordingNotifier{}
	h.deps.Notify = n
	_, out := h.run(t)

	assert.Nil(t, out.Err)
	assert.Empty(t, n.sent)
}

func TestRun_AttributeErrorInRepoAbortsBeforeAgent(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "service.py"), []byte("x = 1\n"), 0644))
	log := "Traceback (most recent call last):\n  File \"" + filepath.Join(repo, "service.py") +
		"\", line 4, in run\nAttributeError: 'Client' object has no attribute 'fetch'\n"
	h := newHarness(t, &fakeCI{results: []*runner.Result{failing(log)}}, fixReply)
	h.opts.Repo = repo
	_, out := h.run(t)

	require.NotNil(t, out.Err)
	assert.Equal(t, KindManualIntervention, out.Err.Kind)
	assert.Contains(t, out.Err.Msg, "`fetch`")
	assert.Contains(t, out.Err.Msg, "`service.py`")
	assert.Empty(t, h.agent.prompts)
}

func TestRun_AgentErrorsMapToKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"transient", agent.ErrTransient, KindTransientAgent},
		{"timeout", agent.ErrTimeout, KindAgentInvocation},
		{"invocation", agent.ErrInvocation, KindAgentInvocation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeCI{results: []*runner.Result{failing(oneIssueLog)}}, fixReply)
			h.agent.err = tt.err
			_, out := h.run(t)
			require.NotNil(t, out.Err)
			assert.Equal(t, tt.want, out.Err.Kind)
			assert.ErrorIs(t, out.Err, tt.err)
		})
	}
}

func TestRun_IssueByIssueRunsCIOncePerPass(t *testing.T) {
	ci := &fakeCI{results: []*runner.Result{failing(twoIssueLog), passing()}}
	h := newHarness(t, ci, fixReply, otherReply)
	h.deps.Strategy = IssueByIssue{MaxPerPass: 10}
	_, out := h.run(t)

	require.Nil(t, out.Err)
	assert.Equal(t, 2, ci.calls)
	assert.Len(t, h.agent.prompts, 2)
	assert.Len(t, h.applier.diffs, 2)
	assert.Contains(t, h.agent.prompts[0], "pkg/a.go")
	assert.Contains(t, h.agent.prompts[1], "pkg/b.go")

	dir := filepath.Join(out.Session.ArchiveDir, "attempt-01")
	for _, name := range []string{"prompt-issue-01.txt", "prompt-issue-02.txt", "patch-issue-02.diff"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestRun_CommitsOnSuccess(t *testing.T) {
	h := newHarness(t, &fakeCI{results: []*runner.Result{failing(oneIssueLog), passing()}}, fixReply)
	h.git.staged = "diff --git a/pkg/a.go b/pkg/a.go\n"
	h.deps.Commit = fakeSynth{subject: "Fix undefined foo in pkg/a.go"}
	h.opts.Commit = true
	h.opts.Push = true
	_, out := h.run(t)

	require.Nil(t, out.Err)
	assert.Equal(t, "Fix undefined foo in pkg/a.go", out.CommitMessage)
	assert.Equal(t, []string{"Fix undefined foo in pkg/a.go"}, h.git.commits)
	assert.True(t, h.git.pushed)
}

func TestRun_ControllerIsSingleUse(t *testing.T) {
	h := newHarness(t, &fakeCI{results: []*runner.Result{passing()}}, noDiffReply)
	c, _ := h.run(t)
	_, err := c.Run(context.Background())
	assert.Error(t, err)
}

func TestNew_RequiresDeps(t *testing.T) {
	h := newHarness(t, &fakeCI{results: []*runner.Result{passing()}}, noDiffReply)
	deps := h.deps
	deps.Agent = nil
	_, err := New(deps, h.opts)
	assert.Error(t, err)

	opts := h.opts
	opts.MaxAttempts = 0
	_, err = New(h.deps, opts)
	assert.Error(t, err)
}

func TestDryRun_RendersPromptWithoutAgent(t *testing.T) {
	h := newHarness(t, &fakeCI{results: []*runner.Result{failing(oneIssueLog)}}, fixReply)
	res, err := DryRun(context.Background(), h.ci, h.git, h.deps.Prompts, h.opts)
	require.NoError(t, err)
	require.Len(t, res.Issues, 1)
	assert.Contains(t, res.Prompt, "undefined: foo")
	assert.Empty(t, h.agent.prompts)

	h.ci.results = []*runner.Result{passing()}
	res, err = DryRun(context.Background(), h.ci, h.git, h.deps.Prompts, h.opts)
	require.NoError(t, err)
	assert.Empty(t, res.Prompt)
}
