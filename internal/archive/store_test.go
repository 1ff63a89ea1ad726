package archive

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newSession(id string) *domain.RunSession {
	return &domain.RunSession{
		ID:          id,
		Repo:        "/src/repo",
		Strategy:    "whole-diff",
		MaxAttempts: 5,
		StartedAt:   time.Now().Add(-time.Minute),
	}
}

func TestStore_StartAndFinishRun(t *testing.T) {
	store := newStore(t)

	sess := newSession("run-1")
	run, err := store.StartRun(sess)
	if err != nil {
		t.Fatal(err)
	}
	if sess.ArchiveDir != run.Dir {
		t.Errorf("ArchiveDir = %q, want %q", sess.ArchiveDir, run.Dir)
	}
	if fi, err := os.Stat(run.Dir); err != nil || !fi.IsDir() {
		t.Fatalf("run directory missing: %v", err)
	}

	if err := store.FinishRun("run-1", "success", time.Now()); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Outcome != "success" {
		t.Errorf("Outcome = %q, want success", got.Outcome)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt should be set")
	}
	if got.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", got.MaxAttempts)
	}
}

func TestStore_StartRunTwiceFails(t *testing.T) {
	store := newStore(t)
	if _, err := store.StartRun(newSession("dup")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.StartRun(newSession("dup")); err == nil {
		t.Error("expected error for duplicate run")
	}
}

func TestStore_FinishUnknownRun(t *testing.T) {
	if err := newStore(t).FinishRun("nope", "success", time.Now()); err == nil {
		t.Error("expected error for unknown run")
	}
}

func TestStore_Attempts(t *testing.T) {
	store := newStore(t)
	if _, err := store.StartRun(newSession("run-2")); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		err := store.RecordAttempt("run-2", domain.Attempt{
			Index:          i,
			ExitCode:       1,
			Issues:         []domain.Issue{{Kind: domain.IssueLint}},
			Classification: domain.ClassSuccess,
			ApplyResult:    domain.ApplyApplied,
			FinishedAt:     time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := store.RecordAttempt("run-2", domain.Attempt{Index: 2}); err == nil {
		t.Error("attempt index must be unique per run")
	}

	attempts, err := store.ListAttempts("run-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 3 {
		t.Fatalf("got %d attempts, want 3", len(attempts))
	}
	for i, a := range attempts {
		if a.Index != i+1 {
			t.Errorf("attempts[%d].Index = %d, want %d", i, a.Index, i+1)
		}
		if a.ApplyResult != domain.ApplyApplied {
			t.Errorf("attempts[%d].ApplyResult = %q", i, a.ApplyResult)
		}
	}
}

func TestStore_ListRuns(t *testing.T) {
	store := newStore(t)
	older := newSession("a")
	older.StartedAt = time.Now().Add(-time.Hour)
	for _, s := range []*domain.RunSession{older, newSession("b")} {
		if _, err := store.StartRun(s); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := store.ListRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "b" {
		t.Errorf("ListRuns = %v, want newest first", runs)
	}
}

func TestStore_Targets(t *testing.T) {
	store := newStore(t)
	now := time.Now()

	targets := []*domain.RepoTarget{
		{Name: "beta", Path: "/r/beta", Status: domain.TargetFail, StartedAt: now.Add(-3 * time.Second), FinishedAt: now},
		{Name: "alpha", Path: "/r/alpha", Status: domain.TargetPass, StartedAt: now.Add(-time.Second), FinishedAt: now},
	}
	for _, tg := range targets {
		if err := store.RecordTarget("sweep-1", tg); err != nil {
			t.Fatal(err)
		}
	}
	// re-recording updates in place
	targets[0].Status = domain.TargetTimeout
	if err := store.RecordTarget("sweep-1", targets[0]); err != nil {
		t.Fatal(err)
	}

	got, err := store.ListTargets("sweep-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d targets, want 2", len(got))
	}
	if got[0].Name != "alpha" || got[1].Status != domain.TargetTimeout {
		t.Errorf("unexpected targets: %+v, %+v", got[0], got[1])
	}
	if d := got[1].Duration(); d < 2900*time.Millisecond || d > 3100*time.Millisecond {
		t.Errorf("Duration = %v, want about 3s", d)
	}
}

func TestNew_FileIndex(t *testing.T) {
	root := t.TempDir()
	store, err := New(root, "")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := os.Stat(filepath.Join(root, IndexName)); err != nil {
		t.Errorf("index file missing: %v", err)
	}
	if store.Root() != root {
		t.Errorf("Root = %q, want %q", store.Root(), root)
	}
}

func TestRun_WriteOnce(t *testing.T) {
	run := &Run{ID: "x", Dir: t.TempDir()}

	path, err := run.WriteString(3, FilePrompt, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(run.Dir, "attempt-03", "prompt.txt"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}

	_, err = run.WriteString(3, FilePrompt, "again")
	if !errors.Is(err, ErrExists) {
		t.Errorf("second write err = %v, want ErrExists", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "hello" {
		t.Errorf("artifact was overwritten: %q", data)
	}
}

func TestRun_WriteJSONAndExisting(t *testing.T) {
	run := &Run{ID: "x", Dir: t.TempDir()}
	issues := []domain.Issue{{Kind: domain.IssueTest, Raw: "FAILED t", StartLine: 1, EndLine: 1}}

	if _, err := run.WriteJSON(1, FileIssues, issues); err != nil {
		t.Fatal(err)
	}
	if _, err := run.WriteString(1, FileResponse, "NOOP"); err != nil {
		t.Fatal(err)
	}

	got := run.Existing(1, FilePrompt, FileResponse, FilePatch, FileIssues)
	if len(got) != 2 || filepath.Base(got[0]) != FileResponse || filepath.Base(got[1]) != FileIssues {
		t.Errorf("Existing = %v", got)
	}
}

func TestSuffixed(t *testing.T) {
	tests := []struct{ name, suffix, want string }{
		{"prompt.txt", "issue-03", "prompt-issue-03.txt"},
		{"patch.diff", "narrowed", "patch-narrowed.diff"},
		{"ci.log", "", "ci.log"},
	}
	for _, tt := range tests {
		if got := Suffixed(tt.name, tt.suffix); got != tt.want {
			t.Errorf("Suffixed(%q, %q) = %q, want %q", tt.name, tt.suffix, got, tt.want)
		}
	}
}
