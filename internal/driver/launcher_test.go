package driver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
)

func waitExited(t *testing.T, p Process) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !p.Exited() {
		if time.Now().After(deadline) {
			t.Fatal("process did not exit")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExecLauncher_ShellWritesLogAndStatus(t *testing.T) {
	repo := t.TempDir()
	out := t.TempDir()
	target := &domain.RepoTarget{
		Name:       "svc",
		Path:       repo,
		LogPath:    LogPath(out, "svc"),
		StatusPath: StatusPath(out, "svc"),
	}
	l := &ExecLauncher{Shell: `echo "checking $CI_REPAIR_TARGET"; echo Pass > "$CI_REPAIR_STATUS_FILE"`}

	p, err := l.Launch(context.Background(), target)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitExited(t, p)

	data, err := os.ReadFile(target.LogPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "checking svc") {
		t.Errorf("log = %q", data)
	}
	if status, ok := ReadStatus(target.StatusPath); !ok || status != domain.TargetPass {
		t.Errorf("status = %q, %v", status, ok)
	}
}

func TestExecLauncher_KillEndsProcessGroup(t *testing.T) {
	out := t.TempDir()
	target := &domain.RepoTarget{
		Name:       "slow",
		Path:       t.TempDir(),
		LogPath:    filepath.Join(out, "slow.log"),
		StatusPath: filepath.Join(out, "slow.status"),
	}
	l := &ExecLauncher{Shell: "sleep 30 & sleep 30"}
	p, err := l.Launch(context.Background(), target)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if p.Exited() {
		t.Fatal("process exited immediately")
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitExited(t, p)
}

func TestExecLauncher_Command(t *testing.T) {
	l := &ExecLauncher{Args: []string{"/bin/ci-repair", "worker"}, Bare: true, SkipIfClean: true}
	target := &domain.RepoTarget{Path: "/src/svc", StatusPath: "/out/svc.status"}
	got := strings.Join(l.Command(target), " ")
	want := "/bin/ci-repair worker --repo /src/svc --status-file /out/svc.status --bare --skip-if-clean"
	if got != want {
		t.Errorf("Command = %q, want %q", got, want)
	}
}
