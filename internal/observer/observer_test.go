package observer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
)

func TestIsHung(t *testing.T) {
	now := time.Now()
	assert.True(t, IsHung(now.Add(-10*time.Minute), now, 5*time.Minute))
	assert.False(t, IsHung(now.Add(-2*time.Minute), now, 5*time.Minute))
	assert.False(t, IsHung(time.Time{}, now, 5*time.Minute), "never started")
	assert.False(t, IsHung(now.Add(-time.Hour), now, 0), "no threshold")
}

func TestObserverIsHungIgnoresTerminalTargets(t *testing.T) {
	obs := New(5 * time.Minute)
	now := time.Now()

	target := &domain.RepoTarget{Name: "a", Status: domain.TargetPending, StartedAt: now.Add(-10 * time.Minute)}
	assert.True(t, obs.IsHung(target, now))

	target.Status = domain.TargetPass
	assert.False(t, obs.IsHung(target, now))
}

func TestObserverSummary(t *testing.T) {
	obs := New(time.Minute)
	obs.RecordCompletion("a", domain.TargetPass, 2*time.Second)
	obs.RecordCompletion("b", domain.TargetFail, 4*time.Second)
	obs.RecordCompletion("c", domain.TargetTimeout, 9*time.Second)

	s := obs.Summary()
	assert.Equal(t, 3, s.TotalCompleted)
	assert.Equal(t, 1, s.TotalFailed)
	assert.Equal(t, 1, s.TotalTimeouts)
	assert.Equal(t, 5*time.Second, s.AvgDuration)
	assert.Equal(t, "c", s.Slowest)

	assert.ElementsMatch(t, []string{"a", "b", "c"}, obs.RecentCompletions(time.Minute))
}

func TestMetricsCounters(t *testing.T) {
	before := testutil.ToFloat64(patchResultsTotal.WithLabelValues(string(domain.ApplyAlreadyApplied)))
	PatchResult(domain.ApplyAlreadyApplied)
	PatchResult(domain.ApplyAlreadyApplied)
	after := testutil.ToFloat64(patchResultsTotal.WithLabelValues(string(domain.ApplyAlreadyApplied)))
	assert.Equal(t, before+2, after)

	before = testutil.ToFloat64(targetsTotal.WithLabelValues("Skip"))
	TargetFinished(domain.TargetSkip)
	assert.Equal(t, before+1, testutil.ToFloat64(targetsTotal.WithLabelValues("Skip")))
}

func TestWorkersLiveGauge(t *testing.T) {
	WorkersLive(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(workersLive))
	WorkersLive(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(workersLive))
}

func TestWriteTextfile(t *testing.T) {
	AttemptFinished("applied")
	AgentCall("ok", 3*time.Second)

	path := filepath.Join(t.TempDir(), "ci_repair.prom")
	require.NoError(t, WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.Contains(text, `ci_repair_attempts_total{outcome="applied"}`), text)
	assert.True(t, strings.Contains(text, "ci_repair_agent_call_seconds_bucket"), text)

	assert.NoError(t, WriteTextfile(""))
}

func TestStatusWatcher(t *testing.T) {
	dir := t.TempDir()
	got := make(chan []string, 4)

	sw, err := NewStatusWatcher(dir, func(targets []string) { got <- targets })
	require.NoError(t, err)
	sw.SetDebounce(20 * time.Millisecond)
	sw.Start(t.Context())
	defer sw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "repo-a.log"), []byte("noise"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "repo-a.status"), []byte("Pass\n"), 0644))

	select {
	case targets := <-got:
		assert.Equal(t, []string{"repo-a"}, targets)
	case <-time.After(5 * time.Second):
		t.Fatal("no status change reported")
	}
}

func TestNewStatusWatcherMissingDir(t *testing.T) {
	_, err := NewStatusWatcher(filepath.Join(t.TempDir(), "nope"), nil)
	assert.Error(t, err)
}
