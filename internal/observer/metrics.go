package observer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hochfrequenz/ci-repair-loop/internal/domain"
)

// Registry holds every ci-repair metric. It is separate from the default
// registry so a textfile export carries only these series.
var Registry = prometheus.NewRegistry()

var (
	attemptsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ci_repair_attempts_total",
			Help: "Repair attempts by outcome",
		},
		[]string{"outcome"},
	)
	agentCallsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ci_repair_agent_calls_total",
			Help: "Agent invocations by result",
		},
		[]string{"result"},
	)
	agentCallSeconds = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ci_repair_agent_call_seconds",
			Help:    "Wall-clock duration of agent invocations",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
	)
	targetsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ci_repair_targets_total",
			Help: "Driver targets by terminal status",
		},
		[]string{"status"},
	)
	patchResultsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ci_repair_patch_results_total",
			Help: "Patch candidates by apply result",
		},
		[]string{"result"},
	)
	workersLive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "ci_repair_driver_workers_live",
			Help: "Driver workers currently holding a slot",
		},
	)
)

// AttemptFinished counts one closed attempt
func AttemptFinished(outcome string) {
	attemptsTotal.WithLabelValues(outcome).Inc()
}

// AgentCall records one agent invocation
func AgentCall(result string, d time.Duration) {
	agentCallsTotal.WithLabelValues(result).Inc()
	agentCallSeconds.Observe(d.Seconds())
}

// TargetFinished counts one terminal driver target
func TargetFinished(status domain.TargetStatus) {
	targetsTotal.WithLabelValues(string(status)).Inc()
}

// PatchResult counts one patch outcome
func PatchResult(result domain.ApplyResult) {
	patchResultsTotal.WithLabelValues(string(result)).Inc()
}

// WorkersLive sets the number of live driver workers
func WorkersLive(n int) {
	workersLive.Set(float64(n))
}

// WriteTextfile writes the registry in the node-exporter textfile format.
// An empty path is a no-op.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, Registry)
}
