package metrics

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stacklab/arch-acceptor/types"
)

const (
	MetricsNamespace = "arch_acceptor"
)

var (
	Debug                bool = true
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "jobs_total",
		Help:      "Count of validation jobs by terminal status",
	}, []string{
		"run_id",
		"family",
		"status",
	})

	jobDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "job_duration_seconds",
		Help:      "Duration of the last validation job per family",
	}, []string{
		"run_id",
		"family",
	})

	activeEnvironments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "active_environments",
		Help:      "Number of live execution environments",
	})

	runJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_jobs",
		Help:      "Per-status job counts of a validation run",
	}, []string{
		"run_id",
		"status",
	})

	runPassRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_pass_rate",
		Help:      "Pass rate of a validation run",
	}, []string{
		"run_id",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of a validation run",
	}, []string{
		"run_id",
	})

	trackerActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "tracker_actions_total",
		Help:      "Issue signals emitted by the failure tracker",
	}, []string{
		"action",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		slog.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

// RecordJob records one job's terminal status and duration.
func RecordJob(runID string, result *types.JobResult) {
	if !result.Status.Valid() {
		slog.Error("RecordJob - invalid status", "status", result.Status)
		return
	}
	if Debug {
		slog.Debug("metric inc",
			"m", "jobs_total",
			"run_id", runID,
			"family", result.Family,
			"status", result.Status)
	}
	jobsTotal.WithLabelValues(runID, result.Family, result.Status.String()).Inc()
	jobDuration.WithLabelValues(runID, result.Family).Set(result.Duration.Seconds())
}

// RecordRun records the aggregate outcome of one orchestration run.
func RecordRun(runID string, stats types.RunStats) {
	runJobs.WithLabelValues(runID, types.StatusPassed.String()).Set(float64(stats.Passed))
	runJobs.WithLabelValues(runID, types.StatusPartial.String()).Set(float64(stats.Partial))
	runJobs.WithLabelValues(runID, types.StatusFailed.String()).Set(float64(stats.Failed))
	runJobs.WithLabelValues(runID, types.StatusTimeout.String()).Set(float64(stats.Timeout))
	runJobs.WithLabelValues(runID, types.StatusSkipped.String()).Set(float64(stats.Skipped))
	runPassRate.WithLabelValues(runID).Set(stats.PassRate)
	runDuration.WithLabelValues(runID).Set(stats.Duration.Seconds())
}

// RecordTrackerAction counts a file-issue or close-issue signal.
func RecordTrackerAction(action string) {
	trackerActions.WithLabelValues(action).Inc()
}

// SetActiveEnvironments publishes the live environment count.
func SetActiveEnvironments(n int) {
	activeEnvironments.Set(float64(n))
}
