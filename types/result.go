package types

import (
	"fmt"
	"sort"
	"time"
)

// ProvisioningOutcome captures one provisioning attempt against an
// environment. Failure is encoded here, never raised: Success false with
// Error set is the normal shape of a broken blueprint.
type ProvisioningOutcome struct {
	Success   bool              `json:"success"`
	Duration  time.Duration     `json:"duration"`
	Resources []string          `json:"resources,omitempty"`
	Outputs   map[string]string `json:"outputs,omitempty"`
	Error     string            `json:"error,omitempty"`
	RawLog    string            `json:"-"`
}

// TestFailure is one failing test. Message is the one-line reason, Detail
// the full captured traceback when the harness provides one.
type TestFailure struct {
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// TestOutcome captures the counts and failure detail reported by the test
// harness. A harness crash before any report yields a zero-valued outcome.
type TestOutcome struct {
	Total    int           `json:"total"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
	Failures []TestFailure `json:"failures,omitempty"`
	RawLog   string        `json:"-"`
}

// LogBundle collects the raw diagnostic streams for one job. The streams
// are written to per-job files by the result sinks; run manifests carry only
// references to them.
type LogBundle struct {
	Provision   string `json:"-"`
	Harness     string `json:"-"`
	Environment string `json:"-"`
}

// JobResult is the terminal record of one job. Every submitted job produces
// exactly one, whatever went wrong along the way.
type JobResult struct {
	JobID        string               `json:"job_id"`
	Family       string               `json:"family"`
	Status       Status               `json:"status"`
	Provisioning *ProvisioningOutcome `json:"provisioning,omitempty"`
	Tests        *TestOutcome         `json:"tests,omitempty"`
	Logs         LogBundle            `json:"-"`
	Duration     time.Duration        `json:"duration"`
	// CleanupIncomplete records that teardown could not finish inside its
	// own deadline. It never changes Status.
	CleanupIncomplete bool   `json:"cleanup_incomplete,omitempty"`
	Error             string `json:"error,omitempty"`
}

// StageTiming tracks wall-clock time spent in each phase of a run.
type StageTiming struct {
	Setup      time.Duration `json:"setup"`
	Validation time.Duration `json:"validation"`
	Reporting  time.Duration `json:"reporting"`
}

// RunStats aggregates per-status counts for a run.
//
// PassRate is passed / (passed + partial + failed). Skipped and never-run
// jobs stay out of the denominator so that a mostly-skipped run does not
// look artificially healthy or broken.
type RunStats struct {
	Total    int           `json:"total"`
	Passed   int           `json:"passed"`
	Partial  int           `json:"partial"`
	Failed   int           `json:"failed"`
	Timeout  int           `json:"timeout"`
	Skipped  int           `json:"skipped"`
	PassRate float64       `json:"pass_rate"`
	Duration time.Duration `json:"duration"`
}

// RunSummary is the aggregate outcome of one orchestration invocation.
// Immutable after the orchestrator completes it.
type RunSummary struct {
	RunID   string       `json:"run_id"`
	Stats   RunStats     `json:"stats"`
	Timing  StageTiming  `json:"timing"`
	Results []*JobResult `json:"results"`
}

// String renders a one-line digest of the run.
func (s *RunSummary) String() string {
	return fmt.Sprintf("run %s: %d jobs, %d passed, %d partial, %d failed, %d timeout, %d skipped, pass rate %.1f%%",
		s.RunID, s.Stats.Total, s.Stats.Passed, s.Stats.Partial, s.Stats.Failed,
		s.Stats.Timeout, s.Stats.Skipped, s.Stats.PassRate*100)
}

// Failing reports how many jobs ended in a failing status. Skips stay out,
// matching the consecutive-failure semantics of the tracker.
func (s RunStats) Failing() int {
	return s.Partial + s.Failed + s.Timeout
}

// ComputeStats derives RunStats from a set of job results. Only jobs that
// reached a pass/partial/fail verdict enter the pass-rate denominator;
// timeouts and skips are counted in their own buckets.
func ComputeStats(results []*JobResult) RunStats {
	stats := RunStats{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusPassed:
			stats.Passed++
		case StatusPartial:
			stats.Partial++
		case StatusFailed:
			stats.Failed++
		case StatusTimeout:
			stats.Timeout++
		case StatusSkipped:
			stats.Skipped++
		}
		stats.Duration += r.Duration
	}
	validated := stats.Passed + stats.Partial + stats.Failed
	if validated > 0 {
		stats.PassRate = float64(stats.Passed) / float64(validated)
	}
	return stats
}

// SortResults orders results by family then job id. Jobs complete in
// whatever order the pool finishes them; serialized output must not depend
// on that order.
func SortResults(results []*JobResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Family != results[j].Family {
			return results[i].Family < results[j].Family
		}
		return results[i].JobID < results[j].JobID
	})
}
