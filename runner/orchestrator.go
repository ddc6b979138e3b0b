package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/stacklab/arch-acceptor/metrics"
	"github.com/stacklab/arch-acceptor/types"
)

// DefaultConcurrency is how many jobs run at once when the config does not
// say otherwise. Each job owns a full environment, so this is also the
// container budget.
const DefaultConcurrency = 4

// JobRunner runs one job to a terminal status.
type JobRunner interface {
	Run(ctx context.Context, job types.Job) *types.JobResult
}

// ResultSink receives results as jobs finish and the summary once the whole
// batch is done. Sink errors are logged and counted, never fatal to the run.
type ResultSink interface {
	Consume(result *types.JobResult) error
	Complete(summary *types.RunSummary) error
}

// OrchestratorConfig assembles an Orchestrator.
type OrchestratorConfig struct {
	Runner JobRunner
	Logger *slog.Logger

	// Concurrency bounds how many jobs run at once.
	Concurrency int64

	// BatchTimeout bounds the whole batch. Jobs not yet started when it
	// expires are marked skipped; jobs in flight observe the cancellation
	// through their context.
	BatchTimeout time.Duration

	// Sinks receive results as they arrive.
	Sinks []ResultSink
}

// Orchestrator fans a batch of jobs over a bounded pool of runners and
// aggregates their results into a run summary.
type Orchestrator struct {
	runner       JobRunner
	log          *slog.Logger
	concurrency  int64
	batchTimeout time.Duration
	sinks        []ResultSink
}

// NewOrchestrator validates the config and returns an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Runner == nil {
		return nil, errors.New("job runner is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Orchestrator{
		runner:       cfg.Runner,
		log:          log,
		concurrency:  concurrency,
		batchTimeout: cfg.BatchTimeout,
		sinks:        cfg.Sinks,
	}, nil
}

// RunBatch executes every job in the batch and returns the aggregated
// summary. The summary always contains exactly one result per submitted
// job: jobs that never started before the deadline appear as skipped, and
// nothing a single job does can take down the batch.
func (o *Orchestrator) RunBatch(ctx context.Context, runID string, jobs []types.Job) *types.RunSummary {
	start := time.Now()
	log := o.log.With("run", runID)
	log.Info("Starting validation batch",
		"jobs", len(jobs), "concurrency", o.concurrency)

	ctx, span := tracer.Start(ctx, "batch "+runID)
	defer span.End()

	if o.batchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.batchTimeout)
		defer cancel()
	}

	resultCh := make(chan *types.JobResult)
	collected := make([]*types.JobResult, 0, len(jobs))
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for res := range resultCh {
			collected = append(collected, res)
			metrics.RecordJob(runID, res)
			o.consume(log, res)
			log.Info("Job complete",
				"job", res.JobID,
				"family", res.Family,
				"status", res.Status,
				"duration", res.Duration.Round(time.Millisecond))
		}
	}()

	sem := semaphore.NewWeighted(o.concurrency)
	var wg sync.WaitGroup
	for _, job := range jobs {
		if err := sem.Acquire(ctx, 1); err != nil {
			resultCh <- skippedResult(job, err)
			continue
		}
		wg.Add(1)
		go func(job types.Job) {
			defer wg.Done()
			defer sem.Release(1)
			resultCh <- o.runner.Run(ctx, job)
		}(job)
	}
	wg.Wait()
	close(resultCh)
	<-collectorDone

	types.SortResults(collected)
	stats := types.ComputeStats(collected)
	summary := &types.RunSummary{
		RunID:   runID,
		Stats:   stats,
		Results: collected,
	}
	metrics.RecordRun(runID, stats)
	o.complete(log, summary)

	log.Info("Validation batch complete",
		"passed", stats.Passed,
		"partial", stats.Partial,
		"failed", stats.Failed,
		"timeout", stats.Timeout,
		"skipped", stats.Skipped,
		"pass_rate", fmt.Sprintf("%.2f", stats.PassRate),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return summary
}

// skippedResult marks a job that never got to start.
func skippedResult(job types.Job, cause error) *types.JobResult {
	return &types.JobResult{
		JobID:  job.ID,
		Family: job.Family,
		Status: types.StatusSkipped,
		Error:  fmt.Sprintf("not started: %v", cause),
	}
}

func (o *Orchestrator) consume(log *slog.Logger, res *types.JobResult) {
	for _, sink := range o.sinks {
		if err := sink.Consume(res); err != nil {
			metrics.RecordErrorDetails("result_sink", err)
			log.Warn("Result sink rejected result", "job", res.JobID, "error", err)
		}
	}
}

func (o *Orchestrator) complete(log *slog.Logger, summary *types.RunSummary) {
	for _, sink := range o.sinks {
		if err := sink.Complete(summary); err != nil {
			metrics.RecordErrorDetails("result_sink", err)
			log.Warn("Result sink failed to finalize", "error", err)
		}
	}
}
