// Package runner executes validation jobs. A Runner takes one job from
// environment acquisition through provisioning, testing and cleanup; the
// Orchestrator fans a batch of jobs over a bounded worker pool and folds
// the results into a run summary.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/stacklab/arch-acceptor/environment"
	"github.com/stacklab/arch-acceptor/harness"
	"github.com/stacklab/arch-acceptor/metrics"
	"github.com/stacklab/arch-acceptor/provision"
	"github.com/stacklab/arch-acceptor/types"
)

var tracer = otel.Tracer("github.com/stacklab/arch-acceptor/runner")

// DefaultCleanupTimeout bounds the teardown of a single job. Cleanup runs
// on its own clock so a job deadline cannot leak infrastructure.
const DefaultCleanupTimeout = 2 * time.Minute

// Config assembles a Runner.
type Config struct {
	Environments environment.Manager
	Provisioner  provision.Driver
	Harness      harness.Driver
	Logger       *slog.Logger

	// WorkRoot is where per-job work dirs are created. Empty means the
	// system temp dir.
	WorkRoot string

	// CleanupTimeout bounds per-job teardown.
	CleanupTimeout time.Duration

	// SkipCleanup leaves infrastructure and work dirs in place for
	// inspection. The job result still reports its terminal status.
	SkipCleanup bool
}

// Runner executes single jobs to a terminal status.
type Runner struct {
	envs  environment.Manager
	prov  provision.Driver
	tests harness.Driver
	log   *slog.Logger

	workRoot       string
	cleanupTimeout time.Duration
	skipCleanup    bool
}

// NewRunner validates the config and returns a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Environments == nil {
		return nil, errors.New("environment manager is required")
	}
	if cfg.Provisioner == nil {
		return nil, errors.New("provisioning driver is required")
	}
	if cfg.Harness == nil {
		return nil, errors.New("test harness driver is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	cleanupTimeout := cfg.CleanupTimeout
	if cleanupTimeout == 0 {
		cleanupTimeout = DefaultCleanupTimeout
	}
	return &Runner{
		envs:           cfg.Environments,
		prov:           cfg.Provisioner,
		tests:          cfg.Harness,
		log:            log,
		workRoot:       cfg.WorkRoot,
		cleanupTimeout: cleanupTimeout,
		skipCleanup:    cfg.SkipCleanup,
	}, nil
}

// Run executes one job and always returns a result with a terminal status.
// It never returns an error and never panics upward; any panic in a stage
// or driver is folded into a failed result after cleanup has run.
func (r *Runner) Run(ctx context.Context, job types.Job) (result *types.JobResult) {
	start := time.Now()
	result = &types.JobResult{
		JobID:  job.ID,
		Family: job.Family,
		Status: types.StatusFailed,
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("runner panicked", "job", job.ID, "family", job.Family, "panic", rec)
			metrics.RecordError("runner_panic")
			result.Status = types.StatusFailed
			result.Error = fmt.Sprintf("runner panicked: %v", rec)
		}
		result.Duration = time.Since(start)
	}()

	log := r.log.With("job", job.ID, "family", job.Family)

	if job.Suite.Empty() {
		log.Info("Job has no test suite, skipping")
		result.Status = types.StatusSkipped
		return result
	}

	ctx, span := tracer.Start(ctx, "job "+job.Family)
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.family", job.Family),
	)

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	workDir, err := os.MkdirTemp(r.workRoot, "job-"+job.Family+"-")
	if err != nil {
		metrics.RecordErrorDetails("workspace", err)
		result.Error = fmt.Sprintf("failed to create work dir: %v", err)
		return result
	}
	if !r.skipCleanup {
		defer os.RemoveAll(workDir)
	}

	log.Debug("Acquiring environment")
	env, err := r.envs.Acquire(ctx, job.ID)
	if err != nil {
		metrics.RecordErrorDetails("environment", err)
		span.SetStatus(codes.Error, "environment unavailable")
		if ctx.Err() != nil {
			result.Status = types.StatusTimeout
		}
		result.Error = err.Error()
		log.Error("Environment unavailable", "error", err)
		return result
	}
	defer r.cleanup(ctx, log, env, workDir, result)

	log.Info("Provisioning blueprint", "endpoint", env.Endpoint)
	prov := r.prov.Apply(ctx, env, job.Blueprint, workDir)
	result.Provisioning = prov
	result.Logs.Provision = prov.RawLog
	if ctx.Err() != nil {
		result.Status = types.StatusTimeout
		result.Error = fmt.Sprintf("provisioning interrupted: %v", ctx.Err())
		span.SetStatus(codes.Error, "timeout")
		return result
	}
	if !prov.Success {
		metrics.RecordError("provision_failed")
		result.Status = types.StatusFailed
		result.Error = prov.Error
		span.SetStatus(codes.Error, "provisioning failed")
		return result
	}

	log.Info("Running test suite", "resources", len(prov.Resources))
	tests, err := r.tests.Execute(ctx, env, job.Suite, prov.Outputs, workDir)
	if tests != nil {
		result.Tests = tests
		result.Logs.Harness = tests.RawLog
	}
	if ctx.Err() != nil {
		result.Status = types.StatusTimeout
		result.Error = fmt.Sprintf("test run interrupted: %v", ctx.Err())
		span.SetStatus(codes.Error, "timeout")
		return result
	}
	if err != nil {
		metrics.RecordErrorDetails("harness", err)
		result.Status = types.StatusFailed
		result.Error = err.Error()
		span.SetStatus(codes.Error, "harness error")
		return result
	}

	result.Status = types.DeriveStatus(result.Provisioning, result.Tests)
	if result.Status == types.StatusFailed && tests.Total == 0 {
		result.Error = "test suite collected no tests"
	}

	log.Info("Job finished",
		"status", result.Status,
		"passed", tests.Passed,
		"failed", tests.Failed,
		"skipped", tests.Skipped)
	return result
}

// cleanup tears down everything a job left behind: captured backend logs
// first while the container is still up, then the provisioned
// infrastructure, then the environment itself. It runs once per acquired
// environment, on a fresh context bounded by the cleanup timeout, and never
// overrides the job's terminal status. Anything that stops teardown from
// finishing marks the result as incompletely cleaned up.
func (r *Runner) cleanup(ctx context.Context, log *slog.Logger, env *environment.Environment, workDir string, result *types.JobResult) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cleanupTimeout)
	defer cancel()

	if logs, err := r.envs.Logs(cctx, env); err == nil {
		result.Logs.Environment = logs
	} else {
		log.Debug("Could not capture environment logs", "error", err)
	}

	if r.skipCleanup {
		log.Warn("Cleanup skipped, infrastructure left in place",
			"workdir", workDir, "endpoint", env.Endpoint)
	} else {
		destroyLog, err := r.prov.Destroy(cctx, env, workDir)
		if destroyLog != "" {
			result.Logs.Provision += "\n" + destroyLog
		}
		if err != nil {
			metrics.RecordErrorDetails("cleanup", err)
			result.CleanupIncomplete = true
			log.Error("Infrastructure destroy failed", "error", err)
		}
	}

	if err := r.envs.Release(cctx, env); err != nil {
		metrics.RecordErrorDetails("cleanup", err)
		result.CleanupIncomplete = true
		log.Error("Environment release failed", "error", err)
	}

	if result.CleanupIncomplete {
		log.Warn("Cleanup incomplete", "job", result.JobID)
	}
}
