// Package acceptor wires the validation orchestrator into a runnable
// service: it loads the blueprint catalog, runs validation batches once or
// on an interval, renders and persists the results, and feeds the failure
// tracker.
package acceptor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/urfave/cli/v2"

	"github.com/stacklab/arch-acceptor/environment"
	"github.com/stacklab/arch-acceptor/exitcodes"
	"github.com/stacklab/arch-acceptor/harness"
	"github.com/stacklab/arch-acceptor/logging"
	"github.com/stacklab/arch-acceptor/metrics"
	"github.com/stacklab/arch-acceptor/provision"
	"github.com/stacklab/arch-acceptor/registry"
	"github.com/stacklab/arch-acceptor/results"
	"github.com/stacklab/arch-acceptor/runner"
	"github.com/stacklab/arch-acceptor/service"
	"github.com/stacklab/arch-acceptor/tracker"
	"github.com/stacklab/arch-acceptor/types"
)

// trackerStateFile is where the cross-run failure state lives, relative to
// the results directory.
const trackerStateFile = "tracker.json"

// Acceptor runs validation batches against the blueprint catalog.
type Acceptor struct {
	ctx     context.Context
	config  *Config
	version string

	registry *registry.Registry
	envs     environment.Manager
	runner   runner.JobRunner
	results  *results.Store
	tracker  *tracker.Store
	// trackerMu serializes tracker state access between the run loop and
	// the status API.
	trackerMu sync.Mutex

	summary *types.RunSummary

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*Acceptor, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating acceptor with config",
		"blueprints", config.BlueprintManifest,
		"resultsDir", config.ResultsDir,
		"runInterval", config.RunInterval,
		"runOnce", config.RunOnce,
		"concurrency", config.Concurrency)

	reg, err := registry.NewRegistry(registry.Config{
		Logger:         config.Log,
		ManifestPath:   config.BlueprintManifest,
		DefaultTimeout: config.JobTimeout,
		Include:        config.Include,
		Exclude:        config.Exclude,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	envs, err := environment.NewDockerManager(config.EnvironmentConfig(), config.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create environment manager: %w", err)
	}

	jobRunner, err := runner.NewRunner(runner.Config{
		Environments: envs,
		Provisioner:  provision.NewTerraformDriver(provision.Config{Binary: config.TerraformBinary}),
		Harness:      harness.NewPytestDriver(harness.Config{Python: config.PythonBinary}, config.Log),
		Logger:       config.Log,
		SkipCleanup:  config.SkipCleanup,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job runner: %w", err)
	}
	config.Log.Info("acceptor.New: created registry and job runner")

	return &Acceptor{
		ctx:              ctx,
		config:           config,
		version:          version,
		registry:         reg,
		envs:             envs,
		runner:           jobRunner,
		results:          results.NewStore(config.ResultsDir, config.Log),
		tracker:          tracker.NewStore(filepath.Join(config.ResultsDir, trackerStateFile), config.Log),
		done:             make(chan struct{}),
		shutdownCallback: shutdownCallback,
	}, nil
}

// API returns the status API handler backed by this acceptor's stores. The
// handler shares the tracker mutex with the run loop.
func (a *Acceptor) API() *service.APIServer {
	return service.NewAPIServer(a.config.Log, a.results, a.tracker, &a.trackerMu)
}

// Start runs a validation batch immediately and then, unless in run-once
// mode, keeps running batches at the configured interval.
func (a *Acceptor) Start(ctx context.Context) error {
	// Set up panic recovery to ensure we exit with code 2 for runtime errors
	defer func() {
		if r := recover(); r != nil {
			a.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	a.ctx = ctx
	a.done = make(chan struct{})
	a.running.Store(true)

	if a.config.RunOnce {
		a.config.Log.Info("Starting arch-acceptor in run-once mode")
	} else {
		a.config.Log.Info("Starting arch-acceptor in continuous mode", "interval", a.config.RunInterval)
	}

	err := a.runValidation(ctx)
	if err != nil {
		a.config.Log.Error("Runtime error running validation", "error", err)
		return cli.Exit(err.Error(), exitcodes.RuntimeErr)
	}

	if a.config.RunOnce {
		a.config.Log.Info("Validation completed, exiting (run-once mode)")

		// Check whether any job failed and return the matching exit code
		if a.summary != nil && a.summary.Stats.Failing() > 0 {
			a.config.Log.Warn("Run-once validation completed with failures, returning exit code 1")
			return NewValidationFailureError(a.summary.String())
		}

		// Only need to call this when we're in run-once mode and all jobs passed
		go func() {
			a.shutdownCallback(nil)
		}()
		return nil // Success (exit code 0)
	}

	// Start a goroutine for periodic validation runs
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.config.Log.Debug("Starting periodic validation goroutine", "interval", a.config.RunInterval)

		for {
			select {
			case <-time.After(a.config.RunInterval):
				if !a.running.Load() {
					a.config.Log.Debug("Service stopped, exiting periodic validation")
					return
				}

				a.config.Log.Info("Running periodic validation")
				if err := a.runValidation(a.ctx); err != nil {
					a.config.Log.Error("Error running periodic validation", "error", err)
				}

			case <-a.done:
				a.config.Log.Debug("Done signal received, stopping periodic validation")
				return

			case <-ctx.Done():
				a.config.Log.Debug("Context canceled, stopping periodic validation")
				a.running.Store(false)
				return
			}
		}
	}()
	a.config.Log.Debug("arch-acceptor started successfully")
	return nil
}

// runValidation executes one full batch and processes the results.
func (a *Acceptor) runValidation(ctx context.Context) error {
	runID := uuid.New().String()
	log := a.config.Log.With("run", runID)
	log.Info("Starting validation run")

	setupStart := time.Now()
	jobs, err := a.registry.Jobs()
	if err != nil {
		return NewRuntimeError(fmt.Errorf("failed to materialize jobs: %w", err))
	}

	fileLogger, err := logging.NewFileLogger(a.config.LogDir, runID)
	if err != nil {
		return NewRuntimeError(fmt.Errorf("failed to create log sink: %w", err))
	}

	orch, err := runner.NewOrchestrator(runner.OrchestratorConfig{
		Runner:       a.runner,
		Logger:       a.config.Log,
		Concurrency:  int64(a.config.Concurrency),
		BatchTimeout: a.config.BatchTimeout,
		Sinks:        []runner.ResultSink{fileLogger},
	})
	if err != nil {
		return NewRuntimeError(err)
	}
	setup := time.Since(setupStart)

	validationStart := time.Now()
	summary := orch.RunBatch(ctx, runID, jobs)
	summary.Timing.Setup = setup
	summary.Timing.Validation = time.Since(validationStart)

	reportStart := time.Now()
	a.printResultsTable(summary)
	fmt.Println(summary.String())
	summary.Timing.Reporting = time.Since(reportStart)

	if err := a.results.Save(summary); err != nil {
		return NewRuntimeError(fmt.Errorf("failed to persist run summary: %w", err))
	}
	if err := a.applyTracker(runID, summary); err != nil {
		return NewRuntimeError(err)
	}

	a.summary = summary
	log.Info("Validation run completed",
		"passed", summary.Stats.Passed,
		"failing", summary.Stats.Failing(),
		"skipped", summary.Stats.Skipped,
		"logs", fileLogger.Dir())
	return nil
}

// applyTracker folds the run into the cross-run failure state and surfaces
// the actions it produced. The mutex keeps the status API from reading or
// writing the state mid-update.
func (a *Acceptor) applyTracker(runID string, summary *types.RunSummary) error {
	a.trackerMu.Lock()
	defer a.trackerMu.Unlock()

	state, err := a.tracker.Load()
	if err != nil {
		return fmt.Errorf("failed to load tracker state: %w", err)
	}
	actions := tracker.Apply(state, runID, summary.Results)
	if err := a.tracker.Save(state); err != nil {
		return fmt.Errorf("failed to persist tracker state: %w", err)
	}

	for _, action := range actions {
		metrics.RecordTrackerAction(string(action.Kind))
		switch action.Kind {
		case tracker.ActionFileIssue:
			a.config.Log.Warn("Issue requested for failing family",
				"family", action.Family,
				"consecutive_failures", action.Failures,
				"summary", action.Summary)
		case tracker.ActionCloseIssue:
			a.config.Log.Info("Family recovered, issue can be closed",
				"family", action.Family,
				"issue", action.IssueRef)
		}
	}
	if err := a.results.SaveActions(runID, actions); err != nil {
		a.config.Log.Error("Failed to write tracker actions", "error", err)
	}
	return nil
}

// Stop stops the arch-acceptor service and releases every environment that
// is still alive.
func (a *Acceptor) Stop(ctx context.Context) error {
	a.config.Log.Info("Stopping arch-acceptor")

	if !a.running.Load() {
		a.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}

	// Update running state first to prevent new validation runs
	a.running.Store(false)

	a.config.Log.Debug("Sending done signal to goroutines")
	close(a.done)

	a.envs.ReleaseAll(ctx)

	a.config.Log.Info("arch-acceptor stopped successfully")
	return nil
}

// Stopped returns true if the arch-acceptor service is stopped.
func (a *Acceptor) Stopped() bool {
	return !a.running.Load()
}

// WaitForShutdown blocks until all goroutines have terminated.
// This is useful in tests to ensure complete cleanup before moving to the next test.
func (a *Acceptor) WaitForShutdown(ctx context.Context) error {
	a.config.Log.Debug("Waiting for all goroutines to terminate")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.config.Log.Debug("All goroutines terminated successfully")
		return nil
	case <-ctx.Done():
		a.config.Log.Warn("Timed out waiting for goroutines to terminate", "error", ctx.Err())
		return ctx.Err()
	}
}

// printResultsTable prints the results of the validation run to the console.
func (a *Acceptor) printResultsTable(summary *types.RunSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(fmt.Sprintf("Validation Results (%s)", formatDuration(summary.Stats.Duration)))

	t.AppendHeader(table.Row{
		"Family", "Status", "Duration", "Tests", "Passed", "Failed", "Skipped", "Error",
	})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Family", WidthMax: 40, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, res := range summary.Results {
		total, passed, failed, skipped := "-", "-", "-", "-"
		if res.Tests != nil {
			total = fmt.Sprintf("%d", res.Tests.Total)
			passed = fmt.Sprintf("%d", res.Tests.Passed)
			failed = fmt.Sprintf("%d", res.Tests.Failed)
			skipped = fmt.Sprintf("%d", res.Tests.Skipped)
		}
		t.AppendRow(table.Row{
			res.Family,
			getResultString(res.Status),
			formatDuration(res.Duration),
			total,
			passed,
			failed,
			skipped,
			errorCell(res),
		})
	}
	t.AppendSeparator()

	if summary.Stats.Failing() > 0 {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	} else if summary.Stats.Passed > 0 {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		fmt.Sprintf("%d jobs", summary.Stats.Total),
		formatDuration(summary.Stats.Duration),
		"",
		summary.Stats.Passed,
		summary.Stats.Failing(),
		summary.Stats.Skipped,
		fmt.Sprintf("pass rate %.1f%%", summary.Stats.PassRate*100),
	})

	t.Render()
}

// errorCell condenses a result's failure detail into one table cell.
func errorCell(res *types.JobResult) string {
	msg := res.Error
	if idx := strings.Index(msg, "\n"); idx != -1 {
		msg = msg[:idx]
	}
	if len(msg) > 80 {
		msg = msg[:70] + "..."
	}
	if res.CleanupIncomplete {
		if msg != "" {
			msg += "; "
		}
		msg += "cleanup incomplete"
	}
	return msg
}

// getResultString returns a marked string representing the job status
func getResultString(status types.Status) string {
	switch status {
	case types.StatusPassed:
		return "✓ passed"
	case types.StatusPartial:
		return "~ partial"
	case types.StatusTimeout:
		return "✗ timeout"
	case types.StatusSkipped:
		return "- skipped"
	default:
		return "✗ failed"
	}
}

// Helper function to format duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
