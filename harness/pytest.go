package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/pkg/errors"

	"github.com/stacklab/arch-acceptor/environment"
	"github.com/stacklab/arch-acceptor/types"
)

const (
	// DefaultPython is the interpreter used to launch the harness.
	DefaultPython = "python"

	// DefaultHarnessTimeout caps a single harness invocation. The job
	// deadline still applies on top of this through the context.
	DefaultHarnessTimeout = 5 * time.Minute

	// suiteDir is where suite files are materialized inside the work dir.
	suiteDir = "tests"
)

// Config holds pytest driver settings.
type Config struct {
	// Python is the interpreter binary, "python" by default.
	Python string

	// Timeout caps one harness invocation independent of the job deadline.
	Timeout time.Duration

	// ExtraArgs are appended to the pytest command line.
	ExtraArgs []string
}

func (c Config) withDefaults() Config {
	if c.Python == "" {
		c.Python = DefaultPython
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultHarnessTimeout
	}
	return c
}

// PytestDriver runs a suite with pytest and reads back its JSON report.
type PytestDriver struct {
	cfg Config
	log *slog.Logger
}

// NewPytestDriver returns a driver with defaults applied.
func NewPytestDriver(cfg Config, log *slog.Logger) *PytestDriver {
	return &PytestDriver{cfg: cfg.withDefaults(), log: log}
}

// Execute materializes the suite under workDir, invokes pytest with the
// environment endpoint and provisioning outputs in its process environment,
// and parses the JSON report into a TestOutcome.
//
// pytest exiting non-zero is the normal signal for failing tests and is not
// an error here; the report carries the counts. An error is returned only
// when no report can be recovered.
func (d *PytestDriver) Execute(ctx context.Context, env *environment.Environment, suite types.Suite, outputs map[string]string, workDir string) (*types.TestOutcome, error) {
	start := time.Now()

	testDir := filepath.Join(workDir, suiteDir)
	if err := writeSuite(suite, testDir); err != nil {
		return nil, types.NewTestHarnessError(errors.Wrap(err, "failed to materialize test suite"))
	}

	reportPath := filepath.Join(workDir, "pytest-report.json")
	defer os.Remove(reportPath)

	runCtx := ctx
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	args := []string{"-m", "pytest", testDir, "-v", "--tb=short",
		"--json-report", "--json-report-file=" + reportPath}
	args = append(args, d.cfg.ExtraArgs...)

	cmd := exec.CommandContext(runCtx, d.cfg.Python, args...)
	cmd.Dir = workDir
	cmd.Env = processEnv(env, outputs)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	d.log.Debug("Running test harness",
		"job", env.JobID,
		"dir", testDir,
		"endpoint", env.Endpoint)

	runErr := cmd.Run()
	rawLog := stripansi.Strip(stdout.String() + stderr.String())

	outcome, parseErr := parseReport(reportPath)
	if parseErr == nil {
		if outcome.Duration == 0 {
			outcome.Duration = time.Since(start)
		}
		outcome.RawLog = rawLog
		return outcome, nil
	}

	// No usable report. A context kill is reported as-is so the caller can
	// distinguish a deadline from a harness crash.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runCtx.Err() != nil {
		return nil, types.NewTestHarnessError(errors.Errorf("harness exceeded its %s time limit", d.cfg.Timeout))
	}
	if runErr != nil {
		return nil, types.NewTestHarnessError(errors.Wrapf(runErr, "harness crashed without a report: %s", tail(rawLog, 20)))
	}
	return nil, types.NewTestHarnessError(errors.Wrap(parseErr, "harness produced no usable report"))
}

// processEnv builds the harness process environment. Tests reach the
// environment through AWS_ENDPOINT_URL and read provisioning outputs from
// TF_OUTPUT_* variables.
func processEnv(env *environment.Environment, outputs map[string]string) []string {
	out := append(os.Environ(),
		"AWS_ACCESS_KEY_ID=test",
		"AWS_SECRET_ACCESS_KEY=test",
		"AWS_DEFAULT_REGION=us-east-1",
		"AWS_ENDPOINT_URL="+env.Endpoint,
		"LOCALSTACK_ENDPOINT="+env.Endpoint,
	)

	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, fmt.Sprintf("TF_OUTPUT_%s=%s", strings.ToUpper(k), outputs[k]))
	}
	return out
}

// writeSuite materializes suite files under dir, rejecting paths that would
// escape it.
func writeSuite(suite types.Suite, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, content := range suite.Files {
		if !filepath.IsLocal(name) {
			return errors.Errorf("suite file path escapes work dir: %s", name)
		}
		dst := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, []byte(content), 0o644); err != nil {
			return err
		}
	}
	if len(suite.Requirements) > 0 {
		content := strings.Join(suite.Requirements, "\n") + "\n"
		if err := os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// report mirrors the pytest-json-report schema, reduced to what we read.
type report struct {
	Duration float64 `json:"duration"`
	Summary  struct {
		Total   int `json:"total"`
		Passed  int `json:"passed"`
		Failed  int `json:"failed"`
		Skipped int `json:"skipped"`
		Error   int `json:"error"`
	} `json:"summary"`
	Tests []reportTest `json:"tests"`
}

type reportTest struct {
	NodeID  string `json:"nodeid"`
	Outcome string `json:"outcome"`
	Call    struct {
		Crash struct {
			Message string `json:"message"`
		} `json:"crash"`
		Longrepr string `json:"longrepr"`
	} `json:"call"`
}

func parseReport(path string) (*types.TestOutcome, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read report")
	}
	var rep report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, errors.Wrap(err, "failed to parse report")
	}
	return fromReport(&rep), nil
}

// fromReport flattens the report into a TestOutcome. Collection errors count
// as failures; a test that never ran cannot count as anything else.
func fromReport(rep *report) *types.TestOutcome {
	outcome := &types.TestOutcome{
		Passed:   rep.Summary.Passed,
		Failed:   rep.Summary.Failed + rep.Summary.Error,
		Skipped:  rep.Summary.Skipped,
		Total:    rep.Summary.Total,
		Duration: time.Duration(rep.Duration * float64(time.Second)),
	}
	if outcome.Total == 0 {
		outcome.Total = outcome.Passed + outcome.Failed + outcome.Skipped
	}
	for _, t := range rep.Tests {
		if t.Outcome != "failed" && t.Outcome != "error" {
			continue
		}
		msg := t.Call.Crash.Message
		if msg == "" {
			msg = firstLine(t.Call.Longrepr)
		}
		if msg == "" {
			msg = "no failure detail captured"
		}
		outcome.Failures = append(outcome.Failures, types.TestFailure{
			Name:    t.NodeID,
			Message: msg,
			Detail:  t.Call.Longrepr,
		})
	}
	return outcome
}

// firstLine returns s up to its first line break.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

var _ Driver = (*PytestDriver)(nil)
