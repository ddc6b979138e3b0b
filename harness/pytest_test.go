package harness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklab/arch-acceptor/environment"
	"github.com/stacklab/arch-acceptor/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEnv() *environment.Environment {
	return &environment.Environment{
		ID:       "env-test",
		JobID:    "job-test",
		Endpoint: "http://localhost:4566",
	}
}

func writeReport(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseReport(t *testing.T) {
	path := writeReport(t, `{
		"duration": 2.5,
		"summary": {"total": 4, "passed": 2, "failed": 1, "skipped": 1},
		"tests": [
			{"nodeid": "test_app.py::test_bucket", "outcome": "passed"},
			{"nodeid": "test_app.py::test_table", "outcome": "failed",
			 "call": {"crash": {"message": "AssertionError: table missing"},
			          "longrepr": "def test_table():\n>       assert table_exists()\nE       AssertionError: table missing"}},
			{"nodeid": "test_app.py::test_queue", "outcome": "skipped"}
		]
	}`)

	outcome, err := parseReport(path)
	require.NoError(t, err)
	assert.Equal(t, 4, outcome.Total)
	assert.Equal(t, 2, outcome.Passed)
	assert.Equal(t, 1, outcome.Failed)
	assert.Equal(t, 1, outcome.Skipped)
	assert.Equal(t, 2500*time.Millisecond, outcome.Duration)
	require.Len(t, outcome.Failures, 1)
	assert.Equal(t, "test_app.py::test_table", outcome.Failures[0].Name)
	assert.Equal(t, "AssertionError: table missing", outcome.Failures[0].Message)
	assert.Contains(t, outcome.Failures[0].Detail, "assert table_exists()")
}

func TestParseReportCountsErrorsAsFailures(t *testing.T) {
	path := writeReport(t, `{
		"summary": {"passed": 1, "failed": 1, "error": 2},
		"tests": [
			{"nodeid": "test_a.py::test_ok", "outcome": "passed"},
			{"nodeid": "test_a.py::test_bad", "outcome": "failed",
			 "call": {"longrepr": "assert 1 == 2\nE       where 1 = count()"}},
			{"nodeid": "test_a.py::test_boom", "outcome": "error"},
			{"nodeid": "test_a.py::test_crash", "outcome": "error"}
		]
	}`)

	outcome, err := parseReport(path)
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Failed)
	assert.Equal(t, 4, outcome.Total)
	require.Len(t, outcome.Failures, 3)
	assert.Equal(t, "assert 1 == 2", outcome.Failures[0].Message, "longrepr first line when no crash message")
	assert.Equal(t, "no failure detail captured", outcome.Failures[1].Message)
}

func TestParseReportMissingOrInvalid(t *testing.T) {
	_, err := parseReport(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)

	_, err = parseReport(writeReport(t, "not json at all"))
	assert.Error(t, err)
}

func TestProcessEnv(t *testing.T) {
	env := testEnv()
	got := processEnv(env, map[string]string{
		"bucket_name": "validation-bucket",
		"api_url":     "http://localhost:4566/restapis/abc",
	})

	assert.Contains(t, got, "AWS_ACCESS_KEY_ID=test")
	assert.Contains(t, got, "AWS_SECRET_ACCESS_KEY=test")
	assert.Contains(t, got, "AWS_DEFAULT_REGION=us-east-1")
	assert.Contains(t, got, "AWS_ENDPOINT_URL=http://localhost:4566")
	assert.Contains(t, got, "LOCALSTACK_ENDPOINT=http://localhost:4566")
	assert.Contains(t, got, "TF_OUTPUT_BUCKET_NAME=validation-bucket")
	assert.Contains(t, got, "TF_OUTPUT_API_URL=http://localhost:4566/restapis/abc")
}

func TestWriteSuite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tests")
	suite := types.Suite{
		Files: map[string]string{
			"test_app.py":       "def test_ok(): pass\n",
			"helpers/assert.py": "TOLERANCE = 0.1\n",
		},
		Requirements: []string{"boto3", "pytest"},
	}
	require.NoError(t, writeSuite(suite, dir))

	data, err := os.ReadFile(filepath.Join(dir, "test_app.py"))
	require.NoError(t, err)
	assert.Equal(t, "def test_ok(): pass\n", string(data))

	_, err = os.Stat(filepath.Join(dir, "helpers", "assert.py"))
	require.NoError(t, err)

	data, err = os.ReadFile(filepath.Join(dir, "requirements.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "boto3")
}

func TestWriteSuiteRejectsEscapingPaths(t *testing.T) {
	dir := t.TempDir()
	err := writeSuite(types.Suite{Files: map[string]string{"../outside.py": "x"}}, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes work dir")
}

// stubHarness returns a runnable script that mimics the harness: it finds
// the report path in its arguments and writes the given report there.
func stubHarness(t *testing.T, reportJSON string, exitCode int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub harness requires a POSIX shell")
	}
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	if reportJSON != "" {
		b.WriteString("for a in \"$@\"; do\n")
		b.WriteString("  case \"$a\" in\n")
		b.WriteString("    --json-report-file=*) out=\"${a#--json-report-file=}\" ;;\n")
		b.WriteString("  esac\n")
		b.WriteString("done\n")
		b.WriteString("cat > \"$out\" <<'EOF'\n")
		b.WriteString(reportJSON)
		b.WriteString("\nEOF\n")
	}
	b.WriteString("echo harness output\n")
	if exitCode != 0 {
		b.WriteString("echo 'INTERNALERROR> boom' >&2\n")
	}
	fmt.Fprintf(&b, "exit %d\n", exitCode)

	path := filepath.Join(t.TempDir(), "fake-pytest")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o755))
	return path
}

func TestExecuteParsesReport(t *testing.T) {
	stub := stubHarness(t, `{"summary": {"total": 2, "passed": 1, "failed": 1},
		"tests": [{"nodeid": "test_app.py::test_x", "outcome": "failed",
		"call": {"longrepr": "assert False"}}]}`, 1)

	driver := NewPytestDriver(Config{Python: stub}, testLogger())
	suite := types.Suite{Files: map[string]string{"test_app.py": "def test_x(): assert False\n"}}

	outcome, err := driver.Execute(context.Background(), testEnv(), suite, nil, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Total)
	assert.Equal(t, 1, outcome.Passed)
	assert.Equal(t, 1, outcome.Failed)
	assert.Contains(t, outcome.RawLog, "harness output")
	require.Len(t, outcome.Failures, 1)
	assert.Equal(t, "test_app.py::test_x", outcome.Failures[0].Name)
}

func TestExecuteCrashWithoutReport(t *testing.T) {
	stub := stubHarness(t, "", 2)

	driver := NewPytestDriver(Config{Python: stub}, testLogger())
	suite := types.Suite{Files: map[string]string{"test_app.py": "def test_x(): pass\n"}}

	outcome, err := driver.Execute(context.Background(), testEnv(), suite, nil, t.TempDir())
	assert.Nil(t, outcome)
	require.Error(t, err)
	assert.True(t, types.IsTestHarnessError(err))
	assert.Contains(t, err.Error(), "INTERNALERROR")
}

func TestExecuteDeadlineExceeded(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("stub harness requires a POSIX shell")
	}
	stub := filepath.Join(t.TempDir(), "slow-pytest")
	require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\nsleep 10\n"), 0o755))

	driver := NewPytestDriver(Config{Python: stub}, testLogger())
	suite := types.Suite{Files: map[string]string{"test_app.py": "def test_x(): pass\n"}}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	outcome, err := driver.Execute(ctx, testEnv(), suite, nil, t.TempDir())
	assert.Nil(t, outcome)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, types.IsTestHarnessError(err))
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultPython, cfg.Python)
	assert.Equal(t, DefaultHarnessTimeout, cfg.Timeout)

	cfg = Config{Python: "python3", Timeout: time.Minute}.withDefaults()
	assert.Equal(t, "python3", cfg.Python)
	assert.Equal(t, time.Minute, cfg.Timeout)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail("short", 5))
	long := "l1\nl2\nl3\nl4\n"
	assert.Equal(t, "l3\nl4", tail(long, 2))
}
