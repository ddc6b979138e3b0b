// Package logging writes per-job diagnostic bundles to disk. Each run gets
// its own directory with jobs grouped by verdict, so failures can be triaged
// straight from the filesystem.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/stacklab/arch-acceptor/types"
)

// RunDirectoryPrefix is the standardized prefix for run directories.
const RunDirectoryPrefix = "run-"

const (
	provisionLogName   = "provision.log"
	harnessLogName     = "harness.log"
	environmentLogName = "environment.log"
	resultFileName     = "result.json"
	summaryFileName    = "summary.log"
)

// FileLogger writes one log bundle per job under
// <baseDir>/run-<id>/<verdict>/<family>/ and a plain-text summary when the
// run completes. It is safe for concurrent use; results repeated for the
// same job are written once.
type FileLogger struct {
	baseDir string
	logDir  string

	mu      sync.Mutex
	written map[string]bool
}

// NewFileLogger creates the run directory skeleton.
func NewFileLogger(baseDir, runID string) (*FileLogger, error) {
	if baseDir == "" {
		return nil, errors.New("baseDir cannot be empty")
	}
	if runID == "" {
		return nil, errors.New("runID cannot be empty")
	}

	logDir := filepath.Join(baseDir, RunDirectoryPrefix+runID)
	for _, dir := range []string{logDir, filepath.Join(logDir, "passed"), filepath.Join(logDir, "failed")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create directory %s", dir)
		}
	}

	return &FileLogger{
		baseDir: baseDir,
		logDir:  logDir,
		written: make(map[string]bool),
	}, nil
}

// Dir returns the run's log directory.
func (l *FileLogger) Dir() string {
	return l.logDir
}

// Consume writes the job's bundle: raw provisioning, harness and
// environment logs plus the structured result.
func (l *FileLogger) Consume(result *types.JobResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.written[result.JobID] {
		return nil
	}
	l.written[result.JobID] = true

	dir := filepath.Join(l.logDir, verdictDir(result.Status), sanitizeName(result.Family))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create job log dir %s", dir)
	}

	streams := map[string]string{
		provisionLogName:   result.Logs.Provision,
		harnessLogName:     result.Logs.Harness,
		environmentLogName: result.Logs.Environment,
	}
	for name, content := range streams {
		if content == "" {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return errors.Wrapf(err, "failed to write %s", name)
		}
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal result")
	}
	if err := os.WriteFile(filepath.Join(dir, resultFileName), data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write result file")
	}
	return nil
}

// Complete writes the plain-text run summary.
func (l *FileLogger) Complete(summary *types.RunSummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s\n", summary.RunID)
	fmt.Fprintf(&b, "Completed: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Total: %d  Passed: %d  Partial: %d  Failed: %d  Timeout: %d  Skipped: %d\n",
		summary.Stats.Total, summary.Stats.Passed, summary.Stats.Partial,
		summary.Stats.Failed, summary.Stats.Timeout, summary.Stats.Skipped)
	fmt.Fprintf(&b, "Pass rate: %.1f%%\n\n", summary.Stats.PassRate*100)

	for _, res := range summary.Results {
		fmt.Fprintf(&b, "%-8s %s (%s)", res.Status, res.Family, res.Duration.Round(time.Millisecond))
		if res.Error != "" {
			fmt.Fprintf(&b, " - %s", firstLine(res.Error))
		}
		if res.CleanupIncomplete {
			b.WriteString(" [cleanup incomplete]")
		}
		b.WriteString("\n")
	}

	path := filepath.Join(l.logDir, summaryFileName)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return errors.Wrap(err, "failed to write summary file")
	}
	return nil
}

// verdictDir groups every failing status together so triage starts in one
// place.
func verdictDir(status types.Status) string {
	switch status {
	case types.StatusPassed:
		return "passed"
	case types.StatusSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// sanitizeName makes a family id safe as a directory name.
func sanitizeName(name string) string {
	if name == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
