// Package results persists run summaries. Every run gets a JSON manifest
// under runs/, and latest.json always points at the most recent one, so
// dashboards and the failure tracker can find the current state without
// scanning.
package results

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/stacklab/arch-acceptor/tracker"
	"github.com/stacklab/arch-acceptor/types"
)

const (
	runsDirName    = "runs"
	actionsDirName = "actions"
	latestFileName = "latest.json"
)

// Store reads and writes run manifests under one base directory.
type Store struct {
	dir string
	log *slog.Logger
}

// NewStore returns a store rooted at dir.
func NewStore(dir string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{dir: dir, log: log}
}

// Save writes the run manifest and repoints latest.json. Both writes are
// atomic; a crash never leaves a half-written manifest behind.
func (s *Store) Save(summary *types.RunSummary) error {
	if summary.RunID == "" {
		return errors.New("summary has no run id")
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal run summary")
	}

	runsDir := filepath.Join(s.dir, runsDirName)
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return errors.Wrapf(err, "create runs dir %s", runsDir)
	}

	runPath := filepath.Join(runsDir, summary.RunID+".json")
	if err := writeAtomic(runPath, data); err != nil {
		return errors.Wrapf(err, "write run manifest %s", runPath)
	}
	if err := writeAtomic(filepath.Join(s.dir, latestFileName), data); err != nil {
		return errors.Wrap(err, "write latest manifest")
	}

	s.log.Debug("Run summary saved", "run", summary.RunID, "path", runPath)
	return nil
}

// SaveActions writes the issue actions a run produced, next to its manifest.
// Runs that produced no actions write nothing.
func (s *Store) SaveActions(runID string, actions []tracker.Action) error {
	if len(actions) == 0 {
		return nil
	}
	data, err := json.MarshalIndent(actions, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal tracker actions")
	}

	dir := filepath.Join(s.dir, actionsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create actions dir %s", dir)
	}
	path := filepath.Join(dir, runID+".json")
	if err := writeAtomic(path, data); err != nil {
		return errors.Wrapf(err, "write actions %s", path)
	}

	s.log.Debug("Tracker actions saved", "run", runID, "actions", len(actions), "path", path)
	return nil
}

// Load reads one run's manifest.
func (s *Store) Load(runID string) (*types.RunSummary, error) {
	return readSummary(filepath.Join(s.dir, runsDirName, runID+".json"))
}

// Latest reads the most recent manifest. A store with no completed runs
// returns nil without error.
func (s *Store) Latest() (*types.RunSummary, error) {
	summary, err := readSummary(filepath.Join(s.dir, latestFileName))
	if os.IsNotExist(errors.Cause(err)) {
		return nil, nil
	}
	return summary, err
}

// List returns the ids of all persisted runs, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, runsDirName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func readSummary(path string) (*types.RunSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read run manifest %s", path)
	}
	var summary types.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, errors.Wrapf(err, "parse run manifest %s", path)
	}
	return &summary, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
