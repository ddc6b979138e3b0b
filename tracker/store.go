package tracker

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Store persists tracker state as JSON. Writes go through a temp file and a
// rename, so a crash mid-write leaves the previous state intact.
type Store struct {
	path string
	log  *slog.Logger
}

// NewStore returns a store writing to path.
func NewStore(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{path: path, log: log}
}

// Load reads the persisted state. A missing file is a fresh start, not an
// error. An unreadable file is logged and replaced by a fresh state on the
// next save rather than wedging every future run.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return NewState(), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read tracker state %s", s.path)
	}

	state := NewState()
	if err := json.Unmarshal(data, state); err != nil {
		s.log.Warn("Tracker state is corrupt, starting fresh", "path", s.path, "error", err)
		return NewState(), nil
	}
	if state.Entries == nil {
		state.Entries = make(map[string]*Entry)
	}
	return state, nil
}

// Save writes the state atomically.
func (s *Store) Save(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal tracker state")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create state dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp state file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write tracker state")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "close temp state file")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "replace tracker state %s", s.path)
	}
	return nil
}
