// Package registry loads the blueprint catalog: which validation families
// exist, where their provisioning files and test suites live, and how long
// each one may run.
package registry

import (
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/stacklab/arch-acceptor/types"
)

// DefaultJobTimeout applies when neither the manifest nor the config sets
// a timeout for a blueprint.
const DefaultJobTimeout = 10 * time.Minute

// suiteDirName is the subdirectory of a blueprint holding its test suite.
const suiteDirName = "tests"

// Manifest is the on-disk catalog format.
type Manifest struct {
	DefaultTimeout time.Duration     `yaml:"default_timeout,omitempty"`
	Blueprints     []BlueprintConfig `yaml:"blueprints"`
}

// BlueprintConfig is one catalog entry. Dir is relative to the manifest.
type BlueprintConfig struct {
	ID       string        `yaml:"id"`
	Dir      string        `yaml:"dir"`
	Services []string      `yaml:"services,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	Skip     bool          `yaml:"skip,omitempty"`
}

// Config contains registry configuration.
type Config struct {
	Logger       *slog.Logger
	ManifestPath string
	// DefaultTimeout overrides the built-in job timeout when the manifest
	// does not set one.
	DefaultTimeout time.Duration
	// Include and Exclude filter blueprint ids with path.Match patterns.
	// Empty Include selects everything; Exclude wins over Include.
	Include []string
	Exclude []string
}

// Registry holds the validated catalog and materializes jobs from it.
type Registry struct {
	cfg  Config
	log  *slog.Logger
	root string

	mu             sync.RWMutex
	blueprints     []BlueprintConfig
	defaultTimeout time.Duration
}

// NewRegistry loads and validates the manifest.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.ManifestPath == "" {
		return nil, errors.New("blueprint manifest path is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	for _, pattern := range append(append([]string{}, cfg.Include...), cfg.Exclude...) {
		if _, err := path.Match(pattern, "probe"); err != nil {
			return nil, errors.Wrapf(err, "bad filter pattern %q", pattern)
		}
	}

	r := &Registry{
		cfg:  cfg,
		log:  log,
		root: filepath.Dir(cfg.ManifestPath),
	}
	if err := r.load(); err != nil {
		return nil, errors.Wrap(err, "failed to load blueprint manifest")
	}
	log.Debug("Registry loaded", "blueprints", len(r.blueprints))
	return r, nil
}

func (r *Registry) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.cfg.ManifestPath)
	if err != nil {
		return errors.Wrap(err, "reading manifest")
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return errors.Wrap(err, "parsing manifest")
	}

	r.defaultTimeout = manifest.DefaultTimeout
	if r.defaultTimeout == 0 {
		r.defaultTimeout = r.cfg.DefaultTimeout
	}
	if r.defaultTimeout == 0 {
		r.defaultTimeout = DefaultJobTimeout
	}

	seen := make(map[string]bool)
	selected := make([]BlueprintConfig, 0, len(manifest.Blueprints))
	for _, bp := range manifest.Blueprints {
		if bp.ID == "" {
			return errors.New("blueprint with empty id")
		}
		if bp.Dir == "" {
			return errors.Errorf("blueprint %s has no dir", bp.ID)
		}
		if seen[bp.ID] {
			return errors.Errorf("duplicate blueprint id %s", bp.ID)
		}
		seen[bp.ID] = true

		if bp.Skip {
			r.log.Debug("Blueprint marked skip", "id", bp.ID)
			continue
		}
		if !r.selected(bp.ID) {
			r.log.Debug("Blueprint filtered out", "id", bp.ID)
			continue
		}

		info, err := os.Stat(filepath.Join(r.root, bp.Dir))
		if err != nil {
			return errors.Wrapf(err, "blueprint %s", bp.ID)
		}
		if !info.IsDir() {
			return errors.Errorf("blueprint %s: %s is not a directory", bp.ID, bp.Dir)
		}
		selected = append(selected, bp)
	}

	r.blueprints = selected
	return nil
}

// selected applies the include and exclude patterns to a blueprint id.
func (r *Registry) selected(id string) bool {
	for _, pattern := range r.cfg.Exclude {
		if ok, _ := path.Match(pattern, id); ok {
			return false
		}
	}
	if len(r.cfg.Include) == 0 {
		return true
	}
	for _, pattern := range r.cfg.Include {
		if ok, _ := path.Match(pattern, id); ok {
			return true
		}
	}
	return false
}

// Blueprints returns the selected catalog entries.
func (r *Registry) Blueprints() []BlueprintConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BlueprintConfig, len(r.blueprints))
	copy(out, r.blueprints)
	return out
}

// DefaultTimeout returns the effective per-job timeout fallback.
func (r *Registry) DefaultTimeout() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultTimeout
}

// Jobs materializes one job per selected blueprint. File contents are read
// now, not at load time, so edits between interval runs are picked up. Every
// call mints fresh job ids; the family stays the stable blueprint id.
func (r *Registry) Jobs() ([]types.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobs := make([]types.Job, 0, len(r.blueprints))
	for _, bp := range r.blueprints {
		dir := filepath.Join(r.root, bp.Dir)

		files, err := readBlueprintFiles(dir)
		if err != nil {
			return nil, errors.Wrapf(err, "blueprint %s", bp.ID)
		}
		if len(files) == 0 {
			return nil, errors.Errorf("blueprint %s has no provisioning files in %s", bp.ID, bp.Dir)
		}

		suite, err := readSuite(filepath.Join(dir, suiteDirName))
		if err != nil {
			return nil, errors.Wrapf(err, "blueprint %s", bp.ID)
		}

		timeout := bp.Timeout
		if timeout == 0 {
			timeout = r.defaultTimeout
		}

		jobs = append(jobs, types.Job{
			ID:     uuid.NewString(),
			Family: bp.ID,
			Blueprint: types.Blueprint{
				Files:    files,
				Services: bp.Services,
			},
			Suite:   suite,
			Timeout: timeout,
		})
	}
	return jobs, nil
}

// readBlueprintFiles collects the provisioning files of a blueprint,
// keyed by path relative to its dir. The suite subdirectory is not part of
// the blueprint.
func readBlueprintFiles(dir string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if rel == suiteDirName {
				return fs.SkipDir
			}
			return nil
		}
		if !provisioningFile(rel) {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func provisioningFile(name string) bool {
	switch {
	case strings.HasSuffix(name, ".tf"),
		strings.HasSuffix(name, ".tf.json"),
		strings.HasSuffix(name, ".tfvars"):
		return true
	}
	return false
}

// readSuite collects the test files under a blueprint's suite directory.
// A missing directory is an empty suite; the job will be recorded as
// skipped.
func readSuite(dir string) (types.Suite, error) {
	var suite types.Suite

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return suite, nil
	}
	if err != nil {
		return suite, err
	}
	if !info.IsDir() {
		return suite, errors.Errorf("%s is not a directory", dir)
	}

	suite.Files = make(map[string]string)
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		switch {
		case strings.HasSuffix(rel, ".py"):
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			suite.Files[filepath.ToSlash(rel)] = string(data)
		case rel == "requirements.txt":
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			suite.Requirements = parseRequirements(string(data))
		}
		return nil
	})
	if err != nil {
		return types.Suite{}, err
	}
	if len(suite.Files) == 0 {
		suite.Files = nil
	}
	return suite, nil
}

func parseRequirements(content string) []string {
	var reqs []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		reqs = append(reqs, line)
	}
	return reqs
}
