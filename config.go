package acceptor

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"

	"github.com/stacklab/arch-acceptor/environment"
	"github.com/stacklab/arch-acceptor/flags"
)

// Config holds the application configuration
type Config struct {
	BlueprintManifest string
	ResultsDir        string // Directory for run manifests and tracker state
	LogDir            string // Directory for per-job log files
	RunInterval       time.Duration
	RunOnce           bool // Indicates if the service should exit after one run
	Concurrency       int
	BatchTimeout      time.Duration
	JobTimeout        time.Duration // Default per-job timeout when the manifest sets none
	Include           []string
	Exclude           []string
	SkipCleanup       bool
	TerraformBinary   string
	PythonBinary      string
	Container         ContainerConfig // Environment container tuning
	Log               *slog.Logger
}

// ContainerConfig tunes the environment containers. Loaded from the optional
// TOML file passed with --env-config; zero fields keep the built-in defaults.
type ContainerConfig struct {
	Image          string            `toml:"image"`
	BackendPort    int               `toml:"backend_port"`
	HealthPath     string            `toml:"health_path"`
	StartupTimeout TOMLDuration      `toml:"startup_timeout"`
	HealthInterval TOMLDuration      `toml:"health_interval"`
	StopTimeout    TOMLDuration      `toml:"stop_timeout"`
	MemoryMB       int64             `toml:"memory_mb"`
	CPUs           float64           `toml:"cpus"`
	PidsLimit      int64             `toml:"pids_limit"`
	Env            map[string]string `toml:"env"`
}

type TOMLDuration time.Duration

func (t *TOMLDuration) UnmarshalText(b []byte) error {
	d, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}

	*t = TOMLDuration(d)
	return nil
}

// envFileConfig is the on-disk shape of the env-config file.
type envFileConfig struct {
	Container ContainerConfig `toml:"container"`
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log *slog.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	manifest, err := filepath.Abs(ctx.String(flags.Blueprints.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for blueprint manifest: %w", err)
	}
	resultsDir, err := filepath.Abs(ctx.String(flags.ResultsDir.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for results directory: %w", err)
	}
	logDir, err := filepath.Abs(ctx.String(flags.LogDir.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for log directory: %w", err)
	}

	var container ContainerConfig
	if path := ctx.String(flags.EnvConfig.Name); path != "" {
		var file envFileConfig
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return nil, fmt.Errorf("failed to read env config '%s': %w", path, err)
		}
		container = file.Container
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)

	return &Config{
		BlueprintManifest: manifest,
		ResultsDir:        resultsDir,
		LogDir:            logDir,
		RunInterval:       runInterval,
		RunOnce:           runInterval == 0,
		Concurrency:       ctx.Int(flags.Concurrency.Name),
		BatchTimeout:      ctx.Duration(flags.BatchTimeout.Name),
		JobTimeout:        ctx.Duration(flags.JobTimeout.Name),
		Include:           ctx.StringSlice(flags.Include.Name),
		Exclude:           ctx.StringSlice(flags.Exclude.Name),
		SkipCleanup:       ctx.Bool(flags.SkipCleanup.Name),
		TerraformBinary:   ctx.String(flags.TerraformBinary.Name),
		PythonBinary:      ctx.String(flags.PythonBinary.Name),
		Container:         container,
		Log:               log,
	}, nil
}

// EnvironmentConfig assembles the environment manager config from the
// container tuning plus the cleanup flag.
func (c *Config) EnvironmentConfig() environment.Config {
	cfg := environment.Config{
		Image:          c.Container.Image,
		BackendPort:    c.Container.BackendPort,
		HealthPath:     c.Container.HealthPath,
		StartupTimeout: time.Duration(c.Container.StartupTimeout),
		HealthInterval: time.Duration(c.Container.HealthInterval),
		StopTimeout:    time.Duration(c.Container.StopTimeout),
		Env:            c.Container.Env,
		SkipTeardown:   c.SkipCleanup,
	}
	if c.Container.MemoryMB > 0 || c.Container.CPUs > 0 || c.Container.PidsLimit > 0 {
		limits := environment.DefaultLimits()
		if c.Container.MemoryMB > 0 {
			limits.MemoryBytes = c.Container.MemoryMB << 20
		}
		if c.Container.CPUs > 0 {
			limits.NanoCPUs = int64(c.Container.CPUs * 1_000_000_000)
		}
		if c.Container.PidsLimit > 0 {
			limits.PidsLimit = c.Container.PidsLimit
		}
		cfg.Limits = limits
	}
	return cfg
}
