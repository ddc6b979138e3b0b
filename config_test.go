package acceptor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/stacklab/arch-acceptor/flags"
)

// parseConfig runs NewConfig through a real cli invocation.
func parseConfig(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var cfg *Config
	var cfgErr error
	app := &cli.App{
		Flags: flags.Flags,
		Action: func(ctx *cli.Context) error {
			cfg, cfgErr = NewConfig(ctx, testLogger())
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"acceptor"}, args...)))
	return cfg, cfgErr
}

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(t, "--blueprints", "blueprints.yaml")
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(cfg.BlueprintManifest))
	assert.True(t, filepath.IsAbs(cfg.ResultsDir))
	assert.True(t, filepath.IsAbs(cfg.LogDir))
	assert.Equal(t, "results", filepath.Base(cfg.ResultsDir))
	assert.Equal(t, "logs", filepath.Base(cfg.LogDir))

	assert.True(t, cfg.RunOnce, "zero interval means run-once mode")
	assert.Zero(t, cfg.RunInterval)
	assert.Zero(t, cfg.Concurrency)
	assert.Equal(t, "tflocal", cfg.TerraformBinary)
	assert.Equal(t, "python", cfg.PythonBinary)
	assert.False(t, cfg.SkipCleanup)
}

func TestNewConfigIntervalMode(t *testing.T) {
	cfg, err := parseConfig(t, "--blueprints", "blueprints.yaml", "--run-interval", "1h")
	require.NoError(t, err)

	assert.False(t, cfg.RunOnce)
	assert.Equal(t, time.Hour, cfg.RunInterval)
}

func TestNewConfigFilters(t *testing.T) {
	cfg, err := parseConfig(t, "--blueprints", "blueprints.yaml",
		"--include", "s3-*", "--include", "ddb-*", "--exclude", "ddb-ttl")
	require.NoError(t, err)

	assert.Equal(t, []string{"s3-*", "ddb-*"}, cfg.Include)
	assert.Equal(t, []string{"ddb-ttl"}, cfg.Exclude)
}

func TestNewConfigEnvConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[container]
image = "localstack/localstack:3.4"
memory_mb = 512
startup_timeout = "90s"

[container.env]
DEBUG = "1"
`), 0o644))

	cfg, err := parseConfig(t, "--blueprints", "blueprints.yaml", "--env-config", path)
	require.NoError(t, err)

	assert.Equal(t, "localstack/localstack:3.4", cfg.Container.Image)
	assert.Equal(t, int64(512), cfg.Container.MemoryMB)
	assert.Equal(t, TOMLDuration(90*time.Second), cfg.Container.StartupTimeout)
	assert.Equal(t, map[string]string{"DEBUG": "1"}, cfg.Container.Env)
}

func TestNewConfigEnvConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.toml")
	require.NoError(t, os.WriteFile(path, []byte("[container\nimage = 3"), 0o644))

	_, err := parseConfig(t, "--blueprints", "blueprints.yaml", "--env-config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "env config")
}

func TestEnvironmentConfigConversion(t *testing.T) {
	cfg := &Config{
		SkipCleanup: true,
		Container: ContainerConfig{
			Image:          "localstack/localstack:3.4",
			MemoryMB:       512,
			CPUs:           2,
			StartupTimeout: TOMLDuration(90 * time.Second),
		},
	}

	envCfg := cfg.EnvironmentConfig()
	assert.Equal(t, "localstack/localstack:3.4", envCfg.Image)
	assert.Equal(t, int64(512<<20), envCfg.Limits.MemoryBytes)
	assert.Equal(t, int64(2_000_000_000), envCfg.Limits.NanoCPUs)
	assert.Equal(t, int64(512), envCfg.Limits.PidsLimit, "unset pids limit keeps the default")
	assert.Equal(t, 90*time.Second, envCfg.StartupTimeout)
	assert.True(t, envCfg.SkipTeardown)
}

func TestEnvironmentConfigZeroLimitsKeepDefaults(t *testing.T) {
	cfg := &Config{}
	envCfg := cfg.EnvironmentConfig()

	// No tuning file: the manager's own defaults take over.
	assert.Zero(t, envCfg.Limits.MemoryBytes)
	assert.Zero(t, envCfg.Image)
	assert.False(t, envCfg.SkipTeardown)
}

func TestTOMLDurationUnmarshal(t *testing.T) {
	var d TOMLDuration
	require.NoError(t, d.UnmarshalText([]byte("2m30s")))
	assert.Equal(t, TOMLDuration(150*time.Second), d)

	require.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}
