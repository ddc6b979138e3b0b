package environment

import (
	"context"
	"time"
)

// Default backend settings. The image and health path match the emulated
// cloud stack the provisioning driver targets.
const (
	DefaultImage          = "localstack/localstack:latest"
	DefaultBackendPort    = 4566
	DefaultHealthPath     = "/_localstack/health"
	DefaultStartupTimeout = 60 * time.Second
	DefaultHealthInterval = 2 * time.Second
	DefaultStopTimeout    = 10 * time.Second
)

// Manager owns environment lifecycles. Acquire hands out a ready
// environment or an error. Release tears one down; its error is advisory,
// the environment is always dropped from the active set. ActiveCount is the
// number of live environments, the signal used to verify that the
// orchestrator's concurrency bound holds.
type Manager interface {
	Acquire(ctx context.Context, jobID string) (*Environment, error)
	Release(ctx context.Context, env *Environment) error
	Logs(ctx context.Context, env *Environment) (string, error)
	ActiveCount() int
	ReleaseAll(ctx context.Context)
}

// Config tunes the Docker-backed manager.
type Config struct {
	// Image is the backend container image.
	Image string
	// BackendPort is the port the backend listens on inside the container.
	// The host side is always assigned dynamically.
	BackendPort int
	// HealthPath is the HTTP path polled during the readiness check.
	HealthPath string
	// StartupTimeout bounds how long Acquire waits for readiness.
	StartupTimeout time.Duration
	// HealthInterval is the poll interval of the readiness check.
	HealthInterval time.Duration
	// StopTimeout is how long a container gets to stop gracefully.
	StopTimeout time.Duration
	// Limits apply to every environment this manager creates.
	Limits Limits
	// Env is passed into the backend container.
	Env map[string]string
	// SkipTeardown leaves containers running on Release. Debugging aid:
	// bookkeeping still records the release so invariants hold.
	SkipTeardown bool
}

// withDefaults fills zero fields with the package defaults.
func (c Config) withDefaults() Config {
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if c.BackendPort == 0 {
		c.BackendPort = DefaultBackendPort
	}
	if c.HealthPath == "" {
		c.HealthPath = DefaultHealthPath
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.Limits == (Limits{}) {
		c.Limits = DefaultLimits()
	}
	if c.Env == nil {
		c.Env = map[string]string{
			"DEBUG":                 "0",
			"PERSISTENCE":           "0",
			"EAGER_SERVICE_LOADING": "1",
		}
	}
	return c
}
