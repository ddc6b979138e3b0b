package environment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"

	"github.com/stacklab/arch-acceptor/metrics"
	"github.com/stacklab/arch-acceptor/types"
)

const (
	labelJob     = "arch-acceptor.job"
	labelManaged = "arch-acceptor.managed"

	releaseAllWorkers = 4
)

// DockerManager runs one backend container per environment with dynamic
// host ports. The daemon's ephemeral port allocator keeps concurrent
// acquires from colliding; the manager re-checks on registration and tracks
// the live set for the active-count invariant.
type DockerManager struct {
	cfg Config
	cli *client.Client
	log *slog.Logger

	mu     sync.Mutex
	active map[string]*Environment
}

// NewDockerManager connects to the local Docker daemon.
func NewDockerManager(cfg Config, log *slog.Logger) (*DockerManager, error) {
	if log == nil {
		log = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return nil, errors.Wrap(err, "create docker client")
	}
	cli.NegotiateAPIVersion(context.Background())

	return &DockerManager{
		cfg:    cfg.withDefaults(),
		cli:    cli,
		log:    log.With("component", "environment"),
		active: make(map[string]*Environment),
	}, nil
}

// Acquire starts a backend container for jobID, waits for it to become
// healthy, and returns the environment. Any failure is reported as
// EnvironmentUnavailable and leaves nothing behind.
func (m *DockerManager) Acquire(ctx context.Context, jobID string) (*Environment, error) {
	env, err := m.acquire(ctx, jobID)
	if err != nil {
		return nil, types.NewEnvironmentUnavailableError(err)
	}
	return env, nil
}

func (m *DockerManager) acquire(ctx context.Context, jobID string) (*Environment, error) {
	env := &Environment{
		ID:        uuid.NewString()[:8],
		JobID:     jobID,
		Limits:    m.cfg.Limits,
		StartedAt: time.Now(),
	}

	backendPort := nat.Port(fmt.Sprintf("%d/tcp", m.cfg.BackendPort))
	contCfg := &container.Config{
		Image:        m.cfg.Image,
		Env:          flattenEnv(m.cfg.Env),
		ExposedPorts: nat.PortSet{backendPort: struct{}{}},
		Labels: map[string]string{
			labelJob:     jobID,
			labelManaged: "true",
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			// Empty HostPort lets the daemon pick a free ephemeral port.
			backendPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
		Resources: container.Resources{
			Memory:    m.cfg.Limits.MemoryBytes,
			NanoCPUs:  m.cfg.Limits.NanoCPUs,
			PidsLimit: &m.cfg.Limits.PidsLimit,
		},
	}

	name := "arch-acceptor-" + env.ID
	created, err := m.cli.ContainerCreate(ctx, contCfg, hostCfg, nil, nil, name)
	if client.IsErrNotFound(err) {
		if err = m.pullImage(ctx); err != nil {
			return nil, err
		}
		created, err = m.cli.ContainerCreate(ctx, contCfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return nil, errors.Wrap(err, "create container")
	}
	env.ContainerID = created.ID

	if err := m.cli.ContainerStart(ctx, env.ContainerID, container.StartOptions{}); err != nil {
		m.teardown(context.WithoutCancel(ctx), env)
		return nil, errors.Wrap(err, "start container")
	}

	port, err := m.hostPort(ctx, env.ContainerID, backendPort)
	if err != nil {
		m.teardown(context.WithoutCancel(ctx), env)
		return nil, err
	}
	env.Port = port
	env.Endpoint = fmt.Sprintf("http://127.0.0.1:%d", port)

	if err := m.register(env); err != nil {
		m.teardown(context.WithoutCancel(ctx), env)
		return nil, err
	}

	m.log.Debug("container started",
		"job", jobID, "env", env.ID, "endpoint", env.Endpoint)

	if err := waitReady(ctx, env.Endpoint, m.cfg.HealthPath, m.cfg.HealthInterval, m.cfg.StartupTimeout); err != nil {
		m.unregister(env)
		m.teardown(context.WithoutCancel(ctx), env)
		return nil, err
	}

	m.log.Info("environment ready",
		"job", jobID, "env", env.ID, "endpoint", env.Endpoint,
		"startup", time.Since(env.StartedAt).Round(time.Millisecond))
	return env, nil
}

// Release tears the environment down. Safe on nil and safe to call more
// than once. A teardown failure is returned so the caller can flag the job
// as incompletely cleaned up; the environment leaves the active set either
// way.
func (m *DockerManager) Release(ctx context.Context, env *Environment) error {
	if env == nil {
		return nil
	}
	if !env.markReleased() {
		m.log.Debug("environment already released", "env", env.ID)
		return nil
	}
	m.unregister(env)

	if m.cfg.SkipTeardown {
		m.log.Warn("teardown skipped, container left running",
			"env", env.ID, "container", shortID(env.ContainerID))
		return nil
	}
	return m.teardown(ctx, env)
}

func (m *DockerManager) teardown(ctx context.Context, env *Environment) error {
	if env.ContainerID == "" {
		return nil
	}
	var failed error
	stopTimeout := int(m.cfg.StopTimeout.Seconds())
	if err := m.cli.ContainerStop(ctx, env.ContainerID, container.StopOptions{Timeout: &stopTimeout}); err != nil && !client.IsErrNotFound(err) {
		m.log.Warn("container stop failed", "env", env.ID, "err", err)
		failed = err
	}
	if err := m.cli.ContainerRemove(ctx, env.ContainerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !client.IsErrNotFound(err) {
		m.log.Warn("container remove failed", "env", env.ID, "err", err)
		failed = err
	}
	if failed != nil {
		return types.NewTeardownError(failed)
	}
	m.log.Debug("environment removed", "env", env.ID)
	return nil
}

// Logs returns the tail of the backend container's output, for the job's
// log bundle.
func (m *DockerManager) Logs(ctx context.Context, env *Environment) (string, error) {
	if env == nil || env.ContainerID == "" {
		return "", nil
	}
	rc, err := m.cli.ContainerLogs(ctx, env.ContainerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "100",
	})
	if err != nil {
		return "", errors.Wrap(err, "container logs")
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", errors.Wrap(err, "demux container logs")
	}
	return stdout.String() + stderr.String(), nil
}

// ActiveCount returns the number of live environments.
func (m *DockerManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ReleaseAll tears down every live environment, a bounded batch at a time.
// Called on shutdown so no container outlives the process.
func (m *DockerManager) ReleaseAll(ctx context.Context) {
	m.mu.Lock()
	envs := make([]*Environment, 0, len(m.active))
	for _, env := range m.active {
		envs = append(envs, env)
	}
	m.mu.Unlock()

	if len(envs) == 0 {
		return
	}
	m.log.Info("releasing all environments", "count", len(envs))

	p := pool.New().WithMaxGoroutines(releaseAllWorkers)
	for _, env := range envs {
		env := env // go.mod pins go < 1.22: range vars are per-loop, not per-iteration
		p.Go(func() {
			m.Release(ctx, env)
		})
	}
	p.Wait()
}

func (m *DockerManager) register(env *Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.active {
		if other.Endpoint == env.Endpoint {
			return errors.Errorf("endpoint %s already claimed by environment %s", env.Endpoint, other.ID)
		}
	}
	m.active[env.ID] = env
	metrics.SetActiveEnvironments(len(m.active))
	return nil
}

func (m *DockerManager) unregister(env *Environment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, env.ID)
	metrics.SetActiveEnvironments(len(m.active))
}

func (m *DockerManager) pullImage(ctx context.Context) error {
	m.log.Info("pulling backend image", "image", m.cfg.Image)
	rc, err := m.cli.ImagePull(ctx, m.cfg.Image, image.PullOptions{})
	if err != nil {
		return errors.Wrapf(err, "pull image %s", m.cfg.Image)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (m *DockerManager) hostPort(ctx context.Context, containerID string, backendPort nat.Port) (int, error) {
	inspect, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, errors.Wrap(err, "inspect container")
	}
	if inspect.NetworkSettings == nil {
		return 0, errors.New("container has no network settings")
	}
	bindings := inspect.NetworkSettings.Ports[backendPort]
	if len(bindings) == 0 {
		return 0, errors.Errorf("no host port bound for %s", backendPort)
	}
	port, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, errors.Wrapf(err, "parse host port %q", bindings[0].HostPort)
	}
	return port, nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
