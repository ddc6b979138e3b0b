package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/stacklab/arch-acceptor/environment"
	"github.com/stacklab/arch-acceptor/types"
)

// Default per-phase subprocess timeouts. Each phase also inherits the
// job's deadline through the context.
const (
	DefaultBinary         = "tflocal"
	DefaultInitTimeout    = 2 * time.Minute
	DefaultApplyTimeout   = 5 * time.Minute
	DefaultDestroyTimeout = 5 * time.Minute
	DefaultRegion         = "us-east-1"
)

// Config tunes the Terraform driver.
type Config struct {
	// Binary is the provisioning tool to invoke. tflocal wraps terraform
	// with endpoint rewiring for the emulated backend.
	Binary         string
	InitTimeout    time.Duration
	ApplyTimeout   time.Duration
	DestroyTimeout time.Duration
	Region         string
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.ApplyTimeout == 0 {
		c.ApplyTimeout = DefaultApplyTimeout
	}
	if c.DestroyTimeout == 0 {
		c.DestroyTimeout = DefaultDestroyTimeout
	}
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	return c
}

// TerraformDriver provisions blueprints with a Terraform-compatible CLI.
type TerraformDriver struct {
	cfg Config
}

// NewTerraformDriver creates a driver with the given config.
func NewTerraformDriver(cfg Config) *TerraformDriver {
	return &TerraformDriver{cfg: cfg.withDefaults()}
}

// Apply writes the blueprint into workDir and runs init then apply against
// the environment's endpoint. Output and created-resource identifiers are
// collected best-effort after a successful apply.
func (d *TerraformDriver) Apply(ctx context.Context, env *environment.Environment, blueprint types.Blueprint, workDir string) *types.ProvisioningOutcome {
	start := time.Now()
	outcome := &types.ProvisioningOutcome{}
	var rawLog strings.Builder

	fail := func(msg string) *types.ProvisioningOutcome {
		outcome.Success = false
		outcome.Error = msg
		outcome.Duration = time.Since(start)
		outcome.RawLog = rawLog.String()
		return outcome
	}

	if err := materialize(blueprint.Files, workDir); err != nil {
		return fail(fmt.Sprintf("write blueprint: %v", err))
	}
	procEnv := d.processEnv(env)

	stdout, stderr, err := d.run(ctx, workDir, procEnv, d.cfg.InitTimeout, "init", "-input=false", "-no-color")
	appendPhase(&rawLog, "init", stdout, stderr)
	if err != nil {
		return fail(phaseError("init", stderr, err))
	}

	stdout, stderr, err = d.run(ctx, workDir, procEnv, d.cfg.ApplyTimeout, "apply", "-auto-approve", "-input=false", "-no-color")
	appendPhase(&rawLog, "apply", stdout, stderr)
	if err != nil {
		return fail(phaseError("apply", stderr, err))
	}

	// Outputs and state listing are diagnostics; their failure does not
	// undo a successful apply.
	if stdout, _, err = d.run(ctx, workDir, procEnv, d.cfg.ApplyTimeout, "output", "-json"); err == nil {
		outcome.Outputs = parseOutputs([]byte(stdout))
	}
	if stdout, _, err = d.run(ctx, workDir, procEnv, d.cfg.ApplyTimeout, "state", "list"); err == nil {
		outcome.Resources = parseStateList(stdout)
	}

	outcome.Success = true
	outcome.Duration = time.Since(start)
	outcome.RawLog = rawLog.String()
	return outcome
}

// Destroy runs terraform destroy in workDir. The captured log is returned
// even on failure so the job bundle keeps it.
func (d *TerraformDriver) Destroy(ctx context.Context, env *environment.Environment, workDir string) (string, error) {
	if _, err := os.Stat(workDir); err != nil {
		// Nothing was ever materialized; nothing to destroy.
		return "", nil
	}
	stdout, stderr, err := d.run(ctx, workDir, d.processEnv(env), d.cfg.DestroyTimeout, "destroy", "-auto-approve", "-no-color")

	var rawLog strings.Builder
	appendPhase(&rawLog, "destroy", stdout, stderr)
	if err != nil {
		if msg := strings.TrimSpace(stderr); msg != "" {
			return rawLog.String(), errors.Wrapf(err, "terraform destroy failed: %s", msg)
		}
		return rawLog.String(), errors.Wrap(err, "terraform destroy failed")
	}
	return rawLog.String(), nil
}

var _ Driver = (*TerraformDriver)(nil)

func (d *TerraformDriver) run(ctx context.Context, workDir string, env []string, timeout time.Duration, args ...string) (string, string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, d.cfg.Binary, args...)
	cmd.Dir = workDir
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// processEnv builds the subprocess environment: static test credentials for
// the emulated backend plus the environment's endpoint.
func (d *TerraformDriver) processEnv(env *environment.Environment) []string {
	return append(os.Environ(),
		"AWS_ACCESS_KEY_ID=test",
		"AWS_SECRET_ACCESS_KEY=test",
		"AWS_DEFAULT_REGION="+d.cfg.Region,
		"LOCALSTACK_HOSTNAME=localhost",
		"AWS_ENDPOINT_URL="+env.Endpoint,
	)
}

// materialize writes the blueprint file set under workDir. File names are
// workDir-relative; anything that would escape it is rejected.
func materialize(files map[string]string, workDir string) error {
	for name, content := range files {
		if !filepath.IsLocal(name) {
			return errors.Errorf("blueprint file %q escapes the work directory", name)
		}
		path := filepath.Join(workDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.Wrapf(err, "create directory for %s", name)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return errors.Wrapf(err, "write %s", name)
		}
	}
	return nil
}

// parseOutputs flattens `terraform output -json` into string values.
func parseOutputs(data []byte) map[string]string {
	var raw map[string]struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return nil
	}
	outputs := make(map[string]string, len(raw))
	for key, out := range raw {
		switch v := out.Value.(type) {
		case string:
			outputs[key] = v
		default:
			outputs[key] = fmt.Sprintf("%v", v)
		}
	}
	return outputs
}

// parseStateList splits `terraform state list` output into resource ids.
func parseStateList(out string) []string {
	var resources []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			resources = append(resources, line)
		}
	}
	return resources
}

func appendPhase(b *strings.Builder, phase, stdout, stderr string) {
	fmt.Fprintf(b, "==> %s\n", phase)
	b.WriteString(stdout)
	b.WriteString(stderr)
}

// phaseError picks the most informative message for a failed phase:
// stderr when the tool wrote any, the exec error otherwise.
func phaseError(phase, stderr string, err error) string {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = err.Error()
	}
	return fmt.Sprintf("terraform %s failed: %s", phase, msg)
}
