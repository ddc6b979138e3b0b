package flags

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "ARCH_ACCEPTOR"

// prefixEnvVars derives the env var name for a flag from the flag name:
// "results-dir" becomes "ARCH_ACCEPTOR_RESULTS_DIR".
func prefixEnvVars(name string) []string {
	name = strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	return []string{EnvVarPrefix + "_" + name}
}

var (
	Blueprints = &cli.StringFlag{
		Name:     "blueprints",
		Value:    "",
		Required: true,
		EnvVars:  prefixEnvVars("blueprints"),
		Usage:    "Path to the blueprint manifest (eg. 'blueprints.yaml')",
	}
	ResultsDir = &cli.StringFlag{
		Name:    "results-dir",
		Value:   "results",
		EnvVars: prefixEnvVars("results-dir"),
		Usage:   "Directory for run manifests and tracker state",
	}
	LogDir = &cli.StringFlag{
		Name:    "log-dir",
		Value:   "logs",
		EnvVars: prefixEnvVars("log-dir"),
		Usage:   "Directory for per-job log files",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: prefixEnvVars("run-interval"),
		Usage:   "Interval between validation runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	Concurrency = &cli.IntFlag{
		Name:    "concurrency",
		Value:   0,
		EnvVars: prefixEnvVars("concurrency"),
		Usage:   "Number of jobs to run at once. Each job owns a full environment container. 0 uses the default.",
	}
	BatchTimeout = &cli.DurationFlag{
		Name:    "batch-timeout",
		Value:   0,
		EnvVars: prefixEnvVars("batch-timeout"),
		Usage:   "Upper bound on a whole validation run. Jobs not started when it expires are skipped. 0 disables it.",
	}
	JobTimeout = &cli.DurationFlag{
		Name:    "job-timeout",
		Value:   0,
		EnvVars: prefixEnvVars("job-timeout"),
		Usage:   "Default per-job timeout when the manifest does not set one. 0 uses the built-in default.",
	}
	EnvConfig = &cli.StringFlag{
		Name:    "env-config",
		Value:   "",
		EnvVars: prefixEnvVars("env-config"),
		Usage:   "Path to a TOML file tuning the environment containers (image, limits, timeouts)",
	}
	Include = &cli.StringSliceFlag{
		Name:    "include",
		EnvVars: prefixEnvVars("include"),
		Usage:   "Blueprint id patterns to run. Empty runs everything. May be repeated.",
	}
	Exclude = &cli.StringSliceFlag{
		Name:    "exclude",
		EnvVars: prefixEnvVars("exclude"),
		Usage:   "Blueprint id patterns to skip. Wins over --include. May be repeated.",
	}
	SkipCleanup = &cli.BoolFlag{
		Name:    "skip-cleanup",
		Value:   false,
		EnvVars: prefixEnvVars("skip-cleanup"),
		Usage:   "Leave containers, infrastructure and work dirs in place for inspection",
	}
	TerraformBinary = &cli.StringFlag{
		Name:    "terraform-binary",
		Value:   "tflocal",
		EnvVars: prefixEnvVars("terraform-binary"),
		Usage:   "Provisioning binary to invoke for blueprints",
	}
	PythonBinary = &cli.StringFlag{
		Name:    "python-binary",
		Value:   "python",
		EnvVars: prefixEnvVars("python-binary"),
		Usage:   "Python interpreter used to run test suites",
	}
	LogLevel = &cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		EnvVars: prefixEnvVars("log-level"),
		Usage:   "Log level: debug, info, warn, error",
	}
	LogFormat = &cli.StringFlag{
		Name:    "log-format",
		Value:   "text",
		EnvVars: prefixEnvVars("log-format"),
		Usage:   "Log format: text or json",
	}
)

var requiredFlags = []cli.Flag{
	Blueprints,
}

var optionalFlags = []cli.Flag{
	ResultsDir,
	LogDir,
	RunInterval,
	Concurrency,
	BatchTimeout,
	JobTimeout,
	EnvConfig,
	Include,
	Exclude,
	SkipCleanup,
	TerraformBinary,
	PythonBinary,
	LogLevel,
	LogFormat,
}
var Flags []cli.Flag

func init() {
	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
