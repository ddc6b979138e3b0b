package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	acceptor "github.com/stacklab/arch-acceptor"
	"github.com/stacklab/arch-acceptor/exitcodes"
	"github.com/stacklab/arch-acceptor/flags"
	"github.com/stacklab/arch-acceptor/service"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

// shutdownTimeout bounds how long Stop may spend releasing environments.
// Longer than a single container teardown, shorter than a stuck run.
const shutdownTimeout = 2 * time.Minute

func main() {
	// A .env file is a local-run convenience; absence is fine.
	_ = godotenv.Load()

	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "arch-acceptor"
	app.Usage = "Infrastructure Blueprint Validation Service"
	app.Description = "arch-acceptor provisions infrastructure blueprints against emulated cloud backends and validates them with their test suites"
	app.Flags = flags.Flags
	app.Action = run
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			// Use the exit code from the ExitCoder
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			if acceptor.IsRuntimeError(err) {
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.RuntimeErr))
			} else if acceptor.IsValidationFailureError(err) {
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.ValidationFailure))
			} else {
				// For other unspecified errors, default to exit code 1
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.ValidationFailure))
			}
		}
	}

	// Start telemetry
	otelShutdown, err := otelconfig.ConfigureOpenTelemetry(
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up telemetry: %v\n", err)
		os.Exit(exitcodes.RuntimeErr)
	}
	defer otelShutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitcodes.RuntimeErr)
	}
}

func run(cliCtx *cli.Context) error {
	log, err := newLogger(cliCtx)
	if err != nil {
		return acceptor.NewRuntimeError(err)
	}
	slog.SetDefault(log)

	cfg, err := acceptor.NewConfig(cliCtx, log)
	if err != nil {
		return acceptor.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}

	// stopped receives the cause when the acceptor asks for shutdown itself,
	// which in run-once mode is how a clean pass ends the process.
	stopped := make(chan error, 1)
	acc, err := acceptor.New(cliCtx.Context, cfg, Version, func(cause error) {
		stopped <- cause
	})
	if err != nil {
		return acceptor.NewRuntimeError(fmt.Errorf("failed to create acceptor: %w", err))
	}

	svc := service.New(log, acc.API())
	svc.Start(cliCtx.Context)
	defer svc.Shutdown()

	if err := acc.Start(cliCtx.Context); err != nil {
		stop(acc, log)
		return err
	}

	var cause error
	select {
	case cause = <-stopped:
	case <-cliCtx.Context.Done():
		log.Info("Interrupt received, shutting down")
	}

	stop(acc, log)
	return cause
}

func stop(acc *acceptor.Acceptor, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := acc.Stop(ctx); err != nil {
		log.Error("Error stopping acceptor", "error", err)
	}
	if err := acc.WaitForShutdown(ctx); err != nil {
		log.Error("Shutdown did not complete cleanly", "error", err)
	}
}

func newLogger(cliCtx *cli.Context) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cliCtx.String(flags.LogLevel.Name))); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch format := cliCtx.String(flags.LogFormat.Name); format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
