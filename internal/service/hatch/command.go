package hatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/oshokin/hatchery/internal/config"
	"github.com/oshokin/hatchery/internal/download"
	"github.com/oshokin/hatchery/internal/logger"
	"github.com/oshokin/hatchery/internal/recovery"
	"github.com/oshokin/hatchery/internal/source"
)

// Options are inputs accepted by the hatch entry point.
type Options struct {
	// ConfigPath overrides the settings file location.
	ConfigPath string
	// Getenv reads the environment; os.Getenv when nil.
	Getenv func(string) string
	// Stdin, Stdout and Stderr are attached to foreground processes and
	// receive remote recovery output. The process streams when nil.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// HTTPClient replaces the client built from the download settings.
	HTTPClient *http.Client
	// Sleep replaces the download backoff wait.
	Sleep download.SleepFunc
	// Clone replaces the shallow clone of the checkout source.
	Clone source.CloneFunc
}

// ExitError carries the exit status of a foreground process that the
// command should exit with.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with status %d", e.Code)
}

// Run performs one bootstrap: resolve, fetch, provision, install, link and
// start. A release that answers not-found hands the bootstrap to the
// recovery host, when one is configured, after local cleanup.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "hatch")

	opts = withDefaults(opts)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if level, ok := logger.ParseLogLevel(cfg.LogLevel); ok {
		logger.SetLevel(level)
	}

	r, err := newRunner(ctx, cfg, opts)
	if err != nil {
		return err
	}

	err = r.run(ctx)
	if err == nil {
		return nil
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}

	if !download.IsNotFound(err) {
		logger.ErrorKV(ctx, "Bootstrap failed", "error", err)
		return err
	}

	coordinator := recovery.New(&cfg.Recovery, opts.Stdout, opts.Stderr)
	if !coordinator.Enabled() {
		logger.WarnKV(ctx, "Release source reported not found and no recovery host is configured", "error", err)
		return err
	}

	logger.WarnKV(ctx, "Release source reported not found, delegating to recovery host",
		"host", cfg.Recovery.Host, "error", err)

	if recoverErr := coordinator.Recover(ctx); recoverErr != nil {
		return fmt.Errorf("%w (after: %w)", recoverErr, err)
	}

	logger.Info(ctx, "Bootstrap delegated to recovery host")

	return nil
}

func withDefaults(opts *Options) *Options {
	resolved := Options{}
	if opts != nil {
		resolved = *opts
	}

	if resolved.Getenv == nil {
		resolved.Getenv = os.Getenv
	}

	if resolved.Stdin == nil {
		resolved.Stdin = os.Stdin
	}

	if resolved.Stdout == nil {
		resolved.Stdout = os.Stdout
	}

	if resolved.Stderr == nil {
		resolved.Stderr = os.Stderr
	}

	return &resolved
}

func loadConfig(opts *Options) (*config.Config, error) {
	path, explicit := opts.ConfigPath, opts.ConfigPath != ""
	if !explicit {
		path, explicit = config.ResolvePath(opts.Getenv)
	}

	cfg, err := config.Load(path, explicit)
	if err != nil {
		return nil, fmt.Errorf("load settings %s: %w", path, err)
	}

	return cfg, nil
}
