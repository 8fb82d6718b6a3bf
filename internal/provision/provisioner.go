package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/oshokin/hatchery/internal/domain/bootstrap"
	"github.com/oshokin/hatchery/internal/logger"
)

// maxOutputTail is how much dependency manager output an error message keeps.
const maxOutputTail = 2048

var (
	errEntryPointMissing = errors.New("entry point not found")
	errNoCommand         = errors.New("dependency command is empty")
)

// Provisioner turns payloads into provisioned components.
type Provisioner struct {
	command  []string
	manifest string
	env      []string
}

// New creates a Provisioner running command in each component directory.
// When manifest is not empty, directories without that file skip the
// dependency step. env is appended to the inherited environment.
func New(command []string, manifest string, env ...string) *Provisioner {
	return &Provisioner{
		command:  append([]string(nil), command...),
		manifest: manifest,
		env:      env,
	}
}

// Provision creates destDir, unpacks payload into it and installs the
// component's dependencies. entry is the entry point relative to the
// component root. Every step is a hard failure; the caller owns cleanup of
// destDir.
func (p *Provisioner) Provision(
	ctx context.Context,
	payload []byte,
	name, destDir, entry string,
) (*bootstrap.Component, error) {
	ctx = logger.WithKV(ctx, "component", name)

	if err := os.MkdirAll(destDir, dirPermissions); err != nil {
		return nil, fmt.Errorf("create %s: %w: %w", destDir, bootstrap.ErrExtraction, err)
	}

	format := DetectFormat(payload)
	logger.InfoKV(ctx, "Unpacking artifact", "format", string(format), "bytes", len(payload), "dir", destDir)

	if err := Extract(payload, destDir); err != nil {
		return nil, fmt.Errorf("unpack %s: %w: %w", name, bootstrap.ErrExtraction, err)
	}

	return p.Prepare(ctx, name, destDir, entry)
}

// Prepare provisions a component whose files are already in dir, as with a
// source checkout: it locates the entry point and installs dependencies.
func (p *Provisioner) Prepare(ctx context.Context, name, dir, entry string) (*bootstrap.Component, error) {
	entryPoint, err := locateEntryPoint(dir, entry)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", name, bootstrap.ErrExtraction, err)
	}

	if err = p.InstallDependencies(ctx, dir); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return &bootstrap.Component{
		Name:       name,
		Root:       dir,
		EntryPoint: entryPoint,
	}, nil
}

// InstallDependencies runs the dependency command inside dir.
func (p *Provisioner) InstallDependencies(ctx context.Context, dir string) error {
	if len(p.command) == 0 || p.command[0] == "" {
		return fmt.Errorf("%w: %w", bootstrap.ErrDependencyProvision, errNoCommand)
	}

	if p.manifest != "" {
		if _, err := os.Stat(filepath.Join(dir, p.manifest)); errors.Is(err, os.ErrNotExist) {
			logger.InfoKV(ctx, "No dependency manifest, skipping install", "manifest", p.manifest)
			return nil
		}
	}

	logger.InfoKV(ctx, "Installing dependencies", "command", strings.Join(p.command, " "), "dir", dir)

	//nolint:gosec // The command comes from the operator's settings.
	cmd := exec.CommandContext(ctx, p.command[0], p.command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), p.env...)

	var output bytes.Buffer

	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %w: %s",
			p.command[0], bootstrap.ErrDependencyProvision, err, tail(output.String()))
	}

	logger.DebugKV(ctx, "Dependency install output", "output", tail(output.String()))

	return nil
}

// locateEntryPoint finds entry below dir, lifting a single wrapper directory
// when the entry point lives inside it.
func locateEntryPoint(dir, entry string) (string, error) {
	entryPoint, err := safeJoin(dir, entry)
	if err != nil {
		return "", err
	}

	if _, err = os.Stat(entryPoint); err == nil {
		return entryPoint, nil
	}

	if err = LiftSingleRoot(dir); err != nil {
		return "", err
	}

	if _, err = os.Stat(entryPoint); err != nil {
		return "", fmt.Errorf("%s: %w", entry, errEntryPointMissing)
	}

	return entryPoint, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxOutputTail {
		return s
	}

	return "..." + s[len(s)-maxOutputTail:]
}
