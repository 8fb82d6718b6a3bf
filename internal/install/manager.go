// Package install owns the on-disk installation root: building a new root in
// a staging directory, swapping it into place and removing it on failure.
package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oshokin/hatchery/internal/logger"
)

const (
	dirPermissions     = 0o755
	releaseFileMode    = 0o644
	stagePrefix        = ".hatchery-stage-"
	retiredPrefix      = ".hatchery-old-"
	lockFilename       = ".hatchery.lock"
	releaseFilename    = "RELEASE"
	releaseTagMaxBytes = 256
)

// BuildFunc populates stage, a fresh empty directory next to the root.
type BuildFunc func(ctx context.Context, stage string) error

// LaunchFunc starts whatever runs out of the committed root.
type LaunchFunc func(ctx context.Context, root string) error

// Manager guards one installation root.
type Manager struct {
	root string
}

// NewManager returns a Manager for root.
func NewManager(root string) *Manager {
	return &Manager{root: filepath.Clean(root)}
}

// Root is the well-known installation path.
func (m *Manager) Root() string {
	return m.root
}

// LockPath is the advisory lock shared by every bootstrap of this root.
func (m *Manager) LockPath() string {
	return filepath.Join(filepath.Dir(m.root), lockFilename)
}

// WithInstallationRoot serializes on the root's lock, runs build against a
// staging directory, swaps the stage into place and then runs launch
// against the committed root. The previous root stays usable until the swap.
// Any failure from build, the swap or launch leaves no installation root
// behind; the original error is returned after cleanup.
func (m *Manager) WithInstallationRoot(ctx context.Context, build BuildFunc, launch LaunchFunc) error {
	ctx = logger.WithKV(ctx, "root", m.root)

	lock, err := AcquireLock(m.LockPath())
	if err != nil {
		return err
	}

	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			logger.WarnKV(ctx, "Failed to release installation lock", "error", releaseErr)
		}
	}()

	m.sweep(ctx)

	stage, err := os.MkdirTemp(filepath.Dir(m.root), stagePrefix+"*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}

	logger.DebugKV(ctx, "Building installation", "stage", stage)

	if err = build(ctx, stage); err != nil {
		m.discard(ctx, stage)
		return err
	}

	if err = m.commit(ctx, stage); err != nil {
		m.discard(ctx, stage)
		return err
	}

	if launch == nil {
		return nil
	}

	if err = launch(ctx, m.root); err != nil {
		m.discard(ctx, "")
		return err
	}

	return nil
}

// commit moves stage to the root. An existing root is renamed aside first
// and removed only after the new one is in place.
func (m *Manager) commit(ctx context.Context, stage string) error {
	retired := ""

	if _, err := os.Lstat(m.root); err == nil {
		retiredDir, tempErr := os.MkdirTemp(filepath.Dir(m.root), retiredPrefix+"*")
		if tempErr != nil {
			return fmt.Errorf("reserve retired path: %w", tempErr)
		}

		// MkdirTemp only reserves the name; rename needs it gone.
		if err = os.Remove(retiredDir); err != nil {
			return fmt.Errorf("reserve retired path: %w", err)
		}

		if err = os.Rename(m.root, retiredDir); err != nil {
			return fmt.Errorf("move previous installation aside: %w", err)
		}

		retired = retiredDir
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("inspect %s: %w", m.root, err)
	}

	if err := os.Rename(stage, m.root); err != nil {
		if retired != "" {
			if restoreErr := os.Rename(retired, m.root); restoreErr != nil {
				logger.ErrorKV(ctx, "Failed to restore previous installation",
					"retired", retired, "error", restoreErr)
			}
		}

		return fmt.Errorf("swap installation into place: %w", err)
	}

	if retired != "" {
		if err := os.RemoveAll(retired); err != nil {
			logger.WarnKV(ctx, "Failed to remove previous installation", "path", retired, "error", err)
		}

		logger.Info(ctx, "Replaced previous installation")
	}

	return nil
}

// discard removes stage (when set) and the installation root.
func (m *Manager) discard(ctx context.Context, stage string) {
	for _, path := range []string{stage, m.root} {
		if path == "" {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			logger.WarnKV(ctx, "Cleanup failed", "path", path, "error", err)
		}
	}

	logger.Info(ctx, "Installation root removed")
}

// sweep removes stages and retired roots left behind by an interrupted run.
// It only runs while the lock is held.
func (m *Manager) sweep(ctx context.Context) {
	parent := filepath.Dir(m.root)

	entries, err := os.ReadDir(parent)
	if err != nil {
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, stagePrefix) && !strings.HasPrefix(name, retiredPrefix) {
			continue
		}

		path := filepath.Join(parent, name)
		if err = os.RemoveAll(path); err != nil {
			logger.WarnKV(ctx, "Failed to remove leftover", "path", path, "error", err)
			continue
		}

		logger.DebugKV(ctx, "Removed leftover from interrupted run", "path", path)
	}
}

// WriteRelease records tag inside dir.
func WriteRelease(dir, tag string) error {
	if err := os.WriteFile(filepath.Join(dir, releaseFilename), []byte(tag+"\n"), releaseFileMode); err != nil {
		return fmt.Errorf("write release marker: %w", err)
	}

	return nil
}

// ReadRelease returns the tag recorded in root, or "" when there is none.
func ReadRelease(root string) string {
	data, err := os.ReadFile(filepath.Join(root, releaseFilename))
	if err != nil || len(data) > releaseTagMaxBytes {
		return ""
	}

	return strings.TrimSpace(string(data))
}
