package hatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/hatchery/internal/domain/bootstrap"
)

func TestExitError(t *testing.T) {
	t.Parallel()

	err := &ExitError{Code: 42}
	require.Equal(t, "process exited with status 42", err.Error())
}

func TestWithDefaults(t *testing.T) {
	t.Parallel()

	resolved := withDefaults(nil)
	require.NotNil(t, resolved.Getenv)
	require.Equal(t, os.Stdin, resolved.Stdin)
	require.Equal(t, os.Stdout, resolved.Stdout)
	require.Equal(t, os.Stderr, resolved.Stderr)

	custom := &Options{ConfigPath: "settings.yaml"}
	resolved = withDefaults(custom)
	require.Equal(t, "settings.yaml", resolved.ConfigPath)
	require.Nil(t, custom.Getenv)
}

// TestLoadConfig_EnvironmentOverride reads the path from HATCHERY_CONFIG and
// treats it as required.
func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "absent.yaml")
	getenv := func(key string) string {
		if key == "HATCHERY_CONFIG" {
			return missing
		}

		return ""
	}

	_, err := loadConfig(withDefaults(&Options{Getenv: getenv}))
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Contains(t, err.Error(), missing)
}

// TestRun_RejectsInvalidSettings fails before touching the network or disk.
func TestRun_RejectsInvalidSettings(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	root := filepath.Join(dir, "install")

	contents := "repository: acme/suite\nmode: triple\ninstall_root: " + root + "\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	err := Run(context.Background(), &Options{ConfigPath: path})
	require.ErrorIs(t, err, bootstrap.ErrConfiguration)
	require.NoDirExists(t, root)
	require.NoFileExists(t, filepath.Join(dir, ".hatchery.lock"))
}

func TestRun_RejectsProbeInSingleMode(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.toml")

	contents := "repository = \"acme/suite\"\nmode = \"single\"\n\n[readiness]\nprobe = \"tcp\"\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	require.ErrorIs(t, Run(context.Background(), &Options{ConfigPath: path}), bootstrap.ErrConfiguration)
}
