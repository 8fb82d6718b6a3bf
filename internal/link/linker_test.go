package link

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/hatchery/internal/domain/bootstrap"
)

// TestLinkRuntime points the link at the resolved runtime and overwrites on relink.
func TestLinkRuntime(t *testing.T) {
	t.Parallel()

	shell, err := exec.LookPath("sh")
	require.NoError(t, err)

	binDir := filepath.Join(t.TempDir(), "bin")
	linker := New(binDir)

	link, err := linker.LinkRuntime(context.Background(), "sh")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(binDir, "sh"), link)

	target, err := os.Readlink(link)
	require.NoError(t, err)
	require.Equal(t, shell, target)

	again, err := linker.LinkRuntime(context.Background(), "sh")
	require.NoError(t, err)
	require.Equal(t, link, again)
}

// TestLinkRuntime_Missing fails for a runtime that is not installed.
func TestLinkRuntime_Missing(t *testing.T) {
	t.Parallel()

	linker := New(t.TempDir())

	_, err := linker.LinkRuntime(context.Background(), "hatchery-no-such-runtime")
	require.Error(t, err)

	_, err = linker.LinkRuntime(context.Background(), " ")
	require.ErrorIs(t, err, bootstrap.ErrConfiguration)
}

// TestLinkEntryPoint writes a runnable wrapper that references the runtime link.
func TestLinkEntryPoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	binDir := filepath.Join(dir, "bin")
	linker := New(binDir)

	runtimeLink, err := linker.LinkRuntime(ctx, "sh")
	require.NoError(t, err)

	entry := filepath.Join(dir, "assistant", "cli.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(entry), 0o755))
	require.NoError(t, os.WriteFile(entry, []byte("echo \"args:$*\"\n"), 0o644))

	component := &bootstrap.Component{Name: "assistant", Root: filepath.Dir(entry), EntryPoint: entry}

	wrapper, err := linker.LinkEntryPoint(ctx, "assistant", runtimeLink, component)
	require.NoError(t, err)

	contents, err := os.ReadFile(wrapper)
	require.NoError(t, err)
	require.Contains(t, string(contents), runtimeLink)
	require.Contains(t, string(contents), entry)

	info, err := os.Stat(wrapper)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(wrapperPermissions), info.Mode().Perm())

	out, err := exec.CommandContext(ctx, wrapper, "one", "two words").Output()
	require.NoError(t, err)
	require.Equal(t, "args:one two words", strings.TrimSpace(string(out)))

	// Relinking replaces the wrapper in place.
	moved := &bootstrap.Component{Name: "assistant", Root: dir, EntryPoint: filepath.Join(dir, "other.sh")}

	_, err = linker.LinkEntryPoint(ctx, "assistant", runtimeLink, moved)
	require.NoError(t, err)

	contents, err = os.ReadFile(wrapper)
	require.NoError(t, err)
	require.Contains(t, string(contents), "other.sh")
	require.NotContains(t, string(contents), "cli.sh")
}

// TestWrapper quotes both paths and forwards arguments.
func TestWrapper(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		"#!/bin/sh\nexec '/home/u/bin/node' '/opt/a b/it'\\''s.js' \"$@\"\n",
		string(Wrapper("/home/u/bin/node", "/opt/a b/it's.js")))
}
