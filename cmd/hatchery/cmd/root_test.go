package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestRun_UsageErrors exits 1 for missing or unknown arguments.
func TestRun_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		message string
		usage   string
	}{
		{
			name:    "missing command",
			args:    nil,
			message: "error: missing command\n",
			usage:   "Usage:\n  hatchery <command>",
		},
		{
			name:    "unknown command",
			args:    []string{"incubate"},
			message: "error: unknown command \"incubate\" for \"hatchery\"\n",
			usage:   "Usage:\n  hatchery <command>",
		},
		{
			name:    "extra argument",
			args:    []string{"hatch", "now"},
			message: "error: unknown command \"now\" for \"hatchery hatch\"\n",
			usage:   "Usage:\n  hatchery hatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var stderr bytes.Buffer

			require.Equal(t, 1, run(context.Background(), tt.args, &stderr))

			output := stderr.String()
			require.True(t, strings.HasPrefix(output, tt.message), output)
			require.Contains(t, output, tt.usage)
		})
	}
}

// TestRun_HatchReportsOneLine prints a single error line for a failed bootstrap.
func TestRun_HatchReportsOneLine(t *testing.T) {
	t.Setenv("HATCHERY_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	var stderr bytes.Buffer

	require.Equal(t, 1, run(context.Background(), []string{"hatch"}, &stderr))
	require.Regexp(t, `^error: load settings .*missing\.yaml: read settings: .*\n$`, stderr.String())
}

// TestRun_VersionKeepsStderrClean prints nothing on stderr.
func TestRun_VersionKeepsStderrClean(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer

	require.Zero(t, run(context.Background(), []string{"version"}, &stderr))
	require.Empty(t, stderr.String())
}
