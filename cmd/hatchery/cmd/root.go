package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/hatchery/internal/logger"
	"github.com/oshokin/hatchery/internal/service/hatch"
	"github.com/oshokin/hatchery/internal/version"
)

var errMissingCommand = errors.New("missing command")

// bootstrapError marks a failure of a started bootstrap, which is reported
// without the usage text.
type bootstrapError struct {
	err error
}

func (e *bootstrapError) Error() string {
	return e.err.Error()
}

func (e *bootstrapError) Unwrap() error {
	return e.err
}

// newRootCommand builds the command tree. A fresh tree per call keeps tests independent.
func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hatchery <command>",
		Short: "Bootstrap the assistant and gateway from the latest release.",
		Long: `Resolves the latest published release, downloads and provisions the
assistant and gateway artifacts, installs them under a single installation
root and starts them in order: the assistant in the foreground until it is
ready, then the gateway detached with its output appended to a log file.

Settings are read from $HATCHERY_CONFIG or $XDG_CONFIG_HOME/hatchery/settings.yaml.`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return errMissingCommand
		},
	}

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(&cobra.Command{
		Use:   "hatch",
		Short: "Run one bootstrap.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			err := hatch.Run(ctx, &hatch.Options{
				Stdin:  cmd.InOrStdin(),
				Stdout: os.Stdout,
				Stderr: os.Stderr,
			})
			if err != nil {
				return &bootstrapError{err: err}
			}

			return nil
		},
	})

	version.AttachCobraVersionCommand(rootCmd)

	return rootCmd
}

// run executes the CLI with args and returns the process exit status.
// Usage errors are followed by the usage of the command they concern.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	rootCmd := newRootCommand()
	rootCmd.SetArgs(args)
	rootCmd.SetErr(stderr)

	executed, err := rootCmd.ExecuteContextC(ctx)
	if err == nil {
		return 0
	}

	var exitErr *hatch.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	_, _ = fmt.Fprintln(stderr, "error: "+err.Error())

	var failure *bootstrapError
	if !errors.As(err, &failure) {
		if executed == nil {
			executed = rootCmd
		}

		_, _ = fmt.Fprint(stderr, executed.UsageString())
	}

	return 1
}

// Execute runs the hatchery CLI and exits with non-zero status on error.
func Execute() {
	code := run(context.Background(), os.Args[1:], os.Stderr)

	logger.Sync()
	os.Exit(code)
}
