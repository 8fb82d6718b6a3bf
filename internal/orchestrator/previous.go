package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/oshokin/hatchery/internal/logger"
)

const (
	stopGracePeriod = 5 * time.Second
	stopPollDelay   = 100 * time.Millisecond
)

// StopPrevious terminates the gateway recorded in pidFile when it is still
// alive and its command line references a path below root. Stale or foreign
// pids are ignored. The pid file is removed.
func StopPrevious(ctx context.Context, pidFile, root string) error {
	ctx = logger.WithName(ctx, "orchestrator")

	data, err := os.ReadFile(filepath.Clean(pidFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("read %s: %w", pidFile, err)
	}

	defer func() {
		if removeErr := os.Remove(pidFile); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			logger.WarnKV(ctx, "Failed to remove pid file", "path", pidFile, "error", removeErr)
		}
	}()

	pid, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32)
	if err != nil || pid <= 0 || int(pid) == os.Getpid() {
		logger.WarnKV(ctx, "Ignoring malformed pid file", "path", pidFile)
		return nil
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		logger.DebugKV(ctx, "Previous gateway is not running", "pid", pid)
		return nil //nolint:nilerr // A missing process is the goal.
	}

	if !alive(ctx, proc) {
		return nil
	}

	cmdline, err := proc.CmdlineWithContext(ctx)
	if err != nil || !mentionsRoot(cmdline, root) {
		logger.InfoKV(ctx, "Pid file points at an unrelated process, leaving it alone", "pid", pid)
		return nil //nolint:nilerr // An unreadable command line is treated as unrelated.
	}

	logger.InfoKV(ctx, "Stopping previous gateway", "pid", pid)

	if err = proc.TerminateWithContext(ctx); err != nil {
		return fmt.Errorf("terminate previous gateway %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopGracePeriod)
	for time.Now().Before(deadline) {
		if !alive(ctx, proc) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(stopPollDelay):
		}
	}

	logger.WarnKV(ctx, "Previous gateway ignored SIGTERM, killing it", "pid", pid)

	if err = proc.KillWithContext(ctx); err != nil {
		return fmt.Errorf("kill previous gateway %d: %w", pid, err)
	}

	return nil
}

// mentionsRoot reports whether cmdline references a path below root, so a
// sibling such as root+"2" does not count.
func mentionsRoot(cmdline, root string) bool {
	root = strings.TrimRight(filepath.Clean(root), string(os.PathSeparator))
	if root == "" {
		return false
	}

	return strings.Contains(cmdline, root+string(os.PathSeparator))
}

// alive treats zombies as gone: they hold no port and no files.
func alive(ctx context.Context, proc *process.Process) bool {
	running, err := proc.IsRunningWithContext(ctx)
	if err != nil || !running {
		return false
	}

	status, err := proc.StatusWithContext(ctx)
	if err != nil {
		return true
	}

	return !slices.Contains(status, process.Zombie)
}
