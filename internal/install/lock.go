package install

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-ps"
	"golang.org/x/sys/unix"

	"github.com/oshokin/hatchery/internal/domain/bootstrap"
)

const lockPermissions = 0o600

// Lock is an exclusive advisory lock on a file. It is held until Release.
type Lock struct {
	file *os.File
}

// AcquireLock takes a non-blocking exclusive flock on path and records the
// current pid in it. A lock held elsewhere fails with
// bootstrap.ErrInstallInProgress naming the holder.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Clean(path), os.O_RDWR|os.O_CREATE, lockPermissions)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}

	//nolint:gosec // File descriptors fit in an int on every supported platform.
	if err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := describeHolder(file)
		_ = file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: lock %s held by %s", bootstrap.ErrInstallInProgress, path, holder)
		}

		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	if err = writePID(file); err != nil {
		_ = unlock(file)
		return nil, err
	}

	return &Lock{file: file}, nil
}

// Release drops the lock. The lock file itself stays behind so that a
// waiting process never locks an unlinked inode.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	err := unlock(l.file)
	l.file = nil

	return err
}

func unlock(file *os.File) error {
	//nolint:gosec // See AcquireLock.
	flockErr := unix.Flock(int(file.Fd()), unix.LOCK_UN)

	return errors.Join(flockErr, file.Close())
}

func writePID(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock: %w", err)
	}

	if _, err := file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("write lock holder: %w", err)
	}

	return nil
}

// describeHolder names the process recorded in a busy lock file.
func describeHolder(file *os.File) string {
	buf := make([]byte, 32)

	n, _ := file.ReadAt(buf, 0)

	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil || pid <= 0 {
		return "an unknown process"
	}

	process, err := ps.FindProcess(pid)
	if err != nil || process == nil {
		return fmt.Sprintf("pid %d", pid)
	}

	return fmt.Sprintf("pid %d (%s)", pid, process.Executable())
}
