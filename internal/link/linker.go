// Package link materializes the stable runtime and CLI paths in the user's
// binary directory.
package link

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/hatchery/internal/domain/bootstrap"
	"github.com/oshokin/hatchery/internal/logger"
)

const (
	dirPermissions     = 0o755
	wrapperPermissions = 0o755
)

var errEmptyRuntime = errors.New("runtime name is empty")

// Linker writes links into one binary directory.
type Linker struct {
	binDir   string
	lookPath func(string) (string, error)
}

// New returns a Linker for binDir.
func New(binDir string) *Linker {
	return &Linker{binDir: binDir, lookPath: exec.LookPath}
}

// BinDir is the directory links are written to.
func (l *Linker) BinDir() string {
	return l.binDir
}

// LinkRuntime resolves runtime on PATH (or takes it as a path) and points
// <bin>/<base name> at it. It returns the link path, which is what wrappers
// invoke.
func (l *Linker) LinkRuntime(ctx context.Context, runtime string) (string, error) {
	if strings.TrimSpace(runtime) == "" {
		return "", fmt.Errorf("%w: %w", bootstrap.ErrConfiguration, errEmptyRuntime)
	}

	resolved, err := l.lookPath(runtime)
	if err != nil {
		return "", fmt.Errorf("locate runtime %q: %w", runtime, err)
	}

	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("locate runtime %q: %w", runtime, err)
	}

	if err = os.MkdirAll(l.binDir, dirPermissions); err != nil {
		return "", fmt.Errorf("create %s: %w", l.binDir, err)
	}

	link := filepath.Join(l.binDir, filepath.Base(resolved))
	if link == resolved {
		// The runtime already lives in the binary directory.
		return link, nil
	}

	if err = replaceSymlink(resolved, link); err != nil {
		return "", fmt.Errorf("link runtime: %w", err)
	}

	logger.InfoKV(ctx, "Linked runtime", "link", link, "target", resolved)

	return link, nil
}

// LinkEntryPoint writes <bin>/<name>, a shell wrapper running the
// component's entry point through runtimeLink with all arguments forwarded.
func (l *Linker) LinkEntryPoint(
	ctx context.Context,
	name, runtimeLink string,
	component *bootstrap.Component,
) (string, error) {
	if err := os.MkdirAll(l.binDir, dirPermissions); err != nil {
		return "", fmt.Errorf("create %s: %w", l.binDir, err)
	}

	target := filepath.Join(l.binDir, name)
	script := Wrapper(runtimeLink, component.EntryPoint)

	if err := writeWrapper(target, script); err != nil {
		return "", fmt.Errorf("write wrapper %s: %w", target, err)
	}

	logger.InfoKV(ctx, "Linked entry point", "wrapper", target, "entry", component.EntryPoint)

	return target, nil
}

// Wrapper renders the wrapper script body.
func Wrapper(runtimeLink, entryPoint string) []byte {
	return []byte("#!/bin/sh\nexec " + shellQuote(runtimeLink) + " " + shellQuote(entryPoint) + " \"$@\"\n")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// writeWrapper swaps the wrapper in with go-update, which replaces the file
// by rename and checks the written bytes against their digest.
func writeWrapper(target string, script []byte) error {
	if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
		// A link here would make the update write through it.
		if err = os.Remove(target); err != nil {
			return err
		}
	}

	if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
		if err = os.WriteFile(target, nil, wrapperPermissions); err != nil {
			return err
		}
	}

	digest := sha256.Sum256(script)

	if err := goupdate.Apply(bytes.NewReader(script), goupdate.Options{
		TargetPath: target,
		TargetMode: wrapperPermissions,
		Checksum:   digest[:],
		Hash:       crypto.SHA256,
	}); err != nil {
		return err
	}

	return os.Chmod(target, wrapperPermissions)
}

func replaceSymlink(target, link string) error {
	temp := filepath.Join(filepath.Dir(link), "."+filepath.Base(link)+".link")
	_ = os.Remove(temp)

	if err := os.Symlink(target, temp); err != nil {
		return err
	}

	if err := os.Rename(temp, link); err != nil {
		_ = os.Remove(temp)
		return err
	}

	return nil
}
