package orchestrator

import (
	"errors"
	"maps"
	"os"
	"os/exec"
	"os/signal"
	"slices"
	"strconv"
	"syscall"

	"github.com/oshokin/hatchery/internal/config"
	"github.com/oshokin/hatchery/internal/domain/bootstrap"
)

// signalExitBase is added to a signal number to form a shell-style exit code.
const signalExitBase = 128

// Process is a provisioned component plus how to launch it.
type Process struct {
	Component *bootstrap.Component
	Args      []string
	Port      int
	PortEnv   string
	Env       map[string]string
}

// NewProcess combines a provisioned component with its launch settings.
func NewProcess(component *bootstrap.Component, settings *config.Component) Process {
	return Process{
		Component: component,
		Args:      append([]string(nil), settings.Args...),
		Port:      settings.Port,
		PortEnv:   settings.PortEnv,
		Env:       maps.Clone(settings.Env),
	}
}

// environ returns the inherited environment plus the process's own
// variables, with the port last so it always wins.
func (p Process) environ() []string {
	env := os.Environ()

	for _, key := range slices.Sorted(maps.Keys(p.Env)) {
		env = append(env, key+"="+p.Env[key])
	}

	if p.PortEnv != "" && p.Port > 0 {
		env = append(env, p.PortEnv+"="+strconv.Itoa(p.Port))
	}

	return env
}

func (p Process) command(runtime string) *exec.Cmd {
	args := append([]string{p.Component.EntryPoint}, p.Args...)

	//nolint:gosec // Runtime and entry point come from the operator's settings.
	cmd := exec.Command(runtime, args...)
	cmd.Dir = p.Component.Root
	cmd.Env = p.environ()

	return cmd
}

// NotifyFunc registers c for signals, like signal.Notify.
type NotifyFunc func(c chan<- os.Signal, sig ...os.Signal)

// StopFunc undoes a NotifyFunc registration, like signal.Stop.
type StopFunc func(c chan<- os.Signal)

type signalHooks struct {
	notify NotifyFunc
	stop   StopFunc
}

func defaultSignalHooks() signalHooks {
	return signalHooks{notify: signal.Notify, stop: signal.Stop}
}

// forwarded are the signals relayed verbatim to a foreground child.
//
//nolint:gochecknoglobals // Read-only signal list.
var forwarded = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}

// waitForwarding relays signals to process until done yields the result of
// cmd.Wait, then returns the child's exit code.
func waitForwarding(hooks signalHooks, process *os.Process, done <-chan error) (int, error) {
	signals := make(chan os.Signal, len(forwarded))
	hooks.notify(signals, forwarded...)

	defer hooks.stop(signals)

	for {
		select {
		case sig := <-signals:
			// The child may already be gone; delivery errors are harmless.
			_ = process.Signal(sig)
		case err := <-done:
			return exitCode(err)
		}
	}
}

// exitCode turns a Wait result into a shell-style status. Errors other
// than a non-zero exit are returned as is.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, err
	}

	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return signalExitBase + int(status.Signal()), nil
	}

	return exitErr.ExitCode(), nil
}
