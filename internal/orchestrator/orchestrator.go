// Package orchestrator starts the provisioned components in order: the
// assistant in the foreground until it is ready, then the gateway detached
// with its output appended to a log file.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/oshokin/hatchery/internal/domain/bootstrap"
	"github.com/oshokin/hatchery/internal/logger"
)

const (
	logPermissions = 0o644
	pidPermissions = 0o600
	dirPermissions = 0o755

	defaultReadinessTimeout  = time.Minute
	defaultReadinessInterval = 500 * time.Millisecond
)

var (
	errIllegalTransition = errors.New("illegal state transition")
	errExitedBeforeReady = errors.New("exited before becoming ready")
	errNotReady          = errors.New("did not become ready in time")
)

// Orchestrator runs one bootstrap attempt. It is not reusable.
type Orchestrator struct {
	runtime    string
	gatewayLog string
	pidFile    string

	prober   Prober
	timeout  time.Duration
	interval time.Duration

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	signals signalHooks

	mu    sync.Mutex
	state State
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithProber replaces exit-code readiness with an active probe.
func WithProber(prober Prober, timeout, interval time.Duration) Option {
	return func(o *Orchestrator) {
		o.prober = prober

		if timeout > 0 {
			o.timeout = timeout
		}

		if interval > 0 {
			o.interval = interval
		}
	}
}

// WithPIDFile records the detached gateway's pid at path.
func WithPIDFile(path string) Option {
	return func(o *Orchestrator) {
		o.pidFile = path
	}
}

// WithStdio replaces the streams attached to the assistant.
func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(o *Orchestrator) {
		o.stdin, o.stdout, o.stderr = stdin, stdout, stderr
	}
}

// WithSignalHooks replaces signal.Notify and signal.Stop, mainly for tests.
func WithSignalHooks(notify NotifyFunc, stop StopFunc) Option {
	return func(o *Orchestrator) {
		if notify != nil && stop != nil {
			o.signals = signalHooks{notify: notify, stop: stop}
		}
	}
}

// New returns an Orchestrator running entry points through runtime and
// appending gateway output to gatewayLog.
func New(runtime, gatewayLog string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runtime:    runtime,
		gatewayLog: gatewayLog,
		timeout:    defaultReadinessTimeout,
		interval:   defaultReadinessInterval,
		stdin:      os.Stdin,
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		signals:    defaultSignalHooks(),
		state:      StateIdle,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// State is the current step.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state
}

// Result describes a completed handoff.
type Result struct {
	// GatewayPID is the detached gateway.
	GatewayPID int
	// Assistant is still running when an active probe judged readiness;
	// nil with exit-code readiness.
	Assistant *Attached
}

// Start launches the assistant, waits for it to be ready and then detaches
// the gateway.
func (o *Orchestrator) Start(ctx context.Context, assistant, gateway Process) (*Result, error) {
	ctx = logger.WithName(ctx, "orchestrator")

	result, err := o.start(ctx, assistant, gateway)
	if err != nil {
		o.fail(ctx)
		return nil, err
	}

	return result, nil
}

func (o *Orchestrator) start(ctx context.Context, assistant, gateway Process) (*Result, error) {
	if err := o.transition(ctx, StateAssistantStarting); err != nil {
		return nil, err
	}

	attached, err := o.startAssistant(ctx, assistant)
	if err != nil {
		return nil, err
	}

	if err = o.transition(ctx, StateAssistantReady); err != nil {
		attached.kill()
		return nil, err
	}

	if err = o.transition(ctx, StateGatewayStarting); err != nil {
		attached.kill()
		return nil, err
	}

	pid, err := o.detachGateway(ctx, gateway)
	if err != nil {
		attached.kill()
		return nil, err
	}

	if err = o.transition(ctx, StateRunning); err != nil {
		return nil, err
	}

	return &Result{GatewayPID: pid, Assistant: attached}, nil
}

// startAssistant returns nil when readiness is the process exiting zero.
func (o *Orchestrator) startAssistant(ctx context.Context, assistant Process) (*Attached, error) {
	cmd := assistant.command(o.runtime)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = o.stdin, o.stdout, o.stderr

	logger.InfoKV(ctx, "Starting assistant",
		"entry", assistant.Component.EntryPoint, "port", assistant.Port)

	if o.prober == nil {
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("%s: %w: %w", bootstrap.ComponentAssistant, bootstrap.ErrProcessStart, err)
		}

		logger.Info(ctx, "Assistant exited cleanly")

		return nil, nil //nolint:nilnil // Exit readiness leaves nothing running.
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", bootstrap.ComponentAssistant, bootstrap.ErrProcessStart, err)
	}

	attached := newAttached(cmd, o.signals)

	if err := o.awaitReady(ctx, attached); err != nil {
		attached.kill()
		return nil, fmt.Errorf("%s: %w: %w", bootstrap.ComponentAssistant, bootstrap.ErrProcessStart, err)
	}

	logger.InfoKV(ctx, "Assistant is ready", "probe", o.prober.String(), "pid", cmd.Process.Pid)

	return attached, nil
}

func (o *Orchestrator) awaitReady(ctx context.Context, attached *Attached) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	var lastErr error

	for {
		attemptCtx, attemptCancel := context.WithTimeout(ctx, o.interval+time.Second)
		lastErr = o.prober.Probe(attemptCtx)

		attemptCancel()

		if lastErr == nil {
			return nil
		}

		logger.DebugKV(ctx, "Assistant not ready yet", "probe", o.prober.String(), "error", lastErr)

		select {
		case <-attached.exited:
			code, _ := exitCode(attached.waitErr)
			return fmt.Errorf("%w with status %d", errExitedBeforeReady, code)
		case <-ctx.Done():
			return fmt.Errorf("%w after %s: %w", errNotReady, o.timeout, lastErr)
		case <-ticker.C:
		}
	}
}

// detachGateway starts the gateway in its own session. Its output goes to
// the log file, which the parent closes as soon as the child holds it.
func (o *Orchestrator) detachGateway(ctx context.Context, gateway Process) (int, error) {
	if err := os.MkdirAll(filepath.Dir(o.gatewayLog), dirPermissions); err != nil {
		return 0, fmt.Errorf("%s: %w: create log directory: %w", bootstrap.ComponentGateway, bootstrap.ErrProcessStart, err)
	}

	logFile, err := os.OpenFile(filepath.Clean(o.gatewayLog), os.O_CREATE|os.O_WRONLY|os.O_APPEND, logPermissions)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: open log: %w", bootstrap.ComponentGateway, bootstrap.ErrProcessStart, err)
	}

	cmd := gateway.command(o.runtime)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	startErr := cmd.Start()

	if closeErr := logFile.Close(); closeErr != nil {
		logger.WarnKV(ctx, "Failed to close gateway log", "error", closeErr)
	}

	if startErr != nil {
		return 0, fmt.Errorf("%s: %w: %w", bootstrap.ComponentGateway, bootstrap.ErrProcessStart, startErr)
	}

	pid := cmd.Process.Pid

	if o.pidFile != "" {
		if err = writePIDFile(o.pidFile, pid); err != nil {
			logger.WarnKV(ctx, "Failed to record gateway pid", "path", o.pidFile, "error", err)
		}
	}

	if err = cmd.Process.Release(); err != nil {
		logger.WarnKV(ctx, "Failed to release gateway process", "error", err)
	}

	logger.InfoKV(ctx, "Gateway detached", "pid", pid, "log", o.gatewayLog, "port", gateway.Port)

	return pid, nil
}

// RunForeground runs one process attached to the terminal, forwarding
// interrupt and terminate signals to it, and returns its exit code.
func (o *Orchestrator) RunForeground(ctx context.Context, process Process) (int, error) {
	attached, err := o.StartForeground(ctx, process)
	if err != nil {
		return -1, err
	}

	code, err := attached.Wait(ctx)
	if err != nil {
		return code, err
	}

	logger.InfoKV(logger.WithName(ctx, "orchestrator"), "Foreground process exited", "code", code)

	return code, nil
}

// StartForeground starts one process attached to the terminal without
// waiting for it. Attached.Wait forwards signals and collects the status.
func (o *Orchestrator) StartForeground(ctx context.Context, process Process) (*Attached, error) {
	ctx = logger.WithName(ctx, "orchestrator")

	if err := o.transition(ctx, StateAssistantStarting); err != nil {
		return nil, err
	}

	cmd := process.command(o.runtime)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = o.stdin, o.stdout, o.stderr

	logger.InfoKV(ctx, "Starting in foreground", "entry", process.Component.EntryPoint, "port", process.Port)

	if err := cmd.Start(); err != nil {
		o.fail(ctx)
		return nil, fmt.Errorf("%s: %w: %w", process.Component.Name, bootstrap.ErrProcessStart, err)
	}

	return newAttached(cmd, o.signals), nil
}

func (o *Orchestrator) transition(ctx context.Context, to State) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !CanTransition(o.state, to) {
		return fmt.Errorf("%w: %s -> %s", errIllegalTransition, o.state, to)
	}

	logger.DebugKV(ctx, "State changed", "from", string(o.state), "to", string(to))
	o.state = to

	return nil
}

func (o *Orchestrator) fail(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateRunning || o.state == StateFailed {
		return
	}

	logger.DebugKV(ctx, "State changed", "from", string(o.state), "to", string(StateFailed))
	o.state = StateFailed
}

// Attached is a running foreground process.
type Attached struct {
	cmd     *exec.Cmd
	signals signalHooks
	exited  chan struct{}
	waitErr error
}

func newAttached(cmd *exec.Cmd, hooks signalHooks) *Attached {
	a := &Attached{cmd: cmd, signals: hooks, exited: make(chan struct{})}

	go func() {
		a.waitErr = cmd.Wait()
		close(a.exited)
	}()

	return a
}

// PID of the process.
func (a *Attached) PID() int {
	return a.cmd.Process.Pid
}

// Wait forwards signals to the process until it exits and returns its
// exit code.
func (a *Attached) Wait(_ context.Context) (int, error) {
	done := make(chan error, 1)

	go func() {
		<-a.exited
		done <- a.waitErr
	}()

	return waitForwarding(a.signals, a.cmd.Process, done)
}

func (a *Attached) kill() {
	if a == nil {
		return
	}

	_ = a.cmd.Process.Kill()
	<-a.exited
}

func writePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return err
	}

	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), pidPermissions)
}
