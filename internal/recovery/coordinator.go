// Package recovery hands the bootstrap to a remote host when the release
// source has nothing to offer: it copies a bootstrap script over ssh and
// runs it there.
package recovery

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/oshokin/hatchery/internal/config"
	"github.com/oshokin/hatchery/internal/domain/bootstrap"
	"github.com/oshokin/hatchery/internal/logger"
)

const (
	defaultPort    = 22
	scriptFileMode = "0755"
)

var (
	errNotConfigured = errors.New("no recovery host configured")
	errRemoteRefused = errors.New("remote copy refused")
)

// Coordinator runs the remote bootstrap.
type Coordinator struct {
	cfg    config.Recovery
	stdout io.Writer
	stderr io.Writer
}

// New returns a Coordinator for cfg. Remote output is streamed to stdout
// and stderr.
func New(cfg *config.Recovery, stdout, stderr io.Writer) *Coordinator {
	return &Coordinator{cfg: *cfg, stdout: stdout, stderr: stderr}
}

// Enabled reports whether a recovery host is configured.
func (c *Coordinator) Enabled() bool {
	return c.cfg.Enabled()
}

// Recover copies the bootstrap script to the host and executes it. Every
// failure is ErrRecovery and is not retried.
func (c *Coordinator) Recover(ctx context.Context) error {
	ctx = logger.WithName(ctx, "recovery")

	if err := c.recover(ctx); err != nil {
		return fmt.Errorf("%w: %w", bootstrap.ErrRecovery, err)
	}

	return nil
}

func (c *Coordinator) recover(ctx context.Context) error {
	if !c.cfg.Enabled() {
		return errNotConfigured
	}

	script, err := os.ReadFile(filepath.Clean(c.cfg.Script))
	if err != nil {
		return fmt.Errorf("read bootstrap script: %w", err)
	}

	client, err := c.dial(ctx)
	if err != nil {
		return err
	}

	defer func() {
		_ = client.Close()
	}()

	remotePath := c.cfg.RemotePath
	if remotePath == "" {
		remotePath = config.DefaultRecoveryRemotePath
	}

	logger.InfoKV(ctx, "Copying bootstrap script", "host", c.cfg.Host, "path", remotePath, "bytes", len(script))

	if err = copyFile(client, remotePath, script); err != nil {
		return fmt.Errorf("copy bootstrap script: %w", err)
	}

	logger.InfoKV(ctx, "Running bootstrap script on recovery host", "host", c.cfg.Host)

	if err = c.execute(client, "sh "+shellEscape(remotePath)); err != nil {
		return fmt.Errorf("run bootstrap script: %w", err)
	}

	logger.Info(ctx, "Remote bootstrap finished")

	return nil
}

func (c *Coordinator) dial(ctx context.Context) (*ssh.Client, error) {
	clientConfig, err := c.clientConfig()
	if err != nil {
		return nil, err
	}

	address := c.address()

	dialer := net.Dialer{Timeout: c.cfg.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	if c.cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", address, err)
	}

	// The deadline only bounds the handshake; the script may run for long.
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (c *Coordinator) address() string {
	host := strings.TrimSpace(c.cfg.Host)

	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}

	port := c.cfg.Port
	if port <= 0 {
		port = defaultPort
	}

	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (c *Coordinator) clientConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(filepath.Clean(c.cfg.KeyPath))
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	var hostKeyCallback ssh.HostKeyCallback

	if c.cfg.Insecure {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // Explicitly requested by the operator.
	} else {
		hostKeyCallback, err = c.knownHostsCallback()
		if err != nil {
			return nil, err
		}
	}

	return &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.cfg.Timeout,
	}, nil
}

func (c *Coordinator) knownHostsCallback() (ssh.HostKeyCallback, error) {
	knownHostsPath := strings.TrimSpace(c.cfg.KnownHosts)
	if knownHostsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("known hosts path not set and home dir unavailable: %w", err)
		}

		knownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}

	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}

	return callback, nil
}

func (c *Coordinator) execute(client *ssh.Client, command string) error {
	session, err := client.NewSession()
	if err != nil {
		return err
	}

	defer func() {
		_ = session.Close()
	}()

	session.Stdout = c.stdout
	session.Stderr = c.stderr

	return session.Run(command)
}

// copyFile writes data to remotePath with the scp sink protocol.
func copyFile(client *ssh.Client, remotePath string, data []byte) error {
	session, err := client.NewSession()
	if err != nil {
		return err
	}

	defer func() {
		_ = session.Close()
	}()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		return err
	}

	var stderr bytes.Buffer

	session.Stderr = &stderr

	if err = session.Start("scp -qt " + shellEscape(remotePath)); err != nil {
		return err
	}

	acks := bufio.NewReader(stdout)

	if err = sendFile(stdin, acks, path.Base(remotePath), data); err != nil {
		_ = stdin.Close()
		_ = session.Wait()

		return err
	}

	_ = stdin.Close()

	if err = session.Wait(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return nil
}

func sendFile(w io.Writer, acks *bufio.Reader, name string, data []byte) error {
	if err := readAck(acks); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "C%s %d %s\n", scriptFileMode, len(data), name); err != nil {
		return err
	}

	if err := readAck(acks); err != nil {
		return err
	}

	if _, err := w.Write(data); err != nil {
		return err
	}

	if _, err := w.Write([]byte{0}); err != nil {
		return err
	}

	return readAck(acks)
}

// readAck consumes one scp status byte; 1 and 2 carry a message line.
func readAck(r *bufio.Reader) error {
	status, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("read scp status: %w", err)
	}

	if status == 0 {
		return nil
	}

	message, _ := r.ReadString('\n')

	return fmt.Errorf("%w: %s", errRemoteRefused, strings.TrimSpace(message))
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}

	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
