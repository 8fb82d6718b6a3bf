package testutil

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHUser is the only login the fake server accepts.
const SSHUser = "deploy"

var errDenied = errors.New("denied")

// SSHServer answers scp sink and exec requests in process. Copied files are
// kept in memory and commands are recorded, never executed.
type SSHServer struct {
	Addr    string
	HostKey ssh.PublicKey

	status uint32

	mu       sync.Mutex
	files    map[string][]byte
	commands []string
}

// SSHKey is a client identity written to disk.
type SSHKey struct {
	Path      string
	PublicKey ssh.PublicKey
}

// NewSSHKey writes a fresh ed25519 private key below dir.
func NewSSHKey(t *testing.T, dir string) *SSHKey {
	t.Helper()

	_, private, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(private, "")
	require.NoError(t, err)

	path := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

	signer, err := ssh.NewSignerFromKey(private)
	require.NoError(t, err)

	return &SSHKey{Path: path, PublicKey: signer.PublicKey()}
}

// NewHostKey returns a random host public key.
func NewHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()

	_, private, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer, err := ssh.NewSignerFromKey(private)
	require.NoError(t, err)

	return signer.PublicKey()
}

// KnownHosts writes a known_hosts file trusting key for addr.
func KnownHosts(t *testing.T, dir, addr string, key ssh.PublicKey) string {
	t.Helper()

	path := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(addr)}, key)
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o600))

	return path
}

// StartSSHServer serves until the test ends. Commands other than scp exit
// with status.
func StartSSHServer(t *testing.T, clientKey ssh.PublicKey, status uint32) *SSHServer {
	t.Helper()

	_, hostPrivate, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	hostSigner, err := ssh.NewSignerFromKey(hostPrivate)
	require.NoError(t, err)

	serverConfig := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == SSHUser && bytes.Equal(key.Marshal(), clientKey.Marshal()) {
				return &ssh.Permissions{}, nil
			}

			return nil, errDenied
		},
	}
	serverConfig.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	t.Cleanup(func() { _ = listener.Close() })

	server := &SSHServer{
		Addr:    listener.Addr().String(),
		HostKey: hostSigner.PublicKey(),
		status:  status,
		files:   make(map[string][]byte),
	}

	go func() {
		for {
			conn, acceptErr := listener.Accept()
			if acceptErr != nil {
				return
			}

			go server.serve(conn, serverConfig)
		}
	}()

	return server
}

// Files returns a copy of what was received, keyed by remote path.
func (s *SSHServer) Files() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return maps.Clone(s.files)
}

// Commands returns the exec requests other than scp.
func (s *SSHServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.commands...)
}

func (s *SSHServer) serve(conn net.Conn, serverConfig *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, serverConfig)
	if err != nil {
		_ = conn.Close()
		return
	}

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "sessions only")
			continue
		}

		channel, requests, acceptErr := newChannel.Accept()
		if acceptErr != nil {
			continue
		}

		go s.session(channel, requests)
	}
}

func (s *SSHServer) session(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer func() { _ = channel.Close() }()

	for req := range requests {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			return
		}

		_ = req.Reply(true, nil)

		status := s.exec(channel, payload.Command)
		_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))

		return
	}
}

func (s *SSHServer) exec(channel ssh.Channel, command string) uint32 {
	if target, ok := strings.CutPrefix(command, "scp -qt "); ok {
		return s.receive(channel, strings.Trim(target, "'"))
	}

	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()

	_, _ = fmt.Fprintf(channel, "ran %s\n", command)

	if s.status != 0 {
		_, _ = fmt.Fprint(channel.Stderr(), "bootstrap failed on remote\n")
	}

	return s.status
}

func (s *SSHServer) receive(channel ssh.Channel, target string) uint32 {
	reader := bufio.NewReader(channel)

	_, _ = channel.Write([]byte{0})

	header, err := reader.ReadString('\n')
	if err != nil {
		return 1
	}

	var (
		mode string
		size int
		name string
	)

	if _, err = fmt.Sscanf(header, "C%s %d %s", &mode, &size, &name); err != nil {
		return 1
	}

	_, _ = channel.Write([]byte{0})

	data := make([]byte, size)
	if _, err = io.ReadFull(reader, data); err != nil {
		return 1
	}

	if _, err = reader.ReadByte(); err != nil {
		return 1
	}

	_, _ = channel.Write([]byte{0})

	s.mu.Lock()
	s.files[target] = data
	s.mu.Unlock()

	return 0
}
