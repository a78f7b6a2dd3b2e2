package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/openfroyo/shipyard/pkg/transports"
)

// testSSHServer provides a minimal SSH server for testing.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

// newTestSSHServer creates a new test SSH server. It answers a fixed set of
// commands, echoes any other command back and serves SFTP on the real filesystem.
func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, privateKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			// Accept any public key for testing
			return nil, nil
		},
	}

	config.AddHostKey(privateKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}

	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleChannel(channel, requests)
	}
}

func exitStatus(code uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, code)
	return b
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:]) // Skip the length prefix

			if req.WantReply {
				req.Reply(true, nil)
			}

			switch command {
			case "true":
				channel.SendRequest("exit-status", false, exitStatus(0))
			case "echo test":
				channel.Write([]byte("test\n"))
				channel.SendRequest("exit-status", false, exitStatus(0))
			case "echo error >&2":
				channel.Stderr().Write([]byte("error\n"))
				channel.SendRequest("exit-status", false, exitStatus(0))
			case "exit 1":
				channel.Stderr().Write([]byte("failed\n"))
				channel.SendRequest("exit-status", false, exitStatus(1))
			case "cat":
				io.Copy(channel, channel)
				channel.SendRequest("exit-status", false, exitStatus(0))
			case "sleep 10":
				select {
				case <-time.After(10 * time.Second):
				case <-s.done:
				}
			default:
				channel.Write([]byte("command: " + command + "\n"))
				channel.SendRequest("exit-status", false, exitStatus(0))
			}
			return

		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
		s.listener.Close()
	}
}

// connect returns a password-authenticated client connected to s.
func (s *testSSHServer) connect(t *testing.T) *SSHClient {
	t.Helper()

	host, port := parseAddress(s.addr)
	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// generateTestKey generates a test SSH key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

func TestSSHClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	host, _ := parseAddress(server.addr)
	info := client.GetConnectionInfo()
	if info.Host != host {
		t.Errorf("expected host '%s', got '%s'", host, info.Host)
	}
	if info.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", info.User)
	}
	if info.ConnectedAt.IsZero() {
		t.Error("expected connection time to be set")
	}
}

func TestSSHClientWrongPassword(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "wrong"
	config.StrictHostKeyChecking = false

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err == nil {
		t.Error("expected authentication failure")
	}
	if client.IsConnected() {
		t.Error("expected client to stay disconnected")
	}
}

func TestSSHClientHealthCheck(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestSSHClientClose(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)

	if err := client.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if err := client.Close(); err != nil {
		t.Errorf("expected second close to be a no-op, got %v", err)
	}
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail after close")
	}
}

func TestSSHClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)

	keyPath := filepath.Join(t.TempDir(), "test_key")
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodKey
	config.PrivateKeyPath = keyPath
	config.StrictHostKeyChecking = false

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestSSHClientAgentAuth(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)
	startTestAgent(t)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.StrictHostKeyChecking = false
	if config.AuthMethod != AuthMethodAgent {
		t.Fatalf("expected agent auth by default when SSH_AUTH_SOCK is set, got %s", config.AuthMethod)
	}

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with agent auth: %v", err)
	}
	defer client.Close()

	res, err := client.Exec(context.Background(), "echo test", transports.ExecOptions{})
	if err != nil {
		t.Fatalf("failed to exec: %v", err)
	}
	if res.Stdout != "test\n" {
		t.Errorf("expected 'test', got %q", res.Stdout)
	}
}

// startTestAgent serves an in-memory keyring holding one key and points
// SSH_AUTH_SOCK at it.
func startTestAgent(t *testing.T) {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	keyring := agent.NewKeyring()
	if err := keyring.Add(agent.AddedKey{PrivateKey: privKey}); err != nil {
		t.Fatalf("failed to add key: %v", err)
	}

	dir, err := os.MkdirTemp("", "agent")
	if err != nil {
		t.Fatalf("failed to create socket dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	sock := filepath.Join(dir, "agent.sock")
	listener, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("failed to listen on agent socket: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_ = agent.ServeAgent(keyring, conn)
			}()
		}
	}()

	t.Setenv("SSH_AUTH_SOCK", sock)
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
