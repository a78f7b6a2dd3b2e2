package ssh

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent uses the keys held by the SSH agent at SSH_AUTH_SOCK
	AuthMethodAgent AuthMethod = "agent"
)

// Config holds SSH connection configuration.
type Config struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port (default: 22)
	Port int

	// User is the SSH username
	User string

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod

	// Password for password-based authentication
	Password string

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string

	// StrictHostKeyChecking enables strict host key verification
	// When true, unknown hosts will be rejected
	StrictHostKeyChecking bool

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration

	// CommandTimeout bounds every command. Zero means commands only stop with
	// their context.
	CommandTimeout time.Duration

	// KeepAliveInterval is the interval for sending keep-alive messages
	// Set to 0 to disable keep-alive
	KeepAliveInterval time.Duration

	// MaxKeepAliveRetries is the maximum number of keep-alive retries before giving up
	MaxKeepAliveRetries int

	// Become runs commands and transfers as this user through sudo
	Become string

	// Arguments are extra ssh command line arguments (OpenSSH client only)
	Arguments []string

	// ProxyHost is the hostname of a jump/proxy host (optional)
	ProxyHost string

	// ProxyPort is the port of the proxy host
	ProxyPort int

	// ProxyUser is the username for the proxy host
	ProxyUser string

	// ProxyAuthMethod is the authentication method for the proxy
	ProxyAuthMethod AuthMethod

	// ProxyPassword is the password for proxy authentication
	ProxyPassword string

	// ProxyPrivateKeyPath is the path to the proxy's private key
	ProxyPrivateKeyPath string
}

// DefaultConfig returns a Config with sensible defaults.
// Authentication goes through the SSH agent when one is running, and through the
// default key files otherwise.
func DefaultConfig(host string, user string) *Config {
	method := AuthMethodKey
	if os.Getenv("SSH_AUTH_SOCK") != "" {
		method = AuthMethodAgent
	}
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            method,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		KeepAliveInterval:     0, // Disabled by default
		MaxKeepAliveRetries:   3,
		ProxyPort:             22,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = defaultPrivateKey()
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return fmt.Errorf("agent authentication requires SSH_AUTH_SOCK")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	if c.CommandTimeout < 0 {
		return fmt.Errorf("command timeout must not be negative")
	}

	// Validate proxy configuration if proxy is specified
	if c.ProxyHost != "" {
		if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
			return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
		}
		if c.ProxyUser == "" {
			return fmt.Errorf("proxy user is required when proxy host is specified")
		}
	}

	return nil
}

func defaultPrivateKey() string {
	homeDir := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		keyPath := filepath.Join(homeDir, ".ssh", name)
		if _, err := os.Stat(keyPath); err == nil {
			return keyPath
		}
	}
	return ""
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
// The returned closer releases the agent connection, if any; it only has to stay
// open until the handshake completes.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, io.Closer, error) {
	var authMethods []ssh.AuthMethod
	var closer io.Closer = nopCloser{}

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))

		// Many servers only offer keyboard-interactive for the "Password:" prompt
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		authMethods = append(authMethods, ssh.PublicKeys(signer))

	case AuthMethodAgent:
		conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to SSH agent: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		closer = conn

	default:
		return nil, nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			_ = closer.Close()
			return nil, nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		// Insecure: accept any host key (only for testing/development)
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	clientConfig := &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}

	return clientConfig, closer, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// ProxyAddress returns the formatted proxy address (host:port).
func (c *Config) ProxyAddress() string {
	if c.ProxyHost == "" {
		return ""
	}
	return net.JoinHostPort(c.ProxyHost, fmt.Sprintf("%d", c.ProxyPort))
}

// IsProxyEnabled returns true if a proxy/jump host is configured.
func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
