package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	config := DefaultConfig("example.com", "testuser")

	if config.Host != "example.com" {
		t.Errorf("expected host 'example.com', got '%s'", config.Host)
	}

	if config.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", config.User)
	}

	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}

	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}

	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}

	if config.CommandTimeout != 0 {
		t.Errorf("expected no command timeout, got %v", config.CommandTimeout)
	}
}

func TestDefaultConfigPrefersAgent(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "/tmp/agent.sock")
	config := DefaultConfig("example.com", "testuser")

	if config.AuthMethod != AuthMethodAgent {
		t.Errorf("expected auth method 'agent', got '%s'", config.AuthMethod)
	}
}

func TestConfigValidation(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	tests := []struct {
		name        string
		modifyFunc  func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid config",
			modifyFunc:  func(c *Config) {},
			expectError: false,
		},
		{
			name: "missing host",
			modifyFunc: func(c *Config) {
				c.Host = ""
			},
			expectError: true,
			errorMsg:    "host is required",
		},
		{
			name: "invalid port",
			modifyFunc: func(c *Config) {
				c.Port = 0
			},
			expectError: true,
			errorMsg:    "invalid port",
		},
		{
			name: "missing user",
			modifyFunc: func(c *Config) {
				c.User = ""
			},
			expectError: true,
			errorMsg:    "user is required",
		},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.Password = ""
			},
			expectError: true,
			errorMsg:    "password is required",
		},
		{
			name: "key auth with missing key",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = "/nonexistent/key"
			},
			expectError: true,
			errorMsg:    "private key file not found",
		},
		{
			name: "agent auth without agent",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodAgent
			},
			expectError: true,
			errorMsg:    "SSH_AUTH_SOCK",
		},
		{
			name: "unknown auth method",
			modifyFunc: func(c *Config) {
				c.AuthMethod = "kerberos"
			},
			expectError: true,
			errorMsg:    "unsupported auth method",
		},
		{
			name: "invalid connection timeout",
			modifyFunc: func(c *Config) {
				c.ConnectionTimeout = 0
			},
			expectError: true,
			errorMsg:    "connection timeout must be positive",
		},
		{
			name: "negative command timeout",
			modifyFunc: func(c *Config) {
				c.CommandTimeout = -time.Second
			},
			expectError: true,
			errorMsg:    "command timeout must not be negative",
		},
		{
			name: "proxy with invalid port",
			modifyFunc: func(c *Config) {
				c.ProxyHost = "bastion.example.com"
				c.ProxyPort = 70000
				c.ProxyUser = "jump"
			},
			expectError: true,
			errorMsg:    "invalid proxy port",
		},
		{
			name: "proxy with missing user",
			modifyFunc: func(c *Config) {
				c.ProxyHost = "bastion.example.com"
				c.ProxyUser = ""
			},
			expectError: true,
			errorMsg:    "proxy user is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "testuser")
			config.AuthMethod = AuthMethodPassword
			config.Password = "secret"
			tt.modifyFunc(config)

			err := config.Validate()

			if tt.expectError && err == nil {
				t.Fatalf("expected error containing '%s', got nil", tt.errorMsg)
			}

			if !tt.expectError && err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}

			if tt.expectError && !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing '%s', got '%v'", tt.errorMsg, err)
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.Port = 2222

	expected := "example.com:2222"
	if address := config.Address(); address != expected {
		t.Errorf("expected address '%s', got '%s'", expected, address)
	}

	config.Host = "::1"
	if address := config.Address(); address != "[::1]:2222" {
		t.Errorf("expected bracketed IPv6 address, got '%s'", address)
	}
}

func TestConfigProxyAddress(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.ProxyHost = "bastion.example.com"
	config.ProxyPort = 2222

	expected := "bastion.example.com:2222"
	if address := config.ProxyAddress(); address != expected {
		t.Errorf("expected proxy address '%s', got '%s'", expected, address)
	}

	config.ProxyHost = ""
	if address := config.ProxyAddress(); address != "" {
		t.Errorf("expected empty proxy address, got '%s'", address)
	}
}

func TestConfigIsProxyEnabled(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")

	if config.IsProxyEnabled() {
		t.Error("expected proxy to be disabled")
	}

	config.ProxyHost = "bastion.example.com"
	if !config.IsProxyEnabled() {
		t.Error("expected proxy to be enabled")
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		clientConfig, closer, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer closer.Close()

		if clientConfig.User != "testuser" {
			t.Errorf("expected user 'testuser', got '%s'", clientConfig.User)
		}

		// password plus keyboard-interactive
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected 2 auth methods, got %d", len(clientConfig.Auth))
		}

		if clientConfig.Timeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("key authentication with valid key", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "test_key")
		writeTestPrivateKey(t, keyPath)

		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodKey
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		clientConfig, closer, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer closer.Close()

		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("key authentication with garbage key", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "test_key")
		if err := os.WriteFile(keyPath, []byte("not a key"), 0600); err != nil {
			t.Fatalf("failed to write key: %v", err)
		}

		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodKey
		config.PrivateKeyPath = keyPath

		if _, _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error for unparseable key")
		}
	})

	t.Run("agent authentication", func(t *testing.T) {
		startTestAgent(t)

		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodAgent
		config.StrictHostKeyChecking = false

		clientConfig, closer, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
		if err := closer.Close(); err != nil {
			t.Errorf("failed to close agent connection: %v", err)
		}
	})

	t.Run("missing known_hosts with strict checking", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

		if _, _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error for missing known_hosts")
		}
	})
}

func writeTestPrivateKey(t *testing.T, path string) {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		t.Fatalf("failed to write test key: %v", err)
	}
}
