package ssh

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/shipyard/pkg/transports"
)

func TestSSHClientExec(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)
	ctx := context.Background()

	tests := []struct {
		name           string
		command        string
		opts           transports.ExecOptions
		expectedStdout string
		expectedStderr string
		expectedCode   int
	}{
		{
			name:           "simple echo",
			command:        "echo test",
			expectedStdout: "test\n",
		},
		{
			name:           "stderr output",
			command:        "echo error >&2",
			expectedStderr: "error\n",
		},
		{
			name:           "non-zero exit is a result",
			command:        "exit 1",
			expectedStderr: "failed\n",
			expectedCode:   1,
		},
		{
			name:           "stdin",
			command:        "cat",
			opts:           transports.ExecOptions{Stdin: strings.NewReader("payload")},
			expectedStdout: "payload",
		},
		{
			name:           "env is exported",
			command:        "bin/console cache:clear",
			opts:           transports.ExecOptions{Env: map[string]string{"APP_ENV": "prod"}},
			expectedStdout: "command: export APP_ENV=prod; bin/console cache:clear\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := client.Exec(ctx, tt.command, tt.opts)
			if err != nil {
				t.Fatalf("failed to exec: %v", err)
			}
			if res.Stdout != tt.expectedStdout {
				t.Errorf("expected stdout %q, got %q", tt.expectedStdout, res.Stdout)
			}
			if res.Stderr != tt.expectedStderr {
				t.Errorf("expected stderr %q, got %q", tt.expectedStderr, res.Stderr)
			}
			if res.ExitCode != tt.expectedCode {
				t.Errorf("expected exit code %d, got %d", tt.expectedCode, res.ExitCode)
			}
		})
	}
}

func TestSSHClientExecBecome(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)
	client.config.Become = "www-data"

	res, err := client.Exec(context.Background(), "whoami", transports.ExecOptions{})
	if err != nil {
		t.Fatalf("failed to exec: %v", err)
	}

	expected := "command: sudo -H -u www-data bash -c whoami\n"
	if res.Stdout != expected {
		t.Errorf("expected %q, got %q", expected, res.Stdout)
	}
}

func TestSSHClientExecCancelled(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Exec(ctx, "sleep 10", transports.ExecOptions{})
	if err == nil {
		t.Fatal("expected cancelled command to fail")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("expected exec to return promptly, took %v", time.Since(start))
	}
}

func TestSSHClientExecTimeoutOption(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)

	_, err := client.Exec(context.Background(), "sleep 10", transports.ExecOptions{Timeout: 50 * time.Millisecond})
	var transportErr *transports.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if transportErr.Op != "exec" {
		t.Errorf("expected exec op, got %s", transportErr.Op)
	}
}

func TestWrapBecome(t *testing.T) {
	tests := []struct {
		cmd      string
		user     string
		expected string
	}{
		{"ls", "", "ls"},
		{"ls -la", "deploy", "sudo -H -u deploy bash -c 'ls -la'"},
		{"echo 'hi'", "deploy", `sudo -H -u deploy bash -c 'echo '"'"'hi'"'"''`},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := wrapBecome(tt.cmd, tt.user); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}
