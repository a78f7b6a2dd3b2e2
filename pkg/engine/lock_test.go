package engine

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/openfroyo/shipyard/pkg/transports"
)

func lockScope(e *Engine, host *Host) *Scope {
	return newExecution(e, "run-1", host, RunOptions{}).scope(context.Background())
}

func TestMemoryLocker(t *testing.T) {
	locker := NewMemoryLocker()
	e := New()
	web1 := lockScope(e, NewHost("web1"))
	web2 := lockScope(e, NewHost("web2"))

	if err := locker.Release(web1); err != nil {
		t.Fatalf("expected release of unlocked host to be a no-op, got %v", err)
	}

	if err := locker.Acquire(web1); err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	err := locker.Acquire(web1)
	if !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked, got %v", err)
	}
	if !IsConflict(err) {
		t.Errorf("expected conflict classification, got %v", err)
	}

	if err := locker.Acquire(web2); err != nil {
		t.Errorf("expected locks to be per host, got %v", err)
	}

	if err := locker.Release(web1); err != nil {
		t.Fatalf("failed to release lock: %v", err)
	}
	if locker.IsLocked("web1") {
		t.Error("expected web1 to be unlocked")
	}
	if err := locker.Acquire(web1); err != nil {
		t.Errorf("expected re-acquire after release, got %v", err)
	}
}

func TestFileLocker(t *testing.T) {
	dir := t.TempDir()
	first, err := NewFileLocker(dir)
	if err != nil {
		t.Fatalf("failed to create locker: %v", err)
	}
	second, err := NewFileLocker(dir)
	if err != nil {
		t.Fatalf("failed to create locker: %v", err)
	}

	e := New()
	host := NewHost("deploy@web1")
	s := lockScope(e, host)

	if err := first.Acquire(s); err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	if _, err := os.Stat(first.Path(host.Name)); err != nil {
		t.Errorf("expected lock file to exist: %v", err)
	}
	if strings.Contains(first.Path(host.Name), "@") {
		t.Errorf("expected sanitized lock file name, got %s", first.Path(host.Name))
	}

	if err := first.Acquire(s); !errors.Is(err, ErrAlreadyLocked) {
		t.Errorf("expected ErrAlreadyLocked from same locker, got %v", err)
	}
	if err := second.Acquire(s); !errors.Is(err, ErrAlreadyLocked) {
		t.Errorf("expected ErrAlreadyLocked from another locker, got %v", err)
	}

	if err := first.Release(s); err != nil {
		t.Fatalf("failed to release lock: %v", err)
	}
	if err := first.Release(s); err != nil {
		t.Errorf("expected idempotent release, got %v", err)
	}
	if err := second.Acquire(s); err != nil {
		t.Errorf("expected acquire after release, got %v", err)
	}
	_ = second.Release(s)
}

func TestRemoteLocker(t *testing.T) {
	locked := false
	dialer := newMockDialer(func(host, cmd string) (*transports.ExecResult, error) {
		switch {
		case strings.Contains(cmd, "noclobber"):
			if locked {
				return &transports.ExecResult{ExitCode: 1}, nil
			}
			locked = true
		case strings.HasPrefix(cmd, "rm -f"):
			locked = false
		}
		return &transports.ExecResult{}, nil
	})

	e := New(WithDialer(dialer))
	e.Set("deploy_path", "~/apps/shop")
	host := NewHost("web1")
	s := lockScope(e, host)
	locker := NewRemoteLocker()

	if err := locker.Acquire(s); err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	if err := locker.Acquire(s); !errors.Is(err, ErrAlreadyLocked) {
		t.Errorf("expected ErrAlreadyLocked, got %v", err)
	}
	if err := locker.Release(s); err != nil {
		t.Fatalf("failed to release lock: %v", err)
	}
	if err := locker.Release(s); err != nil {
		t.Errorf("expected idempotent release, got %v", err)
	}

	if !dialer.ran("web1", "/home/deploy/apps/shop/.dep/deploy.lock") {
		t.Errorf("expected lock path expanded against the host home, got %v", dialer.commandsFor("web1"))
	}
}

func TestRemoteLocker_MissingDeployPath(t *testing.T) {
	e := New(WithDialer(newMockDialer(nil)))
	s := lockScope(e, NewHost("web1"))

	if err := NewRemoteLocker().Acquire(s); !errors.Is(err, ErrMissingKey) {
		t.Errorf("expected ErrMissingKey, got %v", err)
	}
}

func TestRemoteLocker_AcquireFailures(t *testing.T) {
	tests := []struct {
		name       string
		handler    execHandler
		wantStderr string
	}{
		{
			name: "lock directory not writable",
			handler: func(host, cmd string) (*transports.ExecResult, error) {
				if strings.HasPrefix(cmd, "mkdir -p") {
					return &transports.ExecResult{ExitCode: 1, Stderr: "mkdir: cannot create directory '/srv/shop/.dep': Permission denied\n"}, nil
				}
				return &transports.ExecResult{}, nil
			},
			wantStderr: "Permission denied",
		},
		{
			name: "sentinel write fails without existing lock",
			handler: func(host, cmd string) (*transports.ExecResult, error) {
				switch {
				case strings.Contains(cmd, "noclobber"):
					return &transports.ExecResult{ExitCode: 1, Stderr: "sh: /srv/shop/.dep/deploy.lock: Read-only file system\n"}, nil
				case strings.HasPrefix(cmd, "[ -e"):
					return &transports.ExecResult{ExitCode: 1}, nil
				}
				return &transports.ExecResult{}, nil
			},
			wantStderr: "Read-only file system",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(WithDialer(newMockDialer(tt.handler)))
			e.Set("deploy_path", "/srv/shop")
			s := lockScope(e, NewHost("web1"))

			err := NewRemoteLocker().Acquire(s)
			if errors.Is(err, ErrAlreadyLocked) {
				t.Fatalf("expected a command failure, got %v", err)
			}
			if !errors.Is(err, ErrRemoteCommand) {
				t.Fatalf("expected ErrRemoteCommand, got %v", err)
			}
			var cmdErr *RemoteCommandError
			if !errors.As(err, &cmdErr) {
				t.Fatalf("expected *RemoteCommandError, got %T", err)
			}
			if !strings.Contains(cmdErr.Stderr, tt.wantStderr) {
				t.Errorf("expected stderr to contain %q, got %q", tt.wantStderr, cmdErr.Stderr)
			}
		})
	}
}
