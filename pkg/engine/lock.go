package engine

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/shipyard/pkg/transports"
)

// MemoryLocker keeps lock records in process memory. It serializes runs of one
// engine process only.
type MemoryLocker struct {
	mu     sync.Mutex
	locked map[string]bool
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locked: make(map[string]bool)}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(s *Scope) error {
	name := s.Host().Name
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked[name] {
		return NewAlreadyLockedError(name, nil)
	}
	l.locked[name] = true
	return nil
}

// Release implements Locker.
func (l *MemoryLocker) Release(s *Scope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locked, s.Host().Name)
	return nil
}

// IsLocked reports whether host holds a lock record.
func (l *MemoryLocker) IsLocked(host string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked[host]
}

// FileLocker keeps one advisory lock file per host on the control machine, so
// separate shipyard processes on the same machine exclude each other.
type FileLocker struct {
	dir   string
	mu    sync.Mutex
	locks map[string]*flock.Flock
}

// NewFileLocker creates a locker storing lock files in dir.
func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileLocker{dir: dir, locks: make(map[string]*flock.Flock)}, nil
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Path returns the lock file of host.
func (l *FileLocker) Path(host string) string {
	return filepath.Join(l.dir, unsafeFileChars.ReplaceAllString(host, "_")+".lock")
}

// Acquire implements Locker.
func (l *FileLocker) Acquire(s *Scope) error {
	name := s.Host().Name
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.locks[name]; held {
		return NewAlreadyLockedError(name, nil)
	}

	fl := flock.New(l.Path(name))
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("failed to take lock for host %s: %w", name, err)
	}
	if !locked {
		return NewAlreadyLockedError(name, nil).WithDetail("path", fl.Path())
	}
	l.locks[name] = fl
	return nil
}

// Release implements Locker.
func (l *FileLocker) Release(s *Scope) error {
	name := s.Host().Name
	l.mu.Lock()
	defer l.mu.Unlock()

	fl, held := l.locks[name]
	if !held {
		return nil
	}
	delete(l.locks, name)
	if err := fl.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock for host %s: %w", name, err)
	}
	return nil
}

// DefaultRemoteLockPath is the lock sentinel template used by RemoteLocker.
const DefaultRemoteLockPath = "{{deploy_path}}/.dep/deploy.lock"

// RemoteLocker keeps a sentinel file on the host itself, so deployments from
// different control machines exclude each other.
type RemoteLocker struct {
	// Path is the sentinel file template.
	Path string
}

// NewRemoteLocker creates a locker using the default sentinel path.
func NewRemoteLocker() *RemoteLocker {
	return &RemoteLocker{Path: DefaultRemoteLockPath}
}

// Acquire implements Locker. The sentinel is created with noclobber, so two
// concurrent acquisitions cannot both succeed. Only an existing sentinel is
// reported as ErrAlreadyLocked; any other failure is a RemoteCommandError.
func (l *RemoteLocker) Acquire(s *Scope) error {
	lockPath, err := l.resolve(s)
	if err != nil {
		return err
	}
	owner := s.RunID()
	if owner == "" {
		owner = "shipyard"
	}

	mkdir := "mkdir -p " + transports.ShellQuote(path.Dir(lockPath))
	if err := l.remote(s, mkdir); err != nil {
		return err
	}

	create := fmt.Sprintf("( set -o noclobber; echo %s > %s )",
		transports.ShellQuote(owner), transports.ShellQuote(lockPath))
	res, err := s.exec.run(s.Context(), s.Host(), create, transports.ExecOptions{})
	if err != nil {
		return err
	}
	if res.ExitCode == 0 {
		return nil
	}

	exists, err := s.exec.run(s.Context(), s.Host(), "[ -e "+transports.ShellQuote(lockPath)+" ]", transports.ExecOptions{})
	if err != nil {
		return err
	}
	if exists.ExitCode == 0 {
		return NewAlreadyLockedError(s.Host().Name, nil).WithDetail("path", lockPath)
	}
	return &RemoteCommandError{
		Host:     s.Host().Name,
		Command:  create,
		ExitCode: res.ExitCode,
		Stderr:   strings.TrimSpace(res.Stderr),
	}
}

// remote runs cmd on the scope host and turns a non-zero exit into a
// RemoteCommandError.
func (l *RemoteLocker) remote(s *Scope, cmd string) error {
	res, err := s.exec.run(s.Context(), s.Host(), cmd, transports.ExecOptions{})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &RemoteCommandError{
			Host:     s.Host().Name,
			Command:  cmd,
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(res.Stderr),
		}
	}
	return nil
}

// Release implements Locker.
func (l *RemoteLocker) Release(s *Scope) error {
	lockPath, err := l.resolve(s)
	if err != nil {
		return err
	}
	return l.remote(s, "rm -f "+transports.ShellQuote(lockPath))
}

func (l *RemoteLocker) resolve(s *Scope) (string, error) {
	tmpl := l.Path
	if tmpl == "" {
		tmpl = DefaultRemoteLockPath
	}
	lockPath, err := s.Parse(tmpl)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(lockPath, "~") {
		home, err := s.exec.home(s.Context(), s.Host())
		if err != nil {
			return "", err
		}
		lockPath = transports.ExpandHome(lockPath, home)
	}
	log.Debug().Str("host", s.Host().Name).Str("path", lockPath).Msg("resolved remote lock")
	return lockPath, nil
}
