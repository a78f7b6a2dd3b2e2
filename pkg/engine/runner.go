package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/shipyard/pkg/transports"
)

// RunOption tunes a single command.
type RunOption func(*runConfig)

type runConfig struct {
	cwd     string
	timeout time.Duration
	env     map[string]string
}

// WithCwd runs the command from path. The path is a template; a leading "~" is
// expanded against the home directory of the host the command runs on.
func WithCwd(path string) RunOption {
	return func(c *runConfig) { c.cwd = path }
}

// WithTimeout bounds the command duration.
func WithTimeout(d time.Duration) RunOption {
	return func(c *runConfig) { c.timeout = d }
}

// WithEnv exports variables into the command's environment.
func WithEnv(env map[string]string) RunOption {
	return func(c *runConfig) {
		if c.env == nil {
			c.env = make(map[string]string, len(env))
		}
		for k, v := range env {
			c.env[k] = v
		}
	}
}

// Run resolves command against the current context, runs it on the frame's host
// and returns its trimmed standard output. A non-zero exit fails with a
// RemoteCommandError carrying the exit code and standard error. Over the
// openssh transport exit status 255 belongs to the ssh client, so a command
// exiting 255 is reported as a retryable transport error instead.
func (s *Scope) Run(command string, opts ...RunOption) (string, error) {
	res, cmd, err := s.execute(command, opts)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &RemoteCommandError{
			Host:     s.Host().Name,
			Command:  cmd,
			ExitCode: res.ExitCode,
			Stdout:   strings.TrimSpace(res.Stdout),
			Stderr:   strings.TrimSpace(res.Stderr),
		}
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Test runs command as a probe and reports whether it exited with status zero.
// Only resolution and transport failures are returned as errors.
func (s *Scope) Test(command string, opts ...RunOption) (bool, error) {
	res, _, err := s.execute(command, opts)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// LocateBinaryPath returns the absolute path of the executable name on the frame's
// host, failing with a BinaryNotFoundError when it is not installed.
func (s *Scope) LocateBinaryPath(name string) (string, error) {
	name, err := s.Parse(name)
	if err != nil {
		return "", err
	}
	if s.exec != nil && s.exec.opts.DryRun {
		return name, nil
	}

	out, err := s.Run("command -v " + transports.ShellQuote(name))
	if err != nil && !errors.Is(err, ErrRemoteCommand) {
		return "", err
	}
	path := firstLine(out)
	if err != nil || path == "" {
		return "", NewPermanentError(fmt.Sprintf("binary %q not found on %s", name, s.Host().Name), err).
			WithCode(ErrCodeBinaryNotFound).
			WithResource(name)
	}
	return path, nil
}

// CommandExist reports whether command names an executable on the frame's host.
func (s *Scope) CommandExist(command string) (bool, error) {
	command, err := s.Parse(command)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(command) == "" {
		return false, nil
	}
	return s.Test("command -v " + transports.ShellQuote(command) + " >/dev/null 2>&1")
}

func (s *Scope) execute(command string, opts []RunOption) (*transports.ExecResult, string, error) {
	frame, err := s.Current()
	if err != nil {
		return nil, "", err
	}

	cfg := &runConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	cmd, err := s.Parse(command)
	if err != nil {
		return nil, "", err
	}
	if strings.TrimSpace(cmd) == "" {
		return nil, "", NewPermanentError("refusing to run an empty command", nil).
			WithCode(ErrCodeValidation).
			WithResource(frame.Task.Name).
			WithDetail("template", command)
	}

	if cfg.cwd != "" {
		cwd, err := s.Parse(cfg.cwd)
		if err != nil {
			return nil, "", err
		}
		if strings.HasPrefix(cwd, "~") {
			home, err := s.exec.home(s.Context(), frame.Host)
			if err != nil {
				return nil, "", err
			}
			cwd = transports.ExpandHome(cwd, home)
		}
		cmd = "cd " + transports.ShellQuote(cwd) + " && (" + cmd + ")"
	}

	res, err := s.exec.run(s.Context(), frame.Host, cmd, transports.ExecOptions{
		Env:     cfg.env,
		Timeout: cfg.timeout,
	})
	if err != nil {
		return nil, cmd, err
	}
	return res, cmd, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
