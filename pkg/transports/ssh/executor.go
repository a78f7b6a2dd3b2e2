package ssh

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/shipyard/pkg/transports"
)

// killGrace is how long a cancelled command gets between SIGTERM and SIGKILL.
const killGrace = 100 * time.Millisecond

// Exec runs cmd in a new session. A non-zero exit status is reported in the
// result; transport failures and cancellation are returned as errors.
func (c *SSHClient) Exec(ctx context.Context, cmd string, opts transports.ExecOptions) (*transports.ExecResult, error) {
	return c.exec(ctx, cmd, opts, c.config.Become)
}

func (c *SSHClient) exec(ctx context.Context, cmd string, opts transports.ExecOptions, become string) (*transports.ExecResult, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.config.CommandTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sshClient, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &transports.TransportError{Op: "exec", Err: err, IsTemporary: true}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if opts.Stdin != nil {
		session.Stdin = opts.Stdin
	}

	finalCmd := wrapBecome(transports.ExportEnv(opts.Env)+cmd, become)

	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd).
		Str("become", become).
		Msg("executing command")

	result := &transports.ExecResult{StartedAt: time.Now()}
	done := make(chan error, 1)
	go func() {
		done <- session.Run(finalCmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(killGrace)
		_ = session.Signal(ssh.SIGKILL)
		return nil, &transports.TransportError{Op: "exec", Err: ctx.Err()}
	case runErr = <-done:
	}

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	default:
		return nil, &transports.TransportError{
			Op:          "exec",
			Err:         runErr,
			Output:      result.Stderr,
			IsTemporary: true,
		}
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd).
		Int("exit_code", result.ExitCode).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Msg("command completed")
	return result, nil
}
