// Package local runs commands and copies files on the control machine.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/shipyard/pkg/transports"
)

// DefaultShell is the interpreter commands are passed to.
const DefaultShell = "/bin/sh"

// waitDelay bounds how long a killed command may keep its output pipes open.
const waitDelay = 2 * time.Second

// Transport executes on the control machine through a shell subprocess.
type Transport struct {
	// Shell is the interpreter invoked as "<shell> -c <command>".
	Shell string

	// Dir is the working directory of every command. Empty means the process cwd.
	Dir string
}

// New creates a local transport using DefaultShell.
func New() *Transport {
	return &Transport{Shell: DefaultShell}
}

var _ transports.Transport = (*Transport)(nil)

// Exec runs cmd with the configured shell.
func (t *Transport) Exec(ctx context.Context, cmd string, opts transports.ExecOptions) (*transports.ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	shell := t.Shell
	if shell == "" {
		shell = DefaultShell
	}

	c := exec.CommandContext(ctx, shell, "-c", cmd)
	c.WaitDelay = waitDelay
	c.Dir = t.Dir
	c.Env = os.Environ()
	for k, v := range opts.Env {
		c.Env = append(c.Env, k+"="+v)
	}
	if opts.Stdin != nil {
		c.Stdin = opts.Stdin
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	result := &transports.ExecResult{StartedAt: time.Now()}
	err := c.Run()
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &transports.TransportError{Op: "exec", Err: ctxErr, Output: strings.TrimSpace(result.Stderr)}
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return nil, transports.NewTransportError("exec", err)
	}

	log.Debug().
		Str("command", cmd).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("local command completed")
	return result, nil
}

// Upload copies src to dst on the local filesystem.
func (t *Transport) Upload(ctx context.Context, src, dst string, opts transports.TransferOptions) (*transports.TransferResult, error) {
	return t.copy(ctx, "upload", src, dst)
}

// Download copies src to dst on the local filesystem.
func (t *Transport) Download(ctx context.Context, src, dst string, opts transports.TransferOptions) (*transports.TransferResult, error) {
	return t.copy(ctx, "download", src, dst)
}

// Close is a no-op.
func (t *Transport) Close() error {
	return nil
}

// copy follows rsync conventions: a directory source with a trailing slash copies
// its contents into dst, without one it is copied as dst/<base>.
func (t *Transport) copy(ctx context.Context, op, src, dst string) (*transports.TransferResult, error) {
	result := &transports.TransferResult{StartedAt: time.Now()}

	info, err := os.Stat(src)
	if err != nil {
		return nil, &transports.TransportError{Op: op, Err: fmt.Errorf("failed to stat source: %w", err)}
	}

	var n int64
	if info.IsDir() {
		if !strings.HasSuffix(src, "/") {
			dst = filepath.Join(dst, filepath.Base(src))
		}
		n, err = copyDir(ctx, src, dst)
	} else {
		if st, statErr := os.Stat(dst); statErr == nil && st.IsDir() {
			dst = filepath.Join(dst, filepath.Base(src))
		}
		n, err = copyFile(ctx, src, dst, info.Mode().Perm())
	}
	if err != nil {
		return nil, &transports.TransportError{Op: op, Err: err}
	}

	result.BytesTransferred = n
	result.Duration = time.Since(result.StartedAt)
	log.Debug().Str("source", src).Str("destination", dst).Int64("bytes", n).Msgf("local %s completed", op)
	return result, nil
}

func copyDir(ctx context.Context, src, dst string) (int64, error) {
	var total int64
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		n, err := copyFile(ctx, path, target, info.Mode().Perm())
		total += n
		return err
	})
	return total, err
}

func copyFile(ctx context.Context, src, dst string, mode os.FileMode) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dst, err)
	}

	n, err := io.Copy(out, &contextReader{ctx: ctx, r: in})
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return n, nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
