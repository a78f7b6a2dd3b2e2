// Package transports defines how the engine reaches a host: command execution and
// file transfer against either the control machine or a remote machine over SSH.
package transports

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Transport executes commands and moves files for one host.
// A non-zero exit status is reported in ExecResult, not as an error; errors are
// reserved for failures of the transport itself.
type Transport interface {
	// Exec runs a shell command on the host and waits for it to finish.
	Exec(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error)

	// Upload copies a file or directory from the control machine to the host.
	Upload(ctx context.Context, src, dst string, opts TransferOptions) (*TransferResult, error)

	// Download copies a file or directory from the host to the control machine.
	Download(ctx context.Context, src, dst string, opts TransferOptions) (*TransferResult, error)

	// Close releases the connection and any resources held by the transport.
	Close() error
}

// ExecOptions tunes a single command execution.
type ExecOptions struct {
	// Env is exported into the command's environment.
	Env map[string]string

	// Timeout bounds the command duration. Zero means no timeout beyond ctx.
	Timeout time.Duration

	// Stdin is fed to the command, if set.
	Stdin io.Reader
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	// StartedAt is when the command started executing
	StartedAt time.Time

	// FinishedAt is when the command finished
	FinishedAt time.Time

	// Duration is the total execution time
	Duration time.Duration
}

// Success reports whether the command exited with status zero.
func (r *ExecResult) Success() bool {
	return r.ExitCode == 0
}

// TransferOptions tunes a single upload or download.
type TransferOptions struct {
	// Options are extra flags passed to the transfer program (rsync).
	// Transports that copy in-process ignore them.
	Options []string
}

// TransferResult represents the result of a file transfer operation.
type TransferResult struct {
	// BytesTransferred is the number of bytes transferred, when known
	BytesTransferred int64

	// Output is the diagnostic output of an external transfer program
	Output string

	// StartedAt is when the transfer started
	StartedAt time.Time

	// Duration is the time taken for the transfer
	Duration time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// Output is the diagnostic output of the failed operation, if any
	Output string

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	msg := e.Op + ": " + e.Err.Error()
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure may go away on its own.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// NewTransportError creates a transport error for op.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// ExitError reports a transfer program that exited with a non-zero status.
type ExitError struct {
	Command  string
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
}
