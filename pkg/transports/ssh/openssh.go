package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/shipyard/pkg/transports"
)

// ExitCodeConnection is the status ssh exits with when it cannot reach the host.
const ExitCodeConnection = 255

// Runner starts a program on the control machine and waits for it.
type Runner func(ctx context.Context, name string, args []string, stdin io.Reader) (*transports.ExecResult, error)

// OpenSSH reaches a host through the system ssh binary and transfers files with
// rsync. Commands are fed to "bash -s" on standard input, so they reach the remote
// shell without a second round of quoting.
type OpenSSH struct {
	config *Config

	// Binary is the ssh executable.
	Binary string

	// Rsync is the rsync executable.
	Rsync string

	runner Runner
}

// NewOpenSSH creates a transport for config. Only Host is required; everything
// else left empty is resolved by ssh itself from ssh_config.
func NewOpenSSH(config *Config) (*OpenSSH, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("invalid config: host is required")
	}
	return &OpenSSH{
		config: config,
		Binary: "ssh",
		Rsync:  "rsync",
		runner: runProgram,
	}, nil
}

// Destination returns user@host, or host when no user is configured.
func (o *OpenSSH) Destination() string {
	if o.config.User == "" {
		return o.config.Host
	}
	return o.config.User + "@" + o.config.Host
}

// Arguments returns the ssh options for the host. "~/" in extra arguments is
// expanded against the control machine's home, where ssh reads them.
func (o *OpenSSH) Arguments() []string {
	var args []string
	if o.config.Port > 0 {
		args = append(args, "-p", strconv.Itoa(o.config.Port))
	}
	if o.config.PrivateKeyPath != "" {
		args = append(args, "-i", transports.ExpandLocalHome(o.config.PrivateKeyPath))
	}
	if o.config.ConnectionTimeout > 0 {
		args = append(args, "-o", "ConnectTimeout="+strconv.Itoa(int(o.config.ConnectionTimeout/time.Second)))
	}
	return append(args, transports.ResolveArgs(o.config.Arguments)...)
}

// Exec runs cmd on the host. Exit status 255 is indistinguishable from an ssh
// connection failure and is returned as a temporary TransportError; every
// other status comes back in the result.
func (o *OpenSSH) Exec(ctx context.Context, cmd string, opts transports.ExecOptions) (*transports.ExecResult, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = o.config.CommandTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	script := transports.ExportEnv(opts.Env) + cmd
	args := append(o.Arguments(), o.Destination())

	// With caller-provided stdin the script travels on the command line instead.
	var stdin io.Reader
	if opts.Stdin != nil {
		args = append(args, wrapBecome(script, o.config.Become))
		stdin = opts.Stdin
	} else {
		args = append(args, o.remoteShell())
		stdin = strings.NewReader(script)
	}

	log.Debug().Str("host", o.config.Host).Str("command", cmd).Strs("args", args).Msg("executing command via ssh")

	res, err := o.runner(ctx, o.Binary, args, stdin)
	if err != nil {
		return nil, &transports.TransportError{Op: "exec", Err: err}
	}
	if res.ExitCode == ExitCodeConnection {
		return nil, &transports.TransportError{
			Op:          "exec",
			Err:         &transports.ExitError{Command: o.Binary, ExitCode: res.ExitCode},
			Output:      strings.TrimSpace(res.Stderr),
			IsTemporary: true,
		}
	}
	return res, nil
}

func (o *OpenSSH) remoteShell() string {
	if o.config.Become == "" {
		return "bash -s"
	}
	return "sudo -H -u " + transports.ShellQuote(o.config.Become) + " bash -s"
}

// Upload copies src on the control machine to dst on the host with rsync.
func (o *OpenSSH) Upload(ctx context.Context, src, dst string, opts transports.TransferOptions) (*transports.TransferResult, error) {
	return o.rsync(ctx, "upload", src, o.Destination()+":"+dst, opts)
}

// Download copies src on the host to dst on the control machine with rsync.
func (o *OpenSSH) Download(ctx context.Context, src, dst string, opts transports.TransferOptions) (*transports.TransferResult, error) {
	return o.rsync(ctx, "download", o.Destination()+":"+src, dst, opts)
}

// RsyncArguments returns the rsync command line copying src to dst.
func (o *OpenSSH) RsyncArguments(src, dst string, opts transports.TransferOptions) []string {
	args := []string{"-azP"}
	args = append(args, opts.Options...)

	shell := o.Binary
	if sshArgs := o.Arguments(); len(sshArgs) > 0 {
		shell += " " + transports.ShellJoin(sshArgs)
	}
	args = append(args, "-e", shell)

	if o.config.Become != "" {
		args = append(args, "--rsync-path=sudo -H -u "+transports.ShellQuote(o.config.Become)+" rsync")
	}
	return append(args, src, dst)
}

func (o *OpenSSH) rsync(ctx context.Context, op, src, dst string, opts transports.TransferOptions) (*transports.TransferResult, error) {
	result := &transports.TransferResult{StartedAt: time.Now()}
	args := o.RsyncArguments(src, dst, opts)

	log.Debug().Str("host", o.config.Host).Strs("args", args).Msgf("%s via rsync", op)

	res, err := o.runner(ctx, o.Rsync, args, nil)
	if err != nil {
		return nil, &transports.TransportError{Op: op, Err: err}
	}

	result.Output = strings.TrimSpace(res.Stdout + res.Stderr)
	result.Duration = time.Since(result.StartedAt)
	if res.ExitCode != 0 {
		return nil, &transports.TransportError{
			Op:          op,
			Err:         &transports.ExitError{Command: o.Rsync, ExitCode: res.ExitCode},
			Output:      strings.TrimSpace(res.Stderr),
			IsTemporary: res.ExitCode == ExitCodeConnection,
		}
	}
	return result, nil
}

// Close is a no-op: every command runs in its own ssh process.
func (o *OpenSSH) Close() error {
	return nil
}

func runProgram(ctx context.Context, name string, args []string, stdin io.Reader) (*transports.ExecResult, error) {
	c := exec.CommandContext(ctx, name, args...)
	c.WaitDelay = 2 * time.Second
	c.Stdin = stdin

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
		return nil, ctxErr
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return nil, err
	}
	return result, nil
}
