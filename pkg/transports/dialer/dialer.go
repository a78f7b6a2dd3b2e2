// Package dialer picks and opens the transport for a host: the local transport for
// the control machine, and one of the SSH transports for everything else.
package dialer

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/shipyard/pkg/engine"
	"github.com/openfroyo/shipyard/pkg/transports"
	"github.com/openfroyo/shipyard/pkg/transports/local"
	"github.com/openfroyo/shipyard/pkg/transports/ssh"
)

// Options tunes the SSH transports opened by a Dialer.
type Options struct {
	// ConnectionTimeout bounds connection setup. Zero leaves the client default.
	ConnectionTimeout time.Duration

	// CommandTimeout bounds every remote command. Zero means no timeout.
	CommandTimeout time.Duration

	// KnownHostsPath overrides ~/.ssh/known_hosts for the native client.
	KnownHostsPath string

	// InsecureIgnoreHostKey disables host key verification for the native client.
	InsecureIgnoreHostKey bool

	// KeepAliveInterval enables keep-alives on native connections.
	KeepAliveInterval time.Duration
}

// Dialer implements engine.Dialer.
type Dialer struct {
	opts Options
}

var _ engine.Dialer = (*Dialer)(nil)

// New creates a Dialer.
func New(opts Options) *Dialer {
	return &Dialer{opts: opts}
}

// Dial opens the transport for host. Native SSH connections are established
// before Dial returns; OpenSSH transports connect on each command.
func (d *Dialer) Dial(ctx context.Context, host *engine.Host) (transports.Transport, error) {
	if host.IsLocal() {
		return local.New(), nil
	}

	config := d.Config(host)
	switch host.Client {
	case engine.SSHClientNative:
		client, err := ssh.NewSSHClient(config)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", host.Name, err)
		}
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		log.Debug().Str("host", host.Name).Str("address", config.Address()).Msg("native ssh connection established")
		return client, nil

	case engine.SSHClientOpenSSH, "":
		return ssh.NewOpenSSH(config)

	default:
		return nil, fmt.Errorf("host %s: unsupported ssh client %q", host.Name, host.Client)
	}
}

// Config maps a host declaration onto an SSH client configuration.
func (d *Dialer) Config(host *engine.Host) *ssh.Config {
	hostname := host.Hostname
	if hostname == "" {
		hostname = host.Name
	}

	config := ssh.DefaultConfig(hostname, host.User)
	config.Become = host.Become
	config.Arguments = host.SSHArguments
	config.CommandTimeout = d.opts.CommandTimeout
	config.KeepAliveInterval = d.opts.KeepAliveInterval

	if host.IdentityFile != "" {
		config.AuthMethod = ssh.AuthMethodKey
		config.PrivateKeyPath = transports.ExpandLocalHome(host.IdentityFile)
	}
	if d.opts.ConnectionTimeout > 0 {
		config.ConnectionTimeout = d.opts.ConnectionTimeout
	}
	if d.opts.KnownHostsPath != "" {
		config.KnownHostsPath = transports.ExpandLocalHome(d.opts.KnownHostsPath)
	}
	if d.opts.InsecureIgnoreHostKey {
		config.StrictHostKeyChecking = false
	}

	if host.Client == engine.SSHClientNative {
		// The in-process client has no ssh_config to fall back on.
		if config.User == "" {
			config.User = currentUser()
		}
		if host.Port > 0 {
			config.Port = host.Port
		}
	} else {
		// Leave port and timeout to ssh_config unless set on the host.
		config.Port = host.Port
		if d.opts.ConnectionTimeout == 0 {
			config.ConnectionTimeout = 0
		}
	}
	return config
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}
