// Package ssh reaches remote hosts over SSH. SSHClient speaks the protocol
// in-process and moves files over SFTP; OpenSSH drives the system ssh and rsync
// binaries so the user's ssh_config, multiplexing and agent forwarding apply.
package ssh

import (
	"time"

	"github.com/openfroyo/shipyard/pkg/transports"
)

var (
	_ transports.Transport = (*SSHClient)(nil)
	_ transports.Transport = (*OpenSSH)(nil)
)

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port number
	Port int

	// User is the SSH username
	User string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when the connection was last used
	LastActivity time.Time
}

// wrapBecome runs cmd as user through sudo, with that user's home and login
// environment.
func wrapBecome(cmd, user string) string {
	if user == "" {
		return cmd
	}
	return "sudo -H -u " + transports.ShellQuote(user) + " bash -c " + transports.ShellQuote(cmd)
}
