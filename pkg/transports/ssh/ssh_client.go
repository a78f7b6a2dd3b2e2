package ssh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/shipyard/pkg/transports"
)

// SSHClient reaches a host with the in-process SSH client. Commands run in one
// session each; files move over SFTP.
type SSHClient struct {
	config *Config

	connMu      sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
	stopKeep    chan struct{}
}

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &SSHClient{config: config}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, closer, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &transports.TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: true,
		}
	}
	defer closer.Close()

	if c.config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		return err
	}

	c.isConnected = true
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt
	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}
	return nil
}

// connectDirect establishes a direct SSH connection.
func (c *SSHClient) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		done <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return &transports.TransportError{Op: "connect", Err: ctx.Err()}
	case r := <-done:
		if r.err != nil {
			return &transports.TransportError{
				Op:          "connect",
				Err:         r.err,
				IsTemporary: true,
			}
		}
		c.client = r.client
		log.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// connectViaProxy establishes an SSH connection through a proxy/jump host.
func (c *SSHClient) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig := &Config{
		Host:                  c.config.ProxyHost,
		Port:                  c.config.ProxyPort,
		User:                  c.config.ProxyUser,
		AuthMethod:            c.config.ProxyAuthMethod,
		Password:              c.config.ProxyPassword,
		PrivateKeyPath:        c.config.ProxyPrivateKeyPath,
		ConnectionTimeout:     c.config.ConnectionTimeout,
		StrictHostKeyChecking: c.config.StrictHostKeyChecking,
		KnownHostsPath:        c.config.KnownHostsPath,
	}

	proxyClientConfig, closer, err := proxyConfig.BuildSSHClientConfig()
	if err != nil {
		return fmt.Errorf("failed to build proxy config: %w", err)
	}
	defer closer.Close()

	log.Debug().Str("proxy", proxyConfig.Address()).Msg("connecting to proxy host")

	proxyClient, err := ssh.Dial("tcp", proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		return &transports.TransportError{Op: "connect-proxy", Err: err, IsTemporary: true}
	}

	targetAddress := c.config.Address()
	proxyConn, err := proxyClient.DialContext(ctx, "tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return &transports.TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(proxyConn, targetAddress, targetConfig)
	if err != nil {
		_ = proxyConn.Close()
		_ = proxyClient.Close()
		return &transports.TransportError{
			Op:          "connect-via-proxy",
			Err:         err,
			IsTemporary: true,
			IsAuthError: true,
		}
	}

	c.client = ssh.NewClient(ncc, chans, reqs)
	c.proxy = proxyClient

	log.Info().Str("target", targetAddress).Str("proxy", proxyConfig.Address()).Msg("SSH connection established via proxy")
	return nil
}

// Close closes the SSH connection and releases all resources.
func (c *SSHClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &transports.TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	err := c.client.Close()
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	c.client = nil
	c.isConnected = false
	return err
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return &transports.TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}
	return c.healthCheckInternal()
}

// healthCheckInternal must be called with connMu held.
func (c *SSHClient) healthCheckInternal() error {
	session, err := c.client.NewSession()
	if err != nil {
		return &transports.TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &transports.TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

// keepAlive sends periodic keep-alive requests until stop is closed.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Str("host", c.config.Host).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
		c.touch()
	}
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

func (c *SSHClient) touch() {
	c.connMu.Lock()
	c.lastUsedAt = time.Now()
	c.connMu.Unlock()
}

// getClient returns the underlying SSH client, connecting on first use.
func (c *SSHClient) getClient(ctx context.Context) (*ssh.Client, error) {
	if !c.IsConnected() {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if !c.isConnected || c.client == nil {
		return nil, &transports.TransportError{Op: "get-client", Err: fmt.Errorf("not connected")}
	}
	c.lastUsedAt = time.Now()
	return c.client, nil
}
