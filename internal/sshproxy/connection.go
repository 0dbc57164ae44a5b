package sshproxy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ebowwa/mcp-ssh-manager/internal/config"
	"github.com/ebowwa/mcp-ssh-manager/internal/fleeterr"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshkeys"
)

// closeIntent records why a connection's transport is going away.
type closeIntent int

const (
	intentNone     closeIntent = iota
	intentRetire               // released or shut down; close once unused
	intentTeardown             // forced close after a stuck operation or failed keepalive
)

// Connection is one authenticated SSH transport to a server. Channels
// (exec, shell, forwards, sftp) are multiplexed over it.
//
// Users that keep channels open across calls take a hold with Hold so that
// Release does not cut the transport from under them.
type Connection struct {
	Server  string
	Profile config.ServerProfile
	HostKey sshkeys.Fingerprint

	client  *ssh.Client
	mgr     *ConnectionManager
	metrics *ConnectionMetrics
	done    chan struct{}

	mu     sync.Mutex
	refs   int
	intent closeIntent
	closed bool
	reason string
}

func newConnection(mgr *ConnectionManager, profile config.ServerProfile, client *ssh.Client, hostKey sshkeys.Fingerprint) *Connection {
	return &Connection{
		Server:  profile.Name,
		Profile: profile,
		HostKey: hostKey,
		client:  client,
		mgr:     mgr,
		metrics: &ConnectionMetrics{ConnectedAt: time.Now()},
		done:    make(chan struct{}),
	}
}

// Client returns the underlying SSH client.
func (c *Connection) Client() *ssh.Client { return c.client }

// Done is closed once the transport has shut down for any reason.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Metrics returns a snapshot of the connection's health counters.
func (c *Connection) Metrics() ConnectionMetrics { return c.metrics.Snapshot() }

// Usable reports whether new channels may be opened.
func (c *Connection) Usable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.intent == intentNone
}

// Hold pins the transport open until the returned release func is called.
// It fails with ConnectionLost once the connection has been released, torn
// down, or dropped.
func (c *Connection) Hold() (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.intent != intentNone {
		return nil, c.lostLocked("hold")
	}
	c.refs++
	var once sync.Once
	return func() { once.Do(c.unhold) }, nil
}

func (c *Connection) unhold() {
	c.mu.Lock()
	c.refs--
	shouldClose := c.refs <= 0 && c.intent == intentRetire && !c.closed
	c.mu.Unlock()
	if shouldClose {
		c.client.Close()
	}
}

// NewSession opens an exec/shell channel. A failure is reported as
// ConnectionLost.
func (c *Connection) NewSession() (*ssh.Session, error) {
	if !c.Usable() {
		return nil, c.Lost("open session", nil)
	}
	s, err := c.client.NewSession()
	if err != nil {
		return nil, c.Lost("open session", err)
	}
	return s, nil
}

// Lost builds a ConnectionLost error for this connection.
func (c *Connection) Lost(op string, cause error) *fleeterr.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lostLocked(op)
	if cause != nil {
		e.Err = cause
	}
	return e
}

func (c *Connection) lostLocked(op string) *fleeterr.Error {
	var cause error
	switch {
	case c.reason != "":
		cause = errors.New(c.reason)
	case c.intent == intentRetire:
		cause = errors.New("connection released")
	default:
		cause = errors.New("connection closed")
	}
	return fleeterr.New(fleeterr.KindConnectionLost, op, cause).
		WithTarget(c.Server, c.Profile.Host, c.Profile.Port)
}

// Alive sends a keepalive request and waits up to timeout for the reply.
func (c *Connection) Alive(timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
		errCh <- err
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		return err
	case <-timer.C:
		return fmt.Errorf("keepalive timed out after %s", timeout)
	}
}

// Teardown force-closes the transport. The server moves to Disconnected and
// the next acquire dials fresh. Every operation still using the connection
// fails with ConnectionLost.
func (c *Connection) Teardown(reason string) {
	c.mgr.teardown(c, reason)
}

// retire marks the connection for closing; it closes now when unheld.
func (c *Connection) retire(reason string) {
	c.mu.Lock()
	if c.closed || c.intent != intentNone {
		c.mu.Unlock()
		return
	}
	c.intent = intentRetire
	c.reason = reason
	closeNow := c.refs <= 0
	c.mu.Unlock()
	if closeNow {
		c.client.Close()
	}
}

// forceClose closes the transport regardless of holds. It reports false if
// the connection was already going away.
func (c *Connection) forceClose(reason string) bool {
	c.mu.Lock()
	if c.closed || c.intent == intentTeardown {
		c.mu.Unlock()
		return false
	}
	c.intent = intentTeardown
	c.reason = reason
	c.mu.Unlock()
	c.client.Close()
	return true
}

// watch blocks until the transport ends and reports it to the manager.
func (c *Connection) watch() {
	err := c.client.Wait()
	c.mu.Lock()
	c.closed = true
	intent := c.intent
	c.mu.Unlock()
	close(c.done)
	c.mgr.transportClosed(c, intent, err)
}
