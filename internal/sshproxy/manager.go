// Package sshproxy owns the SSH transports of the fleet.
//
// ConnectionManager keeps at most one live, authenticated connection per
// named server and hands it out to every caller. Concurrent acquires for the
// same server collapse into a single dial. A dropped transport is noticed
// through the client's Wait and by periodic keepalives; the next acquire
// dials again. Host keys are checked against the trust store on every
// handshake.
package sshproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ebowwa/mcp-ssh-manager/internal/config"
	"github.com/ebowwa/mcp-ssh-manager/internal/fleeterr"
	"github.com/ebowwa/mcp-ssh-manager/internal/keylock"
	"github.com/ebowwa/mcp-ssh-manager/internal/logging"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshkeys"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshtrust"
)

const (
	defaultDialTimeout       = 15 * time.Second
	defaultKeepaliveInterval = 30 * time.Second
	keepaliveTimeout         = 10 * time.Second
)

// HostKeyPolicy decides what happens when a server presents a key the trust
// store has never seen.
type HostKeyPolicy int

const (
	// RejectUnknownHosts fails the handshake with TrustViolation.
	RejectUnknownHosts HostKeyPolicy = iota
	// AcceptUnknownHosts records the key on first contact.
	AcceptUnknownHosts
)

func (p HostKeyPolicy) String() string {
	if p == AcceptUnknownHosts {
		return "accept-unknown"
	}
	return "reject-unknown"
}

// Resolver maps a server name to its connection profile.
type Resolver interface {
	ResolveServer(name string) (config.ServerProfile, error)
}

// DialFunc opens the TCP connection underneath SSH.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options tune a ConnectionManager. Zero values pick defaults.
type Options struct {
	// FleetKey is offered when a profile names no explicit credential.
	FleetKey ssh.Signer
	// DialTimeout bounds TCP connect plus SSH handshake.
	DialTimeout time.Duration
	// KeepaliveInterval is the keepalive period; negative disables keepalives.
	KeepaliveInterval time.Duration
	// Limiter throttles connection attempts per server. Nil disables it.
	Limiter *RateLimiter
	// Dial replaces the TCP dialer, mainly for tests.
	Dial DialFunc
}

// ConnectionManager is the single owner of SSH connections.
type ConnectionManager struct {
	resolver Resolver
	trust    *sshtrust.Store
	policy   HostKeyPolicy
	opts     Options

	flight *keylock.Locker

	mu       sync.RWMutex
	conns    map[string]*Connection
	shutdown bool

	states *stateTracker
	events *eventLog
}

// NewConnectionManager builds a manager. policy is explicit so that trusting
// unknown hosts is always a visible decision of the caller.
func NewConnectionManager(resolver Resolver, trust *sshtrust.Store, policy HostKeyPolicy, opts Options) *ConnectionManager {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.KeepaliveInterval == 0 {
		opts.KeepaliveInterval = defaultKeepaliveInterval
	}
	if opts.Dial == nil {
		d := &net.Dialer{}
		opts.Dial = d.DialContext
	}
	return &ConnectionManager{
		resolver: resolver,
		trust:    trust,
		policy:   policy,
		opts:     opts,
		flight:   keylock.New(),
		conns:    make(map[string]*Connection),
		states:   newStateTracker(),
		events:   newEventLog(),
	}
}

// Policy returns the host key policy the manager was built with.
func (m *ConnectionManager) Policy() HostKeyPolicy { return m.policy }

// Acquire returns the live connection for server, dialing if needed.
//
// Concurrent callers for the same server share one dial and receive the same
// *Connection. A caller whose ctx ends stops waiting; the dial itself is
// bounded only by the dial timeout so that other waiters still get a result.
func (m *ConnectionManager) Acquire(ctx context.Context, server string) (*Connection, error) {
	if c := m.canonical(server); c != nil {
		return c, nil
	}
	v, err := m.flight.DoContext(ctx, server, func() (any, error) {
		if c := m.canonical(server); c != nil {
			return c, nil
		}
		return m.connect(context.WithoutCancel(ctx), server)
	})
	if err != nil {
		var fe *fleeterr.Error
		if !errors.As(err, &fe) && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, fleeterr.New(fleeterr.KindTimeout, "acquire", err).WithTarget(server, "", 0)
		}
		return nil, err
	}
	return v.(*Connection), nil
}

// Lookup returns the live connection for server without dialing.
func (m *ConnectionManager) Lookup(server string) (*Connection, bool) {
	c := m.canonical(server)
	return c, c != nil
}

func (m *ConnectionManager) canonical(server string) *Connection {
	m.mu.RLock()
	c := m.conns[server]
	m.mu.RUnlock()
	if c != nil && c.Usable() {
		return c
	}
	return nil
}

func (m *ConnectionManager) connect(ctx context.Context, server string) (*Connection, error) {
	m.mu.RLock()
	down := m.shutdown
	m.mu.RUnlock()
	if down {
		return nil, fleeterr.Newf(fleeterr.KindConnectionLost, "acquire", "connection manager is shut down").WithTarget(server, "", 0)
	}

	profile, err := m.resolver.ResolveServer(server)
	if err != nil {
		return nil, err
	}
	log := logging.ForServer("sshproxy", server)
	fail := func(kind fleeterr.Kind, cause error, start time.Time) error {
		fe := fleeterr.New(kind, "acquire", cause).WithTarget(server, profile.Host, profile.Port)
		fe.Duration = time.Since(start)
		m.states.setState(server, StateFailed, cause.Error())
		m.emit(server, EventConnectFailed, fe.Error(), fe.Duration)
		if m.opts.Limiter != nil {
			m.opts.Limiter.RecordFailure(server)
		}
		log.Warn().Err(cause).Str("kind", kind.String()).Msg("connect failed")
		return fe
	}

	if m.opts.Limiter != nil {
		if err := m.opts.Limiter.Allow(server); err != nil {
			m.emit(server, EventRateLimited, err.Error(), 0)
			return nil, fleeterr.New(fleeterr.KindConnectionLost, "acquire", err).WithTarget(server, profile.Host, profile.Port)
		}
	}

	start := time.Now()
	m.states.setState(server, StateConnecting, "dialing "+profile.Addr())

	creds, err := sshkeys.AuthMethods(profile, m.opts.FleetKey)
	if err != nil {
		return nil, fail(fleeterr.KindAuthenticationFailed, err, start)
	}
	defer creds.Close()

	// Offer only the key types on record so the server presents a key that
	// can be compared.
	hostKeyAlgs, err := m.trust.HostKeyAlgorithms(profile.Host, profile.Port)
	if err != nil {
		return nil, fail(fleeterr.KindUnknown, err, start)
	}

	var (
		hostKey  sshkeys.Fingerprint
		trustErr error
	)
	cfg := &ssh.ClientConfig{
		User: profile.User,
		Auth: creds.Methods,
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			hostKey = sshkeys.FingerprintOf(key)
			_, err := m.trust.Check(profile.Host, profile.Port, []sshkeys.Fingerprint{hostKey}, m.policy == AcceptUnknownHosts)
			if err != nil {
				trustErr = err
			}
			return err
		},
		HostKeyAlgorithms: hostKeyAlgs,
		Timeout:           m.opts.DialTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()
	netConn, err := m.opts.Dial(dialCtx, "tcp", profile.Addr())
	if err != nil {
		return nil, fail(classifyDial(err), err, start)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, profile.Addr(), cfg)
	if err != nil {
		netConn.Close()
		if trustErr != nil {
			return nil, fail(fleeterr.KindTrustViolation, trustErr, start)
		}
		if hostKeyAlgs != nil && strings.Contains(err.Error(), "no common algorithm for host key") {
			return nil, fail(fleeterr.KindTrustViolation,
				fmt.Errorf("server offers none of the trusted host key types %v: %w", hostKeyAlgs, err), start)
		}
		return nil, fail(classifyHandshake(err), err, start)
	}
	netConn.SetDeadline(time.Time{})

	conn := newConnection(m, profile, ssh.NewClient(sshConn, chans, reqs), hostKey)

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		conn.client.Close()
		return nil, fleeterr.Newf(fleeterr.KindConnectionLost, "acquire", "connection manager is shut down").WithTarget(server, profile.Host, profile.Port)
	}
	m.conns[server] = conn
	m.mu.Unlock()

	go conn.watch()
	if m.opts.KeepaliveInterval > 0 {
		go m.keepalive(conn)
	}

	d := time.Since(start)
	if m.opts.Limiter != nil {
		m.opts.Limiter.RecordSuccess(server)
	}
	m.states.setState(server, StateReady, "connected to "+profile.Addr())
	m.emit(server, EventConnected, hostKey.String(), d)
	log.Info().Str("addr", profile.Addr()).Dur("took", d).Msg("connected")
	return conn, nil
}

func classifyDial(err error) fleeterr.Kind {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fleeterr.KindTimeout
	}
	return fleeterr.KindConnectionLost
}

func classifyHandshake(err error) fleeterr.Kind {
	var ne net.Error
	switch {
	case strings.Contains(err.Error(), "unable to authenticate"),
		strings.Contains(err.Error(), "no supported methods remain"):
		return fleeterr.KindAuthenticationFailed
	case errors.As(err, &ne) && ne.Timeout():
		return fleeterr.KindTimeout
	default:
		return fleeterr.KindConnectionLost
	}
}

// Release retires server's connection. Operations holding it finish first;
// the transport closes when the last hold is released. Releasing a server
// with no connection is a no-op.
func (m *ConnectionManager) Release(server string) {
	m.mu.Lock()
	c := m.conns[server]
	delete(m.conns, server)
	m.mu.Unlock()
	if c == nil || !c.Usable() {
		return
	}
	m.states.setState(server, StateClosing, "released")
	m.emit(server, EventReleased, "", 0)
	c.retire("connection released")
}

// ShutdownAll retires every connection and waits for them to close. When ctx
// ends first the remaining transports are closed regardless of holds. After
// ShutdownAll, Acquire fails.
func (m *ConnectionManager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	for _, c := range conns {
		if c.Usable() {
			m.states.setState(c.Server, StateClosing, "shutdown")
		}
		c.retire("connection manager shut down")
	}

	var forced int
	for _, c := range conns {
		select {
		case <-c.done:
			continue
		default:
		}
		select {
		case <-c.done:
		case <-ctx.Done():
			c.mu.Lock()
			c.intent = intentRetire
			c.mu.Unlock()
			c.client.Close()
			<-c.done
			forced++
		}
	}
	logging.Component("sshproxy").Info().Int("connections", len(conns)).Int("forced", forced).Msg("all connections closed")
	if forced > 0 {
		return fmt.Errorf("shutdown: %d connections closed forcibly: %w", forced, ctx.Err())
	}
	return nil
}

// Servers returns the names of servers with a live connection.
func (m *ConnectionManager) Servers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.conns))
	for name, c := range m.conns {
		if c.Usable() {
			out = append(out, name)
		}
	}
	return out
}

func (m *ConnectionManager) teardown(c *Connection, reason string) {
	if !c.forceClose(reason) {
		return
	}
	if m.dropCanonical(c) {
		m.states.compareAndSet(c.Server, StateDisconnected, reason, StateReady)
	}
	m.emit(c.Server, EventTornDown, reason, 0)
	logging.ForServer("sshproxy", c.Server).Warn().Str("reason", reason).Msg("connection torn down")
}

// dropCanonical removes c from the map if it is still the server's
// connection.
func (m *ConnectionManager) dropCanonical(c *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[c.Server] == c {
		delete(m.conns, c.Server)
		return true
	}
	return false
}

func (m *ConnectionManager) transportClosed(c *Connection, intent closeIntent, err error) {
	switch intent {
	case intentRetire:
		m.states.compareAndSet(c.Server, StateClosed, "closed", StateClosing)
		m.emit(c.Server, EventClosed, "", c.metrics.Uptime())
	case intentTeardown:
		// teardown already moved the state.
	default:
		reason := "transport closed"
		if err != nil {
			reason = fmt.Sprintf("transport closed: %v", err)
		}
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		if m.dropCanonical(c) {
			m.states.compareAndSet(c.Server, StateDisconnected, reason, StateReady)
		}
		m.emit(c.Server, EventDisconnected, reason, c.metrics.Uptime())
		logging.ForServer("sshproxy", c.Server).Warn().Str("reason", reason).Msg("connection lost")
	}
}

func (m *ConnectionManager) keepalive(c *Connection) {
	ticker := time.NewTicker(m.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Alive(keepaliveTimeout); err != nil {
				c.metrics.recordKeepalive(false)
				reason := fmt.Sprintf("keepalive failed: %v", err)
				m.emit(c.Server, EventKeepaliveFailed, err.Error(), 0)
				m.teardown(c, reason)
				return
			}
			c.metrics.recordKeepalive(true)
		}
	}
}
