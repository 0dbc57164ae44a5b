// Package sshtunnel supervises port-forwarding tunnels over fleet
// connections.
//
// Local and dynamic tunnels listen on this machine and open a channel per
// accepted client; remote tunnels ask the server to listen and dial the
// target from here. All three kinds share the same supervising loop: a
// periodic health poll, exponential backoff with jitter on failure, and a
// bounded number of attempts after which the tunnel is Dead for good.
package sshtunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebowwa/mcp-ssh-manager/internal/sshproxy"
)

// Kind selects the forwarding direction.
type Kind string

const (
	KindLocal   Kind = "local"   // listen here, dial from the server
	KindRemote  Kind = "remote"  // listen on the server, dial from here
	KindDynamic Kind = "dynamic" // SOCKS5 listener here, dial from the server
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindLocal, KindRemote, KindDynamic:
		return k, nil
	}
	return "", fmt.Errorf("unknown tunnel kind %q", s)
}

// Health is the supervised state of a tunnel.
type Health string

const (
	HealthUp           Health = "up"
	HealthReconnecting Health = "reconnecting"
	HealthDead         Health = "dead"
	HealthClosed       Health = "closed"
)

// Spec describes the two ends of a tunnel. For local and dynamic tunnels
// Bind is on this machine; for remote tunnels it is on the server. Target is
// unused by dynamic tunnels, whose clients name their own destination.
type Spec struct {
	BindHost   string `json:"bind_host"`
	BindPort   int    `json:"bind_port"`
	TargetHost string `json:"target_host,omitempty"`
	TargetPort int    `json:"target_port,omitempty"`
}

func (s Spec) bindAddr() string {
	host := s.BindHost
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(s.BindPort))
}

func (s Spec) targetAddr() string {
	return net.JoinHostPort(s.TargetHost, strconv.Itoa(s.TargetPort))
}

func (s Spec) validate(kind Kind) error {
	if s.BindPort < 0 || s.BindPort > 65535 {
		return fmt.Errorf("bind port %d out of range", s.BindPort)
	}
	if kind == KindDynamic {
		return nil
	}
	if s.TargetHost == "" {
		return fmt.Errorf("%s tunnel needs a target host", kind)
	}
	if s.TargetPort <= 0 || s.TargetPort > 65535 {
		return fmt.Errorf("target port %d out of range", s.TargetPort)
	}
	return nil
}

// Stats are the traffic counters of a tunnel. Everything except Active only
// grows; counters start at zero when the tunnel is opened.
type Stats struct {
	BytesIn     int64 `json:"bytes_in"`  // from the client side into the tunnel
	BytesOut    int64 `json:"bytes_out"` // from the far side back to the client
	Connections int64 `json:"connections"`
	Active      int64 `json:"active"`
	Errors      int64 `json:"errors"`
	Reconnects  int64 `json:"reconnects"`
}

type counters struct {
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
	connections atomic.Int64
	active      atomic.Int64
	errors      atomic.Int64
	reconnects  atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		BytesIn:     c.bytesIn.Load(),
		BytesOut:    c.bytesOut.Load(),
		Connections: c.connections.Load(),
		Active:      c.active.Load(),
		Errors:      c.errors.Load(),
		Reconnects:  c.reconnects.Load(),
	}
}

// Tunnel is one supervised forward.
type Tunnel struct {
	ID        string
	Server    string
	Kind      Kind
	CreatedAt time.Time

	sup    *Supervisor
	stats  counters
	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	spec      Spec
	health    Health
	attempts  int
	lastError string
	changedAt time.Time
	bound     string
	conn      *sshproxy.Connection
	listener  net.Listener
	release   func()
	subs      map[net.Conn]struct{}
	closing   bool
}

// Info is a point-in-time view of a tunnel.
type Info struct {
	ID        string    `json:"id"`
	Server    string    `json:"server"`
	Kind      Kind      `json:"kind"`
	Spec      Spec      `json:"spec"`
	Bound     string    `json:"bound,omitempty"`
	Health    Health    `json:"health"`
	Attempts  int       `json:"attempts,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ChangedAt time.Time `json:"changed_at"`
	Stats     Stats     `json:"stats"`
}

// Info returns a snapshot of the tunnel.
func (t *Tunnel) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		ID:        t.ID,
		Server:    t.Server,
		Kind:      t.Kind,
		Spec:      t.spec,
		Bound:     t.bound,
		Health:    t.health,
		Attempts:  t.attempts,
		LastError: t.lastError,
		CreatedAt: t.CreatedAt,
		ChangedAt: t.changedAt,
		Stats:     t.stats.snapshot(),
	}
}

// Health returns the current supervised state.
func (t *Tunnel) Health() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.health
}

// Stats returns the traffic counters.
func (t *Tunnel) Stats() Stats { return t.stats.snapshot() }

// Addr is the address the tunnel listens on: local for local and dynamic
// tunnels, on the server for remote ones. It is empty while not bound.
func (t *Tunnel) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bound
}

// Done is closed once the supervising loop has exited, either because the
// tunnel was closed or because it died.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

// setHealth records a transition and reports whether it changed anything.
// Dead and Closed are terminal.
func (t *Tunnel) setHealth(h Health, reason string) bool {
	t.mu.Lock()
	if t.health == h || t.health == HealthClosed || (t.health == HealthDead && h != HealthClosed) {
		t.mu.Unlock()
		return false
	}
	t.health = h
	t.changedAt = t.sup.nowFn()
	if reason != "" && h != HealthUp {
		t.lastError = reason
	}
	t.mu.Unlock()
	return true
}

// poke wakes the supervising loop for an immediate health check.
func (t *Tunnel) poke() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}
