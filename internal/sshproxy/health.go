// health.go tracks per-connection health counters and runs end-to-end
// checks. Keepalives (manager.go) catch dead transports; a health check
// additionally proves that the server can run a command.

package sshproxy

import (
	"context"
	"sync"
	"time"

	"github.com/ebowwa/mcp-ssh-manager/internal/fleeterr"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshkeys"
)

const (
	healthCheckTimeout = 5 * time.Second
	healthCheckCommand = "echo ping"
)

// ConnectionMetrics tracks health counters for one connection.
type ConnectionMetrics struct {
	mu               sync.Mutex
	ConnectedAt      time.Time `json:"connected_at"`
	LastKeepalive    time.Time `json:"last_keepalive,omitempty"`
	LastHealthCheck  time.Time `json:"last_health_check,omitempty"`
	SuccessfulChecks int64     `json:"successful_checks"`
	FailedChecks     int64     `json:"failed_checks"`
	KeepalivesSent   int64     `json:"keepalives_sent"`
	KeepalivesFailed int64     `json:"keepalives_failed"`
}

// Uptime returns how long the connection has been established.
func (cm *ConnectionMetrics) Uptime() time.Duration {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.ConnectedAt.IsZero() {
		return 0
	}
	return time.Since(cm.ConnectedAt)
}

// Snapshot returns a copy safe to hand to other goroutines.
func (cm *ConnectionMetrics) Snapshot() ConnectionMetrics {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return ConnectionMetrics{
		ConnectedAt:      cm.ConnectedAt,
		LastKeepalive:    cm.LastKeepalive,
		LastHealthCheck:  cm.LastHealthCheck,
		SuccessfulChecks: cm.SuccessfulChecks,
		FailedChecks:     cm.FailedChecks,
		KeepalivesSent:   cm.KeepalivesSent,
		KeepalivesFailed: cm.KeepalivesFailed,
	}
}

func (cm *ConnectionMetrics) recordKeepalive(ok bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.KeepalivesSent++
	if ok {
		cm.LastKeepalive = time.Now()
	} else {
		cm.KeepalivesFailed++
	}
}

func (cm *ConnectionMetrics) recordCheck(ok bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.LastHealthCheck = time.Now()
	if ok {
		cm.SuccessfulChecks++
	} else {
		cm.FailedChecks++
	}
}

// CheckResult is the outcome of TestConnection.
type CheckResult struct {
	Server  string              `json:"server"`
	OK      bool                `json:"ok"`
	Latency time.Duration       `json:"latency"`
	HostKey sshkeys.Fingerprint `json:"host_key,omitempty"`
	Kind    fleeterr.Kind       `json:"kind,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// HealthCheck runs a trivial command over c and records the outcome. A
// check that hangs tears the connection down so the next acquire redials.
func (m *ConnectionManager) HealthCheck(ctx context.Context, c *Connection) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	session, err := c.NewSession()
	if err != nil {
		c.metrics.recordCheck(false)
		m.emit(c.Server, EventHealthCheckFailed, err.Error(), 0)
		return err
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() {
		_, err := session.Output(healthCheckCommand)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			c.metrics.recordCheck(false)
			m.emit(c.Server, EventHealthCheckFailed, err.Error(), 0)
			return c.Lost("health check", err)
		}
		c.metrics.recordCheck(true)
		return nil
	case <-ctx.Done():
		c.metrics.recordCheck(false)
		m.emit(c.Server, EventHealthCheckFailed, "timed out", healthCheckTimeout)
		m.teardown(c, "health check timed out")
		return fleeterr.New(fleeterr.KindTimeout, "health check", ctx.Err()).
			WithTarget(c.Server, c.Profile.Host, c.Profile.Port)
	}
}

// TestConnection acquires server and runs a health check over it, reporting
// the result instead of failing.
func (m *ConnectionManager) TestConnection(ctx context.Context, server string) CheckResult {
	start := time.Now()
	res := CheckResult{Server: server}
	c, err := m.Acquire(ctx, server)
	if err == nil {
		res.HostKey = c.HostKey
		err = m.HealthCheck(ctx, c)
	}
	res.Latency = time.Since(start)
	if err != nil {
		res.Kind = fleeterr.KindOf(err)
		res.Error = err.Error()
		return res
	}
	res.OK = true
	return res
}

// ServerStatus summarizes one server for status listings.
type ServerStatus struct {
	Server      string             `json:"server"`
	State       ConnectionState    `json:"state"`
	Connected   bool               `json:"connected"`
	HostKey     string             `json:"host_key,omitempty"`
	Metrics     *ConnectionMetrics `json:"metrics,omitempty"`
	RateLimit   *RateState         `json:"rate_limit,omitempty"`
	LastChanged time.Time          `json:"last_changed,omitempty"`
}

// Status reports the state and, when live, the metrics of server.
func (m *ConnectionManager) Status(server string) ServerStatus {
	st := ServerStatus{Server: server, State: m.State(server)}
	if c, ok := m.Lookup(server); ok {
		snap := c.metrics.Snapshot()
		st.Connected = true
		st.HostKey = c.HostKey.String()
		st.Metrics = &snap
	}
	if m.opts.Limiter != nil {
		rs := m.opts.Limiter.State(server)
		st.RateLimit = &rs
	}
	if tr := m.Transitions(server); len(tr) > 0 {
		st.LastChanged = tr[len(tr)-1].Timestamp
	}
	return st
}
