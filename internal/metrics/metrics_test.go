package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebowwa/mcp-ssh-manager/internal/orchestrator"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshexec"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshproxy"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshterminal"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshtunnel"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestEventCounters(t *testing.T) {
	m := New()
	m.ConnectionEvent(sshproxy.ConnectionEvent{Server: "web1", Type: sshproxy.EventConnected})
	m.ConnectionEvent(sshproxy.ConnectionEvent{Server: "web2", Type: sshproxy.EventConnected})
	m.ExecEvent(sshexec.Event{Server: "web1", Result: &sshexec.Result{ExitCode: 0}, Duration: 200 * time.Millisecond})
	m.ExecEvent(sshexec.Event{Server: "web1", Result: &sshexec.Result{ExitCode: 2}})
	m.ExecEvent(sshexec.Event{Server: "web1", Err: errors.New("lost")})
	m.SessionEvent(sshterminal.Event{Type: sshterminal.EventStarted})
	m.TunnelEvent(sshtunnel.Event{Type: sshtunnel.EventClosed, Health: sshtunnel.HealthClosed,
		Stats: sshtunnel.Stats{BytesIn: 10, BytesOut: 20}})
	m.GroupResult(&orchestrator.GroupResult{Strategy: orchestrator.Parallel, Succeeded: 2, Failed: 1})
	m.GroupResult(nil)

	body := scrape(t, m)
	assert.Contains(t, body, `sshmgr_connection_events_total{event="connected"} 2`)
	assert.Contains(t, body, `sshmgr_commands_total{outcome="success",server="web1"} 1`)
	assert.Contains(t, body, `sshmgr_commands_total{outcome="nonzero",server="web1"} 1`)
	assert.Contains(t, body, `sshmgr_commands_total{outcome="error",server="web1"} 1`)
	assert.Contains(t, body, `sshmgr_command_duration_seconds_count{server="web1"} 3`)
	assert.Contains(t, body, `sshmgr_session_events_total{event="session_started"} 1`)
	assert.Contains(t, body, `sshmgr_tunnel_bytes_total{direction="out"} 20`)
	assert.Contains(t, body, `sshmgr_group_runs_total{outcome="false",strategy="parallel"} 1`)
	assert.Contains(t, body, `sshmgr_group_hosts_total{status="failed"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestWatchGauges(t *testing.T) {
	m := New()
	sessions := 3
	m.WatchGauges(Gauges{
		Connections: func() int { return 2 },
		Sessions:    func() int { return sessions },
		Tunnels: func() []sshtunnel.Info {
			return []sshtunnel.Info{
				{Kind: sshtunnel.KindLocal, Health: sshtunnel.HealthUp},
				{Kind: sshtunnel.KindLocal, Health: sshtunnel.HealthUp},
				{Kind: sshtunnel.KindDynamic, Health: sshtunnel.HealthDead},
			}
		},
	})

	body := scrape(t, m)
	assert.Contains(t, body, "sshmgr_connections 2")
	assert.Contains(t, body, "sshmgr_sessions_active 3")
	assert.Contains(t, body, `sshmgr_tunnels{health="up",kind="local"} 2`)
	assert.Contains(t, body, `sshmgr_tunnels{health="dead",kind="dynamic"} 1`)

	sessions = 0
	assert.Contains(t, scrape(t, m), "sshmgr_sessions_active 0")
}
