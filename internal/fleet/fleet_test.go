package fleet

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebowwa/mcp-ssh-manager/internal/config"
	"github.com/ebowwa/mcp-ssh-manager/internal/database"
	"github.com/ebowwa/mcp-ssh-manager/internal/fleeterr"
	"github.com/ebowwa/mcp-ssh-manager/internal/orchestrator"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshaudit"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshexec"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshtest"
)

func testSettings(t *testing.T) config.Settings {
	t.Helper()
	return config.Settings{
		DataPath:               t.TempDir(),
		AutoAcceptUnknownHosts: true,
		ConnectTimeout:         5 * time.Second,
		KeepaliveInterval:      -1,
		CommandTimeout:         10 * time.Second,
		TimeoutGrace:           time.Second,
		TimeoutDisconnect:      true,
		SessionIdleTimeout:     time.Minute,
		SessionSweepSchedule:   "@every 1m",
		TunnelHealthInterval:   time.Second,
		TunnelMaxAttempts:      3,
		TunnelBackoffInitial:   10 * time.Millisecond,
		TunnelBackoffMax:       50 * time.Millisecond,
		GroupParallelLimit:     4,
		AuditRetentionDays:     30,
	}
}

func newTestFleet(t *testing.T, cfg config.Settings, servers ...string) *Fleet {
	t.Helper()
	var profiles []config.ServerProfile
	for _, name := range servers {
		srv := sshtest.New(t)
		profiles = append(profiles, srv.Profile(t, name))
	}
	inv, err := config.NewInventory(profiles...)
	require.NoError(t, err)

	db, err := database.Open(database.MemoryPath)
	require.NoError(t, err)

	f, err := New(cfg, Options{DB: db, Inventory: inv})
	require.NoError(t, err)
	t.Cleanup(func() {
		f.Close()
		sshaudit.ResetGlobalForTest()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return f
}

func TestNewRequiresDatabase(t *testing.T) {
	inv, err := config.NewInventory()
	require.NoError(t, err)
	_, err = New(testSettings(t), Options{Inventory: inv})
	assert.Error(t, err)
}

func TestNewGeneratesFleetKey(t *testing.T) {
	f := newTestFleet(t, testSettings(t), "web1")
	assert.True(t, strings.HasPrefix(string(f.PublicKey), "ssh-ed25519 "))
}

func TestExecRecordsHistoryAndAudit(t *testing.T) {
	f := newTestFleet(t, testSettings(t), "web1")
	ctx := context.Background()

	res, err := f.Exec(ctx, "web1", "echo hello", sshexec.Options{})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)

	res, err = f.Exec(ctx, "web1", "exit 4", sshexec.Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.ExitCode)

	hist, err := f.History("web1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "exit 4", hist[0].Command)
	assert.Equal(t, 4, hist[0].ExitCode)

	audit, err := f.Audit.Query(sshaudit.QueryOptions{EventType: sshaudit.EventCommandExecution})
	require.NoError(t, err)
	assert.Equal(t, int64(2), audit.Total)
	audit, err = f.Audit.Query(sshaudit.QueryOptions{EventType: sshaudit.EventConnectionEstablished})
	require.NoError(t, err)
	assert.Equal(t, int64(1), audit.Total, "commands share one connection")
	audit, err = f.Audit.Query(sshaudit.QueryOptions{EventType: sshaudit.EventTrustRecorded})
	require.NoError(t, err)
	assert.Equal(t, int64(1), audit.Total)
}

func TestExecUnknownServer(t *testing.T) {
	f := newTestFleet(t, testSettings(t), "web1")
	_, err := f.Exec(context.Background(), "ghost", "true", sshexec.Options{})
	assert.ErrorIs(t, err, fleeterr.NotFound)
}

func TestStrictPolicyNeedsScan(t *testing.T) {
	cfg := testSettings(t)
	cfg.AutoAcceptUnknownHosts = false
	f := newTestFleet(t, cfg, "web1")
	ctx := context.Background()

	check := f.TestConnection(ctx, "web1")
	assert.False(t, check.OK)
	assert.Equal(t, fleeterr.KindTrustViolation, check.Kind)

	p, err := f.Inventory.ResolveServer("web1")
	require.NoError(t, err)
	scan, err := f.ScanHost(ctx, p.Host, p.Port, true)
	require.NoError(t, err)
	assert.Equal(t, "unknown", scan.Status)
	assert.True(t, scan.Recorded)
	require.NotEmpty(t, scan.Fingerprints)

	again, err := f.ScanHost(ctx, p.Host, p.Port, true)
	require.NoError(t, err)
	assert.Equal(t, "trusted", again.Status)
	assert.False(t, again.Recorded)

	check = f.TestConnection(ctx, "web1")
	assert.True(t, check.OK, check.Error)
	assert.Equal(t, scan.Fingerprints[0].Digest, check.HostKey.Digest)
}

func TestServersReportStatus(t *testing.T) {
	f := newTestFleet(t, testSettings(t), "web2", "web1")
	_, err := f.Exec(context.Background(), "web1", "true", sshexec.Options{})
	require.NoError(t, err)

	servers := f.Servers()
	require.Len(t, servers, 2)
	assert.Equal(t, "web1", servers[0].Name)
	assert.True(t, servers[0].Status.Connected)
	assert.False(t, servers[1].Status.Connected)

	_, err = f.Server("nope")
	assert.ErrorIs(t, err, fleeterr.NotFound)
}

func TestExecGroupAllCountsMetrics(t *testing.T) {
	f := newTestFleet(t, testSettings(t), "web1", "web2", "web3")

	res, err := f.ExecGroup(context.Background(), config.AllGroup, "echo ok", orchestrator.Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Succeeded)

	rec := httptest.NewRecorder()
	f.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `sshmgr_group_runs_total{outcome="true",strategy="parallel"} 1`)
	assert.Contains(t, string(body), "sshmgr_connections 3")
}

func TestSessionCommandsReachHistory(t *testing.T) {
	f := newTestFleet(t, testSettings(t), "web1")
	ctx := context.Background()

	s, err := f.Sessions.Start(ctx, "web1", "")
	require.NoError(t, err)
	_, err = f.Sessions.Send(ctx, s.ID, "cd /tmp", 0)
	require.NoError(t, err)
	res, err := f.Sessions.Send(ctx, s.ID, "pwd", 0)
	require.NoError(t, err)
	assert.Equal(t, "/tmp", strings.TrimSpace(res.Stdout))

	hist, err := f.History("web1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, s.ID, hist[0].SessionID)
	assert.Equal(t, "pwd", hist[0].Command)
}

func TestStartAndShutdown(t *testing.T) {
	f := newTestFleet(t, testSettings(t), "web1")
	require.NoError(t, f.Start())
	_, err := f.Sessions.Start(context.Background(), "web1", "main")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.Shutdown(ctx))
	assert.Zero(t, f.Sessions.Count())
	assert.Empty(t, f.Conns.Servers())
}
