package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebowwa/mcp-ssh-manager/internal/config"
	"github.com/ebowwa/mcp-ssh-manager/internal/database"
	"github.com/ebowwa/mcp-ssh-manager/internal/fleet"
	"github.com/ebowwa/mcp-ssh-manager/internal/orchestrator"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshaudit"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshexec"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshtest"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshtunnel"
)

func setupTestServer(t *testing.T, servers ...string) *httptest.Server {
	t.Helper()
	var profiles []config.ServerProfile
	for _, name := range servers {
		profiles = append(profiles, sshtest.New(t).Profile(t, name))
	}
	inv, err := config.NewInventory(profiles...)
	require.NoError(t, err)
	db, err := database.Open(database.MemoryPath)
	require.NoError(t, err)

	cfg := config.Settings{
		DataPath:               t.TempDir(),
		AutoAcceptUnknownHosts: true,
		ConnectTimeout:         5 * time.Second,
		KeepaliveInterval:      -1,
		CommandTimeout:         10 * time.Second,
		TimeoutGrace:           time.Second,
		SessionIdleTimeout:     time.Minute,
		SessionSweepSchedule:   "@every 1m",
		TunnelHealthInterval:   time.Second,
		TunnelMaxAttempts:      3,
		TunnelBackoffInitial:   10 * time.Millisecond,
		TunnelBackoffMax:       50 * time.Millisecond,
		GroupParallelLimit:     4,
	}
	f, err := fleet.New(cfg, fleet.Options{DB: db, Inventory: inv})
	require.NoError(t, err)
	Fleet = f

	ts := httptest.NewServer(Router())
	t.Cleanup(func() {
		ts.Close()
		f.Close()
		Fleet = nil
		sshaudit.ResetGlobalForTest()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func TestHealthAndMetrics(t *testing.T) {
	ts := setupTestServer(t, "web1")

	resp, body := do(t, ts, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, float64(1), health["servers"])

	resp, body = do(t, ts, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "sshmgr_sessions_active")
}

func TestServersAndExec(t *testing.T) {
	ts := setupTestServer(t, "web1")

	resp, body := do(t, ts, "POST", "/api/v1/servers/web1/exec", execRequest{Command: "echo hi; exit 3"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res sshexec.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, 3, res.ExitCode)

	resp, body = do(t, ts, "GET", "/api/v1/servers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var servers []fleet.ServerInfo
	require.NoError(t, json.Unmarshal(body, &servers))
	require.Len(t, servers, 1)
	assert.True(t, servers[0].Status.Connected)

	resp, body = do(t, ts, "GET", "/api/v1/servers/web1/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist []database.CommandHistory
	require.NoError(t, json.Unmarshal(body, &hist))
	require.Len(t, hist, 1)

	resp, _ = do(t, ts, "POST", "/api/v1/servers/web1/test", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, ts, "GET", "/api/v1/servers/web1/events", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestErrorStatusMapping(t *testing.T) {
	ts := setupTestServer(t, "web1")

	resp, body := do(t, ts, "POST", "/api/v1/servers/ghost/exec", execRequest{Command: "true"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var eb errorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	assert.Equal(t, "NotFound", eb.Kind.String())

	resp, body = do(t, ts, "POST", "/api/v1/servers/web1/exec", execRequest{Command: "sleep 5", Timeout: "200ms"})
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode, string(body))

	resp, _ = do(t, ts, "POST", "/api/v1/servers/web1/exec", map[string]string{"cmd": "ls"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, ts, "POST", "/api/v1/servers/web1/exec", execRequest{Command: "ls", Timeout: "soon"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGroupsEndpoints(t *testing.T) {
	ts := setupTestServer(t, "web1", "web2")

	resp, body := do(t, ts, "PUT", "/api/v1/groups/web", saveGroupRequest{Members: []string{"web1", "web2"}, Strategy: "sequential"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = do(t, ts, "PUT", "/api/v1/groups/bad", saveGroupRequest{Members: []string{"ghost"}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, string(body))

	resp, body = do(t, ts, "GET", "/api/v1/groups", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var groups []orchestrator.Definition
	require.NoError(t, json.Unmarshal(body, &groups))
	require.Len(t, groups, 2)
	assert.Equal(t, config.AllGroup, groups[0].Name)

	resp, body = do(t, ts, "POST", "/api/v1/groups/web/exec", groupExecRequest{Command: "echo ok"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res orchestrator.GroupResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Success)
	assert.Equal(t, orchestrator.Sequential, res.Strategy)

	resp, body = do(t, ts, "POST", "/api/v1/groups/all/exec", groupExecRequest{Command: `test "$(hostname)" = never`})
	require.Equal(t, http.StatusMultiStatus, resp.StatusCode, string(body))
	res = orchestrator.GroupResult{}
	require.NoError(t, json.Unmarshal(body, &res))
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Hosts, 2)

	resp, _ = do(t, ts, "DELETE", "/api/v1/groups/all", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, ts, "DELETE", "/api/v1/groups/web", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, ts, "GET", "/api/v1/groups/web", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionEndpointsAndWebsocket(t *testing.T) {
	ts := setupTestServer(t, "web1")

	resp, body := do(t, ts, "POST", "/api/v1/sessions", startSessionRequest{Server: "web1", Name: "main"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var info struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &info))

	resp, body = do(t, ts, "POST", "/api/v1/sessions/main/send", sendRequest{Command: "cd /tmp"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/sessions/" + info.ID + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("pwd")))
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var reply struct {
		Result struct {
			Stdout string `json:"stdout"`
		} `json:"result"`
		Error *wsReplyError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Nil(t, reply.Error)
	assert.Equal(t, "/tmp", strings.TrimSpace(reply.Result.Stdout))
	conn.Close(websocket.StatusNormalClosure, "")

	resp, body = do(t, ts, "GET", "/api/v1/sessions/"+info.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"command":"pwd"`)

	resp, _ = do(t, ts, "DELETE", "/api/v1/sessions/"+info.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, ts, "DELETE", "/api/v1/sessions/"+info.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, ts, "POST", "/api/v1/sessions/nope/send", sendRequest{Command: "ls"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTunnelEndpoints(t *testing.T) {
	ts := setupTestServer(t, "web1")

	resp, body := do(t, ts, "POST", "/api/v1/tunnels", map[string]interface{}{
		"server": "web1", "kind": "dynamic", "bind_port": 0,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var info sshtunnel.Info
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, sshtunnel.HealthUp, info.Health)
	assert.NotEmpty(t, info.Bound)

	resp, _ = do(t, ts, "POST", "/api/v1/tunnels", map[string]interface{}{"server": "web1", "kind": "sideways"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, ts, "GET", "/api/v1/tunnels", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []sshtunnel.Info
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	resp, _ = do(t, ts, "DELETE", "/api/v1/tunnels/"+info.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, ts, "DELETE", "/api/v1/tunnels/"+info.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestFileEndpoints(t *testing.T) {
	ts := setupTestServer(t, "web1")
	dir := t.TempDir()
	target := filepath.Join(dir, "conf", "app.ini")

	req, err := http.NewRequest("PUT", ts.URL+"/api/v1/servers/web1/files/upload?mode=600&path="+target, strings.NewReader("k=v\n"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	st, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	resp, body := do(t, ts, "GET", "/api/v1/servers/web1/files/download?path="+target, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "k=v\n", string(body))
	assert.Equal(t, `attachment; filename="app.ini"`, resp.Header.Get("Content-Disposition"))

	resp, body = do(t, ts, "GET", "/api/v1/servers/web1/files?path="+filepath.Join(dir, "conf"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"name":"app.ini"`)

	resp, _ = do(t, ts, "GET", "/api/v1/servers/web1/files/download?path="+filepath.Join(dir, "missing"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, ts, "GET", "/api/v1/servers/web1/files", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, ts, "GET", "/api/v1/audit?event_type="+sshaudit.EventFileOperation, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var audit sshaudit.QueryResult
	require.NoError(t, json.Unmarshal(body, &audit))
	assert.Equal(t, int64(2), audit.Total)
}

func TestTrustEndpoints(t *testing.T) {
	ts := setupTestServer(t, "web1")
	p, err := Fleet.Inventory.ResolveServer("web1")
	require.NoError(t, err)

	resp, body := do(t, ts, "POST", "/api/v1/trust/scan", scanRequest{Host: p.Host, Port: p.Port, Record: true})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var scan fleet.ScanResult
	require.NoError(t, json.Unmarshal(body, &scan))
	assert.True(t, scan.Recorded)

	resp, body = do(t, ts, "GET", "/api/v1/trust", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), p.Host)

	resp, _ = do(t, ts, "DELETE", "/api/v1/trust/"+p.Host+"/"+strconv.Itoa(p.Port), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, ts, "DELETE", "/api/v1/trust/"+p.Host+"/notaport", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, ts, "GET", "/api/v1/audit?event_type=trust_forgotten", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"total":1`)

	resp, _ = do(t, ts, "GET", "/api/v1/audit?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogEndpoints(t *testing.T) {
	ts := setupTestServer(t, "web1")
	logPath := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(logPath, []byte("one\ntwo\nthree\n"), 0o644))

	resp, body := do(t, ts, "GET", "/api/v1/servers/web1/logs?follow=false&lines=2&path="+logPath, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "data: two\n\ndata: three\n\nevent: eof\ndata:\n\n", string(body))

	resp, _ = do(t, ts, "GET", "/api/v1/servers/web1/logs?path="+logPath+".missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, ts, "GET", "/api/v1/servers/web1/logs?lines=x&path="+logPath, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, ts, "GET", "/api/v1/servers/web1/logs/available?path="+logPath+"&path=/nonexistent.log", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var avail struct {
		Files []string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(body, &avail))
	assert.Equal(t, []string{logPath}, avail.Files)
}
