package sshtunnel

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"

	"github.com/ebowwa/mcp-ssh-manager/internal/config"
	"github.com/ebowwa/mcp-ssh-manager/internal/fleeterr"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshproxy"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshtest"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshtrust"
)

func newTestSupervisor(t *testing.T) (*sshtest.Server, *Supervisor) {
	t.Helper()
	srv := sshtest.New(t)
	inv, err := config.NewInventory(srv.Profile(t, "web"))
	require.NoError(t, err)
	m := sshproxy.NewConnectionManager(inv, sshtrust.NewStore(sshtrust.NewMemoryBackend()),
		sshproxy.AcceptUnknownHosts, sshproxy.Options{KeepaliveInterval: -1, DialTimeout: time.Second})
	sup := NewSupervisor(m, Config{
		HealthInterval: 50 * time.Millisecond,
		MaxAttempts:    3,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     40 * time.Millisecond,
	})
	t.Cleanup(func() {
		sup.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.ShutdownAll(ctx)
	})
	return srv, sup
}

// echoServer listens locally and echoes every connection back.
func echoServer(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return "127.0.0.1", ln.Addr().(*net.TCPAddr).Port
}

func roundTrip(t *testing.T, c net.Conn, msg string) {
	t.Helper()
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := c.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func TestLocalForward(t *testing.T) {
	_, sup := newTestSupervisor(t)
	host, port := echoServer(t)

	tun, err := sup.Open(context.Background(), "web", KindLocal, Spec{TargetHost: host, TargetPort: port})
	require.NoError(t, err)
	assert.Equal(t, HealthUp, tun.Health())
	assert.NotZero(t, tun.Info().Spec.BindPort)

	c, err := net.Dial("tcp", tun.Addr())
	require.NoError(t, err)
	roundTrip(t, c, "hello")

	require.Eventually(t, func() bool {
		st := tun.Stats()
		return st.Connections == 1 && st.Active == 0 && st.BytesIn == 5 && st.BytesOut == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRemoteForward(t *testing.T) {
	_, sup := newTestSupervisor(t)
	host, port := echoServer(t)

	tun, err := sup.Open(context.Background(), "web", KindRemote,
		Spec{BindHost: "127.0.0.1", TargetHost: host, TargetPort: port})
	require.NoError(t, err)

	// The test server listens for remote forwards on its own loopback.
	c, err := net.Dial("tcp", tun.Addr())
	require.NoError(t, err)
	roundTrip(t, c, "over the server")
}

func TestDynamicForward(t *testing.T) {
	_, sup := newTestSupervisor(t)
	host, port := echoServer(t)

	tun, err := sup.Open(context.Background(), "web", KindDynamic, Spec{})
	require.NoError(t, err)

	dialer, err := proxy.SOCKS5("tcp", tun.Addr(), nil, proxy.Direct)
	require.NoError(t, err)
	c, err := dialer.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	require.NoError(t, err)
	roundTrip(t, c, "socks")

	c, err = dialer.Dial("tcp", net.JoinHostPort("localhost", strconv.Itoa(port)))
	require.NoError(t, err)
	roundTrip(t, c, "by name")
}

func TestTunnelRecoversAfterDrop(t *testing.T) {
	srv, sup := newTestSupervisor(t)
	host, port := echoServer(t)

	var mu sync.Mutex
	var seen []Health
	sup.OnEvent(func(ev Event) {
		if ev.Type == EventHealth {
			mu.Lock()
			seen = append(seen, ev.Health)
			mu.Unlock()
		}
	})

	tun, err := sup.Open(context.Background(), "web", KindLocal, Spec{TargetHost: host, TargetPort: port})
	require.NoError(t, err)
	addr := tun.Addr()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	roundTrip(t, c, "first")
	before := tun.Stats()

	srv.DropConnections()
	require.Eventually(t, func() bool {
		return tun.Health() == HealthUp && tun.Stats().Reconnects == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, addr, tun.Addr(), "port is kept across reconnects")

	c, err = net.Dial("tcp", addr)
	require.NoError(t, err)
	roundTrip(t, c, "second")

	require.Eventually(t, func() bool { return tun.Stats().BytesIn >= before.BytesIn+6 }, 2*time.Second, 10*time.Millisecond)
	assert.Positive(t, tun.Stats().Errors)
	mu.Lock()
	assert.Equal(t, []Health{HealthReconnecting, HealthUp}, seen)
	mu.Unlock()
}

func TestTunnelDiesAfterMaxAttemptsAndStaysDead(t *testing.T) {
	srv, sup := newTestSupervisor(t)
	host, port := echoServer(t)

	tun, err := sup.Open(context.Background(), "web", KindLocal, Spec{TargetHost: host, TargetPort: port})
	require.NoError(t, err)

	srv.Close()
	select {
	case <-tun.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("tunnel never gave up")
	}
	info := tun.Info()
	assert.Equal(t, HealthDead, info.Health)
	assert.Contains(t, info.LastError, "gave up after 3 attempts")
	assert.Empty(t, info.Bound)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, HealthDead, tun.Health())
	require.Len(t, sup.List(), 1, "dead tunnels stay listed")

	require.NoError(t, sup.Close(tun.ID))
	assert.Equal(t, HealthClosed, tun.Health())
	assert.Empty(t, sup.List())
}

func TestCloseIsIdempotent(t *testing.T) {
	_, sup := newTestSupervisor(t)
	host, port := echoServer(t)

	var closed int
	sup.OnEvent(func(ev Event) {
		if ev.Type == EventClosed {
			closed++
		}
	})

	tun, err := sup.Open(context.Background(), "web", KindLocal, Spec{TargetHost: host, TargetPort: port})
	require.NoError(t, err)
	addr := tun.Addr()

	require.NoError(t, sup.Close(tun.ID))
	require.NoError(t, sup.Close(tun.ID))
	assert.Equal(t, 1, closed)
	assert.Equal(t, HealthClosed, tun.Health())

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "listener is gone")

	assert.ErrorIs(t, sup.Close("no-such-tunnel"), fleeterr.NotFound)
}

func TestCloseAfterForgottenIsNoop(t *testing.T) {
	_, sup := newTestSupervisor(t)
	host, port := echoServer(t)

	tun, err := sup.Open(context.Background(), "web", KindLocal, Spec{TargetHost: host, TargetPort: port})
	require.NoError(t, err)
	require.NoError(t, sup.Close(tun.ID))

	later := time.Now().Add(closedRetention + time.Minute)
	sup.nowFn = func() time.Time { return later }
	assert.Empty(t, sup.List())

	_, err = sup.Get(tun.ID)
	assert.ErrorIs(t, err, fleeterr.NotFound, "closed tunnel is forgotten after retention")
	assert.NoError(t, sup.Close(tun.ID))
}

func TestOpenRejectsBadRequests(t *testing.T) {
	_, sup := newTestSupervisor(t)

	_, err := sup.Open(context.Background(), "web", KindLocal, Spec{})
	assert.Error(t, err)

	_, err = sup.Open(context.Background(), "web", Kind("sideways"), Spec{})
	assert.Error(t, err)

	_, err = sup.Open(context.Background(), "nope", KindDynamic, Spec{})
	assert.ErrorIs(t, err, fleeterr.NotFound)
	assert.Empty(t, sup.List())
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextBackoff(time.Second, time.Minute))
	assert.Equal(t, time.Minute, nextBackoff(40*time.Second, time.Minute))

	for i := 0; i < 100; i++ {
		d := jittered(time.Second)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("dynamic")
	require.NoError(t, err)
	assert.Equal(t, KindDynamic, k)
	_, err = ParseKind("")
	assert.Error(t, err)
}
