package sshlogs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebowwa/mcp-ssh-manager/internal/config"
	"github.com/ebowwa/mcp-ssh-manager/internal/fleeterr"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshproxy"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshtest"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshtrust"
)

func newTestTailer(t *testing.T) *Tailer {
	t.Helper()
	srv := sshtest.New(t)
	inv, err := config.NewInventory(srv.Profile(t, "web"))
	require.NoError(t, err)
	m := sshproxy.NewConnectionManager(inv, sshtrust.NewStore(sshtrust.NewMemoryBackend()),
		sshproxy.AcceptUnknownHosts, sshproxy.Options{KeepaliveInterval: -1})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.ShutdownAll(ctx)
	})
	return New(m)
}

func writeLines(t *testing.T, path string, from, to int) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for i := from; i <= to; i++ {
		fmt.Fprintf(f, "line %d\n", i)
	}
}

func collect(ch <-chan string) []string {
	var out []string
	for line := range ch {
		out = append(out, line)
	}
	return out
}

func TestStreamSnapshot(t *testing.T) {
	tl := newTestTailer(t)
	path := filepath.Join(t.TempDir(), "app.log")
	writeLines(t, path, 1, 10)

	ch, err := tl.Stream(context.Background(), "web", path, Options{Lines: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"line 8", "line 9", "line 10"}, collect(ch))
}

func TestStreamFollow(t *testing.T) {
	tl := newTestTailer(t)
	path := filepath.Join(t.TempDir(), "app.log")
	writeLines(t, path, 1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := tl.Stream(ctx, "web", path, Options{Lines: 1, Follow: true})
	require.NoError(t, err)

	recv := func() string {
		select {
		case line := <-ch:
			return line
		case <-time.After(5 * time.Second):
			t.Fatal("no line within 5s")
			return ""
		}
	}
	assert.Equal(t, "line 2", recv())
	writeLines(t, path, 3, 3)
	assert.Equal(t, "line 3", recv())

	cancel()
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after cancel")
	}
}

func TestStreamMissingFile(t *testing.T) {
	tl := newTestTailer(t)
	_, err := tl.Stream(context.Background(), "web", filepath.Join(t.TempDir(), "nope.log"), Options{})
	assert.ErrorIs(t, err, fleeterr.NotFound)

	_, err = tl.Stream(context.Background(), "web", t.TempDir(), Options{})
	assert.ErrorIs(t, err, fleeterr.NotFound, "directories are not tailed")

	_, err = tl.Stream(context.Background(), "web", "", Options{})
	assert.Error(t, err)
}

func TestStreamUnknownServer(t *testing.T) {
	tl := newTestTailer(t)
	_, err := tl.Stream(context.Background(), "ghost", "/var/log/syslog", Options{})
	assert.ErrorIs(t, err, fleeterr.NotFound)
}

func TestAvailable(t *testing.T) {
	tl := newTestTailer(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.log")
	b := filepath.Join(dir, "it's b.log")
	writeLines(t, a, 1, 1)
	writeLines(t, b, 1, 1)

	found, err := tl.Available(context.Background(), "web", filepath.Join(dir, "missing.log"), b, a, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{b, a}, found)

	found, err = tl.Available(context.Background(), "web", filepath.Join(dir, "missing.log"))
	require.NoError(t, err)
	assert.Empty(t, found)
}
