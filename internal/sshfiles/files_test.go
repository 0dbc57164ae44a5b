package sshfiles

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
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

func newTestFiles(t *testing.T) *Files {
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

func TestUploadCreatesParentsAndReplacesAtomically(t *testing.T) {
	f := newTestFiles(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "deeper", "app.conf")

	tr, err := f.Upload(context.Background(), "web", target, strings.NewReader("v1\n"), 0o600)
	require.NoError(t, err)
	assert.Equal(t, int64(3), tr.Bytes)

	_, err = f.Upload(context.Background(), "web", target, strings.NewReader("version two\n"), 0)
	require.NoError(t, err)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "version two\n", string(data))

	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestDownload(t *testing.T) {
	f := newTestFiles(t)
	path := filepath.Join(t.TempDir(), "log.txt")
	require.NoError(t, os.WriteFile(path, []byte("line one\nline two\n"), 0o644))

	var buf bytes.Buffer
	tr, err := f.Download(context.Background(), "web", path, &buf)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", buf.String())
	assert.Equal(t, int64(buf.Len()), tr.Bytes)
}

func TestDownloadLimits(t *testing.T) {
	f := newTestFiles(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "big")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o644))

	f.MaxDownload = 10
	var buf bytes.Buffer
	_, err := f.Download(context.Background(), "web", path, &buf)
	assert.Error(t, err)
	assert.Zero(t, buf.Len())

	_, err = f.Download(context.Background(), "web", dir, &buf)
	assert.Error(t, err)
}

func TestMissingPathIsNotFound(t *testing.T) {
	f := newTestFiles(t)
	missing := filepath.Join(t.TempDir(), "absent")

	var buf bytes.Buffer
	_, err := f.Download(context.Background(), "web", missing, &buf)
	assert.ErrorIs(t, err, fleeterr.NotFound)

	_, err = f.List(context.Background(), "web", missing)
	assert.ErrorIs(t, err, fleeterr.NotFound)

	_, err = f.Stat(context.Background(), "web", missing)
	assert.ErrorIs(t, err, fleeterr.NotFound)
}

func TestListSortsDirectoriesFirst(t *testing.T) {
	f := newTestFiles(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "z"), 0o755))

	entries, err := f.List(context.Background(), "web", dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "z", entries[0].Name)
	assert.True(t, entries[0].IsDir)
	assert.Equal(t, "a.txt", entries[1].Name)
	assert.Equal(t, int64(2), entries[2].Size)
	assert.Equal(t, filepath.Join(dir, "b.txt"), entries[2].Path)

	e, err := f.Stat(context.Background(), "web", filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	assert.False(t, e.IsDir)
}

func TestUnknownServer(t *testing.T) {
	f := newTestFiles(t)
	_, err := f.List(context.Background(), "nope", "/")
	assert.ErrorIs(t, err, fleeterr.NotFound)
}
