package sshexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
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

func connect(t *testing.T, edit func(*config.ServerProfile)) (*sshtest.Server, *sshproxy.ConnectionManager, *sshproxy.Connection) {
	t.Helper()
	srv := sshtest.New(t)
	profile := srv.Profile(t, "web")
	if edit != nil {
		edit(&profile)
	}
	inv, err := config.NewInventory(profile)
	require.NoError(t, err)
	m := sshproxy.NewConnectionManager(inv, sshtrust.NewStore(sshtrust.NewMemoryBackend()),
		sshproxy.AcceptUnknownHosts, sshproxy.Options{KeepaliveInterval: -1})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.ShutdownAll(ctx)
	})
	c, err := m.Acquire(context.Background(), "web")
	require.NoError(t, err)
	return srv, m, c
}

func realDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestRunCapturesStreamsAndExitCode(t *testing.T) {
	_, _, c := connect(t, nil)
	e := New(Config{})

	res, err := e.Run(context.Background(), c, "echo out; echo err >&2; exit 3", Options{})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Success())
	assert.Equal(t, "web", res.Server)
	assert.Positive(t, res.Duration)
}

func TestRunReportsSignal(t *testing.T) {
	_, _, c := connect(t, nil)

	res, err := New(Config{}).Run(context.Background(), c, "kill -TERM $$", Options{})
	require.NoError(t, err)
	assert.Equal(t, "TERM", res.Signal)
	assert.False(t, res.Success())
}

func TestRunAppliesWorkingDirectory(t *testing.T) {
	_, _, c := connect(t, nil)
	dir := filepath.Join(realDir(t), "it's here")
	require.NoError(t, os.Mkdir(dir, 0o755))

	res, err := New(Config{}).Run(context.Background(), c, "pwd", Options{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, dir+"\n", res.Stdout)
	assert.Equal(t, dir, res.Dir)
}

func TestRunUsesProfileDefaultDir(t *testing.T) {
	dir := realDir(t)
	_, _, c := connect(t, func(p *config.ServerProfile) { p.DefaultDir = dir })

	res, err := New(Config{}).Run(context.Background(), c, "pwd", Options{})
	require.NoError(t, err)
	assert.Equal(t, dir+"\n", res.Stdout)
}

func TestRunMissingDirectoryFails(t *testing.T) {
	_, _, c := connect(t, nil)

	res, err := New(Config{}).Run(context.Background(), c, "echo never", Options{Dir: "/does/not/exist"})
	require.NoError(t, err)
	assert.NotZero(t, res.ExitCode)
	assert.Empty(t, res.Stdout)
}

func TestConcurrentRunsDoNotShareDirectory(t *testing.T) {
	_, _, c := connect(t, nil)
	e := New(Config{})
	dirs := []string{realDir(t), realDir(t), realDir(t), realDir(t)}

	var wg sync.WaitGroup
	for _, dir := range dirs {
		wg.Add(1)
		go func(dir string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				res, err := e.Run(context.Background(), c, "pwd", Options{Dir: dir})
				if assert.NoError(t, err) {
					assert.Equal(t, dir+"\n", res.Stdout)
				}
			}
		}(dir)
	}
	wg.Wait()
}

func TestRunTimeoutKeepsPartialOutput(t *testing.T) {
	_, m, c := connect(t, nil)
	e := New(Config{Grace: time.Second, DisconnectOnStuck: true})

	start := time.Now()
	res, err := e.Run(context.Background(), c, "echo partial; echo oops >&2; sleep 30", Options{Timeout: 300 * time.Millisecond})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Less(t, time.Since(start), 5*time.Second)

	var fe *fleeterr.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, fleeterr.KindTimeout, fe.Kind)
	assert.Equal(t, "partial\n", string(fe.Stdout))
	assert.Equal(t, "oops\n", string(fe.Stderr))
	assert.Contains(t, fe.Command, "sleep 30")
	assert.Equal(t, "web", fe.Server)

	assert.Equal(t, sshproxy.StateReady, m.State("web"), "interrupt was enough; connection stays")
}

func TestRunTimeoutIgnoringInterrupt(t *testing.T) {
	_, m, c := connect(t, nil)
	e := New(Config{Grace: 200 * time.Millisecond, DisconnectOnStuck: true})

	_, err := e.Run(context.Background(), c, "trap '' INT; echo started; sleep 30", Options{Timeout: 300 * time.Millisecond})
	require.ErrorIs(t, err, fleeterr.Timeout)
	assert.Equal(t, sshproxy.StateReady, m.State("web"), "channel close ended the command")

	res, err := e.Run(context.Background(), c, "echo again", Options{})
	require.NoError(t, err)
	assert.Equal(t, "again\n", res.Stdout)
}

func TestRunContextCancel(t *testing.T) {
	_, _, c := connect(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := New(Config{Grace: time.Second}).Run(ctx, c, "sleep 30", Options{Timeout: time.Minute})
	require.ErrorIs(t, err, fleeterr.Timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunConnectionDropped(t *testing.T) {
	srv, m, c := connect(t, nil)
	e := New(Config{})

	go func() {
		time.Sleep(200 * time.Millisecond)
		srv.DropConnections()
	}()
	_, err := e.Run(context.Background(), c, "echo before; sleep 30", Options{Timeout: 10 * time.Second})
	require.ErrorIs(t, err, fleeterr.ConnectionLost)

	require.Eventually(t, func() bool { return m.State("web") == sshproxy.StateDisconnected }, 2*time.Second, 10*time.Millisecond)
	_, err = e.Run(context.Background(), c, "true", Options{})
	assert.ErrorIs(t, err, fleeterr.ConnectionLost)
}

func TestRunOutputCapped(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	b.Write([]byte("more"))
	assert.Equal(t, "abcd", b.String())
	assert.True(t, b.Truncated())
}

func TestObserversSeeEveryRun(t *testing.T) {
	_, _, c := connect(t, nil)
	e := New(Config{})
	var events []Event
	e.OnRun(func(ev Event) { events = append(events, ev) })

	_, err := e.Run(context.Background(), c, "exit 1", Options{})
	require.NoError(t, err)
	_, err = e.Run(context.Background(), c, "sleep 5", Options{Timeout: 100 * time.Millisecond})
	require.Error(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Result.ExitCode)
	assert.Nil(t, events[1].Result)
	assert.ErrorIs(t, events[1].Err, fleeterr.Timeout)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `'/tmp'`, Quote("/tmp"))
	assert.Equal(t, `'it'\''s'`, Quote("it's"))
	assert.Equal(t, "cd '/a b' && ls", WithDir("/a b", "ls"))
	assert.Equal(t, "ls", WithDir("", "ls"))
	assert.False(t, strings.Contains(WithDir("$(rm -rf /)", "ls"), "cd $("))
}
