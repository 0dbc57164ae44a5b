// Package sshlogs tails files on fleet servers.
//
// Streams run "tail" in an exec channel on the server's pooled connection,
// which is held for as long as the stream is open. Follow mode uses "tail -F"
// so the stream survives log rotation: tail tracks the file by name and
// reopens it when logrotate swaps in a new one.
//
//	ch, err := tailer.Stream(ctx, "web1", "/var/log/syslog", sshlogs.Options{Lines: 50, Follow: true})
//	if err != nil { ... }
//	for line := range ch {
//	    fmt.Println(line)
//	}
//
// Cancelling ctx closes the channel and frees the exec channel.
package sshlogs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/ebowwa/mcp-ssh-manager/internal/fleeterr"
	"github.com/ebowwa/mcp-ssh-manager/internal/logging"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshexec"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshproxy"
)

const (
	DefaultLines = 100
	MaxLines     = 10000

	// maxLineBytes bounds one log line; longer lines end the stream.
	maxLineBytes = 1 << 20
)

// Candidates are the files probed by Available when the caller names none.
var Candidates = []string{
	"/var/log/syslog",
	"/var/log/messages",
	"/var/log/auth.log",
	"/var/log/secure",
	"/var/log/kern.log",
	"/var/log/dpkg.log",
}

// Acquirer hands out live connections.
type Acquirer interface {
	Acquire(ctx context.Context, server string) (*sshproxy.Connection, error)
}

// Options select how much history to send and whether to keep following.
type Options struct {
	Lines  int
	Follow bool
}

// Tailer streams remote files.
type Tailer struct {
	conns Acquirer
}

// New returns a Tailer that borrows connections from conns.
func New(conns Acquirer) *Tailer {
	return &Tailer{conns: conns}
}

// Stream sends the last opts.Lines lines of path, then, when following, every
// line appended afterwards. The channel closes when ctx is cancelled, the
// file ends (without Follow), or the connection drops. A path that is not a
// readable file is reported as NotFound before streaming starts.
func (t *Tailer) Stream(ctx context.Context, server, path string, opts Options) (<-chan string, error) {
	if path == "" {
		return nil, errors.New("tail: path is required")
	}
	lines := opts.Lines
	if lines <= 0 {
		lines = DefaultLines
	}
	if lines > MaxLines {
		lines = MaxLines
	}

	conn, err := t.conns.Acquire(ctx, server)
	if err != nil {
		return nil, err
	}
	release, err := conn.Hold()
	if err != nil {
		return nil, err
	}

	if ok, err := readable(conn, path); err != nil || !ok {
		release()
		if err != nil {
			return nil, err
		}
		return nil, fleeterr.Newf(fleeterr.KindNotFound, "tail", "%s is not a readable file", path).
			WithTarget(server, conn.Profile.Host, conn.Profile.Port)
	}

	session, err := conn.NewSession()
	if err != nil {
		release()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		release()
		return nil, fmt.Errorf("tail: stdout pipe: %w", err)
	}
	cmd := fmt.Sprintf("tail -n %d", lines)
	if opts.Follow {
		cmd += " -F"
	}
	cmd += " -- " + sshexec.Quote(path)
	if err := session.Start(cmd); err != nil {
		session.Close()
		release()
		return nil, conn.Lost("tail", err)
	}

	log := logging.ForServer("sshlogs", server)
	log.Debug().Str("path", path).Bool("follow", opts.Follow).Int("lines", lines).Msg("tail started")

	ch := make(chan string, 100)
	stop := context.AfterFunc(ctx, func() { session.Close() })
	go func() {
		defer release()
		defer session.Close()
		defer stop()
		defer close(ch)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			select {
			case ch <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		// Cancellation closes the session, which surfaces here as a read
		// error.
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("path", path).Msg("tail stream ended")
		}
	}()
	return ch, nil
}

func readable(conn *sshproxy.Connection, path string) (bool, error) {
	session, err := conn.NewSession()
	if err != nil {
		return false, err
	}
	defer session.Close()
	err = session.Run("test -f " + sshexec.Quote(path) + " && test -r " + sshexec.Quote(path))
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &exitErr):
		return false, nil
	default:
		return false, conn.Lost("tail", err)
	}
}

// Available returns the candidates that exist and are readable on server,
// in the order given. Without candidates, Candidates is used.
func (t *Tailer) Available(ctx context.Context, server string, candidates ...string) ([]string, error) {
	if len(candidates) == 0 {
		candidates = Candidates
	}
	conn, err := t.conns.Acquire(ctx, server)
	if err != nil {
		return nil, err
	}
	release, err := conn.Hold()
	if err != nil {
		return nil, err
	}
	defer release()

	quoted := make([]string, len(candidates))
	for i, c := range candidates {
		quoted[i] = sshexec.Quote(c)
	}
	cmd := `for f in ` + strings.Join(quoted, " ") + `; do [ -f "$f" ] && [ -r "$f" ] && echo "$f"; done; true`

	session, err := conn.NewSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()
	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	out, err := session.Output(cmd)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fleeterr.New(fleeterr.KindTimeout, "list logs", ctx.Err()).
				WithTarget(server, conn.Profile.Host, conn.Profile.Port)
		}
		return nil, conn.Lost("list logs", err)
	}
	found := []string{}
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			found = append(found, line)
		}
	}
	return found, nil
}
