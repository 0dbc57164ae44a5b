package sshterminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/ebowwa/mcp-ssh-manager/internal/sshproxy"
)

// sentinelTemplate follows every command written to the shell. @M@ is
// replaced by a per-send marker. The stdout line carries the exit status and
// working directory; the stderr line only marks the end of the stream.
const sentinelTemplate = `__sshmgr_rc=$?; printf '\n@M@ %d %s\n' "$__sshmgr_rc" "$(pwd)"; printf '\n@M@\n' >&2` + "\n"

var (
	errShellExited = errors.New("remote shell exited")
	errSendTimeout = errors.New("no completion marker before timeout")
)

// streamBuffer accumulates one output stream of the remote shell.
type streamBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	eof bool
}

func (b *streamBuffer) pump(r io.Reader, notify chan<- struct{}) {
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		b.mu.Lock()
		if n > 0 {
			b.buf.Write(chunk[:n])
		}
		if err != nil {
			b.eof = true
		}
		b.mu.Unlock()
		select {
		case notify <- struct{}{}:
		default:
		}
		if err != nil {
			return
		}
	}
}

// cut removes and returns everything before key, plus the rest of the line
// following key. ok is false while key has not arrived in full.
func (b *streamBuffer) cut(key []byte, wantLine bool) (before []byte, line string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := b.buf.Bytes()
	idx := bytes.Index(data, key)
	if idx < 0 {
		return nil, "", false
	}
	end := idx + len(key)
	if wantLine {
		nl := bytes.IndexByte(data[end:], '\n')
		if nl < 0 {
			return nil, "", false
		}
		line = string(data[end : end+nl])
		end += nl + 1
	}
	before = append([]byte(nil), data[:idx]...)
	b.buf.Next(end)
	return before, line, true
}

func (b *streamBuffer) snapshot() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...), b.eof
}

// shell is one long-lived remote shell without a PTY. Commands are written
// to its stdin and their end is found through the sentinel lines.
type shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  streamBuffer
	stderr  streamBuffer
	notify  chan struct{}

	closeOnce sync.Once
}

func openShell(c *sshproxy.Connection) (*shell, error) {
	session, err := c.NewSession()
	if err != nil {
		return nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, c.Lost("start shell", err)
	}

	sh := &shell{session: session, stdin: stdin, notify: make(chan struct{}, 1)}
	go sh.stdout.pump(stdout, sh.notify)
	go sh.stderr.pump(stderr, sh.notify)
	return sh, nil
}

// shellOutput is what one command produced.
type shellOutput struct {
	stdout   []byte
	stderr   []byte
	exitCode int
	cwd      string
}

// run writes command followed by the sentinel and waits for both markers.
// On timeout or shell exit the partial output is returned with the error.
func (sh *shell) run(ctx context.Context, command string, timeout time.Duration) (shellOutput, error) {
	marker := "__SSHMGR_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	script := command + "\n" + strings.ReplaceAll(sentinelTemplate, "@M@", marker)
	if _, err := io.WriteString(sh.stdin, script); err != nil {
		return shellOutput{}, fmt.Errorf("write to shell: %w", err)
	}

	outKey := []byte("\n" + marker + " ")
	errKey := []byte("\n" + marker + "\n")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		res            shellOutput
		gotOut, gotErr bool
	)
	for {
		if !gotOut {
			if before, line, ok := sh.stdout.cut(outKey, true); ok {
				res.stdout = before
				res.exitCode, res.cwd = parseStatusLine(line)
				gotOut = true
			}
		}
		if !gotErr {
			if before, _, ok := sh.stderr.cut(errKey, false); ok {
				res.stderr = before
				gotErr = true
			}
		}
		if gotOut && gotErr {
			return res, nil
		}

		_, outEOF := sh.stdout.snapshot()
		_, errEOF := sh.stderr.snapshot()
		if (gotOut || outEOF) && (gotErr || errEOF) {
			return sh.partial(res, gotOut, gotErr), errShellExited
		}

		select {
		case <-sh.notify:
		case <-timer.C:
			return sh.partial(res, gotOut, gotErr), errSendTimeout
		case <-ctx.Done():
			return sh.partial(res, gotOut, gotErr), ctx.Err()
		}
	}
}

func (sh *shell) partial(res shellOutput, gotOut, gotErr bool) shellOutput {
	if !gotOut {
		res.stdout, _ = sh.stdout.snapshot()
	}
	if !gotErr {
		res.stderr, _ = sh.stderr.snapshot()
	}
	return res
}

func parseStatusLine(line string) (int, string) {
	code, cwd, _ := strings.Cut(line, " ")
	n, err := strconv.Atoi(code)
	if err != nil {
		n = -1
	}
	return n, cwd
}

// close asks the shell to exit and closes the channel.
func (sh *shell) close() {
	sh.closeOnce.Do(func() {
		io.WriteString(sh.stdin, "exit\n")
		sh.stdin.Close()
		sh.session.Close()
	})
}
