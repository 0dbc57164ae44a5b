// Package sshexec runs one-shot commands over managed connections.
//
// Every call opens its own exec channel; a working directory is applied by
// prefixing "cd <dir> &&" so that concurrent callers on one connection never
// share shell state. When a command outlives its timeout the executor sends
// SIGINT, then closes the channel, and finally tears the whole connection
// down if the channel still does not end.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ebowwa/mcp-ssh-manager/internal/fleeterr"
	"github.com/ebowwa/mcp-ssh-manager/internal/logging"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshproxy"
)

const (
	defaultTimeout = 2 * time.Minute
	defaultGrace   = 3 * time.Second

	// maxOutput caps each captured stream; the remainder is dropped.
	maxOutput = 16 << 20

	slowCommandThreshold = 10 * time.Second
)

// Options apply to a single Run.
type Options struct {
	// Dir overrides the profile's default working directory.
	Dir string
	// Timeout overrides the executor default.
	Timeout time.Duration
}

// Result is the outcome of a command that ran to completion. A non-zero
// exit status is a result, not an error.
type Result struct {
	Server    string        `json:"server"`
	Command   string        `json:"command"`
	Dir       string        `json:"dir,omitempty"`
	ExitCode  int           `json:"exit_code"`
	Signal    string        `json:"signal,omitempty"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Truncated bool          `json:"truncated,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Success reports a zero exit status with no terminating signal.
func (r *Result) Success() bool {
	return r.ExitCode == 0 && r.Signal == ""
}

// Event is delivered to observers after every Run.
type Event struct {
	Server   string
	Command  string
	Result   *Result // nil when Err is set
	Err      error
	Duration time.Duration
}

// Config tunes an Executor.
type Config struct {
	DefaultTimeout time.Duration
	// Grace is how long each escalation step waits for the channel to end.
	Grace time.Duration
	// DisconnectOnStuck tears down the connection when closing the channel
	// does not end a timed-out command.
	DisconnectOnStuck bool
}

// Executor runs commands. It holds no per-connection state and is safe for
// concurrent use.
type Executor struct {
	cfg Config

	mu        sync.RWMutex
	observers []func(Event)
}

// New returns an Executor. Zero durations pick defaults.
func New(cfg Config) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	return &Executor{cfg: cfg}
}

// OnRun registers fn to be called after every Run.
func (e *Executor) OnRun(fn func(Event)) {
	e.mu.Lock()
	e.observers = append(e.observers, fn)
	e.mu.Unlock()
}

func (e *Executor) notify(ev Event) {
	e.mu.RLock()
	obs := make([]func(Event), len(e.observers))
	copy(obs, e.observers)
	e.mu.RUnlock()
	for _, fn := range obs {
		fn(ev)
	}
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// WithDir prefixes command with a directory change when dir is set.
func WithDir(dir, command string) string {
	if dir == "" {
		return command
	}
	return "cd " + Quote(dir) + " && " + command
}

// Run executes command on c and waits for it to finish.
func (e *Executor) Run(ctx context.Context, c *sshproxy.Connection, command string, opts Options) (*Result, error) {
	dir := opts.Dir
	if dir == "" {
		dir = c.Profile.DefaultDir
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	res := &Result{Server: c.Server, Command: command, Dir: dir, StartedAt: time.Now()}
	err := e.run(ctx, c, WithDir(dir, command), timeout, res)
	res.Duration = time.Since(res.StartedAt)

	log := logging.ForServer("sshexec", c.Server)
	if res.Duration > slowCommandThreshold {
		log.Warn().Str("command", logging.Command(command)).Dur("took", res.Duration).Msg("slow command")
	}

	if err != nil {
		var fe *fleeterr.Error
		if errors.As(err, &fe) {
			fe.WithCommand(command, res.Duration)
		}
		log.Debug().Err(err).Str("command", logging.Command(command)).Msg("command failed")
		e.notify(Event{Server: c.Server, Command: command, Err: err, Duration: res.Duration})
		return nil, err
	}
	log.Debug().Str("command", logging.Command(command)).Int("exit", res.ExitCode).Dur("took", res.Duration).Msg("command finished")
	e.notify(Event{Server: c.Server, Command: command, Result: res, Duration: res.Duration})
	return res, nil
}

func (e *Executor) run(ctx context.Context, c *sshproxy.Connection, full string, timeout time.Duration, res *Result) error {
	release, err := c.Hold()
	if err != nil {
		return err
	}
	defer release()

	session, err := c.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	stdout := &cappedBuffer{limit: maxOutput}
	stderr := &cappedBuffer{limit: maxOutput}
	session.Stdout = stdout
	session.Stderr = stderr

	if err := session.Start(full); err != nil {
		return c.Lost("run", fmt.Errorf("start command: %w", err))
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	capture := func() {
		res.Stdout, res.Stderr = stdout.String(), stderr.String()
		res.Truncated = stdout.Truncated() || stderr.Truncated()
	}

	select {
	case err := <-done:
		capture()
		return e.finish(c, err, res)
	case <-timer.C:
		e.escalate(c, session, done)
		capture()
		fe := fleeterr.Newf(fleeterr.KindTimeout, "run", "no completion within %s", timeout)
		return e.partial(c, fe, res)
	case <-ctx.Done():
		e.escalate(c, session, done)
		capture()
		fe := fleeterr.New(fleeterr.KindTimeout, "run", ctx.Err())
		return e.partial(c, fe, res)
	}
}

func (e *Executor) partial(c *sshproxy.Connection, fe *fleeterr.Error, res *Result) error {
	fe.WithTarget(c.Server, c.Profile.Host, c.Profile.Port)
	fe.Stdout = []byte(res.Stdout)
	fe.Stderr = []byte(res.Stderr)
	return fe
}

// finish classifies the session's wait error.
func (e *Executor) finish(c *sshproxy.Connection, err error, res *Result) error {
	if err == nil {
		return nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		res.Signal = exitErr.Signal()
		return nil
	}
	// ExitMissingError and io errors both mean the channel ended without a
	// status, which only happens when the transport went away.
	return e.partial(c, c.Lost("run", err), res)
}

// escalate stops a command that outlived its timeout.
func (e *Executor) escalate(c *sshproxy.Connection, session *ssh.Session, done <-chan error) {
	log := logging.ForServer("sshexec", c.Server)

	if err := session.Signal(ssh.SIGINT); err != nil {
		log.Debug().Err(err).Msg("interrupt not delivered")
	}
	if waitFor(done, e.cfg.Grace) {
		return
	}

	session.Close()
	if waitFor(done, e.cfg.Grace) {
		return
	}

	if !e.cfg.DisconnectOnStuck {
		log.Warn().Msg("timed out command did not end after channel close; leaving connection up")
		return
	}
	log.Warn().Msg("timed out command did not end after channel close; tearing down connection")
	c.Teardown("command did not end after timeout")
	waitFor(done, e.cfg.Grace)
}

func waitFor(done <-chan error, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// cappedBuffer is a goroutine-safe buffer that stops growing at limit. The
// timeout path reads it while the session may still be writing.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
