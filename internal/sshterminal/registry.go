package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ebowwa/mcp-ssh-manager/internal/fleeterr"
	"github.com/ebowwa/mcp-ssh-manager/internal/keylock"
	"github.com/ebowwa/mcp-ssh-manager/internal/logging"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshexec"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshproxy"
)

// CloseAll is the session id that closes every open session.
const CloseAll = "all"

const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepSchedule = "@every 1m"
	defaultSendTimeout   = 2 * time.Minute
	startTimeout         = 15 * time.Second
)

// Acquirer hands out live connections.
type Acquirer interface {
	Acquire(ctx context.Context, server string) (*sshproxy.Connection, error)
}

// Config tunes a Registry. Zero values pick defaults.
type Config struct {
	IdleTimeout   time.Duration
	SweepSchedule string
	SendTimeout   time.Duration
}

// EventType names a session lifecycle event.
type EventType string

const (
	EventStarted EventType = "session_started"
	EventCommand EventType = "session_command"
	EventClosed  EventType = "session_closed"
)

// Event is delivered to listeners on start, every send, and close.
type Event struct {
	Type      EventType
	SessionID string
	Server    string
	Record    *CommandRecord // EventCommand only
	Reason    string         // EventClosed only
}

// Result is the outcome of one send.
type Result struct {
	SessionID string        `json:"session_id"`
	Server    string        `json:"server"`
	Command   string        `json:"command"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Cwd       string        `json:"cwd"`
	Duration  time.Duration `json:"duration"`
}

// Success reports a zero exit status.
func (r *Result) Success() bool { return r.ExitCode == 0 }

// Registry owns every session.
type Registry struct {
	conns Acquirer
	cfg   Config
	locks *keylock.Locker
	nowFn func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	retired  map[string]struct{} // ids and names of pruned sessions

	cron *cron.Cron

	listenerMu sync.RWMutex
	listeners  []func(Event)
}

// NewRegistry returns a registry that borrows connections from conns.
func NewRegistry(conns Acquirer, cfg Config) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	return &Registry{
		conns:    conns,
		cfg:      cfg,
		locks:    keylock.New(),
		nowFn:    time.Now,
		sessions: make(map[string]*Session),
		retired:  make(map[string]struct{}),
	}
}

// OnEvent registers a listener for session events.
func (r *Registry) OnEvent(fn func(Event)) {
	r.listenerMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenerMu.Unlock()
}

func (r *Registry) emit(ev Event) {
	r.listenerMu.RLock()
	ls := make([]func(Event), len(r.listeners))
	copy(ls, r.listeners)
	r.listenerMu.RUnlock()
	for _, fn := range ls {
		fn(ev)
	}
}

// StartSweeper schedules the idle sweep.
func (r *Registry) StartSweeper() error {
	c := cron.New()
	if _, err := c.AddFunc(r.cfg.SweepSchedule, func() { r.SweepIdle() }); err != nil {
		return fmt.Errorf("schedule session sweep %q: %w", r.cfg.SweepSchedule, err)
	}
	c.Start()
	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	logging.Component("sshterminal").Info().
		Str("schedule", r.cfg.SweepSchedule).
		Dur("idle_timeout", r.cfg.IdleTimeout).
		Msg("session sweeper started")
	return nil
}

// Stop halts the sweeper and closes every session.
func (r *Registry) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	r.Close(CloseAll)
}

// Start opens a new shell session on server. name is optional and must be
// unique among open sessions.
func (r *Registry) Start(ctx context.Context, server, name string) (*Session, error) {
	if name != "" {
		if s := r.byName(name, false); s != nil {
			return nil, fmt.Errorf("session name %q already in use by %s", name, s.ID)
		}
	}

	c, err := r.conns.Acquire(ctx, server)
	if err != nil {
		return nil, err
	}
	release, err := c.Hold()
	if err != nil {
		return nil, err
	}
	sh, err := openShell(c)
	if err != nil {
		release()
		return nil, err
	}

	now := r.nowFn()
	s := &Session{
		ID:           uuid.New().String(),
		Name:         name,
		Server:       server,
		CreatedAt:    now,
		conn:         c,
		shell:        sh,
		release:      release,
		lastActivity: now,
		done:         make(chan struct{}),
	}

	// The first round trip learns the initial directory and moves into the
	// profile's default directory when one is set.
	probe := ":"
	if dir := c.Profile.DefaultDir; dir != "" {
		probe = "cd " + sshexec.Quote(dir)
	}
	out, err := sh.run(ctx, probe, startTimeout)
	if err != nil {
		sh.close()
		release()
		return nil, shellError(s, probe, err, out, 0)
	}
	s.cwd = out.cwd

	r.mu.Lock()
	if name != "" {
		if other := r.byNameLocked(name, false); other != nil {
			r.mu.Unlock()
			sh.close()
			release()
			return nil, fmt.Errorf("session name %q already in use by %s", name, other.ID)
		}
	}
	r.sessions[s.ID] = s
	r.mu.Unlock()

	go r.watch(s)

	logging.ForServer("sshterminal", server).Info().Str("session", s.ID).Str("name", name).Str("cwd", s.cwd).Msg("session started")
	r.emit(Event{Type: EventStarted, SessionID: s.ID, Server: server})
	return s, nil
}

// watch closes the session when its connection goes away.
func (r *Registry) watch(s *Session) {
	select {
	case <-s.conn.Done():
		r.closeSession(s, "connection lost")
	case <-s.done:
	}
}

// Get resolves a session by id or name.
func (r *Registry) Get(idOrName string) (*Session, error) {
	r.mu.RLock()
	s := r.sessions[idOrName]
	r.mu.RUnlock()
	if s == nil {
		s = r.byName(idOrName, true)
	}
	if s == nil {
		return nil, fleeterr.Newf(fleeterr.KindNotFound, "session", "no session %q", idOrName)
	}
	return s, nil
}

// byName finds an open session called name, falling back to a closed one
// when includeClosed is set.
func (r *Registry) byName(name string, includeClosed bool) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byNameLocked(name, includeClosed)
}

func (r *Registry) byNameLocked(name string, includeClosed bool) *Session {
	var closed *Session
	for _, s := range r.sessions {
		if s.Name != name {
			continue
		}
		if !s.Closed() {
			return s
		}
		closed = s
	}
	if includeClosed {
		return closed
	}
	return nil
}

// Send runs command in the session's shell and waits for it to finish.
// timeout <= 0 uses the registry default. A send that times out closes the
// session, since its shell is left mid-command.
func (r *Registry) Send(ctx context.Context, idOrName, command string, timeout time.Duration) (*Result, error) {
	s, err := r.Get(idOrName)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = r.cfg.SendTimeout
	}

	unlock := r.locks.Lock(s.ID)
	defer unlock()

	start, t0 := r.nowFn(), time.Now()
	if !s.begin(start) {
		return nil, fleeterr.Newf(fleeterr.KindNotFound, "send", "session %s is closed", s.ID).
			WithTarget(s.Server, s.conn.Profile.Host, s.conn.Profile.Port)
	}
	out, runErr := s.shell.run(ctx, command, timeout)
	d := time.Since(t0)

	rec := CommandRecord{Command: command, ExitCode: out.exitCode, Cwd: out.cwd, StartedAt: start, Duration: d}
	if runErr != nil {
		rec.ExitCode = -1
		rec.Error = runErr.Error()
	}
	s.finish(rec, r.nowFn())
	r.emit(Event{Type: EventCommand, SessionID: s.ID, Server: s.Server, Record: &rec})

	if runErr != nil {
		return nil, r.sendError(s, command, runErr, out, d)
	}
	return &Result{
		SessionID: s.ID,
		Server:    s.Server,
		Command:   command,
		ExitCode:  out.exitCode,
		Stdout:    string(out.stdout),
		Stderr:    string(out.stderr),
		Cwd:       out.cwd,
		Duration:  d,
	}, nil
}

// sendError closes the session, whose shell is left in an unknown state,
// and reports the failure.
func (r *Registry) sendError(s *Session, command string, err error, out shellOutput, d time.Duration) error {
	fe := shellError(s, command, err, out, d)
	reason := err.Error()
	if fe.Kind == fleeterr.KindTimeout {
		reason = "send timed out"
	}
	r.closeSession(s, reason)
	return fe
}

func shellError(s *Session, command string, err error, out shellOutput, d time.Duration) *fleeterr.Error {
	var fe *fleeterr.Error
	switch {
	case errors.Is(err, errSendTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		fe = fleeterr.New(fleeterr.KindTimeout, "send", err)
	default:
		fe = s.conn.Lost("send", err)
	}
	fe.WithTarget(s.Server, s.conn.Profile.Host, s.conn.Profile.Port).WithCommand(command, d)
	fe.Stdout = out.stdout
	fe.Stderr = out.stderr
	return fe
}

// List returns open sessions, optionally only those on server, ordered by
// creation time.
func (r *Registry) List(server string) []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		if server != "" && s.Server != server {
			continue
		}
		info := s.Info()
		if info.Closed {
			continue
		}
		out = append(out, info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close ends the session with the given id or name, or every session for
// CloseAll. Closing a session that is already closed succeeds.
func (r *Registry) Close(idOrName string) error {
	if idOrName == CloseAll {
		r.mu.RLock()
		all := make([]*Session, 0, len(r.sessions))
		for _, s := range r.sessions {
			all = append(all, s)
		}
		r.mu.RUnlock()
		for _, s := range all {
			r.closeSession(s, "closed by request")
		}
		return nil
	}
	s, err := r.Get(idOrName)
	if err != nil {
		r.mu.RLock()
		_, pruned := r.retired[idOrName]
		r.mu.RUnlock()
		if pruned {
			return nil
		}
		return err
	}
	r.closeSession(s, "closed by request")
	return nil
}

// closeSession is the only teardown path: explicit close, close-all, idle
// sweep, send failure, and connection loss all end here.
func (r *Registry) closeSession(s *Session, reason string) {
	if !s.markClosed(reason, r.nowFn()) {
		return
	}
	close(s.done)
	s.shell.close()
	s.release()
	logging.ForServer("sshterminal", s.Server).Info().Str("session", s.ID).Str("reason", reason).Msg("session closed")
	r.emit(Event{Type: EventClosed, SessionID: s.ID, Server: s.Server, Reason: reason})
}

// SweepIdle closes sessions idle longer than the idle timeout and forgets
// sessions that closed more than one idle timeout ago. It returns how many
// sessions it closed.
func (r *Registry) SweepIdle() int {
	cutoff := r.nowFn().Add(-r.cfg.IdleTimeout)

	r.mu.RLock()
	var idle []*Session
	for _, s := range r.sessions {
		if s.idleSince(cutoff) {
			idle = append(idle, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range idle {
		r.closeSession(s, "idle timeout")
	}

	r.mu.Lock()
	for id, s := range r.sessions {
		if s.closedBefore(cutoff) {
			delete(r.sessions, id)
			r.retired[id] = struct{}{}
			if s.Name != "" {
				r.retired[s.Name] = struct{}{}
			}
		}
	}
	r.mu.Unlock()

	if len(idle) > 0 {
		logging.Component("sshterminal").Info().Int("closed", len(idle)).Msg("idle sessions reclaimed")
	}
	return len(idle)
}

// Count returns the number of open sessions.
func (r *Registry) Count() int {
	return len(r.List(""))
}
