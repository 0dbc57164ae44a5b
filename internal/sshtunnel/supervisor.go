package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ebowwa/mcp-ssh-manager/internal/fleeterr"
	"github.com/ebowwa/mcp-ssh-manager/internal/logging"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshproxy"
)

// Supervision defaults. Package-level vars so tests can override.
var (
	defaultHealthInterval = 30 * time.Second
	defaultMaxAttempts    = 8
	defaultBackoffInitial = time.Second
	defaultBackoffMax     = time.Minute
	probeTimeout          = 5 * time.Second
	jitterFraction        = 0.2
	closedRetention       = 10 * time.Minute
)

var errTunnelClosed = errors.New("tunnel closed")

// Connections hands out live connections and reports their state.
type Connections interface {
	Acquire(ctx context.Context, server string) (*sshproxy.Connection, error)
	State(server string) sshproxy.ConnectionState
}

// Config tunes a Supervisor. Zero values pick defaults.
type Config struct {
	HealthInterval time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// EventType names a tunnel lifecycle event.
type EventType string

const (
	EventOpened EventType = "tunnel_opened"
	EventHealth EventType = "tunnel_health"
	EventClosed EventType = "tunnel_closed"
)

// Event is delivered to listeners on open, every health change, and close.
type Event struct {
	Type     EventType
	TunnelID string
	Server   string
	Kind     Kind
	Health   Health
	Reason   string
	Stats    Stats
}

// Supervisor owns every tunnel.
type Supervisor struct {
	conns Connections
	cfg   Config
	nowFn func() time.Time

	mu      sync.RWMutex
	tunnels map[string]*Tunnel
	retired map[string]struct{} // ids of pruned tunnels

	listenerMu sync.RWMutex
	listeners  []func(Event)
}

// NewSupervisor returns a supervisor that borrows connections from conns.
func NewSupervisor(conns Connections, cfg Config) *Supervisor {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaultBackoffInitial
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = max(defaultBackoffMax, cfg.BackoffInitial)
	}
	return &Supervisor{
		conns:   conns,
		cfg:     cfg,
		nowFn:   time.Now,
		tunnels: make(map[string]*Tunnel),
		retired: make(map[string]struct{}),
	}
}

// OnEvent registers a listener for tunnel events.
func (s *Supervisor) OnEvent(fn func(Event)) {
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenerMu.Unlock()
}

func (s *Supervisor) emit(t *Tunnel, typ EventType, reason string) {
	ev := Event{
		Type:     typ,
		TunnelID: t.ID,
		Server:   t.Server,
		Kind:     t.Kind,
		Health:   t.Health(),
		Reason:   reason,
		Stats:    t.Stats(),
	}
	s.listenerMu.RLock()
	ls := make([]func(Event), len(s.listeners))
	copy(ls, s.listeners)
	s.listenerMu.RUnlock()
	for _, fn := range ls {
		fn(ev)
	}
}

// Open establishes a tunnel and starts supervising it. The first
// establishment must succeed; later failures are healed in the background.
// A bind port of 0 picks a free port, which is then kept across reconnects.
func (s *Supervisor) Open(ctx context.Context, server string, kind Kind, spec Spec) (*Tunnel, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, fmt.Errorf("open tunnel: %w", err)
	}
	if err := spec.validate(kind); err != nil {
		return nil, fmt.Errorf("open %s tunnel: %w", kind, err)
	}

	now := s.nowFn()
	t := &Tunnel{
		ID:        uuid.NewString(),
		Server:    server,
		Kind:      kind,
		CreatedAt: now,
		sup:       s,
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		spec:      spec,
		health:    HealthUp,
		changedAt: now,
		subs:      make(map[net.Conn]struct{}),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	if err := t.establish(ctx); err != nil {
		t.cancel()
		return nil, err
	}

	s.mu.Lock()
	s.tunnels[t.ID] = t
	s.mu.Unlock()
	s.prune()

	go t.supervise()

	logging.ForServer("sshtunnel", server).Info().
		Str("tunnel", t.ID).
		Str("kind", string(kind)).
		Str("addr", t.Addr()).
		Msg("tunnel opened")
	s.emit(t, EventOpened, "")
	return t, nil
}

// Get returns a tunnel by id, including closed ones not yet forgotten.
func (s *Supervisor) Get(id string) (*Tunnel, error) {
	s.mu.RLock()
	t, ok := s.tunnels[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fleeterr.Newf(fleeterr.KindNotFound, "tunnel", "unknown tunnel %q", id)
	}
	return t, nil
}

// List returns every tunnel that has not been closed, oldest first. Dead
// tunnels stay listed until closed.
func (s *Supervisor) List() []Info {
	s.prune()
	s.mu.RLock()
	out := make([]Info, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		if info := t.Info(); info.Health != HealthClosed {
			out = append(out, info)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close stops supervising a tunnel and releases its listener and
// connection. Closing an already closed tunnel is a no-op, even after it
// has been forgotten.
func (s *Supervisor) Close(id string) error {
	t, err := s.Get(id)
	if err != nil {
		s.mu.RLock()
		_, pruned := s.retired[id]
		s.mu.RUnlock()
		if pruned {
			return nil
		}
		return err
	}
	t.shutdown("closed by request")
	return nil
}

// Stop closes every tunnel.
func (s *Supervisor) Stop() {
	s.mu.RLock()
	all := make([]*Tunnel, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		all = append(all, t)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range all {
		wg.Add(1)
		go func(t *Tunnel) {
			defer wg.Done()
			t.shutdown("supervisor stopped")
		}(t)
	}
	wg.Wait()
}

// prune forgets tunnels closed longer ago than closedRetention.
func (s *Supervisor) prune() {
	cutoff := s.nowFn().Add(-closedRetention)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tunnels {
		info := t.Info()
		if info.Health == HealthClosed && info.ChangedAt.Before(cutoff) {
			delete(s.tunnels, id)
			s.retired[id] = struct{}{}
		}
	}
}

func (s *Supervisor) transition(t *Tunnel, h Health, reason string) {
	if !t.setHealth(h, reason) {
		return
	}
	log := logging.ForServer("sshtunnel", t.Server)
	ev := log.Info()
	if h == HealthReconnecting || h == HealthDead {
		ev = log.Warn()
	}
	ev.Str("tunnel", t.ID).Str("health", string(h)).Str("reason", reason).Msg("tunnel health changed")

	typ := EventHealth
	if h == HealthClosed {
		typ = EventClosed
	}
	s.emit(t, typ, reason)
}

// establish acquires the server's connection, pins it, and binds the
// listener for the tunnel's kind.
func (t *Tunnel) establish(ctx context.Context) error {
	conn, err := t.sup.conns.Acquire(ctx, t.Server)
	if err != nil {
		return err
	}
	release, err := conn.Hold()
	if err != nil {
		return err
	}

	t.mu.Lock()
	addr := t.spec.bindAddr()
	t.mu.Unlock()

	var ln net.Listener
	if t.Kind == KindRemote {
		ln, err = conn.Client().Listen("tcp", addr)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		release()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		ln.Close()
		release()
		return errTunnelClosed
	}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok && t.spec.BindPort == 0 {
		t.spec.BindPort = tcp.Port
	}
	t.conn, t.listener, t.release = conn, ln, release
	t.bound = ln.Addr().String()
	t.mu.Unlock()

	go t.serve(ln, conn)
	return nil
}

// unbind closes the listener and every forwarded stream, and drops the hold
// on the connection.
func (t *Tunnel) unbind() {
	t.mu.Lock()
	ln, release := t.listener, t.release
	subs := make([]net.Conn, 0, len(t.subs))
	for c := range t.subs {
		subs = append(subs, c)
	}
	t.listener, t.release, t.conn, t.bound = nil, nil, nil, ""
	t.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range subs {
		c.Close()
	}
	if release != nil {
		release()
	}
}

// check verifies the binding: the pinned connection must still be the
// server's usable, Ready connection and must answer a keepalive.
func (t *Tunnel) check() error {
	t.mu.Lock()
	conn, ln := t.conn, t.listener
	t.mu.Unlock()
	if conn == nil || ln == nil {
		return errors.New("not bound")
	}
	if !conn.Usable() {
		return errors.New("connection closed")
	}
	if st := t.sup.conns.State(t.Server); st != sshproxy.StateReady {
		return fmt.Errorf("connection %s", st)
	}
	return conn.Alive(probeTimeout)
}

// supervise is the per-tunnel loop. It wakes on the poll interval, when the
// pinned connection ends, or when the listener fails.
func (t *Tunnel) supervise() {
	defer close(t.done)
	ticker := time.NewTicker(t.sup.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		var lost <-chan struct{}
		t.mu.Lock()
		if t.conn != nil {
			lost = t.conn.Done()
		}
		t.mu.Unlock()

		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		case <-t.kick:
		case <-lost:
		}
		if t.ctx.Err() != nil {
			return
		}
		err := t.check()
		if err == nil {
			continue
		}
		t.stats.errors.Add(1)
		if !t.recover(err) {
			return
		}
	}
}

// recover rebinds the tunnel with exponential backoff. It reports false when
// the tunnel was closed meanwhile or gave up and is now Dead.
func (t *Tunnel) recover(cause error) bool {
	t.sup.transition(t, HealthReconnecting, cause.Error())
	t.unbind()

	cfg := t.sup.cfg
	backoff := cfg.BackoffInitial
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		t.mu.Lock()
		t.attempts = attempt
		t.mu.Unlock()

		err := t.establish(t.ctx)
		if err == nil {
			t.mu.Lock()
			t.attempts = 0
			t.mu.Unlock()
			t.stats.reconnects.Add(1)
			t.sup.transition(t, HealthUp, fmt.Sprintf("reconnected after %d attempt(s)", attempt))
			return true
		}
		if t.ctx.Err() != nil {
			return false
		}
		t.stats.errors.Add(1)
		lastErr = err
		logging.ForServer("sshtunnel", t.Server).Debug().
			Str("tunnel", t.ID).
			Int("attempt", attempt).
			Err(err).
			Msg("tunnel reconnect failed")

		if attempt == cfg.MaxAttempts {
			break
		}
		timer := time.NewTimer(jittered(backoff))
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		backoff = nextBackoff(backoff, cfg.BackoffMax)
	}

	t.sup.transition(t, HealthDead, fmt.Sprintf("gave up after %d attempts: %v", cfg.MaxAttempts, lastErr))
	return false
}

// shutdown is the single teardown path for Close and Stop.
func (t *Tunnel) shutdown(reason string) {
	t.mu.Lock()
	already := t.closing
	t.closing = true
	t.mu.Unlock()
	if already {
		<-t.done
		return
	}

	t.cancel()
	<-t.done
	t.unbind()
	t.sup.transition(t, HealthClosed, reason)
	logging.ForServer("sshtunnel", t.Server).Info().
		Str("tunnel", t.ID).
		Int64("bytes_in", t.stats.bytesIn.Load()).
		Int64("bytes_out", t.stats.bytesOut.Load()).
		Msg("tunnel closed")
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	cur *= 2
	if cur > limit {
		return limit
	}
	return cur
}

// jittered spreads d by up to ±jitterFraction.
func jittered(d time.Duration) time.Duration {
	if jitterFraction <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * jitterFraction
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
