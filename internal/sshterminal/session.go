// Package sshterminal keeps named, stateful shell sessions on remote servers.
//
// A session binds one long-lived remote shell to a borrowed connection, so
// the working directory and exported variables survive between sends.
// Sends to one session are serialized; different sessions run independently.
// Idle sessions are reclaimed by a periodic sweep.
package sshterminal

import (
	"sync"
	"time"

	"github.com/ebowwa/mcp-ssh-manager/internal/sshproxy"
)

// maxHistory bounds the per-session command log.
const maxHistory = 500

// CommandRecord is one entry of a session's command log.
type CommandRecord struct {
	Command   string        `json:"command"`
	ExitCode  int           `json:"exit_code"`
	Cwd       string        `json:"cwd"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Session is a remote shell context. All accessors are safe for concurrent
// use.
type Session struct {
	ID        string
	Name      string
	Server    string
	CreatedAt time.Time

	conn    *sshproxy.Connection
	shell   *shell
	release func()
	done    chan struct{}

	mu           sync.Mutex
	lastActivity time.Time
	cwd          string
	history      []CommandRecord
	busy         bool
	closed       bool
	closedAt     time.Time
	closeReason  string
}

// Info is a point-in-time view of a session for listings.
type Info struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Server       string    `json:"server"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Cwd          string    `json:"cwd"`
	Commands     int       `json:"commands"`
	Busy         bool      `json:"busy"`
	Closed       bool      `json:"closed"`
	CloseReason  string    `json:"close_reason,omitempty"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		Name:         s.Name,
		Server:       s.Server,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		Cwd:          s.cwd,
		Commands:     len(s.history),
		Busy:         s.busy,
		Closed:       s.closed,
		CloseReason:  s.closeReason,
	}
}

// Cwd returns the working directory after the last completed send.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// History returns the session's command log, oldest first.
func (s *Session) History() []CommandRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CommandRecord, len(s.history))
	copy(out, s.history)
	return out
}

// LastActivity returns the time of the last send.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) begin(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.busy = true
	s.lastActivity = now
	return true
}

func (s *Session) finish(rec CommandRecord, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.lastActivity = now
	if rec.Error == "" && rec.Cwd != "" {
		s.cwd = rec.Cwd
	}
	s.history = append(s.history, rec)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
}

// markClosed flips the session to closed; it reports false when it already was.
func (s *Session) markClosed(reason string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.closedAt = now
	s.closeReason = reason
	return true
}

func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.busy && s.lastActivity.Before(cutoff)
}

func (s *Session) closedBefore(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed && s.closedAt.Before(cutoff)
}
