// ratelimit.go guards servers against connection storms.
//
// Two limits apply per server:
//
//  1. Sliding window: at most 10 connection attempts per minute.
//  2. Consecutive failures: after 5 failed attempts the server is blocked for
//     30s, doubling on each further failure up to 5 minutes. A successful
//     connection clears the block.
//
// A blocked acquire fails immediately without dialing.

package sshproxy

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebowwa/mcp-ssh-manager/internal/logging"
)

const (
	rateLimitWindow           = 1 * time.Minute
	rateLimitMaxAttempts      = 10
	rateLimitFailureThreshold = 5
	rateLimitInitialBlock     = 30 * time.Second
	rateLimitMaxBlock         = 5 * time.Minute
)

// ErrRateLimited is returned when an attempt is rejected by the rate limiter.
type ErrRateLimited struct {
	Server     string
	Reason     string
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited for %s: %s (retry after %s)", e.Server, e.Reason, e.RetryAfter.Round(time.Second))
}

type serverRateState struct {
	attempts            []time.Time
	consecutiveFailures int
	blockedUntil        time.Time
	blockDuration       time.Duration
}

// RateLimiter enforces connection rate limits per server.
type RateLimiter struct {
	mu      sync.Mutex
	states  map[string]*serverRateState
	nowFunc func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{states: make(map[string]*serverRateState), nowFunc: time.Now}
}

func (rl *RateLimiter) getOrCreate(server string) *serverRateState {
	state, ok := rl.states[server]
	if !ok {
		state = &serverRateState{}
		rl.states[server] = state
	}
	return state
}

// Allow records an attempt for server, or returns *ErrRateLimited.
func (rl *RateLimiter) Allow(server string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	state := rl.getOrCreate(server)

	if !state.blockedUntil.IsZero() && now.Before(state.blockedUntil) {
		return &ErrRateLimited{
			Server:     server,
			Reason:     fmt.Sprintf("blocked after %d consecutive failures", state.consecutiveFailures),
			RetryAfter: state.blockedUntil.Sub(now),
		}
	}

	cutoff := now.Add(-rateLimitWindow)
	recent := state.attempts[:0]
	for _, t := range state.attempts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	state.attempts = recent

	if len(state.attempts) >= rateLimitMaxAttempts {
		retryAfter := state.attempts[0].Add(rateLimitWindow).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &ErrRateLimited{
			Server:     server,
			Reason:     fmt.Sprintf("exceeded %d attempts in %s", rateLimitMaxAttempts, rateLimitWindow),
			RetryAfter: retryAfter,
		}
	}

	state.attempts = append(state.attempts, now)
	return nil
}

// RecordSuccess clears the failure streak and any block.
func (rl *RateLimiter) RecordSuccess(server string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	state, ok := rl.states[server]
	if !ok {
		return
	}
	state.consecutiveFailures = 0
	state.blockedUntil = time.Time{}
	state.blockDuration = 0
}

// RecordFailure extends the failure streak, blocking the server once the
// threshold is reached.
func (rl *RateLimiter) RecordFailure(server string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state := rl.getOrCreate(server)
	state.consecutiveFailures++
	if state.consecutiveFailures < rateLimitFailureThreshold {
		return
	}
	if state.blockDuration == 0 {
		state.blockDuration = rateLimitInitialBlock
	} else {
		state.blockDuration *= 2
		if state.blockDuration > rateLimitMaxBlock {
			state.blockDuration = rateLimitMaxBlock
		}
	}
	state.blockedUntil = rl.nowFunc().Add(state.blockDuration)
	logging.ForServer("sshproxy", server).Warn().
		Dur("block", state.blockDuration).
		Int("failures", state.consecutiveFailures).
		Msg("connection attempts blocked")
}

// Reset forgets all state for server.
func (rl *RateLimiter) Reset(server string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.states, server)
}

// RateState is a snapshot of a server's limiter state.
type RateState struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	BlockedUntil        time.Time `json:"blocked_until,omitempty"`
	AttemptsInWindow    int       `json:"attempts_in_window"`
}

// State returns the limiter state for server.
func (rl *RateLimiter) State(server string) RateState {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	state, ok := rl.states[server]
	if !ok {
		return RateState{}
	}
	cutoff := rl.nowFunc().Add(-rateLimitWindow)
	n := 0
	for _, t := range state.attempts {
		if t.After(cutoff) {
			n++
		}
	}
	return RateState{
		ConsecutiveFailures: state.consecutiveFailures,
		BlockedUntil:        state.blockedUntil,
		AttemptsInWindow:    n,
	}
}
