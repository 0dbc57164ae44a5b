// events.go keeps a per-server ring buffer (100 entries) of connection
// events and fans them out to listeners. State transitions live in state.go;
// events record individual actions and their outcomes.

package sshproxy

import (
	"sync"
	"time"
)

// ConnectionEventType names a connection lifecycle event.
type ConnectionEventType string

const (
	EventConnected         ConnectionEventType = "connected"
	EventConnectFailed     ConnectionEventType = "connect_failed"
	EventDisconnected      ConnectionEventType = "disconnected"
	EventReleased          ConnectionEventType = "released"
	EventClosed            ConnectionEventType = "closed"
	EventTornDown          ConnectionEventType = "torn_down"
	EventKeepaliveFailed   ConnectionEventType = "keepalive_failed"
	EventHealthCheckFailed ConnectionEventType = "health_check_failed"
	EventRateLimited       ConnectionEventType = "rate_limited"
)

// eventBufferSize is the number of events kept per server.
const eventBufferSize = 100

// ConnectionEvent is one recorded event.
type ConnectionEvent struct {
	Server    string              `json:"server"`
	Type      ConnectionEventType `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Details   string              `json:"details,omitempty"`
	Duration  time.Duration       `json:"duration,omitempty"`
}

// EventListener receives events after they are recorded.
type EventListener func(ConnectionEvent)

type eventBuffer struct {
	events [eventBufferSize]ConnectionEvent
	head   int
	count  int
}

func (b *eventBuffer) record(event ConnectionEvent) {
	b.events[b.head] = event
	b.head = (b.head + 1) % eventBufferSize
	if b.count < eventBufferSize {
		b.count++
	}
}

func (b *eventBuffer) history() []ConnectionEvent {
	if b.count == 0 {
		return nil
	}
	result := make([]ConnectionEvent, b.count)
	if b.count < eventBufferSize {
		copy(result, b.events[:b.count])
	} else {
		n := copy(result, b.events[b.head:])
		copy(result[n:], b.events[:b.head])
	}
	return result
}

type eventLog struct {
	mu        sync.RWMutex
	buffers   map[string]*eventBuffer
	listeners []EventListener
}

func newEventLog() *eventLog {
	return &eventLog{buffers: make(map[string]*eventBuffer)}
}

func (el *eventLog) emit(event ConnectionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	el.mu.Lock()
	buf, ok := el.buffers[event.Server]
	if !ok {
		buf = &eventBuffer{}
		el.buffers[event.Server] = buf
	}
	buf.record(event)
	ls := make([]EventListener, len(el.listeners))
	copy(ls, el.listeners)
	el.mu.Unlock()

	for _, l := range ls {
		l(event)
	}
}

func (el *eventLog) get(server string) []ConnectionEvent {
	el.mu.RLock()
	defer el.mu.RUnlock()
	buf, ok := el.buffers[server]
	if !ok {
		return nil
	}
	return buf.history()
}

// OnEvent registers a listener for every connection event.
func (m *ConnectionManager) OnEvent(l EventListener) {
	m.events.mu.Lock()
	m.events.listeners = append(m.events.listeners, l)
	m.events.mu.Unlock()
}

// Events returns up to 100 recent events for server, oldest first.
func (m *ConnectionManager) Events(server string) []ConnectionEvent {
	return m.events.get(server)
}

func (m *ConnectionManager) emit(server string, typ ConnectionEventType, details string, d time.Duration) {
	m.events.emit(ConnectionEvent{Server: server, Type: typ, Details: details, Duration: d})
}
