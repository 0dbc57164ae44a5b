package database

import "time"

// TrustedHostKey is one accepted host key fingerprint. A (host, port) pair
// has at most one row per key algorithm.
type TrustedHostKey struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	Host        string    `gorm:"not null;uniqueIndex:idx_host_port_alg" json:"host"`
	Port        int       `gorm:"not null;uniqueIndex:idx_host_port_alg" json:"port"`
	Algorithm   string    `gorm:"not null;uniqueIndex:idx_host_port_alg" json:"algorithm"`
	Fingerprint string    `gorm:"not null" json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GroupDefinition is a persisted named set of servers.
type GroupDefinition struct {
	Name        string    `gorm:"primarykey" json:"name"`
	Members     []string  `gorm:"serializer:json" json:"members"`
	Strategy    string    `gorm:"not null;default:parallel" json:"strategy"`
	DelayMs     int64     `gorm:"not null;default:0" json:"delay_ms"`
	StopOnError bool      `gorm:"not null;default:false" json:"stop_on_error"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AuditLog records a security-relevant fabric event.
type AuditLog struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
	Server     string    `gorm:"index" json:"server"`
	EventType  string    `gorm:"index;not null" json:"event_type"`
	SourceIP   string    `json:"source_ip,omitempty"`
	Details    string    `json:"details"`
	DurationMs int64     `json:"duration_ms"`
}

// CommandHistory is one command run through the executor or a session.
type CommandHistory struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
	Server     string    `gorm:"index" json:"server"`
	SessionID  string    `gorm:"index" json:"session_id,omitempty"`
	Command    string    `json:"command"`
	ExitCode   int       `json:"exit_code"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}
