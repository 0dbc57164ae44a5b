// Package sshaudit records security-relevant fleet activity.
//
// Connection lifecycle, command execution, file transfers, session and
// tunnel lifecycle, and trust changes are written to the audit_logs table
// and mirrored to the structured log. Entries older than the retention
// period are purged by a daily job.
package sshaudit

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/ebowwa/mcp-ssh-manager/internal/database"
	"github.com/ebowwa/mcp-ssh-manager/internal/logging"
)

// Event types.
const (
	EventConnectionEstablished = "connection_established"
	EventConnectionTerminated  = "connection_terminated"
	EventConnectionFailed      = "connection_failed"
	EventCommandExecution      = "command_execution"
	EventFileOperation         = "file_operation"
	EventSessionStart          = "session_start"
	EventSessionEnd            = "session_end"
	EventTunnelOpened          = "tunnel_opened"
	EventTunnelState           = "tunnel_state"
	EventTunnelClosed          = "tunnel_closed"
	EventTrustRecorded         = "trust_recorded"
	EventTrustForgotten        = "trust_forgotten"
	EventFingerprintMismatch   = "fingerprint_mismatch"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// DefaultPurgeSchedule runs the retention purge once a day.
const DefaultPurgeSchedule = "@daily"

// AuditEntry contains the fields needed to create an audit log entry.
type AuditEntry struct {
	Server     string
	EventType  string
	SourceIP   string
	Details    string
	DurationMs int64
}

// Auditor records and queries audit logs.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewAuditor creates an Auditor that writes to db. A non-positive
// retentionDays selects DefaultRetentionDays.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{db: db, retentionDays: retentionDays, nowFn: time.Now}
}

// Log records an audit event to the database and the structured log.
func (a *Auditor) Log(entry AuditEntry) error {
	record := database.AuditLog{
		CreatedAt:  a.nowFn(),
		Server:     entry.Server,
		EventType:  entry.EventType,
		SourceIP:   entry.SourceIP,
		Details:    entry.Details,
		DurationMs: entry.DurationMs,
	}
	log := logging.Component("audit")
	if err := a.db.Create(&record).Error; err != nil {
		log.Error().Err(err).Str("event", entry.EventType).Msg("failed to write audit log")
		return fmt.Errorf("write audit log: %w", err)
	}
	log.Info().
		Str("event", entry.EventType).
		Str("server", logging.SanitizeForLog(entry.Server)).
		Str("source_ip", entry.SourceIP).
		Str("details", logging.SanitizeForLog(entry.Details)).
		Msg("audit")
	return nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	Server    string
	EventType string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query retrieves entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.AuditLog{})
	if opts.Server != "" {
		tx = tx.Where("server = ?", opts.Server)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count audit logs: %w", err)
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	return &QueryResult{Entries: entries, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// PurgeOlderThan removes entries older than days, or older than the
// retention period when days is not positive. It returns the number of
// entries deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if result.Error != nil {
		logging.Component("audit").Error().Err(result.Error).Msg("audit purge failed")
		return 0, fmt.Errorf("purge audit logs: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		logging.Component("audit").Info().
			Int64("deleted", result.RowsAffected).
			Int("days", days).
			Msg("purged old audit logs")
	}
	return result.RowsAffected, nil
}

// StartRetention schedules PurgeOlderThan on schedule (cron syntax or a
// descriptor such as "@daily").
func (a *Auditor) StartRetention(schedule string) error {
	if schedule == "" {
		schedule = DefaultPurgeSchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { a.PurgeOlderThan(0) }); err != nil {
		return fmt.Errorf("schedule audit purge %q: %w", schedule, err)
	}
	c.Start()
	a.mu.Lock()
	a.cron = c
	a.mu.Unlock()
	return nil
}

// Stop halts the retention job.
func (a *Auditor) Stop() {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc replaces the clock, for tests.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
