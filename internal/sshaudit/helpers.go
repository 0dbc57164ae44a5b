package sshaudit

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ebowwa/mcp-ssh-manager/internal/logging"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshexec"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshproxy"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshterminal"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshtrust"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshtunnel"
)

// The package-level helpers write through the global Auditor and are no-ops
// when none is installed.

// LogConnection logs an established connection.
func LogConnection(server, details string) {
	if a := GetAuditor(); a != nil {
		a.Log(AuditEntry{Server: server, EventType: EventConnectionEstablished, Details: details})
	}
}

// LogDisconnection logs a connection going away.
func LogDisconnection(server, reason string, d time.Duration) {
	if a := GetAuditor(); a != nil {
		a.Log(AuditEntry{Server: server, EventType: EventConnectionTerminated, Details: reason, DurationMs: d.Milliseconds()})
	}
}

// LogConnectionFailed logs a failed connection attempt.
func LogConnectionFailed(server, reason string) {
	if a := GetAuditor(); a != nil {
		a.Log(AuditEntry{Server: server, EventType: EventConnectionFailed, Details: reason})
	}
}

// LogCommand logs a command execution. The command is redacted before it
// is stored.
func LogCommand(server, command, result string, d time.Duration) {
	if a := GetAuditor(); a != nil {
		a.Log(AuditEntry{
			Server:     server,
			EventType:  EventCommandExecution,
			Details:    "cmd=" + logging.Command(command) + " result=" + result,
			DurationMs: d.Milliseconds(),
		})
	}
}

// LogFileOperation logs an upload or download.
func LogFileOperation(server, sourceIP, operation, path string, bytes int64) {
	if a := GetAuditor(); a != nil {
		a.Log(AuditEntry{
			Server:    server,
			EventType: EventFileOperation,
			SourceIP:  sourceIP,
			Details:   fmt.Sprintf("op=%s path=%s bytes=%d", operation, path, bytes),
		})
	}
}

// LogSessionStart logs a new interactive session.
func LogSessionStart(server, sessionID, sourceIP string) {
	if a := GetAuditor(); a != nil {
		a.Log(AuditEntry{Server: server, EventType: EventSessionStart, SourceIP: sourceIP, Details: "session_id=" + sessionID})
	}
}

// LogSessionEnd logs a closed interactive session.
func LogSessionEnd(server, sessionID, reason string) {
	if a := GetAuditor(); a != nil {
		a.Log(AuditEntry{Server: server, EventType: EventSessionEnd, Details: "session_id=" + sessionID + " reason=" + reason})
	}
}

// LogFingerprintMismatch logs a host presenting a key other than the
// trusted one.
func LogFingerprintMismatch(server, host string, port int, presented string) {
	if a := GetAuditor(); a != nil {
		a.Log(AuditEntry{
			Server:    server,
			EventType: EventFingerprintMismatch,
			Details:   fmt.Sprintf("host=%s presented=%s", net.JoinHostPort(host, fmt.Sprint(port)), presented),
		})
	}
}

// ConnectionEvent records the lifecycle events of the connection manager.
// Events without security relevance, such as a released hold, are ignored.
func (a *Auditor) ConnectionEvent(ev sshproxy.ConnectionEvent) {
	entry := AuditEntry{Server: ev.Server, Details: ev.Details, DurationMs: ev.Duration.Milliseconds()}
	switch ev.Type {
	case sshproxy.EventConnected:
		entry.EventType = EventConnectionEstablished
	case sshproxy.EventConnectFailed, sshproxy.EventRateLimited:
		entry.EventType = EventConnectionFailed
		entry.Details = strings.TrimSpace(string(ev.Type) + " " + ev.Details)
	case sshproxy.EventDisconnected, sshproxy.EventTornDown, sshproxy.EventClosed:
		entry.EventType = EventConnectionTerminated
		entry.Details = strings.TrimSpace(string(ev.Type) + " " + ev.Details)
	default:
		return
	}
	a.Log(entry)
}

// ExecEvent records one finished command.
func (a *Auditor) ExecEvent(ev sshexec.Event) {
	result := "error"
	switch {
	case ev.Err != nil:
		result = "error: " + ev.Err.Error()
	case ev.Result != nil:
		result = fmt.Sprintf("exit=%d", ev.Result.ExitCode)
	}
	a.Log(AuditEntry{
		Server:     ev.Server,
		EventType:  EventCommandExecution,
		Details:    "cmd=" + logging.Command(ev.Command) + " result=" + result,
		DurationMs: ev.Duration.Milliseconds(),
	})
}

// SessionEvent records session lifecycle and commands sent through
// sessions.
func (a *Auditor) SessionEvent(ev sshterminal.Event) {
	switch ev.Type {
	case sshterminal.EventStarted:
		a.Log(AuditEntry{Server: ev.Server, EventType: EventSessionStart, Details: "session_id=" + ev.SessionID})
	case sshterminal.EventClosed:
		a.Log(AuditEntry{Server: ev.Server, EventType: EventSessionEnd, Details: "session_id=" + ev.SessionID + " reason=" + ev.Reason})
	case sshterminal.EventCommand:
		if ev.Record == nil {
			return
		}
		result := fmt.Sprintf("exit=%d", ev.Record.ExitCode)
		if ev.Record.Error != "" {
			result = "error: " + ev.Record.Error
		}
		a.Log(AuditEntry{
			Server:     ev.Server,
			EventType:  EventCommandExecution,
			Details:    "session_id=" + ev.SessionID + " cmd=" + logging.Command(ev.Record.Command) + " result=" + result,
			DurationMs: ev.Record.Duration.Milliseconds(),
		})
	}
}

// TunnelEvent records tunnel lifecycle and health changes.
func (a *Auditor) TunnelEvent(ev sshtunnel.Event) {
	entry := AuditEntry{
		Server:  ev.Server,
		Details: fmt.Sprintf("tunnel_id=%s kind=%s health=%s", ev.TunnelID, ev.Kind, ev.Health),
	}
	switch ev.Type {
	case sshtunnel.EventOpened:
		entry.EventType = EventTunnelOpened
	case sshtunnel.EventHealth:
		entry.EventType = EventTunnelState
	case sshtunnel.EventClosed:
		entry.EventType = EventTunnelClosed
		entry.Details += fmt.Sprintf(" bytes_in=%d bytes_out=%d", ev.Stats.BytesIn, ev.Stats.BytesOut)
	default:
		return
	}
	if ev.Reason != "" {
		entry.Details += " reason=" + ev.Reason
	}
	a.Log(entry)
}

// TrustChange records changes to the trusted host key store.
func (a *Auditor) TrustChange(ev sshtrust.ChangeEvent) {
	fps := make([]string, 0, len(ev.Fingerprints))
	for _, fp := range ev.Fingerprints {
		fps = append(fps, fp.String())
	}
	entry := AuditEntry{
		Details: fmt.Sprintf("host=%s fingerprints=%s", net.JoinHostPort(ev.Host, fmt.Sprint(ev.Port)), strings.Join(fps, ",")),
	}
	switch ev.Type {
	case sshtrust.ChangeRecorded:
		entry.EventType = EventTrustRecorded
	case sshtrust.ChangeForgotten:
		entry.EventType = EventTrustForgotten
	case sshtrust.ChangeViolation:
		entry.EventType = EventFingerprintMismatch
	default:
		return
	}
	a.Log(entry)
}

// ExtractSourceIP returns the client address of r, preferring the first
// X-Forwarded-For hop.
func ExtractSourceIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
