package logging

import (
	"regexp"
	"strings"
)

// SanitizeForLog strips newlines and control characters from user-provided
// strings so they cannot forge extra log entries.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 127:
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

var secretAssign = regexp.MustCompile(`(?i)((?:password|passwd|pwd|token|secret|api[_-]?key)\s*[=:]\s*)('[^']*'|"[^"]*"|\S+)`)

// maxCommandLog bounds how much of a command is written to the log.
const maxCommandLog = 80

// Command prepares a remote command for logging: sanitized, with obvious
// secret assignments masked and truncated.
func Command(cmd string) string {
	cmd = SanitizeForLog(strings.TrimSpace(cmd))
	cmd = secretAssign.ReplaceAllString(cmd, "${1}***")
	if len(cmd) > maxCommandLog {
		cmd = cmd[:maxCommandLog] + "..."
	}
	return cmd
}
