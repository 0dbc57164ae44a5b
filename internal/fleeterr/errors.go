// Package fleeterr defines the typed error returned at every fabric boundary.
//
// Callers branch on the error's [Kind] instead of parsing messages:
//
//	if errors.Is(err, fleeterr.Timeout) { ... }
//
//	var fe *fleeterr.Error
//	if errors.As(err, &fe) { log.Printf("%s on %s:%d", fe.Kind, fe.Host, fe.Port) }
package fleeterr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a fabric failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthenticationFailed
	KindTrustViolation
	KindConnectionLost
	KindTimeout
	KindNotFound
	KindPartialGroupFailure
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAuthenticationFailed:
		return "AuthenticationFailed"
	case KindTrustViolation:
		return "TrustViolation"
	case KindConnectionLost:
		return "ConnectionLost"
	case KindTimeout:
		return "Timeout"
	case KindNotFound:
		return "NotFound"
	case KindPartialGroupFailure:
		return "PartialGroupFailure"
	default:
		return "Unknown"
	}
}

// MarshalText lets kinds appear by name in JSON payloads.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name; unrecognized names become KindUnknown.
func (k *Kind) UnmarshalText(b []byte) error {
	*k = KindUnknown
	for c := KindAuthenticationFailed; c <= KindPartialGroupFailure; c++ {
		if c.String() == string(b) {
			*k = c
			break
		}
	}
	return nil
}

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	AuthenticationFailed = &Error{Kind: KindAuthenticationFailed}
	TrustViolation       = &Error{Kind: KindTrustViolation}
	ConnectionLost       = &Error{Kind: KindConnectionLost}
	Timeout              = &Error{Kind: KindTimeout}
	NotFound             = &Error{Kind: KindNotFound}
	PartialGroupFailure  = &Error{Kind: KindPartialGroupFailure}
)

// maxExcerpt bounds the command text stored on an error.
const maxExcerpt = 120

// Error is a fabric failure with diagnostic context.
type Error struct {
	Kind     Kind
	Op       string // operation, e.g. "acquire", "run", "send"
	Server   string
	Host     string
	Port     int
	Command  string // excerpt, never the full command
	Duration time.Duration
	Err      error

	// Stdout and Stderr hold output captured before the failure.
	Stdout []byte
	Stderr []byte

	// Detail carries kind-specific payload, e.g. the group result for
	// PartialGroupFailure.
	Detail any
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Server != "" {
		fmt.Fprintf(&b, " server=%s", e.Server)
	}
	if e.Host != "" {
		fmt.Fprintf(&b, " addr=%s:%d", e.Host, e.Port)
	}
	if e.Command != "" {
		fmt.Fprintf(&b, " command=%q", e.Command)
	}
	if e.Duration > 0 {
		fmt.Fprintf(&b, " after=%s", e.Duration.Round(time.Millisecond))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil && t.Server == ""
}

// New builds an error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an error of the given kind with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithTarget fills in the server identity.
func (e *Error) WithTarget(server, host string, port int) *Error {
	e.Server = server
	e.Host = host
	e.Port = port
	return e
}

// WithCommand stores an excerpt of the command and how long it ran.
func (e *Error) WithCommand(command string, d time.Duration) *Error {
	e.Command = Excerpt(command)
	e.Duration = d
	return e
}

// KindOf returns the kind of err, or KindUnknown when err is not a fabric error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Excerpt shortens a command to a loggable prefix.
func Excerpt(command string) string {
	command = strings.TrimSpace(command)
	if len(command) <= maxExcerpt {
		return command
	}
	return command[:maxExcerpt] + "..."
}
