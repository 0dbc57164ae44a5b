// Package sshtrust decides whether a server's host key is trusted.
//
// A trust record maps (host, port) to a set of fingerprints, at most one per
// key algorithm. Verification compares SHA256 digests and treats a match on
// any algorithm as trusted, so a server that rotates key types keeps working
// as long as one of its recorded keys is still offered.
//
// Store serializes mutations against verification with an RWMutex: a Verify
// racing a Record observes either the old or the new record, never a mix.
package sshtrust

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/ebowwa/mcp-ssh-manager/internal/sshkeys"
)

// Status is the outcome of a verification.
type Status int

const (
	Trusted Status = iota
	Unknown
	Changed
)

func (s Status) String() string {
	switch s {
	case Trusted:
		return "trusted"
	case Unknown:
		return "unknown"
	case Changed:
		return "changed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Record is the trust state of one endpoint.
type Record struct {
	Host         string                `json:"host"`
	Port         int                   `json:"port"`
	Fingerprints []sshkeys.Fingerprint `json:"fingerprints"`
}

// Backend persists records. Implementations need not be safe for concurrent
// use; Store serializes every call.
type Backend interface {
	Get(host string, port int) ([]sshkeys.Fingerprint, error)
	Put(host string, port int, fps []sshkeys.Fingerprint) error
	Delete(host string, port int) error
	List() ([]Record, error)
}

// ChangeType names a trust mutation or violation.
type ChangeType string

const (
	ChangeRecorded  ChangeType = "trust_recorded"
	ChangeForgotten ChangeType = "trust_forgotten"
	ChangeViolation ChangeType = "trust_violation"
)

// ChangeEvent is delivered to listeners after a mutation or a rejected key.
type ChangeEvent struct {
	Type         ChangeType
	Host         string
	Port         int
	Fingerprints []sshkeys.Fingerprint
}

// Store is the TrustStore.
type Store struct {
	mu      sync.RWMutex
	backend Backend

	listenerMu sync.RWMutex
	listeners  []func(ChangeEvent)
}

// NewStore wraps a backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// OnChange registers a listener. Listeners run synchronously after the
// store lock is released.
func (s *Store) OnChange(fn func(ChangeEvent)) {
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenerMu.Unlock()
}

func (s *Store) emit(ev ChangeEvent) {
	s.listenerMu.RLock()
	ls := make([]func(ChangeEvent), len(s.listeners))
	copy(ls, s.listeners)
	s.listenerMu.RUnlock()
	for _, fn := range ls {
		fn(ev)
	}
}

// Verify compares presented fingerprints against the record for host:port.
// It also returns the recorded set for diagnostics.
func (s *Store) Verify(host string, port int, presented []sshkeys.Fingerprint) (Status, []sshkeys.Fingerprint, error) {
	s.mu.RLock()
	known, err := s.backend.Get(host, port)
	s.mu.RUnlock()
	if err != nil {
		return Unknown, nil, fmt.Errorf("load trust record %s:%d: %w", host, port, err)
	}
	return compare(known, presented), known, nil
}

func compare(known, presented []sshkeys.Fingerprint) Status {
	if len(known) == 0 {
		return Unknown
	}
	for _, p := range presented {
		for _, k := range known {
			if p.Digest == k.Digest {
				return Trusted
			}
		}
	}
	return Changed
}

// Check verifies presented keys and, when acceptUnknown is set and the host
// has no record, records them in the same critical section. It returns a
// *sshkeys.UnknownHostError or *sshkeys.FingerprintMismatchError when the
// key must not be used.
func (s *Store) Check(host string, port int, presented []sshkeys.Fingerprint, acceptUnknown bool) (Status, error) {
	s.mu.Lock()
	known, err := s.backend.Get(host, port)
	if err != nil {
		s.mu.Unlock()
		return Unknown, fmt.Errorf("load trust record %s:%d: %w", host, port, err)
	}
	status := compare(known, presented)
	recorded := false
	if status == Unknown && acceptUnknown {
		if err := s.backend.Put(host, port, dedupe(presented)); err != nil {
			s.mu.Unlock()
			return status, fmt.Errorf("record host key %s:%d: %w", host, port, err)
		}
		recorded = true
	}
	s.mu.Unlock()

	switch {
	case recorded:
		s.emit(ChangeEvent{Type: ChangeRecorded, Host: host, Port: port, Fingerprints: presented})
		return status, nil
	case status == Trusted:
		return status, nil
	case status == Unknown:
		return status, &sshkeys.UnknownHostError{Host: host, Port: port, Actual: presented}
	default:
		s.emit(ChangeEvent{Type: ChangeViolation, Host: host, Port: port, Fingerprints: presented})
		return status, &sshkeys.FingerprintMismatchError{Host: host, Port: port, Expected: known, Actual: presented}
	}
}

// Record replaces the trusted set for host:port. This is how a Changed host
// is explicitly re-trusted.
func (s *Store) Record(host string, port int, fps []sshkeys.Fingerprint) error {
	if len(fps) == 0 {
		return fmt.Errorf("record %s:%d: no fingerprints", host, port)
	}
	s.mu.Lock()
	err := s.backend.Put(host, port, dedupe(fps))
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("record %s:%d: %w", host, port, err)
	}
	s.emit(ChangeEvent{Type: ChangeRecorded, Host: host, Port: port, Fingerprints: fps})
	return nil
}

// Add merges fingerprints into the existing set, replacing entries with the
// same algorithm.
func (s *Store) Add(host string, port int, fps []sshkeys.Fingerprint) error {
	s.mu.Lock()
	known, err := s.backend.Get(host, port)
	if err == nil {
		err = s.backend.Put(host, port, dedupe(append(append([]sshkeys.Fingerprint(nil), known...), fps...)))
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("add %s:%d: %w", host, port, err)
	}
	s.emit(ChangeEvent{Type: ChangeRecorded, Host: host, Port: port, Fingerprints: fps})
	return nil
}

// Forget drops the record for host:port. Forgetting an unknown host is not
// an error.
func (s *Store) Forget(host string, port int) error {
	s.mu.Lock()
	err := s.backend.Delete(host, port)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("forget %s:%d: %w", host, port, err)
	}
	s.emit(ChangeEvent{Type: ChangeForgotten, Host: host, Port: port})
	return nil
}

// List returns every record sorted by host then port.
func (s *Store) List() ([]Record, error) {
	s.mu.RLock()
	recs, err := s.backend.List()
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("list trust records: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Host != recs[j].Host {
			return recs[i].Host < recs[j].Host
		}
		return recs[i].Port < recs[j].Port
	})
	return recs, nil
}

// HostKeyAlgorithms returns the handshake algorithms under which host:port
// can present one of its recorded keys, or nil when nothing is recorded.
// Without this restriction the server shows only the key type the client
// prefers, which need not be one that was recorded.
func (s *Store) HostKeyAlgorithms(host string, port int) ([]string, error) {
	s.mu.RLock()
	known, err := s.backend.Get(host, port)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("load trust record %s:%d: %w", host, port, err)
	}
	var algs []string
	seen := make(map[string]bool)
	for _, fp := range known {
		for _, a := range signatureAlgorithms(fp.Algorithm) {
			if !seen[a] {
				seen[a] = true
				algs = append(algs, a)
			}
		}
	}
	return algs, nil
}

// signatureAlgorithms maps a key type to the algorithms that sign with it.
func signatureAlgorithms(keyType string) []string {
	switch keyType {
	case ssh.KeyAlgoRSA:
		return []string{ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSA}
	case ssh.CertAlgoRSAv01:
		return []string{ssh.CertAlgoRSASHA512v01, ssh.CertAlgoRSASHA256v01, ssh.CertAlgoRSAv01}
	case "":
		return nil
	default:
		return []string{keyType}
	}
}

// dedupe keeps the last fingerprint per algorithm, ordered by algorithm.
func dedupe(fps []sshkeys.Fingerprint) []sshkeys.Fingerprint {
	byAlg := make(map[string]sshkeys.Fingerprint, len(fps))
	for _, fp := range fps {
		byAlg[fp.Algorithm] = fp
	}
	out := make([]sshkeys.Fingerprint, 0, len(byAlg))
	for _, fp := range byAlg {
		out = append(out, fp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Algorithm < out[j].Algorithm })
	return out
}
