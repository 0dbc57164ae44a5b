package sshkeys

import (
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Fingerprint identifies a public key by algorithm and SHA256 digest.
type Fingerprint struct {
	Algorithm string `json:"algorithm"`
	Digest    string `json:"fingerprint"` // "SHA256:..."
}

func (f Fingerprint) String() string {
	return f.Algorithm + " " + f.Digest
}

// FingerprintOf returns the fingerprint of a parsed key.
func FingerprintOf(key ssh.PublicKey) Fingerprint {
	return Fingerprint{Algorithm: key.Type(), Digest: ssh.FingerprintSHA256(key)}
}

// GetPublicKeyFingerprint calculates the fingerprint of a public key in
// authorized_keys format (e.g. "ssh-ed25519 AAAA...").
func GetPublicKeyFingerprint(publicKey []byte) (Fingerprint, error) {
	if len(publicKey) == 0 {
		return Fingerprint{}, fmt.Errorf("get fingerprint: public key is empty")
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("get fingerprint: parse public key: %w", err)
	}
	return FingerprintOf(parsed), nil
}

// FingerprintMismatchError is returned when a presented host key does not
// match any trusted fingerprint. This may indicate a MITM attack.
type FingerprintMismatchError struct {
	Host     string
	Port     int
	Expected []Fingerprint
	Actual   []Fingerprint
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("host key for %s:%d changed: trusted %v, presented %v (possible MITM attack)",
		e.Host, e.Port, e.Expected, e.Actual)
}

// UnknownHostError is returned when a host has no trust record and unknown
// hosts are not accepted automatically.
type UnknownHostError struct {
	Host   string
	Port   int
	Actual []Fingerprint
}

func (e *UnknownHostError) Error() string {
	return fmt.Sprintf("host %s:%d is not trusted (presented %v); record its key before connecting", e.Host, e.Port, e.Actual)
}
