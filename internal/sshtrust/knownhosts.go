package sshtrust

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ebowwa/mcp-ssh-manager/internal/sshkeys"
)

// ImportKnownHosts merges an OpenSSH known_hosts file into the store.
// Hashed entries and revoked or CA-marked lines are skipped since they
// cannot be mapped back to a host. It returns the number of keys imported.
func (s *Store) ImportKnownHosts(r io.Reader) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read known_hosts: %w", err)
	}

	imported := 0
	for len(bytes.TrimSpace(data)) > 0 {
		marker, hosts, key, _, rest, err := ssh.ParseKnownHosts(data)
		if err == io.EOF {
			break
		}
		if err != nil {
			return imported, fmt.Errorf("parse known_hosts: %w", err)
		}
		data = rest
		if marker != "" {
			continue
		}
		fp := sshkeys.FingerprintOf(key)
		for _, h := range hosts {
			if strings.HasPrefix(h, "|") {
				continue
			}
			host, port, ok := splitKnownHost(h)
			if !ok {
				continue
			}
			if err := s.Add(host, port, []sshkeys.Fingerprint{fp}); err != nil {
				return imported, err
			}
			imported++
		}
	}
	return imported, nil
}

func splitKnownHost(entry string) (string, int, bool) {
	if strings.ContainsAny(entry, "*?!") {
		return "", 0, false
	}
	if strings.HasPrefix(entry, "[") {
		host, portStr, err := net.SplitHostPort(entry)
		if err != nil {
			return "", 0, false
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false
		}
		return strings.Trim(host, "[]"), port, true
	}
	return entry, 22, true
}

// KnownHostsLine renders a known_hosts line for a host and key in the
// format OpenSSH expects.
func KnownHostsLine(host string, port int, key ssh.PublicKey) string {
	addr := knownhosts.Normalize(net.JoinHostPort(host, strconv.Itoa(port)))
	return knownhosts.Line([]string{addr}, key)
}
