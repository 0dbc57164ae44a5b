package sshtrust

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ebowwa/mcp-ssh-manager/internal/sshkeys"
)

// scanAlgorithms are offered one at a time so a server reveals each host key
// type it holds.
var scanAlgorithms = [][]string{
	{ssh.KeyAlgoED25519},
	{ssh.KeyAlgoECDSA256, ssh.KeyAlgoECDSA384, ssh.KeyAlgoECDSA521},
	{ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSA},
}

var errKeyCaptured = errors.New("host key captured")

// ScannedKey is a host key presented during a scan.
type ScannedKey struct {
	Fingerprint sshkeys.Fingerprint
	Key         ssh.PublicKey
}

// Scan performs key-exchange-only handshakes against host:port and returns
// every host key the server presents. No authentication is attempted.
func Scan(ctx context.Context, host string, port int, timeout time.Duration) ([]ScannedKey, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var out []ScannedKey
	var lastErr error
	for _, algs := range scanAlgorithms {
		key, err := scanOne(ctx, addr, algs, timeout)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			continue
		}
		out = append(out, ScannedKey{Fingerprint: sshkeys.FingerprintOf(key), Key: key})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("scan %s: %w", addr, lastErr)
	}
	return out, nil
}

func scanOne(ctx context.Context, addr string, algs []string, timeout time.Duration) (ssh.PublicKey, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	var captured ssh.PublicKey
	cfg := &ssh.ClientConfig{
		User:              "scan",
		HostKeyAlgorithms: algs,
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			captured = key
			return errKeyCaptured
		},
		Timeout: timeout,
	}
	_, _, _, err = ssh.NewClientConn(conn, addr, cfg)
	if captured != nil {
		return captured, nil
	}
	if err == nil {
		err = errors.New("handshake completed without a host key")
	}
	return nil, err
}
