package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/ebowwa/mcp-ssh-manager/internal/logging"
)

const (
	privateKeyFile = "fleet_key"
	publicKeyFile  = "fleet_key.pub"
)

// GenerateKeyPair generates an ED25519 key pair and returns the OpenSSH-format
// public key and the PEM-encoded private key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	privateKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(sshPub), privateKeyPEM, nil
}

// EnsureKeyPair loads the fleet's own key pair from dir, generating it on
// first start. Servers without an explicit credential authenticate with it.
func EnsureKeyPair(dir string) (ssh.Signer, []byte, error) {
	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	privPEM, err := os.ReadFile(privPath)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create key directory: %w", err)
		}
		var pub []byte
		pub, privPEM, err = GenerateKeyPair()
		if err != nil {
			return nil, nil, err
		}
		if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
			return nil, nil, fmt.Errorf("write private key: %w", err)
		}
		if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
			return nil, nil, fmt.Errorf("write public key: %w", err)
		}
		logging.Component("sshkeys").Info().Str("dir", dir).Msg("generated fleet key pair")
	} else if err != nil {
		return nil, nil, fmt.Errorf("read private key: %w", err)
	}

	signer, err := ParsePrivateKey(privPEM)
	if err != nil {
		return nil, nil, err
	}
	return signer, ssh.MarshalAuthorizedKey(signer.PublicKey()), nil
}

// ParsePrivateKey parses an unencrypted PEM private key into a signer.
func ParsePrivateKey(privateKeyPEM []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// ErrPassphraseRequired is returned when a key file is encrypted and no
// passphrase was supplied.
var ErrPassphraseRequired = errors.New("private key is passphrase protected")

// LoadPrivateKeyFile reads a private key from path, decrypting it with
// passphrase when the key is protected.
func LoadPrivateKeyFile(path string, passphrase []byte) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrPassphraseRequired)
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt private key %s: %w", path, err)
	}
	return signer, nil
}
