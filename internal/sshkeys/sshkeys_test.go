package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/ebowwa/mcp-ssh-manager/internal/config"
)

func TestGenerateKeyPairFingerprint(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(pub), "ssh-ed25519 "))

	signer, err := ParsePrivateKey(priv)
	require.NoError(t, err)

	fp, err := GetPublicKeyFingerprint(pub)
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", fp.Algorithm)
	assert.True(t, strings.HasPrefix(fp.Digest, "SHA256:"))
	assert.Equal(t, FingerprintOf(signer.PublicKey()), fp)
}

func TestGetPublicKeyFingerprintRejectsGarbage(t *testing.T) {
	_, err := GetPublicKeyFingerprint(nil)
	assert.Error(t, err)
	_, err = GetPublicKeyFingerprint([]byte("not a key"))
	assert.Error(t, err)
}

func TestEnsureKeyPairIsStable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	s1, pub1, err := EnsureKeyPair(dir)
	require.NoError(t, err)
	s2, pub2, err := EnsureKeyPair(dir)
	require.NoError(t, err)

	assert.Equal(t, pub1, pub2)
	assert.Equal(t, ssh.FingerprintSHA256(s1.PublicKey()), ssh.FingerprintSHA256(s2.PublicKey()))

	info, err := os.Stat(filepath.Join(dir, privateKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func writeEncryptedKey(t *testing.T, passphrase string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_enc")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func TestLoadPrivateKeyFilePassphrase(t *testing.T) {
	path := writeEncryptedKey(t, "s3cret")

	_, err := LoadPrivateKeyFile(path, nil)
	assert.True(t, errors.Is(err, ErrPassphraseRequired))

	_, err = LoadPrivateKeyFile(path, []byte("wrong"))
	assert.Error(t, err)

	signer, err := LoadPrivateKeyFile(path, []byte("s3cret"))
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", signer.PublicKey().Type())
}

func TestAuthMethodsKeyFile(t *testing.T) {
	path := writeEncryptedKey(t, "pw")
	t.Setenv("TEST_KEY_PASSPHRASE", "pw")

	creds, err := AuthMethods(config.ServerProfile{Name: "a", KeyPath: path, PassphraseEnv: "TEST_KEY_PASSPHRASE"}, nil)
	require.NoError(t, err)
	defer creds.Close()
	assert.Len(t, creds.Methods, 1)
}

func TestAuthMethodsPassword(t *testing.T) {
	t.Setenv("TEST_SSH_PASSWORD", "")
	_, err := AuthMethods(config.ServerProfile{Name: "a", PasswordEnv: "TEST_SSH_PASSWORD"}, nil)
	assert.Error(t, err)

	t.Setenv("TEST_SSH_PASSWORD", "letmein")
	creds, err := AuthMethods(config.ServerProfile{Name: "a", PasswordEnv: "TEST_SSH_PASSWORD"}, nil)
	require.NoError(t, err)
	defer creds.Close()
	assert.Len(t, creds.Methods, 2, "password and keyboard-interactive")
}

func TestAuthMethodsAgentRequired(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	_, err := AuthMethods(config.ServerProfile{Name: "a", UseAgent: true}, nil)
	assert.Error(t, err)
}

func TestAuthMethodsFallsBackToFleetKey(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	t.Setenv("HOME", t.TempDir())
	_, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	signer, err := ParsePrivateKey(priv)
	require.NoError(t, err)

	creds, err := AuthMethods(config.ServerProfile{Name: "a"}, signer)
	require.NoError(t, err)
	assert.Len(t, creds.Methods, 1)

	_, err = AuthMethods(config.ServerProfile{Name: "a"}, nil)
	assert.Error(t, err, "no credential of any kind")
}
