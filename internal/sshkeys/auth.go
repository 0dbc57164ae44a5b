package sshkeys

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/ebowwa/mcp-ssh-manager/internal/config"
)

// Credentials is the assembled authentication for one connection attempt.
// Close releases the agent socket, if one was opened.
type Credentials struct {
	Methods []ssh.AuthMethod
	agent   net.Conn
}

func (c *Credentials) Close() error {
	if c.agent == nil {
		return nil
	}
	return c.agent.Close()
}

var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// AuthMethods resolves the profile's credential reference into SSH auth
// methods, in order: explicit key file, agent, password, then the fleet's
// own key and the user's default keys when nothing explicit is configured.
func AuthMethods(p config.ServerProfile, fleetKey ssh.Signer) (*Credentials, error) {
	creds := &Credentials{}
	var signers []ssh.Signer

	if p.KeyPath != "" {
		var passphrase []byte
		if p.PassphraseEnv != "" {
			passphrase = []byte(os.Getenv(p.PassphraseEnv))
		}
		s, err := LoadPrivateKeyFile(p.KeyPath, passphrase)
		if err != nil {
			return nil, err
		}
		signers = append(signers, s)
	}
	if len(signers) > 0 {
		creds.Methods = append(creds.Methods, ssh.PublicKeys(signers...))
	}

	explicit := p.KeyPath != "" || p.UseAgent || p.PasswordEnv != ""

	if p.UseAgent || !explicit {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err == nil {
				creds.agent = conn
				creds.Methods = append(creds.Methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			} else if p.UseAgent {
				return nil, fmt.Errorf("connect to ssh agent: %w", err)
			}
		} else if p.UseAgent {
			return nil, errors.New("use_agent is set but SSH_AUTH_SOCK is empty")
		}
	}

	if p.PasswordEnv != "" {
		password := os.Getenv(p.PasswordEnv)
		if password == "" {
			creds.Close()
			return nil, fmt.Errorf("password env %s is empty", p.PasswordEnv)
		}
		creds.Methods = append(creds.Methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if !explicit {
		var fallback []ssh.Signer
		if fleetKey != nil {
			fallback = append(fallback, fleetKey)
		}
		fallback = append(fallback, defaultKeys()...)
		if len(fallback) > 0 {
			creds.Methods = append(creds.Methods, ssh.PublicKeys(fallback...))
		}
	}

	if len(creds.Methods) == 0 {
		return nil, fmt.Errorf("no credentials available for %s", p.Name)
	}
	return creds, nil
}

func defaultKeys() []ssh.Signer {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var out []ssh.Signer
	for _, name := range defaultKeyNames {
		s, err := LoadPrivateKeyFile(filepath.Join(home, ".ssh", name), nil)
		if err == nil {
			out = append(out, s)
		}
	}
	return out
}
