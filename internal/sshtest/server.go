// Package sshtest runs an in-process SSH server for tests.
//
// The server executes exec and shell requests with the local /bin/sh, serves
// the sftp subsystem, honours signal requests, and supports direct-tcpip and
// tcpip-forward so every fabric path can run against a real SSH transport.
package sshtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/ebowwa/mcp-ssh-manager/internal/config"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshkeys"
)

// Server is a test SSH server bound to 127.0.0.1.
type Server struct {
	Host string
	Port int

	HostKey      ssh.Signer
	ExtraKeys    []ssh.Signer // further host keys of other types
	ClientSigner ssh.Signer   // authorized for public key auth
	ClientKeyPEM []byte       // private key of ClientSigner
	Password     string       // accepted for password auth when non-empty

	// HandshakeDelay is slept before each handshake. Tests use it to widen
	// race windows.
	HandshakeDelay time.Duration

	listener net.Listener
	accepts  atomic.Int32
	execs    atomic.Int32

	mu    sync.Mutex
	conns []net.Conn
	done  chan struct{}
}

// Option customizes a Server before it starts.
type Option func(*Server)

// WithHostKey sets the server's host key.
func WithHostKey(s ssh.Signer) Option { return func(srv *Server) { srv.HostKey = s } }

// WithExtraHostKey adds a host key alongside HostKey.
func WithExtraHostKey(s ssh.Signer) Option {
	return func(srv *Server) { srv.ExtraKeys = append(srv.ExtraKeys, s) }
}

// WithPassword enables password authentication.
func WithPassword(pw string) Option { return func(srv *Server) { srv.Password = pw } }

// WithHandshakeDelay delays every handshake.
func WithHandshakeDelay(d time.Duration) Option {
	return func(srv *Server) { srv.HandshakeDelay = d }
}

// NewSigner returns a fresh ed25519 signer.
func NewSigner(t testing.TB) ssh.Signer {
	t.Helper()
	_, priv, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s, err := sshkeys.ParsePrivateKey(priv)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return s
}

// NewECDSASigner returns a fresh ecdsa-sha2-nistp256 signer.
func NewECDSASigner(t testing.TB) ssh.Signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ecdsa key: %v", err)
	}
	s, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("ecdsa signer: %v", err)
	}
	return s
}

// New starts a server and registers its shutdown with t.Cleanup.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	srv := &Server{done: make(chan struct{})}
	for _, o := range opts {
		o(srv)
	}
	if srv.HostKey == nil {
		srv.HostKey = NewSigner(t)
	}
	_, clientPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	srv.ClientKeyPEM = clientPEM
	if srv.ClientSigner, err = sshkeys.ParsePrivateKey(clientPEM); err != nil {
		t.Fatalf("parse client key: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.listener = ln
	addr := ln.Addr().(*net.TCPAddr)
	srv.Host, srv.Port = "127.0.0.1", addr.Port

	go srv.serve()
	t.Cleanup(srv.Close)
	return srv
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Profile writes the client key into a temp dir and returns a profile that
// authenticates with it.
func (s *Server) Profile(t testing.TB, name string) config.ServerProfile {
	t.Helper()
	keyPath := filepath.Join(t.TempDir(), "id_"+name)
	if err := os.WriteFile(keyPath, s.ClientKeyPEM, 0o600); err != nil {
		t.Fatalf("write client key: %v", err)
	}
	return config.ServerProfile{Name: name, Host: s.Host, Port: s.Port, User: "tester", KeyPath: keyPath}
}

// Accepts returns how many TCP connections the server accepted.
func (s *Server) Accepts() int { return int(s.accepts.Load()) }

// Execs returns how many exec requests the server ran.
func (s *Server) Execs() int { return int(s.execs.Load()) }

// DropConnections closes every accepted TCP connection without stopping the
// listener, simulating a network blip.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

// Close stops the listener and drops all connections. Later dials are
// refused. Safe to call more than once.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	<-s.done
}

func (s *Server) config() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(s.ClientSigner.PublicKey()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	if s.Password != "" {
		cfg.PasswordCallback = func(_ ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if string(pw) == s.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("bad password")
		}
	}
	cfg.AddHostKey(s.HostKey)
	for _, k := range s.ExtraKeys {
		cfg.AddHostKey(k)
	}
	return cfg
}

func (s *Server) serve() {
	defer close(s.done)
	cfg := s.config()
	for {
		c, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.accepts.Add(1)
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		go s.handleConn(c, cfg)
	}
}

func (s *Server) handleConn(c net.Conn, cfg *ssh.ServerConfig) {
	if s.HandshakeDelay > 0 {
		time.Sleep(s.HandshakeDelay)
	}
	sconn, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		c.Close()
		return
	}
	defer sconn.Close()

	fwd := &forwards{conn: sconn, listeners: map[string]net.Listener{}}
	defer fwd.closeAll()
	go fwd.handleGlobal(reqs)

	for nc := range chans {
		switch nc.ChannelType() {
		case "session":
			ch, creqs, err := nc.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(ch, creqs)
		case "direct-tcpip":
			go handleDirect(nc)
		default:
			nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	var (
		mu  sync.Mutex
		pid int
	)
	started := func(p int) {
		mu.Lock()
		pid = p
		mu.Unlock()
	}
	for req := range reqs {
		switch req.Type {
		case "exec", "shell":
			var args []string
			if req.Type == "exec" {
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					req.Reply(false, nil)
					continue
				}
				args = []string{"-c", payload.Command}
				s.execs.Add(1)
			}
			req.Reply(true, nil)
			go runProcess(ch, exec.Command("/bin/sh", args...), started)
		case "subsystem":
			var payload struct{ Name string }
			ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				defer ch.Close()
				srv, err := sftp.NewServer(ch)
				if err != nil {
					return
				}
				srv.Serve()
			}()
		case "signal":
			var payload struct{ Signal string }
			ssh.Unmarshal(req.Payload, &payload)
			mu.Lock()
			p := pid
			mu.Unlock()
			if p > 0 {
				syscall.Kill(-p, signalFor(payload.Signal))
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}
	mu.Lock()
	p := pid
	mu.Unlock()
	if p > 0 {
		syscall.Kill(-p, syscall.SIGKILL)
	}
}

func runProcess(ch ssh.Channel, cmd *exec.Cmd, started func(pid int)) {
	defer ch.Close()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return
	}
	if err := cmd.Start(); err != nil {
		sendExitStatus(ch, 127)
		return
	}
	started(cmd.Process.Pid)
	go func() {
		io.Copy(stdin, ch)
		stdin.Close()
	}()

	err = cmd.Wait()
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sendExitSignal(ch, ws.Signal())
			return
		}
		sendExitStatus(ch, uint32(exitErr.ExitCode()))
		return
	}
	sendExitStatus(ch, 0)
}

func sendExitStatus(ch ssh.Channel, code uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], code)
	ch.SendRequest("exit-status", false, b[:])
}

func sendExitSignal(ch ssh.Channel, sig syscall.Signal) {
	name := map[syscall.Signal]string{
		syscall.SIGINT: "INT", syscall.SIGTERM: "TERM", syscall.SIGKILL: "KILL", syscall.SIGHUP: "HUP",
	}[sig]
	if name == "" {
		name = "KILL"
	}
	ch.SendRequest("exit-signal", false, ssh.Marshal(struct {
		Signal     string
		CoreDumped bool
		Error      string
		Lang       string
	}{Signal: name}))
}

func signalFor(name string) syscall.Signal {
	switch name {
	case "INT":
		return syscall.SIGINT
	case "TERM":
		return syscall.SIGTERM
	case "HUP":
		return syscall.SIGHUP
	default:
		return syscall.SIGKILL
	}
}

func handleDirect(nc ssh.NewChannel) {
	var payload struct {
		DestAddr string
		DestPort uint32
		OrigAddr string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(nc.ExtraData(), &payload); err != nil {
		nc.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(payload.DestAddr, strconv.Itoa(int(payload.DestPort))))
	if err != nil {
		nc.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := nc.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	pipe(ch, target)
}

func pipe(a io.ReadWriteCloser, b io.ReadWriteCloser) {
	var once sync.Once
	closeBoth := func() { a.Close(); b.Close() }
	go func() {
		io.Copy(a, b)
		once.Do(closeBoth)
	}()
	io.Copy(b, a)
	once.Do(closeBoth)
}

type forwards struct {
	conn *ssh.ServerConn

	mu        sync.Mutex
	listeners map[string]net.Listener
}

func (f *forwards) handleGlobal(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var payload struct {
				BindAddr string
				BindPort uint32
			}
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(payload.BindPort))))
			if err != nil {
				req.Reply(false, nil)
				continue
			}
			port := uint32(ln.Addr().(*net.TCPAddr).Port)
			f.mu.Lock()
			f.listeners[fmt.Sprintf("%s:%d", payload.BindAddr, port)] = ln
			f.mu.Unlock()
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], port)
			req.Reply(true, b[:])
			go f.acceptForwarded(ln, payload.BindAddr, port)
		case "cancel-tcpip-forward":
			var payload struct {
				BindAddr string
				BindPort uint32
			}
			ssh.Unmarshal(req.Payload, &payload)
			key := fmt.Sprintf("%s:%d", payload.BindAddr, payload.BindPort)
			f.mu.Lock()
			if ln, ok := f.listeners[key]; ok {
				ln.Close()
				delete(f.listeners, key)
			}
			f.mu.Unlock()
			req.Reply(true, nil)
		default:
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}
}

func (f *forwards) acceptForwarded(ln net.Listener, bindAddr string, port uint32) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		origin := c.RemoteAddr().(*net.TCPAddr)
		payload := ssh.Marshal(struct {
			Addr       string
			Port       uint32
			OriginAddr string
			OriginPort uint32
		}{bindAddr, port, origin.IP.String(), uint32(origin.Port)})
		ch, reqs, err := f.conn.OpenChannel("forwarded-tcpip", payload)
		if err != nil {
			c.Close()
			continue
		}
		go ssh.DiscardRequests(reqs)
		go pipe(ch, c)
	}
}

func (f *forwards) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, ln := range f.listeners {
		ln.Close()
		delete(f.listeners, k)
	}
}
