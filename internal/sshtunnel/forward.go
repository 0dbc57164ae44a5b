package sshtunnel

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/armon/go-socks5"

	"github.com/ebowwa/mcp-ssh-manager/internal/logging"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshproxy"
)

// remoteDialTimeout bounds the local dial made for each remote-forwarded
// connection.
var remoteDialTimeout = 10 * time.Second

// serve accepts clients on ln until it is closed. A listener that fails on
// its own wakes the supervising loop.
func (t *Tunnel) serve(ln net.Listener, conn *sshproxy.Connection) {
	handle, err := t.handler(conn)
	if err != nil {
		ln.Close()
		t.stats.errors.Add(1)
		t.poke()
		return
	}

	for {
		c, err := ln.Accept()
		if err != nil {
			if !t.isClosing() {
				t.poke()
			}
			return
		}
		if !t.track(c) {
			c.Close()
			return
		}
		t.stats.connections.Add(1)
		t.stats.active.Add(1)
		go func() {
			defer t.stats.active.Add(-1)
			defer t.untrack(c)
			cc := &countingConn{Conn: c, in: &t.stats.bytesIn, out: &t.stats.bytesOut}
			if err := handle(cc); err != nil {
				t.stats.errors.Add(1)
				logging.ForServer("sshtunnel", t.Server).Debug().
					Str("tunnel", t.ID).
					Err(err).
					Msg("forwarded connection failed")
			}
		}()
	}
}

// handler returns the per-client function for the tunnel's kind.
func (t *Tunnel) handler(conn *sshproxy.Connection) (func(net.Conn) error, error) {
	t.mu.Lock()
	target := t.spec.targetAddr()
	t.mu.Unlock()

	switch t.Kind {
	case KindLocal:
		return func(c net.Conn) error {
			return pipe(c, func() (net.Conn, error) { return conn.Client().Dial("tcp", target) })
		}, nil
	case KindRemote:
		return func(c net.Conn) error {
			return pipe(c, func() (net.Conn, error) { return net.DialTimeout("tcp", target, remoteDialTimeout) })
		}, nil
	case KindDynamic:
		srv, err := newSOCKSServer(conn)
		if err != nil {
			return nil, err
		}
		return srv.ServeConn, nil
	}
	return nil, fmt.Errorf("unknown tunnel kind %q", t.Kind)
}

func (t *Tunnel) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

func (t *Tunnel) track(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing || t.listener == nil {
		return false
	}
	t.subs[c] = struct{}{}
	return true
}

func (t *Tunnel) untrack(c net.Conn) {
	t.mu.Lock()
	delete(t.subs, c)
	t.mu.Unlock()
}

// pipe dials the far side and copies both directions until each side has
// finished writing.
func pipe(c net.Conn, dial func() (net.Conn, error)) error {
	defer c.Close()
	far, err := dial()
	if err != nil {
		return fmt.Errorf("dial target: %w", err)
	}
	defer far.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(far, c)
		closeWrite(far)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(c, far)
		closeWrite(c)
		done <- struct{}{}
	}()
	<-done
	<-done
	return nil
}

type closeWriter interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		cw.CloseWrite()
		return
	}
	c.Close()
}

// countingConn adds the bytes read from and written to the client side to
// the tunnel's counters.
type countingConn struct {
	net.Conn
	in  *atomic.Int64
	out *atomic.Int64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.in.Add(int64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.out.Add(int64(n))
	return n, err
}

func (c *countingConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

// newSOCKSServer builds a SOCKS5 server whose outbound dials go through the
// SSH connection. Names are resolved by the server, not locally.
func newSOCKSServer(conn *sshproxy.Connection) (*socks5.Server, error) {
	srv, err := socks5.New(&socks5.Config{
		Resolver: remoteResolver{},
		Dial: func(_ context.Context, network, addr string) (net.Conn, error) {
			return conn.Client().Dial(network, addr)
		},
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		return nil, fmt.Errorf("socks5 server: %w", err)
	}
	return srv, nil
}

// remoteResolver leaves host names unresolved so the dial carries the name
// to the server.
type remoteResolver struct{}

func (remoteResolver) Resolve(ctx context.Context, _ string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}
