// Package sshfiles moves files to and from fleet servers over SFTP.
//
// Each call opens an SFTP channel on the server's shared connection, pinned
// with a hold for the duration of the transfer. Uploads are written to a
// temporary name and renamed into place, so readers never see half a file.
package sshfiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"

	"github.com/ebowwa/mcp-ssh-manager/internal/fleeterr"
	"github.com/ebowwa/mcp-ssh-manager/internal/logging"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshproxy"
)

// DefaultMaxDownload caps the size of a single download.
const DefaultMaxDownload = 256 << 20

// Acquirer hands out live connections.
type Acquirer interface {
	Acquire(ctx context.Context, server string) (*sshproxy.Connection, error)
}

// Entry describes one remote directory entry.
type Entry struct {
	Name    string      `json:"name"`
	Path    string      `json:"path"`
	Size    int64       `json:"size"`
	Mode    fs.FileMode `json:"mode"`
	ModTime time.Time   `json:"mod_time"`
	IsDir   bool        `json:"is_dir"`
}

// Transfer reports a finished upload or download.
type Transfer struct {
	Server   string        `json:"server"`
	Path     string        `json:"path"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
}

// Files performs SFTP operations.
type Files struct {
	conns       Acquirer
	MaxDownload int64
}

// New returns a Files that borrows connections from conns.
func New(conns Acquirer) *Files {
	return &Files{conns: conns, MaxDownload: DefaultMaxDownload}
}

// withClient runs fn with an SFTP client on server's connection. Cancelling
// ctx closes the client, which aborts any transfer in progress.
func (f *Files) withClient(ctx context.Context, op, server string, fn func(*sftp.Client) error) error {
	conn, err := f.conns.Acquire(ctx, server)
	if err != nil {
		return err
	}
	release, err := conn.Hold()
	if err != nil {
		return err
	}
	defer release()

	client, err := sftp.NewClient(conn.Client())
	if err != nil {
		return conn.Lost(op, fmt.Errorf("start sftp: %w", err))
	}
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer func() {
		stop()
		client.Close()
	}()

	start := time.Now()
	err = fn(client)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fleeterr.New(fleeterr.KindTimeout, op, ctx.Err()).
			WithTarget(server, conn.Profile.Host, conn.Profile.Port).
			WithCommand("", time.Since(start))
	case errors.Is(err, fs.ErrNotExist):
		return fleeterr.New(fleeterr.KindNotFound, op, err).
			WithTarget(server, conn.Profile.Host, conn.Profile.Port)
	case !conn.Usable():
		return conn.Lost(op, err)
	default:
		return fmt.Errorf("%s %s: %w", op, server, err)
	}
}

// Upload writes r to remotePath, creating parent directories as needed.
func (f *Files) Upload(ctx context.Context, server, remotePath string, r io.Reader, mode fs.FileMode) (*Transfer, error) {
	if mode == 0 {
		mode = 0o644
	}
	start := time.Now()
	var n int64
	err := f.withClient(ctx, "upload", server, func(c *sftp.Client) error {
		if err := c.MkdirAll(path.Dir(remotePath)); err != nil {
			return fmt.Errorf("create parent of %s: %w", remotePath, err)
		}
		tmp := path.Join(path.Dir(remotePath), "."+path.Base(remotePath)+".upload-"+uuid.NewString()[:8])
		dst, err := c.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return fmt.Errorf("create %s: %w", tmp, err)
		}
		n, err = dst.ReadFrom(r)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err == nil {
			err = c.Chmod(tmp, mode)
		}
		if err == nil {
			err = c.PosixRename(tmp, remotePath)
		}
		if err != nil {
			c.Remove(tmp)
			return fmt.Errorf("write %s: %w", remotePath, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	t := &Transfer{Server: server, Path: remotePath, Bytes: n, Duration: time.Since(start)}
	logging.ForServer("sshfiles", server).Info().
		Str("path", logging.SanitizeForLog(remotePath)).
		Int64("bytes", n).
		Dur("duration", t.Duration).
		Msg("file uploaded")
	return t, nil
}

// Download copies remotePath into w. Files larger than MaxDownload are
// refused before any byte is copied.
func (f *Files) Download(ctx context.Context, server, remotePath string, w io.Writer) (*Transfer, error) {
	start := time.Now()
	var n int64
	err := f.withClient(ctx, "download", server, func(c *sftp.Client) error {
		src, err := c.Open(remotePath)
		if err != nil {
			return err
		}
		defer src.Close()
		info, err := src.Stat()
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", remotePath)
		}
		if f.MaxDownload > 0 && info.Size() > f.MaxDownload {
			return fmt.Errorf("%s is %d bytes, limit is %d", remotePath, info.Size(), f.MaxDownload)
		}
		n, err = src.WriteTo(w)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Transfer{Server: server, Path: remotePath, Bytes: n, Duration: time.Since(start)}, nil
}

// List returns the entries of a remote directory, directories first, then
// by name.
func (f *Files) List(ctx context.Context, server, dir string) ([]Entry, error) {
	var out []Entry
	err := f.withClient(ctx, "list", server, func(c *sftp.Client) error {
		infos, err := c.ReadDir(dir)
		if err != nil {
			return err
		}
		out = make([]Entry, 0, len(infos))
		for _, fi := range infos {
			out = append(out, Entry{
				Name:    fi.Name(),
				Path:    path.Join(dir, fi.Name()),
				Size:    fi.Size(),
				Mode:    fi.Mode(),
				ModTime: fi.ModTime(),
				IsDir:   fi.IsDir(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Stat describes one remote path.
func (f *Files) Stat(ctx context.Context, server, remotePath string) (*Entry, error) {
	var e *Entry
	err := f.withClient(ctx, "stat", server, func(c *sftp.Client) error {
		fi, err := c.Stat(remotePath)
		if err != nil {
			return err
		}
		e = &Entry{Name: fi.Name(), Path: remotePath, Size: fi.Size(), Mode: fi.Mode(), ModTime: fi.ModTime(), IsDir: fi.IsDir()}
		return nil
	})
	return e, err
}
