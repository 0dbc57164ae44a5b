package handlers

import (
	"io/fs"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ebowwa/mcp-ssh-manager/internal/sshaudit"
)

func requirePath(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := r.URL.Query().Get("path")
	if p == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return "", false
	}
	return p, true
}

// ListFiles lists a remote directory.
func ListFiles(w http.ResponseWriter, r *http.Request) {
	dir, ok := requirePath(w, r)
	if !ok {
		return
	}
	entries, err := Fleet.Files.List(r.Context(), chi.URLParam(r, "server"), dir)
	if err != nil {
		writeFleetError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// StatFile describes one remote path.
func StatFile(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePath(w, r)
	if !ok {
		return
	}
	entry, err := Fleet.Files.Stat(r.Context(), chi.URLParam(r, "server"), p)
	if err != nil {
		writeFleetError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// lazyWriter sets the download headers on the first write, so an error
// found before any byte is copied can still be answered as JSON.
type lazyWriter struct {
	w       http.ResponseWriter
	name    string
	started bool
}

func (lw *lazyWriter) Write(p []byte) (int, error) {
	if !lw.started {
		lw.started = true
		lw.w.Header().Set("Content-Type", "application/octet-stream")
		lw.w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(lw.name))
		lw.w.WriteHeader(http.StatusOK)
	}
	return lw.w.Write(p)
}

// DownloadFile streams a remote file.
func DownloadFile(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePath(w, r)
	if !ok {
		return
	}
	server := chi.URLParam(r, "server")
	lw := &lazyWriter{w: w, name: path.Base(p)}
	tr, err := Fleet.Files.Download(r.Context(), server, p, lw)
	if err != nil {
		if !lw.started {
			writeFleetError(w, err, http.StatusBadRequest)
		}
		return
	}
	if !lw.started {
		lw.Write(nil)
	}
	sshaudit.LogFileOperation(server, sshaudit.ExtractSourceIP(r), "download", p, tr.Bytes)
}

// UploadFile writes the request body to a remote path.
//
// Query parameters:
//
//	path - destination
//	mode - octal permission bits (default 0644)
func UploadFile(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePath(w, r)
	if !ok {
		return
	}
	var mode fs.FileMode
	if v := r.URL.Query().Get("mode"); v != "" {
		m, err := strconv.ParseUint(v, 8, 32)
		if err != nil || m > 0o7777 {
			writeError(w, http.StatusBadRequest, "invalid mode")
			return
		}
		mode = fs.FileMode(m)
	}
	server := chi.URLParam(r, "server")
	tr, err := Fleet.Files.Upload(r.Context(), server, p, r.Body, mode)
	if err != nil {
		writeFleetError(w, err, http.StatusBadRequest)
		return
	}
	sshaudit.LogFileOperation(server, sshaudit.ExtractSourceIP(r), "upload", p, tr.Bytes)
	writeJSON(w, http.StatusOK, tr)
}
