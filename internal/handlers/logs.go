package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ebowwa/mcp-ssh-manager/internal/sshaudit"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshlogs"
)

// StreamLogs tails a remote file as server-sent events, one line per event.
// follow defaults to true; lines defaults to 100.
func StreamLogs(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePath(w, r)
	if !ok {
		return
	}
	server := chi.URLParam(r, "server")
	opts := sshlogs.Options{Lines: sshlogs.DefaultLines, Follow: r.URL.Query().Get("follow") != "false"}
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "lines must be a positive integer")
			return
		}
		opts.Lines = n
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, err := Fleet.Logs.Stream(r.Context(), server, p, opts)
	if err != nil {
		writeFleetError(w, err, http.StatusBadRequest)
		return
	}
	sshaudit.LogFileOperation(server, sshaudit.ExtractSourceIP(r), "tail", p, 0)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				fmt.Fprint(w, "event: eof\ndata:\n\n")
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// ListLogFiles reports which well-known log files exist on a server.
func ListLogFiles(w http.ResponseWriter, r *http.Request) {
	found, err := Fleet.Logs.Available(r.Context(), chi.URLParam(r, "server"), r.URL.Query()["path"]...)
	if err != nil {
		writeFleetError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"files": found})
}
