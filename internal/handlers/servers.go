package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ebowwa/mcp-ssh-manager/internal/sshexec"
)

// ListServers returns the inventory with connection status.
func ListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Fleet.Servers())
}

// GetServer returns one server with its state history.
func GetServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "server")
	info, err := Fleet.Server(name)
	if err != nil {
		writeFleetError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"server":      info,
		"transitions": Fleet.Conns.Transitions(name),
	})
}

// TestConnection acquires the server's connection and runs a probe. The
// probe outcome is in the body; the status is 200 either way.
func TestConnection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "server")
	if _, err := Fleet.Inventory.ResolveServer(name); err != nil {
		writeFleetError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, Fleet.TestConnection(r.Context(), name))
}

// GetServerEvents returns recent connection events, oldest first.
func GetServerEvents(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "server")
	if _, err := Fleet.Inventory.ResolveServer(name); err != nil {
		writeFleetError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, Fleet.Conns.Events(name))
}

// GetCommandHistory returns recent commands run on the server.
//
// Query parameters:
//
//	limit - max entries (default 100, max 1000)
func GetCommandHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hist, err := Fleet.History(chi.URLParam(r, "server"), limit)
	if err != nil {
		writeFleetError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

type execRequest struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// ExecCommand runs one command. A non-zero exit status is a 200 with the
// exit code in the body.
func ExecCommand(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	timeout, err := parseDuration("timeout", req.Timeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := Fleet.Exec(r.Context(), chi.URLParam(r, "server"), req.Command, sshexec.Options{Dir: req.Cwd, Timeout: timeout})
	if err != nil {
		writeFleetError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
