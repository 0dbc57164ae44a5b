package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ebowwa/mcp-ssh-manager/internal/orchestrator"
)

// ListGroups lists "all" followed by the stored groups.
func ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := Fleet.Groups.Groups()
	if err != nil {
		writeFleetError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

// GetGroup returns one group definition.
func GetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := Fleet.Groups.Group(chi.URLParam(r, "name"))
	if err != nil {
		writeFleetError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type saveGroupRequest struct {
	Members     []string `json:"members"`
	Strategy    string   `json:"strategy,omitempty"`
	Delay       string   `json:"delay,omitempty"`
	StopOnError bool     `json:"stop_on_error,omitempty"`
}

// SaveGroup creates or replaces a group definition.
func SaveGroup(w http.ResponseWriter, r *http.Request) {
	var req saveGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	delay, err := parseDuration("delay", req.Delay)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	def := orchestrator.Definition{
		Name:        chi.URLParam(r, "name"),
		Members:     req.Members,
		Strategy:    orchestrator.Strategy(req.Strategy),
		Delay:       delay,
		StopOnError: req.StopOnError,
	}
	if err := Fleet.Groups.SaveGroup(def); err != nil {
		writeFleetError(w, err, http.StatusBadRequest)
		return
	}
	saved, err := Fleet.Groups.Group(def.Name)
	if err != nil {
		writeFleetError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// DeleteGroup removes a stored group.
func DeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := Fleet.Groups.DeleteGroup(chi.URLParam(r, "name")); err != nil {
		writeFleetError(w, err, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type groupExecRequest struct {
	Command     string `json:"command"`
	Strategy    string `json:"strategy,omitempty"`
	Delay       string `json:"delay,omitempty"`
	StopOnError bool   `json:"stop_on_error,omitempty"`
	Cwd         string `json:"cwd,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// ExecGroup runs a command across a group. Full success is a 200; any
// failed or skipped host is a 207 carrying the same result shape.
func ExecGroup(w http.ResponseWriter, r *http.Request) {
	var req groupExecRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	opts := orchestrator.Options{StopOnError: req.StopOnError, Dir: req.Cwd}
	if req.Strategy != "" {
		s, err := orchestrator.ParseStrategy(req.Strategy)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Strategy = s
	}
	var err error
	if opts.Delay, err = parseDuration("delay", req.Delay); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.Timeout, err = parseDuration("timeout", req.Timeout); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := Fleet.ExecGroup(r.Context(), chi.URLParam(r, "name"), req.Command, opts)
	if err != nil {
		writeFleetError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
