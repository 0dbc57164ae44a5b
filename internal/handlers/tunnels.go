package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ebowwa/mcp-ssh-manager/internal/sshtunnel"
)

type openTunnelRequest struct {
	Server string `json:"server"`
	Kind   string `json:"kind"`
	sshtunnel.Spec
}

// OpenTunnel starts a supervised forward. The listener is bound before the
// response is written.
func OpenTunnel(w http.ResponseWriter, r *http.Request) {
	var req openTunnelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := sshtunnel.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := Fleet.Tunnels.Open(r.Context(), req.Server, kind, req.Spec)
	if err != nil {
		writeFleetError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, t.Info())
}

// ListTunnels lists tunnels that are not closed.
func ListTunnels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Fleet.Tunnels.List())
}

// GetTunnel returns one tunnel with its stats.
func GetTunnel(w http.ResponseWriter, r *http.Request) {
	t, err := Fleet.Tunnels.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeFleetError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, t.Info())
}

// CloseTunnel stops a tunnel. Closing a closed tunnel succeeds.
func CloseTunnel(w http.ResponseWriter, r *http.Request) {
	if err := Fleet.Tunnels.Close(chi.URLParam(r, "id")); err != nil {
		writeFleetError(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
