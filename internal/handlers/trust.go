package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// ListTrust lists trusted host keys.
func ListTrust(w http.ResponseWriter, r *http.Request) {
	records, err := Fleet.Trust.List()
	if err != nil {
		writeFleetError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type scanRequest struct {
	Host   string `json:"host"`
	Port   int    `json:"port,omitempty"`
	Record bool   `json:"record,omitempty"`
}

// ScanHost reads a host's keys without authenticating and, with record
// set, trusts an unknown host.
func ScanHost(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Host == "" {
		writeError(w, http.StatusBadRequest, "host is required")
		return
	}
	res, err := Fleet.ScanHost(r.Context(), req.Host, req.Port, req.Record)
	if err != nil {
		writeFleetError(w, err, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ForgetHost removes the trust record for host:port.
func ForgetHost(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil || port < 1 || port > 65535 {
		writeError(w, http.StatusBadRequest, "invalid port")
		return
	}
	if err := Fleet.Trust.Forget(chi.URLParam(r, "host"), port); err != nil {
		writeFleetError(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
