package handlers

import (
	"net/http"
)

// HealthCheck reports database reachability and connection counts.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if Fleet != nil && Fleet.DB != nil {
		if sqlDB, err := Fleet.DB.DB(); err == nil && sqlDB.Ping() == nil {
			dbStatus = "connected"
		}
	}
	status, code := "healthy", http.StatusOK
	if dbStatus != "connected" {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	body := map[string]interface{}{
		"status":   status,
		"database": dbStatus,
	}
	if Fleet != nil {
		body["servers"] = len(Fleet.Inventory.Names())
		body["connections"] = len(Fleet.Conns.Servers())
		body["sessions"] = Fleet.Sessions.Count()
		body["tunnels"] = len(Fleet.Tunnels.List())
	}
	writeJSON(w, code, body)
}
