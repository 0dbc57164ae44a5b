package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Router builds the HTTP surface over Fleet.
func Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", HealthCheck)
	r.Handle("/metrics", Fleet.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/servers", ListServers)
		r.Get("/servers/{server}", GetServer)
		r.Post("/servers/{server}/test", TestConnection)
		r.Get("/servers/{server}/events", GetServerEvents)
		r.Get("/servers/{server}/history", GetCommandHistory)
		r.Post("/servers/{server}/exec", ExecCommand)

		r.Get("/servers/{server}/files", ListFiles)
		r.Get("/servers/{server}/files/stat", StatFile)
		r.Get("/servers/{server}/files/download", DownloadFile)
		r.Put("/servers/{server}/files/upload", UploadFile)
		r.Get("/servers/{server}/logs", StreamLogs)
		r.Get("/servers/{server}/logs/available", ListLogFiles)

		r.Get("/sessions", ListSessions)
		r.Post("/sessions", StartSession)
		r.Get("/sessions/{id}", GetSession)
		r.Post("/sessions/{id}/send", SendToSession)
		r.Get("/sessions/{id}/ws", SessionWS)
		r.Delete("/sessions/{id}", CloseSession)

		r.Get("/tunnels", ListTunnels)
		r.Post("/tunnels", OpenTunnel)
		r.Get("/tunnels/{id}", GetTunnel)
		r.Delete("/tunnels/{id}", CloseTunnel)

		r.Get("/groups", ListGroups)
		r.Get("/groups/{name}", GetGroup)
		r.Put("/groups/{name}", SaveGroup)
		r.Delete("/groups/{name}", DeleteGroup)
		r.Post("/groups/{name}/exec", ExecGroup)

		r.Get("/trust", ListTrust)
		r.Post("/trust/scan", ScanHost)
		r.Delete("/trust/{host}/{port}", ForgetHost)

		r.Get("/audit", GetAuditLogs)
	})
	return r
}
