package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the dupwatch control API.
//
// Route layout:
//
//	GET    /healthz                        – liveness probe (no authentication)
//	GET    /metrics                        – Prometheus metrics (no authentication)
//	GET    /api/v1/monitors                – list monitors
//	POST   /api/v1/monitors                – start monitoring a root
//	GET    /api/v1/monitors/{id}           – one monitor
//	DELETE /api/v1/monitors/{id}           – stop a monitor
//	GET    /api/v1/monitors/{id}/stats     – duplicate statistics
//	GET    /api/v1/cache                   – persistent cache summary
//	GET    /api/v1/console                 – recent console lines
//	GET    /api/v1/console/stream          – live console lines (websocket)
//	GET    /api/v1/duplicates              – recent journaled duplicate findings
//	POST   /api/v1/notifications/click     – open the file behind a notification
//
// Request bodies on /api routes must be application/json. Browsers cannot
// send that type cross-site without a CORS preflight, which this router
// never answers.
//
// secret is the HS256 key for bearer tokens on /api routes. An empty secret
// disables authentication.
func NewRouter(srv *Server, secret []byte) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metricsHandler(srv.ctl))

	r.Route("/api/v1", func(r chi.Router) {
		if len(secret) > 0 {
			r.Use(JWTMiddleware(JWTConfig{Secret: secret, Logger: srv.logger}))
		} else {
			srv.logger.Warn("api: authentication disabled, no jwt secret configured")
		}
		r.Use(middleware.AllowContentType("application/json"))

		r.Get("/monitors", srv.handleListMonitors)
		r.Post("/monitors", srv.handleStartMonitor)
		r.Route("/monitors/{id}", func(r chi.Router) {
			r.Get("/", srv.handleGetMonitor)
			r.Delete("/", srv.handleStopMonitor)
			r.Get("/stats", srv.handleMonitorStats)
		})
		r.Get("/cache", srv.handleCacheStats)
		r.Get("/console", srv.handleConsole)
		r.Get("/console/stream", srv.handleConsoleStream)
		r.Get("/duplicates", srv.handleDuplicates)
		r.Post("/notifications/click", srv.handleClick)
	})

	srv.logger.Debug("api: router ready", slog.Bool("auth", len(secret) > 0))
	return r
}
