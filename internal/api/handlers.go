package api

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tripwire/dupwatch/internal/app"
	"github.com/tripwire/dupwatch/internal/console"
	"github.com/tripwire/dupwatch/internal/journal"
	"github.com/tripwire/dupwatch/internal/notify"
	"github.com/tripwire/dupwatch/internal/slab"
	"github.com/tripwire/dupwatch/internal/stats"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// Controller is the subset of *app.Service used by the handlers. Defining
// an interface allows handlers to be tested without a live service.
type Controller interface {
	StartMonitor(ctx context.Context, root string, opts app.MonitorOptions) (app.Handle, error)
	StopMonitor(h app.Handle) error
	GetStats(h app.Handle) (stats.Snapshot, error)
	GetCacheStats() slab.Stats
	Monitor(h app.Handle) (app.MonitorInfo, error)
	Monitors() []app.MonitorInfo
	Health() app.HealthStatus
	Metrics() app.Metrics
	Console() *console.Console
	Click(id string) error
	Duplicates(limit int) []journal.Entry
}

var _ Controller = (*app.Service)(nil)

// Server holds the dependencies needed by the handlers.
type Server struct {
	ctl    Controller
	logger *slog.Logger
}

// NewServer creates a Server backed by ctl.
func NewServer(ctl Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ctl: ctl, logger: logger}
}

// startRequest is the body of POST /api/v1/monitors.
type startRequest struct {
	Root string `json:"root"`
	app.MonitorOptions
}

// clickRequest is the body of POST /api/v1/notifications/click.
type clickRequest struct {
	// ID is the notification ID handed to the sink on delivery.
	ID string `json:"id"`
}

// handleHealthz responds to GET /healthz without authentication. A closed
// service answers 503.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h := s.ctl.Health()
	code := http.StatusOK
	if h.Status == "closed" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

// handleListMonitors responds to GET /api/v1/monitors.
func (s *Server) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Monitors())
}

// handleStartMonitor responds to POST /api/v1/monitors.
//
// Body: {"root": "...", "check_current_files": bool, "notifications": bool,
// "exclude_system_extensions": bool, "exclude_temp_extensions": bool}.
// Returns 201 with the monitor, or 200 when the root was already watched.
func (s *Server) handleStartMonitor(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}
	if req.Root == "" {
		writeJSONError(w, http.StatusBadRequest, "'root' is required")
		return
	}

	before := len(s.ctl.Monitors())
	h, err := s.ctl.StartMonitor(r.Context(), req.Root, req.MonitorOptions)
	if err != nil {
		s.logger.Warn("api: start monitor failed", slog.String("root", req.Root), slog.Any("error", err))
		code := http.StatusUnprocessableEntity
		if errors.Is(err, app.ErrClosed) {
			code = http.StatusServiceUnavailable
		}
		writeJSONError(w, code, err.Error())
		return
	}
	info, err := s.ctl.Monitor(h)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}

	code := http.StatusCreated
	if len(s.ctl.Monitors()) == before {
		code = http.StatusOK
	}
	writeJSON(w, code, info)
}

// handleGetMonitor responds to GET /api/v1/monitors/{id}.
func (s *Server) handleGetMonitor(w http.ResponseWriter, r *http.Request) {
	h, ok := parseHandle(w, r)
	if !ok {
		return
	}
	info, err := s.ctl.Monitor(h)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleStopMonitor responds to DELETE /api/v1/monitors/{id} with 204.
func (s *Server) handleStopMonitor(w http.ResponseWriter, r *http.Request) {
	h, ok := parseHandle(w, r)
	if !ok {
		return
	}
	if err := s.ctl.StopMonitor(h); err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMonitorStats responds to GET /api/v1/monitors/{id}/stats.
func (s *Server) handleMonitorStats(w http.ResponseWriter, r *http.Request) {
	h, ok := parseHandle(w, r)
	if !ok {
		return
	}
	st, err := s.ctl.GetStats(h)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleCacheStats responds to GET /api/v1/cache.
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.GetCacheStats())
}

// handleConsole responds to GET /api/v1/console.
//
// Supported query parameters:
//
//	limit – return only the newest n lines (optional)
func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	lines := s.ctl.Console().Recent()
	if limit > 0 && limit < len(lines) {
		lines = lines[len(lines)-limit:]
	}
	if lines == nil {
		lines = []console.Line{}
	}
	writeJSON(w, http.StatusOK, lines)
}

// handleDuplicates responds to GET /api/v1/duplicates with the newest
// journaled findings, oldest first. ?limit=N keeps the last N.
func (s *Server) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	entries := s.ctl.Duplicates(limit)
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// parseLimit reads the optional ?limit query parameter. Zero means no
// limit. On a bad value the 400 has already been written.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeJSONError(w, http.StatusBadRequest, "'limit' must be a positive integer")
		return 0, false
	}
	return limit, true
}

// handleClick responds to POST /api/v1/notifications/click.
//
// Returns 204 when the file was handed to the opener, 404 when the
// notification is unknown or its file no longer exists and 403 when the
// extension is blocked.
func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	var req clickRequest
	if err := decodeJSON(w, r, &req); err != nil || req.ID == "" {
		writeJSONError(w, http.StatusBadRequest, "body must be {\"id\": \"...\"}")
		return
	}
	if err := s.ctl.Click(req.ID); err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseHandle(w http.ResponseWriter, r *http.Request) (app.Handle, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeJSONError(w, http.StatusBadRequest, "monitor id must be a positive integer")
		return 0, false
	}
	return app.Handle(id), true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrUnknownHandle), errors.Is(err, notify.ErrUnknownNotification),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, app.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, notify.ErrBlocked):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
