package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/itsChris/wgsync/internal/db"
	apperr "github.com/itsChris/wgsync/internal/errors"
	"github.com/itsChris/wgsync/internal/logging"
)

// handleDebugInfo returns a diagnostic snapshot of the process, the
// backend and the store. Dev mode only.
func (s *Server) handleDebugInfo(w http.ResponseWriter, r *http.Request) {
	if !s.devMode {
		writeError(w, r, fmt.Errorf("debug endpoints are disabled in production mode"),
			apperr.ErrNotFound, http.StatusNotFound, s.devMode)
		return
	}
	ctx := r.Context()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	info := map[string]any{
		"version":        s.version,
		"go_version":     runtime.Version(),
		"os":             runtime.GOOS,
		"arch":           runtime.GOARCH,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"system": map[string]any{
			"memory_mb":  mem.Alloc / 1024 / 1024,
			"goroutines": runtime.NumGoroutine(),
			"cpu_count":  runtime.NumCPU(),
		},
	}

	backend := map[string]any{"name": s.reconciler.Backend().Name()}
	if devices, err := s.reconciler.Backend().ListInterfaces(ctx); err != nil {
		backend["error"] = err.Error()
	} else {
		backend["devices"] = devices
	}
	info["backend"] = backend

	dbInfo := map[string]any{"tables": s.db.TableCounts(ctx, db.Tables)}
	if settings, err := s.db.ListSettings(ctx); err == nil {
		dbInfo["settings"] = settings
	}
	info["database"] = dbInfo

	if s.journal != nil {
		info["journal_events"] = s.journal.Len()
	}
	writeJSON(w, http.StatusOK, info)
}

// handleDebugEvents returns recent warnings and errors from the journal,
// oldest first. "limit" caps the count (max 500) and "level=error" drops
// warnings.
func (s *Server) handleDebugEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	minLevel := slog.LevelWarn
	if r.URL.Query().Get("level") == "error" {
		minLevel = slog.LevelError
	}

	events := []logging.Event{}
	if s.journal != nil {
		events = append(events, s.journal.Recent(limit, minLevel)...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}
