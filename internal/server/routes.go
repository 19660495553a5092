package server

import (
	"fmt"
	"net/http"
	"time"

	apperr "github.com/itsChris/wgsync/internal/errors"
)

// registerRoutes wires all API endpoints. Public keys in paths are hex or
// URL-escaped base64.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)

	// Interfaces.
	s.mux.HandleFunc("GET /api/interfaces", s.handleListInterfaces)
	s.mux.HandleFunc("POST /api/interfaces", s.handleCreateInterface)
	s.mux.HandleFunc("GET /api/interfaces/{name}", s.handleGetInterface)
	s.mux.HandleFunc("PATCH /api/interfaces/{name}", s.handlePatchInterface)
	s.mux.HandleFunc("DELETE /api/interfaces/{name}", s.handleDeleteInterface)
	s.mux.HandleFunc("PUT /api/interfaces/{name}/desired", s.handlePutDesired)

	// Peers.
	s.mux.HandleFunc("PUT /api/interfaces/{name}/peers/{key}", s.handlePutPeer)
	s.mux.HandleFunc("DELETE /api/interfaces/{name}/peers/{key}", s.handleDeletePeer)
	s.mux.HandleFunc("GET /api/interfaces/{name}/peers/{key}/history", s.handlePeerHistory)

	// Reconciliation.
	s.mux.HandleFunc("POST /api/reconcile", s.handleReconcile)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	// Debug (dev mode only).
	s.mux.HandleFunc("GET /api/debug/info", s.handleDebugInfo)
	s.mux.HandleFunc("GET /api/debug/events", s.handleDebugEvents)
}

// handleHealth reports whether the store and the backend answer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status, code := "healthy", http.StatusOK

	dbStatus := "ok"
	if err := s.db.Ping(ctx); err != nil {
		dbStatus = "error"
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	backendStatus := "ok"
	devices, err := s.reconciler.Backend().ListInterfaces(ctx)
	if err != nil {
		backendStatus = "error"
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	stored, err := s.db.ListInterfaces(ctx)
	managed := 0
	if err == nil {
		managed = len(stored)
		for i := range stored {
			stored[i].Wipe()
		}
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": s.version,
		"uptime":  formatDuration(time.Since(s.startTime)),
		"backend": map[string]any{
			"name":    s.reconciler.Backend().Name(),
			"status":  backendStatus,
			"devices": len(devices),
		},
		"database": dbStatus,
		"managed":  managed,
	})
}

// handleMetrics serves the Prometheus registry.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, r, fmt.Errorf("metrics are disabled"), apperr.ErrNotFound, http.StatusNotFound, s.devMode)
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

// formatDuration formats a duration as a human-readable string like "14d 3h 22m".
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
