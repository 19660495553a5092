package server

import (
	"net/http"

	"github.com/itsChris/wgsync/internal/db"
	"github.com/itsChris/wgsync/internal/logging"
)

// handleReconcile runs one pass over every enabled stored interface.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	desired, err := s.db.DesiredInterfaces(ctx)
	if err != nil {
		s.fail(w, r, "reconcile", err)
		return
	}
	defer func() {
		for _, d := range desired {
			d.Wipe()
		}
	}()

	results, err := s.reconciler.ReconcileAll(ctx, desired)
	if results == nil && err != nil {
		s.fail(w, r, "reconcile", err)
		return
	}
	if serr := s.db.SetTime(ctx, db.SettingLastReconcile, s.now()); serr != nil {
		logging.FromContext(ctx, s.logger).Warn("record_reconcile_time_failed",
			"error", serr,
			"operation", "reconcile",
		)
	}

	views := make([]resultView, 0, len(results))
	converged := err == nil
	for _, res := range results {
		rerr := res.Err()
		if rerr != nil {
			converged = false
		}
		views = append(views, newResultView(res, rerr))
	}
	status := http.StatusOK
	if err != nil {
		_, status = errorStatus(err)
	}
	writeJSON(w, status, map[string]any{
		"converged": converged,
		"results":   views,
	})
}

// handleStatus returns the outcome of the last drift pass.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"backend":    s.reconciler.Backend().Name(),
		"drift_loop": s.status != nil,
	}
	if s.status != nil {
		resp["last_pass"] = s.status.Status()
	}
	if t, err := s.db.GetTime(r.Context(), db.SettingLastCompaction); err == nil && !t.IsZero() {
		resp["last_compaction"] = t
	}
	writeJSON(w, http.StatusOK, resp)
}
