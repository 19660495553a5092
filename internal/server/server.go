// Package server exposes the reconciliation engine over a small JSON
// API. Mutations are stored as desired state first and then applied to
// the device, so a failed apply is retried by the drift loop.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/itsChris/wgsync/internal/db"
	"github.com/itsChris/wgsync/internal/logging"
	"github.com/itsChris/wgsync/internal/metrics"
	"github.com/itsChris/wgsync/internal/middleware"
	"github.com/itsChris/wgsync/internal/monitor"
	"github.com/itsChris/wgsync/internal/wg"
)

// StatusSource reports the outcome of the last drift pass.
type StatusSource interface {
	Status() monitor.Status
}

// Server is the HTTP server that wires together all subsystems.
type Server struct {
	db         *db.DB
	reconciler *wg.Reconciler
	status     StatusSource
	metrics    *metrics.Recorder
	journal    *logging.Journal
	logger     *slog.Logger
	devMode    bool
	version    string
	startTime  time.Time
	now        func() time.Time
	mux        *http.ServeMux
	handler    http.Handler
}

// Config holds the dependencies for creating a new Server. DB, Reconciler
// and Logger are required; the rest are optional.
type Config struct {
	DB         *db.DB
	Reconciler *wg.Reconciler
	Status     StatusSource
	Metrics    *metrics.Recorder
	Journal    *logging.Journal
	Logger     *slog.Logger
	DevMode    bool
	Version    string
}

// New creates a Server and registers all routes.
func New(cfg Config) (*Server, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("new server: database is required")
	}
	if cfg.Reconciler == nil {
		return nil, fmt.Errorf("new server: reconciler is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("new server: logger is required")
	}
	s := &Server{
		db:         cfg.DB,
		reconciler: cfg.Reconciler,
		status:     cfg.Status,
		metrics:    cfg.Metrics,
		journal:    cfg.Journal,
		logger:     cfg.Logger.With("component", "server"),
		devMode:    cfg.DevMode,
		version:    cfg.Version,
		startTime:  time.Now(),
		now:        time.Now,
		mux:        http.NewServeMux(),
	}
	s.registerRoutes()
	s.handler = middleware.Chain(s.mux,
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.RequestLogger(s.logger, s.devMode),
		middleware.APIHeaders,
		middleware.MaxBody(middleware.DefaultMaxBodySize),
	)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
