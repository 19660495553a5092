package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/itsChris/wgsync/internal/metrics"
	"github.com/itsChris/wgsync/internal/monitor"
	"github.com/itsChris/wgsync/internal/sdnotify"
	"github.com/itsChris/wgsync/internal/server"
	wgtls "github.com/itsChris/wgsync/internal/tls"
	"github.com/itsChris/wgsync/internal/wg"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: drift loop, REST API and metrics",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("server.listen", "", "HTTP listen address")
	cmd.Flags().Duration("reconcile.interval", 0, "drift loop interval (0 disables the loop)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd, true)
	if err != nil {
		return err
	}
	cfg, logger := a.cfg, a.logger

	logger.Info("wgsync_starting",
		"version", version,
		"go_version", runtime.Version(),
		"os", runtime.GOOS,
		"arch", runtime.GOARCH,
		"pid", os.Getpid(),
		"uid", os.Getuid(),
		"listen", cfg.Server.Listen,
		"backend_type", cfg.Backend.Type,
		"reconcile_interval", cfg.Reconcile.Interval.String(),
		"log_level", cfg.Logging.Level,
		"dev_mode", cfg.Server.DevMode,
		"db_path", cfg.Database.Path,
		"component", "main",
	)

	// ── Store ────────────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	database, err := a.openDB(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	// ── Backend and reconciler ───────────────────────────────────────
	recorder := metrics.New()
	rec, closeBackend, err := a.reconciler(true, wg.WithRecorder(recorder))
	if err != nil {
		return err
	}
	defer closeBackend()

	logger.Info("backend_selected",
		"backend", rec.Backend().Name(),
		"component", "main",
	)

	// ── Background loops ─────────────────────────────────────────────
	var loops sync.WaitGroup
	defer func() {
		cancel()
		loops.Wait()
	}()
	run := func(fn func(context.Context)) {
		loops.Add(1)
		go func() {
			defer loops.Done()
			fn(ctx)
		}()
	}

	var poller *monitor.Poller
	if cfg.Reconcile.Interval > 0 {
		if poller, err = monitor.NewPoller(database, rec, logger, cfg.Reconcile.Interval); err != nil {
			return fmt.Errorf("create poller: %w", err)
		}
		run(poller.Run)
	} else {
		logger.Info("drift_loop_disabled", "component", "main")
	}

	compactor, err := monitor.NewCompactor(database, logger, cfg.Reconcile.CompactionInterval, cfg.Reconcile.SnapshotRetention)
	if err != nil {
		return fmt.Errorf("create compactor: %w", err)
	}
	run(compactor.Run)

	expiry, err := monitor.NewExpiryChecker(database, rec, logger, cfg.Reconcile.ExpiryInterval)
	if err != nil {
		return fmt.Errorf("create expiry checker: %w", err)
	}
	run(expiry.Run)

	// ── HTTP server ──────────────────────────────────────────────────
	srvCfg := server.Config{
		DB:         database,
		Reconciler: rec,
		Metrics:    recorder,
		Journal:    a.journal,
		Logger:     logger,
		DevMode:    cfg.Server.DevMode,
		Version:    version,
	}
	if poller != nil {
		srvCfg.Status = poller
	}
	srv, err := server.New(srvCfg)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	certs, err := wgtls.NewManager(wgtls.Config{
		Mode:     cfg.Server.TLSMode,
		CertFile: cfg.Server.TLSCertFile,
		KeyFile:  cfg.Server.TLSKeyFile,
		CertDir:  cfg.Server.TLSCertDir,
		Hosts:    cfg.Server.TLSHosts,
		Email:    cfg.Server.TLSEmail,
	}, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv,
		TLSConfig:         certs.TLSConfig(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// A request can wait for a full reconcile pass.
		WriteTimeout: 2*cfg.Backend.OpTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listening",
			"addr", cfg.Server.Listen,
			"tls", string(certs.Mode()),
			"component", "main",
		)
		var err error
		if certs.Enabled() {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()

	// ── Systemd notify READY ─────────────────────────────────────────
	if err := sdnotify.Ready("backend " + rec.Backend().Name()); err != nil {
		logger.Warn("sd_notify_ready_failed",
			"error", err,
			"component", "main",
		)
	}
	if interval := sdnotify.WatchdogInterval(); interval > 0 {
		run(func(ctx context.Context) {
			sdnotify.RunWatchdog(ctx, interval, logger, func(ctx context.Context) error {
				_, err := rec.Backend().ListInterfaces(ctx)
				return err
			})
		})
		logger.Info("watchdog_enabled",
			"interval", interval.String(),
			"component", "main",
		)
	}

	// ── Main loop: wait for signals or fatal errors ──────────────────
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			logger.Info("reconcile_requested",
				"signal", "SIGHUP",
				"component", "main",
			)
			if poller == nil {
				continue
			}
			if err := sdnotify.Reloading(); err != nil {
				logger.Warn("sd_notify_reloading_failed",
					"error", err,
					"component", "main",
				)
			}
			poller.Poll(ctx)
			sdnotify.Ready("")

		case <-ctx.Done():
			logger.Info("shutdown_requested", "component", "main")
			return shutdown(httpServer, logger)

		case err := <-errCh:
			return err
		}
	}
}

// shutdown stops accepting requests and waits for the ones in flight.
func shutdown(httpServer *http.Server, logger *slog.Logger) error {
	if err := sdnotify.Stopping(); err != nil {
		logger.Warn("sd_notify_stopping_failed",
			"error", err,
			"component", "main",
		)
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_error",
			"error", err,
			"component", "main",
		)
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown_complete", "component", "main")
	return nil
}
