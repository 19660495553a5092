package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/itsChris/wgsync/internal/config"
	"github.com/itsChris/wgsync/internal/crypto"
	"github.com/itsChris/wgsync/internal/db"
	"github.com/itsChris/wgsync/internal/logging"
	"github.com/itsChris/wgsync/internal/wg"
	"github.com/itsChris/wgsync/internal/wg/kernel"
	"github.com/itsChris/wgsync/internal/wg/userspace"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		var status exitError
		if !errors.As(err, &status) {
			fmt.Fprintf(os.Stderr, "wgsync: %v\n", err)
			if hint := wg.Hint(err); hint != "" {
				fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
			}
		}
		os.Exit(exitCode(err))
	}
}

// exitError carries an exit status without an extra message.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func exitCode(err error) int {
	var e exitError
	if errors.As(err, &e) {
		return int(e)
	}
	return 1
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wgsync",
		Short: "WireGuard interface and peer control",
		Long: "wgsync creates, configures and removes WireGuard interfaces and peers " +
			"through the kernel module or a userspace implementation, and keeps them " +
			"converged to a stored desired state.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "path to config file")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("dev-mode", false, "enable development mode")
	root.PersistentFlags().String("backend", "", "backend: auto, kernel or userspace")

	peer := &cobra.Command{
		Use:   "peer",
		Short: "Manage the peers of a live interface",
	}
	peer.AddCommand(newPeerSetCmd(), newPeerRemoveCmd())

	root.AddCommand(
		newListCmd(),
		newShowCmd(),
		newCreateCmd(),
		newSetCmd(),
		newDeleteCmd(),
		peer,
		newApplyCmd(),
		newImportCmd(),
		newReconcileCmd(),
		newGenKeyCmd(),
		newGenPSKCmd(),
		newPubKeyCmd(),
		newDoctorCmd(),
		newServeCmd(),
		newVersionCmd(),
	)
	return root
}

// app is the configuration and logger shared by one command invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	journal *logging.Journal
}

// setup loads the configuration and builds the logger. One-shot commands
// log warnings and errors only unless --log-level is given.
func setup(cmd *cobra.Command, daemon bool) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if f := cmd.Flags().Lookup("dev-mode"); f != nil && f.Changed {
		cfg.Server.DevMode, _ = cmd.Flags().GetBool("dev-mode")
	}
	levelSet := false
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
		levelSet = true
	}
	if f := cmd.Flags().Lookup("backend"); f != nil && f.Changed {
		cfg.Backend.Type, _ = cmd.Flags().GetString("backend")
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	level := logging.ParseLevel(cfg.Logging.Level)
	if cfg.Server.DevMode && !levelSet {
		level = slog.LevelDebug
	}
	if !daemon && !levelSet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}

	a := &app{cfg: cfg}
	logCfg := logging.Config{
		Level:   level,
		DevMode: cfg.Server.DevMode,
		Format:  cfg.Logging.Format,
		Output:  cmd.ErrOrStderr(),
	}
	if daemon {
		a.journal = logging.NewJournal(logging.DefaultJournalSize)
		a.logger = logging.NewWithJournal(logCfg, a.journal)
	} else {
		a.logger = logging.New(logCfg)
	}
	return a, nil
}

// openBackend selects the backend per backend.type. "auto" prefers the
// kernel module and falls back to the userspace implementation.
// One-shot commands leave userspace processes running when they exit.
func (a *app) openBackend(daemon bool) (wg.Backend, error) {
	links := wg.NewLinkManager()

	if a.cfg.Backend.Type != config.BackendUserspace {
		kb, ok, err := kernel.New(links, a.cfg.Userspace.SocketDir, a.logger)
		if err != nil {
			return nil, err
		}
		if ok {
			return kb, nil
		}
		if a.cfg.Backend.Type == config.BackendKernel {
			return nil, wg.NewError(wg.Unsupported, "open_backend", "",
				errors.New("wireguard kernel module not available"))
		}
		a.logger.Info("kernel_backend_unavailable",
			"fallback", config.BackendUserspace,
			"component", "main",
		)
	}

	us := a.cfg.Userspace
	ub, err := userspace.New(userspace.Config{
		Binary:         us.Binary,
		Args:           us.Args,
		SocketDir:      us.SocketDir,
		ReadyTimeout:   us.ReadyTimeout,
		ConnectRetries: us.ConnectRetries,
		BackoffBase:    us.BackoffBase,
		BackoffMax:     us.BackoffMax,
		StopTimeout:    us.StopTimeout,
		Detach:         us.Detach || !daemon,
	}, links, a.logger)
	if err != nil {
		return nil, err
	}
	return ub, nil
}

// reconciler opens the backend and wraps it. The returned close function
// releases the backend.
func (a *app) reconciler(daemon bool, opts ...wg.Option) (*wg.Reconciler, func(), error) {
	backend, err := a.openBackend(daemon)
	if err != nil {
		return nil, nil, fmt.Errorf("open backend: %w", err)
	}
	opts = append([]wg.Option{
		wg.WithOpTimeout(a.cfg.Backend.OpTimeout),
		wg.WithRestart(a.cfg.Reconcile.RestartOnDown),
		wg.WithConcurrency(a.cfg.Reconcile.Concurrency),
	}, opts...)
	rec, err := wg.NewReconciler(backend, a.logger, opts...)
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	closeFn := func() {
		if err := backend.Close(); err != nil {
			a.logger.Warn("backend_close_failed",
				"error", err,
				"component", "main",
			)
		}
	}
	return rec, closeFn, nil
}

// openDB opens the store, applies migrations and seals keys stored before
// an encryption key was configured.
func (a *app) openDB(ctx context.Context) (*db.DB, error) {
	sealer, err := crypto.LoadSealer(a.cfg.Database.EncryptionKeyFile)
	if err != nil {
		return nil, err
	}
	database, err := db.New(ctx, a.cfg.Database.Path, a.logger,
		db.WithDevMode(a.cfg.Server.DevMode),
		db.WithSealer(sealer),
	)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(ctx, database, a.logger); err != nil {
		database.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if err := db.MigrateSealKeys(ctx, database, a.logger); err != nil {
		database.Close()
		return nil, fmt.Errorf("seal stored keys: %w", err)
	}
	return database, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "wgsync %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}

// readInput reads a file argument, "-" meaning stdin.
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
