package main

import (
	"github.com/spf13/cobra"

	"github.com/itsChris/wgsync/internal/db"
	"github.com/itsChris/wgsync/internal/debug"
	"github.com/itsChris/wgsync/internal/wg"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the host for what wgsync needs",
		Long: "Doctor checks the WireGuard kernel module, the userspace binary, the " +
			"socket directory, CAP_NET_ADMIN and the database, and lists the live " +
			"interfaces. It exits with status 1 when a required check fails.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, false)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg := debug.Config{
				Version:         version,
				BackendType:     a.cfg.Backend.Type,
				UserspaceBinary: a.cfg.Userspace.Binary,
				SocketDir:       a.cfg.Userspace.SocketDir,
				DBPath:          a.cfg.Database.Path,
				JSONOutput:      jsonOut,
				Writer:          cmd.OutOrStdout(),
			}

			// Missing pieces are reported by the checks, not returned.
			var backend wg.Backend
			if backend, err = a.openBackend(false); err == nil {
				defer backend.Close()
				cfg.Backend = backend
			}
			var database *db.DB
			if fileExists(a.cfg.Database.Path) {
				if database, err = a.openDB(ctx); err == nil {
					defer database.Close()
					cfg.DB = database
				}
			}

			report, err := debug.Run(ctx, cfg)
			if err != nil {
				return err
			}
			if report.Failed() {
				return exitError(1)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print the report as JSON")
	return cmd
}
