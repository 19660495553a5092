package main

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/itsChris/wgsync/internal/db"
	"github.com/itsChris/wgsync/internal/manifest"
	"github.com/itsChris/wgsync/internal/wg"
)

// loadManifest reads the document named by the -f flag; "-" reads stdin.
func loadManifest(cmd *cobra.Command) (*manifest.Document, error) {
	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		return nil, fmt.Errorf("a manifest is required (-f)")
	}
	if path != "-" {
		return manifest.Load(path)
	}
	data, err := readInput(cmd, path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	defer clear(data)
	return manifest.Parse(data)
}

func newApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply -f <manifest>",
		Short: "Converge live interfaces to a manifest",
		Long: "Apply reconciles every interface of the manifest against the live " +
			"devices without touching the store. Interfaces marked disabled are " +
			"skipped. Devices not named in the manifest are left alone.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadManifest(cmd)
			if err != nil {
				return err
			}
			desired, _, err := doc.Desired()
			if err != nil {
				return err
			}
			defer func() {
				for _, d := range desired {
					d.Wipe()
				}
			}()

			var active []*wg.Interface
			for i, d := range desired {
				if disabled := doc.Interfaces[i].Disabled; disabled != nil && *disabled {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: disabled, skipped\n", d.Name)
					continue
				}
				active = append(active, d)
			}

			a, err := setup(cmd, false)
			if err != nil {
				return err
			}
			rec, closeBackend, err := a.reconciler(false)
			if err != nil {
				return err
			}
			defer closeBackend()

			out := cmd.OutOrStdout()
			if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
				for _, d := range active {
					ops, err := rec.Plan(cmd.Context(), d.Name, d)
					if err != nil {
						return err
					}
					printPlan(out, d.Name, ops)
				}
				return nil
			}

			results, err := rec.ReconcileAll(cmd.Context(), active)
			printResults(out, results)
			return err
		},
	}
	cmd.Flags().StringP("file", "f", "", "manifest file (YAML or JSON, - for stdin)")
	cmd.Flags().Bool("dry-run", false, "print the planned operations without applying them")
	return cmd
}

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import -f <manifest>",
		Short: "Store a manifest as the desired state",
		Long: "Import writes every interface of the manifest to the store, replacing " +
			"what was stored under the same name. The daemon converges to it on its " +
			"next pass; \"wgsync reconcile\" does so immediately.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadManifest(cmd)
			if err != nil {
				return err
			}
			desired, metas, err := doc.Desired()
			if err != nil {
				return err
			}
			defer func() {
				for _, d := range desired {
					d.Wipe()
				}
			}()

			a, err := setup(cmd, false)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			database, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			out := cmd.OutOrStdout()
			names := make([]string, 0, len(desired))
			for i, d := range desired {
				if err := manifest.Save(ctx, database, d, metas[i], doc.Interfaces[i].Disabled); err != nil {
					return fmt.Errorf("store %s: %w", d.Name, err)
				}
				names = append(names, d.Name)
				fmt.Fprintf(out, "%s: stored, %d peers\n", d.Name, len(d.Peers))
			}

			if prune, _ := cmd.Flags().GetBool("prune"); prune {
				stored, err := database.ListInterfaces(ctx)
				if err != nil {
					return err
				}
				for i := range stored {
					name := stored[i].Name
					stored[i].Wipe()
					if slices.Contains(names, name) {
						continue
					}
					if err := database.DeleteInterface(ctx, name); err != nil {
						return fmt.Errorf("prune %s: %w", name, err)
					}
					fmt.Fprintf(out, "%s: removed from store\n", name)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "", "manifest file (YAML or JSON, - for stdin)")
	cmd.Flags().Bool("prune", false, "remove stored interfaces the manifest does not name")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [interface...]",
		Short: "Converge live interfaces to the stored desired state",
		Long:  "Reconcile runs one pass over every enabled stored interface, or over the named ones.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, false)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			database, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			desired, err := database.DesiredInterfaces(ctx)
			if err != nil {
				return err
			}
			defer func() {
				for _, d := range desired {
					d.Wipe()
				}
			}()
			if len(args) > 0 {
				for _, name := range args {
					if !slices.ContainsFunc(desired, func(d *wg.Interface) bool { return d.Name == name }) {
						return wg.NewError(wg.NotFound, "reconcile", name, fmt.Errorf("not stored or disabled"))
					}
				}
				desired = slices.DeleteFunc(desired, func(d *wg.Interface) bool {
					if slices.Contains(args, d.Name) {
						return false
					}
					d.Wipe()
					return true
				})
			}

			rec, closeBackend, err := a.reconciler(false)
			if err != nil {
				return err
			}
			defer closeBackend()

			results, err := rec.ReconcileAll(ctx, desired)
			printResults(cmd.OutOrStdout(), results)
			if len(args) == 0 {
				if serr := database.SetTime(ctx, db.SettingLastReconcile, time.Now()); serr != nil {
					a.logger.Warn("record_reconcile_time_failed",
						"error", serr,
						"component", "main",
					)
				}
			}
			return err
		},
	}
}

func printPlan(w io.Writer, name string, ops []wg.Op) {
	if len(ops) == 0 {
		fmt.Fprintf(w, "%s: up to date\n", name)
		return
	}
	fmt.Fprintf(w, "%s: %d operations\n", name, len(ops))
	for _, op := range ops {
		fmt.Fprintf(w, "  %s\n", op)
	}
}

func printResults(w io.Writer, results []*wg.Result) {
	for _, res := range results {
		if res == nil {
			continue
		}
		switch {
		case len(res.Ops) == 0:
			fmt.Fprintf(w, "%s: up to date\n", res.Interface)
			continue
		case res.OK():
			fmt.Fprintf(w, "%s: %d operations applied\n", res.Interface, res.Applied())
			continue
		}
		fmt.Fprintf(w, "%s: %d of %d operations applied\n", res.Interface, res.Applied(), len(res.Ops))
		for _, o := range res.Failed() {
			state := "failed"
			if o.Skipped {
				state = "skipped"
			}
			fmt.Fprintf(w, "  %s %s: %v\n", o.Op, state, o.Err)
		}
	}
}
