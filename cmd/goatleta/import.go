package main

import (
	"github.com/spf13/cobra"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/migrate"
	"github.com/otaldogusta/GoAtleta-sub001/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import <file.jsonl>",
	GroupID: "ops",
	Short:   "Import writes from a legacy JSONL queue dump",
	Long: `Import the writes of a queue dump exported by an older client, one JSON
object per line.

Writes that were in flight when the dump was taken are queued again. Writes
already in the queue are skipped, so an import can be repeated safely. Writes
without an organization are assigned --tenant, or the active organization.`,
	Example: `  goatleta import --dry-run queue.jsonl
  goatleta import --backup --tenant org_7 queue.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")
		tenant, _ := cmd.Flags().GetString("tenant")
		if tenant == "" {
			_, tenants := sessionSources()
			tenant = tenants.ActiveTenant()
		}

		opts := migrate.Options{
			FromJSONL:     args[0],
			DryRun:        dryRun,
			Backup:        backup,
			DefaultTenant: tenant,
		}
		var importer migrate.Importer
		if !dryRun {
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			importer = store
		}

		res, err := migrate.Migrate(ctx, importer, opts)
		if err != nil {
			return err
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			errs := make([]string, len(res.Errors))
			for i, e := range res.Errors {
				errs[i] = e.Error()
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"dry_run":    dryRun,
				"read":       res.Read,
				"imported":   res.Imported,
				"duplicates": res.Duplicates,
				"backup":     res.BackupCreated,
				"errors":     errs,
			})
		}

		p := ui.NewPrinter(cmd.OutOrStdout())
		if res.BackupCreated != "" {
			p.Line(ui.LevelMuted, "backup: %s", res.BackupCreated)
		}
		verb := "imported"
		if dryRun {
			verb = "would import"
		}
		p.Line(levelIf(len(res.Errors) == 0, ui.LevelOK), "read %d lines, %s %d writes, %d already queued",
			res.Read, verb, res.Imported, res.Duplicates)
		for _, e := range res.Errors {
			p.Line(ui.LevelError, "%s", e.Error())
		}
		return nil
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "validate the dump without importing")
	importCmd.Flags().Bool("backup", false, "copy the dump aside before importing")
	importCmd.Flags().String("tenant", "", "organization for writes that carry none (default: active organization)")
	importCmd.Flags().Bool("json", false, "output JSON")
	rootCmd.AddCommand(importCmd)
}
