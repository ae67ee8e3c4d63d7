package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/db"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/diag"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
	"github.com/otaldogusta/GoAtleta-sub001/internal/ui"
)

var diagCmd = &cobra.Command{
	Use:     "diag",
	GroupID: "ops",
	Short:   "Inspect and repair the write queue",
	Long: `Inspect failed writes and repair the queue.

Reprocessing and archiving act on the queue database directly, so they work
whether or not the daemon is running; a running daemon picks the changes up
on its next pass.`,
}

var diagShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the queue health report",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openDiag(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		report, err := svc.Diagnostics(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return writeJSON(cmd.OutOrStdout(), report)
		}
		printReport(ui.NewPrinter(cmd.OutOrStdout()), report)
		return nil
	},
}

var diagFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List failed writes",
	Example: `  goatleta diag failures --class network,timeout
  goatleta diag failures --state failed_terminal --older-than "3 days ago"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := filterFromFlags(cmd, time.Now())
		if err != nil {
			return err
		}
		svc, closeFn, err := openDiag(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		writes, err := svc.Failures(cmd.Context(), f)
		if err != nil {
			return err
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return writeJSON(cmd.OutOrStdout(), writes)
		}
		printWrites(ui.NewPrinter(cmd.OutOrStdout()), writes)
		return nil
	},
}

var diagReprocessCmd = &cobra.Command{
	Use:   "reprocess <id>",
	Short: "Return one failed or archived write to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openDiag(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		changed, err := svc.ReprocessOne(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		p := ui.NewPrinter(cmd.OutOrStdout())
		if changed {
			p.Line(ui.LevelOK, "requeued %s", args[0])
		} else {
			p.Line(ui.LevelMuted, "%s is already queued", args[0])
		}
		return nil
	},
}

var diagReprocessClassCmd = &cobra.Command{
	Use:   "reprocess-class",
	Short: "Requeue every failed write of the given classes",
	Example: `  goatleta diag reprocess-class --class network,timeout,unavailable`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := filterFromFlags(cmd, time.Now())
		if err != nil {
			return err
		}
		if len(f.Classes) == 0 {
			return fmt.Errorf("--class is required")
		}
		svc, closeFn, err := openDiag(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		n, err := svc.ReprocessClass(cmd.Context(), f)
		if err != nil {
			return err
		}
		ui.NewPrinter(cmd.OutOrStdout()).Line(levelIf(n > 0, ui.LevelOK), "requeued %d writes", n)
		return nil
	},
}

var diagArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Move writes to the dead-letter archive",
	Long: `Move writes out of the queue into the dead-letter archive.

Without filters, archives the dead-letter candidates: writes that failed
permanently, and retryable writes past the dead-letter threshold. With
filters, archives every non in-flight write that matches, for example the
writes left behind by a former organization.

Archived writes can be brought back with "goatleta diag reprocess <id>".`,
	Example: `  goatleta diag archive
  goatleta diag archive --tenant org_old --reason "left organization" --yes`,
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now()
		f, err := filterFromFlags(cmd, now)
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")
		yes, _ := cmd.Flags().GetBool("yes")
		filtered := !isZeroFilter(f)

		svc, closeFn, err := openDiag(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		ctx := cmd.Context()

		var matched []*schema.PendingWrite
		if filtered {
			matched, err = svc.Matching(ctx, f)
		} else {
			matched, err = svc.DeadLetterCandidates(ctx)
		}
		if err != nil {
			return err
		}
		p := ui.NewPrinter(cmd.OutOrStdout())
		if len(matched) == 0 {
			p.Line(ui.LevelMuted, "nothing to archive")
			return nil
		}

		if !yes {
			if !p.Interactive() {
				return fmt.Errorf("refusing to archive %d writes without --yes", len(matched))
			}
			printWrites(p, matched)
			ok, err := ui.Confirm(
				fmt.Sprintf("Archive %d writes?", len(matched)),
				"They will no longer be delivered until reprocessed.",
				"Archive",
			)
			if err != nil {
				return err
			}
			if !ok {
				p.Line(ui.LevelMuted, "cancelled")
				return nil
			}
		}

		var n int
		if filtered {
			n, err = svc.ArchiveMatching(ctx, f, reason)
		} else {
			n, err = svc.ArchiveDeadLetterCandidates(ctx)
		}
		if err != nil {
			return err
		}
		p.Line(ui.LevelOK, "archived %d writes", n)
		return nil
	},
}

var diagPurgeCmd = &cobra.Command{
	Use:   "purge <id>...",
	Short: "Permanently delete archived writes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		p := ui.NewPrinter(cmd.OutOrStdout())
		if !yes {
			if !p.Interactive() {
				return fmt.Errorf("refusing to purge %d writes without --yes", len(args))
			}
			ok, err := ui.Confirm(
				fmt.Sprintf("Delete %d archived writes for good?", len(args)),
				"They cannot be reprocessed afterwards.",
				"Delete",
			)
			if err != nil {
				return err
			}
			if !ok {
				p.Line(ui.LevelMuted, "cancelled")
				return nil
			}
		}

		svc, closeFn, err := openDiag(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		for _, id := range args {
			if err := svc.Purge(cmd.Context(), id); err != nil {
				return err
			}
			p.Line(ui.LevelOK, "purged %s", id)
		}
		return nil
	},
}

var diagExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a queue snapshot for a support ticket",
	Long: `Export the health report and the metadata of every queued and archived
write. Request bodies and headers are never included.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("format")
		format, err := diag.ParseFormat(raw)
		if err != nil {
			return err
		}
		output, _ := cmd.Flags().GetString("output")

		svc, closeFn, err := openDiag(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		snap, err := svc.ExportSnapshot(cmd.Context())
		if err != nil {
			return err
		}
		if output == "" || output == "-" {
			return snap.Encode(cmd.OutOrStdout(), format)
		}
		// #nosec G304 - controlled path from CLI
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", output, err)
		}
		if err := snap.Encode(f, format); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		ui.NewPrinter(cmd.ErrOrStderr()).Line(ui.LevelOK, "wrote %s (%d records, %d archived)",
			output, len(snap.Records), len(snap.Archived))
		return nil
	},
}

var diagClassifyCmd = &cobra.Command{
	Use:   "classify <id>",
	Short: "Explain why a write failed and what to do about it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openDiag(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		c, err := svc.ClassifyFailure(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return writeJSON(cmd.OutOrStdout(), c)
		}
		p := ui.NewPrinter(cmd.OutOrStdout())
		level := ui.LevelInfo
		switch c.Severity {
		case diag.SeverityCritical:
			level = ui.LevelError
		case diag.SeverityWarning:
			level = ui.LevelWarn
		}
		p.KeyValues([]ui.KV{
			{Key: "Write", Value: c.ID},
			{Key: "Class", Value: string(c.Class)},
			{Key: "Severity", Value: string(c.Severity), Level: level},
			{Key: "Probable cause", Value: c.ProbableCause},
			{Key: "Action", Value: c.RecommendedAction},
			{Key: "Source", Value: c.Source, Level: ui.LevelMuted},
		})
		return nil
	},
}

func openDiag(cmd *cobra.Command) (*diag.Service, func(), error) {
	store, err := openStore(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	svc, err := newDiagService(store, nil)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return svc, func() { _ = store.Close() }, nil
}

// splitList splits a comma separated flag value, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// filterFromFlags builds a store filter from whichever filter flags the
// command defines.
func filterFromFlags(cmd *cobra.Command, now time.Time) (db.Filter, error) {
	var f db.Filter
	flags := cmd.Flags()

	if flags.Lookup("class") != nil {
		raw, _ := flags.GetString("class")
		for _, name := range splitList(raw) {
			c, err := schema.ParseFailureClass(name)
			if err != nil {
				return f, err
			}
			f.Classes = append(f.Classes, c)
		}
	}
	if flags.Lookup("state") != nil {
		raw, _ := flags.GetString("state")
		for _, name := range splitList(raw) {
			s, err := schema.ParseState(name)
			if err != nil {
				return f, err
			}
			f.States = append(f.States, s)
		}
	}
	if flags.Lookup("stream") != nil {
		f.StreamKey, _ = flags.GetString("stream")
	}
	if flags.Lookup("kind") != nil {
		f.Kind, _ = flags.GetString("kind")
	}
	if flags.Lookup("tenant") != nil {
		f.TenantID, _ = flags.GetString("tenant")
	}
	if flags.Lookup("older-than") != nil {
		raw, _ := flags.GetString("older-than")
		if raw != "" {
			t, err := parseOlderThan(raw, now)
			if err != nil {
				return f, err
			}
			f.OlderThan = t
		}
	}
	if flags.Lookup("limit") != nil {
		f.Limit, _ = flags.GetInt("limit")
	}
	return f, nil
}

func isZeroFilter(f db.Filter) bool {
	return len(f.Classes) == 0 && len(f.States) == 0 && f.StreamKey == "" &&
		f.Kind == "" && f.TenantID == "" && f.OlderThan.IsZero()
}

func addFilterFlags(cmd *cobra.Command, withLimit bool) {
	cmd.Flags().String("class", "", "failure classes, comma separated: "+classNames())
	cmd.Flags().String("state", "", "states, comma separated (pending, failed_retryable, failed_terminal)")
	cmd.Flags().String("stream", "", "stream key")
	cmd.Flags().String("kind", "", "operation kind")
	cmd.Flags().String("tenant", "", "organization id")
	cmd.Flags().String("older-than", "", `created before: a duration ("72h"), a time, or "3 days ago"`)
	if withLimit {
		cmd.Flags().Int("limit", 100, "maximum number of writes")
	}
}

func classNames() string {
	names := make([]string, len(schema.FailureClasses))
	for i, c := range schema.FailureClasses {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

func init() {
	diagShowCmd.Flags().Bool("json", false, "output JSON")

	addFilterFlags(diagFailuresCmd, true)
	diagFailuresCmd.Flags().Bool("json", false, "output JSON")

	diagReprocessClassCmd.Flags().String("class", "", "failure classes, comma separated: "+classNames())

	addFilterFlags(diagArchiveCmd, false)
	diagArchiveCmd.Flags().String("reason", "", "archive reason recorded with the writes")
	diagArchiveCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	diagPurgeCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	diagExportCmd.Flags().String("format", "json", "snapshot format: json, yaml or toml")
	diagExportCmd.Flags().StringP("output", "o", "", "write to a file instead of stdout")

	diagClassifyCmd.Flags().Bool("json", false, "output JSON")

	diagCmd.AddCommand(diagShowCmd, diagFailuresCmd, diagReprocessCmd, diagReprocessClassCmd,
		diagArchiveCmd, diagPurgeCmd, diagExportCmd, diagClassifyCmd)
	rootCmd.AddCommand(diagCmd)
}
