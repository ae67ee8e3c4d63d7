package main

import (
	"github.com/spf13/cobra"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/daemon"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
	"github.com/otaldogusta/GoAtleta-sub001/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "queue",
	Short:   "Show queue status",
	Long: `Show how many writes are waiting and whether delivery is paused.

With --daemon the status is read from a running daemon, which also knows
about pauses and scheduled retries. Otherwise the queue database is read
directly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		fromDaemon, _ := cmd.Flags().GetBool("daemon")
		jsonOut, _ := cmd.Flags().GetBool("json")
		p := ui.NewPrinter(cmd.OutOrStdout())

		if fromDaemon {
			st, err := newDaemonClient().Status(ctx)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			printStatus(p, st)
			return nil
		}

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		svc, err := newDiagService(store, nil)
		if err != nil {
			return err
		}
		report, err := svc.Diagnostics(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return writeJSON(cmd.OutOrStdout(), report)
		}
		printReport(p, report)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "queue",
	Short:   "Deliver queued writes now",
	Long: `Run one drain pass and report what happened.

Every stream whose head write is due is attempted once. Use --daemon to ask a
running daemon to drain instead; do not run a local pass while a daemon owns
the queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		fromDaemon, _ := cmd.Flags().GetBool("daemon")
		jsonOut, _ := cmd.Flags().GetBool("json")
		p := ui.NewPrinter(cmd.OutOrStdout())

		if fromDaemon {
			client := newDaemonClient()
			if err := client.SyncNow(ctx); err != nil {
				return err
			}
			st, err := client.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			printStatus(p, st)
			return nil
		}

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		orch, err := newOrchestrator(store, nil)
		if err != nil {
			return err
		}
		defer orch.Stop()

		orch.TenantChanged(ctx)
		res := orch.Drain(ctx)
		if jsonOut {
			return writeJSON(cmd.OutOrStdout(), map[string]any{"result": res, "status": orch.Status()})
		}
		printDrainResult(p, res)
		printStatus(p, orch.Status())
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:     "resume",
	GroupID: "queue",
	Short:   "Resume a paused daemon",
	Long: `Clear the pause of a running daemon and drain immediately.

A pause caused by an expired session or an organization switch normally lifts
by itself once the session files change; use this after fixing a permission
problem on the backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newDaemonClient()
		if err := client.Resume(cmd.Context()); err != nil {
			return err
		}
		st, err := client.Status(cmd.Context())
		if err != nil {
			return err
		}
		printStatus(ui.NewPrinter(cmd.OutOrStdout()), st)
		return nil
	},
}

func printDrainResult(p *ui.Printer, res daemon.DrainResult) {
	switch {
	case res.Skipped:
		p.Line(ui.LevelWarn, "queue is paused (%s); nothing was sent", res.Paused)
		if action := res.Paused.Action(); action != "" {
			p.Line(ui.LevelInfo, "%s", action)
		}
		return
	case res.Paused != schema.PauseNone:
		p.Line(ui.LevelError, "paused (%s) after %d dispatches", res.Paused, res.Dispatched)
	case res.Dispatched == 0:
		p.Line(ui.LevelMuted, "nothing due")
	default:
		level := ui.LevelOK
		if res.Retryable+res.Terminal+res.StoreErrors > 0 {
			level = ui.LevelWarn
		}
		p.Line(level, "sent %d: %d succeeded, %d will retry, %d failed permanently",
			res.Dispatched, res.Succeeded, res.Retryable, res.Terminal)
	}
	if res.LastError != "" {
		p.Line(ui.LevelError, "last error: %s", res.LastError)
	}
}

func init() {
	statusCmd.Flags().Bool("daemon", false, "read status from a running daemon")
	statusCmd.Flags().Bool("json", false, "output JSON")
	syncCmd.Flags().Bool("daemon", false, "ask a running daemon to drain")
	syncCmd.Flags().Bool("json", false, "output JSON")

	rootCmd.AddCommand(statusCmd, syncCmd, resumeCmd)
}
