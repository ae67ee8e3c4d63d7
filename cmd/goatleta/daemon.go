package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/daemon"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/dashboard"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/db"
	"github.com/otaldogusta/GoAtleta-sub001/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "queue",
	Short:   "Run the sync daemon",
	Long: `Run the sync daemon in the foreground.

The daemon drains the queue whenever writes are added, retries failures with
exponential backoff, and pauses delivery when the session expires or the
active organization changes. Changes to the session files resume delivery.

It also serves a dashboard:
  http://HOST:PORT/            overview
  ws://HOST:PORT/ws            status and queue events
  http://HOST:PORT/status      current sync status (JSON)
  http://HOST:PORT/diagnostics queue diagnostics (JSON)
  http://HOST:PORT/metrics     Prometheus metrics
  POST /sync, POST /resume     trigger a drain, lift a pause

Signals:
  SIGUSR1   treat as the app entering the foreground (drain now)
  SIGUSR2   sync now
  SIGINT, SIGTERM  shut down, releasing the write in flight`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if port, _ := cmd.Flags().GetInt("port"); cmd.Flags().Changed("port") {
			cfg.Dashboard.Port = port
		}
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx, cmd, !noDashboard)
	},
}

func runDaemon(ctx context.Context, cmd *cobra.Command, withDashboard bool) error {
	store, rec := db.OpenOrRecover(ctx, cfg.DB.Path, storeOptions(), logger)
	if store == nil {
		return fmt.Errorf("failed to open write queue: %w", rec.Err)
	}
	defer store.Close()
	p := ui.NewPrinter(cmd.ErrOrStderr())
	if rec.Recovered() {
		if rec.MovedTo != "" {
			p.Line(ui.LevelWarn, "queue database was unreadable and has been moved to %s", rec.MovedTo)
		}
		if rec.InMemory {
			p.Line(ui.LevelError, "running on an in-memory queue: queued writes will not survive a restart")
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := dashboard.NewMetrics(reg)

	var server *dashboard.Server
	recorder := daemon.Recorder(metrics)
	var handler *dashboard.Handler
	if withDashboard {
		server = dashboard.NewServer(&dashboard.Config{
			Host:     cfg.Dashboard.Host,
			Port:     cfg.Dashboard.Port,
			Gatherer: reg,
			Logger:   logger,
		})
		handler = dashboard.NewHandler(server, logger)
		recorder = daemon.MultiRecorder(metrics, handler)
	}

	orch, err := newOrchestrator(store, recorder)
	if err != nil {
		return err
	}
	svc, err := newDiagService(store, orch)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if server != nil {
		server.Bind(orch, svc)
		detach := handler.Attach(orch, store)
		defer detach()
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		p.Line(ui.LevelOK, "dashboard on http://%s", server.GetAddr())
		g.Go(func() error {
			<-gctx.Done()
			return server.Stop()
		})
	}

	watcher, err := sessionWatcher()
	switch {
	case err != nil:
		logger.Warn("session files will not be watched", "error", err)
	case watcher != nil:
		if err := watcher.Start(); err != nil {
			logger.Warn("session files will not be watched", "error", err)
			break
		}
		g.Go(func() error {
			watcher.Forward(gctx, orch, logger)
			return watcher.Stop()
		})
	}

	g.Go(func() error {
		handleLifecycleSignals(gctx, orch)
		return nil
	})
	g.Go(func() error {
		return orch.Run(gctx)
	})

	err = g.Wait()
	logger.Info("daemon stopped", "pending", orch.Status().PendingCount)
	return err
}

func init() {
	daemonCmd.Flags().IntP("port", "p", 8787, "dashboard port")
	daemonCmd.Flags().Bool("no-dashboard", false, "do not serve the dashboard")
	rootCmd.AddCommand(daemonCmd)
}
