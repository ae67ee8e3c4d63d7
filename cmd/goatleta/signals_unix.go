//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/daemon"
)

// handleLifecycleSignals maps SIGUSR1 to a foreground event and SIGUSR2 to
// an immediate sync until ctx ends.
func handleLifecycleSignals(ctx context.Context, orch *daemon.Orchestrator) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGUSR1:
				orch.HandleLifecycle(daemon.Foreground)
			case syscall.SIGUSR2:
				orch.SyncNow()
			}
		}
	}
}
