//go:build windows

package main

import (
	"context"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/daemon"
)

// handleLifecycleSignals waits for ctx; Windows has no user signals. Use
// POST /sync on the dashboard instead.
func handleLifecycleSignals(ctx context.Context, _ *daemon.Orchestrator) {
	<-ctx.Done()
}
