package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/daemon"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/diag"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
	"github.com/otaldogusta/GoAtleta-sub001/internal/ui"
)

func ago(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t).Round(time.Second)
	if d < 0 {
		return "in " + (-d).String()
	}
	return d.String() + " ago"
}

func printStatus(p *ui.Printer, st daemon.SyncStatus) {
	now := time.Now()
	state := ui.LevelOK
	switch st.State {
	case daemon.StatePaused:
		state = ui.LevelError
	case daemon.StateBackoffScheduled:
		state = ui.LevelWarn
	}
	rows := []ui.KV{
		{Key: "state", Value: string(st.State), Level: state},
		{Key: "pending", Value: strconv.Itoa(st.PendingCount)},
	}
	if st.LastSyncAt != nil {
		rows = append(rows, ui.KV{Key: "last sync", Value: ago(*st.LastSyncAt, now), Level: ui.LevelMuted})
	}
	if st.NextRetryAt != nil {
		rows = append(rows, ui.KV{Key: "next retry", Value: ago(*st.NextRetryAt, now), Level: ui.LevelWarn})
	}
	if st.Escalations > 0 {
		rows = append(rows, ui.KV{Key: "escalations", Value: strconv.Itoa(st.Escalations), Level: ui.LevelWarn})
	}
	if st.PausedReason != schema.PauseNone {
		rows = append(rows, ui.KV{Key: "paused", Value: string(st.PausedReason), Level: ui.LevelError})
		rows = append(rows, ui.KV{Key: "action", Value: st.Action})
	}
	if st.LastError != "" {
		rows = append(rows, ui.KV{Key: "last error", Value: st.LastError, Level: ui.LevelError})
	}
	p.Title("Sync status")
	p.KeyValues(rows)
}

func printReport(p *ui.Printer, r diag.Report) {
	candidates := ui.LevelOK
	if r.DeadLetterCandidates > 0 {
		candidates = ui.LevelError
	}
	rows := []ui.KV{
		{Key: "pending", Value: strconv.Itoa(r.Pending)},
		{Key: "in flight", Value: strconv.Itoa(r.InFlight)},
		{Key: "failed (retryable)", Value: strconv.Itoa(r.FailedRetryable), Level: levelIf(r.FailedRetryable > 0, ui.LevelWarn)},
		{Key: "failed (terminal)", Value: strconv.Itoa(r.FailedTerminal), Level: levelIf(r.FailedTerminal > 0, ui.LevelError)},
		{Key: "dead-letter candidates", Value: fmt.Sprintf("%d (retries > %d)", r.DeadLetterCandidates, r.DeadLetterThreshold), Level: candidates},
		{Key: "dead-letter stored", Value: strconv.Itoa(r.DeadLetterStored), Level: ui.LevelMuted},
		{Key: "max retry", Value: strconv.Itoa(r.MaxRetry)},
	}
	if r.PausedReason != schema.PauseNone {
		rows = append(rows, ui.KV{Key: "paused", Value: string(r.PausedReason), Level: ui.LevelError})
	}
	if r.LastError != "" {
		rows = append(rows, ui.KV{Key: "last error", Value: r.LastError, Level: ui.LevelError})
	}
	p.Title("Queue diagnostics")
	p.KeyValues(rows)

	if len(r.ByClass) > 0 {
		classes := make([]string, 0, len(r.ByClass))
		for c := range r.ByClass {
			classes = append(classes, string(c))
		}
		sort.Strings(classes)
		byClass := make([]ui.KV, 0, len(classes))
		for _, c := range classes {
			byClass = append(byClass, ui.KV{Key: c, Value: strconv.Itoa(r.ByClass[schema.FailureClass(c)])})
		}
		fmt.Fprintln(p.Writer())
		p.Title("Failures by class")
		p.KeyValues(byClass)
	}
}

func levelIf(cond bool, l ui.Level) ui.Level {
	if cond {
		return l
	}
	return ui.LevelInfo
}

func printWrites(p *ui.Printer, writes []*schema.PendingWrite) {
	if len(writes) == 0 {
		p.Line(ui.LevelMuted, "no matching writes")
		return
	}
	now := time.Now()
	rows := make([][]string, 0, len(writes))
	for _, w := range writes {
		rows = append(rows, []string{
			w.ID,
			string(w.State),
			w.Kind,
			w.StreamKey,
			strconv.Itoa(w.RetryCount),
			string(w.FailureClass),
			ago(w.CreatedAt, now),
			ui.Truncate(w.LastError, 60),
		})
	}
	p.Table([]string{"ID", "STATE", "KIND", "STREAM", "RETRIES", "CLASS", "CREATED", "LAST ERROR"}, rows)
}
