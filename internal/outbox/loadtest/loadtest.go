// Package loadtest stresses the write queue with concurrent producers and
// drain triggers against a simulated flaky backend.
//
// A run checks the two ordering guarantees of the queue: writes of one
// stream reach the backend in enqueue order, and no stream ever has two
// calls in flight at once. It also reports enqueue, dispatch and end-to-end
// latency percentiles.
package loadtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/otaldogusta/GoAtleta-sub001/internal/backend"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/daemon"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/db"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/dispatch"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/session"
)

const targetPrefix = "/loadtest/"

// Config describes a run.
type Config struct {
	// DBPath is the sqlite file; empty uses an in-memory store.
	DBPath          string
	Streams         int
	WritesPerStream int
	// Producers enqueue concurrently. Each stream belongs to one producer.
	Producers int
	// Drainers call Drain in a loop alongside the orchestrator's own passes.
	Drainers int
	// FailureRate is the probability that a backend call fails retryably.
	FailureRate float64
	// MaxLatency bounds the simulated backend latency.
	MaxLatency time.Duration
	Seed       int64
	Timeout    time.Duration
	Logger     *slog.Logger
}

// DefaultConfig returns a small run that finishes in a few seconds.
func DefaultConfig() Config {
	return Config{
		Streams:         20,
		WritesPerStream: 25,
		Producers:       4,
		Drainers:        3,
		FailureRate:     0.2,
		MaxLatency:      2 * time.Millisecond,
		Seed:            42,
		Timeout:         time.Minute,
	}
}

func (c Config) validate() error {
	if c.Streams <= 0 || c.WritesPerStream <= 0 {
		return fmt.Errorf("streams and writes per stream must be positive (got %d, %d)", c.Streams, c.WritesPerStream)
	}
	if c.Producers <= 0 {
		return fmt.Errorf("producers must be positive (got %d)", c.Producers)
	}
	if c.FailureRate < 0 || c.FailureRate >= 1 {
		return fmt.Errorf("failure rate must be in [0, 1) (got %v)", c.FailureRate)
	}
	return nil
}

// LatencyStats captures a latency distribution.
type LatencyStats struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// Report is the outcome of a run.
type Report struct {
	Enqueued  int
	Delivered int
	Attempts  int
	Failures  int
	Passes    int
	Remaining int
	// OrderViolations lists deliveries that arrived out of stream order.
	OrderViolations []string
	// MaxInFlight is the highest number of concurrent calls seen for any
	// single stream.
	MaxInFlight int
	Enqueue     LatencyStats
	Dispatch    LatencyStats
	EndToEnd    LatencyStats
	Elapsed     time.Duration
}

// OK reports whether every write was delivered once, in order, with at most
// one call in flight per stream.
func (r *Report) OK() bool {
	return r.Delivered == r.Enqueued && r.Remaining == 0 &&
		len(r.OrderViolations) == 0 && r.MaxInFlight <= 1
}

// Err returns nil when the run is OK, or an error summarizing what went wrong.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("load test failed: %d of %d writes delivered, %d order violations, %d writes left, max %d in flight per stream",
		r.Delivered, r.Enqueued, len(r.OrderViolations), r.Remaining, r.MaxInFlight)
}

// Print writes a human-readable summary.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Load test:\n")
	fmt.Fprintf(w, "  Enqueued:         %d\n", r.Enqueued)
	fmt.Fprintf(w, "  Delivered:        %d\n", r.Delivered)
	fmt.Fprintf(w, "  Attempts:         %d (%d failed)\n", r.Attempts, r.Failures)
	fmt.Fprintf(w, "  Drain passes:     %d\n", r.Passes)
	fmt.Fprintf(w, "  Remaining:        %d\n", r.Remaining)
	fmt.Fprintf(w, "  Order violations: %d\n", len(r.OrderViolations))
	fmt.Fprintf(w, "  Max in flight:    %d per stream\n", r.MaxInFlight)
	fmt.Fprintf(w, "  Elapsed:          %v\n", r.Elapsed)
	r.Enqueue.print(w, "Enqueue")
	r.Dispatch.print(w, "Dispatch")
	r.EndToEnd.print(w, "End to end")
}

func (s LatencyStats) print(w io.Writer, name string) {
	fmt.Fprintf(w, "  %s latency (n=%d): p50 %v  p95 %v  p99 %v  max %v\n", name, s.Count, s.P50, s.P95, s.P99, s.Max)
}

// FlakyBackend simulates the remote API. Targets have the form
// /loadtest/<stream>/<seq>.
type FlakyBackend struct {
	failureRate float64
	maxLatency  time.Duration

	mu          sync.Mutex
	rng         *rand.Rand
	inFlight    map[string]int
	maxInFlight int
	delivered   map[string]int
	deliveredAt map[string]time.Time
	violations  []string
	attempts    int
	failures    int
	latencies   []time.Duration
}

// NewFlakyBackend creates a backend that fails retryably with the given
// probability.
func NewFlakyBackend(failureRate float64, maxLatency time.Duration, seed int64) *FlakyBackend {
	return &FlakyBackend{
		failureRate: failureRate,
		maxLatency:  maxLatency,
		rng:         rand.New(rand.NewSource(seed)), // #nosec G404 - simulation only
		inFlight:    make(map[string]int),
		delivered:   make(map[string]int),
		deliveredAt: make(map[string]time.Time),
	}
}

// Execute implements dispatch.Backend.
func (b *FlakyBackend) Execute(ctx context.Context, req backend.Request) (*backend.Response, error) {
	stream, seq, err := parseTarget(req.Target)
	if err != nil {
		return nil, &backend.ClassifiedError{Class: schema.ClassValidation, StatusCode: 400, Message: err.Error(), Permanent: true}
	}

	b.mu.Lock()
	b.attempts++
	b.inFlight[stream]++
	if n := b.inFlight[stream]; n > b.maxInFlight {
		b.maxInFlight = n
	}
	var latency time.Duration
	if b.maxLatency > 0 {
		latency = time.Duration(b.rng.Int63n(int64(b.maxLatency)))
	}
	fail := b.rng.Float64() < b.failureRate
	b.mu.Unlock()

	start := time.Now()
	defer func() {
		b.mu.Lock()
		b.inFlight[stream]--
		b.latencies = append(b.latencies, time.Since(start))
		b.mu.Unlock()
	}()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &backend.ClassifiedError{Class: schema.ClassTimeout, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if fail {
		b.failures++
		return nil, &backend.ClassifiedError{Class: schema.ClassUnavailable, StatusCode: 503, Message: "simulated outage"}
	}
	if want := b.delivered[stream] + 1; seq != want {
		b.violations = append(b.violations, fmt.Sprintf("%s: got #%d, want #%d", stream, seq, want))
	}
	if seq > b.delivered[stream] {
		b.delivered[stream] = seq
	}
	b.deliveredAt[req.Target] = time.Now()
	return &backend.Response{StatusCode: 201}, nil
}

func (b *FlakyBackend) deliveredCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.deliveredAt)
}

func target(stream string, seq int) string {
	return targetPrefix + stream + "/" + strconv.Itoa(seq)
}

func parseTarget(t string) (string, int, error) {
	rest, ok := strings.CutPrefix(t, targetPrefix)
	if !ok {
		return "", 0, fmt.Errorf("unexpected target %q", t)
	}
	stream, seqStr, ok := strings.Cut(rest, "/")
	if !ok {
		return "", 0, fmt.Errorf("unexpected target %q", t)
	}
	seq, err := strconv.Atoi(seqStr)
	if err != nil {
		return "", 0, fmt.Errorf("unexpected target %q: %w", t, err)
	}
	return stream, seq, nil
}

// Run executes a load test.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	path := cfg.DBPath
	if path == "" {
		path = db.MemoryPath
	}

	store, err := db.OpenWithOptions(path, db.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	if err := store.InitSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	be := NewFlakyBackend(cfg.FailureRate, cfg.MaxLatency, cfg.Seed)
	sess := session.NewStatic("loadtest-token", "")
	disp := dispatch.New(store, be, sess, nil, dispatch.Config{Timeout: 5 * time.Second, Logger: logger})

	var passesMu sync.Mutex
	passes := 0
	orch, err := daemon.NewWithConfig(store, disp, &daemon.Config{
		DebounceInterval:  time.Millisecond,
		BackoffBase:       time.Millisecond,
		BackoffCap:        20 * time.Millisecond,
		EscalationCeiling: 5,
		Credentials:       sess,
		Recorder: passCounter(func() {
			passesMu.Lock()
			passes++
			passesMu.Unlock()
		}),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := orch.Start(runCtx); err != nil {
		return nil, err
	}
	defer orch.Stop()

	total := cfg.Streams * cfg.WritesPerStream
	report := &Report{}
	start := time.Now()

	var enqMu sync.Mutex
	enqueuedAt := make(map[string]time.Time, total)
	enqLatencies := make([]time.Duration, 0, total)

	producers, pctx := errgroup.WithContext(runCtx)
	for p := 0; p < cfg.Producers; p++ {
		producers.Go(func() error {
			for s := p; s < cfg.Streams; s += cfg.Producers {
				stream := fmt.Sprintf("stream-%03d", s)
				for seq := 1; seq <= cfg.WritesPerStream; seq++ {
					body, _ := json.Marshal(map[string]int{"seq": seq})
					in := schema.PendingWriteInput{
						Kind:      "loadtest",
						StreamKey: stream,
						Payload:   schema.Payload{Method: "POST", Target: target(stream, seq), Body: body},
					}
					t0 := time.Now()
					if _, err := orch.Enqueue(pctx, in); err != nil {
						return fmt.Errorf("producer %d: enqueue %s #%d: %w", p, stream, seq, err)
					}
					enqMu.Lock()
					enqLatencies = append(enqLatencies, time.Since(t0))
					enqueuedAt[in.Payload.Target] = t0
					enqMu.Unlock()
				}
			}
			return nil
		})
	}

	drainCtx, stopDrainers := context.WithCancel(runCtx)
	drainers, dctx := errgroup.WithContext(drainCtx)
	for d := 0; d < cfg.Drainers; d++ {
		drainers.Go(func() error {
			for dctx.Err() == nil {
				orch.Drain(dctx)
				time.Sleep(time.Millisecond)
			}
			return nil
		})
	}

	if err := producers.Wait(); err != nil {
		stopDrainers()
		_ = drainers.Wait()
		return nil, err
	}
	report.Enqueued = total

	// Keep nudging until everything is delivered or the run times out.
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
wait:
	for be.deliveredCount() < total {
		select {
		case <-runCtx.Done():
			break wait
		case <-ticker.C:
			orch.SyncNow()
		}
	}
	stopDrainers()
	_ = drainers.Wait()
	report.Elapsed = time.Since(start)

	remaining, err := store.Count(context.Background(), db.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to count remaining writes: %w", err)
	}
	report.Remaining = remaining

	be.mu.Lock()
	report.Delivered = len(be.deliveredAt)
	report.Attempts = be.attempts
	report.Failures = be.failures
	report.MaxInFlight = be.maxInFlight
	report.OrderViolations = append([]string(nil), be.violations...)
	report.Dispatch = computeLatencyStats(be.latencies)
	e2e := make([]time.Duration, 0, len(be.deliveredAt))
	enqMu.Lock()
	for t, at := range be.deliveredAt {
		if queued, ok := enqueuedAt[t]; ok {
			e2e = append(e2e, at.Sub(queued))
		}
	}
	report.Enqueue = computeLatencyStats(enqLatencies)
	enqMu.Unlock()
	be.mu.Unlock()
	report.EndToEnd = computeLatencyStats(e2e)

	passesMu.Lock()
	report.Passes = passes
	passesMu.Unlock()

	logger.Info("load test finished", "enqueued", report.Enqueued, "delivered", report.Delivered,
		"attempts", report.Attempts, "elapsed", report.Elapsed)

	if report.Delivered < total && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return report, fmt.Errorf("timed out with %d of %d writes delivered", report.Delivered, total)
	}
	return report, nil
}

// passCounter counts drain passes.
type passCounter func()

func (passCounter) ObserveDispatch(dispatch.Outcome) {}
func (p passCounter) ObservePass(daemon.DrainResult) { p() }
func (passCounter) ObserveStatus(daemon.SyncStatus)  {}

func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return LatencyStats{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
	}
}
