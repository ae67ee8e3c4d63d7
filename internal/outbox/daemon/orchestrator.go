package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/db"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/dispatch"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
)

// Store is the part of the queue store the orchestrator uses.
type Store interface {
	Enqueue(ctx context.Context, in schema.PendingWriteInput) (string, bool, error)
	ClaimNext(ctx context.Context, asOf time.Time) (*schema.PendingWrite, error)
	CountByState(ctx context.Context) (db.Counts, error)
	CountOtherTenants(ctx context.Context, tenant string) (int, error)
	RecoverInFlight(ctx context.Context) (int, error)
}

// Recorder receives metrics from the orchestrator.
type Recorder interface {
	ObserveDispatch(out dispatch.Outcome)
	ObservePass(res DrainResult)
	ObserveStatus(s SyncStatus)
}

type nopRecorder struct{}

func (nopRecorder) ObserveDispatch(dispatch.Outcome) {}
func (nopRecorder) ObservePass(DrainResult)          {}
func (nopRecorder) ObserveStatus(SyncStatus)         {}

// MultiRecorder fans observations out to several recorders.
func MultiRecorder(rs ...Recorder) Recorder {
	return multiRecorder(rs)
}

type multiRecorder []Recorder

func (m multiRecorder) ObserveDispatch(out dispatch.Outcome) {
	for _, r := range m {
		r.ObserveDispatch(out)
	}
}

func (m multiRecorder) ObservePass(res DrainResult) {
	for _, r := range m {
		r.ObservePass(res)
	}
}

func (m multiRecorder) ObserveStatus(s SyncStatus) {
	for _, r := range m {
		r.ObserveStatus(s)
	}
}

// Config holds configuration for the orchestrator.
type Config struct {
	// DebounceInterval is how long an enqueue waits before triggering a drain.
	// Further enqueues re-arm the timer so rapid edits share one pass.
	DebounceInterval time.Duration

	// BackoffBase (B) and BackoffCap (CAP) bound the session backoff delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// EscalationCeiling is the number of doubling escalations. Failed drains
	// past it keep retrying with the delay pinned at BackoffCap.
	EscalationCeiling int

	// RateLimit bounds dispatches per second within a pass. Zero disables it.
	RateLimit float64

	// Tenants reports the active organization (optional).
	Tenants dispatch.TenantSource

	// Credentials lets CredentialsChanged decide whether an auth pause can
	// be lifted (optional).
	Credentials dispatch.Credentials

	Recorder Recorder
	Logger   *slog.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval:  750 * time.Millisecond,
		BackoffBase:       2 * time.Second,
		BackoffCap:        60 * time.Second,
		EscalationCeiling: 5,
		Recorder:          nopRecorder{},
		Logger:            slog.Default(),
		Now:               time.Now,
	}
}

// Orchestrator schedules drain passes and maintains SyncStatus.
type Orchestrator struct {
	store  Store
	disp   dispatch.Dispatcher
	config *Config
	logger *slog.Logger

	mu            sync.Mutex
	status        SyncStatus
	backoff       *sessionBackoff
	retryTimer    *time.Timer
	debounceTimer *time.Timer
	draining      bool
	rerun         bool
	started       bool
	stopped       bool

	passes  singleflight.Group
	limiter *rate.Limiter

	subsMu  sync.Mutex
	subs    map[int]func(SyncStatus)
	nextSub int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator with default configuration.
func New(store Store, disp dispatch.Dispatcher) (*Orchestrator, error) {
	return NewWithConfig(store, disp, DefaultConfig())
}

// NewWithConfig creates an orchestrator with custom configuration. Zero
// fields fall back to the defaults.
func NewWithConfig(store Store, disp dispatch.Dispatcher, config *Config) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if disp == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	config = withDefaults(config)
	if config.BackoffCap < config.BackoffBase {
		return nil, fmt.Errorf("backoff cap (%s) must not be below backoff base (%s)", config.BackoffCap, config.BackoffBase)
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		store:   store,
		disp:    disp,
		config:  config,
		logger:  config.Logger.With("component", "orchestrator"),
		backoff: newSessionBackoff(config),
		subs:    make(map[int]func(SyncStatus)),
		ctx:     ctx,
		cancel:  cancel,
		status:  SyncStatus{State: StateIdle},
	}
	if config.RateLimit > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}
	return o, nil
}

func withDefaults(config *Config) *Config {
	def := DefaultConfig()
	if config == nil {
		return def
	}
	c := *config
	if c.DebounceInterval <= 0 {
		c.DebounceInterval = def.DebounceInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = def.BackoffCap
	}
	if c.EscalationCeiling <= 0 {
		c.EscalationCeiling = def.EscalationCeiling
	}
	if c.Recorder == nil {
		c.Recorder = def.Recorder
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	return &c
}

// Start recovers records left in flight by a crash, refreshes the status and
// triggers the first drain. It returns immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	if o.stopped {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator stopped")
	}
	o.started = true
	o.mu.Unlock()

	o.logger.Info("starting sync orchestrator")

	n, err := o.store.RecoverInFlight(ctx)
	if err != nil {
		o.logger.Error("failed to recover in-flight writes", "error", err)
	} else if n > 0 {
		o.logger.Warn("recovered writes left in flight by a previous run", "count", n)
	}

	o.RefreshPendingCount(ctx)
	o.TenantChanged(ctx)
	o.kick("startup")
	return nil
}

// Run starts the orchestrator and blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		o.logger.Info("shutdown signal received")
	case <-o.ctx.Done():
	}
	o.Stop()
	return nil
}

// Stop cancels the running pass, stops the timers and waits for background
// work. It is safe to call more than once.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.stopRetryTimerLocked()
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
	}
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()

	o.mu.Lock()
	o.status.State = StateStopped
	o.status.Syncing = false
	o.status.NextRetryAt = nil
	o.mu.Unlock()
	o.notify()

	o.logger.Info("sync orchestrator stopped")
}

// Enqueue persists a write and schedules a debounced drain.
//
// Transient store failures are retried briefly. A persistent failure is
// logged, surfaced in SyncStatus.LastError and returned.
func (o *Orchestrator) Enqueue(ctx context.Context, in schema.PendingWriteInput) (string, error) {
	if in.TenantID == "" && o.config.Tenants != nil {
		in.TenantID = o.config.Tenants.ActiveTenant()
	}
	if err := in.Validate(); err != nil {
		return "", fmt.Errorf("invalid write: %w", err)
	}

	retry := &backoff.ExponentialBackOff{
		InitialInterval:     20 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         250 * time.Millisecond,
	}
	var merged bool
	id, err := backoff.Retry(ctx, func() (string, error) {
		id, m, err := o.store.Enqueue(ctx, in)
		merged = m
		return id, err
	}, backoff.WithBackOff(retry), backoff.WithMaxTries(3))
	if err != nil {
		o.logger.Error("failed to persist write", "kind", in.Kind, "stream", in.StreamKey, "error", err)
		o.mu.Lock()
		o.status.LastError = "failed to save change: " + err.Error()
		o.mu.Unlock()
		o.notify()
		return "", err
	}

	o.logger.Debug("write enqueued", "id", id, "kind", in.Kind, "stream", in.StreamKey, "merged", merged)
	o.RefreshPendingCount(ctx)
	o.scheduleDebounce()
	return id, nil
}

// HandleLifecycle reacts to platform lifecycle events. Entering the
// foreground triggers an immediate drain; going to the background does not
// interrupt a running pass.
func (o *Orchestrator) HandleLifecycle(ev Lifecycle) {
	switch ev {
	case Foreground:
		o.logger.Debug("app entered foreground")
		o.RefreshPendingCount(o.ctx)
		o.kick("foreground")
	case Background:
		o.logger.Debug("app entered background")
	default:
		o.logger.Warn("unknown lifecycle event", "event", ev)
	}
}

// SyncNow triggers an immediate drain, replacing a scheduled backoff timer.
// It does nothing while the queue is paused.
func (o *Orchestrator) SyncNow() {
	o.kick("manual")
}

// Reprocessed triggers an immediate drain after an operator requeued records.
func (o *Orchestrator) Reprocessed() {
	o.RefreshPendingCount(o.ctx)
	o.kick("reprocess")
}

// ResumeSync clears a pause and triggers a drain.
func (o *Orchestrator) ResumeSync() {
	o.mu.Lock()
	was := o.status.PausedReason
	o.status.PausedReason = schema.PauseNone
	o.status.Action = ""
	if o.status.State == StatePaused {
		o.status.State = StateIdle
	}
	o.mu.Unlock()

	if was != schema.PauseNone {
		o.logger.Info("sync resumed", "was_paused_for", was)
	}
	o.notify()
	o.kick("resume")
}

// CredentialsChanged lifts an auth pause once a valid credential is available.
func (o *Orchestrator) CredentialsChanged(ctx context.Context) {
	if o.Status().PausedReason != schema.PauseAuth || o.config.Credentials == nil {
		return
	}
	token, err := o.config.Credentials.ValidCredential(ctx)
	if err != nil || token == "" {
		o.logger.Debug("credential changed but still unusable", "error", err)
		return
	}
	o.ResumeSync()
}

// TenantChanged pauses the queue when it holds writes of an organization
// other than the active one, and lifts an org_switch pause when none remain.
func (o *Orchestrator) TenantChanged(ctx context.Context) {
	if o.config.Tenants == nil {
		return
	}
	active := o.config.Tenants.ActiveTenant()
	n, err := o.store.CountOtherTenants(ctx, active)
	if err != nil {
		o.logger.Error("failed to check queued writes against active organization", "error", err)
		return
	}

	resume := false
	o.mu.Lock()
	switch {
	case n > 0 && (o.status.PausedReason == schema.PauseNone || o.status.PausedReason == schema.PauseOrgSwitch):
		o.pauseLocked(schema.PauseOrgSwitch,
			fmt.Sprintf("%d queued changes belong to another organization", n))
	case n == 0 && o.status.PausedReason == schema.PauseOrgSwitch:
		o.status.PausedReason = schema.PauseNone
		o.status.Action = ""
		o.status.State = StateIdle
		resume = true
	}
	o.mu.Unlock()

	if n > 0 {
		o.logger.Warn("queue holds writes of another organization", "count", n, "active_tenant", active)
	}
	o.notify()
	if resume {
		o.logger.Info("organization matches queued writes again, resuming")
		o.kick("tenant")
	}
}

// RefreshPendingCount reloads the pending count from the store.
func (o *Orchestrator) RefreshPendingCount(ctx context.Context) {
	counts, err := o.store.CountByState(ctx)
	o.mu.Lock()
	if err != nil {
		o.status.LastError = "failed to read queue: " + err.Error()
	} else {
		o.status.PendingCount = counts.Active()
	}
	o.mu.Unlock()
	if err != nil {
		o.logger.Error("failed to count pending writes", "error", err)
	}
	o.notify()
}

// Status returns a snapshot of the current status.
func (o *Orchestrator) Status() SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status.clone()
}

// Subscribe registers fn for status updates and immediately delivers the
// current status. Updates are delivered one at a time, in order. fn must not
// call Subscribe or the returned function.
func (o *Orchestrator) Subscribe(fn func(SyncStatus)) func() {
	o.subsMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	fn(o.Status())
	o.subsMu.Unlock()

	return func() {
		o.subsMu.Lock()
		delete(o.subs, id)
		o.subsMu.Unlock()
	}
}

func (o *Orchestrator) notify() {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()

	s := o.Status()
	o.config.Recorder.ObserveStatus(s)

	ids := make([]int, 0, len(o.subs))
	for id := range o.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		o.subs[id](s)
	}
}

// Drain runs one pass synchronously. Concurrent callers share the running
// pass and its result.
func (o *Orchestrator) Drain(ctx context.Context) DrainResult {
	v, _, _ := o.passes.Do("drain", func() (any, error) {
		return o.runPass(ctx), nil
	})
	if o.takeRerun() {
		o.kick("coalesced")
	}
	return v.(DrainResult)
}

// kick starts a background pass unless one is running (then a follow-up pass
// is queued) or the queue is paused.
func (o *Orchestrator) kick(reason string) {
	o.mu.Lock()
	if !o.started || o.stopped {
		o.mu.Unlock()
		return
	}
	if o.status.PausedReason != schema.PauseNone {
		o.mu.Unlock()
		o.logger.Debug("drain trigger ignored while paused", "trigger", reason)
		return
	}
	if o.draining {
		o.rerun = true
		o.mu.Unlock()
		return
	}
	o.stopRetryTimerLocked()
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.Debug("drain triggered", "trigger", reason)
	go func() {
		defer o.wg.Done()
		o.Drain(o.ctx)
	}()
}

func (o *Orchestrator) takeRerun() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.rerun && !o.stopped && o.status.PausedReason == schema.PauseNone
	o.rerun = false
	return r
}

func (o *Orchestrator) runPass(ctx context.Context) DrainResult {
	start := o.config.Now()

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return DrainResult{Skipped: true}
	}
	if reason := o.status.PausedReason; reason != schema.PauseNone {
		o.mu.Unlock()
		return DrainResult{Skipped: true, Paused: reason}
	}
	o.stopRetryTimerLocked()
	o.draining = true
	o.rerun = false
	o.status.Syncing = true
	o.status.State = StateDraining
	o.status.NextRetryAt = nil
	o.mu.Unlock()
	o.notify()

	var res DrainResult

	// Records that fail during this pass are due no earlier than start, so
	// each record is attempted at most once per pass.
	asOf := start.Add(-time.Nanosecond)
loop:
	for ctx.Err() == nil && !o.paused() {
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				break
			}
		}

		w, err := o.store.ClaimNext(ctx, asOf)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			res.StoreErrors++
			res.LastError = "queue store: " + err.Error()
			o.logger.Error("failed to claim next write", "error", err)
			break
		}
		if w == nil {
			break
		}

		out := o.disp.Dispatch(ctx, w)
		res.Dispatched++
		o.config.Recorder.ObserveDispatch(out)

		switch out.Kind {
		case dispatch.Succeeded:
			res.Succeeded++
		case dispatch.Retryable:
			res.Retryable++
			res.LastError = errString(out.Err)
		case dispatch.Terminal:
			res.Terminal++
			res.LastError = errString(out.Err)
		case dispatch.Paused:
			res.Paused = out.Pause
			res.LastError = errString(out.Err)
			break loop
		case dispatch.Cancelled:
			break loop
		case dispatch.StoreError:
			res.StoreErrors++
			res.LastError = "queue store: " + errString(out.Err)
			break loop
		}
	}

	counts, err := o.store.CountByState(context.WithoutCancel(ctx))
	if err != nil {
		o.logger.Error("failed to count pending writes", "error", err)
		if res.LastError == "" {
			res.LastError = "failed to read queue: " + err.Error()
		}
	}
	return o.finishPass(res, counts, err, start)
}

func (o *Orchestrator) finishPass(res DrainResult, counts db.Counts, countErr error, start time.Time) DrainResult {
	now := o.config.Now()
	res.Duration = now.Sub(start)
	if countErr == nil {
		res.Remaining = counts.Active()
	}

	o.mu.Lock()
	o.draining = false
	o.status.Syncing = false
	if countErr == nil {
		o.status.PendingCount = counts.Active()
	}
	if res.LastError != "" {
		o.status.LastError = res.LastError
	}
	if res.Succeeded > 0 || (countErr == nil && counts.Active() == 0) {
		t := now
		o.status.LastSyncAt = &t
	}

	switch {
	case o.stopped:
		o.status.State = StateStopped
	case res.Paused != schema.PauseNone:
		o.pauseLocked(res.Paused, res.LastError)
	case o.status.PausedReason != schema.PauseNone:
		// Paused by TenantChanged while the pass ran.
		o.status.State = StatePaused
	case countErr != nil || res.StoreErrors > 0 || counts.FailedRetryable > 0:
		o.scheduleRetryLocked(now)
	default:
		if counts.Active() == 0 {
			o.status.Escalations = 0
			o.status.LastError = ""
			o.backoff.Reset()
		}
		o.status.State = StateIdle
	}
	state := o.status.State
	nextRetry := o.status.NextRetryAt
	o.mu.Unlock()

	o.config.Recorder.ObservePass(res)
	o.notify()

	attrs := []any{"dispatched", res.Dispatched, "succeeded", res.Succeeded,
		"retryable", res.Retryable, "terminal", res.Terminal,
		"remaining", res.Remaining, "state", state, "duration", res.Duration}
	if nextRetry != nil {
		attrs = append(attrs, "next_retry_at", nextRetry.Format(time.RFC3339))
	}
	if res.Paused != schema.PauseNone {
		attrs = append(attrs, "paused", res.Paused)
	}
	o.logger.Info("drain pass finished", attrs...)
	return res
}

func (o *Orchestrator) paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status.PausedReason != schema.PauseNone
}

func (o *Orchestrator) pauseLocked(reason schema.PauseReason, msg string) {
	o.stopRetryTimerLocked()
	o.status.PausedReason = reason
	o.status.Action = reason.Action()
	o.status.State = StatePaused
	o.status.NextRetryAt = nil
	if msg != "" {
		o.status.LastError = msg
	}
}

func (o *Orchestrator) scheduleRetryLocked(now time.Time) {
	o.stopRetryTimerLocked()
	delay := o.backoff.NextBackOff()
	o.status.Escalations = o.backoff.escalations
	at := now.Add(delay)
	o.status.NextRetryAt = &at
	o.status.State = StateBackoffScheduled
	o.retryTimer = time.AfterFunc(delay, func() { o.kick("backoff") })
}

func (o *Orchestrator) stopRetryTimerLocked() {
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
}

func (o *Orchestrator) scheduleDebounce() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
	}
	o.debounceTimer = time.AfterFunc(o.config.DebounceInterval, func() { o.kick("enqueue") })
}

// sessionBackoff yields jitter(min(B*2^N, CAP)) for the Nth consecutive
// failed drain while N <= ceiling, then jitter(CAP) for every later one.
type sessionBackoff struct {
	grow        *backoff.ExponentialBackOff
	pinned      *backoff.ExponentialBackOff
	ceiling     int
	escalations int
}

func newSessionBackoff(config *Config) *sessionBackoff {
	initial := scaled(config.BackoffBase, 1)
	if initial > config.BackoffCap {
		initial = config.BackoffCap
	}
	b := &sessionBackoff{
		grow: &backoff.ExponentialBackOff{
			InitialInterval:     initial,
			RandomizationFactor: 0.15,
			Multiplier:          2,
			MaxInterval:         config.BackoffCap,
		},
		pinned: &backoff.ExponentialBackOff{
			InitialInterval:     config.BackoffCap,
			RandomizationFactor: 0.15,
			Multiplier:          1,
			MaxInterval:         config.BackoffCap,
		},
		ceiling: config.EscalationCeiling,
	}
	b.Reset()
	return b
}

func (b *sessionBackoff) NextBackOff() time.Duration {
	if b.escalations >= b.ceiling {
		return b.pinned.NextBackOff()
	}
	b.escalations++
	return b.grow.NextBackOff()
}

func (b *sessionBackoff) Reset() {
	b.escalations = 0
	b.grow.Reset()
	b.pinned.Reset()
}

// scaled returns base*2^n, saturating instead of overflowing.
func scaled(base time.Duration, n int) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		if d > time.Duration(1<<62)/2 {
			return time.Duration(1 << 62)
		}
		d *= 2
	}
	return d
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
