package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otaldogusta/GoAtleta-sub001/internal/backend"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/db"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/dispatch"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedBackend fails requests whose target has a scripted error.
type scriptedBackend struct {
	mu    sync.Mutex
	fail  map[string]*backend.ClassifiedError
	calls []backend.Request
	hook  func(ctx context.Context, req backend.Request) error
}

func (b *scriptedBackend) Execute(ctx context.Context, req backend.Request) (*backend.Response, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	ce := b.fail[req.Target]
	hook := b.hook
	b.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return nil, err
		}
	}
	if ce != nil {
		return nil, ce
	}
	return &backend.Response{StatusCode: 201}, nil
}

func (b *scriptedBackend) setFailure(target string, ce *backend.ClassifiedError) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail == nil {
		b.fail = make(map[string]*backend.ClassifiedError)
	}
	if ce == nil {
		delete(b.fail, target)
		return
	}
	b.fail[target] = ce
}

func (b *scriptedBackend) requests() []backend.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.Request(nil), b.calls...)
}

type session struct {
	mu     sync.Mutex
	token  string
	tenant string
}

func (s *session) ValidCredential(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *session) ActiveTenant() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenant
}

func (s *session) set(token, tenant string) {
	s.mu.Lock()
	s.token, s.tenant = token, tenant
	s.mu.Unlock()
}

type harness struct {
	store   *db.DB
	backend *scriptedBackend
	session *session
	clock   *fakeClock
	orch    *Orchestrator
}

// newHarness wires a real store and dispatcher. A nil clock uses wall time.
func newHarness(t *testing.T, clock *fakeClock, mutate func(*Config)) *harness {
	t.Helper()

	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := db.OpenWithOptions(filepath.Join(t.TempDir(), "queue.db"), db.Options{MaxRetries: 100, Now: now})
	require.NoError(t, err)
	require.NoError(t, store.InitSchema())

	h := &harness{
		store:   store,
		backend: &scriptedBackend{},
		session: &session{token: "tok", tenant: "org-1"},
		clock:   clock,
	}
	disp := dispatch.New(store, h.backend, h.session, h.session, dispatch.Config{Logger: logger, Now: now})

	cfg := &Config{
		DebounceInterval:  10 * time.Millisecond,
		BackoffBase:       time.Hour,
		BackoffCap:        2 * time.Hour,
		EscalationCeiling: 5,
		Tenants:           h.session,
		Credentials:       h.session,
		Logger:            logger,
		Now:               now,
	}
	if mutate != nil {
		mutate(cfg)
	}
	h.orch, err = NewWithConfig(store, disp, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		h.orch.Stop()
		_ = store.Close()
	})
	return h
}

func (h *harness) enqueue(t *testing.T, stream, target, body string) string {
	t.Helper()
	id, err := h.orch.Enqueue(context.Background(), schema.PendingWriteInput{
		Kind:      "save_attendance",
		StreamKey: stream,
		Payload:   schema.Payload{Method: "POST", Target: target, Body: json.RawMessage(body)},
	})
	require.NoError(t, err)
	return id
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 6, 18, 30, 0, 0, time.UTC)}
}

func TestSessionBackoffDelays(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		cap     time.Duration
		ceiling int
		want    []time.Duration
	}{
		{
			name:    "cap bounds growth",
			base:    2 * time.Second,
			cap:     60 * time.Second,
			ceiling: 5,
			want:    []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second},
		},
		{
			name:    "ceiling pins the delay at cap",
			base:    time.Second,
			cap:     time.Hour,
			ceiling: 3,
			want:    []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, time.Hour, time.Hour},
		},
		{
			name:    "cap reached after the ceiling",
			base:    time.Second,
			cap:     60 * time.Second,
			ceiling: 5,
			want: []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
				32 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newSessionBackoff(&Config{BackoffBase: tt.base, BackoffCap: tt.cap, EscalationCeiling: tt.ceiling})
			for n, want := range tt.want {
				got := b.NextBackOff()
				assertJittered(t, want, got, "attempt %d", n+1)
			}
			assert.Equal(t, tt.ceiling, b.escalations)

			b.Reset()
			assert.Zero(t, b.escalations)
			assertJittered(t, tt.want[0], b.NextBackOff(), "after reset")
		})
	}
}

// assertJittered checks got is within [0.85, 1.15] of want.
func assertJittered(t *testing.T, want, got time.Duration, msgAndArgs ...any) {
	t.Helper()
	assert.GreaterOrEqual(t, got, want*85/100-time.Nanosecond, msgAndArgs...)
	assert.LessOrEqual(t, got, want*115/100+time.Nanosecond, msgAndArgs...)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := NewWithConfig(nil, nil, nil)
	assert.Error(t, err)

	h := newHarness(t, newClock(), nil)
	disp := dispatch.New(h.store, h.backend, h.session, nil, dispatch.Config{})
	_, err = NewWithConfig(h.store, disp, &Config{BackoffBase: time.Minute, BackoffCap: time.Second})
	assert.Error(t, err)
}

func TestFailingStreamDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	h := newHarness(t, clock, nil)

	h.backend.setFailure("/a", &backend.ClassifiedError{Class: schema.ClassServer, StatusCode: 500, Message: "internal error"})
	a := h.enqueue(t, "stream:a", "/a", `{"n":1}`)
	h.enqueue(t, "stream:b", "/b", `{"n":2}`)

	res := h.orch.Drain(ctx)
	assert.Equal(t, 2, res.Dispatched)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Retryable)
	assert.Equal(t, 1, res.Remaining)

	st := h.orch.Status()
	assert.Equal(t, StateBackoffScheduled, st.State)
	assert.Equal(t, 1, st.Escalations)
	assert.Equal(t, 1, st.PendingCount)
	assert.False(t, st.Syncing)
	require.NotNil(t, st.NextRetryAt)
	assert.True(t, st.NextRetryAt.After(clock.Now()))
	assert.Contains(t, st.LastError, "internal error")

	w, err := h.store.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, schema.StateFailedRetryable, w.State)
	assert.Equal(t, 1, w.RetryCount)

	h.backend.setFailure("/a", nil)
	clock.Advance(time.Minute)

	res = h.orch.Drain(ctx)
	assert.Equal(t, 1, res.Succeeded)
	assert.Zero(t, res.Remaining)

	st = h.orch.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Zero(t, st.Escalations)
	assert.Zero(t, st.PendingCount)
	assert.Empty(t, st.LastError)
	assert.Nil(t, st.NextRetryAt)
	require.NotNil(t, st.LastSyncAt)
	assert.True(t, st.LastSyncAt.Equal(clock.Now()))
}

func TestRecordIsAttemptedOncePerPass(t *testing.T) {
	clock := newClock()
	h := newHarness(t, clock, nil)

	h.backend.setFailure("/a", &backend.ClassifiedError{Class: schema.ClassUnavailable, StatusCode: 503})
	h.enqueue(t, "stream:a", "/a", `{}`)

	res := h.orch.Drain(context.Background())
	assert.Equal(t, 1, res.Dispatched)
	assert.Len(t, h.backend.requests(), 1)
}

func TestEscalationsStopAtCeiling(t *testing.T) {
	clock := newClock()
	h := newHarness(t, clock, nil)

	h.backend.setFailure("/a", &backend.ClassifiedError{Class: schema.ClassNetwork, Message: "offline"})
	h.enqueue(t, "stream:a", "/a", `{}`)

	for i := 0; i < 8; i++ {
		res := h.orch.Drain(context.Background())
		require.Equal(t, 1, res.Retryable, "pass %d", i+1)

		st := h.orch.Status()
		require.NotNil(t, st.NextRetryAt)
		assertJittered(t, 2*time.Hour, st.NextRetryAt.Sub(clock.Now()), "pass %d", i+1)
		clock.Advance(time.Minute)
	}

	st := h.orch.Status()
	assert.Equal(t, 5, st.Escalations)
	assert.Equal(t, StateBackoffScheduled, st.State)

	w, err := h.store.List(context.Background(), db.Filter{})
	require.NoError(t, err)
	require.Len(t, w, 1)
	assert.Equal(t, 8, w[0].RetryCount)
}

func TestMissingCredentialPausesWithoutCountingAttempts(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	h := newHarness(t, clock, nil)

	h.session.set("", "org-1")
	id := h.enqueue(t, "stream:a", "/a", `{}`)

	res := h.orch.Drain(ctx)
	assert.Equal(t, schema.PauseAuth, res.Paused)
	assert.Empty(t, h.backend.requests())

	st := h.orch.Status()
	assert.Equal(t, StatePaused, st.State)
	assert.Equal(t, schema.PauseAuth, st.PausedReason)
	assert.NotEmpty(t, st.Action)
	assert.Equal(t, 1, st.PendingCount)

	res = h.orch.Drain(ctx)
	assert.True(t, res.Skipped)

	// Still no credential: the pause stays.
	h.orch.CredentialsChanged(ctx)
	assert.Equal(t, schema.PauseAuth, h.orch.Status().PausedReason)

	h.session.set("tok", "org-1")
	h.orch.CredentialsChanged(ctx)
	assert.Equal(t, schema.PauseNone, h.orch.Status().PausedReason)

	res = h.orch.Drain(ctx)
	assert.Equal(t, 1, res.Succeeded)

	_, err := h.store.Get(ctx, id)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Len(t, h.backend.requests(), 1)
}

func TestUnauthorizedResponsePausesUntilResume(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	h := newHarness(t, clock, nil)

	h.backend.setFailure("/a", &backend.ClassifiedError{Class: schema.ClassAuth, StatusCode: 401})
	id := h.enqueue(t, "stream:a", "/a", `{}`)
	h.enqueue(t, "stream:b", "/b", `{}`)

	res := h.orch.Drain(ctx)
	assert.Equal(t, schema.PauseAuth, res.Paused)
	assert.Equal(t, 1, res.Dispatched, "the pass stops at the pause")

	w, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatePending, w.State)
	assert.Zero(t, w.RetryCount)

	h.orch.SyncNow()
	assert.Equal(t, StatePaused, h.orch.Status().State)

	h.backend.setFailure("/a", nil)
	h.orch.ResumeSync()
	res = h.orch.Drain(ctx)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, StateIdle, h.orch.Status().State)
}

func TestDedupKeyMergesBeforeDispatch(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	h := newHarness(t, clock, nil)

	for _, present := range []string{"true", "false", "true"} {
		_, err := h.orch.Enqueue(ctx, schema.PendingWriteInput{
			Kind:      "save_attendance",
			StreamKey: "class:7",
			DedupKey:  "attendance:7:2026-04-06:student:3",
			Payload: schema.Payload{
				Method: "POST",
				Target: "/rest/v1/attendance",
				Body:   json.RawMessage(fmt.Sprintf(`{"present":%s}`, present)),
			},
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.orch.Status().PendingCount)

	res := h.orch.Drain(ctx)
	assert.Equal(t, 1, res.Succeeded)

	reqs := h.backend.requests()
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{"present":true}`, string(reqs[0].Body))
}

func TestTenantChangePausesUntilTenantMatches(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	h := newHarness(t, clock, nil)

	h.enqueue(t, "stream:a", "/a", `{}`)

	h.session.set("tok", "org-2")
	h.orch.TenantChanged(ctx)

	st := h.orch.Status()
	assert.Equal(t, schema.PauseOrgSwitch, st.PausedReason)
	assert.Contains(t, st.LastError, "another organization")
	assert.True(t, h.orch.Drain(ctx).Skipped)
	assert.Empty(t, h.backend.requests())

	h.session.set("tok", "org-1")
	h.orch.TenantChanged(ctx)
	assert.Equal(t, schema.PauseNone, h.orch.Status().PausedReason)

	res := h.orch.Drain(ctx)
	assert.Equal(t, 1, res.Succeeded)
	require.Len(t, h.backend.requests(), 1)
	assert.Equal(t, "org-1", h.backend.requests()[0].Tenant)
}

func TestEnqueueRejectsInvalidWrite(t *testing.T) {
	h := newHarness(t, newClock(), nil)

	_, err := h.orch.Enqueue(context.Background(), schema.PendingWriteInput{Kind: "x"})
	assert.Error(t, err)
	assert.Zero(t, h.orch.Status().PendingCount)
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	h := newHarness(t, newClock(), nil)

	var mu sync.Mutex
	var states []State
	unsubscribe := h.orch.Subscribe(func(s SyncStatus) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	mu.Lock()
	require.Len(t, states, 1, "current status is delivered on subscribe")
	mu.Unlock()

	h.enqueue(t, "stream:a", "/a", `{}`)
	h.orch.Drain(context.Background())
	unsubscribe()
	h.orch.Drain(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateDraining)
	assert.Equal(t, StateIdle, states[len(states)-1])
	n := len(states)
	h.orch.RefreshPendingCount(context.Background())
	assert.Len(t, states, n)
}

func TestStartedOrchestratorDrainsAfterEnqueue(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.orch.Start(context.Background()))
	assert.Error(t, h.orch.Start(context.Background()))

	h.enqueue(t, "stream:a", "/a", `{}`)
	h.enqueue(t, "stream:a", "/a", `{}`)

	require.Eventually(t, func() bool {
		st := h.orch.Status()
		return len(h.backend.requests()) == 2 && st.PendingCount == 0 && st.State == StateIdle
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBackoffTimerRetriesFailedWrite(t *testing.T) {
	ctx := context.Background()
	const base = 25 * time.Millisecond
	h := newHarness(t, nil, func(c *Config) {
		c.DebounceInterval = time.Millisecond
		c.BackoffBase = base
		c.BackoffCap = time.Second
	})

	var (
		mu       sync.Mutex
		attempts = make(map[string][]time.Time)
	)
	h.backend.hook = func(_ context.Context, req backend.Request) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[req.Target] = append(attempts[req.Target], time.Now())
		if req.Target == "/b" && len(attempts["/b"]) <= 2 {
			return &backend.ClassifiedError{Class: schema.ClassServer, StatusCode: 503}
		}
		return nil
	}

	for _, target := range []string{"/a", "/b"} {
		_, _, err := h.store.Enqueue(ctx, schema.PendingWriteInput{
			Kind: "save_attendance", StreamKey: "stream:ab", TenantID: "org-1",
			Payload: schema.Payload{Method: "POST", Target: target, Body: json.RawMessage(`{}`)},
		})
		require.NoError(t, err)
	}

	require.NoError(t, h.orch.Start(ctx))
	require.Eventually(t, func() bool {
		st := h.orch.Status()
		return st.PendingCount == 0 && st.State == StateIdle
	}, 10*time.Second, 5*time.Millisecond)

	left, err := h.store.List(ctx, db.Filter{})
	require.NoError(t, err)
	assert.Empty(t, left)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attempts["/a"], 1)
	b := attempts["/b"]
	require.Len(t, b, 3)
	assert.True(t, attempts["/a"][0].Before(b[0]))
	assert.GreaterOrEqual(t, b[1].Sub(b[0]), 2*base*85/100)
	assert.GreaterOrEqual(t, b[2].Sub(b[1]), 4*base*85/100)
	assert.Zero(t, h.orch.Status().Escalations)
}

func TestStartRecoversInFlightRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	_, _, err := h.store.Enqueue(ctx, schema.PendingWriteInput{
		Kind: "save_attendance", StreamKey: "s", TenantID: "org-1",
		Payload: schema.Payload{Method: "POST", Target: "/a", Body: json.RawMessage(`{}`)},
	})
	require.NoError(t, err)
	w, err := h.store.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, w)

	require.NoError(t, h.orch.Start(ctx))
	require.Eventually(t, func() bool {
		_, err := h.store.Get(ctx, w.ID)
		return errors.Is(err, db.ErrNotFound)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopReleasesInFlightRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	called := make(chan struct{})
	var once sync.Once
	h.backend.hook = func(ctx context.Context, _ backend.Request) error {
		once.Do(func() { close(called) })
		<-ctx.Done()
		return ctx.Err()
	}

	require.NoError(t, h.orch.Start(ctx))
	id := h.enqueue(t, "stream:a", "/a", `{}`)

	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("backend was never called")
	}
	h.orch.Stop()

	w, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatePending, w.State)
	assert.Zero(t, w.RetryCount)
	assert.Equal(t, StateStopped, h.orch.Status().State)
}

func TestConcurrentTriggersKeepStreamOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, func(c *Config) { c.DebounceInterval = time.Millisecond })

	h.backend.hook = func(context.Context, backend.Request) error {
		time.Sleep(time.Millisecond)
		return nil
	}
	require.NoError(t, h.orch.Start(ctx))

	const streams, perStream = 4, 8
	want := make(map[string][]string)
	for i := 0; i < perStream; i++ {
		for s := 0; s < streams; s++ {
			target := fmt.Sprintf("/s%d", s)
			id := h.enqueue(t, fmt.Sprintf("stream:%d", s), target, fmt.Sprintf(`{"i":%d}`, i))
			want[target] = append(want[target], id)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.orch.SyncNow()
		}()
		go func() {
			defer wg.Done()
			h.orch.HandleLifecycle(Foreground)
			h.orch.Drain(ctx)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(h.backend.requests()) >= streams*perStream && h.orch.Status().PendingCount == 0
	}, 10*time.Second, 10*time.Millisecond)

	got := make(map[string][]string)
	seen := make(map[string]int)
	for _, req := range h.backend.requests() {
		got[req.Target] = append(got[req.Target], req.IdempotencyKey)
		seen[req.IdempotencyKey]++
	}
	assert.Equal(t, want, got)
	for id, n := range seen {
		assert.Equal(t, 1, n, "write %s dispatched more than once", id)
	}
}
