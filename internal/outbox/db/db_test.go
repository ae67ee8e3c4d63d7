package db

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func newTestDB(t *testing.T, maxRetries int) (*DB, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	db, err := OpenWithOptions(filepath.Join(t.TempDir(), "queue.db"), Options{MaxRetries: maxRetries, Now: clock.Now})
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { _ = db.Close() })
	return db, clock
}

func input(stream, dedup, body string) schema.PendingWriteInput {
	return schema.PendingWriteInput{
		Kind:      "update_student",
		StreamKey: stream,
		DedupKey:  dedup,
		Payload: schema.Payload{
			Method: "PATCH",
			Target: "/rest/v1/students",
			Body:   json.RawMessage(body),
		},
	}
}

func enqueue(t *testing.T, db *DB, in schema.PendingWriteInput) string {
	t.Helper()
	id, _, err := db.Enqueue(context.Background(), in)
	require.NoError(t, err)
	return id
}

func TestInitSchemaIdempotent(t *testing.T) {
	db, _ := newTestDB(t, 0)
	require.NoError(t, db.InitSchema())

	var version int
	require.NoError(t, db.RawDB().QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestEnqueueAndGet(t *testing.T) {
	ctx := context.Background()
	db, clock := newTestDB(t, 0)

	id, merged, err := db.Enqueue(ctx, input("student:1", "", `{"name":"Ana"}`))
	require.NoError(t, err)
	assert.False(t, merged)
	assert.NotEmpty(t, id)

	w, err := db.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatePending, w.State)
	assert.Equal(t, "student:1", w.StreamKey)
	assert.Equal(t, 0, w.RetryCount)
	assert.True(t, w.CreatedAt.Equal(clock.Now()))
	assert.JSONEq(t, `{"name":"Ana"}`, string(w.Payload.Body))

	n, err := db.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = db.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnqueueRejectsInvalidInput(t *testing.T) {
	db, _ := newTestDB(t, 0)
	_, _, err := db.Enqueue(context.Background(), schema.PendingWriteInput{Kind: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream key is required")
}

func TestClaimNextKeepsStreamFIFO(t *testing.T) {
	ctx := context.Background()
	db, clock := newTestDB(t, 0)

	a1 := enqueue(t, db, input("a", "", `{"n":1}`))
	a2 := enqueue(t, db, input("a", "", `{"n":2}`))
	b1 := enqueue(t, db, input("b", "", `{"n":1}`))

	w, err := db.ClaimNext(ctx, clock.Now())
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, a1, w.ID)
	assert.Equal(t, schema.StateInFlight, w.State)

	w, err = db.ClaimNext(ctx, clock.Now())
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, b1, w.ID, "stream a is busy so b is next")

	w, err = db.ClaimNext(ctx, clock.Now())
	require.NoError(t, err)
	assert.Nil(t, w)

	require.NoError(t, db.MarkSucceeded(ctx, a1))
	w, err = db.ClaimNext(ctx, clock.Now())
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, a2, w.ID)
}

func TestMarkInFlightRefusesBusyStreamAndDedupKey(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 0)

	a1 := enqueue(t, db, input("a", "k", `{}`))
	a2 := enqueue(t, db, input("a", "", `{}`))
	b1 := enqueue(t, db, input("b", "k", `{}`))

	require.NoError(t, db.MarkInFlight(ctx, a1))
	assert.ErrorIs(t, db.MarkInFlight(ctx, a2), ErrStreamBusy)
	assert.ErrorIs(t, db.MarkInFlight(ctx, b1), ErrDedupBusy)
	assert.ErrorIs(t, db.MarkInFlight(ctx, a1), ErrNotDispatchable)

	next, err := db.NextDispatchable(ctx, "", time.Now())
	require.NoError(t, err)
	assert.Nil(t, next, "b is blocked by the in-flight dedup key")
}

func TestEnqueueMergesDedupKey(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 0)

	first, merged, err := db.Enqueue(ctx, input("student:1", "student:1:name", `{"name":"A"}`))
	require.NoError(t, err)
	require.False(t, merged)

	second, merged, err := db.Enqueue(ctx, input("student:1", "student:1:name", `{"name":"B"}`))
	require.NoError(t, err)
	assert.True(t, merged)
	assert.Equal(t, first, second)

	w, err := db.Get(ctx, first)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"B"}`, string(w.Payload.Body))

	n, err := db.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueueDoesNotMergeIntoInFlightOrOlderRecord(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 0)

	first := enqueue(t, db, input("s", "k", `{"v":1}`))
	require.NoError(t, db.MarkInFlight(ctx, first))

	second, merged, err := db.Enqueue(ctx, input("s", "k", `{"v":2}`))
	require.NoError(t, err)
	assert.False(t, merged)
	assert.NotEqual(t, first, second)

	// A later record in the stream keeps the merge from reordering intent.
	enqueue(t, db, input("s", "", `{"other":true}`))
	third, merged, err := db.Enqueue(ctx, input("s", "k", `{"v":3}`))
	require.NoError(t, err)
	assert.False(t, merged)
	assert.NotEqual(t, second, third)
}

func TestMarkFailedRetryableHonoursBackoffDeadline(t *testing.T) {
	ctx := context.Background()
	db, clock := newTestDB(t, 0)

	id := enqueue(t, db, input("s", "", `{}`))
	require.NoError(t, db.MarkInFlight(ctx, id))

	retryAt := clock.Now().Add(30 * time.Second)
	w, err := db.MarkFailed(ctx, id, Failure{Message: "connection reset", Class: schema.ClassNetwork, Retryable: true, RetryAt: retryAt})
	require.NoError(t, err)
	assert.Equal(t, schema.StateFailedRetryable, w.State)
	assert.Equal(t, 1, w.RetryCount)
	require.NotNil(t, w.NextAttemptAt)

	next, err := db.NextDispatchable(ctx, "s", clock.Now())
	require.NoError(t, err)
	assert.Nil(t, next)

	next, err = db.NextDispatchable(ctx, "s", retryAt)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, id, next.ID)
	assert.Equal(t, schema.ClassNetwork, next.FailureClass)
	assert.Equal(t, "connection reset", next.LastError)
}

func TestMarkFailedRetryCeilingBecomesTerminal(t *testing.T) {
	ctx := context.Background()
	db, clock := newTestDB(t, 3)

	id := enqueue(t, db, input("s", "", `{}`))
	for i := 1; i <= 3; i++ {
		w, err := db.ClaimNext(ctx, clock.Now())
		require.NoError(t, err)
		require.NotNil(t, w, "attempt %d", i)

		w, err = db.MarkFailed(ctx, id, Failure{Message: "503", Class: schema.ClassUnavailable, Retryable: true})
		require.NoError(t, err)
		assert.Equal(t, i, w.RetryCount)
		if i < 3 {
			assert.Equal(t, schema.StateFailedRetryable, w.State)
		} else {
			assert.Equal(t, schema.StateFailedTerminal, w.State)
			assert.Contains(t, w.LastError, "gave up after 3 attempts")
		}
	}
}

func TestTerminalHeadBlocksStream(t *testing.T) {
	ctx := context.Background()
	db, clock := newTestDB(t, 0)

	a1 := enqueue(t, db, input("a", "", `{}`))
	enqueue(t, db, input("a", "", `{}`))
	b1 := enqueue(t, db, input("b", "", `{}`))

	require.NoError(t, db.MarkInFlight(ctx, a1))
	w, err := db.MarkFailed(ctx, a1, Failure{Message: "422 invalid", Class: schema.ClassValidation})
	require.NoError(t, err)
	assert.Equal(t, schema.StateFailedTerminal, w.State)

	next, err := db.ClaimNext(ctx, clock.Now())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, b1, next.ID)

	require.NoError(t, db.MarkSucceeded(ctx, b1))
	next, err = db.ClaimNext(ctx, clock.Now())
	require.NoError(t, err)
	assert.Nil(t, next, "a2 waits behind the terminal head")
}

func TestReleaseKeepsRetryCount(t *testing.T) {
	ctx := context.Background()
	db, clock := newTestDB(t, 0)

	id := enqueue(t, db, input("s", "", `{}`))
	require.NoError(t, db.MarkInFlight(ctx, id))
	_, err := db.MarkFailed(ctx, id, Failure{Message: "timeout", Class: schema.ClassTimeout, Retryable: true})
	require.NoError(t, err)

	w, err := db.ClaimNext(ctx, clock.Now())
	require.NoError(t, err)
	require.NotNil(t, w)
	require.NoError(t, db.Release(ctx, id))

	w, err = db.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatePending, w.State)
	assert.Equal(t, 1, w.RetryCount)

	// Releasing a record that is not in flight is a no-op.
	require.NoError(t, db.Release(ctx, id))
	assert.ErrorIs(t, db.Release(ctx, "missing"), ErrNotFound)
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 0)

	id := enqueue(t, db, input("s", "", `{}`))

	changed, err := db.Requeue(ctx, id)
	require.NoError(t, err)
	assert.False(t, changed, "pending records are left alone")

	require.NoError(t, db.MarkInFlight(ctx, id))
	_, err = db.MarkFailed(ctx, id, Failure{Message: "409", Class: schema.ClassConflict})
	require.NoError(t, err)

	changed, err = db.Requeue(ctx, id)
	require.NoError(t, err)
	assert.True(t, changed)

	w, err := db.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatePending, w.State)
	assert.Equal(t, 1, w.RetryCount)
	assert.Nil(t, w.NextAttemptAt)

	_, err = db.Requeue(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequeueRestoresArchivedRecord(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 0)

	id := enqueue(t, db, input("s", "", `{"keep":true}`))
	require.NoError(t, db.MarkInFlight(ctx, id))
	_, err := db.MarkFailed(ctx, id, Failure{Message: "bad", Class: schema.ClassValidation})
	require.NoError(t, err)
	require.NoError(t, db.Archive(ctx, id, "operator"))

	_, err = db.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)

	changed, err := db.Requeue(ctx, id)
	require.NoError(t, err)
	assert.True(t, changed)

	w, err := db.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatePending, w.State)
	assert.JSONEq(t, `{"keep":true}`, string(w.Payload.Body))

	_, err = db.GetArchived(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequeueWhereByClass(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 0)

	var network []string
	for i := 0; i < 3; i++ {
		id := enqueue(t, db, input(fmt.Sprintf("net-%d", i), "", `{}`))
		require.NoError(t, db.MarkInFlight(ctx, id))
		_, err := db.MarkFailed(ctx, id, Failure{Message: "offline", Class: schema.ClassNetwork, Retryable: true, RetryAt: time.Now().Add(time.Hour)})
		require.NoError(t, err)
		network = append(network, id)
	}
	other := enqueue(t, db, input("val", "", `{}`))
	require.NoError(t, db.MarkInFlight(ctx, other))
	_, err := db.MarkFailed(ctx, other, Failure{Message: "bad", Class: schema.ClassValidation})
	require.NoError(t, err)

	n, err := db.RequeueWhere(ctx, Filter{Classes: []schema.FailureClass{schema.ClassNetwork}})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range network {
		w, err := db.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schema.StatePending, w.State)
	}
	w, err := db.Get(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, schema.StateFailedTerminal, w.State)
}

func TestRecoverInFlight(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 0)

	a := enqueue(t, db, input("a", "", `{}`))
	b := enqueue(t, db, input("b", "", `{}`))
	require.NoError(t, db.MarkInFlight(ctx, a))
	require.NoError(t, db.MarkInFlight(ctx, b))

	n, err := db.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := db.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Pending)
	assert.Equal(t, 0, counts.InFlight)
}

func TestArchiveDeadLetterCandidates(t *testing.T) {
	ctx := context.Background()
	db, clock := newTestDB(t, 0)

	terminal := enqueue(t, db, input("t", "", `{}`))
	require.NoError(t, db.MarkInFlight(ctx, terminal))
	_, err := db.MarkFailed(ctx, terminal, Failure{Message: "bad", Class: schema.ClassValidation})
	require.NoError(t, err)

	stuck := enqueue(t, db, input("r", "", `{}`))
	for i := 0; i < 11; i++ {
		require.NoError(t, db.MarkInFlight(ctx, stuck))
		_, err := db.MarkFailed(ctx, stuck, Failure{Message: "offline", Class: schema.ClassNetwork, Retryable: true})
		require.NoError(t, err)
	}

	fresh := enqueue(t, db, input("f", "", `{}`))
	require.NoError(t, db.MarkInFlight(ctx, fresh))
	_, err = db.MarkFailed(ctx, fresh, Failure{Message: "offline", Class: schema.ClassNetwork, Retryable: true})
	require.NoError(t, err)

	candidates, err := db.ListFailures(ctx, Filter{DeadLetter: 10})
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	clock.Advance(time.Minute)
	n, err := db.ArchiveAll(ctx, Filter{DeadLetter: 10}, "dead letter")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	archived, err := db.ListArchived(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, archived, 2)
	for _, a := range archived {
		assert.Equal(t, "dead letter", a.ArchiveReason)
		assert.True(t, a.ArchivedAt.Equal(clock.Now()))
	}

	counts, err := db.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.FailedRetryable)
	assert.Equal(t, 2, counts.Archived)

	require.NoError(t, db.Clear(ctx, terminal))
	assert.ErrorIs(t, db.Clear(ctx, terminal), ErrNotFound)
}

func TestArchiveRefusesInFlight(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 0)

	id := enqueue(t, db, input("s", "", `{}`))
	require.NoError(t, db.MarkInFlight(ctx, id))
	assert.ErrorIs(t, db.Archive(ctx, id, "x"), ErrInFlight)

	n, err := db.ArchiveAll(ctx, Filter{States: []schema.State{schema.StateInFlight}}, "x")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCountOtherTenants(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 0)

	in := input("s1", "", `{}`)
	in.TenantID = "org-a"
	enqueue(t, db, in)
	in.StreamKey = "s2"
	in.TenantID = "org-b"
	enqueue(t, db, in)
	enqueue(t, db, input("s3", "", `{}`))

	n, err := db.CountOtherTenants(ctx, "org-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = db.CountOtherTenants(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListFailuresFilters(t *testing.T) {
	ctx := context.Background()
	db, clock := newTestDB(t, 0)

	old := enqueue(t, db, input("old", "", `{}`))
	clock.Advance(48 * time.Hour)
	recent := enqueue(t, db, input("recent", "", `{}`))

	for _, id := range []string{old, recent} {
		require.NoError(t, db.MarkInFlight(ctx, id))
		_, err := db.MarkFailed(ctx, id, Failure{Message: "500", Class: schema.ClassServer, Retryable: true})
		require.NoError(t, err)
	}

	got, err := db.ListFailures(ctx, Filter{OlderThan: clock.Now().Add(-24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, old, got[0].ID)

	got, err = db.ListFailures(ctx, Filter{StreamKey: "recent", Classes: []schema.FailureClass{schema.ClassServer}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, recent, got[0].ID)

	got, err = db.ListFailures(ctx, Filter{States: []schema.State{schema.StatePending}})
	require.NoError(t, err)
	assert.Empty(t, got)

	byClass, err := db.CountByClass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, byClass[schema.ClassServer])
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 0)

	created := time.Date(2025, 12, 1, 8, 0, 0, 0, time.UTC)
	w := schema.PendingWrite{
		ID:         "legacy-1",
		Kind:       "create_class",
		StreamKey:  "class:9",
		RetryCount: 4,
		LastError:  "Network request failed",
		State:      schema.StateInFlight,
		CreatedAt:  created,
		Payload:    schema.Payload{Method: "POST", Target: "/rest/v1/classes", Body: json.RawMessage(`{}`)},
	}
	require.NoError(t, db.Import(ctx, w))
	assert.ErrorIs(t, db.Import(ctx, w), ErrDuplicate)

	got, err := db.Get(ctx, "legacy-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatePending, got.State)
	assert.Equal(t, 4, got.RetryCount)
	assert.True(t, got.CreatedAt.Equal(created))
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 0)

	var (
		mu     sync.Mutex
		events []EventType
	)
	unsubscribe := db.Subscribe(func(e Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})

	id := enqueue(t, db, input("s", "k", `{}`))
	enqueue(t, db, input("s", "k", `{"v":2}`))
	require.NoError(t, db.MarkInFlight(ctx, id))
	require.NoError(t, db.MarkSucceeded(ctx, id))

	unsubscribe()
	enqueue(t, db, input("s", "", `{}`))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventEnqueued, EventMerged, EventClaimed, EventSucceeded}, events)
}

func TestOpenOrRecoverMovesCorruptFileAside(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("not a database ", 512)), 0644))

	db, rec := OpenOrRecover(context.Background(), path, Options{}, nil)
	require.NotNil(t, db)
	defer db.Close()

	assert.True(t, rec.Recovered())
	assert.False(t, rec.InMemory)
	require.NotEmpty(t, rec.MovedTo)
	_, err := os.Stat(rec.MovedTo)
	assert.NoError(t, err, "damaged file is preserved")

	n, err := db.CountPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	_, _, err = db.Enqueue(context.Background(), input("s", "", `{}`))
	assert.NoError(t, err)
}

func TestOpenOrRecoverCleanOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	db, rec := OpenOrRecover(context.Background(), path, DefaultOptions(), nil)
	require.NotNil(t, db)
	defer db.Close()
	assert.False(t, rec.Recovered())
}

func TestConcurrentClaimsNeverDoubleDispatchAStream(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t, 0)

	const streams, perStream = 5, 8
	for i := 0; i < perStream; i++ {
		for s := 0; s < streams; s++ {
			enqueue(t, db, input(fmt.Sprintf("s%d", s), fmt.Sprintf("k%d", s%2), fmt.Sprintf(`{"n":%d}`, i)))
		}
	}

	var (
		mu        sync.Mutex
		inFlight  = map[string]bool{}
		dedupBusy = map[string]bool{}
		lastSeq   = map[string]int64{}
		violation string
		wg        sync.WaitGroup
	)
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				w, err := db.ClaimNext(ctx, time.Now().Add(time.Hour))
				if err != nil {
					mu.Lock()
					violation = err.Error()
					mu.Unlock()
					return
				}
				if w == nil {
					n, _ := db.CountPending(ctx)
					if n == 0 {
						return
					}
					time.Sleep(time.Millisecond)
					continue
				}

				mu.Lock()
				if inFlight[w.StreamKey] || dedupBusy[w.DedupKey] {
					violation = "double dispatch of " + w.StreamKey
				}
				if w.Seq <= lastSeq[w.StreamKey] {
					violation = "out of order dispatch in " + w.StreamKey
				}
				inFlight[w.StreamKey] = true
				dedupBusy[w.DedupKey] = true
				lastSeq[w.StreamKey] = w.Seq
				mu.Unlock()

				time.Sleep(100 * time.Microsecond)

				mu.Lock()
				inFlight[w.StreamKey] = false
				dedupBusy[w.DedupKey] = false
				mu.Unlock()
				if err := db.MarkSucceeded(ctx, w.ID); err != nil {
					mu.Lock()
					violation = err.Error()
					mu.Unlock()
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, violation)
	n, err := db.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
