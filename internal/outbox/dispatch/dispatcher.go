package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/otaldogusta/GoAtleta-sub001/internal/backend"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/db"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
)

const tracerName = "github.com/otaldogusta/GoAtleta-sub001/internal/outbox/dispatch"

// DefaultTimeout bounds one backend call.
const DefaultTimeout = 20 * time.Second

// Config configures a dispatcher.
type Config struct {
	Timeout time.Duration
	Logger  *slog.Logger
	Tracer  trace.Tracer
	// Now overrides the clock (tests).
	Now func() time.Time
}

// dispatcher implements the Dispatcher interface.
type dispatcher struct {
	store   Store
	backend Backend
	creds   Credentials
	tenants TenantSource
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// New creates a Dispatcher.
//
// tenants may be nil, in which case tenant checks are skipped.
func New(store Store, be Backend, creds Credentials, tenants TenantSource, cfg Config) Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &dispatcher{
		store:   store,
		backend: be,
		creds:   creds,
		tenants: tenants,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With("component", "dispatch"),
		tracer:  cfg.Tracer,
		now:     cfg.Now,
	}
}

// Dispatch implements Dispatcher.Dispatch.
func (d *dispatcher) Dispatch(ctx context.Context, w *schema.PendingWrite) (out Outcome) {
	start := d.now()
	ctx, span := d.tracer.Start(ctx, "outbox.dispatch", trace.WithAttributes(
		attribute.String("write.id", w.ID),
		attribute.String("write.kind", w.Kind),
		attribute.String("write.stream", w.StreamKey),
		attribute.Int("write.retry_count", w.RetryCount),
	))
	defer func() {
		out.Duration = d.now().Sub(start)
		span.SetAttributes(attribute.String("outcome", string(out.Kind)))
		if out.Class != schema.ClassNone {
			span.SetAttributes(attribute.String("failure.class", string(out.Class)))
		}
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, string(out.Kind))
		}
		span.End()
	}()

	active := d.activeTenant()
	if mismatch(w.TenantID, active) {
		d.logger.Warn("write belongs to another organization, pausing",
			"id", w.ID, "write_tenant", w.TenantID, "active_tenant", active)
		return d.pause(ctx, w, schema.PauseOrgSwitch, schema.ClassTenant,
			fmt.Errorf("write issued under organization %s, active organization is %s", w.TenantID, active))
	}

	token, err := d.creds.ValidCredential(ctx)
	if err != nil || token == "" {
		if err == nil {
			err = errors.New("no valid session")
		}
		d.logger.Info("no credential available, pausing", "id", w.ID, "error", err)
		return d.pause(ctx, w, schema.PauseAuth, schema.ClassAuth, err)
	}

	resp, callErr := d.call(ctx, w, token, active)
	// The outcome is recorded even if the caller stops waiting.
	storeCtx := context.WithoutCancel(ctx)

	if callErr == nil {
		// A write that already landed is confirmed even if the tenant changed meanwhile.
		if err := d.store.MarkSucceeded(storeCtx, w.ID); err != nil {
			d.logger.Error("failed to mark write succeeded", "id", w.ID, "error", err)
			return Outcome{Kind: StoreError, Err: err}
		}
		d.logger.Debug("write dispatched", "id", w.ID, "kind", w.Kind, "status", resp.StatusCode)
		return Outcome{Kind: Succeeded}
	}

	if now := d.activeTenant(); mismatch(w.TenantID, now) {
		d.logger.Warn("organization changed during dispatch, pausing",
			"id", w.ID, "write_tenant", w.TenantID, "active_tenant", now)
		return d.pause(ctx, w, schema.PauseOrgSwitch, schema.ClassTenant,
			fmt.Errorf("active organization changed during dispatch: %w", callErr))
	}

	if ctx.Err() != nil {
		// The caller gave up (shutdown), not the backend.
		if err := d.store.Release(storeCtx, w.ID); err != nil {
			return Outcome{Kind: StoreError, Err: err}
		}
		return Outcome{Kind: Cancelled, Err: ctx.Err()}
	}

	ce := backend.AsClassified(callErr)
	switch ce.Class {
	case schema.ClassAuth:
		return d.pause(ctx, w, schema.PauseAuth, ce.Class, ce)
	case schema.ClassPermission:
		return d.pause(ctx, w, schema.PausePermission, ce.Class, ce)
	}

	// A retryable record is due again no earlier than now, so a drain pass
	// that started before this failure does not pick it up a second time.
	f := db.Failure{Message: ce.Error(), Class: ce.Class, Retryable: ce.Retryable()}
	if f.Retryable {
		f.RetryAt = d.now().Add(ce.RetryAfter)
	}
	updated, err := d.store.MarkFailed(storeCtx, w.ID, f)
	if err != nil {
		d.logger.Error("failed to record dispatch failure", "id", w.ID, "error", err)
		return Outcome{Kind: StoreError, Class: ce.Class, Err: err}
	}

	kind := Terminal
	if updated.State == schema.StateFailedRetryable {
		kind = Retryable
	}
	d.logger.Warn("write dispatch failed",
		"id", w.ID, "kind", w.Kind, "class", ce.Class, "outcome", kind,
		"retry_count", updated.RetryCount, "error", ce.Error())
	return Outcome{Kind: kind, Class: ce.Class, Err: ce, RetryAfter: ce.RetryAfter}
}

// call performs the backend request under the dispatch timeout. A panicking
// backend is reported as a server failure.
func (d *dispatcher) call(ctx context.Context, w *schema.PendingWrite, token, tenant string) (resp *backend.Response, err error) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("backend panicked", "id", w.ID, "panic", r)
			resp, err = nil, &backend.ClassifiedError{Class: schema.ClassServer, Message: fmt.Sprintf("backend panic: %v", r)}
		}
	}()

	if tenant == "" {
		tenant = w.TenantID
	}
	resp, err = d.backend.Execute(callCtx, backend.Request{
		Method:         w.Payload.Method,
		Target:         w.Payload.Target,
		Body:           w.Payload.Body,
		Headers:        w.Payload.Headers,
		Token:          token,
		Tenant:         tenant,
		IdempotencyKey: w.ID,
	})
	if err == nil && resp == nil {
		resp = &backend.Response{}
	}
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = &backend.ClassifiedError{Class: schema.ClassTimeout,
			Message: fmt.Sprintf("no response within %s", d.timeout), Err: err}
	}
	return resp, err
}

// pause releases w without counting an attempt.
func (d *dispatcher) pause(ctx context.Context, w *schema.PendingWrite, reason schema.PauseReason, class schema.FailureClass, cause error) Outcome {
	if err := d.store.Release(context.WithoutCancel(ctx), w.ID); err != nil {
		d.logger.Error("failed to release write", "id", w.ID, "error", err)
		return Outcome{Kind: StoreError, Class: class, Err: err}
	}
	return Outcome{Kind: Paused, Pause: reason, Class: class, Err: cause}
}

func (d *dispatcher) activeTenant() string {
	if d.tenants == nil {
		return ""
	}
	return d.tenants.ActiveTenant()
}

// mismatch reports whether a write issued under writeTenant must not be sent
// while active is the current tenant. Unknown tenants never mismatch.
func mismatch(writeTenant, active string) bool {
	return writeTenant != "" && active != "" && writeTenant != active
}
