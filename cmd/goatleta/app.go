package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/otaldogusta/GoAtleta-sub001/internal/backend"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/daemon"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/db"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/diag"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/dispatch"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/session"
)

func storeOptions() db.Options {
	return db.Options{MaxRetries: cfg.Queue.MaxRetries}
}

// openStore opens the queue for a one-shot command. Unlike the daemon it
// fails instead of recovering, so an operator sees the real problem.
func openStore(ctx context.Context) (*db.DB, error) {
	store, err := db.OpenWithOptions(cfg.DB.Path, storeOptions())
	if err != nil {
		return nil, err
	}
	if err := store.InitSchemaContext(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize queue database: %w", err)
	}
	return store, nil
}

// sessionSources returns the credential and tenant sources. Configured
// values win over the session files.
func sessionSources() (dispatch.Credentials, dispatch.TenantSource) {
	s := cfg.Session
	var creds dispatch.Credentials = session.NewFileCredentials(s.TokenFile)
	if s.Token != "" {
		creds = session.NewStatic(s.Token, "")
	}
	var tenants dispatch.TenantSource = session.NewFileTenant(s.TenantFile)
	if s.Tenant != "" {
		tenants = session.NewStatic("", s.Tenant)
	}
	return creds, tenants
}

// sessionWatcher watches the session files that are in use, or returns nil
// when both values are configured statically.
func sessionWatcher() (*session.Watcher, error) {
	s := cfg.Session
	var tokenPath, tenantPath string
	if s.Token == "" {
		tokenPath = s.TokenFile
	}
	if s.Tenant == "" {
		tenantPath = s.TenantFile
	}
	if tokenPath == "" && tenantPath == "" {
		return nil, nil
	}
	return session.NewWatcher(tokenPath, tenantPath)
}

func newBackend() (*backend.Client, error) {
	if cfg.Backend.URL == "" {
		return nil, fmt.Errorf("backend URL is not configured (set backend.url or GOATLETA_BACKEND_URL)")
	}
	return backend.New(backend.Config{
		BaseURL: cfg.Backend.URL,
		APIKey:  cfg.Backend.APIKey,
		Timeout: cfg.Backend.Timeout,
	})
}

func orchestratorConfig(creds dispatch.Credentials, tenants dispatch.TenantSource, rec daemon.Recorder) *daemon.Config {
	return &daemon.Config{
		DebounceInterval:  cfg.Sync.Debounce,
		BackoffBase:       cfg.Sync.BackoffBase,
		BackoffCap:        cfg.Sync.BackoffCap,
		EscalationCeiling: cfg.Sync.EscalationCeiling,
		RateLimit:         cfg.Sync.RateLimit,
		Tenants:           tenants,
		Credentials:       creds,
		Recorder:          rec,
		Logger:            logger,
	}
}

// newOrchestrator wires a dispatcher and orchestrator to store.
func newOrchestrator(store *db.DB, rec daemon.Recorder) (*daemon.Orchestrator, error) {
	be, err := newBackend()
	if err != nil {
		return nil, err
	}
	creds, tenants := sessionSources()
	disp := dispatch.New(store, be, creds, tenants, dispatch.Config{
		Timeout: cfg.Backend.Timeout,
		Logger:  logger,
	})
	return daemon.NewWithConfig(store, disp, orchestratorConfig(creds, tenants, rec))
}

func newDiagService(store *db.DB, syncer diag.Syncer) (*diag.Service, error) {
	classifier := diag.NewClassifier(nil, logger)
	if cfg.Classifier.Enabled {
		enricher, err := diag.NewAnthropicEnricher(diag.AnthropicConfig{
			APIKey: cfg.Classifier.APIKey,
			Model:  cfg.Classifier.Model,
		})
		if err != nil {
			return nil, err
		}
		classifier = diag.NewClassifier(enricher, logger)
	}
	return diag.New(store, syncer, diag.Config{
		DeadLetterThreshold: cfg.Queue.DeadLetterThreshold,
		Classifier:          classifier,
		Logger:              logger,
	}), nil
}

// daemonClient talks to a running daemon through its dashboard endpoints.
type daemonClient struct {
	base string
	http *http.Client
}

func newDaemonClient() *daemonClient {
	host := cfg.Dashboard.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return &daemonClient{
		base: "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Dashboard.Port)),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *daemonClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("daemon returned %s: %s", resp.Status, body)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *daemonClient) Status(ctx context.Context) (daemon.SyncStatus, error) {
	var st daemon.SyncStatus
	err := c.do(ctx, http.MethodGet, "/status", &st)
	return st, err
}

func (c *daemonClient) SyncNow(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/sync", nil)
}

func (c *daemonClient) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/resume", nil)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
