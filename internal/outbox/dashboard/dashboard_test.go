package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/daemon"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/db"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/diag"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/dispatch"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeController struct {
	mu      sync.Mutex
	status  daemon.SyncStatus
	syncs   int
	resumes int
}

func (c *fakeController) Status() daemon.SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeController) SyncNow() {
	c.mu.Lock()
	c.syncs++
	c.mu.Unlock()
}

func (c *fakeController) ResumeSync() {
	c.mu.Lock()
	c.resumes++
	c.status.PausedReason = schema.PauseNone
	c.mu.Unlock()
}

type fakeDiagnoser struct{}

func (fakeDiagnoser) Diagnostics(context.Context) (diag.Report, error) {
	return diag.Report{Pending: 3, DeadLetterCandidates: 1}, nil
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: testLogger})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.GetAddr(); addr == "" || strings.HasSuffix(addr, ":0") {
		t.Fatalf("unexpected listen address %q", addr)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestWebSocketBroadcast(t *testing.T) {
	ctrl := &fakeController{status: daemon.SyncStatus{State: daemon.StateIdle, PendingCount: 2}}
	server := NewServer(&Config{Port: 0, Controller: ctrl, Logger: testLogger})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer server.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	welcome := readMessage(t, ctx, conn)
	if welcome.Type != MessageTypeStatus {
		t.Fatalf("first message type = %s, want %s", welcome.Type, MessageTypeStatus)
	}
	var st daemon.SyncStatus
	if err := json.Unmarshal(welcome.Data, &st); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if st.PendingCount != 2 {
		t.Errorf("pending = %d, want 2", st.PendingCount)
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := server.ClientCount(); n != 1 {
		t.Fatalf("Expected 1 client, got %d", n)
	}

	h := NewHandler(server, testLogger)
	h.OnEvent(db.Event{Type: db.EventFailed, ID: "w1", Kind: "save_attendance", StreamKey: "class:1",
		State: schema.StateFailedRetryable, RetryCount: 2, Error: "503"})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeWriteEvent {
		t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeWriteEvent)
	}
	var ev WriteEventData
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if ev.ID != "w1" || ev.Event != db.EventFailed || ev.RetryCount != 2 {
		t.Errorf("unexpected event %+v", ev)
	}

	h.ObservePass(daemon.DrainResult{Dispatched: 4, Succeeded: 4})
	if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeDrain {
		t.Errorf("message type = %s, want %s", msg.Type, MessageTypeDrain)
	}
}

func TestHandlerAttach(t *testing.T) {
	server := NewServer(&Config{Logger: testLogger})
	h := NewHandler(server, testLogger)

	src := &statusSource{}
	detach := h.Attach(src, nil)
	if src.subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", src.subscribers())
	}
	src.publish(daemon.SyncStatus{State: daemon.StateDraining})

	select {
	case msg := <-server.broadcast:
		if msg.Type != MessageTypeStatus {
			t.Errorf("message type = %s, want %s", msg.Type, MessageTypeStatus)
		}
	case <-time.After(time.Second):
		t.Fatal("status was not broadcast")
	}

	detach()
	if src.subscribers() != 0 {
		t.Errorf("expected 0 subscribers after detach, got %d", src.subscribers())
	}
}

type statusSource struct {
	mu  sync.Mutex
	fns map[int]func(daemon.SyncStatus)
	n   int
}

func (s *statusSource) Subscribe(fn func(daemon.SyncStatus)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(daemon.SyncStatus))
	}
	id := s.n
	s.n++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *statusSource) publish(st daemon.SyncStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fn := range s.fns {
		fn(st)
	}
}

func (s *statusSource) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}

func TestHTTPEndpoints(t *testing.T) {
	ctrl := &fakeController{status: daemon.SyncStatus{State: daemon.StatePaused, PausedReason: schema.PauseAuth, PendingCount: 5}}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	metrics.ObserveStatus(ctrl.Status())

	server := NewServer(&Config{Controller: ctrl, Diagnoser: fakeDiagnoser{}, Gatherer: reg, Logger: testLogger})
	ts := httptest.NewServer(server.Routes())
	defer ts.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}
	post := func(path string) int {
		resp, err := http.Post(ts.URL+path, "application/json", nil)
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	tests := []struct {
		path     string
		wantCode int
		contains string
	}{
		{path: "/health", wantCode: http.StatusOK, contains: `"paused_reason":"auth"`},
		{path: "/status", wantCode: http.StatusOK, contains: `"pending_count":5`},
		{path: "/diagnostics", wantCode: http.StatusOK, contains: `"dead_letter_candidates":1`},
		{path: "/metrics", wantCode: http.StatusOK, contains: "goatleta_outbox_pending_writes 5"},
		{path: "/sync", wantCode: http.StatusMethodNotAllowed},
		{path: "/missing", wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		code, body := get(tt.path)
		if code != tt.wantCode {
			t.Errorf("GET %s: status %d, want %d", tt.path, code, tt.wantCode)
		}
		if tt.contains != "" && !strings.Contains(body, tt.contains) {
			t.Errorf("GET %s: body %q does not contain %q", tt.path, body, tt.contains)
		}
	}

	if code := post("/sync"); code != http.StatusAccepted {
		t.Errorf("POST /sync: status %d, want 202", code)
	}
	if code := post("/resume"); code != http.StatusAccepted {
		t.Errorf("POST /resume: status %d, want 202", code)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if ctrl.syncs != 1 || ctrl.resumes != 1 {
		t.Errorf("syncs=%d resumes=%d, want 1 and 1", ctrl.syncs, ctrl.resumes)
	}
}

func TestEndpointsWithoutController(t *testing.T) {
	server := NewServer(&Config{Logger: testLogger})
	ts := httptest.NewServer(server.Routes())
	defer ts.Close()

	for _, path := range []string{"/status", "/diagnostics", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s: status %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveDispatch(dispatch.Outcome{Kind: dispatch.Succeeded, Duration: 20 * time.Millisecond})
	m.ObserveDispatch(dispatch.Outcome{Kind: dispatch.Retryable, Class: schema.ClassNetwork})
	m.ObserveDispatch(dispatch.Outcome{Kind: dispatch.Retryable, Class: schema.ClassNetwork})
	m.ObservePass(daemon.DrainResult{Remaining: 1})
	m.ObservePass(daemon.DrainResult{Skipped: true, Paused: schema.PauseAuth})
	m.ObserveStatus(daemon.SyncStatus{PendingCount: 7, Escalations: 2, PausedReason: schema.PauseOrgSwitch})

	if got := testutil.ToFloat64(m.dispatches.WithLabelValues("retryable", "network")); got != 2 {
		t.Errorf("retryable network dispatches = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.dispatches.WithLabelValues("succeeded", "none")); got != 1 {
		t.Errorf("succeeded dispatches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.passes.WithLabelValues("partial")); got != 1 {
		t.Errorf("partial passes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.passes.WithLabelValues("skipped")); got != 1 {
		t.Errorf("skipped passes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.pending); got != 7 {
		t.Errorf("pending = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.paused.WithLabelValues("org_switch")); got != 1 {
		t.Errorf("paused{org_switch} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.paused.WithLabelValues("auth")); got != 0 {
		t.Errorf("paused{auth} = %v, want 0", got)
	}

	var _ daemon.Recorder = m
	var _ daemon.Recorder = NewHandler(NewServer(nil), nil)
}
