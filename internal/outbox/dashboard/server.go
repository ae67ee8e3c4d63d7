// Package dashboard provides the HTTP and WebSocket observer surface of the
// write queue.
//
// The dashboard broadcasts SyncStatus changes, queue store events and drain
// results to connected WebSocket clients, serves the status and diagnostics
// as JSON, accepts sync and resume requests, and exposes Prometheus metrics.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/daemon"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/diag"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeStatus carries a SyncStatus.
	MessageTypeStatus MessageType = "status"

	// MessageTypeWriteEvent carries a queue store transition.
	MessageTypeWriteEvent MessageType = "write_event"

	// MessageTypeDrain carries the result of a drain pass.
	MessageTypeDrain MessageType = "drain"
)

// Message represents a dashboard broadcast message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Controller is the orchestrator as driven by the dashboard.
type Controller interface {
	Status() daemon.SyncStatus
	SyncNow()
	ResumeSync()
}

// Diagnoser produces diagnostics reports.
type Diagnoser interface {
	Diagnostics(ctx context.Context) (diag.Report, error)
}

// Server manages WebSocket connections and the HTTP endpoints.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	controller Controller
	diagnoser  Diagnoser
	gatherer   prometheus.Gatherer

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8787). Zero picks a free port.
	Port int

	// Host to bind (default: 127.0.0.1).
	Host string

	// Controller and Diagnoser back the JSON endpoints. Either may be nil.
	Controller Controller
	Diagnoser  Diagnoser

	// Gatherer serves /metrics (default: no metrics endpoint).
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8787,
		Host:   "127.0.0.1",
		Logger: slog.Default(),
	}
}

// NewServer creates a new dashboard server.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:       net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		controller: config.Controller,
		diagnoser:  config.Diagnoser,
		gatherer:   config.Gatherer,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Message, 100),
		ctx:        ctx,
		cancel:     cancel,
		logger:     config.Logger.With("component", "dashboard"),
	}
}

// Bind sets the controller and diagnoser after construction, for callers
// whose controller needs the server first. Call it before Start.
func (s *Server) Bind(ctrl Controller, diagnoser Diagnoser) {
	s.controller = ctrl
	s.diagnoser = diagnoser
}

// Routes returns the HTTP handler of the dashboard.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/resume", s.handleResume)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Start begins the HTTP server and the broadcast loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("dashboard server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Info("dashboard stopped")
	return nil
}

// Broadcast sends a message to all connected clients. Messages are dropped
// when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast channel full, dropping message", "type", msg.Type)
	}
}

// BroadcastJSON marshals data into a message of type typ and broadcasts it.
func (s *Server) BroadcastJSON(typ MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal dashboard message", "type", typ, "error", err)
		return
	}
	s.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: raw})
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal message", "error", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Debug("failed to send to client", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("client connected", "clients", clientCount)

	// The first message is the current status.
	if s.controller != nil {
		if raw, err := json.Marshal(s.controller.Status()); err == nil {
			welcome, _ := json.Marshal(Message{Type: MessageTypeStatus, Timestamp: time.Now(), Data: raw})
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, welcome)
			cancel()
		}
	}

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and notices disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Debug("client disconnected", "clients", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	}
	if s.controller != nil {
		st := s.controller.Status()
		body["state"] = st.State
		body["pending"] = st.PendingCount
		if st.PausedReason != "" {
			body["paused_reason"] = st.PausedReason
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		http.Error(w, "no orchestrator attached", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if s.diagnoser == nil {
		http.Error(w, "diagnostics unavailable", http.StatusNotFound)
		return
	}
	report, err := s.diagnoser.Diagnostics(r.Context())
	if err != nil {
		s.logger.Error("diagnostics failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "sync", func(c Controller) { c.SyncNow() })
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "resume", func(c Controller) { c.ResumeSync() })
}

func (s *Server) command(w http.ResponseWriter, r *http.Request, name string, fn func(Controller)) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.controller == nil {
		http.Error(w, "no orchestrator attached", http.StatusNotFound)
		return
	}
	s.logger.Info("dashboard command", "command", name, "remote", r.RemoteAddr)
	fn(s.controller)
	writeJSON(w, http.StatusAccepted, s.controller.Status())
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>GoAtleta Sync</title>
</head>
<body>
    <h1>GoAtleta sync queue</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p><a href="/status">/status</a> · <a href="/diagnostics">/diagnostics</a> · <a href="/health">/health</a> · <a href="/metrics">/metrics</a></p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
