package dashboard

import (
	"log/slog"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/daemon"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/db"
	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/dispatch"
)

// StatusSource publishes SyncStatus updates.
type StatusSource interface {
	Subscribe(fn func(daemon.SyncStatus)) func()
}

// EventSource publishes queue store events.
type EventSource interface {
	Subscribe(fn db.Observer) func()
}

// WriteEventData is the wire form of a store event. It never carries the
// payload.
type WriteEventData struct {
	Event      db.EventType `json:"event"`
	ID         string       `json:"id,omitempty"`
	Kind       string       `json:"kind,omitempty"`
	StreamKey  string       `json:"stream_key,omitempty"`
	State      string       `json:"state,omitempty"`
	RetryCount int          `json:"retry_count,omitempty"`
	Error      string       `json:"error,omitempty"`
	Count      int          `json:"count,omitempty"`
}

// Handler bridges orchestrator and store notifications to the server.
type Handler struct {
	server *Server
	logger *slog.Logger
}

// NewHandler creates a handler connected to a dashboard server.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{server: server, logger: logger.With("component", "dashboard-handler")}
}

// Attach subscribes to status and event sources. Either may be nil. The
// returned function detaches.
func (h *Handler) Attach(status StatusSource, events EventSource) func() {
	var detach []func()
	if status != nil {
		detach = append(detach, status.Subscribe(h.OnStatus))
	}
	if events != nil {
		detach = append(detach, events.Subscribe(h.OnEvent))
	}
	return func() {
		for _, fn := range detach {
			fn()
		}
	}
}

// OnStatus broadcasts a status update.
func (h *Handler) OnStatus(st daemon.SyncStatus) {
	h.server.BroadcastJSON(MessageTypeStatus, st)
}

// OnEvent broadcasts a store transition.
func (h *Handler) OnEvent(e db.Event) {
	h.server.BroadcastJSON(MessageTypeWriteEvent, WriteEventData{
		Event:      e.Type,
		ID:         e.ID,
		Kind:       e.Kind,
		StreamKey:  e.StreamKey,
		State:      string(e.State),
		RetryCount: e.RetryCount,
		Error:      e.Error,
		Count:      e.Count,
	})
}

// ObservePass broadcasts the result of a drain pass. Together with the no-op
// methods below it makes Handler a daemon.Recorder.
func (h *Handler) ObservePass(res daemon.DrainResult) {
	h.logger.Debug("drain result", "dispatched", res.Dispatched, "remaining", res.Remaining)
	h.server.BroadcastJSON(MessageTypeDrain, res)
}

// ObserveDispatch implements daemon.Recorder. Store events already cover it.
func (h *Handler) ObserveDispatch(dispatch.Outcome) {}

// ObserveStatus implements daemon.Recorder. Attach delivers status updates.
func (h *Handler) ObserveStatus(daemon.SyncStatus) {}
