package db

import (
	"time"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
)

// EventType names a queue transition.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventMerged    EventType = "merged"
	EventClaimed   EventType = "claimed"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
	EventReleased  EventType = "released"
	EventRequeued  EventType = "requeued"
	EventArchived  EventType = "archived"
	EventCleared   EventType = "cleared"
	EventRecovered EventType = "recovered"
)

// Event describes one committed transition.
type Event struct {
	Type       EventType    `json:"type"`
	ID         string       `json:"id,omitempty"`
	Kind       string       `json:"kind,omitempty"`
	StreamKey  string       `json:"stream_key,omitempty"`
	State      schema.State `json:"state,omitempty"`
	RetryCount int          `json:"retry_count,omitempty"`
	Error      string       `json:"error,omitempty"`
	Count      int          `json:"count,omitempty"`
	At         time.Time    `json:"at"`
}

// Observer receives events after the transition is committed. Observers run
// synchronously on the writer's goroutine and must not call back into the
// store.
type Observer func(Event)

// Subscribe registers fn and returns a function that removes it.
func (db *DB) Subscribe(fn Observer) func() {
	db.observersMu.Lock()
	id := db.nextObs
	db.nextObs++
	db.observers[id] = fn
	db.observersMu.Unlock()

	return func() {
		db.observersMu.Lock()
		delete(db.observers, id)
		db.observersMu.Unlock()
	}
}

func (db *DB) emit(e Event) {
	db.observersMu.RLock()
	fns := make([]Observer, 0, len(db.observers))
	for _, fn := range db.observers {
		fns = append(fns, fn)
	}
	db.observersMu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}
