// Package events provides the pub/sub event bus for investigation, build,
// lock, and rollback lifecycle events. Consumers (metrics, MCP clients,
// timeline mirrors) subscribe with buffered channels; publishing never
// blocks — the timeline store is the durable record, the bus is best-effort.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType classifies coordination events.
type EventType string

const (
	// State machine lifecycle.
	StateExited  EventType = "state:exited"
	StateChanged EventType = "state:changed"
	StateEntered EventType = "state:entered"
	PhaseTimeout EventType = "phase:timeout"

	// Incident terminal outcomes.
	IncidentResolved EventType = "incident:resolved"
	IncidentFailed   EventType = "incident:failed"

	// Investigation lifecycle.
	InvestigationStarted   EventType = "investigation:started"
	PhaseChanged           EventType = "phase:changed"
	ObservationCollected   EventType = "observation:collected"
	HypothesisGenerated    EventType = "hypothesis:generated"
	ActionExecuted         EventType = "action:executed"
	VerificationCompleted  EventType = "verification:completed"
	InvestigationCompleted EventType = "investigation:completed"
	InvestigationFailed    EventType = "investigation:failed"

	// Rollback decisions and request lifecycle.
	RollbackDecision  EventType = "rollback:decision"
	RollbackRequested EventType = "rollback:requested"
	RollbackDecided   EventType = "rollback:decided"

	// Build pipeline.
	BuildStageChange EventType = "build:stageChange"
	BuildLog         EventType = "build:log"
	BuildComplete    EventType = "build:complete"
	BuildError       EventType = "build:error"

	// Edit locks.
	LockAcquired EventType = "lock:acquired"
	LockDenied   EventType = "lock:denied"
	LockExtended EventType = "lock:extended"
	LockReleased EventType = "lock:released"
	LockExpired  EventType = "lock:expired"

	// Development cycles.
	CycleEnqueued  EventType = "cycle:enqueued"
	CycleResumed   EventType = "cycle:resumed"
	CycleCompleted EventType = "cycle:completed"
	CycleFailed    EventType = "cycle:failed"
)

// Event represents one coordination event.
type Event struct {
	Type       EventType   `json:"type"`
	IncidentID string      `json:"incident_id,omitempty"`
	Summary    string      `json:"summary"`
	Detail     interface{} `json:"detail,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Bus is a simple pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	bufferSize  int
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to all subscribers.
// Non-blocking: drops events for slow subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// Drop for slow subscriber — better than blocking
		}
	}
}

// Subscribe returns a channel of events. Call Unsubscribe with the returned id when done.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
