package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event describes one observable step of a provisioning run.
type Event struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Type      string        `json:"type"`
	Target    string        `json:"target,omitempty"`
	Role      string        `json:"role,omitempty"`
	ActionID  string        `json:"action_id,omitempty"`
	Summary   string        `json:"summary,omitempty"`
	Result    string        `json:"result,omitempty"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Event types.
const (
	EventActionCompleted = "action.completed"
	EventRoleStarted     = "role.started"
	EventRoleClosed      = "role.closed"
	EventBatchCompleted  = "batch.completed"
	EventBatchFailed     = "batch.failed"
)

// EventSubscriber handles one event.
type EventSubscriber func(event Event)

// EventFilter decides whether a subscriber sees an event.
type EventFilter func(event Event) bool

// EventPublisher delivers events to subscribers synchronously, in publish
// order. Publishing from several goroutines is safe; each subscriber is
// called under the publisher lock so it never runs concurrently with itself.
type EventPublisher struct {
	mu          sync.Mutex
	subscribers []subscriberEntry
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates an empty publisher.
func NewEventPublisher() *EventPublisher {
	return &EventPublisher{}
}

// Subscribe registers fn for every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber) {
	ep.SubscribeFiltered(fn, nil)
}

// SubscribeFiltered registers fn for events accepted by filter.
func (ep *EventPublisher) SubscribeFiltered(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: fn, filter: filter})
}

// Publish stamps and delivers the event. A nil publisher drops it.
func (ep *EventPublisher) Publish(event Event) {
	if ep == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	for _, s := range ep.subscribers {
		if s.filter != nil && !s.filter(event) {
			continue
		}
		s.subscriber(event)
	}
}

// FilterTypes accepts only the listed event types.
func FilterTypes(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}
