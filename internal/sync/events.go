package sync

import "time"

// EventKind tags an event on the queue.
type EventKind string

// Event kinds emitted by the engine.
const (
	EventSyncStarted  EventKind = "sync-started"
	EventSyncProgress EventKind = "sync-progress"
	EventSyncComplete EventKind = "sync-complete"
	EventSyncError    EventKind = "sync-error"
	EventTableUpdated EventKind = "table-updated"
	EventWriteSynced  EventKind = "write-synced"
	EventOnlineStatus EventKind = "online-status"
	EventNewRecords   EventKind = "new-records"
)

// Event is one tagged entry on the engine's event queue. Only the fields
// relevant to the kind are populated.
type Event struct {
	Kind    EventKind
	Table   string
	Count   int
	Message string
	Action  string
	Online  bool
	// Items carries the natural keys of newly appeared records for
	// EventNewRecords.
	Items []string
	At    time.Time
}

// EventQueue is a bounded, best-effort event channel. Publishing never
// blocks: when the queue is full the oldest event is dropped. There is no
// delivery guarantee beyond "still buffered when the consumer next polls".
type EventQueue struct {
	ch chan Event
}

// NewEventQueue creates an event queue with the given capacity.
func NewEventQueue(capacity int) *EventQueue {
	return &EventQueue{ch: make(chan Event, capacity)}
}

// Publish enqueues an event, dropping the oldest buffered event if the
// queue is full.
func (q *EventQueue) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	for {
		select {
		case q.ch <- e:
			return
		default:
			// Full: drop the oldest and try again.
			select {
			case <-q.ch:
			default:
			}
		}
	}
}

// Poll returns the next buffered event, or false if none is buffered.
func (q *EventQueue) Poll() (Event, bool) {
	select {
	case e := <-q.ch:
		return e, true
	default:
		return Event{}, false
	}
}

// Drain returns all currently buffered events.
func (q *EventQueue) Drain() []Event {
	var events []Event
	for {
		e, ok := q.Poll()
		if !ok {
			return events
		}
		events = append(events, e)
	}
}

// C exposes the underlying channel for consumers that want to select on it.
func (q *EventQueue) C() <-chan Event {
	return q.ch
}
