package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/ticket"
)

// EventType names a scheduler event.
type EventType string

const (
	EventEnqueued          EventType = "ticket.enqueued"
	EventDispatched        EventType = "ticket.dispatched"
	EventResolved          EventType = "ticket.resolved"
	EventRetry             EventType = "ticket.retry"
	EventEscalated         EventType = "ticket.escalated"
	EventGhostCreated      EventType = "ticket.ghost_created"
	EventHeldForReview     EventType = "ticket.held_for_review"
	EventBlocked           EventType = "ticket.blocked"
	EventUnblocked         EventType = "ticket.unblocked"
	EventRejected          EventType = "ticket.rejected"
	EventCancelled         EventType = "ticket.cancelled"
	EventHeld              EventType = "hold.held"
	EventReleased          EventType = "hold.released"
	EventApprovalRequested EventType = "approval.requested"
	EventBreakerTripped    EventType = "breaker.tripped"
	EventBreakerReset      EventType = "breaker.reset"
	EventBossCycle         EventType = "boss.cycle"
	EventDirective         EventType = "boss.directive"
)

// Event is one scheduler state change.
type Event struct {
	Type     EventType   `json:"type"`
	TicketID uuid.UUID   `json:"ticket_id,omitzero"`
	Team     ticket.Team `json:"team,omitempty"`
	Detail   string      `json:"detail,omitempty"`
	Time     time.Time   `json:"time"`
}

// Bus fans events out to subscribers. Slow subscribers lose events rather
// than stall the scheduler.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a function that unsubscribes
// and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber with room for it.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
