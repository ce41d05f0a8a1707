package runtime

import "sync"

// EventKind identifies what happened in the loop.
type EventKind string

const (
	EventTurnStarted  EventKind = "turn_started"
	EventRoundStarted EventKind = "round_started"
	EventToolStarted  EventKind = "tool_started"
	EventToolFinished EventKind = "tool_finished"
	EventRetryWait    EventKind = "retry_wait"
	EventTurnFinished EventKind = "turn_finished"
	EventError        EventKind = "error"
)

// Event is one loop notification, published for UIs and logs.
type Event struct {
	Kind  EventKind
	Round int
	Tool  string
	Info  string
}

// Bus fans loop events out to subscribers. Publishing never blocks: a slow
// subscriber loses events rather than stalling the turn.
type Bus struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel of future events. The channel is closed when
// the bus closes.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 64)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers an event to every subscriber that has buffer room.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
