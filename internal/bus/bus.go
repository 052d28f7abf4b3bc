// Package bus provides in-process publish/subscribe fan-out for the agent's
// event stream. Publishing never blocks: a subscriber whose buffer is full
// loses the event and has its drop counter incremented.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType enumerates the fixed set of events carried on the bus.
type EventType string

const (
	EventBootstrap       EventType = "bootstrap"
	EventLedgerEntry     EventType = "ledger-entry"
	EventBalanceSnapshot EventType = "balance-snapshot"
	EventQueueUpdate     EventType = "queue-update"
	EventPaymentStatus   EventType = "payment-status"
)

// Event is one bus message. Payload is a JSON-encodable value owned by the
// publisher; subscribers must not mutate it.
type Event struct {
	Type      EventType `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

type subscriber struct {
	ch      chan Event
	dropped uint64
}

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	bufSize int
	nowFunc func() time.Time
}

// New creates a Bus. bufSize <= 0 uses DefaultBufferSize.
func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Bus{
		subs:    make(map[int]*subscriber),
		bufSize: bufSize,
		nowFunc: time.Now,
	}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. Cancelling twice is harmless; the channel is closed on
// cancel so range loops terminate.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.bufSize)}
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every subscriber without blocking. Events
// dropped on full buffers are counted and logged at debug level.
func (b *Bus) Publish(typ EventType, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev := Event{Type: typ, Payload: payload, EmittedAt: b.nowFunc().UTC()}
	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
			zap.L().Debug("bus: dropped event for slow subscriber",
				zap.String("event", string(typ)),
				zap.Int("subscriber", id),
				zap.Uint64("dropped_total", sub.dropped),
			)
		}
	}
}

// Stats reports the subscriber count and total dropped events.
func (b *Bus) Stats() (subscribers int, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		dropped += sub.dropped
	}
	return len(b.subs), dropped
}
