// Package events implements the harness's pub/sub event bus (spec
// §4.13). Delivery is best-effort, fan-out to all subscribers, each with
// a bounded buffer that drops the oldest event on overflow; dropped
// counts are surfaced back onto the bus as a ConsumerLag event so a
// slow UI consumer is visible rather than silently behind.
//
// Grounded on the teacher's internal/transparency/event_bus.go
// (GlassBoxEventBus): sequence numbers for ordering, RWMutex-guarded
// subscriber list, channel-based fan-out. Unlike the teacher, which
// drops the newest event when a subscriber's channel is full, this bus
// evicts the oldest — spec §4.13 requires "drop oldest on overflow".
package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hama-jp/open-harness/internal/logging"
)

const defaultBufferSize = 256

// Bus is a typed, bounded, fan-out publisher. The zero value is not
// usable; construct with NewBus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextSubID   uint64
	seq         atomic.Uint64
	log         *zap.Logger
}

type subscriber struct {
	id      uint64
	ch      chan Event
	dropped atomic.Uint64
}

// NewBus constructs an empty event bus.
func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		subscribers: make(map[uint64]*subscriber),
		log:         logging.OrNop(log),
	}
}

// Subscribe registers a new consumer and returns a receive-only channel
// of bounded capacity bufSize (defaultBufferSize if <= 0), plus an
// unsubscribe function.
func (b *Bus) Subscribe(bufSize int) (<-chan Event, func()) {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	sub := &subscriber{id: id, ch: make(chan Event, bufSize)}
	b.subscribers[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if s, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, unsubscribe
}

// Publish assigns a sequence number and timestamp if unset, then
// fans the event out to every subscriber in emission order. If the
// event itself is a ConsumerLag report, it is delivered without
// recursing back through lag accounting.
func (b *Bus) Publish(e Event) {
	e.Seq = b.seq.Add(1)
	if e.Timestamp.IsZero() {
		e.Timestamp = nowFunc()
	}

	var lagged []uint64
	b.mu.RLock()
	for id, sub := range b.subscribers {
		before := sub.dropped.Load()
		b.deliver(sub, e)
		if e.Type != TypeConsumerLag && sub.dropped.Load() != before {
			lagged = append(lagged, id)
		}
	}
	b.mu.RUnlock()

	// Report lag out-of-band (new goroutine avoids recursing into
	// Publish while holding the read lock above).
	for _, id := range lagged {
		go b.reportLag(id)
	}
}

func (b *Bus) reportLag(id uint64) {
	b.Publish(Event{
		Type: TypeConsumerLag,
		Data: map[string]any{
			"subscriber_id": id,
			"dropped":       b.dropped(id),
		},
	})
}

// deliver sends e to sub, evicting the oldest buffered event if full.
func (b *Bus) deliver(sub *subscriber, e Event) {
	for {
		select {
		case sub.ch <- e:
			return
		default:
		}
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
			// Raced with a concurrent reader that drained it; retry send.
		}
	}
}

// dropped reports how many events a given subscriber has lost to
// overflow since Subscribe. reportLag uses it to publish a ConsumerLag
// event back onto the bus.
func (b *Bus) dropped(id uint64) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.subscribers[id]; ok {
		return s.dropped.Load()
	}
	return 0
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

var nowFunc = stdNow
