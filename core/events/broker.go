package events

import (
	"sync"
	"sync/atomic"

	"blockbatch/core/types"
)

const defaultSubscriberBuffer = 64

// Broker fans emitted events out to live subscribers. Slow subscribers drop
// events rather than stall the emitting operation.
type Broker struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]chan *types.Event
	dropped atomic.Uint64
}

// NewBroker constructs an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[uint64]chan *types.Event),
	}
}

// Subscribe registers a subscriber. The returned cancel function closes the
// channel and must be called exactly once.
func (b *Broker) Subscribe(buffer int) (<-chan *types.Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan *types.Event, buffer)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Emit implements the Emitter interface.
func (b *Broker) Emit(evt Event) {
	payload, ok := evt.(Payload)
	if !ok || payload.Event() == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- payload.Event().Clone():
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many deliveries were skipped because a subscriber's
// buffer was full, across every subscriber since the broker was created.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}
