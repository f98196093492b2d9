package bus

import (
	"errors"
	"sync"
)

var ErrBusClosed = errors.New("bus: closed")

// MemoryBus is an in-process pub/sub bus. Handlers run synchronously on the
// broadcasting goroutine, so payloads from a single publisher arrive at each
// subscriber in publish order.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]func(string)
	nextID uint64
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[uint64]func(string))}
}

func (b *MemoryBus) Broadcast(topic, payload string) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := make([]func(string), 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, handler func(payload string)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]func(string))
	}
	b.nextID++
	id := b.nextID
	b.subs[topic][id] = handler

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
	return unsubscribe, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[uint64]func(string))
	return nil
}
