// Package events provides the in-memory pub/sub bus used for
// TokenShield observability. Each shield instance owns a bus; a
// process-wide bus is available for cross-instance aggregation and is
// opted into per instance.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Handler receives an event payload. Delivery is synchronous on the
// emitter's goroutine, in subscription order.
type Handler func(payload any)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a typed in-memory publish/subscribe bus. The zero value is
// not usable; construct with NewBus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
	logger *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// On registers a handler for an event name and returns an unsubscribe
// function. Unsubscribing twice is a no-op.
func (b *Bus) On(event string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[event] = append(b.subs[event], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[event]
			for i, s := range list {
				if s.id == id {
					b.subs[event] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers payload to every subscriber of event, in subscription
// order. A panicking handler is isolated: it neither stops delivery to
// later subscribers nor propagates to the emitter.
func (b *Bus) Emit(event string, payload any) {
	b.mu.RLock()
	list := make([]subscription, len(b.subs[event]))
	copy(list, b.subs[event])
	b.mu.RUnlock()

	for _, s := range list {
		b.deliver(event, s, payload)
	}
}

func (b *Bus) deliver(event string, s subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", event),
				zap.Any("panic", r))
		}
	}()
	s.handler(payload)
}

// SubscriberCount reports how many handlers are registered for event.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}

// Close drops all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]subscription)
}

var (
	globalOnce sync.Once
	globalBus  *Bus
)

// Global returns the process-wide bus. Instances forward to it only
// when explicitly configured to.
func Global() *Bus {
	globalOnce.Do(func() {
		globalBus = NewBus(nil)
	})
	return globalBus
}
