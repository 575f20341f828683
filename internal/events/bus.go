// Package events broadcasts rule execution events in process and over NATS JetStream.
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/rulewatch/internal/model"
)

// Listener handles an execution completed event. Listeners run on the
// publishing goroutine and must not block.
type Listener func(event model.ExecutionCompletedEvent)

// Bus fans execution events out to every subscribed listener. A listener
// that panics is logged and does not affect the others or the publisher.
type Bus struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	seq       int
	listeners map[int]Listener
}

// NewBus creates an empty bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:    logger.Named("events"),
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers a listener and returns a function removing it
func (b *Bus) Subscribe(listener Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	id := b.seq
	b.listeners[id] = listener

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

// Publish delivers the event to all listeners
func (b *Bus) Publish(event model.ExecutionCompletedEvent) {
	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.listeners))
	for _, listener := range b.listeners {
		listeners = append(listeners, listener)
	}
	b.mu.RUnlock()

	for _, listener := range listeners {
		b.deliver(listener, event)
	}
}

func (b *Bus) deliver(listener Listener, event model.ExecutionCompletedEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event listener panicked",
				zap.String("rule_id", event.RuleID),
				zap.String("execution_id", event.ExecutionID),
				zap.Any("panic", r))
		}
	}()
	listener(event)
}
