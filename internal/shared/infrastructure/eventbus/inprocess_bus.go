package eventbus

import (
	"context"
	"log/slog"
	"sync"
)

// Handler receives events dispatched by the in-process bus.
type Handler func(ctx context.Context, routingKey string, payload []byte) error

// InProcessBus is an in-memory event bus for local mode and tests:
// events are delivered synchronously to subscribed handlers.
type InProcessBus struct {
	logger   *slog.Logger
	mu       sync.Mutex
	handlers map[string][]Handler
}

// NewInProcessBus creates a new in-process event bus.
func NewInProcessBus(logger *slog.Logger) *InProcessBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessBus{
		logger:   logger,
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for a routing key. The key "#" receives
// every event.
func (b *InProcessBus) Subscribe(routingKey string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[routingKey] = append(b.handlers[routingKey], handler)
}

// Publish dispatches the event synchronously to all matching handlers.
// Handler errors are logged but never fail the publish; local mode has
// no redelivery to fall back on.
func (b *InProcessBus) Publish(ctx context.Context, routingKey string, payload []byte) error {
	b.mu.Lock()
	matched := make([]Handler, 0, len(b.handlers[routingKey])+len(b.handlers["#"]))
	matched = append(matched, b.handlers[routingKey]...)
	matched = append(matched, b.handlers["#"]...)
	b.mu.Unlock()

	for _, handler := range matched {
		if err := handler(ctx, routingKey, payload); err != nil {
			b.logger.Error("event dispatch failed",
				"routing_key", routingKey,
				"error", err,
			)
		}
	}

	return nil
}

// Close is a no-op for the in-process bus.
func (b *InProcessBus) Close() error {
	return nil
}
