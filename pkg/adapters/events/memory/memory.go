package memory

import (
	"context"
	"sync"

	"github.com/aescanero/dago-collab/pkg/domain"
)

// Handler receives published events
type Handler func(ctx context.Context, event domain.Event)

// Publisher implements ports.EventPublisher by calling in-process handlers
// synchronously and keeping a copy of every event
type Publisher struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
	published   map[string][]domain.Event
	closed      bool
}

// NewPublisher creates a new in-memory publisher
func NewPublisher() *Publisher {
	return &Publisher{
		subscribers: make(map[string][]Handler),
		published:   make(map[string][]domain.Event),
	}
}

// Publish records the event and hands it to every subscriber of topic
func (p *Publisher) Publish(ctx context.Context, topic string, event domain.Event) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.published[topic] = append(p.published[topic], event)
	handlers := make([]Handler, len(p.subscribers[topic]))
	copy(handlers, p.subscribers[topic])
	p.mu.Unlock()

	for _, h := range handlers {
		h(ctx, event)
	}
	return nil
}

// Subscribe registers handler for topic
func (p *Publisher) Subscribe(topic string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.subscribers[topic] = append(p.subscribers[topic], handler)
}

// Events returns a copy of the events published on topic
func (p *Publisher) Events(topic string) []domain.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]domain.Event, len(p.published[topic]))
	copy(out, p.published[topic])
	return out
}

// Close drops subscribers; later publishes are ignored
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.subscribers = make(map[string][]Handler)
	return nil
}
