package events

import (
	"context"
	"sync"
)

// Topic names a domain event.
type Topic string

const (
	RequestCompleted     Topic = "request.completed"
	RequestCancelled     Topic = "request.cancelled"
	ConfirmationResolved Topic = "confirmation.resolved"
	ReviewMutated        Topic = "review.mutated"
)

// Event is a dispatched domain event. Payload fields are set per topic.
type Event struct {
	Topic      Topic
	RequestID  string
	ActorID    string
	ProviderID string
	// AutoReleased distinguishes sweep-driven resolution from client confirm
	// on ConfirmationResolved events.
	AutoReleased bool
}

// Handler reacts to a dispatched event. Errors propagate to the emitter.
type Handler func(ctx context.Context, ev Event) error

// Dispatcher is a synchronous in-process event bus. Subscriptions are
// registered at wiring time, before any dispatch.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Topic][]Handler)}
}

// Subscribe registers h for a topic.
func (d *Dispatcher) Subscribe(topic Topic, h Handler) {
	d.mu.Lock()
	d.handlers[topic] = append(d.handlers[topic], h)
	d.mu.Unlock()
}

// Dispatch runs all handlers for the event in registration order and
// returns the first handler error, stopping the chain.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	d.mu.RLock()
	hs := d.handlers[ev.Topic]
	d.mu.RUnlock()

	for _, h := range hs {
		if err := h(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
