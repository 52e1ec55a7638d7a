package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/steward/pkg/types"
)

// Event is one notification delivered to the agent
type Event struct {
	ID        string
	Kind      types.EventKind
	Timestamp time.Time
	Metadata  map[string]string

	// Attempts counts deliveries of this event, requeues included
	Attempts int
}

// New creates an event of the given kind
func New(kind types.EventKind) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now(),
		Metadata:  make(map[string]string),
	}
}

// With attaches one metadata field
func (e *Event) With(key, value string) *Event {
	e.Metadata[key] = value
	return e
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker distributes events to subscribers and re-delivers the ones a
// handler could not process yet
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}

	// RequeueDelay is how long a deferred event waits before re-delivery
	RequeueDelay time.Duration
}

// NewBroker creates an event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers:  make(map[Subscriber]bool),
		eventCh:      make(chan *Event, 100),
		stopCh:       make(chan struct{}),
		RequeueDelay: 5 * time.Second,
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish delivers an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Attempts++

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Requeue schedules an event for re-delivery after the requeue delay. Used
// when a handler reports the fleet is not ready for the event yet.
func (b *Broker) Requeue(event *Event) {
	go func() {
		select {
		case <-time.After(b.RequeueDelay):
			b.Publish(event)
		case <-b.stopCh:
		}
	}()
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}
