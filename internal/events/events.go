// Package events broadcasts command lifecycle events to in-process
// subscribers. The dispatcher publishes started, succeeded and failed
// events; EventStageTransition is defined but not published. Adapted from
// this lineage's cluster event broker: bounded per-subscriber channels,
// non-blocking publish.
package events

import (
	"sync"
	"time"
)

// EventType names a lifecycle occurrence.
type EventType string

const (
	EventCommandStarted    EventType = "command.started"
	EventStageTransition   EventType = "command.stage_transition"
	EventCommandSucceeded  EventType = "command.succeeded"
	EventCommandFailed     EventType = "command.failed"
)

// Event is one broadcast occurrence.
type Event struct {
	Type      EventType
	Timestamp time.Time
	AgentName string
	MessageID string
	Stage     string
	Message   string
}

// Subscriber is a channel a caller reads events from.
type Subscriber chan *Event

// Broker fans Publish calls out to all current Subscribers without
// blocking the publisher on a slow or stalled reader.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan *Event
	stopCh      chan struct{}
	started     bool
}

// NewBroker constructs an idle Broker; call Start to begin dispatching.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the dispatch loop. Calls after the first are no-ops.
func (b *Broker) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()
	go b.run()
}

// Stop halts the dispatch loop.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new listener with a buffered inbox.
func (b *Broker) Subscribe() Subscriber {
	sub := make(Subscriber, 50)
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a listener.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	b.mu.Unlock()
}

// Publish enqueues an event for dispatch. Never blocks the caller.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
	}
}

// SubscriberCount reports the current listener count.
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
			// subscriber inbox full; drop rather than stall the broker
		}
	}
}
