package events

import (
	"sync"
	"sync/atomic"
)

// Publisher is what producers need from a bus. A nil Publisher is never
// passed around; use Discard instead.
type Publisher interface {
	Publish(event Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// EventBus is a channel-based pub-sub event bus. Events are routed by their
// Topic; SubscribeAll receives everything and SubscribeJob receives only the
// events of one job.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	jobSubs map[string][]chan Event // job ID -> subscriber channels
	allSubs []chan Event            // channels subscribed to all topics
	closed  bool
	dropped atomic.Int64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:    make(map[string][]chan Event),
		jobSubs: make(map[string][]chan Event),
	}
}

// Subscribe returns a channel receiving events of one topic.
// bufSize defaults to 256 if <= 0.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.add(func(ch chan Event) { b.subs[topic] = append(b.subs[topic], ch) }, bufSize)
}

// SubscribeJob returns a channel receiving every event of one job.
func (b *EventBus) SubscribeJob(jobID string, bufSize int) <-chan Event {
	return b.add(func(ch chan Event) { b.jobSubs[jobID] = append(b.jobSubs[jobID], ch) }, bufSize)
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.add(func(ch chan Event) { b.allSubs = append(b.allSubs, ch) }, bufSize)
}

func (b *EventBus) add(register func(chan Event), bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	register(ch)
	return ch
}

// Publish delivers an event to its topic, job and catch-all subscribers.
// Non-blocking: a full subscriber misses the event and the drop is counted.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.deliver(b.subs[event.Topic()], event)
	b.deliver(b.jobSubs[event.JobID()], event)
	b.deliver(b.allSubs, event)
}

func (b *EventBus) deliver(channels []chan Event, event Event) {
	for _, ch := range channels {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, channels := range b.jobSubs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}
