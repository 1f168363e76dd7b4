package events

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventHostAttached   EventType = "host.attached"
	EventHostDetached   EventType = "host.detached"
	EventHostDown       EventType = "host.down"
	EventHostOnline     EventType = "host.online"
	EventDeviceCreated  EventType = "device.created"
	EventDeviceRemoved  EventType = "device.removed"
	EventPathSwitched   EventType = "path.switched"
	EventPathFailback   EventType = "path.failback"
	EventNotifyFailed   EventType = "notify.failed"
	EventCommandFailed  EventType = "command.failed"
	EventConfigConflict EventType = "config.conflict"
)

// Event represents a failover event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// NewEvent creates an event with a fresh id
func NewEvent(t EventType, message string) *Event {
	return &Event{
		ID:       uuid.New().String(),
		Type:     t,
		Message:  message,
		Metadata: make(map[string]string),
	}
}

// With adds an integer metadata field and returns the event
func (e *Event) With(key string, value int) *Event {
	e.Metadata[key] = strconv.Itoa(value)
	return e
}

// WithStr adds a string metadata field and returns the event
func (e *Event) WithStr(key, value string) *Event {
	e.Metadata[key] = value
	return e
}

const (
	queueSize      = 256
	subscriberSize = 64
)

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	dropped     atomic.Uint64
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, queueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberSize)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for all subscribers. It never blocks: publishers
// may hold the registry lock, so a full buffer drops the event.
func (b *Broker) Publish(event *Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		b.dropped.Add(1)
	}
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
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns the number of deliveries lost to a full queue or a slow
// subscriber
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}
