package activity

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a connection lifecycle or delivery notification
type Kind string

const (
	KindConnectionOpened   Kind = "connection.opened"
	KindConnectionClosed   Kind = "connection.closed"
	KindConnectionRejected Kind = "connection.rejected"
	KindFilterChanged      Kind = "filter.changed"
	KindDeliveryFailed     Kind = "delivery.failed"
)

// Entry is one notification on the activity feed
type Entry struct {
	ID            string            `json:"id"`
	Kind          Kind              `json:"kind"`
	Timestamp     time.Time         `json:"timestamp"`
	ConnectionID  string            `json:"connectionId,omitempty"`
	ApplicationID int64             `json:"applicationId,omitempty"`
	Message       string            `json:"message,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Subscription receives entries from the Broker
type Subscription struct {
	C     <-chan *Entry
	ch    chan *Entry
	kinds map[Kind]struct{}
}

func (s *Subscription) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Broker fans activity entries out to operator-facing subscribers.
// Publishing never blocks the hub: entries are dropped when the broker
// queue or a subscriber buffer is full.
type Broker struct {
	subscribers map[*Subscription]struct{}
	mu          sync.RWMutex
	entryCh     chan *Entry
	stopCh      chan struct{}
	stopOnce    sync.Once
	bufferSize  int
}

// NewBroker creates a new activity broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[*Subscription]struct{}),
		entryCh:     make(chan *Entry, 256),
		stopCh:      make(chan struct{}),
		bufferSize:  64,
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a subscription limited to the given kinds (all when empty)
func (b *Broker) Subscribe(kinds ...Kind) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Entry, b.bufferSize)
	sub := &Subscription{C: ch, ch: ch, kinds: make(map[Kind]struct{}, len(kinds))}
	for _, k := range kinds {
		sub.kinds[k] = struct{}{}
	}
	b.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub.ch)
}

// Publish queues an entry for distribution without blocking
func (b *Broker) Publish(entry *Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	select {
	case b.entryCh <- entry:
	case <-b.stopCh:
	default:
		// Broker queue full, drop
	}
}

func (b *Broker) run() {
	for {
		select {
		case entry := <-b.entryCh:
			b.broadcast(entry)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(entry *Entry) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if !sub.wants(entry.Kind) {
			continue
		}
		select {
		case sub.ch <- entry:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
