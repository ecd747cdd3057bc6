// Package bus fans board events out to in-process listeners: the WebSocket
// and SSE streams, and tests.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 100

type Event struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Filter selects the events a subscription receives.
type Filter func(Event) bool

// Prefix matches topics starting with p. The empty prefix matches everything.
func Prefix(p string) Filter {
	return func(e Event) bool { return strings.HasPrefix(e.Topic, p) }
}

// ForTask matches events whose payload belongs to taskID.
func ForTask(taskID string) Filter {
	return func(e Event) bool { return TaskIDOf(e.Payload) == taskID }
}

type Subscription struct {
	id      int
	filters []Filter
	ch      chan Event
	dropped atomic.Int64
}

func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped counts events this subscriber missed because its buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(e Event) bool {
	for _, f := range s.filters {
		if f != nil && !f(e) {
			return false
		}
	}
	return true
}

type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	buffer  int
	now     func() time.Time
	dropped atomic.Int64
}

type Option func(*Bus)

// WithBuffer sets the per-subscription channel size.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithClock stamps events with now instead of the wall clock.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[int]*Subscription),
		buffer: defaultBufferSize,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe is SubscribeFilter(Prefix(topicPrefix)).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeFilter(Prefix(topicPrefix))
}

// SubscribeFilter delivers events matching every filter. A slow consumer
// misses events rather than blocking publishers.
func (b *Bus) SubscribeFilter(filters ...Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		filters: filters,
		ch:      make(chan Event, b.buffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish never blocks. Publishing on a nil bus is a no-op.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, Payload: payload, At: b.now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped is the total of events discarded across all subscribers.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
