// Package bus is the in-process event fan-out: run progress, schedule
// fires, and delivery outcomes all ride it.
package bus

import (
	"log/slog"
	"strings"
	"sync"
)

// subscriberBuffer is how many undelivered events a subscriber may lag
// behind before it starts losing them.
const subscriberBuffer = 128

// Event pairs a topic with its payload.
type Event struct {
	Topic   string
	Payload interface{}
}

// Subscription is one listener's view of the bus.
type Subscription struct {
	prefix string
	ch     chan Event
	closed bool
}

// Ch is the receive side of the subscription.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub hub with topic-prefix matching. Publishing
// never blocks: a subscriber that cannot keep up loses events instead of
// stalling the publisher.
type Bus struct {
	mu         sync.Mutex
	subs       []*Subscription
	logger     *slog.Logger
	dropped    int64
	nextWarnAt int64
}

// New creates a Bus that logs nowhere.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a new Bus that reports drop milestones to logger.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{logger: logger, nextWarnAt: 1}
}

// Subscribe registers for all events whose topic starts with topicPrefix;
// the empty prefix matches everything.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	sub := &Subscription{
		prefix: topicPrefix,
		ch:     make(chan Event, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches sub and closes its channel. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	for i, existing := range b.subs {
		if existing == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	sub.closed = true
	close(sub.ch)
}

// Publish fans the event out to every matching subscriber without
// blocking; full buffers count as drops.
func (b *Bus) Publish(topic string, payload interface{}) {
	ev := Event{Topic: topic, Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.recordDropLocked(topic)
		}
	}
}

// SubscriberCount reports how many subscriptions are live.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// DroppedEventCount returns how many events were lost to full buffers.
func (b *Bus) DroppedEventCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// recordDropLocked counts a lost event. Warnings fire at 1, 10, 100, ...
// drops rather than per event, so a wedged subscriber cannot flood the log.
func (b *Bus) recordDropLocked(topic string) {
	b.dropped++
	if b.dropped < b.nextWarnAt {
		return
	}
	b.nextWarnAt *= 10
	if b.logger != nil {
		b.logger.Warn("bus subscribers dropping events",
			slog.Int64("dropped_total", b.dropped),
			slog.String("topic", topic),
		)
	}
}
