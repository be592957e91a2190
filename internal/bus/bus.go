package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Topics carried by the process-internal bus.
const (
	TopicMemoryStored     = "memory.stored"
	TopicLearningRecorded = "learning.recorded"
	TopicInsightCreated   = "insight.created"
	TopicSyncBroadcast    = "sync.broadcast"
	TopicInboundModel     = "sync.inbound.model"
	TopicInboundConfig    = "sync.inbound.configuration"
)

// Event is a single bus message. Payload ownership passes to the bus on
// publish; subscribers must not mutate it.
type Event struct {
	Topic     string
	Key       string
	Payload   interface{}
	Timestamp time.Time
}

// Handler processes one event. A failing or panicking handler is isolated
// to its own subscription.
type Handler func(ctx context.Context, ev Event)

// Common errors.
var (
	ErrBusClosed = fmt.Errorf("event bus closed")
)

const defaultSubscriberBuffer = 256

// Bus is an in-process fan-out with one worker goroutine per subscriber.
// Delivery is FIFO per subscriber and best-effort: a subscriber whose
// buffer is full drops the newest event rather than blocking the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*subscription
	closed  bool
	wg      sync.WaitGroup
	bufSize int
}

type subscription struct {
	name string
	ch   chan Event
}

// New creates a started bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[string][]*subscription),
		bufSize: defaultSubscriberBuffer,
	}
}

// Subscribe registers handler for a topic under a subscriber name used in
// logs. The handler runs on its own goroutine until the bus closes.
func (b *Bus) Subscribe(topic, name string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	sub := &subscription{
		name: name,
		ch:   make(chan Event, b.bufSize),
	}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range sub.ch {
			b.invoke(handler, ev, sub.name)
		}
	}()

	return nil
}

// invoke runs the handler with panic isolation.
func (b *Bus) invoke(handler Handler, ev Event, name string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("subscriber", name).
				Str("topic", ev.Topic).
				Interface("panic", r).
				Msg("bus subscriber panicked")
		}
	}()
	handler(context.Background(), ev)
}

// Publish fans the event out to every subscriber of the topic. Publish
// never blocks: full subscriber buffers drop the event with a warning.
func (b *Bus) Publish(topic, key string, payload interface{}) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	ev := Event{Topic: topic, Key: key, Payload: payload, Timestamp: time.Now().UTC()}
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- ev:
		default:
			log.Warn().
				Str("subscriber", sub.name).
				Str("topic", topic).
				Str("key", key).
				Msg("bus subscriber buffer full, event dropped")
		}
	}
	return nil
}

// Close stops accepting publishes, drains subscriber buffers and waits for
// the workers to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// SubscriberCount returns the number of subscriptions for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
