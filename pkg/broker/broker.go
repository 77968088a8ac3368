// Package broker fans normalized events out to independently drained
// subscriptions.
//
// Each subscription owns an ordered buffer guarded by its own mutex. The
// registry lock is only held to look subscriptions up or change the set, so
// a drain on one subscription never waits on a drain of another.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
	"github.com/withObsrvr/pareto-event-router/pkg/metrics"
)

// ErrAlreadySubscribed is returned when a consumer id is registered twice.
var ErrAlreadySubscribed = errors.New("subscription already exists")

// Broker is the registry of named subscription buffers.
type Broker struct {
	maxBuffer int

	mu   sync.RWMutex
	subs map[string]*subscription
}

type subscription struct {
	mu      sync.Mutex
	events  []types.Event
	dropped uint64
}

// Option configures a Broker.
type Option func(*Broker)

// WithMaxBuffer caps every subscription buffer at n events. When full, the
// oldest event is discarded to make room. n <= 0 leaves buffers unbounded.
func WithMaxBuffer(n int) Option {
	return func(b *Broker) {
		b.maxBuffer = n
	}
}

// New creates an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{subs: make(map[string]*subscription)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe creates an empty buffer for id. Events published from now on
// are delivered to it.
func (b *Broker) Subscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[id]; exists {
		return fmt.Errorf("subscribe %q: %w", id, ErrAlreadySubscribed)
	}
	b.subs[id] = &subscription{}
	metrics.BufferDepth.WithLabelValues(id).Set(0)
	return nil
}

// Unsubscribe removes id and discards anything still buffered for it.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()

	metrics.BufferDepth.DeleteLabelValues(id)
}

// Publish appends a copy of event to every current subscription, preserving
// publish order within each buffer.
func (b *Broker) Publish(event types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subs {
		sub.mu.Lock()
		if b.maxBuffer > 0 && len(sub.events) >= b.maxBuffer {
			sub.events[0] = nil
			sub.events = sub.events[1:]
			sub.dropped++
			metrics.BufferDropped.WithLabelValues(id).Inc()
		}
		sub.events = append(sub.events, event.Clone())
		depth := len(sub.events)
		sub.mu.Unlock()
		metrics.BufferDepth.WithLabelValues(id).Set(float64(depth))
	}
	metrics.EventsPublished.Inc()
}

// Drain removes and returns everything queued for id in FIFO order. Unknown
// ids and empty buffers yield nil. Drain never waits for new events.
func (b *Broker) Drain(id string) []types.Event {
	sub := b.lookup(id)
	if sub == nil {
		return nil
	}

	sub.mu.Lock()
	events := sub.events
	sub.events = nil
	sub.mu.Unlock()

	metrics.BufferDepth.WithLabelValues(id).Set(0)
	return events
}

// Len reports how many events are waiting for id.
func (b *Broker) Len(id string) int {
	sub := b.lookup(id)
	if sub == nil {
		return 0
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return len(sub.events)
}

// Dropped reports how many events were discarded from id's buffer because
// it was full.
func (b *Broker) Dropped(id string) uint64 {
	sub := b.lookup(id)
	if sub == nil {
		return 0
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.dropped
}

// Subscriptions returns the registered ids in sorted order.
func (b *Broker) Subscriptions() []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (b *Broker) lookup(id string) *subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subs[id]
}

// Inlet adapts the broker to the processor chain: every message carrying an
// Event payload is published.
func (b *Broker) Inlet() types.Processor {
	return &inlet{broker: b}
}

type inlet struct {
	broker *Broker
}

func (i *inlet) Process(_ context.Context, msg types.Message) error {
	event, ok := msg.Payload.(types.Event)
	if !ok {
		return fmt.Errorf("broker inlet: expected types.Event, got %T", msg.Payload)
	}
	i.broker.Publish(event)
	return nil
}

// Subscribe is a no-op: the broker is the end of the processor chain.
func (i *inlet) Subscribe(types.Processor) {}
