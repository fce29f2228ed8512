package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Bus provides pub/sub event distribution with fan-out support.
type Bus interface {
	// Publish delivers an event to every matching subscriber, synchronously,
	// and returns the first error any handler returned (if any). A caller
	// that needs to know whether delivery actually succeeded — the Outbox
	// Relay deciding MarkProcessed vs MarkFailed — depends on this: the
	// Dispatcher does not retry, so its own Publish result is the only
	// signal the relay gets.
	Publish(ctx context.Context, evt Event) error

	// Subscribe registers a handler for specific event types.
	Subscribe(types []string, handler Handler) Subscription

	// SubscribeAll subscribes to all events.
	SubscribeAll(handler Handler) Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe removes the subscription.
	Unsubscribe()

	// Pause temporarily stops delivery.
	Pause()

	// Resume continues delivery after pause.
	Resume()

	// IsPaused returns true if the subscription is paused.
	IsPaused() bool
}

// BusConfig configures bus behavior.
type BusConfig struct {
	// DeduplicateTTL enables deduplication with the given TTL.
	// Default: 0 (disabled)
	DeduplicateTTL time.Duration

	// OnError is called, in addition to the error Publish returns, when a
	// handler returns an error. Useful for logging without forcing every
	// caller to inspect Publish's aggregated error.
	OnError func(evt Event, subscriberID string, err error)
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{}

// LocalBus is an in-memory, single-process event bus. Delivery is
// synchronous: Publish calls every matching handler directly, one after
// another, before returning. The order in which different matching
// subscribers are called is not defined. This is a deliberate
// departure from a channel-fan-out design: the Outbox Relay must observe
// real handler failures to decide whether to retry a row, and a
// fire-and-forget bus can't give it that signal.
type LocalBus struct {
	config BusConfig

	mu            sync.RWMutex
	subscriptions map[string]*subscription
	byType        map[string]map[string]*subscription
	wildcards     map[string]*subscription

	dedupeMu    sync.Mutex
	dedupeCache map[string]time.Time

	nextID  atomic.Int64
	closed  atomic.Bool
	closeCh chan struct{}
}

// NewBus creates a new local event bus.
func NewBus(config BusConfig) *LocalBus {
	bus := &LocalBus{
		config:        config,
		subscriptions: make(map[string]*subscription),
		byType:        make(map[string]map[string]*subscription),
		wildcards:     make(map[string]*subscription),
		closeCh:       make(chan struct{}),
	}

	if config.DeduplicateTTL > 0 {
		bus.dedupeCache = make(map[string]time.Time)
	}

	return bus
}

// subscription is an internal subscription implementation.
type subscription struct {
	id      string
	types   []string
	handler Handler
	paused  atomic.Bool
	bus     *LocalBus
}

// Publish delivers evt to every matching, non-paused subscription, one at
// a time and in no defined order among subscriptions, returning the first
// handler error encountered.
// Context cancellation aborts delivery to any handler not yet invoked.
func (b *LocalBus) Publish(ctx context.Context, evt Event) error {
	if b.closed.Load() {
		return &EventError{Event: evt, Message: "bus is closed"}
	}

	if b.config.DeduplicateTTL > 0 {
		if b.isDuplicate(evt) {
			return nil
		}
		b.recordEvent(evt)
	}

	b.mu.RLock()
	subs := b.getMatchingSubscriptions(evt.Type())
	b.mu.RUnlock()

	var firstErr error
	for _, sub := range subs {
		if sub.paused.Load() {
			continue
		}
		select {
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			return firstErr
		default:
		}

		_, err := sub.handler.Handle(ctx, evt)
		if err != nil {
			if b.config.OnError != nil {
				b.config.OnError(evt, sub.id, err)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// Subscribe creates a subscription for specific event types.
func (b *LocalBus) Subscribe(types []string, handler Handler) Subscription {
	return b.subscribe(types, handler)
}

// SubscribeAll subscribes to all events.
func (b *LocalBus) SubscribeAll(handler Handler) Subscription {
	return b.subscribe(nil, handler)
}

func (b *LocalBus) subscribe(types []string, handler Handler) *subscription {
	if b.closed.Load() {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID.Add(1)
	sub := &subscription{
		id:      string(rune('a' + (id % 26))) + string(rune('0'+id%10)) + timeSuffix(id),
		types:   types,
		handler: handler,
		bus:     b,
	}

	b.subscriptions[sub.id] = sub

	if len(types) == 0 {
		b.wildcards[sub.id] = sub
	} else {
		for _, t := range types {
			if b.byType[t] == nil {
				b.byType[t] = make(map[string]*subscription)
			}
			b.byType[t][sub.id] = sub
		}
	}

	return sub
}

func timeSuffix(id int64) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	var buf [16]byte
	n := len(buf)
	v := id
	if v == 0 {
		return "0"
	}
	for v > 0 {
		n--
		buf[n] = digits[v%int64(len(digits))]
		v /= int64(len(digits))
	}
	return string(buf[n:])
}

// getMatchingSubscriptions returns all subscriptions matching an event type.
func (b *LocalBus) getMatchingSubscriptions(eventType string) []*subscription {
	subs := make([]*subscription, 0)

	if typeSubs, ok := b.byType[eventType]; ok {
		for _, sub := range typeSubs {
			subs = append(subs, sub)
		}
	}

	for _, sub := range b.wildcards {
		subs = append(subs, sub)
	}

	return subs
}

// Close shuts down the bus.
func (b *LocalBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.closeCh)
	return nil
}

// Unsubscribe removes the subscription.
func (s *subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	delete(s.bus.subscriptions, s.id)
	delete(s.bus.wildcards, s.id)

	for _, t := range s.types {
		if typeSubs, ok := s.bus.byType[t]; ok {
			delete(typeSubs, s.id)
		}
	}
}

// Pause temporarily stops delivery.
func (s *subscription) Pause() {
	s.paused.Store(true)
}

// Resume continues delivery after pause.
func (s *subscription) Resume() {
	s.paused.Store(false)
}

// IsPaused returns true if the subscription is paused.
func (s *subscription) IsPaused() bool {
	return s.paused.Load()
}

func (b *LocalBus) isDuplicate(evt Event) bool {
	b.dedupeMu.Lock()
	defer b.dedupeMu.Unlock()

	cutoff := time.Now().Add(-b.config.DeduplicateTTL)
	for id, ts := range b.dedupeCache {
		if ts.Before(cutoff) {
			delete(b.dedupeCache, id)
		}
	}

	_, exists := b.dedupeCache[evt.ID()]
	return exists
}

func (b *LocalBus) recordEvent(evt Event) {
	b.dedupeMu.Lock()
	defer b.dedupeMu.Unlock()

	b.dedupeCache[evt.ID()] = time.Now()
}
