// Package eventbus is the in-process publish/subscribe fabric that
// carries lifecycle events (task claimed, task failed, agent offline,
// ...) from internal/coordinator and internal/control out to the
// WebSocket hub, the alerting Router, and an optional NATS mirror,
// generalized from the teacher's internal/events package (an agent
// pane's desktop notification bus) into a dispatcher-event bus.
package eventbus

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Subscription is one target's registration for a slice of event
// types: an agent name, a project-scoped channel, or "all".
type Subscription struct {
	Ch     chan Event  // Channel to receive events
	Types  []EventType // Event types to filter (nil/empty = all types)
	Target string      // Target identifier
}

// EventStore persists events so a reconnecting agent or dashboard can
// fetch what it missed via Bus.GetPendingEvents instead of losing
// events published while it was disconnected.
type EventStore interface {
	Save(event *Event) error
	GetPending(target string, types []EventType) ([]*Event, error)
	MarkDelivered(eventID string) error
}

// retentionPurger is the subset of EventStore a durable store may also
// implement to let old delivered events be reclaimed. SQLiteStore
// implements it; a nil or in-memory store does not, and the bus treats
// that as "retention not supported" rather than an error.
type retentionPurger interface {
	Cleanup(olderThan time.Duration) error
}

// Backpressure retry budgets. A critical alert (agent offline, task
// failed) is worth retrying hard before it's dropped; a routine
// lifecycle event (task claimed) is not — dropping it just means a
// dashboard redraws one tick late.
const (
	backpressureRetryDelay = 10 * time.Millisecond

	criticalRetries = 10
	highRetries     = 5
	normalRetries   = 3
	lowRetries      = 1
)

// MaxBackpressureRetries is the retry ceiling used for events without
// a recognized priority band; kept for callers built before
// priority-aware retries were introduced.
const MaxBackpressureRetries = normalRetries

func retryBudget(priority int) int {
	switch priority {
	case PriorityCritical:
		return criticalRetries
	case PriorityHigh:
		return highRetries
	case PriorityLow:
		return lowRetries
	default:
		return normalRetries
	}
}

// Bus fans published events out to every subscription matching their
// target, optionally persisting them first so GetPendingEvents can
// replay a backlog to a subscriber that reconnects later.
type Bus struct {
	subscribers   map[string][]*Subscription // target -> subscriptions
	store         EventStore                 // Optional persistent store
	mu            sync.RWMutex               // Protects subscribers map
	droppedEvents uint64                     // Counter for dropped events (atomic)
}

// NewBus creates a new event bus
func NewBus(store EventStore) *Bus {
	return &Bus{
		subscribers: make(map[string][]*Subscription),
		store:       store,
	}
}

// Subscribe registers target (an agent name, a project channel, or
// "all") for the given event types. If types is nil or empty, every
// event type matches.
func (b *Bus) Subscribe(target string, types []EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		Ch:     make(chan Event, 100), // Buffered channel
		Types:  types,
		Target: target,
	}

	b.subscribers[target] = append(b.subscribers[target], sub)

	return sub.Ch
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(target string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, exists := b.subscribers[target]
	if !exists {
		return
	}

	// Find and remove the subscription
	for i, sub := range subs {
		if sub.Ch == ch {
			// Close the channel
			close(sub.Ch)

			// Remove from slice
			b.subscribers[target] = append(subs[:i], subs[i+1:]...)

			// Clean up empty target entries
			if len(b.subscribers[target]) == 0 {
				delete(b.subscribers, target)
			}

			return
		}
	}
}

// Publish sends an event to all matching subscribers.
// Events are sent to:
// 1. Subscribers for the specific target
// 2. Subscribers for "all" (if target is not "all")
// 3. All subscribers (if target is "all")
func (b *Bus) Publish(event *Event) {
	// Persist to store if available
	if b.store != nil {
		if err := b.store.Save(event); err != nil {
			log.Printf("[eventbus] ERROR: failed to persist event to store: type=%s, target=%s, id=%s, error=%v",
				event.Type, event.Target, event.ID, err)
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	// Collect all matching subscriptions
	var targetSubs []*Subscription

	if event.Target == "all" {
		// Broadcast to everyone
		for _, subs := range b.subscribers {
			targetSubs = append(targetSubs, subs...)
		}
	} else {
		// Send to specific target
		if subs, exists := b.subscribers[event.Target]; exists {
			targetSubs = append(targetSubs, subs...)
		}

		// Also send to "all" subscribers
		if subs, exists := b.subscribers["all"]; exists {
			targetSubs = append(targetSubs, subs...)
		}
	}

	// Send to all matching subscriptions
	for _, sub := range targetSubs {
		if b.matchesTypes(event.Type, sub.Types) {
			b.sendWithBackpressure(sub, event)
		}
	}
}

// sendWithBackpressure attempts to send an event to a subscriber,
// retrying against a full channel before giving up. The retry budget
// scales with the event's priority (retryBudget): a critical alert
// gets far more chances to land than a routine lifecycle event. The
// event is still persisted to the store (if available) regardless of
// whether in-process delivery succeeds, so a disconnected subscriber
// can still fetch it later via GetPendingEvents.
func (b *Bus) sendWithBackpressure(sub *Subscription, event *Event) {
	select {
	case sub.Ch <- *event:
		return // Success on first try
	default:
		// Channel full, apply backpressure with retries
	}

	retries := retryBudget(event.Priority)
	for retry := 1; retry <= retries; retry++ {
		time.Sleep(backpressureRetryDelay)
		select {
		case sub.Ch <- *event:
			log.Printf("[eventbus] event delivered after %d retry(ies): type=%s, target=%s, id=%s",
				retry, event.Type, event.Target, event.ID)
			return
		default:
			// Still full, continue retrying
		}
	}

	// All retries exhausted, drop the event
	dropped := atomic.AddUint64(&b.droppedEvents, 1)
	log.Printf("[eventbus] WARNING: dropped event after %d retries (channel full): type=%s, target=%s, source=%s, id=%s (total dropped: %d)",
		retries, event.Type, event.Target, event.Source, event.ID, dropped)
}

// GetPendingEvents retrieves events target missed while disconnected,
// so an agent reconnecting after a crash or network blip can catch up
// instead of silently losing, e.g., a task reassignment it should act
// on.
func (b *Bus) GetPendingEvents(target string, types []EventType) ([]*Event, error) {
	if b.store == nil {
		return nil, nil
	}

	return b.store.GetPending(target, types)
}

// MarkDelivered marks an event as delivered so it won't be returned by GetPendingEvents
func (b *Bus) MarkDelivered(eventID string) error {
	if b.store == nil {
		return nil
	}

	return b.store.MarkDelivered(eventID)
}

// PurgeDelivered reclaims delivered events older than olderThan, if
// the configured store supports retention. It is a no-op (nil error)
// for a nil store or one that doesn't implement retentionPurger,
// so internal/control's retention sweep can call it unconditionally.
func (b *Bus) PurgeDelivered(olderThan time.Duration) error {
	purger, ok := b.store.(retentionPurger)
	if !ok {
		return nil
	}
	return purger.Cleanup(olderThan)
}

// DroppedEventCount returns the total number of events that were dropped
// due to full subscriber channels
func (b *Bus) DroppedEventCount() uint64 {
	return atomic.LoadUint64(&b.droppedEvents)
}

// matchesTypes checks if an event type matches the subscription filter
func (b *Bus) matchesTypes(eventType EventType, types []EventType) bool {
	// Nil or empty types means accept all
	if len(types) == 0 {
		return true
	}

	// Check if event type is in the filter list
	for _, t := range types {
		if t == eventType {
			return true
		}
	}

	return false
}
