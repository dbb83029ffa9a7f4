package event_bus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type EventType string

// Event carries a flow outcome from the machine to whoever reacts to it. The context is
// detached from the request that produced the outcome, see flow.Machine.
type Event struct {
	ctx       context.Context
	Type      EventType
	Timestamp time.Time
	Data      any
}

func NewEvent(ctx context.Context, eventType EventType, data any) Event {
	return Event{ctx: ctx, Type: eventType, Timestamp: time.Now(), Data: data}
}

func (e Event) Context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

// EventT is an Event whose payload has already been asserted to T.
type EventT[T any] struct {
	Event
	Data T
}

type subscription struct {
	id      uint64
	deliver func(Event) error
}

// EventBus delivers events synchronously, in subscription order. Publish returns after every
// subscriber ran, so a flow reported as finished has already invalidated stale plan reads.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[EventType][]subscription
	lastId uint64
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[EventType][]subscription)}
}

// Subscribe registers fn for eventType. The returned func removes it and may be called more than once.
func (eb *EventBus) Subscribe(eventType EventType, fn func(Event) error) (unsubscribe func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.lastId++
	id := eb.lastId
	eb.subs[eventType] = append(eb.subs[eventType], subscription{id: id, deliver: fn})

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.subs[eventType] = slices.DeleteFunc(eb.subs[eventType], func(s subscription) bool { return s.id == id })
		if len(eb.subs[eventType]) == 0 {
			delete(eb.subs, eventType)
		}
	}
}

// Subscribers reports how many handlers are registered for eventType.
func (eb *EventBus) Subscribers(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs[eventType])
}

// SubscribeTyped registers fn for events whose payload is a T. Events carrying another
// payload type are logged and dropped.
func SubscribeTyped[T any](eb *EventBus, eventType EventType, fn func(EventT[T]) error) (unsubscribe func()) {
	return eb.Subscribe(eventType, func(e Event) error {
		payload, ok := e.Data.(T)
		if !ok {
			log.Debugf("Dropping %s event with %T payload, want %T", eventType, e.Data, *new(T))
			return nil
		}
		return fn(EventT[T]{Event: e, Data: payload})
	})
}

// Publish runs every subscriber of e.Type. A failing or panicking subscriber does not stop the
// others; their errors are joined. Delivery stops once the event context is done.
func (eb *EventBus) Publish(e Event) error {
	if err := e.Context().Err(); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}

	eb.mu.RLock()
	subs := slices.Clone(eb.subs[e.Type])
	eb.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := e.Context().Err(); err != nil {
			errs = append(errs, fmt.Errorf("publish %s interrupted: %w", e.Type, err))
			break
		}
		if err := s.run(e); err != nil {
			log.Errorf("Subscriber %d failed on %s: %v", s.id, e.Type, err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %s: %d of %d subscribers failed: %w", e.Type, len(errs), len(subs), errors.Join(errs...))
	}
	return nil
}

func (s subscription) run(e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber %d panicked: %v", s.id, r)
		}
	}()
	return s.deliver(e)
}
