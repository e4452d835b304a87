package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// PacketQueueSize is the queue capacity used for per-packet subscribers.
const PacketQueueSize = 4096

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus is an asynchronous publish-subscribe hub. Emit never blocks the
// caller on a subscriber: a plain handler invocation runs on its own
// goroutine, a queued handler is fed through its bounded queue.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
	queue   *handlerQueue // nil for plain subscriptions
}

type queuedEvent struct {
	ctx   context.Context
	event Event
}

// handlerQueue feeds one queued subscription. Its single worker drains the
// buffer in order; offers that find it full are counted and dropped.
type handlerQueue struct {
	ch       chan queuedEvent
	quit     chan struct{}
	quitOnce sync.Once
	dropped  atomic.Uint64
	full     atomic.Bool
}

func (q *handlerQueue) offer(ctx context.Context, event Event, name string) {
	select {
	case q.ch <- queuedEvent{ctx: ctx, event: event}:
		q.full.Store(false)
	default:
		n := q.dropped.Add(1)
		if q.full.CompareAndSwap(false, true) {
			log.Warn().
				Str("event", string(event.Type)).
				Str("handler", name).
				Uint64("dropped_total", n).
				Msg("handler queue full, dropping events")
		}
	}
}

func (q *handlerQueue) close() {
	q.quitOnce.Do(func() { close(q.quit) })
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers a handler function for a specific event type.
// The name is used for logging and Unsubscribe.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handlerEntry{
		name:    name,
		handler: handler,
	})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// SubscribeQueued registers a handler for high-rate events. Emit hands events
// to a queue of the given capacity served by one worker goroutine, so a slow
// handler costs at most capacity buffered events. Events that find the queue
// full are dropped and counted, see Dropped. EmitSync calls the handler
// directly.
func (eb *EventBus) SubscribeQueued(eventType EventType, name string, capacity int, handler HandlerFunc) {
	if capacity < 1 {
		capacity = 1
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.stopped {
		return
	}

	entry := handlerEntry{
		name:    name,
		handler: handler,
		queue: &handlerQueue{
			ch:   make(chan queuedEvent, capacity),
			quit: make(chan struct{}),
		},
	}
	eb.handlers[eventType] = append(eb.handlers[eventType], entry)

	eb.wg.Add(1)
	go eb.work(entry)

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Int("capacity", capacity).
		Msg("subscribed to event (queued)")
}

// work serves a queued subscription until it is unsubscribed or the bus
// stops, then runs what is still buffered.
func (eb *EventBus) work(h handlerEntry) {
	defer eb.wg.Done()
	q := h.queue
	for {
		select {
		case it := <-q.ch:
			_ = eb.invoke(it.ctx, h, it.event)
		case <-q.quit:
			eb.flush(h)
			return
		case <-eb.stopCh:
			eb.flush(h)
			return
		}
	}
}

func (eb *EventBus) flush(h handlerEntry) {
	for {
		select {
		case it := <-h.queue.ch:
			_ = eb.invoke(it.ctx, h, it.event)
		default:
			return
		}
	}
}

// Dropped returns how many events a queued subscription has dropped.
func (eb *EventBus) Dropped(eventType EventType, name string) uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, h := range eb.handlers[eventType] {
		if h.name == name && h.queue != nil {
			return h.queue.dropped.Load()
		}
	}
	return 0
}

// Unsubscribe removes a named handler from a specific event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers, exists := eb.handlers[eventType]
	if !exists {
		return
	}

	filtered := make([]handlerEntry, 0, len(handlers))
	for _, h := range handlers {
		if h.name != name {
			filtered = append(filtered, h)
		} else if h.queue != nil {
			h.queue.close()
		}
	}
	eb.handlers[eventType] = filtered
}

// snapshot returns a copy of the handlers for eventType, or nil once stopped.
func (eb *EventBus) snapshot(eventType EventType) []handlerEntry {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return nil
	}
	handlers := eb.handlers[eventType]
	if len(handlers) == 0 {
		return nil
	}
	out := make([]handlerEntry, len(handlers))
	copy(out, handlers)

	// Register in-flight work while still holding the lock so Stop cannot
	// return before these handlers finish.
	eb.wg.Add(len(out))
	return out
}

// Emit publishes an event to all subscribed handlers asynchronously.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	handlers := eb.snapshot(event.Type)
	if handlers == nil {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(handlers)).
		Msg("emitting event")

	for _, h := range handlers {
		if h.queue != nil {
			h.queue.offer(ctx, event, h.name)
			eb.wg.Done()
			continue
		}
		go func() {
			defer eb.wg.Done()
			_ = eb.invoke(ctx, h, event)
		}()
	}
}

// EmitSync publishes an event and waits for all handlers to complete.
// Returns the first error encountered, if any.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	handlers := eb.snapshot(event.Type)
	if handlers == nil {
		return nil
	}

	var (
		firstErr error
		errOnce  sync.Once
		wg       sync.WaitGroup
	)
	for _, h := range handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer eb.wg.Done()
			if err := eb.invoke(ctx, h, event); err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}()
	}

	wg.Wait()
	return firstErr
}

// invoke runs one handler, converting panics into logged errors.
func (eb *EventBus) invoke(ctx context.Context, h handlerEntry, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = h.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("handler returned error")
	}
	return err
}

// Stop stops accepting new events and waits for in-flight handlers and
// queue workers.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
