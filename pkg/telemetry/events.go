package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/shipyard/pkg/engine"
)

// EventLevel constants for event severity.
const (
	EventLevelDebug   = "debug"
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var eventLevelRank = map[string]int{
	EventLevelDebug:   0,
	EventLevelInfo:    1,
	EventLevelWarning: 2,
	EventLevelError:   3,
}

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// EventSubscriber is a function that handles events.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

// EventPublisher fans engine events out to sinks and subscribers. It
// implements engine.EventPublisher. Events are delivered one at a time in
// publish order, from a single background goroutine when EnableAsync is set.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan queuedEvent
	sinks       []engine.EventPublisher
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	stopOnce    sync.Once
	stopped     chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

type queuedEvent struct {
	ctx   context.Context
	event engine.Event
}

var _ engine.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ep := &EventPublisher{
		config:  cfg,
		stopped: make(chan struct{}),
	}

	if cfg.MinLevel != "" {
		ep.filters = append(ep.filters, FilterByLevel(cfg.MinLevel))
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.buffer = make(chan queuedEvent, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all sinks and subscribers. In async mode a
// full buffer drops the event unless a sink is attached, in which case Publish
// blocks until there is room or ctx is done.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if !ep.config.Enabled || event == nil {
		return nil
	}

	e := *event
	// Set ID and timestamp if not already set
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Level == "" {
		e.Level = EventLevelInfo
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(e) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case <-ep.stopped:
			return ErrPublisherStopped
		default:
		}
		q := queuedEvent{ctx: context.WithoutCancel(ctx), event: e}
		ep.mu.RLock()
		journaled := len(ep.sinks) > 0
		ep.mu.RUnlock()
		if journaled {
			// Sinks keep the durable record, so a full buffer waits for room.
			select {
			case ep.buffer <- q:
				return nil
			case <-ep.stopped:
				return ErrPublisherStopped
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case ep.buffer <- q:
			return nil
		case <-ep.stopped:
			return ErrPublisherStopped
		default:
			return fmt.Errorf("event buffer full, %s event dropped", e.Type)
		}
	}

	// Synchronous publishing
	ep.deliverEvent(ctx, e)
	return nil
}

// AddSink registers a downstream publisher, such as the run journal.
// Sink errors are logged and do not stop delivery.
func (ep *EventPublisher) AddSink(sink engine.EventPublisher) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.sinks = append(ep.sinks, sink)
}

// Subscribe adds a new event subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case q := <-ep.buffer:
			ep.deliverEvent(q.ctx, q.event)

		case <-ep.stopped:
			// Drain remaining events before shutting down
			for {
				select {
				case q := <-ep.buffer:
					ep.deliverEvent(q.ctx, q.event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all sinks, then to all subscribers.
func (ep *EventPublisher) deliverEvent(ctx context.Context, event engine.Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, sink := range ep.sinks {
		e := event
		if err := sink.Publish(ctx, &e); err != nil {
			log.Warn().Err(err).Str("type", string(event.Type)).Msg("event sink failed")
		}
	}

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits until buffered events are delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.stopOnce.Do(func() { close(ep.stopped) })

	// Wait for processing to complete with timeout
	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
// Unknown levels rank as info.
func FilterByLevel(minLevel string) EventFilter {
	minLevelValue := levelRank(minLevel)

	return func(event engine.Event) bool {
		return levelRank(event.Level) >= minLevelValue
	}
}

func levelRank(level string) int {
	if rank, ok := eventLevelRank[level]; ok {
		return rank
	}
	return eventLevelRank[EventLevelInfo]
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event engine.Event) bool {
		return event.RunID == runID
	}
}

// FilterByHost creates a filter that only allows events for a specific host.
func FilterByHost(host string) EventFilter {
	return func(event engine.Event) bool {
		return event.Host == host
	}
}
