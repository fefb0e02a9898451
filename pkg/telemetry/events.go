package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sagepilot/sagepilot/pkg/engine"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles a delivered event. Subscribers are called from the
// delivery goroutine in subscription order and must not block.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

// EventPublisher is an in-process event bus for engine events. It
// implements engine.EventPublisher.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan engine.Event
	subscribers []subscriberEntry
	filters     []EventFilter
	nextID      int
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	id         int
	subscriber EventSubscriber
	filter     EventFilter
}

var _ engine.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan engine.Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep, nil
}

// Publish delivers an event to subscribers. In async mode a full buffer
// drops the event and returns an error.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if !ep.config.Enabled || event == nil {
		return nil
	}

	e := *event
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(e) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- e:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(e)
	return nil
}

// Subscribe adds a subscriber and returns a function that removes it.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) func() {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.nextID++
	id := ep.nextID
	ep.subscribers = append(ep.subscribers, subscriberEntry{
		id:         id,
		subscriber: subscriber,
		filter:     filter,
	})

	return func() {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		for i, entry := range ep.subscribers {
			if entry.id == id {
				ep.subscribers = append(ep.subscribers[:i:i], ep.subscribers[i+1:]...)
				return
			}
		}
	}
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]engine.Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, e := range batch {
			ep.deliverEvent(e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// Drain whatever is already queued, up to a batch.
			for len(batch) < ep.config.MaxBatchSize && len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			flush()

		case <-ep.ctx.Done():
			for len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			flush()
			return
		}
	}
}

func (ep *EventPublisher) deliverEvent(event engine.Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, len(ep.subscribers))
	copy(entries, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

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

// FilterByLevel allows events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event engine.Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType allows events of the given types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByPlanID allows events for one plan.
func FilterByPlanID(planID string) EventFilter {
	return func(event engine.Event) bool {
		return event.PlanID == planID
	}
}
