package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle notification about a region, lock or approval.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the component that emitted the event.
	Source string `json:"source"`

	// Region is the region the event refers to.
	Region string `json:"region,omitempty"`

	// Operation is "rollout" or "destroy" for region events.
	Operation string `json:"operation,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRegionStarted   = "region.started"
	EventTypeRegionSucceeded = "region.succeeded"
	EventTypeRegionFailed    = "region.failed"
	EventTypeRegionSkipped   = "region.skipped"
	EventTypeRegionApplied   = "region.applied"
	EventTypeLockContended   = "lock.contended"
	EventTypeApprovalDecided = "approval.decided"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher delivers events to subscribers in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

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
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers. Async publishers drop the
// event and return an error when the buffer is full.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRegionStarted publishes a region started event.
func (ep *EventPublisher) PublishRegionStarted(operation, region string) error {
	return ep.Publish(Event{
		Type:      EventTypeRegionStarted,
		Source:    "coordinator",
		Region:    region,
		Operation: operation,
		Message:   fmt.Sprintf("%s of %s started", operation, region),
		Level:     EventLevelInfo,
	})
}

// PublishRegionFinished publishes the outcome of a region run. errMsg is
// empty for successful runs.
func (ep *EventPublisher) PublishRegionFinished(operation, region, outcome, status, errMsg string, duration time.Duration) error {
	event := Event{
		Source:    "coordinator",
		Region:    region,
		Operation: operation,
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"outcome":  outcome,
			"status":   status,
			"duration": duration.Seconds(),
		},
	}

	switch outcome {
	case "failed":
		event.Type = EventTypeRegionFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("%s of %s failed: %s", operation, region, errMsg)
		event.Data["error"] = errMsg
	case "skipped":
		event.Type = EventTypeRegionSkipped
		event.Level = EventLevelWarning
		event.Message = fmt.Sprintf("%s of %s skipped", operation, region)
		if errMsg != "" {
			event.Data["reason"] = errMsg
		}
	default:
		event.Type = EventTypeRegionSucceeded
		event.Message = fmt.Sprintf("%s of %s succeeded, workspace %s", operation, region, status)
	}

	return ep.Publish(event)
}

// PublishRegionApplied publishes the hand-off event for cluster bootstrap.
func (ep *EventPublisher) PublishRegionApplied(region, partitionKey string, stateVersion int64) error {
	return ep.Publish(Event{
		Type:    EventTypeRegionApplied,
		Source:  "executor",
		Region:  region,
		Message: fmt.Sprintf("Region %s applied, ready for bootstrap", region),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"partition_key": partitionKey,
			"state_version": stateVersion,
		},
	})
}

// PublishLockContended publishes a lock contention event.
func (ep *EventPublisher) PublishLockContended(region string) error {
	return ep.Publish(Event{
		Type:    EventTypeLockContended,
		Source:  "executor",
		Region:  region,
		Message: fmt.Sprintf("State partition of %s is locked by another holder", region),
		Level:   EventLevelWarning,
	})
}

// PublishApprovalDecided publishes an approval decision event.
func (ep *EventPublisher) PublishApprovalDecided(region, pendingID, decision, actor string, waited time.Duration) error {
	level := EventLevelInfo
	if decision != "approved" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeApprovalDecided,
		Source:  "approval-gate",
		Region:  region,
		Message: fmt.Sprintf("Change set %s for %s %s by %s", pendingID, region, decision, actor),
		Level:   level,
		Data: map[string]interface{}{
			"pending_id": pendingID,
			"decision":   decision,
			"actor":      actor,
			"waited":     waited.Seconds(),
		},
	})
}

// Subscribe adds a new event subscriber with an optional filter.
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

// processEvents delivers buffered events in batches, at the latest every
// FlushInterval.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-ep.ctx.Done():
			// Drain what was accepted before shutdown
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all matching subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers pending events and stops the publisher.
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

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRegion creates a filter that only allows events for one region.
func FilterByRegion(region string) EventFilter {
	return func(event Event) bool {
		return event.Region == region
	}
}
