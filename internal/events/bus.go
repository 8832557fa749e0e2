package events

import (
	"log"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBufferSize is the default per-subscriber channel capacity.
	DefaultBufferSize = 100

	// EventTypeSessionTransition identifies session lifecycle state changes.
	EventTypeSessionTransition = "SessionTransition"
	// EventTypeEventRejected identifies inbound events dropped as malformed.
	EventTypeEventRejected = "EventRejected"
	// EventTypeWorkspaceAcquired identifies a provisioned or reused working copy.
	EventTypeWorkspaceAcquired = "WorkspaceAcquired"
	// EventTypeWorkspaceDegraded identifies a run falling back to the repository root.
	EventTypeWorkspaceDegraded = "WorkspaceDegraded"
	// EventTypeRunStarted identifies a run registered for a session.
	EventTypeRunStarted = "RunStarted"
	// EventTypeRunFinished identifies a run leaving the registry.
	EventTypeRunFinished = "RunFinished"
	// EventTypeRunSuperseded identifies a run stopped because a newer run took its session.
	EventTypeRunSuperseded = "RunSuperseded"
	// EventTypeActivitySent identifies an activity accepted by the sink.
	EventTypeActivitySent = "ActivitySent"
	// EventTypeActivityDropped identifies an activity the sink failed to accept.
	EventTypeActivityDropped = "ActivityDropped"
	// EventTypeWorkspacePruned identifies an idle working copy released by the health monitor.
	EventTypeWorkspacePruned = "WorkspacePruned"
	// EventTypeHealthCheck identifies one health monitor heartbeat.
	EventTypeHealthCheck = "HealthCheck"
	// EventTypeSystemAlert identifies a failed health monitor heartbeat.
	EventTypeSystemAlert = "SystemAlert"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// EntitySession is the entity type for events addressed to a session id.
const EntitySession = "session"

// Event is the normalized message delivered through the in-process event bus.
type Event struct {
	Type       string
	Timestamp  time.Time
	EntityType string
	EntityID   string
	Payload    any
	Severity   string
}

// TransitionPayload describes a session state change.
type TransitionPayload struct {
	From string
	To   string
}

// RunFinishedPayload describes how a run ended.
type RunFinishedPayload struct {
	Outcome  string
	Duration time.Duration
}

// ActivityPayload describes one activity delivery attempt.
type ActivityPayload struct {
	Kind string
	Err  string
}

// HealthPayload summarizes one health monitor heartbeat.
type HealthPayload struct {
	ActiveSessions int
	Workspaces     int
	Orphaned       int
	Pruned         int
}

// Handler consumes a published event.
type Handler func(Event)

// Logger captures warning logs for dropped events.
type Logger interface {
	Printf(format string, args ...any)
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(event Event)
}

// Bus defines event subscription and publish behavior.
type Bus interface {
	Publisher
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize configures per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger configures log sink used for dropped-event warnings.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus is a thread-safe in-process pub/sub bus backed by buffered channels.
type InMemoryBus struct {
	mu             sync.RWMutex
	bufferSize     int
	logger         Logger
	typedSubs      map[string][]*subscriber
	wildcardSubs   []*subscriber
	nextSubscriber uint64
	closed         bool
	consumers      sync.WaitGroup
}

type subscriber struct {
	id uint64
	ch chan Event
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     log.Default(),
		typedSubs:  make(map[string][]*subscriber),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" || handler == nil {
		return
	}
	b.register(handler, func(sub *subscriber) {
		b.typedSubs[normalizedType] = append(b.typedSubs[normalizedType], sub)
	})
}

// SubscribeAll registers a handler that receives every published event.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}
	b.register(handler, func(sub *subscriber) {
		b.wildcardSubs = append(b.wildcardSubs, sub)
	})
}

// Publish delivers an event to typed subscribers and wildcard subscribers without blocking.
func (b *InMemoryBus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.typedSubs[strings.TrimSpace(event.Type)] {
		b.deliver(sub, event)
	}
	for _, sub := range b.wildcardSubs {
		b.deliver(sub, event)
	}
}

// Close stops accepting events and waits for subscribers to drain what was already queued.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.typedSubs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	for _, sub := range b.wildcardSubs {
		close(sub.ch)
	}
	b.mu.Unlock()
	b.consumers.Wait()
}

func (b *InMemoryBus) register(handler Handler, attach func(*subscriber)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.nextSubscriber++
	sub := &subscriber{
		id: b.nextSubscriber,
		ch: make(chan Event, b.bufferSize),
	}
	attach(sub)
	b.consumers.Add(1)
	go b.consume(sub, handler)
}

func (b *InMemoryBus) deliver(sub *subscriber, event Event) {
	select {
	case sub.ch <- event:
	default:
		b.logger.Printf(
			"events: dropping event for subscriber=%d type=%s entity_type=%s entity_id=%s",
			sub.id,
			event.Type,
			event.EntityType,
			event.EntityID,
		)
	}
}

func (b *InMemoryBus) consume(sub *subscriber, handler Handler) {
	defer b.consumers.Done()
	for event := range sub.ch {
		handler(event)
	}
}

// SessionEvent builds an event addressed to a session id.
func SessionEvent(eventType, sessionID, severity string, payload any) Event {
	return Event{
		Type:       eventType,
		EntityType: EntitySession,
		EntityID:   sessionID,
		Payload:    payload,
		Severity:   severity,
	}
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
