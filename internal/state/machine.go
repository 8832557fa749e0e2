package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ship-commander/sessiond/internal/events"
	"github.com/ship-commander/sessiond/internal/telemetry/invariants"
)

// State is one step of a session's lifecycle.
type State string

const (
	Idle         State = "idle"
	Acknowledged State = "acknowledged"
	Provisioning State = "provisioning"
	Executing    State = "executing"
	Completed    State = "completed"
	Failed       State = "failed"
	Stopped      State = "stopped"
)

var allowedTransitions = map[State]map[State]struct{}{
	Idle: {
		Acknowledged: {},
	},
	Acknowledged: {
		Provisioning: {},
		Failed:       {},
	},
	Provisioning: {
		Executing: {},
		Failed:    {},
	},
	Executing: {
		Completed: {},
		Failed:    {},
		Stopped:   {},
	},
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Stopped
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithPublisher publishes every accepted transition on the bus.
func WithPublisher(publisher events.Publisher) Option {
	return func(machine *Machine) {
		if publisher == nil {
			return
		}
		machine.publisher = publisher
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	SessionID string
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	SessionID string
	From      State
	To        State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot transition session %q from %q to %q", e.SessionID, e.From, e.To)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine tracks the lifecycle of one session. It starts in Idle.
type Machine struct {
	mu        sync.Mutex
	sessionID string
	current   State
	tracer    trace.Tracer
	publisher events.Publisher
	now       func() time.Time
	history   []TransitionRecord
}

// NewMachine builds a lifecycle machine for sessionID.
func NewMachine(sessionID string, options ...Option) (*Machine, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id must not be empty")
	}

	machine := &Machine{
		sessionID: sessionID,
		current:   Idle,
		tracer:    otel.Tracer("sessiond/state"),
		publisher: events.Discard,
		now:       time.Now,
		history:   []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine, nil
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves the session to next, or returns an IllegalTransitionError.
func (m *Machine) Transition(ctx context.Context, next State, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	reason = strings.TrimSpace(reason)

	m.mu.Lock()
	from := m.current
	m.mu.Unlock()

	spanCtx, span := m.tracer.Start(ctx, "state.transition", trace.WithAttributes(
		attribute.String("session_id", m.sessionID),
		attribute.String("from_state", string(from)),
		attribute.String("to_state", string(next)),
		attribute.String("reason", reason),
	))
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	m.mu.Lock()
	if m.current != from || !isAllowed(from, next) {
		m.mu.Unlock()
		err := &IllegalTransitionError{SessionID: m.sessionID, From: from, To: next}
		invariants.CheckStateTransitionLegal(spanCtx, "state.Machine.Transition", m.sessionID, string(from), string(next), false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	m.current = next
	m.history = append(m.history, TransitionRecord{
		SessionID: m.sessionID,
		From:      from,
		To:        next,
		Reason:    reason,
		Timestamp: m.now().UTC(),
	})
	m.mu.Unlock()

	severity := events.SeverityInfo
	if next == Failed {
		severity = events.SeverityError
	}
	m.publisher.Publish(events.SessionEvent(
		events.EventTypeSessionTransition,
		m.sessionID,
		severity,
		events.TransitionPayload{From: string(from), To: string(next)},
	))
	span.SetStatus(codes.Ok, "state transition accepted")
	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(from, to State) bool {
	nextStates, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = nextStates[to]
	return ok
}
