package activity

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ship-commander/sessiond/internal/events"
)

// DefaultSendTimeout bounds a single activity send.
const DefaultSendTimeout = 10 * time.Second

// Deliverer sends activities fire-and-forget: failures are logged and published, never returned.
type Deliverer struct {
	sink      Sink
	logger    *log.Logger
	publisher events.Publisher
	timeout   time.Duration
}

// DelivererOption customizes a Deliverer.
type DelivererOption func(*Deliverer)

// WithLogger sets the logger used for delivery failures.
func WithLogger(logger *log.Logger) DelivererOption {
	return func(d *Deliverer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithPublisher publishes ActivitySent and ActivityDropped events.
func WithPublisher(publisher events.Publisher) DelivererOption {
	return func(d *Deliverer) {
		if publisher != nil {
			d.publisher = publisher
		}
	}
}

// WithSendTimeout bounds each send. Zero or negative disables the bound.
func WithSendTimeout(timeout time.Duration) DelivererOption {
	return func(d *Deliverer) {
		d.timeout = timeout
	}
}

// NewDeliverer wraps sink.
func NewDeliverer(sink Sink, options ...DelivererOption) *Deliverer {
	d := &Deliverer{
		sink:      sink,
		logger:    log.New(io.Discard),
		publisher: events.Discard,
		timeout:   DefaultSendTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(d)
		}
	}
	return d
}

// Deliver sends a to the sink. It reports whether the sink accepted the activity.
func (d *Deliverer) Deliver(ctx context.Context, sessionID string, a Activity) (delivered bool) {
	if d == nil || d.sink == nil {
		return false
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			d.dropped(sessionID, a, fmt.Errorf("sink panic: %v", recovered))
			delivered = false
		}
	}()

	if err := Send(ctx, d.sink, sessionID, a); err != nil {
		d.dropped(sessionID, a, err)
		return false
	}
	d.publisher.Publish(events.SessionEvent(
		events.EventTypeActivitySent,
		sessionID,
		events.SeverityInfo,
		events.ActivityPayload{Kind: string(a.Kind)},
	))
	return true
}

func (d *Deliverer) dropped(sessionID string, a Activity, err error) {
	d.logger.Warn("activity delivery failed", "session_id", sessionID, "kind", a.Kind, "err", err)
	d.publisher.Publish(events.SessionEvent(
		events.EventTypeActivityDropped,
		sessionID,
		events.SeverityWarn,
		events.ActivityPayload{Kind: string(a.Kind), Err: err.Error()},
	))
}
