package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformedEvent marks an inbound event that cannot be addressed to a session.
var ErrMalformedEvent = errors.New("malformed inbound event")

// Trigger is why an inbound event was sent.
type Trigger string

const (
	TriggerCreated   Trigger = "created"
	TriggerContinued Trigger = "continued"
	TriggerStop      Trigger = "stop"
)

// WorkItem is the tracker issue a session works on.
type WorkItem struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Message is one entry of the session's conversation thread.
type Message struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

// InboundEvent is a normalized tracker event. The last prior message is the one that triggered it.
type InboundEvent struct {
	SessionID     string    `json:"session_id"`
	WorkItem      WorkItem  `json:"work_item"`
	Trigger       Trigger   `json:"trigger"`
	PriorMessages []Message `json:"prior_messages,omitempty"`
	Context       string    `json:"context,omitempty"`
}

// Validate reports ErrMalformedEvent when the event lacks a session id or work item id,
// or names an unknown trigger. An empty trigger is treated as continued.
func (e InboundEvent) Validate() error {
	if strings.TrimSpace(e.SessionID) == "" {
		return fmt.Errorf("%w: missing session id", ErrMalformedEvent)
	}
	if strings.TrimSpace(e.WorkItem.ID) == "" {
		return fmt.Errorf("%w: missing work item id", ErrMalformedEvent)
	}
	switch e.Trigger {
	case TriggerCreated, TriggerContinued, TriggerStop, "":
		return nil
	default:
		return fmt.Errorf("%w: unknown trigger %q", ErrMalformedEvent, e.Trigger)
	}
}

// TriggeringMessage returns the message that caused this event, if any.
func (e InboundEvent) TriggeringMessage() (Message, bool) {
	if len(e.PriorMessages) == 0 {
		return Message{}, false
	}
	return e.PriorMessages[len(e.PriorMessages)-1], true
}

// DecodeEvent reads one JSON-encoded event and validates it.
func DecodeEvent(r io.Reader) (InboundEvent, error) {
	var event InboundEvent
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&event); err != nil {
		return InboundEvent{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if err := event.Validate(); err != nil {
		return InboundEvent{}, err
	}
	return event, nil
}
