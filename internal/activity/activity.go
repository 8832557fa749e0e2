// Package activity turns agent progress into the typed notifications a tracker renders
// for a session, and delivers them without letting delivery failures reach the run.
package activity

import (
	"context"
	"fmt"
)

// Kind identifies the activity type.
type Kind string

const (
	KindThought          Kind = "thought"
	KindEphemeralThought Kind = "ephemeral_thought"
	KindAction           Kind = "action"
	KindResponse         Kind = "response"
	KindError            Kind = "error"
)

// Activity is one externally visible notification for a session.
// Actions use Label and Detail; every other kind uses Body.
type Activity struct {
	Kind   Kind
	Body   string
	Label  string
	Detail string
}

// Ephemeral reports whether the activity is superseded by the next one for its session.
func (a Activity) Ephemeral() bool {
	return a.Kind == KindEphemeralThought
}

// String renders the activity on one line.
func (a Activity) String() string {
	if a.Kind == KindAction {
		if a.Detail == "" {
			return fmt.Sprintf("[%s] %s", a.Kind, a.Label)
		}
		return fmt.Sprintf("[%s] %s %s", a.Kind, a.Label, a.Detail)
	}
	return fmt.Sprintf("[%s] %s", a.Kind, a.Body)
}

// Thought returns a persistent thought activity.
func Thought(text string) Activity { return Activity{Kind: KindThought, Body: text} }

// EphemeralThought returns a thought that the next activity replaces.
func EphemeralThought(text string) Activity { return Activity{Kind: KindEphemeralThought, Body: text} }

// Action returns a persistent action activity.
func Action(label, detail string) Activity {
	return Activity{Kind: KindAction, Label: label, Detail: detail}
}

// Response returns a terminal response activity.
func Response(text string) Activity { return Activity{Kind: KindResponse, Body: text} }

// Error returns a terminal error activity.
func Error(text string) Activity { return Activity{Kind: KindError, Body: text} }

// Sink accepts activities addressed to a session id. Implementations talk to the tracker.
type Sink interface {
	SendThought(ctx context.Context, sessionID, text string) error
	SendEphemeralThought(ctx context.Context, sessionID, text string) error
	SendAction(ctx context.Context, sessionID, label, detail string) error
	SendResponse(ctx context.Context, sessionID, text string) error
	SendError(ctx context.Context, sessionID, text string) error
}

// Send dispatches a to the matching Sink operation.
func Send(ctx context.Context, sink Sink, sessionID string, a Activity) error {
	switch a.Kind {
	case KindThought:
		return sink.SendThought(ctx, sessionID, a.Body)
	case KindEphemeralThought:
		return sink.SendEphemeralThought(ctx, sessionID, a.Body)
	case KindAction:
		return sink.SendAction(ctx, sessionID, a.Label, a.Detail)
	case KindResponse:
		return sink.SendResponse(ctx, sessionID, a.Body)
	case KindError:
		return sink.SendError(ctx, sessionID, a.Body)
	default:
		return fmt.Errorf("unknown activity kind %q", a.Kind)
	}
}
