package activity

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ship-commander/sessiond/internal/events"
)

func TestSendRoutesEveryKind(t *testing.T) {
	t.Parallel()

	recorder := NewRecorder()
	ctx := context.Background()
	for _, a := range []Activity{
		Thought("plan"),
		Action("Editing", "main.go"),
		Response("Done."),
		Error("failed"),
	} {
		require.NoError(t, Send(ctx, recorder, "s-1", a))
	}
	assert.Equal(t, []Activity{
		Thought("plan"),
		Action("Editing", "main.go"),
		Response("Done."),
		Error("failed"),
	}, recorder.Trail("s-1"))

	assert.Error(t, Send(ctx, recorder, "s-1", Activity{Kind: "bogus"}))
}

func TestRecorderReplacesEphemeralWithNextActivity(t *testing.T) {
	t.Parallel()

	recorder := NewRecorder()
	ctx := context.Background()
	require.NoError(t, recorder.SendThought(ctx, "s-1", "first"))
	require.NoError(t, recorder.SendEphemeralThought(ctx, "s-1", WorkingLabel))
	require.NoError(t, recorder.SendAction(ctx, "s-1", "Editing", "a.go"))
	require.NoError(t, recorder.SendEphemeralThought(ctx, "s-2", WorkingLabel))

	assert.Equal(t, []Activity{Thought("first"), Action("Editing", "a.go")}, recorder.Trail("s-1"))
	assert.Equal(t, 3, recorder.Sent("s-1"))
	assert.Equal(t, []Activity{EphemeralThought(WorkingLabel)}, recorder.Trail("s-2"))
	assert.Equal(t, []string{"s-1", "s-2"}, recorder.Sessions())
}

func TestDelivererSwallowsFailuresAndContinues(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	publisher := &capturePublisher{}
	sink := &flakySink{failOn: map[Kind]error{KindThought: errors.New("tracker unavailable")}, recorder: NewRecorder()}
	deliverer := NewDeliverer(sink, WithLogger(log.New(&logs)), WithPublisher(publisher))

	ctx := context.Background()
	assert.False(t, deliverer.Deliver(ctx, "s-1", Thought("lost")))
	assert.True(t, deliverer.Deliver(ctx, "s-1", Response("Done.")))

	assert.Equal(t, []Activity{Response("Done.")}, sink.recorder.Trail("s-1"))
	assert.Contains(t, logs.String(), "activity delivery failed")
	assert.Contains(t, logs.String(), "tracker unavailable")

	published := publisher.snapshot()
	require.Len(t, published, 2)
	assert.Equal(t, events.EventTypeActivityDropped, published[0].Type)
	assert.Equal(t, events.EventTypeActivitySent, published[1].Type)
	assert.Equal(t, events.ActivityPayload{Kind: "response"}, published[1].Payload)
}

func TestDelivererRecoversSinkPanic(t *testing.T) {
	t.Parallel()

	publisher := &capturePublisher{}
	deliverer := NewDeliverer(panicSink{NewRecorder()}, WithPublisher(publisher))

	assert.NotPanics(t, func() {
		assert.False(t, deliverer.Deliver(context.Background(), "s-1", Error("x")))
	})
	published := publisher.snapshot()
	require.Len(t, published, 1)
	payload, ok := published[0].Payload.(events.ActivityPayload)
	require.True(t, ok)
	assert.True(t, strings.Contains(payload.Err, "sink panic"))
}

func TestDelivererBoundsSlowSends(t *testing.T) {
	t.Parallel()

	deliverer := NewDeliverer(blockingSink{NewRecorder()}, WithSendTimeout(20*time.Millisecond))
	start := time.Now()
	assert.False(t, deliverer.Deliver(context.Background(), "s-1", Thought("slow")))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNilDelivererIsInert(t *testing.T) {
	t.Parallel()

	var deliverer *Deliverer
	assert.False(t, deliverer.Deliver(context.Background(), "s-1", Thought("x")))
	assert.False(t, NewDeliverer(nil).Deliver(context.Background(), "s-1", Thought("x")))
}

func TestTeeAttemptsEverySink(t *testing.T) {
	t.Parallel()

	failing := &flakySink{failOn: map[Kind]error{KindResponse: errors.New("down")}, recorder: NewRecorder()}
	recorder := NewRecorder()
	var logs bytes.Buffer
	sink := Tee(failing, recorder, NewLogSink(log.New(&logs)))

	err := sink.SendResponse(context.Background(), "s-1", "Done.")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Equal(t, []Activity{Response("Done.")}, recorder.Trail("s-1"))
	assert.Contains(t, logs.String(), "Done.")
}

type flakySink struct {
	failOn   map[Kind]error
	recorder *Recorder
}

func (f *flakySink) send(ctx context.Context, sessionID string, a Activity) error {
	if err := f.failOn[a.Kind]; err != nil {
		return err
	}
	return Send(ctx, f.recorder, sessionID, a)
}

func (f *flakySink) SendThought(ctx context.Context, sessionID, text string) error {
	return f.send(ctx, sessionID, Thought(text))
}

func (f *flakySink) SendEphemeralThought(ctx context.Context, sessionID, text string) error {
	return f.send(ctx, sessionID, EphemeralThought(text))
}

func (f *flakySink) SendAction(ctx context.Context, sessionID, label, detail string) error {
	return f.send(ctx, sessionID, Action(label, detail))
}

func (f *flakySink) SendResponse(ctx context.Context, sessionID, text string) error {
	return f.send(ctx, sessionID, Response(text))
}

func (f *flakySink) SendError(ctx context.Context, sessionID, text string) error {
	return f.send(ctx, sessionID, Error(text))
}

type panicSink struct{ *Recorder }

func (panicSink) SendError(context.Context, string, string) error { panic("sink exploded") }

type blockingSink struct{ *Recorder }

func (blockingSink) SendThought(ctx context.Context, _, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(event events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *capturePublisher) snapshot() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Event, len(c.events))
	copy(out, c.events)
	return out
}
