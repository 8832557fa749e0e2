package activity

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
)

// Recorder is an in-memory Sink that keeps the trail a tracker would display: an
// ephemeral entry is replaced by the next activity for the same session.
type Recorder struct {
	mu     sync.Mutex
	trails map[string][]Activity
	sent   map[string]int
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		trails: make(map[string][]Activity),
		sent:   make(map[string]int),
	}
}

func (r *Recorder) record(sessionID string, a Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	trail := r.trails[sessionID]
	if n := len(trail); n > 0 && trail[n-1].Ephemeral() {
		trail = trail[:n-1]
	}
	r.trails[sessionID] = append(trail, a)
	r.sent[sessionID]++
	return nil
}

// SendThought records a persistent thought.
func (r *Recorder) SendThought(_ context.Context, sessionID, text string) error {
	return r.record(sessionID, Thought(text))
}

// SendEphemeralThought records a transient thought.
func (r *Recorder) SendEphemeralThought(_ context.Context, sessionID, text string) error {
	return r.record(sessionID, EphemeralThought(text))
}

// SendAction records an action.
func (r *Recorder) SendAction(_ context.Context, sessionID, label, detail string) error {
	return r.record(sessionID, Action(label, detail))
}

// SendResponse records a response.
func (r *Recorder) SendResponse(_ context.Context, sessionID, text string) error {
	return r.record(sessionID, Response(text))
}

// SendError records an error.
func (r *Recorder) SendError(_ context.Context, sessionID, text string) error {
	return r.record(sessionID, Error(text))
}

// Trail returns the visible activities for sessionID in send order.
func (r *Recorder) Trail(sessionID string) []Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Activity, len(r.trails[sessionID]))
	copy(out, r.trails[sessionID])
	return out
}

// Sent returns how many activities were accepted for sessionID, including superseded ones.
func (r *Recorder) Sent(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[sessionID]
}

// Sessions returns every session id with a recorded activity, sorted.
func (r *Recorder) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.trails))
	for id := range r.trails {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LogSink writes every activity to a structured logger. It never fails.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink returns a sink over logger; nil discards.
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) log(sessionID string, a Activity) error {
	fields := []any{"session_id", sessionID, "kind", a.Kind}
	if a.Kind == KindAction {
		fields = append(fields, "label", a.Label, "detail", a.Detail)
	} else {
		fields = append(fields, "body", a.Body)
	}
	if a.Kind == KindError {
		s.logger.Error("activity", fields...)
		return nil
	}
	s.logger.Info("activity", fields...)
	return nil
}

func (s *LogSink) SendThought(_ context.Context, sessionID, text string) error {
	return s.log(sessionID, Thought(text))
}

func (s *LogSink) SendEphemeralThought(_ context.Context, sessionID, text string) error {
	return s.log(sessionID, EphemeralThought(text))
}

func (s *LogSink) SendAction(_ context.Context, sessionID, label, detail string) error {
	return s.log(sessionID, Action(label, detail))
}

func (s *LogSink) SendResponse(_ context.Context, sessionID, text string) error {
	return s.log(sessionID, Response(text))
}

func (s *LogSink) SendError(_ context.Context, sessionID, text string) error {
	return s.log(sessionID, Error(text))
}

// Tee returns a Sink that forwards every activity to each sink in order.
// Every sink is attempted; the errors are joined.
func Tee(sinks ...Sink) Sink {
	return tee(sinks)
}

type tee []Sink

func (t tee) each(fn func(Sink) error) error {
	var errs []error
	for _, sink := range t {
		if err := fn(sink); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t tee) SendThought(ctx context.Context, sessionID, text string) error {
	return t.each(func(s Sink) error { return s.SendThought(ctx, sessionID, text) })
}

func (t tee) SendEphemeralThought(ctx context.Context, sessionID, text string) error {
	return t.each(func(s Sink) error { return s.SendEphemeralThought(ctx, sessionID, text) })
}

func (t tee) SendAction(ctx context.Context, sessionID, label, detail string) error {
	return t.each(func(s Sink) error { return s.SendAction(ctx, sessionID, label, detail) })
}

func (t tee) SendResponse(ctx context.Context, sessionID, text string) error {
	return t.each(func(s Sink) error { return s.SendResponse(ctx, sessionID, text) })
}

func (t tee) SendError(ctx context.Context, sessionID, text string) error {
	return t.each(func(s Sink) error { return s.SendError(ctx, sessionID, text) })
}

var (
	_ Sink = (*Recorder)(nil)
	_ Sink = (*LogSink)(nil)
)
