package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ship-commander/sessiond/internal/activity"
	"github.com/ship-commander/sessiond/internal/events"
	"github.com/ship-commander/sessiond/internal/harness"
	"github.com/ship-commander/sessiond/internal/workspace"
)

// fakeRun replays a script of progress events, optionally holds until stopped or released,
// then resolves with its final outcome.
type fakeRun struct {
	progress  chan harness.ProgressEvent
	done      chan struct{}
	stopCh    chan struct{}
	releaseCh chan struct{}
	stopOnce  sync.Once
	relOnce   sync.Once
	stopCalls atomic.Int32
	outcome   harness.Outcome
}

type runSpec struct {
	script  []harness.ProgressEvent
	outcome harness.Outcome
	hold    bool
	onStart func(harness.Context)
}

func newFakeRun(spec runSpec) *fakeRun {
	r := &fakeRun{
		progress:  make(chan harness.ProgressEvent),
		done:      make(chan struct{}),
		stopCh:    make(chan struct{}),
		releaseCh: make(chan struct{}),
	}
	go r.play(spec)
	return r
}

func (r *fakeRun) play(spec runSpec) {
	defer close(r.done)
	stopped := func() {
		close(r.progress)
		r.outcome = harness.Outcome{Err: harness.ErrStopped}
	}
	for _, event := range spec.script {
		select {
		case r.progress <- event:
		case <-r.stopCh:
			stopped()
			return
		}
	}
	if spec.hold {
		select {
		case <-r.stopCh:
			stopped()
			return
		case <-r.releaseCh:
		}
	}
	close(r.progress)
	r.outcome = spec.outcome
}

func (r *fakeRun) Progress() <-chan harness.ProgressEvent { return r.progress }

func (r *fakeRun) Wait() harness.Outcome {
	<-r.done
	return r.outcome
}

func (r *fakeRun) Stop(ctx context.Context) error {
	r.stopCalls.Add(1)
	r.stopOnce.Do(func() { close(r.stopCh) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *fakeRun) release() {
	r.relOnce.Do(func() { close(r.releaseCh) })
}

type startCall struct {
	message string
	execCtx harness.Context
	run     *fakeRun
}

// fakeCapability starts fakeRuns from a spec chosen per call.
type fakeCapability struct {
	mu       sync.Mutex
	next     func(call int, message string) runSpec
	startErr error
	panicMsg string
	calls    []startCall
	started  chan *fakeRun
}

func newFakeCapability(next func(call int, message string) runSpec) *fakeCapability {
	return &fakeCapability{next: next, started: make(chan *fakeRun, 64)}
}

func succeedWith(output string, script ...harness.ProgressEvent) *fakeCapability {
	return newFakeCapability(func(int, string) runSpec {
		return runSpec{script: script, outcome: harness.Outcome{Success: true, Output: output}}
	})
}

func (f *fakeCapability) Start(_ context.Context, message string, execCtx harness.Context) (harness.Run, error) {
	f.mu.Lock()
	if f.panicMsg != "" {
		f.mu.Unlock()
		panic(f.panicMsg)
	}
	if f.startErr != nil {
		f.mu.Unlock()
		return nil, f.startErr
	}
	spec := f.next(len(f.calls), message)
	if spec.onStart != nil {
		spec.onStart(execCtx)
	}
	run := newFakeRun(spec)
	f.calls = append(f.calls, startCall{message: message, execCtx: execCtx, run: run})
	f.mu.Unlock()
	select {
	case f.started <- run:
	default:
	}
	return run, nil
}

func (f *fakeCapability) snapshot() []startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]startCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// fakeWorkspaces hands out <base>/<token> without touching a VCS.
type fakeWorkspaces struct {
	mu        sync.Mutex
	base      string
	err       error
	ids       []string
	onAcquire func(workItemID string)
}

func (f *fakeWorkspaces) Acquire(_ context.Context, workItemID, _ string) (workspace.Handle, error) {
	if f.onAcquire != nil {
		f.onAcquire(workItemID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, workItemID)
	if f.err != nil {
		return workspace.Handle{}, f.err
	}
	return workspace.Handle{
		WorkItemID: workItemID,
		Path:       f.base + "/" + workspace.Token(workItemID),
		Branch:     workspace.DefaultBranchPrefix + workspace.Token(workItemID),
	}, nil
}

type failingAgent struct{}

func (failingAgent) Resolve(context.Context, InboundEvent) (AgentDefinition, error) {
	return AgentDefinition{}, errors.New("no agent configured")
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

func (c *capturePublisher) finishedOutcomes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, event := range c.events {
		if payload, ok := event.Payload.(events.RunFinishedPayload); ok && event.Type == events.EventTypeRunFinished {
			out = append(out, payload.Outcome)
		}
	}
	return out
}

func (c *capturePublisher) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, event := range c.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

// gatedSink records activities but holds the first action until gate is closed.
type gatedSink struct {
	*activity.Recorder
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGatedSink() *gatedSink {
	return &gatedSink{Recorder: activity.NewRecorder(), entered: make(chan struct{}), gate: make(chan struct{})}
}

func (g *gatedSink) SendAction(ctx context.Context, sessionID, label, detail string) error {
	g.once.Do(func() { close(g.entered) })
	<-g.gate
	return g.Recorder.SendAction(ctx, sessionID, label, detail)
}

func (c *capturePublisher) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, event := range c.events {
		out = append(out, event.Type)
	}
	return out
}
