// Package session turns inbound tracker events into isolated, cancellable agent runs and
// reports their progress back to the tracker as activities.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ship-commander/sessiond/internal/activity"
	"github.com/ship-commander/sessiond/internal/events"
	"github.com/ship-commander/sessiond/internal/harness"
	"github.com/ship-commander/sessiond/internal/state"
	"github.com/ship-commander/sessiond/internal/telemetry"
	"github.com/ship-commander/sessiond/internal/telemetry/invariants"
	"github.com/ship-commander/sessiond/internal/workspace"
)

const (
	// StoppedResponse is sent by the run's handler when a stop signal ended the run.
	StoppedResponse = "Stopped as requested."
	// DefaultResponse replaces a blank successful output.
	DefaultResponse = "Done."
	// OutcomeSuperseded is the RunFinished outcome of a run displaced by a newer one.
	OutcomeSuperseded = "superseded"
	// DefaultRunTimeout bounds a run when the configuration does not say otherwise.
	DefaultRunTimeout = 30 * time.Minute

	stopTimeout = 30 * time.Second
)

var (
	// ErrShuttingDown is returned by Dispatch after Shutdown has begun.
	ErrShuttingDown = errors.New("coordinator is shutting down")

	errRunAbandoned = errors.New("session handler exited before the run finished")
)

// Workspaces acquires an isolated working copy for a work item.
type Workspaces interface {
	Acquire(ctx context.Context, workItemID, repoPath string) (workspace.Handle, error)
}

// Config configures the Coordinator.
type Config struct {
	// RepoPath is the repository working copies are created from, and the fallback working
	// directory when provisioning fails.
	RepoPath string
	// RunTimeout stops runs that have not finished in time. Zero disables the bound.
	RunTimeout time.Duration
	Ambient    Ambient
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPublisher publishes lifecycle events on the bus.
func WithPublisher(publisher events.Publisher) Option {
	return func(c *Coordinator) {
		if publisher != nil {
			c.publisher = publisher
		}
	}
}

// WithTracer configures the tracer used for session.handle spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithMapper overrides the progress mapper.
func WithMapper(mapper activity.Mapper) Option {
	return func(c *Coordinator) {
		c.mapper = mapper
	}
}

// Coordinator handles inbound events, one goroutine per event.
type Coordinator struct {
	capability harness.Capability
	workspaces Workspaces
	resolver   AgentResolver
	sink       activity.Sink
	deliverer  *activity.Deliverer
	mapper     activity.Mapper
	registry   *Registry
	publisher  events.Publisher
	logger     *log.Logger
	tracer     trace.Tracer
	cfg        Config
	now        func() time.Time
	newRunID   func() string

	mu           sync.Mutex
	inflight     sync.WaitGroup
	shuttingDown bool
	// busy counts handlers per work item between acknowledgment and return.
	busy map[string]int
}

// New builds a Coordinator with its required collaborators.
func New(
	capability harness.Capability,
	workspaces Workspaces,
	resolver AgentResolver,
	sink activity.Sink,
	cfg Config,
	options ...Option,
) (*Coordinator, error) {
	if capability == nil {
		return nil, errors.New("execution capability is required")
	}
	if workspaces == nil {
		return nil, errors.New("workspace provisioner is required")
	}
	if resolver == nil {
		return nil, errors.New("agent resolver is required")
	}
	if sink == nil {
		return nil, errors.New("activity sink is required")
	}
	if strings.TrimSpace(cfg.RepoPath) == "" {
		return nil, errors.New("repository path is required")
	}
	if cfg.RunTimeout < 0 {
		return nil, fmt.Errorf("run timeout must not be negative, got %s", cfg.RunTimeout)
	}

	c := &Coordinator{
		capability: capability,
		workspaces: workspaces,
		resolver:   resolver,
		sink:       sink,
		registry:   NewRegistry(),
		publisher:  events.Discard,
		logger:     log.New(io.Discard),
		tracer:     otel.Tracer("sessiond/session"),
		cfg:        cfg,
		now:        time.Now,
		newRunID:   uuid.NewString,
		busy:       make(map[string]int),
	}
	for _, option := range options {
		if option != nil {
			option(c)
		}
	}
	c.deliverer = activity.NewDeliverer(sink, activity.WithLogger(c.logger), activity.WithPublisher(c.publisher))
	return c, nil
}

// Registry exposes the session registry for diagnostics.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// ActiveSessions lists the sessions with an executing run.
func (c *Coordinator) ActiveSessions() []ActiveSession {
	return c.registry.Snapshot()
}

// BusyWorkItems lists work items with a handler in flight, including handlers still
// provisioning a working copy and not yet registered.
func (c *Coordinator) BusyWorkItems() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.busy))
	for workItemID := range c.busy {
		out = append(out, workItemID)
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) markBusy(workItemID string) func() {
	c.mu.Lock()
	c.busy[workItemID]++
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.busy[workItemID]--; c.busy[workItemID] <= 0 {
			delete(c.busy, workItemID)
		}
	}
}

// Dispatch validates event and handles it on its own goroutine. The handler outlives ctx's
// cancellation but keeps its values.
func (c *Coordinator) Dispatch(ctx context.Context, event InboundEvent) error {
	if err := event.Validate(); err != nil {
		c.reject(event, err)
		return err
	}
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	c.inflight.Add(1)
	c.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer c.inflight.Done()
		_ = c.Handle(detached, event)
	}()
	return nil
}

// Shutdown stops every registered run and waits for in-flight handlers or ctx expiry.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shuttingDown = true
	c.mu.Unlock()

	for _, run := range c.registry.runs() {
		if err := run.Stop(ctx); err != nil {
			c.logger.Warn("stop run during shutdown", "err", err)
		}
	}

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight sessions: %w", ctx.Err())
	}
}

// Handle processes one inbound event to completion.
//
// Execution errors are reported to the tracker and returned; provisioning errors degrade
// the run to the repository root; activity delivery errors are only logged.
func (c *Coordinator) Handle(ctx context.Context, event InboundEvent) (err error) {
	if err := event.Validate(); err != nil {
		c.reject(event, err)
		return err
	}
	sessionID := event.SessionID
	logger := c.logger.With("session_id", sessionID, "work_item", event.WorkItem.ID)

	if event.Trigger == TriggerStop {
		c.stop(ctx, sessionID, logger)
		return nil
	}

	defer c.markBusy(event.WorkItem.ID)()

	runID := c.newRunID()
	logger = logger.With("run_id", runID)
	ctx, span := c.tracer.Start(ctx, "session.handle", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("work_item_id", event.WorkItem.ID),
		attribute.String("run_id", runID),
		attribute.String("trigger", string(event.Trigger)),
	))
	defer span.End()

	machine, err := state.NewMachine(sessionID, state.WithPublisher(c.publisher))
	if err != nil {
		return err
	}

	var (
		registered bool
		token      uint64
		startedAt  time.Time
	)
	defer func() {
		if !registered {
			return
		}
		c.registry.StopRequested(token)
		if !c.registry.Release(sessionID, token) {
			return
		}
		c.publisher.Publish(events.SessionEvent(
			events.EventTypeRunFinished,
			sessionID,
			events.SeverityInfo,
			events.RunFinishedPayload{Outcome: string(machine.Current()), Duration: c.now().Sub(startedAt)},
		))
	}()
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		logger.Error("session handler panic", "panic", recovered, "stack", string(debug.Stack()))
		err = fmt.Errorf("session %s: panic: %v", sessionID, recovered)
		c.fail(ctx, machine, sessionID, "Internal error while handling the request.", err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}()

	c.transition(ctx, machine, state.Acknowledged, "event received", logger)
	c.deliverer.Deliver(ctx, sessionID, activity.Thought(acknowledgment(event)))

	def, err := c.resolver.Resolve(ctx, event)
	if err != nil {
		err = fmt.Errorf("resolve agent: %w", err)
		logger.Error("resolve agent definition", "err", err)
		c.fail(ctx, machine, sessionID, "Could not resolve an agent for this request: "+err.Error(), err.Error())
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logger = logger.With("agent", def.Name)

	c.transition(ctx, machine, state.Provisioning, "acquiring workspace", logger)
	workDir := c.provision(ctx, event, logger)
	invariants.CheckRunIsolated(ctx, "session.Coordinator.Handle", workDir, c.cfg.RepoPath)

	execCtx := BuildContext(def, workDir, c.cfg.Ambient)
	message := BuildMessage(event)
	_, agentRun := telemetry.StartAgentRun(ctx, telemetry.AgentRunRequest{
		SessionID: sessionID,
		Agent:     def.Name,
		Model:     execCtx.Model,
		Prompt:    message,
	})
	defer agentRun.End("", errRunAbandoned)

	run, err := c.capability.Start(ctx, message, execCtx)
	if err != nil {
		err = fmt.Errorf("start run: %w", err)
		agentRun.End("", err)
		logger.Error("start agent run", "err", err)
		c.fail(ctx, machine, sessionID, "Failed to start the agent: "+telemetry.Redact(err.Error()), err.Error())
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	startedAt = c.now()
	var previous Displaced
	var displaced bool
	token, previous, displaced = c.registry.Register(sessionID, event.WorkItem.ID, run, startedAt)
	registered = true
	c.publisher.Publish(events.SessionEvent(events.EventTypeRunStarted, sessionID, events.SeverityInfo, nil))
	if !invariants.CheckSingleRunPerSession(ctx, "session.Coordinator.Handle", sessionID, displaced) {
		c.supersede(ctx, sessionID, previous, logger)
	}
	c.transition(ctx, machine, state.Executing, "run started", logger)
	logger.Info("run started", "work_dir", workDir)
	if c.isShuttingDown() {
		// Registered after Shutdown collected the runs it stops.
		c.stopRun(ctx, run, logger, "stop run during shutdown")
	}

	var timedOut atomic.Bool
	if c.cfg.RunTimeout > 0 {
		timer := time.AfterFunc(c.cfg.RunTimeout, func() {
			timedOut.Store(true)
			c.stopRun(context.Background(), run, logger, "stop timed-out run")
		})
		defer timer.Stop()
	}

	for progress := range run.Progress() {
		switch p := progress.(type) {
		case harness.ToolUse:
			agentRun.RecordToolUse(p.Name)
		case harness.Failure:
			agentRun.RecordFailure(p.Message)
			logger.Warn("agent reported failure", "detail", telemetry.Redact(p.Message))
		}
		if a, ok := c.mapper.Map(progress); ok {
			c.deliverer.Deliver(ctx, sessionID, a)
		}
	}
	outcome := run.Wait()
	stopRequested := c.registry.StopRequested(token)
	if outcome.Stopped() && !timedOut.Load() {
		agentRun.End(outcome.Output, nil)
	} else {
		agentRun.End(outcome.Output, outcome.Err)
	}

	switch {
	case timedOut.Load():
		err = fmt.Errorf("run timed out after %s", c.cfg.RunTimeout)
		logger.Warn("run timed out", "timeout", c.cfg.RunTimeout)
		c.fail(ctx, machine, sessionID, "Run timed out after "+c.cfg.RunTimeout.String()+".", err.Error())
		span.SetStatus(codes.Error, err.Error())
		return err
	case outcome.Stopped():
		c.transition(ctx, machine, state.Stopped, "stop requested", logger)
		if stopRequested {
			c.deliverer.Deliver(ctx, sessionID, activity.Response(StoppedResponse))
		}
		logger.Info("run stopped")
		span.SetStatus(codes.Ok, "run stopped")
		return nil
	case outcome.Success:
		response := strings.TrimSpace(outcome.Output)
		if response == "" {
			response = DefaultResponse
		}
		c.deliverer.Deliver(ctx, sessionID, activity.Response(response))
		c.transition(ctx, machine, state.Completed, "run succeeded", logger)
		logger.Info("run completed")
		span.SetStatus(codes.Ok, "run completed")
		return nil
	default:
		detail := failureDetail(outcome)
		err = fmt.Errorf("run failed: %s", detail)
		logger.Error("run failed", "err", outcome.Err)
		c.fail(ctx, machine, sessionID, detail, detail)
		span.SetStatus(codes.Error, detail)
		return err
	}
}

func (c *Coordinator) isShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shuttingDown
}

func (c *Coordinator) stopRun(ctx context.Context, run harness.Run, logger *log.Logger, msg string) {
	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	if err := run.Stop(stopCtx); err != nil {
		logger.Warn(msg, "err", err)
	}
}

// stop ends the session's run. The run's own handler sends the stopped response once it
// has delivered everything the run produced.
func (c *Coordinator) stop(ctx context.Context, sessionID string, logger *log.Logger) {
	taken, ok := c.registry.Take(sessionID)
	if !ok {
		logger.Debug("stop signal for idle session ignored")
		return
	}
	c.stopRun(ctx, taken.Run, logger, "stop run")
	c.publisher.Publish(events.SessionEvent(
		events.EventTypeRunFinished,
		sessionID,
		events.SeverityInfo,
		events.RunFinishedPayload{Outcome: string(state.Stopped), Duration: c.now().Sub(taken.StartedAt)},
	))
	logger.Info("run stopped by request")
}

func (c *Coordinator) supersede(ctx context.Context, sessionID string, previous Displaced, logger *log.Logger) {
	logger.Warn("newer run supersedes registered run")
	c.publisher.Publish(events.SessionEvent(events.EventTypeRunSuperseded, sessionID, events.SeverityWarn, nil))
	c.publisher.Publish(events.SessionEvent(
		events.EventTypeRunFinished,
		sessionID,
		events.SeverityInfo,
		events.RunFinishedPayload{Outcome: OutcomeSuperseded, Duration: c.now().Sub(previous.StartedAt)},
	))
	c.stopRun(ctx, previous.Run, logger, "stop superseded run")
}

func (c *Coordinator) provision(ctx context.Context, event InboundEvent, logger *log.Logger) string {
	handle, err := c.workspaces.Acquire(ctx, event.WorkItem.ID, c.cfg.RepoPath)
	if err != nil {
		logger.Warn("workspace provisioning failed; running in repository root", "err", err, "repo", c.cfg.RepoPath)
		c.publisher.Publish(events.SessionEvent(
			events.EventTypeWorkspaceDegraded,
			event.SessionID,
			events.SeverityWarn,
			err.Error(),
		))
		return c.cfg.RepoPath
	}
	c.publisher.Publish(events.SessionEvent(
		events.EventTypeWorkspaceAcquired,
		event.SessionID,
		events.SeverityInfo,
		handle,
	))
	logger.Debug("workspace acquired", "path", handle.Path, "branch", handle.Branch)
	return handle.Path
}

// fail sends a best-effort error activity and moves the session to Failed.
func (c *Coordinator) fail(ctx context.Context, machine *state.Machine, sessionID, message, reason string) {
	c.deliverer.Deliver(ctx, sessionID, activity.Error(message))
	if machine.Current().Terminal() {
		return
	}
	_ = machine.Transition(ctx, state.Failed, reason)
}

func (c *Coordinator) transition(ctx context.Context, machine *state.Machine, next state.State, reason string, logger *log.Logger) {
	if err := machine.Transition(ctx, next, reason); err != nil {
		logger.Warn("session state transition rejected", "err", err)
	}
}

func (c *Coordinator) reject(event InboundEvent, err error) {
	c.logger.Warn("dropping inbound event", "session_id", event.SessionID, "work_item", event.WorkItem.ID, "err", err)
	c.publisher.Publish(events.SessionEvent(events.EventTypeEventRejected, event.SessionID, events.SeverityWarn, err.Error()))
}

func acknowledgment(event InboundEvent) string {
	identifier := strings.TrimSpace(event.WorkItem.Identifier)
	if identifier == "" {
		identifier = event.WorkItem.ID
	}
	return fmt.Sprintf("Picked up %s. Getting started.", identifier)
}

func failureDetail(outcome harness.Outcome) string {
	if outcome.Err != nil {
		return telemetry.Redact(outcome.Err.Error())
	}
	if output := strings.TrimSpace(outcome.Output); output != "" {
		return telemetry.Redact(output)
	}
	return "The agent run failed without reporting a reason."
}
