package harness

import (
	"context"
	"errors"
)

// ErrStopped marks an outcome produced by Run.Stop rather than by the agent itself.
var ErrStopped = errors.New("run stopped")

// IntegrationType identifies how an external integration is reached by the agent.
type IntegrationType string

const (
	// IntegrationStdio launches the integration as a local subprocess.
	IntegrationStdio IntegrationType = "stdio"
	// IntegrationHTTP reaches the integration over HTTP.
	IntegrationHTTP IntegrationType = "http"
)

// Integration describes one external tool server made available to the agent.
type Integration struct {
	Type    IntegrationType   `json:"type"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Context is everything one run needs besides the message. It is built per run and never persisted.
type Context struct {
	WorkingDirectory string
	Instructions     string
	Model            string
	AllowedTools     []string
	DisallowedTools  []string
	Integrations     map[string]Integration
	PermissionMode   string
	MaxTurns         int
	Environment      map[string]string
}

// Outcome is the terminal result of one run.
type Outcome struct {
	Success bool
	Output  string
	Err     error
}

// Stopped reports whether the run ended because Stop was called.
func (o Outcome) Stopped() bool {
	return errors.Is(o.Err, ErrStopped)
}

// Run is a handle to one in-flight execution.
//
// Progress is closed once the agent has produced its last event; Wait then returns the
// outcome. Consumers may stop reading Progress at any time: producers block rather than
// buffer without bound, and Stop releases them.
type Run interface {
	Progress() <-chan ProgressEvent
	Wait() Outcome
	Stop(ctx context.Context) error
}

// Capability starts agent runs.
type Capability interface {
	Start(ctx context.Context, message string, execCtx Context) (Run, error)
}
