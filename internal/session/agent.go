package session

import (
	"context"
	"errors"
	"strings"

	"github.com/ship-commander/sessiond/internal/harness"
)

// DefaultTrackerIntegration is the integration name the tracker endpoint is registered under.
const DefaultTrackerIntegration = "tracker"

// AgentDefinition is the statically configured agent profile applied to a run.
type AgentDefinition struct {
	Name            string
	Instructions    string
	Model           string
	AllowedTools    []string
	DisallowedTools []string
	PermissionMode  string
	MaxTurns        int
	Environment     map[string]string
	Integrations    map[string]harness.Integration
}

// AgentResolver picks the agent definition for an event.
type AgentResolver interface {
	Resolve(ctx context.Context, event InboundEvent) (AgentDefinition, error)
}

// StaticAgent resolves every event to one definition.
type StaticAgent struct {
	Definition AgentDefinition
}

// Resolve returns the configured definition.
func (s StaticAgent) Resolve(context.Context, InboundEvent) (AgentDefinition, error) {
	if strings.TrimSpace(s.Definition.Name) == "" {
		return AgentDefinition{}, errors.New("agent definition has no name")
	}
	return s.Definition, nil
}

// Ambient carries process-level credentials merged into every execution context.
type Ambient struct {
	// TrackerIntegrationName defaults to DefaultTrackerIntegration.
	TrackerIntegrationName string
	TrackerURL             string
	TrackerToken           string
}

func (a Ambient) trackerName() string {
	if name := strings.TrimSpace(a.TrackerIntegrationName); name != "" {
		return name
	}
	return DefaultTrackerIntegration
}

// BuildContext merges def with ambient credentials for a run in workDir.
//
// When a tracker token and endpoint are available and def declares no integration under the
// tracker name, an HTTP integration carrying the token as a bearer header is added. Maps
// and slices are copied so runs never share mutable state with the definition.
func BuildContext(def AgentDefinition, workDir string, ambient Ambient) harness.Context {
	integrations := make(map[string]harness.Integration, len(def.Integrations)+1)
	for name, integration := range def.Integrations {
		integrations[name] = copyIntegration(integration)
	}
	token := strings.TrimSpace(ambient.TrackerToken)
	url := strings.TrimSpace(ambient.TrackerURL)
	if token != "" && url != "" {
		name := ambient.trackerName()
		if _, declared := integrations[name]; !declared {
			integrations[name] = harness.Integration{
				Type:    harness.IntegrationHTTP,
				URL:     url,
				Headers: map[string]string{"Authorization": "Bearer " + token},
			}
		}
	}

	return harness.Context{
		WorkingDirectory: workDir,
		Instructions:     def.Instructions,
		Model:            def.Model,
		AllowedTools:     append([]string(nil), def.AllowedTools...),
		DisallowedTools:  append([]string(nil), def.DisallowedTools...),
		Integrations:     integrations,
		PermissionMode:   def.PermissionMode,
		MaxTurns:         def.MaxTurns,
		Environment:      copyStrings(def.Environment),
	}
}

func copyIntegration(in harness.Integration) harness.Integration {
	out := in
	out.Args = append([]string(nil), in.Args...)
	out.Headers = copyStrings(in.Headers)
	return out
}

func copyStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
