package main

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/ship-commander/sessiond/internal/activity"
	"github.com/ship-commander/sessiond/internal/config"
	"github.com/ship-commander/sessiond/internal/events"
	"github.com/ship-commander/sessiond/internal/harness"
	"github.com/ship-commander/sessiond/internal/harness/claude"
	"github.com/ship-commander/sessiond/internal/session"
	"github.com/ship-commander/sessiond/internal/workspace"
)

// runtimeDeps are the process-facing collaborators swapped out in tests.
type runtimeDeps struct {
	capability harness.Capability
	provider   workspace.WorkingCopyProvider
}

var newRuntimeDeps = func(cfg *config.Config) runtimeDeps {
	return runtimeDeps{
		capability: claude.New(claude.DriverConfig{
			Binary:       cfg.Claude.Binary,
			DefaultModel: cfg.Agent.Model,
		}),
		provider: workspace.NewGitProvider(),
	}
}

type sessionRuntime struct {
	repoPath    string
	provisioner *workspace.Provisioner
	coordinator *session.Coordinator
}

func newProvisioner(cfg *config.Config, provider workspace.WorkingCopyProvider, logger *log.Logger) (*workspace.Provisioner, string, error) {
	repoPath, err := cfg.ResolveRepoPath()
	if err != nil {
		return nil, "", fmt.Errorf("resolve repo path: %w", err)
	}
	baseDir, err := cfg.ResolveWorkspaceBaseDir()
	if err != nil {
		return nil, "", fmt.Errorf("resolve workspace base dir: %w", err)
	}
	provisioner, err := workspace.NewProvisioner(provider, workspace.Config{
		BaseDir:      baseDir,
		BranchPrefix: cfg.Workspace.BranchPrefix,
	}, logger)
	if err != nil {
		return nil, "", fmt.Errorf("build workspace provisioner: %w", err)
	}
	return provisioner, repoPath, nil
}

func newRuntime(
	cfg *config.Config,
	deps runtimeDeps,
	sink activity.Sink,
	publisher events.Publisher,
	logger *log.Logger,
) (*sessionRuntime, error) {
	provisioner, repoPath, err := newProvisioner(cfg, deps.provider, logger)
	if err != nil {
		return nil, err
	}
	coordinator, err := session.New(
		deps.capability,
		provisioner,
		session.StaticAgent{Definition: agentDefinition(cfg.Agent)},
		sink,
		session.Config{
			RepoPath:   repoPath,
			RunTimeout: cfg.RunTimeout,
			Ambient: session.Ambient{
				TrackerIntegrationName: cfg.Tracker.IntegrationName,
				TrackerURL:             cfg.Tracker.MCPURL,
				TrackerToken:           cfg.TrackerToken(),
			},
		},
		session.WithLogger(logger),
		session.WithPublisher(publisher),
	)
	if err != nil {
		return nil, fmt.Errorf("build session coordinator: %w", err)
	}
	return &sessionRuntime{
		repoPath:    repoPath,
		provisioner: provisioner,
		coordinator: coordinator,
	}, nil
}

func agentDefinition(agent config.AgentConfig) session.AgentDefinition {
	integrations := make(map[string]harness.Integration, len(agent.Integrations))
	for name, integration := range agent.Integrations {
		integrations[name] = harness.Integration{
			Type:    harness.IntegrationType(integration.Type),
			Command: integration.Command,
			Args:    integration.Args,
			URL:     integration.URL,
			Headers: integration.Headers,
		}
	}
	return session.AgentDefinition{
		Name:            agent.Name,
		Instructions:    agent.Instructions,
		Model:           agent.Model,
		AllowedTools:    agent.AllowedTools,
		DisallowedTools: agent.DisallowedTools,
		PermissionMode:  agent.PermissionMode,
		MaxTurns:        agent.MaxTurns,
		Environment:     agent.Env,
		Integrations:    integrations,
	}
}
