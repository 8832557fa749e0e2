package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultListenAddr         = "127.0.0.1:8787"
	defaultRunTimeout         = 30 * time.Minute
	defaultBranchPrefix       = "sessiond/"
	defaultAgentName          = "engineer"
	defaultTrackerIntegration = "tracker"
	defaultTrackerTokenEnv    = "SESSIOND_TRACKER_TOKEN"
	defaultClaudeBinary       = "claude"
	defaultLogMaxFiles        = 5
	defaultHealthInterval     = time.Minute

	// Dir is the directory name holding sessiond state under the home and project roots.
	Dir = ".sessiond"
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	RepoPath    string
	ListenAddr  string
	RunTimeout  time.Duration
	LogMaxFiles int
	Workspace   WorkspaceConfig
	Agent       AgentConfig
	Tracker     TrackerConfig
	Claude      ClaudeConfig
	Telemetry   TelemetryConfig
}

// WorkspaceConfig controls where per-work-item working copies live.
type WorkspaceConfig struct {
	BaseDir        string
	BranchPrefix   string
	// PruneAfter releases working copies without a live session once idle this long. Zero disables.
	PruneAfter     time.Duration
	HealthInterval time.Duration
}

// AgentConfig is the statically configured agent profile.
type AgentConfig struct {
	Name            string
	Instructions    string
	Model           string
	AllowedTools    []string
	DisallowedTools []string
	PermissionMode  string
	MaxTurns        int
	Env             map[string]string
	Integrations    map[string]IntegrationConfig
}

// IntegrationConfig declares one tool server for the agent.
type IntegrationConfig struct {
	Type    string
	Command string
	Args    []string
	URL     string
	Headers map[string]string
}

// TrackerConfig locates the tracker's tool endpoint and the credential used to reach it.
type TrackerConfig struct {
	IntegrationName string
	MCPURL          string
	TokenEnv        string
}

// ClaudeConfig configures the agent CLI.
type ClaudeConfig struct {
	Binary string
}

// TelemetryConfig points span export at an OTLP collector. OTEL_EXPORTER_OTLP_ENDPOINT wins over Endpoint.
type TelemetryConfig struct {
	Endpoint    string
	Environment string
}

type fileConfig struct {
	RepoPath    *string              `toml:"repo_path"`
	ListenAddr  *string              `toml:"listen_addr"`
	RunTimeout  *string              `toml:"run_timeout"`
	LogMaxFiles *int                 `toml:"log_max_files"`
	Workspace   *workspaceFileConfig `toml:"workspace"`
	Agent       *agentFileConfig     `toml:"agent"`
	Tracker     *trackerFileConfig   `toml:"tracker"`
	Claude      *claudeFileConfig    `toml:"claude"`
	OTEL        *otelFileConfig      `toml:"otel"`
}

type otelFileConfig struct {
	Endpoint    *string `toml:"endpoint"`
	Environment *string `toml:"environment"`
}

type workspaceFileConfig struct {
	BaseDir        *string `toml:"base_dir"`
	BranchPrefix   *string `toml:"branch_prefix"`
	PruneAfter     *string `toml:"prune_after"`
	HealthInterval *string `toml:"health_interval"`
}

type agentFileConfig struct {
	Name            *string                          `toml:"name"`
	Instructions    *string                          `toml:"instructions"`
	Model           *string                          `toml:"model"`
	AllowedTools    []string                         `toml:"allowed_tools"`
	DisallowedTools []string                         `toml:"disallowed_tools"`
	PermissionMode  *string                          `toml:"permission_mode"`
	MaxTurns        *int                             `toml:"max_turns"`
	Env             map[string]string                `toml:"env"`
	Integrations    map[string]integrationFileConfig `toml:"integrations"`
}

type integrationFileConfig struct {
	Type    string            `toml:"type"`
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	URL     string            `toml:"url"`
	Headers map[string]string `toml:"headers"`
}

type trackerFileConfig struct {
	IntegrationName *string `toml:"integration_name"`
	MCPURL          *string `toml:"mcp_url"`
	TokenEnv        *string `toml:"token_env"`
}

type claudeFileConfig struct {
	Binary *string `toml:"binary"`
}

// Load reads config from ~/.sessiond/config.toml and overlays a project-local .sessiond/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	_ = ctx
	return LoadFiles(
		filepath.Join(homeDir, Dir, "config.toml"),
		filepath.Join(workingDir, Dir, "config.toml"),
	)
}

// LoadFiles overlays each existing file in order on top of the defaults. Missing files are skipped.
func LoadFiles(paths ...string) (*Config, error) {
	cfg := defaults()
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddr:  defaultListenAddr,
		RunTimeout:  defaultRunTimeout,
		LogMaxFiles: defaultLogMaxFiles,
		Workspace: WorkspaceConfig{
			BranchPrefix:   defaultBranchPrefix,
			HealthInterval: defaultHealthInterval,
		},
		Agent:       AgentConfig{Name: defaultAgentName},
		Tracker: TrackerConfig{
			IntegrationName: defaultTrackerIntegration,
			TokenEnv:        defaultTrackerTokenEnv,
		},
		Claude: ClaudeConfig{Binary: defaultClaudeBinary},
	}
}

// Validate rejects settings no run could use.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if c.RunTimeout < 0 {
		return fmt.Errorf("run_timeout must not be negative, got %s", c.RunTimeout)
	}
	if c.Workspace.PruneAfter < 0 {
		return fmt.Errorf("workspace.prune_after must not be negative, got %s", c.Workspace.PruneAfter)
	}
	if c.Workspace.HealthInterval <= 0 {
		return fmt.Errorf("workspace.health_interval must be positive, got %s", c.Workspace.HealthInterval)
	}
	if c.Agent.MaxTurns < 0 {
		return fmt.Errorf("agent.max_turns must not be negative, got %d", c.Agent.MaxTurns)
	}
	if strings.TrimSpace(c.Agent.Name) == "" {
		return errors.New("agent.name must not be empty")
	}
	for name, integration := range c.Agent.Integrations {
		switch integration.Type {
		case "stdio":
			if strings.TrimSpace(integration.Command) == "" {
				return fmt.Errorf("agent.integrations.%s: stdio integration needs a command", name)
			}
		case "http":
			if strings.TrimSpace(integration.URL) == "" {
				return fmt.Errorf("agent.integrations.%s: http integration needs a url", name)
			}
		default:
			return fmt.Errorf("agent.integrations.%s: unsupported type %q", name, integration.Type)
		}
	}
	return nil
}

// ResolveRepoPath returns the configured repository path, or the working directory when unset.
func (c *Config) ResolveRepoPath() (string, error) {
	path := strings.TrimSpace(c.RepoPath)
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		path = wd
	}
	abs, err := filepath.Abs(expandHome(path))
	if err != nil {
		return "", fmt.Errorf("resolve repo_path %q: %w", path, err)
	}
	return abs, nil
}

// ResolveWorkspaceBaseDir returns the configured base directory, defaulting to ~/.sessiond/workspaces.
func (c *Config) ResolveWorkspaceBaseDir() (string, error) {
	if dir := strings.TrimSpace(c.Workspace.BaseDir); dir != "" {
		return filepath.Abs(expandHome(dir))
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, Dir, "workspaces"), nil
}

// TrackerToken reads the tracker credential from the configured environment variable.
func (c *Config) TrackerToken() string {
	name := strings.TrimSpace(c.Tracker.TokenEnv)
	if name == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(name))
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return fmt.Errorf("decode config file %q: unsupported keys %s", path, strings.Join(keys, ", "))
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyLogOverrides(cfg, decoded, path); err != nil {
		return err
	}
	applyAgentOverrides(cfg, decoded.Agent)
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	setString(&cfg.RepoPath, decoded.RepoPath)
	setString(&cfg.ListenAddr, decoded.ListenAddr)
	if ws := decoded.Workspace; ws != nil {
		setString(&cfg.Workspace.BaseDir, ws.BaseDir)
		setString(&cfg.Workspace.BranchPrefix, ws.BranchPrefix)
	}
	if tracker := decoded.Tracker; tracker != nil {
		setString(&cfg.Tracker.IntegrationName, tracker.IntegrationName)
		setString(&cfg.Tracker.MCPURL, tracker.MCPURL)
		setString(&cfg.Tracker.TokenEnv, tracker.TokenEnv)
	}
	if claude := decoded.Claude; claude != nil {
		setString(&cfg.Claude.Binary, claude.Binary)
	}
	if otel := decoded.OTEL; otel != nil {
		setString(&cfg.Telemetry.Endpoint, otel.Endpoint)
		setString(&cfg.Telemetry.Environment, otel.Environment)
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.RunTimeout != nil {
		value, err := parseDuration(*decoded.RunTimeout, "run_timeout", path)
		if err != nil {
			return err
		}
		cfg.RunTimeout = value
	}
	ws := decoded.Workspace
	if ws == nil {
		return nil
	}
	if ws.PruneAfter != nil {
		value, err := parseDuration(*ws.PruneAfter, "workspace.prune_after", path)
		if err != nil {
			return err
		}
		cfg.Workspace.PruneAfter = value
	}
	if ws.HealthInterval != nil {
		value, err := parseDuration(*ws.HealthInterval, "workspace.health_interval", path)
		if err != nil {
			return err
		}
		cfg.Workspace.HealthInterval = value
	}
	return nil
}

func applyLogOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.LogMaxFiles != nil {
		if *decoded.LogMaxFiles <= 0 {
			return fmt.Errorf("parse log_max_files in %q: must be > 0", path)
		}
		cfg.LogMaxFiles = *decoded.LogMaxFiles
	}
	return nil
}

// applyAgentOverrides replaces lists wholesale and merges maps key by key.
func applyAgentOverrides(cfg *Config, agent *agentFileConfig) {
	if agent == nil {
		return
	}
	setString(&cfg.Agent.Name, agent.Name)
	setString(&cfg.Agent.Instructions, agent.Instructions)
	setString(&cfg.Agent.Model, agent.Model)
	setString(&cfg.Agent.PermissionMode, agent.PermissionMode)
	if agent.MaxTurns != nil {
		cfg.Agent.MaxTurns = *agent.MaxTurns
	}
	if agent.AllowedTools != nil {
		cfg.Agent.AllowedTools = normalizeList(agent.AllowedTools)
	}
	if agent.DisallowedTools != nil {
		cfg.Agent.DisallowedTools = normalizeList(agent.DisallowedTools)
	}
	for key, value := range agent.Env {
		if cfg.Agent.Env == nil {
			cfg.Agent.Env = map[string]string{}
		}
		cfg.Agent.Env[key] = value
	}
	for name, integration := range agent.Integrations {
		if cfg.Agent.Integrations == nil {
			cfg.Agent.Integrations = map[string]IntegrationConfig{}
		}
		cfg.Agent.Integrations[normalizeKey(name)] = IntegrationConfig{
			Type:    normalizeKey(integration.Type),
			Command: strings.TrimSpace(integration.Command),
			Args:    append([]string(nil), integration.Args...),
			URL:     strings.TrimSpace(integration.URL),
			Headers: integration.Headers,
		}
	}
}

func setString(target *string, value *string) {
	if value != nil {
		*target = strings.TrimSpace(*value)
	}
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
}
