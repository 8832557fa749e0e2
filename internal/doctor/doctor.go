// Package doctor runs the periodic health monitor for working copies left behind by finished sessions.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ship-commander/sessiond/internal/events"
	"github.com/ship-commander/sessiond/internal/session"
	"github.com/ship-commander/sessiond/internal/workspace"
)

const (
	defaultHeartbeatInterval = time.Minute
	entityHealth             = "health"
	entityDoctor             = "doctor"
)

// Workspaces lists and releases working copies.
type Workspaces interface {
	List(ctx context.Context, repoPath string) ([]workspace.Handle, error)
	// ReleaseIdle removes the working copy unless it was modified after idleSince.
	ReleaseIdle(ctx context.Context, workItemID, repoPath string, idleSince time.Time) bool
}

// Sessions reports the sessions that currently own a run, and work items whose
// run is still being set up.
type Sessions interface {
	ActiveSessions() []session.ActiveSession
	BusyWorkItems() []string
}

// Config controls heartbeat cadence and idle pruning.
type Config struct {
	RepoPath          string
	HeartbeatInterval time.Duration
	// PruneAfter releases orphaned working copies idle for longer than this. Zero only reports them.
	PruneAfter time.Duration
}

// HealthReport is produced on every heartbeat.
type HealthReport struct {
	ActiveSessions  int       `json:"active_sessions"`
	Workspaces      int       `json:"workspaces"`
	Orphaned        int       `json:"orphaned"`
	Pruned          []string  `json:"pruned,omitempty"`
	DoctorHeartbeat time.Time `json:"doctor_heartbeat"`
}

// Manager executes health checks on a periodic ticker.
type Manager struct {
	workspaces        Workspaces
	sessions          Sessions
	bus               events.Publisher
	logger            *log.Logger
	repoPath          string
	heartbeatInterval time.Duration
	pruneAfter        time.Duration
	now               func() time.Time
	newTicker         func(time.Duration) *time.Ticker
}

// NewManager builds a Manager. logger may be nil.
func NewManager(workspaces Workspaces, sessions Sessions, bus events.Publisher, logger *log.Logger, cfg Config) (*Manager, error) {
	if workspaces == nil {
		return nil, errors.New("workspace provisioner is required")
	}
	if sessions == nil {
		return nil, errors.New("session source is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if strings.TrimSpace(cfg.RepoPath) == "" {
		return nil, errors.New("repository path is required")
	}
	if cfg.PruneAfter < 0 {
		return nil, fmt.Errorf("prune threshold must not be negative, got %s", cfg.PruneAfter)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Manager{
		workspaces:        workspaces,
		sessions:          sessions,
		bus:               bus,
		logger:            logger.With("component", entityDoctor),
		repoPath:          cfg.RepoPath,
		heartbeatInterval: cfg.HeartbeatInterval,
		pruneAfter:        cfg.PruneAfter,
		now:               time.Now,
		newTicker:         time.NewTicker,
	}, nil
}

// Start runs heartbeat checks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := m.newTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.logger.Warn("health check failed", "err", err)
				m.bus.Publish(events.Event{
					Type:       events.EventTypeSystemAlert,
					Timestamp:  m.now().UTC(),
					EntityType: entityHealth,
					EntityID:   entityDoctor,
					Payload:    map[string]string{"error": err.Error()},
					Severity:   events.SeverityError,
				})
			}
		}
	}
}

// RunOnce executes one health check cycle.
func (m *Manager) RunOnce(ctx context.Context) (HealthReport, error) {
	if m == nil {
		return HealthReport{}, errors.New("doctor manager is nil")
	}

	handles, err := m.workspaces.List(ctx, m.repoPath)
	if err != nil {
		return HealthReport{}, fmt.Errorf("list working copies: %w", err)
	}
	active := m.sessions.ActiveSessions()
	owned := make(map[string]struct{}, len(active))
	for _, entry := range active {
		owned[workspace.Token(entry.WorkItemID)] = struct{}{}
	}
	for _, workItemID := range m.sessions.BusyWorkItems() {
		owned[workspace.Token(workItemID)] = struct{}{}
	}

	now := m.now().UTC()
	report := HealthReport{
		ActiveSessions:  len(active),
		Workspaces:      len(handles),
		DoctorHeartbeat: now,
	}
	for _, handle := range handles {
		if _, busy := owned[workspace.Token(handle.WorkItemID)]; busy {
			continue
		}
		report.Orphaned++
		if !m.shouldPrune(handle, now) {
			continue
		}
		if !m.workspaces.ReleaseIdle(ctx, handle.WorkItemID, m.repoPath, now.Add(-m.pruneAfter)) {
			continue
		}
		report.Pruned = append(report.Pruned, handle.WorkItemID)
		m.publishPruned(handle, now)
	}

	m.bus.Publish(events.Event{
		Type:       events.EventTypeHealthCheck,
		Timestamp:  now,
		EntityType: entityHealth,
		EntityID:   entityDoctor,
		Payload: events.HealthPayload{
			ActiveSessions: report.ActiveSessions,
			Workspaces:     report.Workspaces,
			Orphaned:       report.Orphaned,
			Pruned:         len(report.Pruned),
		},
		Severity: events.SeverityInfo,
	})
	return report, nil
}

func (m *Manager) shouldPrune(handle workspace.Handle, now time.Time) bool {
	if m.pruneAfter <= 0 || handle.CreatedAt.IsZero() {
		return false
	}
	return now.Sub(handle.CreatedAt.UTC()) > m.pruneAfter
}

func (m *Manager) publishPruned(handle workspace.Handle, now time.Time) {
	m.logger.Info("pruned idle working copy", "work_item", handle.WorkItemID, "path", handle.Path)
	m.bus.Publish(events.Event{
		Type:       events.EventTypeWorkspacePruned,
		Timestamp:  now,
		EntityType: "workspace",
		EntityID:   handle.WorkItemID,
		Payload: map[string]string{
			"path":   handle.Path,
			"branch": handle.Branch,
		},
		Severity: events.SeverityWarn,
	})
}
