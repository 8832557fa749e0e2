package main

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/ship-commander/sessiond/internal/config"
	"github.com/ship-commander/sessiond/internal/harness"
)

var doctorCheckFn = harness.CheckAvailability

func newDoctorCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Report git and agent CLI availability and the working copies on disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), cfg, logger, cmd.OutOrStdout())
		},
	}
}

func runDoctor(ctx context.Context, cfg *config.Config, logger *log.Logger, out io.Writer) error {
	availability, warnings, checkErr := doctorCheckFn(cfg.Claude.Binary)

	lines := []string{
		availabilityLine("git", availability.Git, ""),
		availabilityLine(availability.AgentBinary, availability.Agent, availability.AgentPath),
	}
	for _, warning := range warnings {
		lines = append(lines, "warning: "+warning)
	}
	if cfg.TrackerToken() == "" {
		lines = append(lines, fmt.Sprintf("warning: %s is empty; the tracker integration will not be added", cfg.Tracker.TokenEnv))
	}

	if availability.Git {
		provisioner, repoPath, err := newProvisioner(cfg, newRuntimeDeps(cfg).provider, logger)
		if err != nil {
			return err
		}
		handles, err := provisioner.List(ctx, repoPath)
		if err != nil {
			lines = append(lines, fmt.Sprintf("workspaces: unavailable (%v)", err))
		} else {
			lines = append(lines, fmt.Sprintf("workspaces: %d under %s", len(handles), provisioner.BaseDir()))
		}
	}

	for _, line := range lines {
		if _, err := fmt.Fprintln(out, line); err != nil {
			return fmt.Errorf("write doctor output: %w", err)
		}
	}
	return checkErr
}

func availabilityLine(name string, ok bool, path string) string {
	switch {
	case !ok:
		return fmt.Sprintf("%s: missing", name)
	case path != "":
		return fmt.Sprintf("%s: ok (%s)", name, path)
	default:
		return fmt.Sprintf("%s: ok", name)
	}
}
