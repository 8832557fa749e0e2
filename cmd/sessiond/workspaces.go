package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/ship-commander/sessiond/internal/config"
	"github.com/ship-commander/sessiond/internal/workspace"
)

const defaultPruneAge = 7 * 24 * time.Hour

func newWorkspacesCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "workspaces",
		Short: "Inspect and clean up per-work-item working copies",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List working copies under the workspace base directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			provisioner, repoPath, err := newProvisioner(cfg, newRuntimeDeps(cfg).provider, logger)
			if err != nil {
				return err
			}
			handles, err := provisioner.List(cmd.Context(), repoPath)
			if err != nil {
				return err
			}
			return writeHandles(cmd.OutOrStdout(), handles)
		},
	}

	release := &cobra.Command{
		Use:   "release <work-item>",
		Short: "Remove the working copy for a work item, keeping its branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provisioner, repoPath, err := newProvisioner(cfg, newRuntimeDeps(cfg).provider, logger)
			if err != nil {
				return err
			}
			handle, err := provisioner.Lookup(cmd.Context(), args[0], repoPath)
			if err != nil {
				return err
			}
			provisioner.Release(cmd.Context(), args[0], repoPath)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "released %s (branch %s kept)\n", handle.Path, handle.Branch)
			return err
		},
	}

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Remove working copies idle for longer than --older-than",
		Long: "Remove working copies whose directory has not been modified for longer than --older-than.\n" +
			"Working copies owned by a running serve process are not consulted; prefer workspace.prune_after there.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			provisioner, repoPath, err := newProvisioner(cfg, newRuntimeDeps(cfg).provider, logger)
			if err != nil {
				return err
			}
			pruned, err := provisioner.Prune(cmd.Context(), repoPath, olderThan)
			if err != nil {
				return err
			}
			if len(pruned) == 0 {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "nothing to prune")
				return err
			}
			return writeHandles(cmd.OutOrStdout(), pruned)
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", defaultPruneAge, "minimum idle time before a working copy is removed")

	root.AddCommand(list, release, prune)
	return root
}

func writeHandles(out io.Writer, handles []workspace.Handle) error {
	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(writer, "WORK ITEM\tBRANCH\tMODIFIED\tPATH"); err != nil {
		return err
	}
	for _, handle := range handles {
		modified := "-"
		if !handle.CreatedAt.IsZero() {
			modified = handle.CreatedAt.UTC().Format(time.RFC3339)
		}
		if _, err := fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", handle.WorkItemID, handle.Branch, modified, handle.Path); err != nil {
			return err
		}
	}
	return writer.Flush()
}
