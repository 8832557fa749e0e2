package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/ship-commander/sessiond/internal/activity"
	"github.com/ship-commander/sessiond/internal/config"
	"github.com/ship-commander/sessiond/internal/events"
	"github.com/ship-commander/sessiond/internal/session"
)

func newDispatchCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var eventPath string
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one inbound event to completion and print its activity trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDispatch(cmd.Context(), cfg, logger, eventPath, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&eventPath, "event", "", "path to an event JSON document, or - for stdin")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func runDispatch(
	ctx context.Context,
	cfg *config.Config,
	logger *log.Logger,
	eventPath string,
	stdin io.Reader,
	out io.Writer,
) error {
	event, err := readEvent(eventPath, stdin)
	if err != nil {
		return err
	}

	recorder := activity.NewRecorder()
	rt, err := newRuntime(cfg, newRuntimeDeps(cfg), activity.Tee(recorder, activity.NewLogSink(logger)), events.Discard, logger)
	if err != nil {
		return err
	}

	handleErr := rt.coordinator.Handle(ctx, event)
	for _, entry := range recorder.Trail(event.SessionID) {
		if _, err := fmt.Fprintln(out, entry.String()); err != nil {
			return fmt.Errorf("write activity trail: %w", err)
		}
	}
	if handleErr != nil {
		return fmt.Errorf("handle event for session %s: %w", event.SessionID, handleErr)
	}
	return nil
}

func readEvent(path string, stdin io.Reader) (session.InboundEvent, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return session.InboundEvent{}, errors.New("event path is required")
	}
	if path == "-" {
		if stdin == nil {
			return session.InboundEvent{}, errors.New("stdin is not available")
		}
		return session.DecodeEvent(stdin)
	}
	// #nosec G304 -- the event path is supplied by the operator on the command line.
	file, err := os.Open(path)
	if err != nil {
		return session.InboundEvent{}, fmt.Errorf("open event %s: %w", path, err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			_ = closeErr
		}
	}()
	return session.DecodeEvent(file)
}
