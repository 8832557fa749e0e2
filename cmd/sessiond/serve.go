package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ship-commander/sessiond/internal/activity"
	"github.com/ship-commander/sessiond/internal/config"
	"github.com/ship-commander/sessiond/internal/doctor"
	"github.com/ship-commander/sessiond/internal/events"
	"github.com/ship-commander/sessiond/internal/ingress"
	"github.com/ship-commander/sessiond/internal/metrics"
	"github.com/ship-commander/sessiond/internal/telemetry"
)

// shutdownGrace bounds how long serve waits for in-flight runs after a signal.
const shutdownGrace = 45 * time.Second

func newServeCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept tracker events over HTTP and run agent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to listen_addr from config)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger *log.Logger, addr string) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		Environment: cfg.Telemetry.Environment,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	bus := events.New(events.WithLogger(logger))
	defer bus.Close()

	rt, err := newRuntime(cfg, newRuntimeDeps(cfg), activity.NewLogSink(logger), bus, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sessionMetrics, err := metrics.New(registry, rt.coordinator.Registry().Len)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	sessionMetrics.Subscribe(bus)

	monitor, err := doctor.NewManager(rt.provisioner, rt.coordinator, bus, logger, doctor.Config{
		RepoPath:          rt.repoPath,
		HeartbeatInterval: cfg.Workspace.HealthInterval,
		PruneAfter:        cfg.Workspace.PruneAfter,
	})
	if err != nil {
		return fmt.Errorf("build health monitor: %w", err)
	}

	if strings.TrimSpace(addr) == "" {
		addr = cfg.ListenAddr
	}
	server, err := ingress.New(rt.coordinator, ingress.Config{
		Addr:      addr,
		Metrics:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Logger:    logger,
		Publisher: bus,
	})
	if err != nil {
		return fmt.Errorf("build ingress: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	logger.Info("serving sessions", "repo", rt.repoPath, "prune_after", cfg.Workspace.PruneAfter)
	group.Go(server.ListenAndServe)
	group.Go(func() error {
		monitor.Start(groupCtx)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down", "active_sessions", rt.coordinator.Registry().Len())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		var errs error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = errors.Join(errs, fmt.Errorf("shutdown ingress: %w", err))
		}
		if err := rt.coordinator.Shutdown(shutdownCtx); err != nil {
			errs = errors.Join(errs, fmt.Errorf("shutdown coordinator: %w", err))
		}
		return errs
	})
	return group.Wait()
}
