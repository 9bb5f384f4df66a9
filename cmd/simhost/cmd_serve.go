// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/simhost/services/simhost/config"
	"github.com/AleutianAI/simhost/services/simhost/diagnostics"
	"github.com/AleutianAI/simhost/services/simhost/engine"
	"github.com/AleutianAI/simhost/services/simhost/host"
	"github.com/AleutianAI/simhost/services/simhost/modules"
	"github.com/AleutianAI/simhost/services/simhost/orchestrator"
	"github.com/AleutianAI/simhost/services/simhost/pipeline"
	"github.com/AleutianAI/simhost/services/simhost/protocol"
	"github.com/AleutianAI/simhost/services/simhost/snapshot"
	"github.com/AleutianAI/simhost/services/simhost/telemetry"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var watchConfig bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the simulation host until shutdown",
		Long: `Creates the shared-memory snapshot, opens the control socket and runs the
publish loop. The host exits on a Shutdown command, SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			watchPath := ""
			if watchConfig {
				watchPath = opts.configPath
			}
			return serve(cmd.Context(), cfg, watchPath)
		},
	}
	cmd.Flags().BoolVar(&watchConfig, "watch-config", false,
		"Apply simulation settings from --config whenever the file changes")
	return cmd
}

func serve(parent context.Context, cfg config.SimHostConfig, watchPath string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	logger := telemetry.NewLogger(os.Stderr, cfg.Logging.Level,
		telemetry.LogFormat(cfg.Logging.Format), isatty.IsTerminal(os.Stderr.Fd()))
	slog.SetDefault(logger)

	region, err := openRegion(cfg.SharedMemory, logger)
	if err != nil {
		return err
	}
	defer region.Close()

	gpu := engine.NewHostSync(logger)
	p := pipeline.New(pipeline.Options{GPU: gpu, Logger: logger})
	if err := modules.RegisterDefaults(p); err != nil {
		return fmt.Errorf("register modules: %w", err)
	}

	engines, err := engine.NewFactory(cfg.Engine.Mode, p, gpu, logger)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(cfg.Orchestrator.Kind, orchestrator.Influx{
		URL:     cfg.Orchestrator.URL,
		Token:   cfg.Orchestrator.Token,
		Org:     cfg.Orchestrator.Org,
		Bucket:  cfg.Orchestrator.Bucket,
		Workers: cfg.Orchestrator.Workers,
	}, logger)
	if err != nil {
		return err
	}

	h, err := host.New(host.Options{
		Config:       cfg,
		Region:       region,
		Engines:      engines,
		Orchestrator: orch,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return h.Run(gctx)
	})

	if cfg.Diagnostics.Enabled {
		srv, err := diagnostics.New(diagnostics.Options{
			Address:      cfg.Diagnostics.Address,
			FeedInterval: cfg.Diagnostics.FeedInterval,
			Host:         h,
			Pipeline:     p,
			Metrics:      telemetry.MetricsHandler(),
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Run(gctx) })
	}

	if watchPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, watchPath, 0, logger, func(next config.SimHostConfig) {
				applySettings(gctx, h, next.Simulation, logger)
			})
		})
	}

	return g.Wait()
}

// applySettings submits changed simulation settings to the running host.
// Other sections of a reloaded file take effect on the next start.
func applySettings(ctx context.Context, h *host.Host, next protocol.Settings, logger *slog.Logger) {
	if next == h.Settings() {
		return
	}
	cmd, err := protocol.NewUpdateSettings(next)
	if err == nil {
		err = h.Submit(ctx, cmd)
	}
	if err != nil && ctx.Err() == nil {
		logger.Warn("reloaded settings not applied", slog.String("error", err.Error()))
	}
}

// openRegion creates the shared-memory snapshot file, falling back to
// process memory where shared mappings are unsupported.
func openRegion(cfg config.SharedMemoryConfig, logger *slog.Logger) (snapshot.Region, error) {
	region, err := snapshot.CreateMapRegion(cfg.Path(), cfg.Capacity)
	if errors.Is(err, snapshot.ErrUnsupported) {
		logger.Warn("shared memory unsupported on this platform, publishing to process memory",
			slog.String("path", cfg.Path()),
		)
		return snapshot.NewMemoryRegion(cfg.Capacity), nil
	}
	if err != nil {
		return nil, fmt.Errorf("create snapshot region: %w", err)
	}
	logger.Info("snapshot region mapped",
		slog.String("path", cfg.Path()),
		slog.Int("capacity_bytes", cfg.Capacity),
	)
	return region, nil
}
