// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package host

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/simhost/services/simhost/graph"
	"github.com/AleutianAI/simhost/services/simhost/orchestrator"
	"github.com/AleutianAI/simhost/services/simhost/protocol"
)

// Apply executes one control command on the owner goroutine.
//
// Description:
//
//	Unknown command types are ignored. A malformed UpdateSettings payload is
//	dropped and reported through the returned error; the host state is left
//	unchanged.
//
// Inputs:
//
//	ctx - Used for engine construction and orchestrator calls.
//	cmd - The decoded command.
//
// Outputs:
//
//	error - Non-nil only for a dropped command.
//
// Thread Safety:
//
//	Owner goroutine only. Use Submit from other goroutines.
func (h *Host) Apply(ctx context.Context, cmd protocol.Command) error {
	if !cmd.Type.Known() {
		h.logger.Debug("ignoring unknown command", slog.Int("type", int(cmd.Type)))
		h.metrics.CommandsDroppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "unknown")))
		return nil
	}
	h.metrics.CommandsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", cmd.Type.String())))

	switch cmd.Type {
	case protocol.CommandHandshake:
		h.logger.Info("control peer handshake", slog.String("payload", cmd.PayloadJson))
	case protocol.CommandStart:
		h.start(ctx)
	case protocol.CommandPause:
		h.pause()
	case protocol.CommandStep:
		h.step()
	case protocol.CommandUpdateSettings:
		settings, err := protocol.ParseSettings(cmd.PayloadJson)
		if err != nil {
			h.logger.Warn("dropping malformed settings", slog.String("error", err.Error()))
			h.metrics.CommandsDroppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "payload")))
			return err
		}
		h.updateSettings(ctx, settings)
	case protocol.CommandGetMultiGpuStatus:
		h.refreshOrchestratorStatus(ctx)
	case protocol.CommandShutdown:
		h.logger.Info("shutdown requested")
		h.requestShutdown()
	case protocol.CommandStop:
		h.stop()
	}
	return nil
}

// start activates the simulation.
func (h *Host) start(ctx context.Context) {
	if h.active {
		h.setStatus(protocol.StatusRunning)
		h.logger.Info("simulation resumed", slog.Int64("iteration", h.iteration.Load()))
		return
	}

	if h.graph == nil {
		if err := h.rebuildGraph(); err != nil {
			h.recordFault("graph construction", err)
			h.logger.Error("graph construction failed, simulation not started",
				slog.String("error", err.Error()),
			)
			return
		}
	}

	if h.engineFaulted {
		h.logger.Warn("discarding faulted engine, continuing in fallback mode")
		h.discardEngine()
	}

	if h.eng == nil && !h.engineAttempted {
		h.engineAttempted = true
		h.createEngine(ctx)
	} else if h.eng != nil {
		h.prepareEngine(ctx)
	}

	h.fallback = h.eng == nil
	h.active = true
	h.lastAdvance = h.now()
	h.setStatus(protocol.StatusRunning)
	h.syncMode()

	h.logger.Info("simulation started",
		slog.String("mode", h.Mode().String()),
		slog.Int("nodes", h.graph.NodeCount()),
		slog.Int("edges", h.graph.EdgeCount()),
	)
}

func (h *Host) pause() {
	if h.Status() != protocol.StatusRunning {
		return
	}
	h.setStatus(protocol.StatusPaused)
	h.logger.Info("simulation paused", slog.Int64("iteration", h.iteration.Load()))
}

// step requests exactly one iteration on the next tick.
func (h *Host) step() {
	st := h.Status()
	if st == protocol.StatusPaused || (st == protocol.StatusStopped && h.active) {
		h.stepPending = true
	}
}

func (h *Host) stop() {
	h.setStatus(protocol.StatusStopped)
	h.active = false
	h.fallback = false
	h.stepPending = false
	h.syncMode()
	h.logger.Info("simulation stopped", slog.Int64("iteration", h.iteration.Load()))
}

// updateSettings replaces the settings and rebuilds everything derived from
// the topology when it changed.
func (h *Host) updateSettings(ctx context.Context, next protocol.Settings) {
	prev := h.Settings()
	h.settings.Store(&next)

	if !prev.TopologyChanged(next) {
		h.logger.Info("settings updated",
			slog.Float64("temperature", next.Temperature),
		)
		return
	}

	h.logger.Info("topology changed, rebuilding",
		slog.Int("node_count", next.NodeCount),
		slog.Int("target_degree", next.TargetDegree),
		slog.Int64("seed", next.Seed),
	)

	hadGraph := h.graph != nil
	hadEngine := h.eng != nil
	h.discardEngine()
	h.graph = nil
	h.render = nil

	if !hadGraph {
		return
	}

	if err := h.rebuildGraph(); err != nil {
		h.recordFault("graph construction", err)
		h.active = false
		h.syncMode()
		h.logger.Error("graph rebuild failed", slog.String("error", err.Error()))
		return
	}

	if hadEngine {
		prev := h.Status()
		h.createEngine(ctx)
		if h.eng == nil {
			// Same as Start: the fault is recorded and the run continues
			// in fallback mode.
			h.setStatus(prev)
		}
	}
	if h.active {
		h.fallback = h.eng == nil
		h.syncMode()
	}
}

// rebuildGraph builds the graph and render buffer for the current settings.
func (h *Host) rebuildGraph() error {
	s := h.Settings()
	g, err := h.buildGraph(graph.Spec{
		NodeCount:    s.NodeCount,
		TargetDegree: s.TargetDegree,
		Seed:         s.Seed,
	})
	if err != nil {
		return err
	}
	h.graph = g
	h.render = allocRender(g.NodeCount(), h.writer.MaxNodes())
	return nil
}

// createEngine builds and prepares an engine for the current graph. On
// failure the fault is recorded and the host runs without an engine.
func (h *Host) createEngine(ctx context.Context) {
	eng, err := h.engines(ctx, h.graph)
	if err != nil {
		h.engineUnavailable(err)
		return
	}
	h.eng = eng
	h.prepareEngine(ctx)
}

// prepareEngine initializes and uploads state. A failure discards the engine.
func (h *Host) prepareEngine(ctx context.Context) {
	err := h.eng.Initialize(ctx)
	if err == nil {
		err = h.eng.UploadState(ctx)
	}
	if err != nil {
		h.engineUnavailable(fmt.Errorf("prepare engine: %w", err))
		h.discardEngine()
	}
}

func (h *Host) engineUnavailable(err error) {
	h.recordFault("engine construction", err)
	h.logger.Error("accelerated engine unavailable, continuing in fallback mode",
		slog.String("error", err.Error()),
	)
}

// discardEngine closes and forgets the engine.
func (h *Host) discardEngine() {
	h.engineFaulted = false
	if h.eng == nil {
		return
	}
	if err := h.eng.Close(); err != nil {
		h.logger.Warn("engine close failed", slog.String("error", err.Error()))
	}
	h.eng = nil
}

// pollOrchestrator caches the current worker occupancy for the header. On
// error the previous occupancy is kept.
func (h *Host) pollOrchestrator(ctx context.Context) (orchestrator.Status, error) {
	st, err := h.orch.Status(ctx)
	if err != nil {
		return orchestrator.Status{}, err
	}
	h.orchState.Store(&st)
	return st, nil
}

func (h *Host) refreshOrchestratorStatus(ctx context.Context) {
	st, err := h.pollOrchestrator(ctx)
	if err != nil {
		h.logger.Warn("orchestrator status unavailable", slog.String("error", err.Error()))
		return
	}
	h.logger.Info("orchestrator status",
		slog.Int("gpu_count", int(st.GpuCount)),
		slog.Int("spectral_workers_total", int(st.SpectralWorkersTotal)),
		slog.Int("spectral_workers_busy", int(st.SpectralWorkersBusy)),
		slog.Int("path_workers_total", int(st.PathWorkersTotal)),
		slog.Int("path_workers_busy", int(st.PathWorkersBusy)),
	)
}
