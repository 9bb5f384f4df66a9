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
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/simhost/services/simhost/graph"
	"github.com/AleutianAI/simhost/services/simhost/orchestrator"
	"github.com/AleutianAI/simhost/services/simhost/protocol"
	"github.com/AleutianAI/simhost/services/simhost/snapshot"
)

// publishLoop ticks at the publish interval and applies submitted commands
// between ticks.
func (h *Host) publishLoop(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Publish.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case it := <-h.intents:
			it.done <- h.Apply(ctx, it.cmd)
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

// Tick runs one publish cycle.
//
// Description:
//
//	When Running, the iteration advances: every tick on the accelerated path
//	(followed by one engine batch), or once per fallback interval on the
//	fallback path. A pending Step advances exactly one iteration. A stepping
//	fault moves the host to Faulted and deactivates the simulation; the loop
//	itself keeps ticking. The snapshot is then published and, at the hand-off
//	interval, passed to the orchestrator in the background.
//
// Thread Safety:
//
//	Owner goroutine only.
func (h *Host) Tick(ctx context.Context) {
	start := h.now()
	ctx, span := tracer.Start(ctx, "host.Tick")
	defer span.End()

	path := "idle"
	advanced := false
	switch {
	case h.active && h.Status() == protocol.StatusRunning:
		if h.fallback {
			path = "fallback"
			if start.Sub(h.lastAdvance) >= h.cfg.Publish.FallbackInterval {
				h.iteration.Add(1)
				h.lastAdvance = start
				advanced = true
			}
		} else if h.eng != nil {
			path = "accelerated"
			h.iteration.Add(1)
			advanced = true
			h.stepEngine(ctx)
		}
	case h.stepPending:
		path = "step"
		h.stepPending = false
		h.iteration.Add(1)
		advanced = true
		if h.eng != nil && !h.fallback {
			h.stepEngine(ctx)
		}
		h.lastAdvance = start
	}

	hdr := h.publish(ctx, start)

	if advanced {
		h.maybeHandoff(ctx, hdr)
	}

	span.SetAttributes(
		attribute.String("host.path", path),
		attribute.Int64("host.iteration", hdr.Iteration),
	)
	h.metrics.TicksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
	h.metrics.TickDuration.Record(ctx, h.now().Sub(start).Seconds())

	h.diagEvery.Do(func() {
		h.logger.Info("publish",
			slog.String("status", h.Status().String()),
			slog.String("path", path),
			slog.Int64("iteration", hdr.Iteration),
			slog.Int("nodes", int(hdr.NodeCount)),
			slog.Float64("energy", hdr.SystemEnergy),
			slog.Int64("writes", h.writer.Writes()),
		)
	})
}

// stepEngine runs one batch. Cancellation is not a fault.
func (h *Host) stepEngine(ctx context.Context) {
	constants := h.constants
	constants.Temperature = h.Settings().Temperature

	err := h.eng.StepBatch(ctx, h.batchSize, constants)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	h.recordFault("engine step", err)
	h.active = false
	h.engineFaulted = true
	h.syncMode()
	h.metrics.EngineFaultsTotal.Add(ctx, 1)
	trace.SpanFromContext(ctx).RecordError(err)
	h.logger.Error("engine step failed, simulation faulted",
		slog.Int64("iteration", h.iteration.Load()),
		slog.String("error", err.Error()),
	)
}

// publish builds the header from the graph and writes it and the render
// array into the region.
func (h *Host) publish(ctx context.Context, now time.Time) snapshot.Header {
	settings := h.Settings()
	hdr := snapshot.Header{
		Iteration:   h.iteration.Load(),
		StatusCode:  int32(h.Status()),
		Timestamp:   now.UnixMilli(),
		Temperature: settings.Temperature,
	}
	if _, err := h.pollOrchestrator(ctx); err != nil && ctx.Err() == nil {
		h.logger.Debug("orchestrator status unavailable", slog.String("error", err.Error()))
	}
	if st := h.orchState.Load(); st != nil {
		hdr.GpuCount = st.GpuCount
		hdr.SpectralWorkersTotal = st.SpectralWorkersTotal
		hdr.SpectralWorkersBusy = st.SpectralWorkersBusy
		hdr.PathWorkersTotal = st.PathWorkersTotal
		hdr.PathWorkersBusy = st.PathWorkersBusy
	}

	var nodes []snapshot.RenderNode
	if h.graph != nil {
		if h.eng != nil {
			if err := h.eng.DownloadSnapshot(ctx, hdr.Iteration); err != nil && ctx.Err() == nil {
				h.logger.Debug("snapshot download failed", slog.String("error", err.Error()))
			}
		}
		h.fillMetrics(ctx, &hdr)
		nodes = h.fillRender()
	}

	n, err := h.writer.Write(hdr, nodes)
	if err != nil {
		h.logger.Warn("snapshot write failed", slog.String("error", err.Error()))
		return hdr
	}
	hdr.NodeCount = int32(n)
	h.header.Store(&hdr)
	h.metrics.SnapshotBytesTotal.Add(ctx, int64(snapshot.HeaderSize+n*snapshot.RenderNodeSize))
	return hdr
}

// fillMetrics computes the derived metrics. Non-finite values are replaced
// with 0 and reported at a throttled rate.
func (h *Host) fillMetrics(ctx context.Context, hdr *snapshot.Header) {
	obs := h.graph.Observe(h.constants.Coupling)

	var bad []string
	finite := func(name string, v float64) float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			bad = append(bad, name)
			return 0
		}
		return v
	}

	hdr.EdgeCount = int32(h.graph.EdgeCount())
	hdr.SystemEnergy = finite("system_energy", obs.Energy)
	hdr.ExcitedCount = int32(obs.ExcitedCount)
	hdr.HeavyMass = finite("heavy_mass", obs.HeavyMass)
	hdr.LargestCluster = int32(obs.LargestCluster)
	hdr.StrongEdgeCount = int32(obs.StrongEdgeCount)
	hdr.SpectralDimension = finite("spectral_dimension", obs.SpectralDimension)
	hdr.Correlation = finite("correlation", obs.Correlation)
	hdr.Temperature = finite("temperature", hdr.Temperature)
	hdr.EffectiveCoupling = finite("effective_coupling", obs.EffectiveCoupling)

	if len(bad) > 0 {
		h.metrics.SanitizedMetricsTotal.Add(ctx, int64(len(bad)))
		h.nanEvery.Do(func() {
			h.logger.Warn("non-finite metrics replaced",
				slog.String("metrics", strings.Join(bad, ",")),
				slog.Int64("iteration", hdr.Iteration),
			)
		})
	}
}

// allocRender sizes the render buffer for a graph, clamped to what the
// region can hold.
func allocRender(nodeCount, maxNodes int) []snapshot.RenderNode {
	return make([]snapshot.RenderNode, min(nodeCount, maxNodes))
}

// fillRender refreshes the render buffer from node positions and excitation.
func (h *Host) fillRender() []snapshot.RenderNode {
	excitation := h.graph.Excitation()
	for i := range h.render {
		p := h.graph.Position(i)
		heat := float32(math.Min(1, math.Max(0, excitation[i]*2)))
		h.render[i] = snapshot.RenderNode{
			X: p[0], Y: p[1], Z: p[2],
			R: heat, G: 0.25, B: 1 - heat,
			ID: int32(i),
		}
	}
	return h.render
}

// maybeHandoff passes hdr to the orchestrator every handoff interval. At most
// one hand-off is in flight; a due hand-off is skipped while another runs.
func (h *Host) maybeHandoff(ctx context.Context, hdr snapshot.Header) {
	it := hdr.Iteration
	if it <= 0 || it%h.handoffEvery != 0 || it == h.lastHandoff {
		return
	}
	h.lastHandoff = it

	if !h.handoffBusy.CompareAndSwap(false, true) {
		h.metrics.HandoffsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "skipped")))
		return
	}

	snap := orchestrator.Snapshot{RunID: h.runID, Header: hdr}
	h.handoffs.Add(1)
	go func() {
		defer h.handoffs.Done()
		defer h.handoffBusy.Store(false)

		outcome := "ok"
		if err := h.orch.OnStepCompleted(ctx, snap); err != nil {
			outcome = "error"
			h.logger.Debug("orchestrator hand-off failed",
				slog.Int64("iteration", snap.Header.Iteration),
				slog.String("error", err.Error()),
			)
		}
		h.metrics.HandoffsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}()
}

// Graph returns the current graph. Owner goroutine only.
func (h *Host) Graph() *graph.Graph {
	return h.graph
}
