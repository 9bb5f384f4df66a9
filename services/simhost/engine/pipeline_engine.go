// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/AleutianAI/simhost/services/simhost/graph"
	"github.com/AleutianAI/simhost/services/simhost/pipeline"
)

// Mode names accepted by NewFactory.
const (
	ModePipeline = "pipeline"
	ModeDisabled = "disabled"
)

// PipelineEngine steps the graph by executing pipeline frames on the host.
//
// Description:
//
//	Initialize runs the pipeline's InitializeAll over the graph. StepBatch
//	executes batchSize frames with the constants attached to the context and
//	then verifies the edge state is still finite; a divergent batch is a
//	stepping fault. DownloadSnapshot is a bookkeeping call because state is
//	shared with the host graph.
type PipelineEngine struct {
	pipeline *pipeline.Pipeline
	graph    *graph.Graph
	sync     *HostSync
	logger   *slog.Logger

	uploaded bool
	closed   bool
	frames   int64
	lastTick int64
}

// NewPipelineEngine creates an engine over p and g.
//
// Inputs:
//
//	p - The module pipeline. Must not be nil.
//	g - The graph to step. Must not be nil.
//	sync - Barrier used by the pipeline, for reporting. May be nil.
//	logger - Logger. If nil, uses slog.Default().
func NewPipelineEngine(p *pipeline.Pipeline, g *graph.Graph, sync *HostSync, logger *slog.Logger) (*PipelineEngine, error) {
	if p == nil || g == nil {
		return nil, fmt.Errorf("%w: pipeline and graph are required", ErrEngineUnavailable)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineEngine{
		pipeline: p,
		graph:    g,
		sync:     sync,
		logger:   logger.With(slog.String("component", "pipeline_engine")),
		lastTick: -1,
	}, nil
}

// Initialize initializes every enabled module against the graph.
func (e *PipelineEngine) Initialize(ctx context.Context) error {
	if e.closed {
		return ErrClosed
	}
	faults := e.pipeline.InitializeAll(ctx, e.graph)
	e.logger.Info("engine initialized",
		slog.Int("modules", e.pipeline.Len()),
		slog.Int("init_faults", faults),
		slog.Int("nodes", e.graph.NodeCount()),
		slog.Int("edges", e.graph.EdgeCount()),
	)
	return nil
}

// UploadState marks the graph state as resident.
func (e *PipelineEngine) UploadState(ctx context.Context) error {
	if e.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.uploaded = true
	return nil
}

// StepBatch executes batchSize pipeline frames.
//
// Outputs:
//
//	error - ErrInvalidBatch, ErrInvalidConstants, ErrNotUploaded, ErrClosed,
//	        ctx.Err() if cancelled between frames, or ErrDiverged.
func (e *PipelineEngine) StepBatch(ctx context.Context, batchSize int, c Constants) error {
	if e.closed {
		return ErrClosed
	}
	if !e.uploaded {
		return ErrNotUploaded
	}
	if batchSize < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidBatch, batchSize)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %+v", err, c)
	}

	ctx = WithConstants(ctx, c)
	for i := 0; i < batchSize; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.pipeline.ExecuteFrame(ctx, e.graph, c.Dt)
		e.frames++
	}

	if err := checkFinite(e.graph); err != nil {
		return err
	}
	return nil
}

// DownloadSnapshot records tick as the latest downloaded state.
func (e *PipelineEngine) DownloadSnapshot(ctx context.Context, tick int64) error {
	if e.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.lastTick = tick
	return nil
}

// Close marks the engine closed. Closing twice is a no-op.
func (e *PipelineEngine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	var pairs int64
	if e.sync != nil {
		pairs = e.sync.Pairs()
	}
	e.logger.Info("engine closed",
		slog.Int64("frames", e.frames),
		slog.Int64("last_tick", e.lastTick),
		slog.Int64("gpu_barrier_pairs", pairs),
	)
	return nil
}

// Frames returns the number of frames executed by this engine.
func (e *PipelineEngine) Frames() int64 {
	return e.frames
}

// LastTick returns the tick of the last DownloadSnapshot, or -1.
func (e *PipelineEngine) LastTick() int64 {
	return e.lastTick
}

func checkFinite(g *graph.Graph) error {
	views, ok := g.RawViews()
	if !ok {
		return nil
	}
	for i, w := range views.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: weight of edge %d is %v", ErrDiverged, i, w)
		}
	}
	for i, ph := range views.Phases {
		if math.IsNaN(ph) || math.IsInf(ph, 0) {
			return fmt.Errorf("%w: phase of edge %d is %v", ErrDiverged, i, ph)
		}
	}
	return nil
}

// NewFactory returns the engine factory for mode.
//
// Description:
//
//	ModePipeline builds a PipelineEngine over the graph handed to the
//	factory. ModeDisabled returns a factory that always fails with
//	ErrEngineUnavailable, which runs the host in fallback mode.
//
// Outputs:
//
//	Factory - The factory.
//	error - ErrUnknownMode for any other mode.
func NewFactory(mode string, p *pipeline.Pipeline, sync *HostSync, logger *slog.Logger) (Factory, error) {
	switch mode {
	case ModePipeline:
		return func(_ context.Context, g *graph.Graph) (Engine, error) {
			return NewPipelineEngine(p, g, sync, logger)
		}, nil
	case ModeDisabled:
		return func(context.Context, *graph.Graph) (Engine, error) {
			return nil, fmt.Errorf("%w: engine mode %q", ErrEngineUnavailable, mode)
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}
