// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine provides the accelerated stepping engine of the simulation host.
//
// An Engine advances the graph in fixed-size batches of pipeline frames. The
// host constructs one lazily through a Factory, at most once per process, and
// falls back to time-based iteration when construction fails. The engine is
// owned and stepped by the publish loop only.
package engine

import (
	"context"
	"math"

	"github.com/AleutianAI/simhost/services/simhost/graph"
)

// Engine is the accelerated stepping backend.
//
// Thread Safety:
//
//	Not safe for concurrent use. A single goroutine owns the engine.
type Engine interface {
	// Initialize prepares modules and device state for a simulation run.
	Initialize(ctx context.Context) error

	// UploadState copies the host graph into the engine.
	UploadState(ctx context.Context) error

	// StepBatch runs batchSize frames with the given constants.
	StepBatch(ctx context.Context, batchSize int, c Constants) error

	// DownloadSnapshot makes engine state visible in the host graph for tick.
	DownloadSnapshot(ctx context.Context, tick int64) error

	// Close releases the engine. Further calls return ErrClosed.
	Close() error
}

// Factory constructs an engine for g.
type Factory func(ctx context.Context, g *graph.Graph) (Engine, error)

// Constants are the externally supplied physical constants of one batch.
type Constants struct {
	Coupling    float64 `json:"coupling" yaml:"coupling"`
	Damping     float64 `json:"damping" yaml:"damping"`
	Dt          float64 `json:"dt" yaml:"dt"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
}

// Validate checks that the constants can drive a step.
func (c Constants) Validate() error {
	for _, v := range []float64{c.Coupling, c.Damping, c.Dt, c.Temperature} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrInvalidConstants
		}
	}
	if c.Dt <= 0 || c.Damping < 0 || c.Temperature < 0 {
		return ErrInvalidConstants
	}
	return nil
}

type constantsKey struct{}

// WithConstants returns a context carrying c for modules in the batch.
func WithConstants(ctx context.Context, c Constants) context.Context {
	return context.WithValue(ctx, constantsKey{}, c)
}

// ConstantsFromContext returns the batch constants, or false outside a batch.
func ConstantsFromContext(ctx context.Context) (Constants, bool) {
	c, ok := ctx.Value(constantsKey{}).(Constants)
	return c, ok
}
