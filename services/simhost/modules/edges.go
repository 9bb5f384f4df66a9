// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package modules

import (
	"context"
	"math"

	"github.com/AleutianAI/simhost/services/simhost/graph"
	"github.com/AleutianAI/simhost/services/simhost/pipeline"
)

// PhaseRelaxation pulls every edge phase towards zero with a strength
// proportional to coupling and edge weight.
type PhaseRelaxation struct {
	pipeline.BaseModule
}

// NewPhaseRelaxation creates the phase relaxation kernel.
func NewPhaseRelaxation() *PhaseRelaxation {
	return &PhaseRelaxation{BaseModule: pipeline.BaseModule{
		ModuleName:      "phase-relaxation",
		ModuleCategory:  "edges",
		ModuleStage:     pipeline.StageForces,
		ModuleExecution: pipeline.ExecSynchronousCPU,
		ModulePriority:  10,
		ModuleGroup:     GroupEdgeDynamics,
		ModuleGroupMode: pipeline.GroupSequential,
	}}
}

// ExecuteStep relaxes the phases of g.
func (m *PhaseRelaxation) ExecuteStep(ctx context.Context, g *graph.Graph, dt float64) error {
	if g == nil {
		return nil
	}
	relaxPhases(g.Phases(), g.Weights(), constants(ctx).Coupling, dt)
	return nil
}

func relaxPhases(phases, weights []float64, coupling, dt float64) {
	for e := range phases {
		phases[e] = wrapPhase(phases[e] - dt*coupling*weights[e]*math.Sin(phases[e]))
	}
}

// WeightDecay strengthens aligned edges and decays all edges towards zero.
// It implements the bulk entry point.
type WeightDecay struct {
	pipeline.BaseModule
}

// NewWeightDecay creates the weight kernel.
func NewWeightDecay() *WeightDecay {
	return &WeightDecay{BaseModule: pipeline.BaseModule{
		ModuleName:      "weight-decay",
		ModuleCategory:  "edges",
		ModuleStage:     pipeline.StageForces,
		ModuleExecution: pipeline.ExecSynchronousCPU,
		ModulePriority:  20,
		ModuleGroup:     GroupEdgeDynamics,
		ModuleGroupMode: pipeline.GroupSequential,
	}}
}

// ExecuteStep updates the weights of g.
func (m *WeightDecay) ExecuteStep(ctx context.Context, g *graph.Graph, dt float64) error {
	if g == nil {
		return nil
	}
	c := constants(ctx)
	decayWeights(g.Weights(), g.Phases(), c.Coupling, c.Damping, dt)
	return nil
}

// ExecuteBulk updates the weight array in place.
func (m *WeightDecay) ExecuteBulk(ctx context.Context, weights, phases []float64, _ []int32, _ int, dt float64) error {
	c := constants(ctx)
	decayWeights(weights, phases, c.Coupling, c.Damping, dt)
	return nil
}

// decayWeights integrates dw/dt = coupling*cos^2(phi)*(1-w) - damping*w and
// keeps w in [0, 1].
func decayWeights(weights, phases []float64, coupling, damping, dt float64) {
	for e, w := range weights {
		align := math.Cos(phases[e])
		weights[e] = clamp01(w + dt*(coupling*align*align*(1-w)-damping*w))
	}
}
