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
	"sync/atomic"

	"github.com/AleutianAI/simhost/services/simhost/graph"
	"github.com/AleutianAI/simhost/services/simhost/pipeline"
)

// ExcitationIntegrator drives node excitation from the frustration of the
// incident edges, scaled by temperature, and damps it.
type ExcitationIntegrator struct {
	pipeline.BaseModule
}

// NewExcitationIntegrator creates the integration kernel.
func NewExcitationIntegrator() *ExcitationIntegrator {
	return &ExcitationIntegrator{BaseModule: pipeline.BaseModule{
		ModuleName:      "excitation-integrator",
		ModuleCategory:  "nodes",
		ModuleStage:     pipeline.StageIntegration,
		ModuleExecution: pipeline.ExecSynchronousCPU,
		ModulePriority:  10,
	}}
}

// ExecuteStep integrates excitation for every node.
func (m *ExcitationIntegrator) ExecuteStep(ctx context.Context, g *graph.Graph, dt float64) error {
	if g == nil {
		return nil
	}
	c := constants(ctx)
	weights, phases, excitation := g.Weights(), g.Phases(), g.Excitation()

	for u := range excitation {
		incident := g.IncidentEdges(u)
		drive := 0.0
		if len(incident) > 0 {
			for _, e := range incident {
				drive += weights[e] * (1 - math.Cos(phases[e])) / 2
			}
			drive /= float64(len(incident))
		}
		x := excitation[u] + dt*(c.Temperature*drive-c.Damping*excitation[u])
		excitation[u] = math.Max(0, x)
	}
	return nil
}

// EnergyProbe records the system energy after every frame. It only reads the
// graph, so it runs as an asynchronous task.
type EnergyProbe struct {
	pipeline.BaseModule

	energy  atomic.Uint64
	samples atomic.Int64
}

// NewEnergyProbe creates the probe.
func NewEnergyProbe() *EnergyProbe {
	return &EnergyProbe{BaseModule: pipeline.BaseModule{
		ModuleName:      "energy-probe",
		ModuleCategory:  "diagnostics",
		ModuleStage:     pipeline.StagePostProcess,
		ModuleExecution: pipeline.ExecAsynchronousTask,
		ModulePriority:  100,
	}}
}

// Initialize resets the probe.
func (m *EnergyProbe) Initialize(context.Context, *graph.Graph) error {
	m.energy.Store(0)
	m.samples.Store(0)
	return nil
}

// ExecuteStep samples the energy of g.
func (m *EnergyProbe) ExecuteStep(_ context.Context, g *graph.Graph, _ float64) error {
	if g == nil {
		return nil
	}
	energy := 0.0
	for _, x := range g.Excitation() {
		energy += x
	}
	weights, phases := g.Weights(), g.Phases()
	for e, w := range weights {
		energy -= w * math.Cos(phases[e])
	}
	m.energy.Store(math.Float64bits(energy))
	m.samples.Add(1)
	return nil
}

// Energy returns the last sampled energy.
func (m *EnergyProbe) Energy() float64 {
	return math.Float64frombits(m.energy.Load())
}

// Samples returns the number of samples taken since Initialize.
func (m *EnergyProbe) Samples() int64 {
	return m.samples.Load()
}
