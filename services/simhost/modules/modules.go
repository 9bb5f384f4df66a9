// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package modules contains the reference physics modules shipped with the host.
//
// They are small, deterministic kernels that exercise every stage and
// execution type of the pipeline so the binary runs end to end. Physical
// constants come from the batch context; outside a batch the defaults apply.
package modules

import (
	"context"
	"fmt"
	"math"

	"github.com/AleutianAI/simhost/services/simhost/engine"
	"github.com/AleutianAI/simhost/services/simhost/pipeline"
)

// GroupEdgeDynamics holds the edge kernels. They read each other's arrays,
// so the group is sequential.
const GroupEdgeDynamics = "edge-dynamics"

// DefaultConstants apply when a module runs outside an engine batch.
var DefaultConstants = engine.Constants{Coupling: 1, Damping: 0.1, Dt: 0.01, Temperature: 1}

// Defaults returns a fresh set of the reference modules.
func Defaults() []pipeline.Module {
	return []pipeline.Module{
		NewPhaseRelaxation(),
		NewWeightDecay(),
		NewExcitationIntegrator(),
		NewEnergyProbe(),
	}
}

// RegisterDefaults registers every reference module on p.
func RegisterDefaults(p *pipeline.Pipeline) error {
	for _, m := range Defaults() {
		if err := p.Register(m); err != nil {
			return fmt.Errorf("register %s: %w", m.Name(), err)
		}
	}
	return nil
}

func constants(ctx context.Context) engine.Constants {
	if c, ok := engine.ConstantsFromContext(ctx); ok {
		return c
	}
	return DefaultConstants
}

// wrapPhase maps p into [-pi, pi).
func wrapPhase(p float64) float64 {
	p = math.Mod(p+math.Pi, 2*math.Pi)
	if p < 0 {
		p += 2 * math.Pi
	}
	return p - math.Pi
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
