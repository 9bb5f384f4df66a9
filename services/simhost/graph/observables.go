// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"math"
	"math/rand/v2"
)

// Observation thresholds.
const (
	// StrongEdgeThreshold is the weight above which an edge counts as strong
	// and joins clusters.
	StrongEdgeThreshold = 0.5

	// ExcitedThreshold is the excitation above which a node counts as excited.
	ExcitedThreshold = 0.5

	spectralWalkers   = 128
	spectralRepeats   = 8
	spectralShortTime = 4
	spectralLongTime  = 16
)

// Observables are the derived scalar metrics published every tick.
//
// Values are raw: a degenerate graph can yield NaN or Inf (for example the
// correlation of a graph with no edges). Callers sanitize before publishing.
type Observables struct {
	Energy            float64
	ExcitedCount      int
	HeavyMass         float64
	LargestCluster    int
	StrongEdgeCount   int
	SpectralDimension float64
	Correlation       float64
	EffectiveCoupling float64
}

// Observe computes the observables of the current state.
//
// Inputs:
//
//	coupling - Physical coupling constant scaling the mean edge weight.
//
// Outputs:
//
//	Observables - Raw metrics, possibly containing NaN or Inf.
func (g *Graph) Observe(coupling float64) Observables {
	var obs Observables

	var bond, weightSum float64
	for e, w := range g.weights {
		c := math.Cos(g.phases[e])
		bond += w * c
		weightSum += w
		if w > StrongEdgeThreshold {
			obs.StrongEdgeCount++
		}
	}
	edges := float64(len(g.weights))

	var excitationSum float64
	for _, x := range g.excitation {
		excitationSum += x
		if x > ExcitedThreshold {
			obs.ExcitedCount++
		}
	}

	obs.Energy = excitationSum - bond
	obs.Correlation = bond / edges
	obs.EffectiveCoupling = coupling * weightSum / edges

	size, mass := g.largestStrongCluster()
	obs.LargestCluster = size
	obs.HeavyMass = mass
	obs.SpectralDimension = g.spectralDimension()

	return obs
}

// largestStrongCluster returns the node count and total mass of the largest
// component connected by strong edges.
func (g *Graph) largestStrongCluster() (int, float64) {
	n := g.spec.NodeCount
	parent := make([]int32, n)
	for i := range parent {
		parent[i] = int32(i)
	}
	var find func(int32) int32
	find = func(x int32) int32 {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}

	for e, w := range g.weights {
		if w <= StrongEdgeThreshold {
			continue
		}
		a, b := find(g.edges[2*e]), find(g.edges[2*e+1])
		if a != b {
			parent[a] = b
		}
	}

	sizes := make([]int, n)
	masses := make([]float64, n)
	bestRoot, bestSize := int32(-1), 0
	for i := 0; i < n; i++ {
		r := find(int32(i))
		sizes[r]++
		masses[r] += g.mass[i]
		if sizes[r] > bestSize || (sizes[r] == bestSize && r < bestRoot) {
			bestRoot, bestSize = r, sizes[r]
		}
	}
	if bestRoot < 0 {
		return 0, 0
	}
	return bestSize, masses[bestRoot]
}

// spectralDimension estimates d_s from the return probability of lazy random
// walks: P(t) ~ t^(-d_s/2). It yields NaN or Inf when walks never return.
func (g *Graph) spectralDimension() float64 {
	n := g.spec.NodeCount
	rng := rand.New(rand.NewPCG(uint64(g.spec.Seed), 0x5DEECE66D))

	walkers := min(spectralWalkers, n)
	var shortReturns, longReturns int
	for w := 0; w < walkers; w++ {
		start := rng.IntN(n)
		for r := 0; r < spectralRepeats; r++ {
			pos := start
			for step := 1; step <= spectralLongTime; step++ {
				if rng.IntN(2) == 0 {
					if nb := g.Neighbors(pos); len(nb) > 0 {
						pos = int(nb[rng.IntN(len(nb))])
					}
				}
				if pos == start {
					switch step {
					case spectralShortTime:
						shortReturns++
					case spectralLongTime:
						longReturns++
					}
				}
			}
		}
	}

	trials := float64(walkers * spectralRepeats)
	pShort := float64(shortReturns) / trials
	pLong := float64(longReturns) / trials
	return -2 * (math.Log(pLong) - math.Log(pShort)) /
		(math.Log(spectralLongTime) - math.Log(spectralShortTime))
}
