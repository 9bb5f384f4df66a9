// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Settings limits and defaults.
const (
	DefaultNodeCount    = 1000
	MinNodeCount        = 1
	MaxNodeCount        = 2_000_000
	DefaultTargetDegree = 4
	MinTargetDegree     = 1
	MaxTargetDegree     = 256
	DefaultSeed         = 42
	DefaultTemperature  = 1.0
)

// Settings is the user-tunable simulation configuration.
//
// Field names match the UpdateSettings payload keys.
type Settings struct {
	NodeCount    int     `json:"NodeCount" yaml:"node_count"`
	TargetDegree int     `json:"TargetDegree" yaml:"target_degree"`
	Seed         int64   `json:"Seed" yaml:"seed"`
	Temperature  float64 `json:"Temperature" yaml:"temperature"`
}

// DefaultSettings returns the settings a fresh host starts with.
func DefaultSettings() Settings {
	return Settings{
		NodeCount:    DefaultNodeCount,
		TargetDegree: DefaultTargetDegree,
		Seed:         DefaultSeed,
		Temperature:  DefaultTemperature,
	}
}

// Normalize returns a copy of s that lies within the valid ranges.
//
// Description:
//
//	Non-positive NodeCount, TargetDegree and Temperature fall back to their
//	defaults first; the result is then clamped. A non-finite Temperature is
//	treated as non-positive.
func (s Settings) Normalize() Settings {
	if s.NodeCount <= 0 {
		s.NodeCount = DefaultNodeCount
	}
	if s.TargetDegree <= 0 {
		s.TargetDegree = DefaultTargetDegree
	}
	if s.Temperature <= 0 || math.IsNaN(s.Temperature) || math.IsInf(s.Temperature, 0) {
		s.Temperature = DefaultTemperature
	}
	s.NodeCount = clampInt(s.NodeCount, MinNodeCount, MaxNodeCount)
	s.TargetDegree = clampInt(s.TargetDegree, MinTargetDegree, MaxTargetDegree)
	return s
}

// TopologyChanged reports whether switching from s to next requires the
// graph to be rebuilt. Only NodeCount, Seed and TargetDegree shape the graph.
func (s Settings) TopologyChanged(next Settings) bool {
	return s.NodeCount != next.NodeCount ||
		s.Seed != next.Seed ||
		s.TargetDegree != next.TargetDegree
}

// ParseSettings decodes and normalizes an UpdateSettings payload.
//
// Inputs:
//
//	payload - The PayloadJson string of an UpdateSettings command.
//
// Outputs:
//
//	Settings - Normalized settings. Missing keys behave as zero values.
//	error - ErrMalformedSettings if the payload is empty or not valid JSON.
func ParseSettings(payload string) (Settings, error) {
	if strings.TrimSpace(payload) == "" {
		return Settings{}, fmt.Errorf("%w: empty payload", ErrMalformedSettings)
	}
	var s Settings
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrMalformedSettings, err)
	}
	return s.Normalize(), nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
