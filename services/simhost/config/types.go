// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the simulation host configuration from YAML.
package config

import (
	"path/filepath"
	"time"

	"github.com/AleutianAI/simhost/services/simhost/engine"
	"github.com/AleutianAI/simhost/services/simhost/protocol"
	"github.com/AleutianAI/simhost/services/simhost/snapshot"
	"github.com/AleutianAI/simhost/services/simhost/telemetry"
)

type SimHostConfig struct {
	// Simulation: initial settings, replaced by UpdateSettings at runtime
	Simulation protocol.Settings `yaml:"simulation"`

	// Physics: constants handed to every engine batch
	Physics PhysicsConfig `yaml:"physics"`

	// Publish: publish loop pacing
	Publish PublishConfig `yaml:"publish"`

	// SharedMemory: where the snapshot region lives
	SharedMemory SharedMemoryConfig `yaml:"shared_memory"`

	// Control: command channel listener
	Control ControlConfig `yaml:"control"`

	Engine       EngineConfig       `yaml:"engine"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Diagnostics  DiagnosticsConfig  `yaml:"diagnostics"`
	Telemetry    telemetry.Config   `yaml:"telemetry"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type PhysicsConfig struct {
	BatchSize int     `yaml:"batch_size" validate:"gte=1,lte=10000"` // frames per tick
	Dt        float64 `yaml:"dt" validate:"gt=0"`
	Coupling  float64 `yaml:"coupling" validate:"gte=0"`
	Damping   float64 `yaml:"damping" validate:"gte=0"`
}

// Constants returns the engine constants for temperature.
func (p PhysicsConfig) Constants(temperature float64) engine.Constants {
	return engine.Constants{
		Coupling:    p.Coupling,
		Damping:     p.Damping,
		Dt:          p.Dt,
		Temperature: temperature,
	}
}

type PublishConfig struct {
	Interval           time.Duration `yaml:"interval" validate:"gt=0"`
	FallbackInterval   time.Duration `yaml:"fallback_interval" validate:"gt=0"`
	DiagnosticInterval time.Duration `yaml:"diagnostic_interval" validate:"gt=0"`
	HandoffInterval    int           `yaml:"handoff_interval" validate:"gte=0"` // iterations; capped to [1, 10000]
}

type SharedMemoryConfig struct {
	Dir      string `yaml:"dir" validate:"required"`
	Name     string `yaml:"name" validate:"required,excludesall=/"`
	Capacity int    `yaml:"capacity" validate:"gte=108"`
}

// Path returns the full path of the region file.
func (s SharedMemoryConfig) Path() string {
	return filepath.Join(s.Dir, s.Name)
}

type ControlConfig struct {
	Network string `yaml:"network" validate:"oneof=unix tcp"`
	Address string `yaml:"address" validate:"required"`
}

type EngineConfig struct {
	Mode string `yaml:"mode" validate:"oneof=pipeline disabled"`
}

type OrchestratorConfig struct {
	// Kind is "none" or "influx"
	Kind    string `yaml:"kind" validate:"oneof=none influx"`
	URL     string `yaml:"url,omitempty" validate:"required_if=Kind influx"`
	Token   string `yaml:"token,omitempty"`
	Org     string `yaml:"org,omitempty" validate:"required_if=Kind influx"`
	Bucket  string `yaml:"bucket,omitempty" validate:"required_if=Kind influx"`
	Workers int    `yaml:"workers" validate:"gte=1,lte=64"`
}

type DiagnosticsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address" validate:"required_if=Enabled true"`
	FeedInterval time.Duration `yaml:"feed_interval" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
}

func DefaultConfig() SimHostConfig {
	return SimHostConfig{
		Simulation: protocol.DefaultSettings(),
		Physics: PhysicsConfig{
			BatchSize: 4,
			Dt:        0.01,
			Coupling:  1.0,
			Damping:   0.1,
		},
		Publish: PublishConfig{
			Interval:           50 * time.Millisecond,
			FallbackInterval:   50 * time.Millisecond,
			DiagnosticInterval: 2 * time.Second,
			HandoffInterval:    100,
		},
		SharedMemory: SharedMemoryConfig{
			Dir:      "/dev/shm",
			Name:     "simhost-snapshot",
			Capacity: snapshot.DefaultCapacity,
		},
		Control: ControlConfig{
			Network: "unix",
			Address: "/tmp/simhost.sock",
		},
		Engine: EngineConfig{Mode: engine.ModePipeline},
		Orchestrator: OrchestratorConfig{
			Kind:    "none",
			Workers: 1,
		},
		Diagnostics: DiagnosticsConfig{
			Enabled:      true,
			Address:      "127.0.0.1:8091",
			FeedInterval: 250 * time.Millisecond,
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}
