// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/AleutianAI/simhost/services/simhost/graph"
)

// -----------------------------------------------------------------------------
// Enums
// -----------------------------------------------------------------------------

// Stage is the coarse ordering phase of a module.
type Stage int

const (
	// StagePreparation prepares state before forces are evaluated.
	StagePreparation Stage = iota

	// StageForces evaluates interactions.
	StageForces

	// StageIntegration advances state in time.
	StageIntegration

	// StagePostProcess computes diagnostics on the integrated state.
	StagePostProcess
)

// Stages lists every stage in execution order.
var Stages = [...]Stage{StagePreparation, StageForces, StageIntegration, StagePostProcess}

// String returns the string representation of the stage.
func (s Stage) String() string {
	switch s {
	case StagePreparation:
		return "preparation"
	case StageForces:
		return "forces"
	case StageIntegration:
		return "integration"
	case StagePostProcess:
		return "post_process"
	default:
		return "unknown"
	}
}

// MarshalText renders the stage by name in JSON and YAML.
func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Valid returns true for the four defined stages.
func (s Stage) Valid() bool {
	return s >= StagePreparation && s <= StagePostProcess
}

// ExecutionType selects how a module is dispatched.
type ExecutionType int

const (
	// ExecGPU modules share the compute device and run sequentially inside a
	// barrier pair.
	ExecGPU ExecutionType = iota

	// ExecSynchronousCPU modules run on the calling goroutine unless their
	// group is Parallel.
	ExecSynchronousCPU

	// ExecAsynchronousTask modules always run concurrently and are joined.
	ExecAsynchronousTask
)

// String returns the string representation of the execution type.
func (t ExecutionType) String() string {
	switch t {
	case ExecGPU:
		return "gpu"
	case ExecSynchronousCPU:
		return "sync_cpu"
	case ExecAsynchronousTask:
		return "async_task"
	default:
		return "unknown"
	}
}

// MarshalText renders the execution type by name in JSON and YAML.
func (t ExecutionType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Valid returns true for the three defined execution types.
func (t ExecutionType) Valid() bool {
	return t >= ExecGPU && t <= ExecAsynchronousTask
}

// GroupMode controls synchronous-CPU concurrency within a module group.
type GroupMode int

const (
	GroupSequential GroupMode = iota
	GroupParallel
)

// String returns the string representation of the group mode.
func (m GroupMode) String() string {
	if m == GroupParallel {
		return "parallel"
	}
	return "sequential"
}

// MarshalText renders the group mode by name in JSON and YAML.
func (m GroupMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Phase names the module lifecycle call that raised a fault.
type Phase string

const (
	PhaseInitialize  Phase = "Initialize"
	PhaseExecuteStep Phase = "ExecuteStep"
	PhaseCleanup     Phase = "Cleanup"
)

// -----------------------------------------------------------------------------
// Module contract
// -----------------------------------------------------------------------------

// Module is one physics computation unit.
//
// Description:
//
//	The descriptor accessors must return stable values for the lifetime of
//	the registration, except Enabled which may be toggled at any time and is
//	sampled once per frame.
//
// Thread Safety:
//
//	Modules in Parallel groups or the asynchronous bucket run concurrently
//	with their bucket siblings and must write disjoint state.
type Module interface {
	// Name returns the unique registration key.
	Name() string

	// Category is a free-form label used for diagnostics.
	Category() string

	Stage() Stage
	ExecutionType() ExecutionType

	// Priority orders modules within a stage and group. Lower runs earlier.
	Priority() int

	// Group returns the module group key, or "" when ungrouped.
	Group() string

	GroupMode() GroupMode

	Enabled() bool
	SetEnabled(enabled bool)

	// Initialize prepares the module for a simulation run on g.
	Initialize(ctx context.Context, g *graph.Graph) error

	// ExecuteStep advances the module by dt.
	ExecuteStep(ctx context.Context, g *graph.Graph, dt float64) error

	// Cleanup releases module resources on removal or pipeline clear.
	Cleanup() error
}

// BulkModule is a Module with a zero-copy entry point over the raw graph
// arrays. When the graph exposes its views, ExecuteBulk is called instead of
// ExecuteStep.
type BulkModule interface {
	Module

	// ExecuteBulk operates on the edge weight and phase arrays in place.
	// edges holds endpoint pairs and is read-only.
	ExecuteBulk(ctx context.Context, weights, phases []float64, edges []int32, nodeCount int, dt float64) error
}

// Descriptor is a point-in-time copy of a module's scheduling attributes.
type Descriptor struct {
	Name          string        `json:"name"`
	Category      string        `json:"category"`
	Stage         Stage         `json:"stage"`
	ExecutionType ExecutionType `json:"execution_type"`
	Priority      int           `json:"priority"`
	Group         string        `json:"group,omitempty"`
	GroupMode     GroupMode     `json:"group_mode"`
	Enabled       bool          `json:"enabled"`
	Bulk          bool          `json:"bulk"`
}

// DescriptorOf captures the descriptor of m.
func DescriptorOf(m Module) Descriptor {
	_, bulk := m.(BulkModule)
	return Descriptor{
		Name:          m.Name(),
		Category:      m.Category(),
		Stage:         m.Stage(),
		ExecutionType: m.ExecutionType(),
		Priority:      m.Priority(),
		Group:         m.Group(),
		GroupMode:     m.GroupMode(),
		Enabled:       m.Enabled(),
		Bulk:          bulk,
	}
}

// BaseModule provides a partial implementation of the Module interface.
//
// Description:
//
//	BaseModule implements the descriptor accessors, enablement and no-op
//	Initialize/Cleanup. Embed it in concrete modules and override
//	ExecuteStep. Modules start enabled.
//
// Example:
//
//	type Damping struct {
//	    pipeline.BaseModule
//	}
//
//	func NewDamping() *Damping {
//	    return &Damping{BaseModule: pipeline.BaseModule{
//	        ModuleName:      "damping",
//	        ModuleStage:     pipeline.StageForces,
//	        ModuleExecution: pipeline.ExecSynchronousCPU,
//	    }}
//	}
type BaseModule struct {
	ModuleName      string
	ModuleCategory  string
	ModuleStage     Stage
	ModuleExecution ExecutionType
	ModulePriority  int
	ModuleGroup     string
	ModuleGroupMode GroupMode

	disabled atomic.Bool
}

// Name returns the module's unique identifier.
func (m *BaseModule) Name() string { return m.ModuleName }

// Category returns the diagnostic category.
func (m *BaseModule) Category() string { return m.ModuleCategory }

// Stage returns the module's stage.
func (m *BaseModule) Stage() Stage { return m.ModuleStage }

// ExecutionType returns the module's dispatch type.
func (m *BaseModule) ExecutionType() ExecutionType { return m.ModuleExecution }

// Priority returns the ordering priority.
func (m *BaseModule) Priority() int { return m.ModulePriority }

// Group returns the module group key.
func (m *BaseModule) Group() string { return m.ModuleGroup }

// GroupMode returns the group concurrency mode.
func (m *BaseModule) GroupMode() GroupMode { return m.ModuleGroupMode }

// Enabled reports whether the module runs in frames.
func (m *BaseModule) Enabled() bool { return !m.disabled.Load() }

// SetEnabled toggles the module.
func (m *BaseModule) SetEnabled(enabled bool) { m.disabled.Store(!enabled) }

// Initialize does nothing.
func (m *BaseModule) Initialize(context.Context, *graph.Graph) error { return nil }

// ExecuteStep returns an error if called directly.
// Concrete implementations must override this method.
func (m *BaseModule) ExecuteStep(context.Context, *graph.Graph, float64) error {
	return fmt.Errorf("%w: %s.ExecuteStep", ErrNotImplemented, m.ModuleName)
}

// Cleanup does nothing.
func (m *BaseModule) Cleanup() error { return nil }

// FuncModule wraps a function as a Module for simple cases and tests.
type FuncModule struct {
	BaseModule
	fn func(context.Context, *graph.Graph, float64) error
}

// NewFuncModule creates a synchronous-CPU module from a step function.
func NewFuncModule(name string, stage Stage, priority int, fn func(context.Context, *graph.Graph, float64) error) *FuncModule {
	return &FuncModule{
		BaseModule: BaseModule{
			ModuleName:      name,
			ModuleStage:     stage,
			ModuleExecution: ExecSynchronousCPU,
			ModulePriority:  priority,
		},
		fn: fn,
	}
}

// ExecuteStep runs the wrapped function.
func (m *FuncModule) ExecuteStep(ctx context.Context, g *graph.Graph, dt float64) error {
	if m.fn == nil {
		return fmt.Errorf("%w: %s has no step function", ErrNotImplemented, m.ModuleName)
	}
	return m.fn(ctx, g, dt)
}

// WithExecution sets the execution type.
func (m *FuncModule) WithExecution(t ExecutionType) *FuncModule {
	m.ModuleExecution = t
	return m
}

// WithGroup assigns the module to a group.
func (m *FuncModule) WithGroup(key string, mode GroupMode) *FuncModule {
	m.ModuleGroup = key
	m.ModuleGroupMode = mode
	return m
}

// WithCategory sets the diagnostic category.
func (m *FuncModule) WithCategory(category string) *FuncModule {
	m.ModuleCategory = category
	return m
}

// -----------------------------------------------------------------------------
// Change notification
// -----------------------------------------------------------------------------

// ChangeKind identifies a mutation of the module sequence.
type ChangeKind string

const (
	ChangeRegistered ChangeKind = "registered"
	ChangeRemoved    ChangeKind = "removed"
	ChangeMoved      ChangeKind = "moved"
	ChangeCleared    ChangeKind = "cleared"
	ChangeSorted     ChangeKind = "sorted"
	ChangeToggled    ChangeKind = "toggled"
)

// Change describes one mutation. Index is the module's new position, or -1.
type Change struct {
	Kind   ChangeKind
	Module string
	Index  int
}

// GPUSync is the compute/render barrier of the shared device.
type GPUSync interface {
	TransitionToCompute()
	TransitionToRender()
	WaitForComputeComplete()
}

type noopGPUSync struct{}

func (noopGPUSync) TransitionToCompute()    {}
func (noopGPUSync) TransitionToRender()     {}
func (noopGPUSync) WaitForComputeComplete() {}
