// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline schedules physics modules over the simulation graph.
//
// # Ordering
//
// Every frame the enabled modules are ordered by (Stage, Group, Priority).
// Stages run in the fixed order Preparation, Forces, Integration,
// PostProcess. Within a stage, modules sharing a Group key form one atomic
// unit; ungrouped modules sort first and each forms its own unit. Ties keep
// registration order, so an unchanged pipeline always visits modules in the
// same sequence.
//
// # Buckets
//
// Each unit is split by ExecutionType:
//
//	GPU               sequential, bracketed by one compute/render barrier pair
//	SynchronousCPU    concurrent only for Parallel groups of two or more
//	AsynchronousTask  always concurrent
//
// All concurrent work is joined before the unit completes, so a later unit
// never observes a partially applied earlier one and no goroutine outlives
// the frame.
//
// # Fault Isolation
//
// Errors returned by, and panics raised in, Initialize, ExecuteStep and
// Cleanup are caught per module, logged, counted and reported through the
// OnFault callback. They never abort the frame and never reach the caller.
//
// # Example
//
//	p := pipeline.New(pipeline.Options{GPU: sync, Logger: logger})
//	if err := p.Register(modules.NewPhaseRelaxation()); err != nil {
//	    return err
//	}
//	p.InitializeAll(ctx, g)
//	p.ExecuteFrame(ctx, g, 0.01)
package pipeline
