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
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/simhost/services/simhost/graph"
)

var (
	tracer = otel.Tracer("simhost.pipeline")
	meter  = otel.Meter("simhost.pipeline")
)

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution (graceful degradation).
func (p *Pipeline) initMetrics() {
	p.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		p.frameLatency, err = meter.Float64Histogram("simhost_frame_duration_seconds",
			metric.WithDescription("Time spent executing one pipeline frame"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "frameLatency: "+err.Error())
		}

		p.moduleFaults, err = meter.Int64Counter("simhost_module_faults_total",
			metric.WithDescription("Number of module calls that returned an error or panicked"),
		)
		if err != nil {
			initErrors = append(initErrors, "moduleFaults: "+err.Error())
		}

		p.modulesRun, err = meter.Int64Counter("simhost_module_executions_total",
			metric.WithDescription("Number of module step executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "modulesRun: "+err.Error())
		}

		p.gpuBarriers, err = meter.Int64Counter("simhost_gpu_barriers_total",
			metric.WithDescription("Number of compute/render barrier pairs issued"),
		)
		if err != nil {
			initErrors = append(initErrors, "gpuBarriers: "+err.Error())
		}

		if len(initErrors) > 0 {
			p.logger.Warn("some pipeline metrics failed to initialize",
				slog.Any("errors", initErrors),
			)
		}
	})
}

// InitializeAll calls Initialize on every enabled module in sequence order.
//
// Description:
//
//	Faults are isolated per module and reported through the fault signal;
//	a module whose Initialize fails stays registered and is still stepped.
//	Marks the pipeline initialized and resets the frame counter.
//
// Outputs:
//
//	int - Number of modules whose Initialize faulted.
func (p *Pipeline) InitializeAll(ctx context.Context, g *graph.Graph) int {
	p.initMetrics()

	faults := 0
	for _, e := range p.snapshot() {
		if !e.module.Enabled() {
			continue
		}
		m := e.module
		if !p.guard(ctx, m.Name(), PhaseInitialize, func() error { return m.Initialize(ctx, g) }) {
			faults++
		}
	}

	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()
	p.frames.Store(0)

	p.logger.Info("pipeline initialized",
		slog.Int("modules", p.Len()),
		slog.Int("faults", faults),
	)
	return faults
}

// ExecuteFrame runs one physics frame over g.
//
// Description:
//
//	Enabled modules are ordered by Stage, then group key (ungrouped modules
//	first, each forming its own group), then Priority. The sort is stable, so
//	ties keep registration order. Within each stage, every group is split
//	into three buckets that run in order:
//
//	  1. GPU modules, sequentially, between one TransitionToCompute and one
//	     TransitionToRender + WaitForComputeComplete.
//	  2. Synchronous CPU modules, concurrently when the group is Parallel and
//	     has more than one such module, otherwise sequentially.
//	  3. Asynchronous modules, always concurrently.
//
//	Every bucket is joined before the next one starts. Module faults are
//	reported and never abort the frame.
//
// Inputs:
//
//	ctx - Passed through to modules and used for tracing.
//	g - The graph the modules operate on. May be nil for graph-less modules.
//	dt - Timestep.
//
// Thread Safety:
//
//	Frames must not overlap. Registration may happen concurrently; the frame
//	uses the sequence captured at its start.
func (p *Pipeline) ExecuteFrame(ctx context.Context, g *graph.Graph, dt float64) {
	p.initMetrics()
	start := time.Now()

	ordered := enabledOrdered(p.snapshot(), scheduleLess)

	ctx, span := tracer.Start(ctx, "pipeline.ExecuteFrame",
		trace.WithAttributes(
			attribute.Int64("pipeline.frame", p.frames.Load()),
			attribute.Int("pipeline.modules", len(ordered)),
		),
	)
	defer span.End()

	for _, stage := range Stages {
		members := stageSlice(ordered, stage)
		for _, group := range partitionGroups(members) {
			p.runGroup(ctx, group, g, dt)
		}
	}

	p.frames.Add(1)
	if p.modulesRun != nil {
		p.modulesRun.Add(ctx, int64(len(ordered)))
	}
	if p.frameLatency != nil {
		p.frameLatency.Record(ctx, time.Since(start).Seconds())
	}
}

// ExecuteFrameAsync runs one frame ordered by Stage and Priority only.
//
// Description:
//
//	Groups are ignored. Per stage, GPU modules run inside one barrier pair,
//	synchronous modules run inline and asynchronous modules run concurrently
//	and are awaited together. Cancellation is checked between buckets.
//
// Outputs:
//
//	error - ctx.Err() if the frame was cancelled part way. The frame counter
//	        only advances for completed frames.
func (p *Pipeline) ExecuteFrameAsync(ctx context.Context, g *graph.Graph, dt float64) error {
	p.initMetrics()
	start := time.Now()

	ordered := enabledOrdered(p.snapshot(), stagePriorityLess)

	ctx, span := tracer.Start(ctx, "pipeline.ExecuteFrameAsync",
		trace.WithAttributes(
			attribute.Int64("pipeline.frame", p.frames.Load()),
			attribute.Int("pipeline.modules", len(ordered)),
		),
	)
	defer span.End()

	for _, stage := range Stages {
		gpu, cpu, async := splitBuckets(stageSlice(ordered, stage))

		if err := ctx.Err(); err != nil {
			return err
		}
		p.runGPU(ctx, gpu, g, dt)

		if err := ctx.Err(); err != nil {
			return err
		}
		p.runSequential(ctx, cpu, g, dt)

		if err := ctx.Err(); err != nil {
			return err
		}
		p.runConcurrent(ctx, async, g, dt)
	}

	p.frames.Add(1)
	if p.modulesRun != nil {
		p.modulesRun.Add(ctx, int64(len(ordered)))
	}
	if p.frameLatency != nil {
		p.frameLatency.Record(ctx, time.Since(start).Seconds())
	}
	return nil
}

// runGroup executes the three buckets of one module group.
func (p *Pipeline) runGroup(ctx context.Context, group []*entry, g *graph.Graph, dt float64) {
	gpu, cpu, async := splitBuckets(group)

	p.runGPU(ctx, gpu, g, dt)

	if group[0].module.GroupMode() == GroupParallel && len(cpu) > 1 {
		p.runConcurrent(ctx, cpu, g, dt)
	} else {
		p.runSequential(ctx, cpu, g, dt)
	}

	p.runConcurrent(ctx, async, g, dt)
}

func (p *Pipeline) runGPU(ctx context.Context, bucket []*entry, g *graph.Graph, dt float64) {
	if len(bucket) == 0 {
		return
	}
	p.gpu.TransitionToCompute()
	for _, e := range bucket {
		p.executeModuleSafe(ctx, e, g, dt)
	}
	p.gpu.TransitionToRender()
	p.gpu.WaitForComputeComplete()

	if p.gpuBarriers != nil {
		p.gpuBarriers.Add(ctx, 1)
	}
}

func (p *Pipeline) runSequential(ctx context.Context, bucket []*entry, g *graph.Graph, dt float64) {
	for _, e := range bucket {
		p.executeModuleSafe(ctx, e, g, dt)
	}
}

// runConcurrent runs every module of the bucket on its own goroutine and
// waits for all of them.
func (p *Pipeline) runConcurrent(ctx context.Context, bucket []*entry, g *graph.Graph, dt float64) {
	if len(bucket) == 0 {
		return
	}
	var eg errgroup.Group
	for _, e := range bucket {
		eg.Go(func() error {
			p.executeModuleSafe(ctx, e, g, dt)
			return nil
		})
	}
	_ = eg.Wait()
}

// executeModuleSafe steps one module, preferring the bulk entry point when
// both the module and the graph support it.
func (p *Pipeline) executeModuleSafe(ctx context.Context, e *entry, g *graph.Graph, dt float64) {
	p.guard(ctx, e.module.Name(), PhaseExecuteStep, func() error {
		if e.bulk != nil && g != nil {
			if v, ok := g.RawViews(); ok {
				return e.bulk.ExecuteBulk(ctx, v.Weights, v.Phases, v.Edges, v.NodeCount, dt)
			}
		}
		return e.module.ExecuteStep(ctx, g, dt)
	})
}

func (p *Pipeline) cleanup(e *entry) {
	p.guard(context.Background(), e.module.Name(), PhaseCleanup, e.module.Cleanup)
}

// guard runs fn, converting returned errors and panics into one fault report.
// Returns false if fn faulted.
func (p *Pipeline) guard(ctx context.Context, module string, phase Phase, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.fault(ctx, NewModuleError(module, phase, fmt.Errorf("%w: %v", ErrModulePanic, r)))
			ok = false
		}
	}()

	if err := fn(); err != nil {
		p.fault(ctx, NewModuleError(module, phase, err))
		return false
	}
	return true
}

func (p *Pipeline) fault(ctx context.Context, merr *ModuleError) {
	p.logger.Warn("module fault",
		slog.String("module", merr.Module),
		slog.String("phase", string(merr.Phase)),
		slog.String("error", merr.Err.Error()),
	)
	if p.moduleFaults != nil {
		p.moduleFaults.Add(ctx, 1, metric.WithAttributes(
			attribute.String("module", merr.Module),
			attribute.String("phase", string(merr.Phase)),
		))
	}
	if p.onFault != nil {
		p.onFault(merr)
	}
}

// -----------------------------------------------------------------------------
// Scheduling helpers
// -----------------------------------------------------------------------------

// scheduleLess orders by Stage, group key and Priority. The empty group key
// sorts before every named group.
func scheduleLess(a, b Module) bool {
	if a.Stage() != b.Stage() {
		return a.Stage() < b.Stage()
	}
	if a.Group() != b.Group() {
		return a.Group() < b.Group()
	}
	return a.Priority() < b.Priority()
}

func stagePriorityLess(a, b Module) bool {
	if a.Stage() != b.Stage() {
		return a.Stage() < b.Stage()
	}
	return a.Priority() < b.Priority()
}

// enabledOrdered filters to enabled modules and sorts them stably. Enabled is
// sampled once here for the whole frame.
func enabledOrdered(entries []*entry, less func(a, b Module) bool) []*entry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.module.Enabled() {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i].module, out[j].module)
	})
	return out
}

// stageSlice returns the contiguous run of ordered belonging to stage.
func stageSlice(ordered []*entry, stage Stage) []*entry {
	lo := sort.Search(len(ordered), func(i int) bool { return ordered[i].module.Stage() >= stage })
	hi := sort.Search(len(ordered), func(i int) bool { return ordered[i].module.Stage() > stage })
	return ordered[lo:hi]
}

// partitionGroups splits one stage into execution groups. Ungrouped modules
// are singleton groups; grouped modules are adjacent after sorting.
func partitionGroups(members []*entry) [][]*entry {
	var groups [][]*entry
	for i := 0; i < len(members); {
		key := members[i].module.Group()
		j := i + 1
		if key != "" {
			for j < len(members) && members[j].module.Group() == key {
				j++
			}
		}
		groups = append(groups, members[i:j])
		i = j
	}
	return groups
}

func splitBuckets(members []*entry) (gpu, cpu, async []*entry) {
	for _, e := range members {
		switch e.module.ExecutionType() {
		case ExecGPU:
			gpu = append(gpu, e)
		case ExecSynchronousCPU:
			cpu = append(cpu, e)
		case ExecAsynchronousTask:
			async = append(async, e)
		}
	}
	return gpu, cpu, async
}
