// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package host

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/AleutianAI/simhost/services/simhost/config"
	"github.com/AleutianAI/simhost/services/simhost/engine"
	"github.com/AleutianAI/simhost/services/simhost/graph"
	"github.com/AleutianAI/simhost/services/simhost/modules"
	"github.com/AleutianAI/simhost/services/simhost/orchestrator"
	"github.com/AleutianAI/simhost/services/simhost/pipeline"
	"github.com/AleutianAI/simhost/services/simhost/protocol"
	"github.com/AleutianAI/simhost/services/simhost/snapshot"
	"github.com/AleutianAI/simhost/services/simhost/telemetry"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeEngine struct {
	initialized atomic.Int32
	uploaded    atomic.Int32
	steps       atomic.Int32
	downloads   atomic.Int32
	closed      atomic.Int32
	stepErr     error
	initErr     error
}

func (e *fakeEngine) Initialize(context.Context) error {
	e.initialized.Add(1)
	return e.initErr
}

func (e *fakeEngine) UploadState(context.Context) error {
	e.uploaded.Add(1)
	return nil
}

func (e *fakeEngine) StepBatch(context.Context, int, engine.Constants) error {
	e.steps.Add(1)
	return e.stepErr
}

func (e *fakeEngine) DownloadSnapshot(context.Context, int64) error {
	e.downloads.Add(1)
	return nil
}

func (e *fakeEngine) Close() error {
	e.closed.Add(1)
	return nil
}

// engineFactory returns a factory handing out fresh fakeEngines, each
// configured by tune, and records every engine it built.
type engineFactory struct {
	mu    sync.Mutex
	built []*fakeEngine
	tune  func(*fakeEngine)
}

func (f *engineFactory) New(context.Context, *graph.Graph) (engine.Engine, error) {
	e := &fakeEngine{}
	if f.tune != nil {
		f.tune(e)
	}
	f.mu.Lock()
	f.built = append(f.built, e)
	f.mu.Unlock()
	return e, nil
}

func (f *engineFactory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func (f *engineFactory) Engine(i int) *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[i]
}

type fakeOrchestrator struct {
	mu       sync.Mutex
	received []orchestrator.Snapshot
	status   orchestrator.Status
	closed   atomic.Bool
}

func (o *fakeOrchestrator) Initialize(context.Context, int) error { return nil }

func (o *fakeOrchestrator) OnStepCompleted(_ context.Context, snap orchestrator.Snapshot) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received = append(o.received, snap)
	return nil
}

func (o *fakeOrchestrator) Status(context.Context) (orchestrator.Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status, nil
}

func (o *fakeOrchestrator) setStatus(st orchestrator.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = st
}

func (o *fakeOrchestrator) Close() error {
	o.closed.Store(true)
	return nil
}

func (o *fakeOrchestrator) Iterations() []int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]int64, 0, len(o.received))
	for _, s := range o.received {
		out = append(out, s.Header.Iteration)
	}
	return out
}

type testHost struct {
	*Host
	region  *snapshot.MemoryRegion
	clock   *fakeClock
	engines *engineFactory
}

func testOptions(t *testing.T) Options {
	t.Helper()
	metrics, err := telemetry.NewMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return Options{
		Config:  config.DefaultConfig(),
		Region:  snapshot.NewMemoryRegion(1 << 20),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: metrics,
	}
}

// newTestHost builds a host with a fake clock and fake engines. edit may
// adjust the options before construction.
func newTestHost(t *testing.T, edit func(*Options)) *testHost {
	t.Helper()
	opts := testOptions(t)
	clock := newFakeClock()
	engines := &engineFactory{}
	opts.Now = clock.Now
	opts.Engines = engines.New
	if edit != nil {
		edit(&opts)
	}
	h, err := New(opts)
	require.NoError(t, err)
	return &testHost{Host: h, region: opts.Region.(*snapshot.MemoryRegion), clock: clock, engines: engines}
}

func (th *testHost) apply(t *testing.T, cmd protocol.Command) {
	t.Helper()
	require.NoError(t, th.Apply(context.Background(), cmd))
}

func (th *testHost) updateSettings(t *testing.T, s protocol.Settings) {
	t.Helper()
	cmd, err := protocol.NewUpdateSettings(s)
	require.NoError(t, err)
	th.apply(t, cmd)
}

func (th *testHost) tick(n int) {
	for i := 0; i < n; i++ {
		th.Tick(context.Background())
	}
}

func (th *testHost) read(t *testing.T) (snapshot.Header, []snapshot.RenderNode) {
	t.Helper()
	hdr, nodes, err := snapshot.Read(th.region.Bytes())
	require.NoError(t, err)
	return hdr, nodes
}

func cmd(t protocol.CommandType) protocol.Command {
	return protocol.Command{Type: t}
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_RequiresRegion(t *testing.T) {
	opts := testOptions(t)
	opts.Region = nil
	_, err := New(opts)
	assert.ErrorIs(t, err, ErrNoRegion)
}

func TestNew_RejectsTinyRegion(t *testing.T) {
	opts := testOptions(t)
	opts.Region = snapshot.NewMemoryRegion(snapshot.HeaderSize - 1)
	_, err := New(opts)
	assert.ErrorIs(t, err, snapshot.ErrCapacityTooSmall)
}

func TestNew_InitialState(t *testing.T) {
	th := newTestHost(t, nil)

	assert.Equal(t, protocol.StatusStopped, th.Status())
	assert.Equal(t, ModeIdle, th.Mode())
	assert.Equal(t, int64(0), th.Iteration())
	assert.True(t, th.Running())
	assert.Equal(t, protocol.DefaultSettings(), th.Settings())
	assert.NotEmpty(t, th.RunID())

	_, ok := th.LastHeader()
	assert.False(t, ok)
}

func TestNew_ClampsHandoffInterval(t *testing.T) {
	th := newTestHost(t, func(o *Options) { o.Config.Publish.HandoffInterval = 0 })
	assert.Equal(t, int64(minHandoffInterval), th.handoffEvery)

	th = newTestHost(t, func(o *Options) { o.Config.Publish.HandoffInterval = 1_000_000 })
	assert.Equal(t, int64(maxHandoffInterval), th.handoffEvery)
}

// =============================================================================
// Start and stepping paths
// =============================================================================

func TestHost_FreshStartPublishesDefaultGraph(t *testing.T) {
	th := newTestHost(t, nil)

	th.apply(t, cmd(protocol.CommandStart))
	assert.Equal(t, protocol.StatusRunning, th.Status())
	assert.Equal(t, ModeAccelerated, th.Mode())
	require.Equal(t, 1, th.engines.Calls())

	th.tick(3)

	eng := th.engines.Engine(0)
	assert.Equal(t, int32(1), eng.initialized.Load())
	assert.Equal(t, int32(1), eng.uploaded.Load())
	assert.Equal(t, int32(3), eng.steps.Load())
	assert.Equal(t, int32(3), eng.downloads.Load())

	hdr, nodes := th.read(t)
	assert.Equal(t, int64(3), hdr.Iteration)
	assert.Equal(t, int32(protocol.DefaultNodeCount), hdr.NodeCount)
	assert.Equal(t, int32(protocol.StatusRunning), hdr.StatusCode)
	assert.Equal(t, th.clock.Now().UnixMilli(), hdr.Timestamp)
	assert.Equal(t, protocol.DefaultTemperature, hdr.Temperature)
	assert.Positive(t, hdr.EdgeCount)
	require.Len(t, nodes, protocol.DefaultNodeCount)
	assert.Equal(t, int32(5), nodes[5].ID)

	last, ok := th.LastHeader()
	require.True(t, ok)
	assert.Equal(t, hdr, last)
}

func TestHost_RenderColorsFollowExcitation(t *testing.T) {
	th := newTestHost(t, nil)
	th.apply(t, cmd(protocol.CommandStart))
	th.tick(1)

	_, nodes := th.read(t)
	excitation := th.Graph().Excitation()
	for i, n := range nodes {
		heat := float32(math.Min(1, excitation[i]*2))
		assert.InDelta(t, heat, n.R, 1e-6)
		assert.InDelta(t, 1-heat, n.B, 1e-6)
		assert.InDelta(t, 0.25, n.G, 1e-6)
		p := th.Graph().Position(i)
		assert.Equal(t, p[0], n.X)
	}
}

func TestHost_UpdateSettingsBeforeStart(t *testing.T) {
	th := newTestHost(t, nil)

	s := th.Settings()
	s.NodeCount = 50
	th.updateSettings(t, s)
	assert.Nil(t, th.Graph(), "graph is built lazily on Start")
	assert.Equal(t, 0, th.engines.Calls())

	th.apply(t, cmd(protocol.CommandStart))
	require.NotNil(t, th.Graph())
	assert.Equal(t, 50, th.Graph().NodeCount())

	th.tick(1)
	hdr, nodes := th.read(t)
	assert.Equal(t, int32(50), hdr.NodeCount)
	assert.Len(t, nodes, 50)
}

func TestHost_EngineUnavailableFallsBack(t *testing.T) {
	th := newTestHost(t, func(o *Options) {
		o.Engines = func(context.Context, *graph.Graph) (engine.Engine, error) {
			return nil, engine.ErrEngineUnavailable
		}
	})

	th.apply(t, cmd(protocol.CommandStart))
	assert.Equal(t, protocol.StatusRunning, th.Status())
	assert.Equal(t, ModeFallback, th.Mode())

	report := th.Report()
	assert.Equal(t, int64(1), report.Faults)
	assert.Contains(t, report.LastFault, "engine construction")

	// The fallback path advances once per fallback interval (50ms).
	th.tick(1)
	assert.Equal(t, int64(0), th.Iteration())
	th.clock.Advance(20 * time.Millisecond)
	th.tick(1)
	assert.Equal(t, int64(0), th.Iteration())
	th.clock.Advance(30 * time.Millisecond)
	th.tick(1)
	assert.Equal(t, int64(1), th.Iteration())
	th.clock.Advance(10 * time.Millisecond)
	th.tick(1)
	assert.Equal(t, int64(1), th.Iteration())
	th.clock.Advance(40 * time.Millisecond)
	th.tick(1)
	assert.Equal(t, int64(2), th.Iteration())
}

func TestHost_EngineIsNotRetriedAfterConstructionFailure(t *testing.T) {
	var calls atomic.Int32
	th := newTestHost(t, func(o *Options) {
		o.Engines = func(context.Context, *graph.Graph) (engine.Engine, error) {
			calls.Add(1)
			return nil, engine.ErrEngineUnavailable
		}
	})

	th.apply(t, cmd(protocol.CommandStart))
	th.apply(t, cmd(protocol.CommandStop))
	th.apply(t, cmd(protocol.CommandStart))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, ModeFallback, th.Mode())
}

func TestHost_EnginePrepareFailureFallsBack(t *testing.T) {
	th := newTestHost(t, nil)
	th.engines.tune = func(e *fakeEngine) { e.initErr = errors.New("device lost") }

	th.apply(t, cmd(protocol.CommandStart))

	assert.Equal(t, ModeFallback, th.Mode())
	assert.Equal(t, int32(1), th.engines.Engine(0).closed.Load())
	assert.Contains(t, th.Report().LastFault, "device lost")
}

func TestHost_SteppingFaultThenRestartFallsBack(t *testing.T) {
	th := newTestHost(t, nil)
	th.engines.tune = func(e *fakeEngine) { e.stepErr = engine.ErrDiverged }

	th.apply(t, cmd(protocol.CommandStart))
	require.Equal(t, ModeAccelerated, th.Mode())

	th.tick(1)
	assert.Equal(t, protocol.StatusFaulted, th.Status())
	assert.Equal(t, ModeIdle, th.Mode())
	assert.Equal(t, int64(1), th.Iteration())

	// The loop keeps publishing while faulted.
	th.tick(2)
	assert.Equal(t, int64(1), th.Iteration())
	hdr, _ := th.read(t)
	assert.Equal(t, int32(protocol.StatusFaulted), hdr.StatusCode)

	th.apply(t, cmd(protocol.CommandStart))
	assert.Equal(t, protocol.StatusRunning, th.Status())
	assert.Equal(t, ModeFallback, th.Mode())
	assert.Equal(t, 1, th.engines.Calls(), "a faulted engine is not rebuilt")
	assert.Equal(t, int32(1), th.engines.Engine(0).closed.Load())
	assert.Equal(t, int64(1), th.Report().Faults)
}

func TestHost_PipelineEngineIntegration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := pipeline.New(pipeline.Options{Logger: logger})
	require.NoError(t, modules.RegisterDefaults(p))
	factory, err := engine.NewFactory(engine.ModePipeline, p, engine.NewHostSync(logger), logger)
	require.NoError(t, err)

	th := newTestHost(t, func(o *Options) {
		o.Engines = factory
		o.Config.Simulation.NodeCount = 64
	})

	th.apply(t, cmd(protocol.CommandStart))
	require.Equal(t, ModeAccelerated, th.Mode())
	th.tick(3)

	assert.Equal(t, int64(3), th.Iteration())
	assert.Equal(t, int64(3*th.batchSize), p.FrameCount())
	assert.Equal(t, protocol.StatusRunning, th.Status())

	hdr, _ := th.read(t)
	assert.Equal(t, int32(64), hdr.NodeCount)
	assert.False(t, math.IsNaN(hdr.SystemEnergy))
}

// =============================================================================
// Pause, Step and Stop
// =============================================================================

func TestHost_PauseAndStep(t *testing.T) {
	th := newTestHost(t, nil)
	th.apply(t, cmd(protocol.CommandStart))
	th.tick(1)

	th.apply(t, cmd(protocol.CommandPause))
	assert.Equal(t, protocol.StatusPaused, th.Status())
	th.tick(2)
	assert.Equal(t, int64(1), th.Iteration())

	th.apply(t, cmd(protocol.CommandStep))
	th.tick(1)
	assert.Equal(t, int64(2), th.Iteration())
	th.tick(1)
	assert.Equal(t, int64(2), th.Iteration(), "a step advances exactly once")
	assert.Equal(t, protocol.StatusPaused, th.Status())
	assert.Equal(t, int32(2), th.engines.Engine(0).steps.Load())

	th.apply(t, cmd(protocol.CommandStart))
	assert.Equal(t, protocol.StatusRunning, th.Status())
	th.tick(1)
	assert.Equal(t, int64(3), th.Iteration())
}

func TestHost_PauseIgnoredUnlessRunning(t *testing.T) {
	th := newTestHost(t, nil)
	th.apply(t, cmd(protocol.CommandPause))
	assert.Equal(t, protocol.StatusStopped, th.Status())
}

func TestHost_StepWhileStoppedAndInactiveIsIgnored(t *testing.T) {
	th := newTestHost(t, nil)
	th.apply(t, cmd(protocol.CommandStep))
	th.tick(2)
	assert.Equal(t, int64(0), th.Iteration())
}

func TestHost_StopKeepsGraphAndReusesEngine(t *testing.T) {
	th := newTestHost(t, nil)
	th.apply(t, cmd(protocol.CommandStart))
	th.tick(2)
	g := th.Graph()

	th.apply(t, cmd(protocol.CommandStop))
	assert.Equal(t, protocol.StatusStopped, th.Status())
	assert.Equal(t, ModeIdle, th.Mode())

	th.tick(2)
	assert.Equal(t, int64(2), th.Iteration())
	hdr, _ := th.read(t)
	assert.Equal(t, int32(protocol.StatusStopped), hdr.StatusCode)

	th.apply(t, cmd(protocol.CommandStart))
	assert.Same(t, g, th.Graph())
	assert.Equal(t, 1, th.engines.Calls())
	assert.Equal(t, int32(2), th.engines.Engine(0).initialized.Load())
}

// =============================================================================
// Settings
// =============================================================================

func TestHost_SettingsWithoutTopologyChangeKeepGraph(t *testing.T) {
	th := newTestHost(t, nil)
	th.apply(t, cmd(protocol.CommandStart))
	g := th.Graph()

	s := th.Settings()
	s.Temperature = 2.5
	th.updateSettings(t, s)

	assert.Same(t, g, th.Graph())
	assert.Equal(t, 1, th.engines.Calls())
	assert.Equal(t, 2.5, th.Settings().Temperature)

	th.tick(1)
	hdr, _ := th.read(t)
	assert.Equal(t, 2.5, hdr.Temperature)
}

func TestHost_TopologyChangeRebuilds(t *testing.T) {
	th := newTestHost(t, nil)
	th.apply(t, cmd(protocol.CommandStart))
	g := th.Graph()

	s := th.Settings()
	s.NodeCount = 50
	th.updateSettings(t, s)

	require.NotNil(t, th.Graph())
	assert.NotSame(t, g, th.Graph())
	assert.Equal(t, 50, th.Graph().NodeCount())
	assert.Equal(t, 2, th.engines.Calls())
	assert.Equal(t, int32(1), th.engines.Engine(0).closed.Load())
	assert.Equal(t, protocol.StatusRunning, th.Status())
	assert.Equal(t, ModeAccelerated, th.Mode())

	th.tick(1)
	hdr, nodes := th.read(t)
	assert.Equal(t, int32(50), hdr.NodeCount)
	assert.Len(t, nodes, 50)
}

func TestHost_TopologyChangeEngineFailureFallsBack(t *testing.T) {
	th := newTestHost(t, nil)
	th.apply(t, cmd(protocol.CommandStart))
	require.Equal(t, ModeAccelerated, th.Mode())

	th.engines.tune = func(e *fakeEngine) { e.initErr = errors.New("device lost") }
	s := th.Settings()
	s.NodeCount = 50
	th.updateSettings(t, s)

	assert.Equal(t, 2, th.engines.Calls())
	assert.Equal(t, protocol.StatusRunning, th.Status())
	assert.Equal(t, ModeFallback, th.Mode())
	report := th.Report()
	assert.Equal(t, int64(1), report.Faults)
	assert.Contains(t, report.LastFault, "engine construction")

	before := th.Iteration()
	th.clock.Advance(50 * time.Millisecond)
	th.tick(1)
	assert.Equal(t, before+1, th.Iteration())
}

func TestHost_TopologyChangeEngineFailureWhilePausedStaysPaused(t *testing.T) {
	th := newTestHost(t, nil)
	th.apply(t, cmd(protocol.CommandStart))
	th.apply(t, cmd(protocol.CommandPause))

	th.engines.tune = func(e *fakeEngine) { e.initErr = errors.New("device lost") }
	s := th.Settings()
	s.Seed++
	th.updateSettings(t, s)

	assert.Equal(t, protocol.StatusPaused, th.Status())
	assert.Equal(t, ModeFallback, th.Mode())

	th.apply(t, cmd(protocol.CommandStep))
	th.tick(1)
	assert.Equal(t, int64(1), th.Iteration())
}

func TestHost_MalformedSettingsAreDropped(t *testing.T) {
	th := newTestHost(t, nil)
	before := th.Settings()

	err := th.Apply(context.Background(), protocol.Command{
		Type:        protocol.CommandUpdateSettings,
		PayloadJson: "{not json",
	})
	assert.ErrorIs(t, err, protocol.ErrMalformedSettings)
	assert.Equal(t, before, th.Settings())
	assert.Equal(t, protocol.StatusStopped, th.Status())
}

func TestHost_UnknownCommandIgnored(t *testing.T) {
	th := newTestHost(t, nil)
	require.NoError(t, th.Apply(context.Background(), protocol.Command{Type: 42}))
	assert.Equal(t, protocol.StatusStopped, th.Status())
}

func TestHost_GraphFaultLeavesHostFaulted(t *testing.T) {
	th := newTestHost(t, func(o *Options) {
		o.BuildGraph = func(graph.Spec) (*graph.Graph, error) {
			return nil, graph.ErrTooLarge
		}
	})

	th.apply(t, cmd(protocol.CommandStart))
	assert.Equal(t, protocol.StatusFaulted, th.Status())
	assert.Equal(t, ModeIdle, th.Mode())
	assert.Equal(t, 0, th.engines.Calls())
	assert.Contains(t, th.Report().LastFault, "graph construction")

	th.tick(1)
	hdr, nodes := th.read(t)
	assert.Equal(t, int32(protocol.StatusFaulted), hdr.StatusCode)
	assert.Equal(t, int32(0), hdr.NodeCount)
	assert.Empty(t, nodes)
}

func TestHost_OversizedTopologyFaultsUntilSettingsShrink(t *testing.T) {
	th := newTestHost(t, nil)
	s := th.Settings()
	s.NodeCount = protocol.MaxNodeCount
	s.TargetDegree = protocol.MaxTargetDegree
	th.updateSettings(t, s)

	th.apply(t, cmd(protocol.CommandStart))
	assert.Equal(t, protocol.StatusFaulted, th.Status())
	assert.Nil(t, th.Graph())
	assert.Contains(t, th.Report().LastFault, graph.ErrTooLarge.Error())

	s.NodeCount = 100
	s.TargetDegree = 4
	th.updateSettings(t, s)
	th.apply(t, cmd(protocol.CommandStart))
	assert.Equal(t, protocol.StatusRunning, th.Status())
	require.NotNil(t, th.Graph())
	assert.Equal(t, 100, th.Graph().NodeCount())
}

// =============================================================================
// Publishing
// =============================================================================

func TestHost_RenderArrayClampedToCapacity(t *testing.T) {
	th := newTestHost(t, func(o *Options) {
		o.Region = snapshot.NewMemoryRegion(snapshot.HeaderSize + 10*snapshot.RenderNodeSize)
	})

	th.apply(t, cmd(protocol.CommandStart))
	th.tick(1)

	hdr, nodes := th.read(t)
	assert.Equal(t, int32(10), hdr.NodeCount)
	assert.Len(t, nodes, 10)
	assert.Equal(t, protocol.DefaultNodeCount, th.Settings().NodeCount)
	assert.Equal(t, protocol.DefaultNodeCount, th.Graph().NodeCount())
}

func TestHost_NonFiniteMetricsPublishedAsZero(t *testing.T) {
	// A single node has no edges, so the mean bond correlation is 0/0.
	th := newTestHost(t, func(o *Options) { o.Config.Simulation.NodeCount = 1 })

	th.apply(t, cmd(protocol.CommandStart))
	th.tick(1)

	hdr, _ := th.read(t)
	for name, v := range map[string]float64{
		"system_energy":      hdr.SystemEnergy,
		"heavy_mass":         hdr.HeavyMass,
		"spectral_dimension": hdr.SpectralDimension,
		"correlation":        hdr.Correlation,
		"effective_coupling": hdr.EffectiveCoupling,
	} {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "%s = %v", name, v)
	}
	assert.Equal(t, 0.0, hdr.Correlation)
	assert.Equal(t, 0.0, hdr.EffectiveCoupling)
	assert.Equal(t, int32(1), hdr.NodeCount)
}

func TestHost_MultiGpuStatusReachesHeader(t *testing.T) {
	orch := &fakeOrchestrator{status: orchestrator.Status{
		GpuCount:             2,
		SpectralWorkersTotal: 4,
		SpectralWorkersBusy:  1,
		PathWorkersTotal:     8,
		PathWorkersBusy:      3,
	}}
	th := newTestHost(t, func(o *Options) { o.Orchestrator = orch })

	th.apply(t, cmd(protocol.CommandGetMultiGpuStatus))
	th.tick(1)

	hdr, _ := th.read(t)
	assert.Equal(t, int32(2), hdr.GpuCount)
	assert.Equal(t, int32(4), hdr.SpectralWorkersTotal)
	assert.Equal(t, int32(1), hdr.SpectralWorkersBusy)
	assert.Equal(t, int32(8), hdr.PathWorkersTotal)
	assert.Equal(t, int32(3), hdr.PathWorkersBusy)
	assert.Equal(t, orch.status, th.Report().Orchestrator)

	// Occupancy follows the backend on every tick without another command.
	orch.setStatus(orchestrator.Status{
		GpuCount:             2,
		SpectralWorkersTotal: 4,
		SpectralWorkersBusy:  4,
		PathWorkersTotal:     8,
		PathWorkersBusy:      0,
	})
	th.tick(1)

	hdr, _ = th.read(t)
	assert.Equal(t, int32(4), hdr.SpectralWorkersBusy)
	assert.Equal(t, int32(0), hdr.PathWorkersBusy)
	assert.Equal(t, int32(4), th.Report().Orchestrator.SpectralWorkersBusy)
}

func TestHost_OccupancyPublishedWithoutStatusCommand(t *testing.T) {
	orch := &fakeOrchestrator{status: orchestrator.Status{SpectralWorkersTotal: 3, SpectralWorkersBusy: 2}}
	th := newTestHost(t, func(o *Options) { o.Orchestrator = orch })

	th.tick(1)

	hdr, _ := th.read(t)
	assert.Equal(t, int32(3), hdr.SpectralWorkersTotal)
	assert.Equal(t, int32(2), hdr.SpectralWorkersBusy)
}

func TestHost_HandoffEveryInterval(t *testing.T) {
	orch := &fakeOrchestrator{}
	th := newTestHost(t, func(o *Options) {
		o.Orchestrator = orch
		o.Config.Publish.HandoffInterval = 2
	})

	th.apply(t, cmd(protocol.CommandStart))
	for i := 0; i < 5; i++ {
		th.tick(1)
		th.handoffs.Wait()
	}

	assert.Equal(t, []int64{2, 4}, orch.Iterations())
	orch.mu.Lock()
	defer orch.mu.Unlock()
	for _, snap := range orch.received {
		assert.Equal(t, th.RunID(), snap.RunID)
	}
}

func TestHost_NoHandoffWithoutAdvance(t *testing.T) {
	orch := &fakeOrchestrator{}
	th := newTestHost(t, func(o *Options) {
		o.Orchestrator = orch
		o.Config.Publish.HandoffInterval = 1
	})

	th.tick(3)
	th.handoffs.Wait()
	assert.Empty(t, orch.Iterations())
}

// =============================================================================
// Run and the control channel
// =============================================================================

func runHost(t *testing.T, th *testHost) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- th.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func dial(t *testing.T, path string) net.Conn {
	t.Helper()
	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("unix", path)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return conn
}

func send(t *testing.T, conn net.Conn, c protocol.Command) {
	t.Helper()
	line, err := protocol.EncodeCommand(c)
	require.NoError(t, err)
	_, err = conn.Write(line)
	require.NoError(t, err)
}

func socketHost(t *testing.T) (*testHost, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctl.sock")
	th := newTestHost(t, func(o *Options) {
		o.Now = nil
		o.Config.Control = config.ControlConfig{Network: "unix", Address: path}
		o.Config.Publish.Interval = 5 * time.Millisecond
		o.Config.Simulation.NodeCount = 32
	})
	return th, path
}

func TestRun_ServesControlSocketUntilShutdown(t *testing.T) {
	th, path := socketHost(t)
	_, done := runHost(t, th)

	conn := dial(t, path)
	_, err := conn.Write([]byte("this is not json\n{\"Type\":42}\n"))
	require.NoError(t, err)
	send(t, conn, cmd(protocol.CommandStart))

	require.Eventually(t, func() bool {
		return th.Status() == protocol.StatusRunning && th.Iteration() > 0
	}, 5*time.Second, 5*time.Millisecond, "malformed lines must not drop the connection")

	// A new peer can connect after the first disconnects.
	require.NoError(t, conn.Close())
	conn = dial(t, path)
	defer conn.Close()
	send(t, conn, cmd(protocol.CommandPause))
	require.Eventually(t, func() bool {
		return th.Status() == protocol.StatusPaused
	}, 5*time.Second, 5*time.Millisecond)

	send(t, conn, cmd(protocol.CommandShutdown))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	assert.False(t, th.Running())

	hdr, ok := th.LastHeader()
	require.True(t, ok)
	assert.Equal(t, int32(32), hdr.NodeCount)
}

func TestRun_OversizedLineKeepsConnection(t *testing.T) {
	th, path := socketHost(t)
	_, done := runHost(t, th)

	conn := dial(t, path)
	defer conn.Close()

	oversized := append(bytes.Repeat([]byte{'x'}, maxCommandLine+10), '\n')
	_, err := conn.Write(oversized)
	require.NoError(t, err)
	send(t, conn, cmd(protocol.CommandStart))

	require.Eventually(t, func() bool {
		return th.Status() == protocol.StatusRunning
	}, 5*time.Second, 5*time.Millisecond)

	send(t, conn, cmd(protocol.CommandShutdown))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestLineReader(t *testing.T) {
	type result struct {
		line    string
		tooLong bool
	}
	tests := []struct {
		name  string
		input string
		want  []result
	}{
		{
			name:  "short lines",
			input: "ab\ncd\n",
			want:  []result{{line: "ab"}, {line: "cd"}},
		},
		{
			name:  "line at the limit",
			input: "12345678\nx\n",
			want:  []result{{line: "12345678"}, {line: "x"}},
		},
		{
			name:  "oversized line is skipped up to its newline",
			input: "123456789abc\nok\n",
			want:  []result{{tooLong: true}, {line: "ok"}},
		},
		{
			name:  "final line without newline",
			input: "ab\ncd",
			want:  []result{{line: "ab"}, {line: "cd"}},
		},
		{
			name:  "empty lines are returned",
			input: "\n\nz\n",
			want:  []result{{line: ""}, {line: ""}, {line: "z"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLineReader(strings.NewReader(tt.input), 8)
			var got []result
			for {
				line, tooLong, err := l.next()
				if errors.Is(err, io.EOF) {
					break
				}
				require.NoError(t, err)
				got = append(got, result{line: string(line), tooLong: tooLong})
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLineReader_OversizedBeyondReaderBuffer(t *testing.T) {
	input := strings.Repeat("y", 200*1024) + "\n" + `{"Type":1}` + "\n"
	l := newLineReader(strings.NewReader(input), 1024)

	_, tooLong, err := l.next()
	require.NoError(t, err)
	assert.True(t, tooLong)

	line, tooLong, err := l.next()
	require.NoError(t, err)
	assert.False(t, tooLong)
	assert.Equal(t, `{"Type":1}`, string(line))

	_, _, err = l.next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRun_ReturnsOnContextCancel(t *testing.T) {
	th, _ := socketHost(t)
	orch := &fakeOrchestrator{}
	th.orch = orch

	cancel, done := runHost(t, th)
	require.Eventually(t, func() bool { return th.writer.Writes() > 0 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, orch.closed.Load())
}

func TestSubmit_HonorsContext(t *testing.T) {
	th := newTestHost(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Nothing drains the intent channel without Run.
	err := th.Submit(ctx, cmd(protocol.CommandStart))
	assert.ErrorIs(t, err, context.Canceled)
}
