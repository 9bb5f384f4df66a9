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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/simhost/services/simhost/config"
	"github.com/AleutianAI/simhost/services/simhost/engine"
	"github.com/AleutianAI/simhost/services/simhost/graph"
	"github.com/AleutianAI/simhost/services/simhost/orchestrator"
	"github.com/AleutianAI/simhost/services/simhost/protocol"
	"github.com/AleutianAI/simhost/services/simhost/snapshot"
	"github.com/AleutianAI/simhost/services/simhost/telemetry"
)

var (
	tracer = otel.Tracer("simhost.host")
	meter  = otel.Meter("simhost.host")
)

// Hand-off interval bounds, in iterations.
const (
	minHandoffInterval = 1
	maxHandoffInterval = 10000
)

// ErrNoRegion is returned by New without a snapshot region.
var ErrNoRegion = errors.New("host: snapshot region is required")

// Mode is the stepping path of an active simulation.
type Mode int32

const (
	ModeIdle Mode = iota
	ModeAccelerated
	ModeFallback
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeAccelerated:
		return "accelerated"
	case ModeFallback:
		return "fallback"
	default:
		return "idle"
	}
}

// Options configures a Host.
type Options struct {
	// Config supplies initial settings, physics constants and loop pacing.
	Config config.SimHostConfig

	// Region receives the snapshots. Required.
	Region snapshot.Region

	// Engines builds the accelerated engine. Nil always runs in fallback mode.
	Engines engine.Factory

	// Orchestrator receives snapshot hand-offs. Nil uses orchestrator.Noop.
	Orchestrator orchestrator.Orchestrator

	// BuildGraph constructs graphs. Nil uses graph.Build.
	BuildGraph func(graph.Spec) (*graph.Graph, error)

	// Logger. Nil uses slog.Default().
	Logger *slog.Logger

	// Metrics. Nil registers host metrics on the global meter.
	Metrics *telemetry.Metrics

	// Now is the clock. Nil uses time.Now.
	Now func() time.Time
}

// intent is one command handed from the command loop to the publish goroutine.
type intent struct {
	cmd  protocol.Command
	done chan error
}

// Host is the simulation host.
//
// Description:
//
//	Run starts the publish and command loops and blocks until Shutdown or
//	context cancellation. Apply and Tick are the single-owner entry points
//	used by the publish goroutine; they are exported so callers that drive
//	the host without Run (tests, embedding) can do so from one goroutine.
//
// Thread Safety:
//
//	Status, Iteration, Settings, Mode, LastHeader, Report and Submit are safe
//	for concurrent use. Apply and Tick must not be called concurrently with
//	each other or with Run.
type Host struct {
	cfg          config.SimHostConfig
	constants    engine.Constants
	batchSize    int
	handoffEvery int64
	runID        string
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	writer       *snapshot.Writer
	engines      engine.Factory
	orch         orchestrator.Orchestrator
	buildGraph   func(graph.Spec) (*graph.Graph, error)
	now          func() time.Time

	intents chan intent

	// Owned by the publish goroutine.
	graph           *graph.Graph
	eng             engine.Engine
	engineAttempted bool
	engineFaulted   bool
	fallback        bool
	active          bool
	stepPending     bool
	lastAdvance     time.Time
	lastHandoff     int64
	render          []snapshot.RenderNode
	diagEvery       rate.Sometimes
	nanEvery        rate.Sometimes

	// Published for lock-free readers.
	status    atomic.Int32
	mode      atomic.Int32
	iteration atomic.Int64
	running   atomic.Bool
	faults    atomic.Int64
	settings  atomic.Pointer[protocol.Settings]
	header    atomic.Pointer[snapshot.Header]
	lastFault atomic.Pointer[string]
	orchState atomic.Pointer[orchestrator.Status]

	handoffBusy atomic.Bool
	handoffs    sync.WaitGroup

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New creates a stopped host.
//
// Outputs:
//
//	*Host - The host, in status Stopped with the configured initial settings.
//	error - ErrNoRegion, or snapshot.ErrCapacityTooSmall for a tiny region.
func New(opts Options) (*Host, error) {
	if opts.Region == nil {
		return nil, ErrNoRegion
	}
	writer, err := snapshot.NewWriter(opts.Region)
	if err != nil {
		return nil, fmt.Errorf("snapshot writer: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Engines == nil {
		opts.Engines = func(context.Context, *graph.Graph) (engine.Engine, error) {
			return nil, engine.ErrEngineUnavailable
		}
	}
	if opts.Orchestrator == nil {
		opts.Orchestrator = orchestrator.NewNoop()
	}
	if opts.BuildGraph == nil {
		opts.BuildGraph = graph.Build
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics, err = telemetry.NewMetrics(meter)
		if err != nil {
			logger.Warn("host metrics unavailable, continuing without", slog.String("error", err.Error()))
			metrics, _ = telemetry.NewMetrics(noop.NewMeterProvider().Meter("simhost.host"))
		}
	}

	cfg := opts.Config
	h := &Host{
		cfg:          cfg,
		constants:    cfg.Physics.Constants(0),
		batchSize:    max(cfg.Physics.BatchSize, 1),
		handoffEvery: int64(min(max(cfg.Publish.HandoffInterval, minHandoffInterval), maxHandoffInterval)),
		runID:        uuid.NewString(),
		metrics:      metrics,
		writer:       writer,
		engines:      opts.Engines,
		orch:         opts.Orchestrator,
		buildGraph:   opts.BuildGraph,
		now:          opts.Now,
		intents:      make(chan intent),
		diagEvery:    rate.Sometimes{Interval: cfg.Publish.DiagnosticInterval},
		nanEvery:     rate.Sometimes{Interval: 10 * time.Second},
	}
	h.logger = logger.With(
		slog.String("component", "simulation_host"),
		slog.String("run_id", h.runID),
	)

	settings := cfg.Simulation.Normalize()
	h.settings.Store(&settings)
	h.status.Store(int32(protocol.StatusStopped))
	h.running.Store(true)

	return h, nil
}

// Run starts both loops and blocks until they exit.
//
// Description:
//
//	The orchestrator is initialized first; an initialization failure is
//	logged and hand-offs are still attempted. Run returns nil after a
//	Shutdown command or when ctx is cancelled. On return the engine and the
//	orchestrator are closed and no background hand-off is in flight.
func (h *Host) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.cancelMu.Lock()
	h.cancel = cancel
	h.cancelMu.Unlock()

	if err := h.orch.Initialize(ctx, h.writer.MaxNodes()); err != nil {
		h.logger.Warn("orchestrator initialization failed",
			slog.String("error", err.Error()),
		)
	}

	h.logger.Info("simulation host started",
		slog.String("control", h.cfg.Control.Network+"://"+h.cfg.Control.Address),
		slog.Int("capacity_bytes", h.writer.Capacity()),
		slog.Int("max_render_nodes", h.writer.MaxNodes()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.publishLoop(gctx) })
	g.Go(func() error { return h.commandLoop(gctx) })
	err := g.Wait()

	h.handoffs.Wait()
	h.discardEngine()
	if cerr := h.orch.Close(); cerr != nil {
		h.logger.Warn("orchestrator close failed", slog.String("error", cerr.Error()))
	}
	h.logger.Info("simulation host stopped", slog.Int64("iteration", h.iteration.Load()))

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Submit hands cmd to the publish goroutine and waits until it is applied.
//
// Outputs:
//
//	error - The Apply result, or ctx.Err() if ctx ends first.
func (h *Host) Submit(ctx context.Context, cmd protocol.Command) error {
	it := intent{cmd: cmd, done: make(chan error, 1)}
	select {
	case h.intents <- it:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current status.
func (h *Host) Status() protocol.Status {
	return protocol.Status(h.status.Load())
}

// Mode returns the current stepping path.
func (h *Host) Mode() Mode {
	return Mode(h.mode.Load())
}

// Iteration returns the iteration counter.
func (h *Host) Iteration() int64 {
	return h.iteration.Load()
}

// Settings returns the current settings.
func (h *Host) Settings() protocol.Settings {
	return *h.settings.Load()
}

// Running reports whether the host has not been shut down.
func (h *Host) Running() bool {
	return h.running.Load()
}

// RunID returns the identifier of this host process run.
func (h *Host) RunID() string {
	return h.runID
}

// LastHeader returns the most recently published header.
func (h *Host) LastHeader() (snapshot.Header, bool) {
	p := h.header.Load()
	if p == nil {
		return snapshot.Header{}, false
	}
	return *p, true
}

// Report is a point-in-time view of the host for diagnostics.
type Report struct {
	RunID        string              `json:"run_id"`
	Running      bool                `json:"running"`
	Status       string              `json:"status"`
	StatusCode   int32               `json:"status_code"`
	Mode         string              `json:"mode"`
	Iteration    int64               `json:"iteration"`
	Settings     protocol.Settings   `json:"settings"`
	Faults       int64               `json:"faults"`
	LastFault    string              `json:"last_fault,omitempty"`
	Orchestrator orchestrator.Status `json:"orchestrator"`
	Header       *snapshot.Header    `json:"header,omitempty"`
}

// Report captures the current host state.
func (h *Host) Report() Report {
	r := Report{
		RunID:      h.runID,
		Running:    h.Running(),
		Status:     h.Status().String(),
		StatusCode: int32(h.Status()),
		Mode:       h.Mode().String(),
		Iteration:  h.Iteration(),
		Settings:   h.Settings(),
		Faults:     h.faults.Load(),
	}
	if p := h.lastFault.Load(); p != nil {
		r.LastFault = *p
	}
	if p := h.orchState.Load(); p != nil {
		r.Orchestrator = *p
	}
	if hdr, ok := h.LastHeader(); ok {
		r.Header = &hdr
	}
	return r
}

func (h *Host) setStatus(s protocol.Status) {
	h.status.Store(int32(s))
}

func (h *Host) syncMode() {
	switch {
	case !h.active:
		h.mode.Store(int32(ModeIdle))
	case h.fallback:
		h.mode.Store(int32(ModeFallback))
	default:
		h.mode.Store(int32(ModeAccelerated))
	}
}

// recordFault marks the host Faulted and remembers err.
func (h *Host) recordFault(kind string, err error) {
	h.setStatus(protocol.StatusFaulted)
	h.faults.Add(1)
	msg := kind + ": " + err.Error()
	h.lastFault.Store(&msg)
}

func (h *Host) requestShutdown() {
	h.running.Store(false)
	h.cancelMu.Lock()
	cancel := h.cancel
	h.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}
