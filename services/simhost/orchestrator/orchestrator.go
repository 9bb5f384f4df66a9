// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator hands published snapshots to an external analysis
// backend and reports its worker occupancy.
//
// The host calls OnStepCompleted from a background goroutine at a capped
// iteration interval, with at most one call in flight. Failures are logged by
// the host and otherwise ignored.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/AleutianAI/simhost/services/simhost/snapshot"
)

// Kinds accepted by New.
const (
	KindNone   = "none"
	KindInflux = "influx"
)

var (
	// ErrNotInitialized is returned by OnStepCompleted before Initialize or
	// after Close.
	ErrNotInitialized = errors.New("orchestrator not initialized")

	// ErrBusy is returned when every worker slot is occupied.
	ErrBusy = errors.New("orchestrator busy")

	// ErrUnknownKind is returned by New for an unrecognized kind.
	ErrUnknownKind = errors.New("unknown orchestrator kind")
)

// Snapshot is one hand-off unit.
type Snapshot struct {
	// RunID identifies the host process run.
	RunID string `json:"run_id"`

	// Header is the published snapshot header.
	Header snapshot.Header `json:"header"`
}

// Status is the worker occupancy written into the snapshot header.
type Status struct {
	GpuCount             int32 `json:"gpu_count"`
	SpectralWorkersTotal int32 `json:"spectral_workers_total"`
	SpectralWorkersBusy  int32 `json:"spectral_workers_busy"`
	PathWorkersTotal     int32 `json:"path_workers_total"`
	PathWorkersBusy      int32 `json:"path_workers_busy"`
}

// Orchestrator is the multi-device analysis backend.
type Orchestrator interface {
	// Initialize prepares the backend for graphs of up to capacity nodes.
	Initialize(ctx context.Context, capacity int) error

	// OnStepCompleted hands off one snapshot.
	OnStepCompleted(ctx context.Context, s Snapshot) error

	// Status reports current worker occupancy. It is polled on every
	// publish tick and must not block.
	Status(ctx context.Context) (Status, error)

	// Close releases backend resources.
	Close() error
}

// Influx configures the InfluxDB sink.
type Influx struct {
	URL     string
	Token   string
	Org     string
	Bucket  string
	Workers int
}

// New constructs the orchestrator of the given kind.
func New(kind string, influx Influx, logger *slog.Logger) (Orchestrator, error) {
	switch kind {
	case "", KindNone:
		return NewNoop(), nil
	case KindInflux:
		return NewInfluxSink(influx, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Noop accepts and discards snapshots.
type Noop struct {
	capacity atomic.Int64
	received atomic.Int64
}

// NewNoop creates a discarding orchestrator.
func NewNoop() *Noop { return &Noop{} }

// Initialize records capacity.
func (n *Noop) Initialize(_ context.Context, capacity int) error {
	n.capacity.Store(int64(capacity))
	return nil
}

// OnStepCompleted counts the snapshot.
func (n *Noop) OnStepCompleted(context.Context, Snapshot) error {
	n.received.Add(1)
	return nil
}

// Status reports an empty backend.
func (n *Noop) Status(context.Context) (Status, error) { return Status{}, nil }

// Close does nothing.
func (n *Noop) Close() error { return nil }

// Received returns the number of snapshots handed off.
func (n *Noop) Received() int64 { return n.received.Load() }

// Capacity returns the capacity passed to Initialize.
func (n *Noop) Capacity() int64 { return n.capacity.Load() }
