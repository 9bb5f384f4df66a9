// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// measurement is the InfluxDB measurement snapshots are written to.
const measurement = "simhost_snapshot"

// InfluxSink writes snapshots to InfluxDB.
//
// Description:
//
//	Each hand-off becomes one point tagged with the run ID and a fresh batch
//	ID. Workers bounds concurrent writes; a hand-off that finds every slot
//	busy fails fast with ErrBusy. Worker occupancy is reported as spectral
//	workers.
//
// Thread Safety:
//
//	Safe for concurrent use.
type InfluxSink struct {
	client  influxdb2.Client
	writer  api.WriteAPIBlocking
	workers int32
	busy    atomic.Int32
	ready   atomic.Bool
	written atomic.Int64
	logger  *slog.Logger
}

// NewInfluxSink creates a sink from cfg. The connection is checked by
// Initialize.
func NewInfluxSink(cfg Influx, logger *slog.Logger) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := newInfluxSink(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.Workers, logger)
	s.client = client
	s.logger.Info("influx sink configured",
		slog.String("url", cfg.URL),
		slog.String("org", cfg.Org),
		slog.String("bucket", cfg.Bucket),
	)
	return s
}

func newInfluxSink(writer api.WriteAPIBlocking, workers int, logger *slog.Logger) *InfluxSink {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InfluxSink{
		writer:  writer,
		workers: int32(workers),
		logger:  logger.With(slog.String("component", "influx_sink")),
	}
}

// Initialize checks InfluxDB health. capacity is logged only.
//
// Description:
//
//	The sink accepts hand-offs once Initialize has run, even when the health
//	check fails; each write then reports its own error until InfluxDB is
//	reachable again.
func (s *InfluxSink) Initialize(ctx context.Context, capacity int) error {
	s.ready.Store(true)
	if s.client != nil {
		health, err := s.client.Health(ctx)
		if err != nil {
			return fmt.Errorf("influx health: %w", err)
		}
		if health.Status != "pass" {
			msg := ""
			if health.Message != nil {
				msg = *health.Message
			}
			return fmt.Errorf("influx unhealthy: %s %s", health.Status, msg)
		}
	}
	s.logger.Info("influx sink ready", slog.Int("capacity", capacity))
	return nil
}

// OnStepCompleted writes one snapshot point.
func (s *InfluxSink) OnStepCompleted(ctx context.Context, snap Snapshot) error {
	if !s.ready.Load() {
		return ErrNotInitialized
	}
	if s.busy.Add(1) > s.workers {
		s.busy.Add(-1)
		return ErrBusy
	}
	defer s.busy.Add(-1)

	if err := s.writer.WritePoint(ctx, snapshotPoint(snap)); err != nil {
		return fmt.Errorf("write snapshot %d: %w", snap.Header.Iteration, err)
	}
	s.written.Add(1)
	return nil
}

// Status reports the write slots as spectral workers.
func (s *InfluxSink) Status(context.Context) (Status, error) {
	return Status{
		SpectralWorkersTotal: s.workers,
		SpectralWorkersBusy:  s.busy.Load(),
	}, nil
}

// Close closes the client.
func (s *InfluxSink) Close() error {
	s.ready.Store(false)
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

// Written returns the number of points written.
func (s *InfluxSink) Written() int64 { return s.written.Load() }

func snapshotPoint(snap Snapshot) *write.Point {
	h := snap.Header
	return influxdb2.NewPoint(
		measurement,
		map[string]string{
			"run_id":   snap.RunID,
			"batch_id": uuid.NewString(),
		},
		map[string]interface{}{
			"iteration":          h.Iteration,
			"node_count":         h.NodeCount,
			"edge_count":         h.EdgeCount,
			"status_code":        h.StatusCode,
			"system_energy":      h.SystemEnergy,
			"excited_count":      h.ExcitedCount,
			"heavy_mass":         h.HeavyMass,
			"largest_cluster":    h.LargestCluster,
			"strong_edge_count":  h.StrongEdgeCount,
			"spectral_dimension": h.SpectralDimension,
			"correlation":        h.Correlation,
			"temperature":        h.Temperature,
			"effective_coupling": h.EffectiveCoupling,
		},
		time.UnixMilli(h.Timestamp),
	)
}
