// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains the host-level instruments.
//
// Description:
//
//	Covers the publish loop, the command loop and the orchestrator hand-off.
//	Pipeline frame instruments live in the pipeline package. All names use
//	the "simhost_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Publish Loop ---

	// TicksTotal counts publish ticks by path (accelerated, fallback, idle).
	TicksTotal metric.Int64Counter

	// TickDuration records publish tick duration in seconds.
	TickDuration metric.Float64Histogram

	// EngineFaultsTotal counts stepping faults that moved the host to Faulted.
	EngineFaultsTotal metric.Int64Counter

	// SanitizedMetricsTotal counts NaN/Inf metrics replaced before publishing.
	SanitizedMetricsTotal metric.Int64Counter

	// SnapshotBytesTotal counts bytes written to the shared-memory region.
	SnapshotBytesTotal metric.Int64Counter

	// --- Command Loop ---

	// CommandsTotal counts applied commands by type.
	CommandsTotal metric.Int64Counter

	// CommandsDroppedTotal counts malformed or unknown command lines.
	CommandsDroppedTotal metric.Int64Counter

	// ConnectionsTotal counts accepted control connections.
	ConnectionsTotal metric.Int64Counter

	// --- Orchestrator ---

	// HandoffsTotal counts orchestrator hand-offs by outcome.
	HandoffsTotal metric.Int64Counter
}

// NewMetrics creates a Metrics instance with all instruments registered.
//
// Inputs:
//
//	meter - The OTel meter to use for metric registration.
//
// Outputs:
//
//	*Metrics - The metrics instance.
//	error - Non-nil if metric registration fails.
//
// Example:
//
//	metrics, err := telemetry.NewMetrics(otel.Meter("simhost.host"))
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
//	metrics.TicksTotal.Add(ctx, 1)
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- Publish Loop ---
	m.TicksTotal, err = meter.Int64Counter(
		"simhost_publish_ticks_total",
		metric.WithDescription("Total publish ticks"),
		metric.WithUnit("{tick}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create publish_ticks_total: %w", err)
	}

	m.TickDuration, err = meter.Float64Histogram(
		"simhost_publish_tick_duration_seconds",
		metric.WithDescription("Publish tick duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25),
	)
	if err != nil {
		return nil, fmt.Errorf("create publish_tick_duration: %w", err)
	}

	m.EngineFaultsTotal, err = meter.Int64Counter(
		"simhost_engine_faults_total",
		metric.WithDescription("Total stepping faults"),
		metric.WithUnit("{fault}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create engine_faults_total: %w", err)
	}

	m.SanitizedMetricsTotal, err = meter.Int64Counter(
		"simhost_sanitized_metrics_total",
		metric.WithDescription("Non-finite metrics replaced before publishing"),
		metric.WithUnit("{metric}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sanitized_metrics_total: %w", err)
	}

	m.SnapshotBytesTotal, err = meter.Int64Counter(
		"simhost_snapshot_bytes_total",
		metric.WithDescription("Bytes written to the shared-memory snapshot"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("create snapshot_bytes_total: %w", err)
	}

	// --- Command Loop ---
	m.CommandsTotal, err = meter.Int64Counter(
		"simhost_commands_total",
		metric.WithDescription("Total applied control commands"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create commands_total: %w", err)
	}

	m.CommandsDroppedTotal, err = meter.Int64Counter(
		"simhost_commands_dropped_total",
		metric.WithDescription("Malformed or unknown control lines"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create commands_dropped_total: %w", err)
	}

	m.ConnectionsTotal, err = meter.Int64Counter(
		"simhost_control_connections_total",
		metric.WithDescription("Accepted control connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create control_connections_total: %w", err)
	}

	// --- Orchestrator ---
	m.HandoffsTotal, err = meter.Int64Counter(
		"simhost_handoffs_total",
		metric.WithDescription("Orchestrator hand-offs by outcome"),
		metric.WithUnit("{handoff}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create handoffs_total: %w", err)
	}

	return m, nil
}
