// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/simhost/pkg/ux"
	"github.com/AleutianAI/simhost/services/simhost/protocol"
	"github.com/AleutianAI/simhost/services/simhost/snapshot"
)

func newPeekCmd(opts *rootOptions) *cobra.Command {
	var (
		path  string
		watch time.Duration
	)

	cmd := &cobra.Command{
		Use:   "peek",
		Short: "Print the header of the shared-memory snapshot",
		Long: `Maps the snapshot file read-only and prints the most recently published
header. With --watch the header is reprinted at the given interval until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				path = cfg.SharedMemory.Path()
			}

			region, err := snapshot.OpenMapRegion(path)
			if err != nil {
				return fmt.Errorf("open snapshot %s: %w", path, err)
			}
			defer region.Close()

			return peek(cmd.Context(), opts.printer(cmd), region, watch)
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "Snapshot file (defaults to the configured one)")
	cmd.Flags().DurationVar(&watch, "watch", 0, "Reprint interval; 0 prints once")
	return cmd
}

func peek(ctx context.Context, p *ux.Printer, region snapshot.Region, watch time.Duration) error {
	for {
		hdr, _, err := snapshot.Read(region.Bytes())
		if err != nil {
			return err
		}
		p.Panel("Snapshot", headerFields(hdr, p.Machine()))

		if watch <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(watch):
		}
	}
}

// headerFields lays out a header for display.
func headerFields(h snapshot.Header, machine bool) []ux.Field {
	status := protocol.Status(h.StatusCode).String()
	spectral := fmt.Sprintf("%d/%d", h.SpectralWorkersBusy, h.SpectralWorkersTotal)
	if !machine {
		status = ux.StatusBadge(status)
		spectral = ux.ProgressBar(int(h.SpectralWorkersBusy), int(h.SpectralWorkersTotal), 10)
	}
	ts := time.UnixMilli(h.Timestamp).UTC().Format(time.RFC3339Nano)

	f := func(v float64) string { return strconv.FormatFloat(v, 'g', 6, 64) }
	return []ux.Field{
		{Key: "status", Value: status},
		{Key: "iteration", Value: strconv.FormatInt(h.Iteration, 10)},
		{Key: "timestamp", Value: ts},
		{Key: "nodes", Value: strconv.Itoa(int(h.NodeCount))},
		{Key: "edges", Value: strconv.Itoa(int(h.EdgeCount))},
		{Key: "energy", Value: f(h.SystemEnergy)},
		{Key: "excited", Value: strconv.Itoa(int(h.ExcitedCount))},
		{Key: "heavy_mass", Value: f(h.HeavyMass)},
		{Key: "largest_cluster", Value: strconv.Itoa(int(h.LargestCluster))},
		{Key: "strong_edges", Value: strconv.Itoa(int(h.StrongEdgeCount))},
		{Key: "spectral_dimension", Value: f(h.SpectralDimension)},
		{Key: "correlation", Value: f(h.Correlation)},
		{Key: "temperature", Value: f(h.Temperature)},
		{Key: "effective_coupling", Value: f(h.EffectiveCoupling)},
		{Key: "gpus", Value: strconv.Itoa(int(h.GpuCount))},
		{Key: "spectral_workers", Value: spectral},
		{Key: "path_workers", Value: fmt.Sprintf("%d/%d", h.PathWorkersBusy, h.PathWorkersTotal)},
	}
}
