// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot implements the shared-memory snapshot wire format.
//
// # Layout
//
// The region starts with a fixed-size Header at offset 0, immediately
// followed by a contiguous array of RenderNode records. All fields are
// little-endian with 1-byte packing:
//
//	Header      HeaderSize bytes      (see the offset constants below)
//	RenderNode  RenderNodeSize bytes  x Header.NodeCount
//
// The producer clamps the node count so that the header plus the array never
// exceeds the region capacity. Readers must trust Header.NodeCount, not the
// size of the graph the snapshot came from.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Header field offsets. These are the wire contract; do not reorder.
const (
	offIteration            = 0
	offNodeCount            = 8
	offEdgeCount            = 12
	offSystemEnergy         = 16
	offStatusCode           = 24
	offTimestamp            = 28
	offGpuCount             = 36
	offSpectralWorkersTotal = 40
	offSpectralWorkersBusy  = 44
	offPathWorkersTotal     = 48
	offPathWorkersBusy      = 52
	offExcitedCount         = 56
	offHeavyMass            = 60
	offLargestCluster       = 68
	offStrongEdgeCount      = 72
	offSpectralDimension    = 76
	offCorrelation          = 84
	offTemperature          = 92
	offEffectiveCoupling    = 100

	// HeaderSize is the fixed size of the snapshot header in bytes.
	HeaderSize = 108
)

// RenderNode field offsets.
const (
	offNodeX  = 0
	offNodeY  = 4
	offNodeZ  = 8
	offNodeR  = 12
	offNodeG  = 16
	offNodeB  = 20
	offNodeID = 24

	// RenderNodeSize is the fixed size of one render node record in bytes.
	RenderNodeSize = 28
)

// DefaultCapacity is the default size of the shared region (50 MiB).
const DefaultCapacity = 50 * 1024 * 1024

// Header is the per-tick summary written at offset 0.
type Header struct {
	Iteration    int64   `json:"iteration"`
	NodeCount    int32   `json:"node_count"`
	EdgeCount    int32   `json:"edge_count"`
	SystemEnergy float64 `json:"system_energy"`
	StatusCode   int32   `json:"status_code"`
	Timestamp    int64   `json:"timestamp"`

	// Cluster and worker occupancy reported by the analysis orchestrator.
	GpuCount             int32 `json:"gpu_count"`
	SpectralWorkersTotal int32 `json:"spectral_workers_total"`
	SpectralWorkersBusy  int32 `json:"spectral_workers_busy"`
	PathWorkersTotal     int32 `json:"path_workers_total"`
	PathWorkersBusy      int32 `json:"path_workers_busy"`

	// Derived scalar metrics.
	ExcitedCount      int32   `json:"excited_count"`
	HeavyMass         float64 `json:"heavy_mass"`
	LargestCluster    int32   `json:"largest_cluster"`
	StrongEdgeCount   int32   `json:"strong_edge_count"`
	SpectralDimension float64 `json:"spectral_dimension"`
	Correlation       float64 `json:"correlation"`
	Temperature       float64 `json:"temperature"`
	EffectiveCoupling float64 `json:"effective_coupling"`
}

// RenderNode is one visible node.
type RenderNode struct {
	X, Y, Z float32
	R, G, B float32
	ID      int32
}

// EncodeHeader writes h into dst, which must hold at least HeaderSize bytes.
func EncodeHeader(dst []byte, h Header) error {
	if len(dst) < HeaderSize {
		return fmt.Errorf("%w: header needs %d bytes, have %d", ErrShortBuffer, HeaderSize, len(dst))
	}
	le := binary.LittleEndian
	le.PutUint64(dst[offIteration:], uint64(h.Iteration))
	le.PutUint32(dst[offNodeCount:], uint32(h.NodeCount))
	le.PutUint32(dst[offEdgeCount:], uint32(h.EdgeCount))
	le.PutUint64(dst[offSystemEnergy:], math.Float64bits(h.SystemEnergy))
	le.PutUint32(dst[offStatusCode:], uint32(h.StatusCode))
	le.PutUint64(dst[offTimestamp:], uint64(h.Timestamp))
	le.PutUint32(dst[offGpuCount:], uint32(h.GpuCount))
	le.PutUint32(dst[offSpectralWorkersTotal:], uint32(h.SpectralWorkersTotal))
	le.PutUint32(dst[offSpectralWorkersBusy:], uint32(h.SpectralWorkersBusy))
	le.PutUint32(dst[offPathWorkersTotal:], uint32(h.PathWorkersTotal))
	le.PutUint32(dst[offPathWorkersBusy:], uint32(h.PathWorkersBusy))
	le.PutUint32(dst[offExcitedCount:], uint32(h.ExcitedCount))
	le.PutUint64(dst[offHeavyMass:], math.Float64bits(h.HeavyMass))
	le.PutUint32(dst[offLargestCluster:], uint32(h.LargestCluster))
	le.PutUint32(dst[offStrongEdgeCount:], uint32(h.StrongEdgeCount))
	le.PutUint64(dst[offSpectralDimension:], math.Float64bits(h.SpectralDimension))
	le.PutUint64(dst[offCorrelation:], math.Float64bits(h.Correlation))
	le.PutUint64(dst[offTemperature:], math.Float64bits(h.Temperature))
	le.PutUint64(dst[offEffectiveCoupling:], math.Float64bits(h.EffectiveCoupling))
	return nil
}

// DecodeHeader reads a header from the first HeaderSize bytes of src.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, have %d", ErrShortBuffer, HeaderSize, len(src))
	}
	le := binary.LittleEndian
	return Header{
		Iteration:            int64(le.Uint64(src[offIteration:])),
		NodeCount:            int32(le.Uint32(src[offNodeCount:])),
		EdgeCount:            int32(le.Uint32(src[offEdgeCount:])),
		SystemEnergy:         math.Float64frombits(le.Uint64(src[offSystemEnergy:])),
		StatusCode:           int32(le.Uint32(src[offStatusCode:])),
		Timestamp:            int64(le.Uint64(src[offTimestamp:])),
		GpuCount:             int32(le.Uint32(src[offGpuCount:])),
		SpectralWorkersTotal: int32(le.Uint32(src[offSpectralWorkersTotal:])),
		SpectralWorkersBusy:  int32(le.Uint32(src[offSpectralWorkersBusy:])),
		PathWorkersTotal:     int32(le.Uint32(src[offPathWorkersTotal:])),
		PathWorkersBusy:      int32(le.Uint32(src[offPathWorkersBusy:])),
		ExcitedCount:         int32(le.Uint32(src[offExcitedCount:])),
		HeavyMass:            math.Float64frombits(le.Uint64(src[offHeavyMass:])),
		LargestCluster:       int32(le.Uint32(src[offLargestCluster:])),
		StrongEdgeCount:      int32(le.Uint32(src[offStrongEdgeCount:])),
		SpectralDimension:    math.Float64frombits(le.Uint64(src[offSpectralDimension:])),
		Correlation:          math.Float64frombits(le.Uint64(src[offCorrelation:])),
		Temperature:          math.Float64frombits(le.Uint64(src[offTemperature:])),
		EffectiveCoupling:    math.Float64frombits(le.Uint64(src[offEffectiveCoupling:])),
	}, nil
}

// EncodeRenderNode writes n into dst, which must hold at least RenderNodeSize bytes.
func EncodeRenderNode(dst []byte, n RenderNode) {
	le := binary.LittleEndian
	le.PutUint32(dst[offNodeX:], math.Float32bits(n.X))
	le.PutUint32(dst[offNodeY:], math.Float32bits(n.Y))
	le.PutUint32(dst[offNodeZ:], math.Float32bits(n.Z))
	le.PutUint32(dst[offNodeR:], math.Float32bits(n.R))
	le.PutUint32(dst[offNodeG:], math.Float32bits(n.G))
	le.PutUint32(dst[offNodeB:], math.Float32bits(n.B))
	le.PutUint32(dst[offNodeID:], uint32(n.ID))
}

// DecodeRenderNode reads one render node from src.
func DecodeRenderNode(src []byte) RenderNode {
	le := binary.LittleEndian
	return RenderNode{
		X:  math.Float32frombits(le.Uint32(src[offNodeX:])),
		Y:  math.Float32frombits(le.Uint32(src[offNodeY:])),
		Z:  math.Float32frombits(le.Uint32(src[offNodeZ:])),
		R:  math.Float32frombits(le.Uint32(src[offNodeR:])),
		G:  math.Float32frombits(le.Uint32(src[offNodeG:])),
		B:  math.Float32frombits(le.Uint32(src[offNodeB:])),
		ID: int32(le.Uint32(src[offNodeID:])),
	}
}

// ClampNodeCount returns the largest node count not above requested that
// fits in a region of the given capacity after the header.
func ClampNodeCount(capacity, requested int) int {
	if requested <= 0 || capacity <= HeaderSize {
		return 0
	}
	maxNodes := (capacity - HeaderSize) / RenderNodeSize
	if requested > maxNodes {
		return maxNodes
	}
	return requested
}
