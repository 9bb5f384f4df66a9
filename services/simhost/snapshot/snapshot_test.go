// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"encoding/binary"
	"math"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHeader() Header {
	return Header{
		Iteration:            123456789012,
		NodeCount:            3,
		EdgeCount:            6,
		SystemEnergy:         -12.5,
		StatusCode:           1,
		Timestamp:            1_700_000_000_000,
		GpuCount:             2,
		SpectralWorkersTotal: 4,
		SpectralWorkersBusy:  1,
		PathWorkersTotal:     8,
		PathWorkersBusy:      3,
		ExcitedCount:         2,
		HeavyMass:            7.25,
		LargestCluster:       3,
		StrongEdgeCount:      5,
		SpectralDimension:    1.9,
		Correlation:          0.4,
		Temperature:          1.0,
		EffectiveCoupling:    0.75,
	}
}

// TestEncodeHeader_Offsets pins the byte layout that external readers depend on.
func TestEncodeHeader_Offsets(t *testing.T) {
	buf := make([]byte, HeaderSize)
	require.NoError(t, EncodeHeader(buf, sampleHeader()))

	le := binary.LittleEndian
	assert.Equal(t, uint64(123456789012), le.Uint64(buf[0:]))
	assert.Equal(t, uint32(3), le.Uint32(buf[8:]))
	assert.Equal(t, uint32(6), le.Uint32(buf[12:]))
	assert.Equal(t, -12.5, math.Float64frombits(le.Uint64(buf[16:])))
	assert.Equal(t, uint32(1), le.Uint32(buf[24:]))
	assert.Equal(t, uint64(1_700_000_000_000), le.Uint64(buf[28:]))
	assert.Equal(t, uint32(2), le.Uint32(buf[36:]))
	assert.Equal(t, uint32(3), le.Uint32(buf[52:]))
	assert.Equal(t, uint32(2), le.Uint32(buf[56:]))
	assert.Equal(t, 7.25, math.Float64frombits(le.Uint64(buf[60:])))
	assert.Equal(t, uint32(3), le.Uint32(buf[68:]))
	assert.Equal(t, uint32(5), le.Uint32(buf[72:]))
	assert.Equal(t, 0.75, math.Float64frombits(le.Uint64(buf[100:])))
}

func TestDecodeHeader_MatchesEncode(t *testing.T) {
	buf := make([]byte, HeaderSize)
	want := sampleHeader()
	require.NoError(t, EncodeHeader(buf, want))

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHeader_ShortBuffer(t *testing.T) {
	assert.ErrorIs(t, EncodeHeader(make([]byte, HeaderSize-1), Header{}), ErrShortBuffer)
	_, err := DecodeHeader(make([]byte, 10))
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestRenderNode_Layout(t *testing.T) {
	buf := make([]byte, RenderNodeSize)
	n := RenderNode{X: 1, Y: -2, Z: 3.5, R: 0.1, G: 0.2, B: 0.3, ID: 77}
	EncodeRenderNode(buf, n)

	assert.Equal(t, float32(-2), math.Float32frombits(binary.LittleEndian.Uint32(buf[4:])))
	assert.Equal(t, uint32(77), binary.LittleEndian.Uint32(buf[24:]))
	assert.Equal(t, n, DecodeRenderNode(buf))
}

func TestClampNodeCount_NeverExceedsCapacity(t *testing.T) {
	capacities := []int{0, HeaderSize - 1, HeaderSize, HeaderSize + RenderNodeSize - 1,
		HeaderSize + RenderNodeSize, 4096, 1 << 20, DefaultCapacity}
	requests := []int{-1, 0, 1, 10, 1000, 2_000_000, math.MaxInt32}

	for _, c := range capacities {
		for _, r := range requests {
			n := ClampNodeCount(c, r)
			assert.GreaterOrEqual(t, n, 0)
			assert.LessOrEqual(t, n, max(r, 0))
			if n > 0 {
				assert.LessOrEqual(t, HeaderSize+n*RenderNodeSize, c, "capacity=%d requested=%d", c, r)
			}
		}
	}
}

func TestClampNodeCount_DefaultCapacityHoldsMaxGraph(t *testing.T) {
	// 50 MiB holds 1,872,453 render nodes, so the largest graph is clamped.
	n := ClampNodeCount(DefaultCapacity, 2_000_000)
	assert.Equal(t, (DefaultCapacity-HeaderSize)/RenderNodeSize, n)
	assert.Less(t, n, 2_000_000)
}

func TestWriter_ClampsAndRewritesNodeCount(t *testing.T) {
	capacity := HeaderSize + 2*RenderNodeSize + 5
	w, err := NewWriter(NewMemoryRegion(capacity))
	require.NoError(t, err)
	assert.Equal(t, 2, w.MaxNodes())

	nodes := []RenderNode{{ID: 0}, {ID: 1}, {ID: 2}, {ID: 3}}
	h := sampleHeader()
	h.NodeCount = 4

	written, err := w.Write(h, nodes)
	require.NoError(t, err)
	assert.Equal(t, 2, written)
	assert.Equal(t, int64(1), w.Writes())

	got, gotNodes, err := Read(w.region.Bytes())
	require.NoError(t, err)
	assert.Equal(t, int32(2), got.NodeCount)
	require.Len(t, gotNodes, 2)
	assert.Equal(t, int32(1), gotNodes[1].ID)
}

func TestNewWriter_RejectsTinyRegion(t *testing.T) {
	_, err := NewWriter(NewMemoryRegion(HeaderSize - 1))
	assert.ErrorIs(t, err, ErrCapacityTooSmall)

	_, err = NewWriter(nil)
	assert.ErrorIs(t, err, ErrCapacityTooSmall)
}

func TestRead_ClampsCorruptNodeCount(t *testing.T) {
	buf := make([]byte, HeaderSize+RenderNodeSize)
	h := sampleHeader()
	h.NodeCount = 1_000_000
	require.NoError(t, EncodeHeader(buf, h))

	_, nodes, err := Read(buf)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestMapRegion_SharedBetweenWriterAndReader(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shared memory mapping requires a unix platform")
	}
	path := filepath.Join(t.TempDir(), "shm", "snapshot")

	region, err := CreateMapRegion(path, HeaderSize+10*RenderNodeSize)
	require.NoError(t, err)
	defer region.Close()

	w, err := NewWriter(region)
	require.NoError(t, err)
	_, err = w.Write(sampleHeader(), []RenderNode{{ID: 9}, {ID: 10}, {ID: 11}})
	require.NoError(t, err)

	reader, err := OpenMapRegion(path)
	require.NoError(t, err)
	defer reader.Close()

	h, nodes, err := Read(reader.Bytes())
	require.NoError(t, err)
	assert.Equal(t, int64(123456789012), h.Iteration)
	require.Len(t, nodes, 3)
	assert.Equal(t, int32(11), nodes[2].ID)

	require.NoError(t, region.Close())
	_, err = w.Write(sampleHeader(), nil)
	assert.ErrorIs(t, err, ErrRegionClosed)
}

func TestCreateMapRegion_RejectsTinyCapacity(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shared memory mapping requires a unix platform")
	}
	_, err := CreateMapRegion(filepath.Join(t.TempDir(), "x"), 8)
	assert.ErrorIs(t, err, ErrCapacityTooSmall)
}
