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
	"fmt"
	"sync/atomic"
)

// Region is a fixed-capacity byte region shared with external readers.
type Region interface {
	// Bytes returns the full backing slice. Its length is the capacity.
	Bytes() []byte

	// Close releases the region. Bytes must not be used afterwards.
	Close() error
}

// MemoryRegion is a heap-backed Region used in tests and on platforms
// without shared memory.
type MemoryRegion struct {
	buf []byte
}

// NewMemoryRegion allocates a zeroed region of the given capacity.
func NewMemoryRegion(capacity int) *MemoryRegion {
	if capacity < 0 {
		capacity = 0
	}
	return &MemoryRegion{buf: make([]byte, capacity)}
}

// Bytes returns the backing slice.
func (r *MemoryRegion) Bytes() []byte { return r.buf }

// Close is a no-op.
func (r *MemoryRegion) Close() error { return nil }

// Writer serializes snapshots into a Region.
//
// Description:
//
//	Writer is the single producer of a region. Each Write stores the header at
//	offset 0 followed by the render node array, clamping the node count so the
//	record never exceeds capacity.
//
// Thread Safety:
//
//	NOT safe for concurrent use. Only the publish loop writes.
type Writer struct {
	region   Region
	maxNodes int
	writes   atomic.Int64
}

// NewWriter wraps a region.
//
// Outputs:
//
//	*Writer - The writer.
//	error - ErrCapacityTooSmall if the region cannot hold a header.
func NewWriter(region Region) (*Writer, error) {
	if region == nil {
		return nil, fmt.Errorf("%w: nil region", ErrCapacityTooSmall)
	}
	capacity := len(region.Bytes())
	if capacity < HeaderSize {
		return nil, fmt.Errorf("%w: capacity %d < %d", ErrCapacityTooSmall, capacity, HeaderSize)
	}
	return &Writer{
		region:   region,
		maxNodes: ClampNodeCount(capacity, capacity),
	}, nil
}

// Capacity returns the region size in bytes.
func (w *Writer) Capacity() int { return len(w.region.Bytes()) }

// MaxNodes returns the largest render array the region can hold.
func (w *Writer) MaxNodes() int { return w.maxNodes }

// Writes returns how many snapshots have been written.
func (w *Writer) Writes() int64 { return w.writes.Load() }

// Write stores h and as many of nodes as fit.
//
// Description:
//
//	h.NodeCount is overwritten with the number of render nodes actually
//	written so readers never walk past the array.
//
// Outputs:
//
//	int - Number of render nodes written.
//	error - Non-nil if the region has been closed.
func (w *Writer) Write(h Header, nodes []RenderNode) (int, error) {
	buf := w.region.Bytes()
	if len(buf) < HeaderSize {
		return 0, ErrRegionClosed
	}

	n := ClampNodeCount(len(buf), len(nodes))
	h.NodeCount = int32(n)
	if err := EncodeHeader(buf, h); err != nil {
		return 0, err
	}

	off := HeaderSize
	for i := 0; i < n; i++ {
		EncodeRenderNode(buf[off:], nodes[i])
		off += RenderNodeSize
	}

	w.writes.Add(1)
	return n, nil
}

// Read decodes the header and render array currently stored in buf.
//
// The node count from the header is clamped to what buf can hold, so a
// corrupt or partially written header never causes an out-of-range read.
func Read(buf []byte) (Header, []RenderNode, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	n := ClampNodeCount(len(buf), int(h.NodeCount))
	nodes := make([]RenderNode, n)
	off := HeaderSize
	for i := range nodes {
		nodes[i] = DecodeRenderNode(buf[off:])
		off += RenderNodeSize
	}
	return h, nodes, nil
}
