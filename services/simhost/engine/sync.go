// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"log/slog"
	"sync"
)

// DeviceMode is the current owner of the shared device.
type DeviceMode int

const (
	ModeRender DeviceMode = iota
	ModeCompute
)

// String returns the string representation of the mode.
func (m DeviceMode) String() string {
	if m == ModeCompute {
		return "compute"
	}
	return "render"
}

// HostSync is the host-side compute/render barrier.
//
// Description:
//
//	HostSync implements the pipeline's GPUSync contract for engines whose
//	compute runs on the host. It tracks the device mode, counts transitions and
//	logs out-of-order calls. WaitForComputeComplete blocks until every compute
//	section opened so far has been closed.
//
// Thread Safety:
//
//	Safe for concurrent use.
type HostSync struct {
	mu      sync.Mutex
	cond    *sync.Cond
	mode    DeviceMode
	open    int
	pairs   int64
	misuses int64
	logger  *slog.Logger
}

// NewHostSync creates a barrier in render mode.
func NewHostSync(logger *slog.Logger) *HostSync {
	if logger == nil {
		logger = slog.Default()
	}
	s := &HostSync{logger: logger.With(slog.String("component", "gpu_sync"))}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// TransitionToCompute hands the device to compute work.
func (s *HostSync) TransitionToCompute() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeCompute {
		s.misuses++
		s.logger.Warn("transition to compute while already in compute mode")
	}
	s.mode = ModeCompute
	s.open++
}

// TransitionToRender hands the device back to rendering.
func (s *HostSync) TransitionToRender() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeCompute || s.open == 0 {
		s.misuses++
		s.logger.Warn("transition to render without an open compute section")
		return
	}
	s.mode = ModeRender
	s.open--
	s.pairs++
	s.cond.Broadcast()
}

// WaitForComputeComplete blocks until no compute section is open.
func (s *HostSync) WaitForComputeComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.open > 0 {
		s.cond.Wait()
	}
}

// Mode returns the current device mode.
func (s *HostSync) Mode() DeviceMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Pairs returns the number of completed compute/render pairs.
func (s *HostSync) Pairs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairs
}

// Misuses returns the number of out-of-order transitions observed.
func (s *HostSync) Misuses() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.misuses
}
