// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
)

// entry is one registered module. The bulk capability is resolved once at
// registration so frames never re-inspect the module type.
type entry struct {
	module Module
	bulk   BulkModule
}

func newEntry(m Module) *entry {
	e := &entry{module: m}
	if b, ok := m.(BulkModule); ok {
		e.bulk = b
	}
	return e
}

// Options configures a Pipeline.
type Options struct {
	// GPU is the compute/render barrier. Nil uses a no-op barrier.
	GPU GPUSync

	// Logger for registration and fault logs. Nil uses slog.Default().
	Logger *slog.Logger

	// OnFault is called once per failing module call. It may be invoked
	// concurrently from parallel buckets and must not block.
	OnFault func(*ModuleError)

	// Changes, if set, receives a notification for every mutation of the
	// module sequence. Sends never block; notifications are dropped when the
	// channel is full.
	Changes chan<- Change
}

// Pipeline owns the ordered module set and executes frames over it.
//
// Thread Safety:
//
//	Registration and reordering are safe for concurrent use with each other
//	and with frame execution; a frame works on the module order captured at
//	its start. Frames themselves are expected to run from one goroutine.
type Pipeline struct {
	mu          sync.RWMutex
	entries     []*entry
	initialized bool

	frames atomic.Int64

	gpu     GPUSync
	logger  *slog.Logger
	onFault func(*ModuleError)
	changes chan<- Change

	// Metrics (initialized lazily)
	metricsOnce  sync.Once
	frameLatency metric.Float64Histogram
	moduleFaults metric.Int64Counter
	modulesRun   metric.Int64Counter
	gpuBarriers  metric.Int64Counter
}

// New creates an empty pipeline.
func New(opts Options) *Pipeline {
	if opts.GPU == nil {
		opts.GPU = noopGPUSync{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		gpu:     opts.GPU,
		logger:  opts.Logger.With(slog.String("component", "physics_pipeline")),
		onFault: opts.OnFault,
		changes: opts.Changes,
	}
}

// Register appends m to the module sequence.
//
// Description:
//
//	A module whose name is already registered is rejected and logged; the
//	existing registration is left untouched.
//
// Outputs:
//
//	error - ErrNilModule, ErrInvalidModule or ErrDuplicateModule.
func (p *Pipeline) Register(m Module) error {
	return p.RegisterAt(m, -1)
}

// RegisterAt inserts m at idx, clamped to [0, Len()]. A negative idx appends.
func (p *Pipeline) RegisterAt(m Module, idx int) error {
	if m == nil {
		return ErrNilModule
	}
	if !m.Stage().Valid() || !m.ExecutionType().Valid() {
		return fmt.Errorf("%w: %s (stage=%d, execution=%d)", ErrInvalidModule, m.Name(), m.Stage(), m.ExecutionType())
	}

	p.mu.Lock()
	if p.indexLocked(m.Name()) >= 0 {
		p.mu.Unlock()
		p.logger.Warn("module already registered, ignoring",
			slog.String("module", m.Name()),
		)
		return fmt.Errorf("%w: %s", ErrDuplicateModule, m.Name())
	}

	if idx < 0 || idx > len(p.entries) {
		idx = len(p.entries)
	}
	p.entries = append(p.entries, nil)
	copy(p.entries[idx+1:], p.entries[idx:])
	p.entries[idx] = newEntry(m)
	p.mu.Unlock()

	_, bulk := m.(BulkModule)
	p.logger.Info("module registered",
		slog.String("module", m.Name()),
		slog.String("stage", m.Stage().String()),
		slog.String("execution", m.ExecutionType().String()),
		slog.Int("priority", m.Priority()),
		slog.String("group", m.Group()),
		slog.Bool("bulk", bulk),
		slog.Int("index", idx),
	)
	p.notify(Change{Kind: ChangeRegistered, Module: m.Name(), Index: idx})
	return nil
}

// Remove cleans up and unregisters the named module.
//
// Outputs:
//
//	bool - False if no module has that name.
func (p *Pipeline) Remove(name string) bool {
	p.mu.Lock()
	idx := p.indexLocked(name)
	if idx < 0 {
		p.mu.Unlock()
		return false
	}
	e := p.entries[idx]
	p.entries = append(p.entries[:idx], p.entries[idx+1:]...)
	p.mu.Unlock()

	p.cleanup(e)
	p.notify(Change{Kind: ChangeRemoved, Module: name, Index: -1})
	return true
}

// Clear cleans up and removes every module, and resets the initialized flag
// and frame counter.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	removed := p.entries
	p.entries = nil
	p.initialized = false
	p.frames.Store(0)
	p.mu.Unlock()

	for _, e := range removed {
		p.cleanup(e)
	}
	p.notify(Change{Kind: ChangeCleared, Index: -1})
}

// MoveUp swaps the named module with its predecessor.
func (p *Pipeline) MoveUp(name string) bool {
	p.mu.Lock()
	idx := p.indexLocked(name)
	if idx <= 0 {
		p.mu.Unlock()
		return false
	}
	p.entries[idx-1], p.entries[idx] = p.entries[idx], p.entries[idx-1]
	p.mu.Unlock()

	p.notify(Change{Kind: ChangeMoved, Module: name, Index: idx - 1})
	return true
}

// MoveDown swaps the named module with its successor.
func (p *Pipeline) MoveDown(name string) bool {
	p.mu.Lock()
	idx := p.indexLocked(name)
	if idx < 0 || idx >= len(p.entries)-1 {
		p.mu.Unlock()
		return false
	}
	p.entries[idx+1], p.entries[idx] = p.entries[idx], p.entries[idx+1]
	p.mu.Unlock()

	p.notify(Change{Kind: ChangeMoved, Module: name, Index: idx + 1})
	return true
}

// MoveTo moves the named module to target, clamped to the valid range.
func (p *Pipeline) MoveTo(name string, target int) bool {
	p.mu.Lock()
	idx := p.indexLocked(name)
	if idx < 0 {
		p.mu.Unlock()
		return false
	}
	if target < 0 {
		target = 0
	}
	if target > len(p.entries)-1 {
		target = len(p.entries) - 1
	}
	if target == idx {
		p.mu.Unlock()
		return false
	}
	e := p.entries[idx]
	p.entries = append(p.entries[:idx], p.entries[idx+1:]...)
	p.entries = append(p.entries, nil)
	copy(p.entries[target+1:], p.entries[target:])
	p.entries[target] = e
	p.mu.Unlock()

	p.notify(Change{Kind: ChangeMoved, Module: name, Index: target})
	return true
}

// SetEnabled toggles the named module.
func (p *Pipeline) SetEnabled(name string, enabled bool) error {
	m, ok := p.Module(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	m.SetEnabled(enabled)
	p.notify(Change{Kind: ChangeToggled, Module: name, Index: -1})
	return nil
}

// SortByPriority stably reorders the sequence by Priority.
func (p *Pipeline) SortByPriority() {
	p.mu.Lock()
	sort.SliceStable(p.entries, func(i, j int) bool {
		return p.entries[i].module.Priority() < p.entries[j].module.Priority()
	})
	p.mu.Unlock()
	p.notify(Change{Kind: ChangeSorted, Index: -1})
}

// SortByStageAndType stably reorders the sequence by Stage, then
// ExecutionType, then Priority.
func (p *Pipeline) SortByStageAndType() {
	p.mu.Lock()
	sort.SliceStable(p.entries, func(i, j int) bool {
		a, b := p.entries[i].module, p.entries[j].module
		if a.Stage() != b.Stage() {
			return a.Stage() < b.Stage()
		}
		if a.ExecutionType() != b.ExecutionType() {
			return a.ExecutionType() < b.ExecutionType()
		}
		return a.Priority() < b.Priority()
	})
	p.mu.Unlock()
	p.notify(Change{Kind: ChangeSorted, Index: -1})
}

// Module returns the named module.
func (p *Pipeline) Module(name string) (Module, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if idx := p.indexLocked(name); idx >= 0 {
		return p.entries[idx].module, true
	}
	return nil, false
}

// Modules returns the descriptors in sequence order.
func (p *Pipeline) Modules() []Descriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Descriptor, len(p.entries))
	for i, e := range p.entries {
		out[i] = DescriptorOf(e.module)
	}
	return out
}

// Len returns the number of registered modules.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Initialized reports whether InitializeAll has run since the last Clear.
func (p *Pipeline) Initialized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initialized
}

// FrameCount returns the number of completed frames since initialization.
func (p *Pipeline) FrameCount() int64 {
	return p.frames.Load()
}

func (p *Pipeline) indexLocked(name string) int {
	for i, e := range p.entries {
		if e.module.Name() == name {
			return i
		}
	}
	return -1
}

// snapshot returns the current entries in sequence order.
func (p *Pipeline) snapshot() []*entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*entry, len(p.entries))
	copy(out, p.entries)
	return out
}

func (p *Pipeline) notify(c Change) {
	if p.changes == nil {
		return
	}
	select {
	case p.changes <- c:
	default:
	}
}
