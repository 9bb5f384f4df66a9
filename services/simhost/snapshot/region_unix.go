// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package snapshot

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// MapRegion is a Region backed by a memory-mapped file, typically under /dev/shm.
type MapRegion struct {
	file *os.File
	data []byte
}

// CreateMapRegion creates (or truncates) the file at path to capacity bytes
// and maps it read-write and shared.
//
// Inputs:
//
//	path - File to back the region. Parent directories are created.
//	capacity - Region size in bytes. Must be at least HeaderSize.
//
// Outputs:
//
//	*MapRegion - The mapped region. Close it to unmap.
//	error - Non-nil if the file cannot be created or mapped.
func CreateMapRegion(path string, capacity int) (*MapRegion, error) {
	if capacity < HeaderSize {
		return nil, fmt.Errorf("%w: capacity %d < %d", ErrCapacityTooSmall, capacity, HeaderSize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create region directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open region file: %w", err)
	}
	if err := f.Truncate(int64(capacity)); err != nil {
		f.Close()
		return nil, fmt.Errorf("size region file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap region: %w", err)
	}

	return &MapRegion{file: f, data: data}, nil
}

// OpenMapRegion maps an existing region file read-only.
func OpenMapRegion(path string) (*MapRegion, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open region file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat region file: %w", err)
	}
	if info.Size() < HeaderSize {
		f.Close()
		return nil, fmt.Errorf("%w: file holds %d bytes", ErrCapacityTooSmall, info.Size())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap region: %w", err)
	}
	return &MapRegion{file: f, data: data}, nil
}

// Bytes returns the mapped memory. It is nil after Close.
func (r *MapRegion) Bytes() []byte { return r.data }

// Close unmaps the memory and closes the backing file. The file itself is
// left in place so late readers can still open the last snapshot.
func (r *MapRegion) Close() error {
	var firstErr error
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			firstErr = fmt.Errorf("munmap region: %w", err)
		}
		r.data = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close region file: %w", err)
		}
		r.file = nil
	}
	return firstErr
}
