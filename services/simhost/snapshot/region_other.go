// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !unix

package snapshot

// MapRegion is unavailable on this platform.
type MapRegion struct{}

// CreateMapRegion always fails with ErrUnsupported on this platform.
func CreateMapRegion(string, int) (*MapRegion, error) { return nil, ErrUnsupported }

// OpenMapRegion always fails with ErrUnsupported on this platform.
func OpenMapRegion(string) (*MapRegion, error) { return nil, ErrUnsupported }

// Bytes returns nil.
func (r *MapRegion) Bytes() []byte { return nil }

// Close is a no-op.
func (r *MapRegion) Close() error { return nil }
