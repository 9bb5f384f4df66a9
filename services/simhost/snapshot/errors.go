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

import "errors"

var (
	// ErrShortBuffer is returned when a buffer is too small for a record.
	ErrShortBuffer = errors.New("buffer too small")

	// ErrCapacityTooSmall is returned when a region cannot hold even the header.
	ErrCapacityTooSmall = errors.New("region capacity is smaller than the snapshot header")

	// ErrRegionClosed is returned when writing to a closed region.
	ErrRegionClosed = errors.New("region is closed")

	// ErrUnsupported is returned when shared memory mapping is unavailable on this platform.
	ErrUnsupported = errors.New("shared memory mapping is not supported on this platform")
)
