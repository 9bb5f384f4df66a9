// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

// Status is the simulation state published in every snapshot header.
//
// The numeric values are part of the shared-memory wire format.
type Status int32

const (
	StatusUnknown Status = iota
	StatusRunning
	StatusPaused
	StatusStopped
	StatusFaulted
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusStopped:
		return "stopped"
	case StatusFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}
