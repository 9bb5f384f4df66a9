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

import "errors"

var (
	// ErrEngineUnavailable is returned by a factory that cannot provide an
	// accelerated engine. The host degrades to fallback mode.
	ErrEngineUnavailable = errors.New("accelerated engine unavailable")

	// ErrUnknownMode is returned for an unrecognized engine mode.
	ErrUnknownMode = errors.New("unknown engine mode")

	// ErrClosed is returned by any call on a closed engine.
	ErrClosed = errors.New("engine closed")

	// ErrNotUploaded is returned by StepBatch before UploadState.
	ErrNotUploaded = errors.New("engine state not uploaded")

	// ErrInvalidBatch is returned for a batch size below one.
	ErrInvalidBatch = errors.New("invalid batch size")

	// ErrInvalidConstants is returned for non-finite or out-of-range constants.
	ErrInvalidConstants = errors.New("invalid physical constants")

	// ErrDiverged is returned when a batch leaves non-finite graph state.
	ErrDiverged = errors.New("simulation diverged")
)
