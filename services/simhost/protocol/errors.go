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

import "errors"

var (
	// ErrMalformedCommand is returned when a control line cannot be decoded.
	ErrMalformedCommand = errors.New("malformed command")

	// ErrMalformedSettings is returned when an UpdateSettings payload cannot be decoded.
	ErrMalformedSettings = errors.New("malformed settings payload")

	// ErrUnknownCommand is returned when a command name does not map to a type code.
	ErrUnknownCommand = errors.New("unknown command")
)
