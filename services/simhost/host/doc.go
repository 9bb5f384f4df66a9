// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package host implements the simulation host: its state machine, the publish
// loop that writes snapshots into shared memory, and the command loop that
// accepts control messages.
//
// # Ownership
//
// The publish goroutine owns the graph, the engine and the snapshot region.
// The command loop never touches them; it decodes each control line and
// submits it to the publish goroutine, which applies it between ticks and
// acknowledges before the next line is read. Status, iteration, settings and
// the last published header are also stored atomically so diagnostics can
// read them without locks.
//
// # State Machine
//
//	Stopped --Start--> Running <--Pause/Start--> Paused
//	   ^                  |
//	   +------Stop--------+
//	any --stepping or construction fault--> Faulted --Start--> Running
//
// When no accelerated engine can be built, Start still activates the
// simulation in fallback mode, where the iteration counter advances on wall
// clock time so the snapshot feed stays alive.
package host
