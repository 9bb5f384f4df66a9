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
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline package.
var (
	// ErrNilModule is returned when a nil module is registered.
	ErrNilModule = errors.New("module must not be nil")

	// ErrDuplicateModule is returned when registering a module whose name is taken.
	ErrDuplicateModule = errors.New("module with this name already exists")

	// ErrModuleNotFound is returned when a named module is not registered.
	ErrModuleNotFound = errors.New("module not found")

	// ErrInvalidModule is returned when a module declares an unknown stage or execution type.
	ErrInvalidModule = errors.New("invalid module descriptor")

	// ErrModulePanic wraps a panic recovered from module code.
	ErrModulePanic = errors.New("module panicked")

	// ErrNotImplemented is returned by BaseModule.ExecuteStep.
	ErrNotImplemented = errors.New("method must be overridden by concrete module")
)

// ModuleError wraps an error with the module and phase that raised it.
type ModuleError struct {
	Module string
	Phase  Phase
	Err    error
}

// Error returns the error message.
func (e *ModuleError) Error() string {
	return fmt.Sprintf("module %q %s: %v", e.Module, e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *ModuleError) Unwrap() error {
	return e.Err
}

// NewModuleError creates a ModuleError.
func NewModuleError(module string, phase Phase, err error) *ModuleError {
	return &ModuleError{Module: module, Phase: phase, Err: err}
}
