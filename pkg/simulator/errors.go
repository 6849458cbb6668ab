package simulator

import "errors"

// Errors shared by both simulator families. The admin layer maps these onto
// its response envelope codes.
var (
	// ErrNotFound means no simulator (or sub-resource) with the given id.
	ErrNotFound = errors.New("simulator not found")

	// ErrAlreadyRunning means start was called while an engine is attached.
	ErrAlreadyRunning = errors.New("simulator already running")

	// ErrInvalidConfig means a create or mutation request failed validation.
	ErrInvalidConfig = errors.New("invalid simulator configuration")
)
