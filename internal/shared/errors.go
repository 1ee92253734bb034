package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed or rejected input.
	ErrValidation = errors.New("validation failed")
	// ErrConflict indicates the operation collides with existing state.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState indicates a transition attempted from a forbidding state.
	ErrInvalidState = errors.New("invalid state")
	// ErrDependency indicates an external collaborator failed or timed out.
	ErrDependency = errors.New("dependency unavailable")
)
