package graph

import "errors"

var (
	// ErrNotFound is returned when a node or edge does not exist or is soft-deleted.
	ErrNotFound = errors.New("not found")
	// ErrSelfLoop is returned when an edge would connect a node to itself.
	ErrSelfLoop = errors.New("edge source and target must differ")
	// ErrEdgeExists is returned when an active edge with the same type already
	// connects the same ordered pair.
	ErrEdgeExists = errors.New("edge already exists")
	// ErrInvalidInput is returned for malformed inputs (missing type, weight out of range, ...).
	ErrInvalidInput = errors.New("invalid input")
	// ErrVersionConflict is returned when a row changed between read and write.
	ErrVersionConflict = errors.New("version conflict")
)
