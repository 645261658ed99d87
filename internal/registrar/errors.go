package registrar

import "errors"

var (
	ErrDuplicateInstance = errors.New("instance already registered")
	ErrNotFound          = errors.New("instance not registered")
	ErrConflict          = errors.New("instance record was modified concurrently")
	ErrInvalidRecord     = errors.New("invalid instance record")
)
