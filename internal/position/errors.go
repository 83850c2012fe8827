package position

import (
	"errors"
	"fmt"

	"trackd/internal/geo"
)

var (
	ErrMissingDevice     = errors.New("missing device id")
	ErrInvalidCoordinate = geo.ErrInvalidCoordinate
	ErrNotFound          = errors.New("device has no current position")
)

// PersistenceError wraps a backend failure. The store never retries.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("position store %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }
