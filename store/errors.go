package store

import "errors"

var (
	// ErrUnknownColumn indicates an update referenced a column that is not updatable.
	ErrUnknownColumn = errors.New("unknown column")

	// ErrInvalidValue indicates an update value has the wrong type for its column.
	ErrInvalidValue = errors.New("invalid value for column")
)
