package store

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a live sibling already uses the name.
	ErrConflict = errors.New("name conflict")
)
