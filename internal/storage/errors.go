package storage

import "errors"

var (
	// ErrAccountNotFound is returned when no account is linked to an identity
	ErrAccountNotFound = errors.New("account not found")

	// ErrVersionConflict is returned when a subuser list changed between read
	// and write
	ErrVersionConflict = errors.New("subuser list version conflict")
)
