package serverdb

import "errors"

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnknownField is returned when a submission names a field the
	// assignment does not have.
	ErrUnknownField = errors.New("unknown field")
	// ErrInvalidGrant is returned for unknown, expired or revoked refresh
	// tokens.
	ErrInvalidGrant = errors.New("invalid grant")
)
