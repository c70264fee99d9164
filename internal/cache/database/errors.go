package database

import "errors"

var (
	// ErrNotFound is returned for a policy file that was never indexed.
	ErrNotFound = errors.New("database: file not indexed")

	ErrInvalidTransaction = errors.New("database: transaction failed")

	// ErrConstraintViolation is returned when an include record does not
	// belong to the file it is stored for.
	ErrConstraintViolation = errors.New("database: constraint violation")

	ErrDatabaseClosed = errors.New("database: closed")
)
