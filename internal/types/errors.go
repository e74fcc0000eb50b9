package types

import "errors"

var (
	// ErrParseFailure means the AI response held no well-formed JSON of the expected shape.
	ErrParseFailure = errors.New("failed to parse AI response")
	// ErrBackend covers network, auth and quota failures of the AI backend or the database.
	ErrBackend = errors.New("backend request failed")
	// ErrNotFound is returned when an expected record is absent.
	ErrNotFound = errors.New("requested item not found")
	// ErrPersistence means a write to the durable store did not succeed.
	ErrPersistence     = errors.New("failed to persist record")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnauthenticated = errors.New("authentication required")
)
