package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrConcurrencyLimit is returned by StartRun when the batch's
	// in-flight run count has reached its configured maximum.
	ErrConcurrencyLimit = errors.New("storage: concurrency limit reached")

	// ErrNoActiveVersion is returned when a run is requested against a
	// batch whose active version pointer is null.
	ErrNoActiveVersion = errors.New("storage: batch has no active version")

	// ErrConversationClosed is returned when router state is written to a
	// conversation a human operator has already closed.
	ErrConversationClosed = errors.New("storage: conversation is closed")
)
