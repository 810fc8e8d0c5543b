package tracker

import "errors"

var (
	// ErrSessionEnded is returned when an event targets a session that
	// already emitted session.ended.
	ErrSessionEnded = errors.New("session already ended")

	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnknownItem is returned when a delta or completion references an
	// item that was never started.
	ErrUnknownItem = errors.New("unknown item")

	// ErrDropped marks an out-of-order duplicate that was logged and not
	// emitted.
	ErrDropped = errors.New("duplicate event dropped")

	// ErrNativeSessionConflict is returned when a session is re-bound to a
	// different native session id.
	ErrNativeSessionConflict = errors.New("native session id already bound")
)
