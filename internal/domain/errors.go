package domain

import "errors"

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStepNotFound is returned for unknown usage step ids.
	ErrStepNotFound = errors.New("usage step not found")
	// ErrInvalidState is returned when an operation is not allowed in the session's current status.
	ErrInvalidState = errors.New("invalid session state")
	// ErrSessionBusy is returned when a session already has an execution in flight.
	ErrSessionBusy = errors.New("session already has a running execution")
	// ErrEngineFailure wraps failures raised by the execution engine or its transport.
	ErrEngineFailure = errors.New("engine failure")
	// ErrPersistence wraps store failures that could not be retried away.
	ErrPersistence = errors.New("persistence failure")
	// ErrInvalidRequest is returned for malformed caller input.
	ErrInvalidRequest = errors.New("invalid request")
)
