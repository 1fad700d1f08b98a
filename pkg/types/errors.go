package types

import "errors"

var (
	// ErrUnknownToken is returned when a token id is not present in the pool.
	ErrUnknownToken = errors.New("unknown token")

	// ErrHandlerNotFound is returned when no handler is registered for a key.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrRegistrationTransport marks a failed heartbeat send.
	ErrRegistrationTransport = errors.New("registration transport error")

	// ErrRegistryUnreachable marks a heartbeat that could not connect at all.
	ErrRegistryUnreachable = errors.New("registry unreachable")

	// ErrFileTransport marks a failed or malformed file retrieval.
	ErrFileTransport = errors.New("file transport error")

	// ErrInvalidState is returned on illegal lifecycle transitions.
	ErrInvalidState = errors.New("invalid state")
)
