package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotEstablished indicates encrypt/decrypt was called before the
	// session reached the Established state.
	ErrNotEstablished = errors.New("session: not established")

	// ErrSessionNotFound indicates a manager lookup for a peer with no
	// session.
	ErrSessionNotFound = errors.New("session: session not found for peer")

	// ErrAlreadyEstablished indicates an initiate call for a peer that
	// already has an established session.
	ErrAlreadyEstablished = errors.New("session: session already established")

	// ErrInvalidState indicates an operation that is not legal for the
	// session's current state.
	ErrInvalidState = errors.New("session: invalid state for operation")
)

// HandshakeFailedError wraps the cryptographic cause of a failed handshake.
// The session that produced it has transitioned to StateFailed and, when
// owned by a manager, has been evicted.
type HandshakeFailedError struct {
	Inner error
}

func (e *HandshakeFailedError) Error() string {
	return fmt.Sprintf("session: handshake failed: %v", e.Inner)
}

func (e *HandshakeFailedError) Unwrap() error {
	return e.Inner
}
