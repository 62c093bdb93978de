package noise

import "errors"

var (
	// ErrInvalidState indicates an operation that is not legal for the
	// current handshake or cipher state, such as writing a message out of
	// turn or splitting twice.
	ErrInvalidState = errors.New("noise: invalid state for operation")

	// ErrMalformed indicates a handshake message whose length does not
	// match the deterministic size of the expected pattern message.
	ErrMalformed = errors.New("noise: malformed message")

	// ErrAuthTag indicates an AEAD authentication failure. The receive
	// nonce is not advanced when this is returned.
	ErrAuthTag = errors.New("noise: message authentication failed")

	// ErrNonceExhausted indicates the 64-bit nonce counter for a direction
	// has been used up. The direction is unusable until a rekey.
	ErrNonceExhausted = errors.New("noise: nonce exhausted")

	// ErrKeyAgreementFailure indicates a Diffie-Hellman result that must
	// not be used, such as the all-zero output of a small-subgroup point.
	ErrKeyAgreementFailure = errors.New("noise: key agreement failure")
)
