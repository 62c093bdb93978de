package noise

import (
	"crypto/cipher"
	"crypto/subtle"
	"math"
	"runtime"

	"golang.org/x/crypto/chacha20poly1305"
)

// CipherState is the per-direction AEAD state: a 32-byte key and a strictly
// monotone 64-bit counter nonce. A CipherState is not safe for concurrent
// use; the owning session serializes access to it.
type CipherState struct {
	k      Key
	n      uint64
	hasKey bool
	aead   cipher.AEAD
}

// NewCipherState creates a CipherState with the given key and a zero nonce.
func NewCipherState(k Key) (*CipherState, error) {
	cs := &CipherState{}
	if err := cs.initializeKey(k); err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs *CipherState) initializeKey(k Key) error {
	aead, err := chacha20poly1305.New(k[:])
	if err != nil {
		return err
	}
	cs.k = k
	cs.n = 0
	cs.hasKey = true
	cs.aead = aead
	return nil
}

// HasKey reports whether a key has been installed.
func (cs *CipherState) HasKey() bool {
	return cs.hasKey
}

// Encrypt seals plaintext under the current nonce and advances the counter.
// The final counter value is reserved for rekeying, so encryption fails
// with ErrNonceExhausted once the counter reaches 2^64-1.
func (cs *CipherState) Encrypt(ad, plaintext []byte) ([]byte, error) {
	if !cs.hasKey {
		return nil, ErrInvalidState
	}
	if cs.n == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	nonce := aeadNonce(cs.n)
	ct := cs.aead.Seal(nil, nonce[:], plaintext, ad)
	cs.n++
	return ct, nil
}

// Decrypt opens ciphertext under the current nonce. The counter advances
// only on success; an authentication failure leaves the state untouched and
// returns ErrAuthTag.
func (cs *CipherState) Decrypt(ad, ciphertext []byte) ([]byte, error) {
	if !cs.hasKey {
		return nil, ErrInvalidState
	}
	if cs.n == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	nonce := aeadNonce(cs.n)
	pt, err := cs.aead.Open(nil, nonce[:], ciphertext, ad)
	if err != nil {
		return nil, ErrAuthTag
	}
	cs.n++
	return pt, nil
}

// Rekey replaces the key with ENCRYPT(k, 2^64-1, empty, zeros(32))
// truncated to 32 bytes and resets the counter to zero.
func (cs *CipherState) Rekey() error {
	if !cs.hasKey {
		return ErrInvalidState
	}
	var zeros [KeySize]byte
	nonce := aeadNonce(math.MaxUint64)
	derived := cs.aead.Seal(nil, nonce[:], zeros[:], nil)

	var next Key
	copy(next[:], derived[:KeySize])
	wipe(derived)
	wipe(cs.k[:])
	err := cs.initializeKey(next)
	wipe(next[:])
	return err
}

// Clear zeroizes the key and renders the state unusable.
func (cs *CipherState) Clear() {
	wipe(cs.k[:])
	cs.hasKey = false
	cs.aead = nil
	cs.n = 0
}

// Nonce returns the current counter value.
func (cs *CipherState) Nonce() uint64 {
	return cs.n
}

// SetNonce sets the counter. Used by the session layer and tests to drive
// nonce-exhaustion behavior.
func (cs *CipherState) SetNonce(n uint64) {
	cs.n = n
}

// Key returns a copy of the current key.
func (cs *CipherState) Key() Key {
	return cs.k
}

// wipe zeroizes a buffer in a way the compiler cannot elide.
func wipe(b []byte) {
	zeros := make([]byte, len(b))
	subtle.ConstantTimeCompare(b, zeros)
	copy(b, zeros)
	runtime.KeepAlive(b)
}
