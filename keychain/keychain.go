// Package keychain holds long-term key material for the BitChat session
// layer and provides a secure-clear primitive, Wipe.
//
// The session core never copies private keys out of the keychain into
// long-lived buffers of its own; it borrows the keypair returned by
// LoadOrCreateStatic. The session package clears the remote static key and
// handshake hash it keeps through Wipe; cipher and handshake keys are
// cleared by the noise package with its own equivalent wipe routine, not
// through this package.
package keychain

import (
	"crypto/subtle"
	"errors"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bitchat/noise"
)

// Keychain is the storage contract consumed by the session manager.
type Keychain interface {
	// LoadOrCreateStatic returns the long-term Curve25519 identity keypair,
	// generating and persisting one on first use.
	LoadOrCreateStatic() (*noise.KeyPair, error)

	// Wipe securely clears a sensitive buffer.
	Wipe(buf []byte)
}

// SecureWipe overwrites the contents of a byte slice holding sensitive data.
// It returns an error if the slice is nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	// Overwrite the data with zeros. The ConstantTimeCompare call and the
	// KeepAlive below keep the compiler from eliding the overwrite as a
	// dead store.
	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)

	runtime.KeepAlive(data)
	runtime.KeepAlive(zeros)

	return nil
}

// Wipe erases the contents of a byte slice containing sensitive data.
// This is a convenience wrapper that ignores the error from SecureWipe.
func Wipe(data []byte) {
	_ = SecureWipe(data)
}

// InMemory is a volatile Keychain for tests and ephemeral identities.
// The static keypair lives only for the lifetime of the process.
type InMemory struct {
	mu     sync.Mutex
	static *noise.KeyPair
}

// NewInMemory creates an empty in-memory keychain.
func NewInMemory() *InMemory {
	return &InMemory{}
}

// NewInMemoryWithKey creates an in-memory keychain seeded with an existing
// private key. Used by tests that need a fixed identity.
func NewInMemoryWithKey(priv [32]byte) (*InMemory, error) {
	kp, err := noise.FromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return &InMemory{static: kp}, nil
}

// LoadOrCreateStatic returns the stored identity keypair, generating one on
// first call.
func (k *InMemory) LoadOrCreateStatic() (*noise.KeyPair, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.static != nil {
		return k.static, nil
	}

	kp, err := noise.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	k.static = kp

	logrus.WithFields(logrus.Fields{
		"function":   "LoadOrCreateStatic",
		"public_key": kp.Public[:8],
	}).Info("Generated new static identity key")

	return kp, nil
}

// Wipe securely clears a sensitive buffer.
func (k *InMemory) Wipe(buf []byte) {
	Wipe(buf)
}

// Destroy wipes the stored identity key. The keychain is unusable for
// existing sessions afterwards.
func (k *InMemory) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.static != nil {
		Wipe(k.static.Private[:])
		k.static = nil
	}
}
