package noise

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of Curve25519 keys and derived symmetric keys.
	KeySize = 32
	// HashSize is the SHA-256 output size.
	HashSize = 32
	// TagSize is the Poly1305 authentication tag size.
	TagSize = 16
	// NonceSize is the ChaCha20-Poly1305 nonce size.
	NonceSize = 12
)

// Key is a 32-byte symmetric key or Curve25519 key.
type Key = [KeySize]byte

// KeyPair is a Curve25519 key-agreement keypair.
type KeyPair struct {
	Public  Key
	Private Key
}

// GenerateKeyPair creates a fresh random Curve25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	var priv Key
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, fmt.Errorf("noise: failed to generate private key: %w", err)
	}
	return FromPrivateKey(priv)
}

// FromPrivateKey derives the keypair for an existing private key.
func FromPrivateKey(priv Key) (*KeyPair, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("noise: failed to derive public key: %w", err)
	}
	kp := &KeyPair{Private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// DH computes the X25519 shared secret between a private and a public key.
// An all-zero result (low-order public key) is rejected with
// ErrKeyAgreementFailure.
func DH(priv, pub Key) (Key, error) {
	var shared Key
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return shared, fmt.Errorf("%w: %v", ErrKeyAgreementFailure, err)
	}
	copy(shared[:], out)
	return shared, nil
}

// Hash computes the SHA-256 of the concatenation of its inputs.
func Hash(data ...[]byte) [HashSize]byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [HashSize]byte
	h.Sum(out[:0])
	return out
}

// HKDF derives 1, 2, or 3 fresh 32-byte keys from a chaining key and input
// key material. This is the Noise HKDF construction, which coincides with
// RFC 5869 using the chaining key as salt and empty info.
func HKDF(chainingKey *Key, input []byte, numOutputs int) ([]Key, error) {
	if numOutputs < 1 || numOutputs > 3 {
		return nil, fmt.Errorf("noise: HKDF numOutputs must be 1, 2, or 3, got %d", numOutputs)
	}

	r := hkdf.New(sha256.New, input, chainingKey[:], nil)
	outputs := make([]Key, numOutputs)
	for i := range outputs {
		if _, err := io.ReadFull(r, outputs[i][:]); err != nil {
			return nil, fmt.Errorf("noise: HKDF expand failed: %w", err)
		}
	}
	return outputs, nil
}

// aeadNonce forms the 12-byte ChaCha20-Poly1305 nonce for a 64-bit counter:
// 4 zero bytes followed by the little-endian counter.
func aeadNonce(n uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], n)
	return nonce
}

// AEADSeal encrypts plaintext under key k with counter nonce n, returning
// ciphertext followed by the 16-byte tag.
func AEADSeal(k *Key, n uint64, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(k[:])
	if err != nil {
		return nil, fmt.Errorf("noise: failed to create AEAD: %w", err)
	}
	nonce := aeadNonce(n)
	return aead.Seal(nil, nonce[:], plaintext, ad), nil
}

// AEADOpen decrypts ciphertext under key k with counter nonce n. An
// authentication failure is reported as ErrAuthTag.
func AEADOpen(k *Key, n uint64, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(k[:])
	if err != nil {
		return nil, fmt.Errorf("noise: failed to create AEAD: %w", err)
	}
	nonce := aeadNonce(n)
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, ad)
	if err != nil {
		return nil, ErrAuthTag
	}
	return plaintext, nil
}
