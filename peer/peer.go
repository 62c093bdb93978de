// Package peer implements BitChat peer identifiers.
//
// A peer is addressed by a short ID: 8 bytes rendered as 16 lowercase hex
// characters. Peers may also be referred to by their full 32-byte long-term
// Curve25519 public key (64 hex characters); the short ID is derived from it
// as the first 8 bytes of the SHA-256 of the key.
//
// Example:
//
//	id, err := peer.Parse("a1b2c3d4e5f60718")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("peer:", id)
package peer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
)

// ShortIDLength is the length of a short peer ID in bytes.
const ShortIDLength = 8

// PublicKeyLength is the length of a long-term Curve25519 public key in bytes.
const PublicKeyLength = 32

// ErrInvalidPeerID indicates a peer identifier that does not satisfy the
// BitChat addressing rules.
var ErrInvalidPeerID = errors.New("invalid peer ID")

var peerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var hexPattern = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// ID is the canonical in-memory form of a peer identifier. For hex-addressed
// peers this is the 16-character lowercase short ID; map keys and equality
// checks always operate on this form.
type ID string

// Valid reports whether s is an acceptable peer identifier surface form:
// it must match [A-Za-z0-9_-]{1,64}, and when it is purely hexadecimal its
// length must be 16 (short ID) or 64 (public key).
func Valid(s string) bool {
	if !peerIDPattern.MatchString(s) {
		return false
	}
	if hexPattern.MatchString(s) {
		return len(s) == 2*ShortIDLength || len(s) == 2*PublicKeyLength
	}
	return true
}

// Parse validates a peer identifier and reduces it to canonical form.
// A 64-hex-character public key form is collapsed to the derived short ID;
// a 16-hex-character short ID is lowercased; other identifiers are kept
// verbatim.
func Parse(s string) (ID, error) {
	if !Valid(s) {
		return "", ErrInvalidPeerID
	}

	if hexPattern.MatchString(s) {
		if len(s) == 2*PublicKeyLength {
			raw, err := hex.DecodeString(s)
			if err != nil {
				return "", ErrInvalidPeerID
			}
			var pub [PublicKeyLength]byte
			copy(pub[:], raw)
			return FromPublicKey(pub), nil
		}
		return ID(strings.ToLower(s)), nil
	}

	return ID(s), nil
}

// FromPublicKey derives the canonical short ID for a 32-byte long-term
// public key: the first 8 bytes of its SHA-256, hex encoded.
func FromPublicKey(pub [PublicKeyLength]byte) ID {
	sum := sha256.Sum256(pub[:])
	return ID(hex.EncodeToString(sum[:ShortIDLength]))
}

// Fingerprint returns the lowercase hex SHA-256 of a 32-byte long-term
// public key, used for out-of-band identity verification.
func Fingerprint(pub [PublicKeyLength]byte) string {
	sum := sha256.Sum256(pub[:])
	return hex.EncodeToString(sum[:])
}

// ShortBytes returns the raw 8-byte form of a hex short ID, as carried in
// relay packet sender and recipient fields. It fails for identifiers that
// are not 16 hex characters.
func (id ID) ShortBytes() ([ShortIDLength]byte, error) {
	var out [ShortIDLength]byte
	if len(id) != 2*ShortIDLength || !hexPattern.MatchString(string(id)) {
		return out, ErrInvalidPeerID
	}
	raw, err := hex.DecodeString(string(id))
	if err != nil {
		return out, ErrInvalidPeerID
	}
	copy(out[:], raw)
	return out, nil
}

// FromShortBytes builds the canonical ID for a raw 8-byte short identifier.
func FromShortBytes(b [ShortIDLength]byte) ID {
	return ID(hex.EncodeToString(b[:]))
}

// String returns the identifier as a string.
func (id ID) String() string {
	return string(id)
}
