package noise

import (
	"crypto/subtle"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ProtocolName identifies the handshake protocol. It is exactly 32 bytes,
// so it seeds the symmetric state directly.
const ProtocolName = "Noise_XX_25519_ChaChaPoly_SHA256"

// HandshakeRole defines which side of the XX exchange we are.
type HandshakeRole uint8

const (
	// Initiator sends the first handshake message.
	Initiator HandshakeRole = iota
	// Responder answers an inbound handshake.
	Responder
)

func (r HandshakeRole) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Handshake pattern tokens.
const (
	tokenE  = "e"
	tokenS  = "s"
	tokenEE = "ee"
	tokenES = "es"
	tokenSE = "se"
)

// xxMessagePatterns is the XX token sequence:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
var xxMessagePatterns = [][]string{
	{tokenE},
	{tokenE, tokenEE, tokenS, tokenES},
	{tokenS, tokenSE},
}

// xxMessageSizes are the deterministic wire sizes of the three XX messages.
var xxMessageSizes = []int{
	KeySize,                               // msg1: e
	KeySize + KeySize + TagSize + TagSize, // msg2: e, enc(s), enc(payload)
	KeySize + TagSize + TagSize,           // msg3: enc(s), enc(payload)
}

// HandshakeState executes the Noise XX pattern for one session. It is not
// safe for concurrent use; the owning session serializes access.
type HandshakeState struct {
	role HandshakeRole
	ss   *SymmetricState

	s *KeyPair // local static, borrowed from the keychain
	e *KeyPair // local ephemeral, generated during the handshake

	rs    Key
	hasRS bool
	re    Key
	hasRE bool

	msgIndex  int
	complete  bool
	splitDone bool
	selfDial  bool

	// sent retains the raw handshake messages written by this side, for
	// retransmit diagnostics. At most three entries; wiped on Destroy.
	sent [][]byte
}

// NewHandshakeState creates an XX handshake for the given role. The static
// keypair is borrowed, not copied; the keychain retains ownership.
func NewHandshakeState(localStatic *KeyPair, role HandshakeRole) (*HandshakeState, error) {
	if localStatic == nil {
		return nil, fmt.Errorf("noise: local static keypair required for XX")
	}

	// The (empty) prologue is always mixed into the hash; XX has no
	// pre-message tokens beyond that.
	ss := NewSymmetricState(ProtocolName)
	ss.MixHash(nil)
	return &HandshakeState{
		role: role,
		ss:   ss,
		s:    localStatic,
	}, nil
}

// myTurn reports whether the local side writes the message at the current
// pattern cursor.
func (hs *HandshakeState) myTurn() bool {
	if hs.role == Initiator {
		return hs.msgIndex%2 == 0
	}
	return hs.msgIndex%2 == 1
}

// WriteMessage emits the next pattern message. It fails with
// ErrInvalidState when the pattern is complete or it is the peer's turn.
func (hs *HandshakeState) WriteMessage() ([]byte, error) {
	if hs.complete || hs.msgIndex >= len(xxMessagePatterns) {
		return nil, ErrInvalidState
	}
	if !hs.myTurn() {
		return nil, ErrInvalidState
	}

	var msg []byte
	for _, token := range xxMessagePatterns[hs.msgIndex] {
		switch token {
		case tokenE:
			e, err := GenerateKeyPair()
			if err != nil {
				return nil, fmt.Errorf("noise: ephemeral generation failed: %w", err)
			}
			hs.e = e
			msg = append(msg, e.Public[:]...)
			hs.ss.MixHash(e.Public[:])

		case tokenS:
			ct, err := hs.ss.EncryptAndHash(hs.s.Public[:])
			if err != nil {
				return nil, err
			}
			msg = append(msg, ct...)

		default:
			if err := hs.mixDH(token); err != nil {
				return nil, err
			}
		}
	}

	payload, err := hs.ss.EncryptAndHash(nil)
	if err != nil {
		return nil, err
	}
	msg = append(msg, payload...)

	hs.advance()
	hs.sent = append(hs.sent, append([]byte(nil), msg...))
	return msg, nil
}

// ReadMessage consumes the next pattern message. Length violations yield
// ErrMalformed, failed encrypted tokens ErrAuthTag, out-of-turn calls
// ErrInvalidState, and degenerate DH results ErrKeyAgreementFailure.
func (hs *HandshakeState) ReadMessage(msg []byte) error {
	if hs.complete || hs.msgIndex >= len(xxMessagePatterns) {
		return ErrInvalidState
	}
	if hs.myTurn() {
		return ErrInvalidState
	}
	if len(msg) != xxMessageSizes[hs.msgIndex] {
		return fmt.Errorf("%w: message %d is %d bytes, want %d",
			ErrMalformed, hs.msgIndex+1, len(msg), xxMessageSizes[hs.msgIndex])
	}

	offset := 0
	for _, token := range xxMessagePatterns[hs.msgIndex] {
		switch token {
		case tokenE:
			copy(hs.re[:], msg[offset:offset+KeySize])
			hs.hasRE = true
			offset += KeySize
			hs.ss.MixHash(hs.re[:])

		case tokenS:
			ctLen := KeySize + TagSize
			pt, err := hs.ss.DecryptAndHash(msg[offset : offset+ctLen])
			if err != nil {
				return err
			}
			copy(hs.rs[:], pt)
			hs.hasRS = true
			offset += ctLen
			if subtle.ConstantTimeCompare(hs.rs[:], hs.s.Public[:]) == 1 {
				hs.selfDial = true
				logrus.WithFields(logrus.Fields{
					"function": "ReadMessage",
					"role":     hs.role.String(),
				}).Warn("Remote static key equals local static key (self dial)")
			}

		default:
			if err := hs.mixDH(token); err != nil {
				return err
			}
		}
	}

	if _, err := hs.ss.DecryptAndHash(msg[offset:]); err != nil {
		return err
	}

	hs.advance()
	return nil
}

// mixDH performs the DH operation named by a pattern token and mixes the
// shared secret into the chaining key.
func (hs *HandshakeState) mixDH(token string) error {
	var (
		shared Key
		err    error
	)

	switch token {
	case tokenEE:
		shared, err = DH(hs.e.Private, hs.re)
	case tokenES:
		if hs.role == Initiator {
			shared, err = DH(hs.e.Private, hs.rs)
		} else {
			shared, err = DH(hs.s.Private, hs.re)
		}
	case tokenSE:
		if hs.role == Initiator {
			shared, err = DH(hs.s.Private, hs.re)
		} else {
			shared, err = DH(hs.e.Private, hs.rs)
		}
	default:
		return fmt.Errorf("noise: unknown pattern token %q", token)
	}
	if err != nil {
		return err
	}

	err = hs.ss.MixKey(shared[:])
	wipe(shared[:])
	return err
}

// advance moves the pattern cursor and marks completion after the final
// message.
func (hs *HandshakeState) advance() {
	hs.msgIndex++
	if hs.msgIndex >= len(xxMessagePatterns) {
		hs.complete = true
	}
}

// IsComplete reports whether all pattern messages have been consumed.
func (hs *HandshakeState) IsComplete() bool {
	return hs.complete
}

// SelfDial reports whether the remote static key received during the
// handshake equals our own static key.
func (hs *HandshakeState) SelfDial() bool {
	return hs.selfDial
}

// Split derives the two transport cipher states. It succeeds exactly once,
// after completion: the initiator's send cipher is the first HKDF output
// and the responder's assignment is swapped. The ephemeral private key and
// chaining key are wiped as a side effect.
func (hs *HandshakeState) Split() (send, recv *CipherState, err error) {
	if !hs.complete || hs.splitDone {
		return nil, nil, ErrInvalidState
	}

	c1, c2, err := hs.ss.Split()
	if err != nil {
		return nil, nil, err
	}
	hs.splitDone = true

	if hs.e != nil {
		wipe(hs.e.Private[:])
	}
	hs.ss.destroy()

	if hs.role == Initiator {
		return c1, c2, nil
	}
	return c2, c1, nil
}

// RemoteStatic returns the peer's long-term public key. Valid only after
// the handshake has completed.
func (hs *HandshakeState) RemoteStatic() (Key, error) {
	if !hs.complete || !hs.hasRS {
		return Key{}, ErrInvalidState
	}
	return hs.rs, nil
}

// Hash returns the final handshake hash for channel binding. Valid only
// after the handshake has completed.
func (hs *HandshakeState) Hash() ([HashSize]byte, error) {
	if !hs.complete {
		return [HashSize]byte{}, ErrInvalidState
	}
	return hs.ss.Hash(), nil
}

// SentMessages returns the raw handshake messages written by this side, in
// order. The slices are owned by the handshake and wiped on Destroy.
func (hs *HandshakeState) SentMessages() [][]byte {
	return hs.sent
}

// Destroy wipes ephemeral key material, the symmetric state, and the
// retained message buffer. The static keypair belongs to the keychain and
// is left alone.
func (hs *HandshakeState) Destroy() {
	if hs.e != nil {
		wipe(hs.e.Private[:])
		hs.e = nil
	}
	hs.ss.destroy()
	for _, m := range hs.sent {
		wipe(m)
	}
	hs.sent = nil
}
