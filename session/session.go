package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bitchat/keychain"
	"github.com/opd-ai/bitchat/noise"
	"github.com/opd-ai/bitchat/peer"
)

// State is the lifecycle state of a session.
type State uint8

const (
	// StateUninit is the initial state, before any handshake activity.
	StateUninit State = iota
	// StateHandshaking covers the three-message XX exchange.
	StateHandshaking
	// StateEstablished means both transport ciphers are live.
	StateEstablished
	// StateFailed records a cryptographic failure; only Reset leaves it.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Rekey thresholds. A session crossing any of these since establishment
// needs a fresh handshake; there is no in-band rekey message.
const (
	// RekeyAfterMessages is the message-count threshold.
	RekeyAfterMessages = uint64(1) << 20
	// RekeyAfterBytes is the sent-bytes threshold.
	RekeyAfterBytes = uint64(1) << 32
	// RekeyAfterTime is the wall-clock age threshold.
	RekeyAfterTime = time.Hour
)

// Session is the per-peer secure channel state machine. It owns its cipher
// states and, while handshaking, its handshake state. All operations are
// serialized under an internal mutex; the manager owns the session itself.
type Session struct {
	mu sync.Mutex

	peerID peer.ID
	role   noise.HandshakeRole
	local  *noise.KeyPair

	state State
	cause error // set when state == StateFailed

	hs   *noise.HandshakeState // live only in StateHandshaking
	send *noise.CipherState
	recv *noise.CipherState

	remoteStatic  noise.Key
	handshakeHash [noise.HashSize]byte
	selfDial      bool

	createdAt     time.Time
	establishedAt time.Time
	bytesSent     uint64
	messagesSent  uint64
}

// NewSession creates an uninitialized session for a peer. The static
// keypair is borrowed from the keychain and shared across sessions.
func NewSession(peerID peer.ID, role noise.HandshakeRole, localStatic *noise.KeyPair) *Session {
	return &Session{
		peerID:    peerID,
		role:      role,
		local:     localStatic,
		state:     StateUninit,
		createdAt: time.Now(),
	}
}

// StartHandshake begins the XX exchange. It is allowed only in the
// uninitialized state. The initiator receives message 1 to transmit; the
// responder receives an empty byte string that must not be transmitted.
func (s *Session) StartHandshake() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startHandshakeLocked()
}

func (s *Session) startHandshakeLocked() ([]byte, error) {
	if s.state != StateUninit {
		return nil, ErrInvalidState
	}

	hs, err := noise.NewHandshakeState(s.local, s.role)
	if err != nil {
		return nil, s.failLocked(err)
	}
	s.hs = hs
	s.state = StateHandshaking

	if s.role == noise.Responder {
		return nil, nil
	}

	msg, err := hs.WriteMessage()
	if err != nil {
		return nil, s.failLocked(err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "StartHandshake",
		"peer_id":  s.peerID,
		"role":     s.role.String(),
	}).Debug("Handshake started")

	return msg, nil
}

// ProcessHandshake consumes an inbound handshake message and, when the
// pattern calls for it, produces the response to transmit. A responder
// session in the uninitialized state is started implicitly. The session
// transitions to Established exactly when the underlying exchange
// completes.
func (s *Session) ProcessHandshake(msg []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateUninit {
		if s.role != noise.Responder {
			return nil, ErrInvalidState
		}
		if _, err := s.startHandshakeLocked(); err != nil {
			return nil, err
		}
	}
	if s.state != StateHandshaking {
		return nil, ErrInvalidState
	}

	if err := s.hs.ReadMessage(msg); err != nil {
		return nil, s.failLocked(err)
	}

	var response []byte
	if !s.hs.IsComplete() {
		out, err := s.hs.WriteMessage()
		if err != nil {
			return nil, s.failLocked(err)
		}
		response = out
	}

	if s.hs.IsComplete() {
		if err := s.establishLocked(); err != nil {
			return nil, err
		}
	}

	return response, nil
}

// establishLocked splits the handshake into the transport ciphers and
// transitions to Established.
func (s *Session) establishLocked() error {
	send, recv, err := s.hs.Split()
	if err != nil {
		return s.failLocked(err)
	}
	rs, err := s.hs.RemoteStatic()
	if err != nil {
		return s.failLocked(err)
	}
	hash, err := s.hs.Hash()
	if err != nil {
		return s.failLocked(err)
	}

	s.send = send
	s.recv = recv
	s.remoteStatic = rs
	s.handshakeHash = hash
	s.selfDial = s.hs.SelfDial()

	s.hs.Destroy()
	s.hs = nil

	s.state = StateEstablished
	s.establishedAt = time.Now()
	s.bytesSent = 0
	s.messagesSent = 0

	logrus.WithFields(logrus.Fields{
		"function":  "ProcessHandshake",
		"peer_id":   s.peerID,
		"role":      s.role.String(),
		"self_dial": s.selfDial,
	}).Info("Session established")

	return nil
}

// failLocked records a handshake failure, destroys key material, and wraps
// the cause.
func (s *Session) failLocked(cause error) error {
	s.state = StateFailed
	s.cause = cause
	if s.hs != nil {
		s.hs.Destroy()
		s.hs = nil
	}
	s.clearCiphersLocked()

	logrus.WithFields(logrus.Fields{
		"function": "failLocked",
		"peer_id":  s.peerID,
		"role":     s.role.String(),
		"error":    cause.Error(),
	}).Error("Handshake failed")

	return &HandshakeFailedError{Inner: cause}
}

func (s *Session) clearCiphersLocked() {
	if s.send != nil {
		s.send.Clear()
		s.send = nil
	}
	if s.recv != nil {
		s.recv.Clear()
		s.recv = nil
	}
}

// Encrypt seals plaintext for the peer with empty associated data. Only
// valid in the Established state. Nonce exhaustion is propagated and must
// force a rekey at the caller layer.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}

	ct, err := s.send.Encrypt(nil, plaintext)
	if err != nil {
		return nil, err
	}
	s.messagesSent++
	s.bytesSent += uint64(len(plaintext))
	return ct, nil
}

// Decrypt opens a ciphertext from the peer. Authentication failures leave
// the receive nonce unchanged and do not alter the session state.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	return s.recv.Decrypt(nil, ciphertext)
}

// Reset unconditionally returns the session to the uninitialized state,
// zeroizing both ciphers and any retained handshake buffers. It reports
// whether the session was previously established, in which case a session
// expiry is logged.
func (s *Session) Reset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasEstablished := s.state == StateEstablished

	if s.hs != nil {
		s.hs.Destroy()
		s.hs = nil
	}
	s.clearCiphersLocked()
	keychain.Wipe(s.remoteStatic[:])
	keychain.Wipe(s.handshakeHash[:])

	s.state = StateUninit
	s.cause = nil
	s.selfDial = false
	s.bytesSent = 0
	s.messagesSent = 0
	s.establishedAt = time.Time{}

	if wasEstablished {
		logrus.WithFields(logrus.Fields{
			"function": "Reset",
			"peer_id":  s.peerID,
		}).Info("Session expired")
	}

	return wasEstablished
}

// NeedsRekey reports whether any rekey threshold has been crossed since
// establishment.
func (s *Session) NeedsRekey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return false
	}
	return s.messagesSent >= RekeyAfterMessages ||
		s.bytesSent >= RekeyAfterBytes ||
		time.Since(s.establishedAt) >= RekeyAfterTime
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FailureCause returns the recorded cause when the session is in
// StateFailed, nil otherwise.
func (s *Session) FailureCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// IsEstablished reports whether the session carries live transport ciphers.
func (s *Session) IsEstablished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateEstablished
}

// RemoteStatic returns the peer's long-term public key. Only valid once
// established.
func (s *Session) RemoteStatic() (noise.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return noise.Key{}, ErrNotEstablished
	}
	return s.remoteStatic, nil
}

// HandshakeHash returns the final transcript hash for channel binding.
// Only valid once established.
func (s *Session) HandshakeHash() ([noise.HashSize]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return [noise.HashSize]byte{}, ErrNotEstablished
	}
	return s.handshakeHash, nil
}

// SelfDial reports whether the completed handshake authenticated our own
// static key on the remote side.
func (s *Session) SelfDial() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfDial
}

// Peer returns the canonical peer ID this session belongs to.
func (s *Session) Peer() peer.ID {
	return s.peerID
}

// Role returns the handshake role this session was created with.
func (s *Session) Role() noise.HandshakeRole {
	return s.role
}

// SendCipher exposes the send-direction cipher state for tests and
// diagnostics. It is nil outside the Established state.
func (s *Session) SendCipher() *noise.CipherState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send
}

// RecvCipher exposes the receive-direction cipher state for tests and
// diagnostics. It is nil outside the Established state.
func (s *Session) RecvCipher() *noise.CipherState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recv
}
