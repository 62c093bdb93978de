package session

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bitchat/keychain"
	"github.com/opd-ai/bitchat/noise"
	"github.com/opd-ai/bitchat/peer"
)

// EstablishedFunc is invoked after a session for a peer reaches the
// Established state. remoteStatic is the peer's authenticated long-term
// public key.
type EstablishedFunc func(peerID string, remoteStatic noise.Key)

// FailedFunc is invoked after a handshake failure evicts a peer's session.
type FailedFunc func(peerID string, cause error)

// Config carries the constructor-time dependencies of a Manager. Callbacks
// are injected here and never reassigned afterwards.
type Config struct {
	Keychain      keychain.Keychain
	OnEstablished EstablishedFunc
	OnFailed      FailedFunc
}

type eventKind uint8

const (
	eventEstablished eventKind = iota
	eventFailed
)

type event struct {
	kind         eventKind
	peerID       string
	remoteStatic noise.Key
	cause        error
}

// Manager multiplexes handshakes and transport traffic across many peers.
// The peer table is guarded by a reader-writer lock: observers proceed
// concurrently, mutators are exclusive. Callbacks are delivered from a
// dedicated dispatcher goroutine, never under the table lock, in
// establishment order per peer.
type Manager struct {
	mu       sync.RWMutex
	sessions map[peer.ID]*Session

	kc    keychain.Keychain
	local *noise.KeyPair

	onEstablished EstablishedFunc
	onFailed      FailedFunc

	// Event mailbox. Events are enqueued under mu so ordering follows the
	// table mutations; the dispatcher drains them outside every lock.
	evMu    sync.Mutex
	evCond  *sync.Cond
	evQueue []event
	evStop  bool
	evDone  chan struct{}
}

// NewManager creates a session manager bound to the keychain's long-term
// identity key and starts the callback dispatcher.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Keychain == nil {
		return nil, errors.New("session: keychain is required")
	}

	local, err := cfg.Keychain.LoadOrCreateStatic()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		sessions:      make(map[peer.ID]*Session),
		kc:            cfg.Keychain,
		local:         local,
		onEstablished: cfg.OnEstablished,
		onFailed:      cfg.OnFailed,
		evDone:        make(chan struct{}),
	}
	m.evCond = sync.NewCond(&m.evMu)
	go m.dispatchLoop()

	logrus.WithFields(logrus.Fields{
		"function":   "NewManager",
		"public_key": local.Public[:8],
		"peer_id":    peer.FromPublicKey(local.Public),
	}).Info("Session manager created")

	return m, nil
}

// LocalPeerID returns the canonical short ID derived from the local static
// public key.
func (m *Manager) LocalPeerID() peer.ID {
	return peer.FromPublicKey(m.local.Public)
}

// LocalStaticPublic returns the local long-term public key.
func (m *Manager) LocalStaticPublic() noise.Key {
	return m.local.Public
}

// Initiate starts an outbound handshake with a peer and returns the first
// handshake message to transmit. A partial session for the peer is evicted;
// an established one is left alone and ErrAlreadyEstablished is returned.
func (m *Manager) Initiate(p peer.ID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initiateLocked(p)
}

func (m *Manager) initiateLocked(p peer.ID) ([]byte, error) {
	if existing, ok := m.sessions[p]; ok {
		if existing.IsEstablished() {
			return nil, ErrAlreadyEstablished
		}
		existing.Reset()
		delete(m.sessions, p)
		logrus.WithFields(logrus.Fields{
			"function": "Initiate",
			"peer_id":  p,
		}).Debug("Evicted partial session before initiating")
	}

	s := NewSession(p, noise.Initiator, m.local)
	msg, err := s.StartHandshake()
	if err != nil {
		return nil, err
	}
	m.sessions[p] = s

	logrus.WithFields(logrus.Fields{
		"function": "Initiate",
		"peer_id":  p,
	}).Info("Outbound handshake initiated")

	return msg, nil
}

// HandleIncoming routes an inbound handshake message to the peer's session,
// arbitrating restart races:
//
//  1. A message for an established session means the peer intentionally
//     cleared state: evict and restart as responder.
//  2. A 32-byte message for a handshaking session is taken as a fresh XX
//     message 1: evict and restart as responder. This recovers
//     both-sides-initiator races and peer restarts mid-handshake.
//  3. Otherwise the message is delivered to the existing session.
//
// The optional response bytes must be transmitted by the caller after this
// returns. Errors during delivery evict the session and fire OnFailed.
func (m *Manager) HandleIncoming(p peer.ID, msg []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[p]
	if ok {
		switch {
		case s.IsEstablished():
			s.Reset()
			delete(m.sessions, p)
			ok = false
			logrus.WithFields(logrus.Fields{
				"function": "HandleIncoming",
				"peer_id":  p,
			}).Warn("Handshake message for established session, restarting as responder")

		case s.State() == StateHandshaking && len(msg) == noise.KeySize:
			s.Reset()
			delete(m.sessions, p)
			ok = false
			logrus.WithFields(logrus.Fields{
				"function": "HandleIncoming",
				"peer_id":  p,
			}).Warn("Concurrent handshake detected, restarting as responder")
		}
	}

	if !ok {
		s = NewSession(p, noise.Responder, m.local)
		m.sessions[p] = s
	}

	response, err := s.ProcessHandshake(msg)
	if err != nil {
		s.Reset()
		delete(m.sessions, p)
		m.enqueue(event{kind: eventFailed, peerID: p.String(), cause: err})
		return nil, err
	}

	if s.IsEstablished() {
		rs, rsErr := s.RemoteStatic()
		if rsErr == nil {
			m.enqueue(event{kind: eventEstablished, peerID: p.String(), remoteStatic: rs})
		}
	}

	return response, nil
}

// Encrypt seals plaintext for a peer through its established session.
func (m *Manager) Encrypt(p peer.ID, plaintext []byte) ([]byte, error) {
	s, ok := m.lookup(p)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Encrypt(plaintext)
}

// Decrypt opens a ciphertext from a peer through its established session.
func (m *Manager) Decrypt(p peer.ID, ciphertext []byte) ([]byte, error) {
	s, ok := m.lookup(p)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Decrypt(ciphertext)
}

// GetSession returns the session for a peer, if any.
func (m *Manager) GetSession(p peer.ID) (*Session, bool) {
	return m.lookup(p)
}

func (m *Manager) lookup(p peer.ID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[p]
	return s, ok
}

// Remove resets and evicts a peer's session. Removing an absent peer is a
// no-op.
func (m *Manager) Remove(p peer.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[p]; ok {
		s.Reset()
		delete(m.sessions, p)
	}
}

// RemoveAll resets and evicts every session. This is the session-layer
// meaning of an emergency disconnect.
func (m *Manager) RemoveAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for p, s := range m.sessions {
		s.Reset()
		delete(m.sessions, p)
	}

	logrus.WithFields(logrus.Fields{
		"function": "RemoveAll",
	}).Info("All sessions removed")
}

// SessionsNeedingRekey returns the peers whose sessions have crossed a
// rekey threshold.
func (m *Manager) SessionsNeedingRekey() []peer.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []peer.ID
	for p, s := range m.sessions {
		if s.NeedsRekey() {
			due = append(due, p)
		}
	}
	return due
}

// InitiateRekey tears down a peer's session and starts a fresh XX
// handshake, returning the first handshake message to transmit.
func (m *Manager) InitiateRekey(p peer.ID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[p]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.Reset()
	delete(m.sessions, p)

	logrus.WithFields(logrus.Fields{
		"function": "InitiateRekey",
		"peer_id":  p,
	}).Info("Rekeying session")

	return m.initiateLocked(p)
}

// Close removes all sessions and stops the callback dispatcher after the
// queued events have been delivered.
func (m *Manager) Close() {
	m.RemoveAll()

	m.evMu.Lock()
	m.evStop = true
	m.evCond.Signal()
	m.evMu.Unlock()
	<-m.evDone
}

// enqueue appends an event for the dispatcher. Called with m.mu held so
// event order matches table mutation order.
func (m *Manager) enqueue(ev event) {
	m.evMu.Lock()
	if !m.evStop {
		m.evQueue = append(m.evQueue, ev)
		m.evCond.Signal()
	}
	m.evMu.Unlock()
}

// dispatchLoop delivers callbacks outside every lock. Callbacks may call
// back into the manager; they are never invoked synchronously from a
// mutating operation.
func (m *Manager) dispatchLoop() {
	defer close(m.evDone)

	for {
		m.evMu.Lock()
		for len(m.evQueue) == 0 && !m.evStop {
			m.evCond.Wait()
		}
		if len(m.evQueue) == 0 && m.evStop {
			m.evMu.Unlock()
			return
		}
		ev := m.evQueue[0]
		m.evQueue = m.evQueue[1:]
		m.evMu.Unlock()

		switch ev.kind {
		case eventEstablished:
			if m.onEstablished != nil {
				m.onEstablished(ev.peerID, ev.remoteStatic)
			}
		case eventFailed:
			if m.onFailed != nil {
				m.onFailed(ev.peerID, ev.cause)
			}
		}
	}
}
