package session

import (
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/bitchat/keychain"
	"github.com/opd-ai/bitchat/noise"
	"github.com/opd-ai/bitchat/peer"
)

// callbackRecorder collects manager callbacks for assertions.
type callbackRecorder struct {
	mu          sync.Mutex
	established []noise.Key
	failed      []error
	notify      chan struct{}
}

func newRecorder() *callbackRecorder {
	return &callbackRecorder{notify: make(chan struct{}, 16)}
}

func (r *callbackRecorder) onEstablished(peerID string, remoteStatic noise.Key) {
	r.mu.Lock()
	r.established = append(r.established, remoteStatic)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *callbackRecorder) onFailed(peerID string, cause error) {
	r.mu.Lock()
	r.failed = append(r.failed, cause)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *callbackRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}

func (r *callbackRecorder) establishedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.established)
}

func (r *callbackRecorder) failedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failed)
}

// newManager creates a manager over a fresh in-memory keychain.
func newManager(t *testing.T, rec *callbackRecorder) *Manager {
	t.Helper()

	cfg := Config{Keychain: keychain.NewInMemory()}
	if rec != nil {
		cfg.OnEstablished = rec.onEstablished
		cfg.OnFailed = rec.onFailed
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// connectManagers pumps the XX exchange between two managers until both
// sides are established.
func connectManagers(t *testing.T, a, b *Manager) {
	t.Helper()

	pa, pb := a.LocalPeerID(), b.LocalPeerID()

	msg1, err := a.Initiate(pb)
	require.NoError(t, err)

	msg2, err := b.HandleIncoming(pa, msg1)
	require.NoError(t, err)

	msg3, err := a.HandleIncoming(pb, msg2)
	require.NoError(t, err)

	final, err := b.HandleIncoming(pa, msg3)
	require.NoError(t, err)
	require.Empty(t, final)

	sa, ok := a.GetSession(pb)
	require.True(t, ok)
	require.True(t, sa.IsEstablished())

	sb, ok := b.GetSession(pa)
	require.True(t, ok)
	require.True(t, sb.IsEstablished())
}

func TestManagerHappyPath(t *testing.T) {
	recA := newRecorder()
	recB := newRecorder()
	a := newManager(t, recA)
	b := newManager(t, recB)

	connectManagers(t, a, b)

	recA.wait(t)
	recB.wait(t)
	assert.Equal(t, 1, recA.establishedCount())
	assert.Equal(t, 1, recB.establishedCount())

	recA.mu.Lock()
	gotRemote := recA.established[0]
	recA.mu.Unlock()
	assert.Equal(t, b.LocalStaticPublic(), gotRemote)

	ct, err := a.Encrypt(b.LocalPeerID(), []byte("hello"))
	require.NoError(t, err)
	pt, err := b.Decrypt(a.LocalPeerID(), ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)
}

func TestManagerEncryptUnknownPeer(t *testing.T) {
	a := newManager(t, nil)

	_, err := a.Encrypt("deadbeef00000000", []byte("x"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = a.Decrypt("deadbeef00000000", []byte("x"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerInitiateWhileEstablished(t *testing.T) {
	a := newManager(t, nil)
	b := newManager(t, nil)
	connectManagers(t, a, b)

	_, err := a.Initiate(b.LocalPeerID())
	assert.ErrorIs(t, err, ErrAlreadyEstablished)
}

func TestManagerInitiateEvictsPartialSession(t *testing.T) {
	a := newManager(t, nil)

	target := peer.ID("deadbeef00000000")
	_, err := a.Initiate(target)
	require.NoError(t, err)

	s1, ok := a.GetSession(target)
	require.True(t, ok)

	_, err = a.Initiate(target)
	require.NoError(t, err)

	s2, ok := a.GetSession(target)
	require.True(t, ok)
	assert.NotSame(t, s1, s2)
	assert.Equal(t, StateUninit, s1.State())
}

func TestManagerPeerRestart(t *testing.T) {
	recA := newRecorder()
	a := newManager(t, recA)

	kcB := keychain.NewInMemory()
	b1, err := NewManager(Config{Keychain: kcB})
	require.NoError(t, err)
	connectManagers(t, a, b1)
	recA.wait(t)
	b1.Close()

	// B restarts with the same identity and initiates fresh. A must
	// accept, evict the established session, and respond.
	b2, err := NewManager(Config{Keychain: kcB})
	require.NoError(t, err)
	t.Cleanup(b2.Close)

	pa, pb := a.LocalPeerID(), b2.LocalPeerID()
	msg1, err := b2.Initiate(pa)
	require.NoError(t, err)

	msg2, err := a.HandleIncoming(pb, msg1)
	require.NoError(t, err)
	require.Len(t, msg2, 96)

	msg3, err := b2.HandleIncoming(pa, msg2)
	require.NoError(t, err)
	final, err := a.HandleIncoming(pb, msg3)
	require.NoError(t, err)
	require.Empty(t, final)

	recA.wait(t)
	assert.Equal(t, 2, recA.establishedCount())

	sa, ok := a.GetSession(pb)
	require.True(t, ok)
	assert.True(t, sa.IsEstablished())
	assert.Equal(t, noise.Responder, sa.Role())
}

func TestManagerGarbageRestartsEstablishedSession(t *testing.T) {
	a := newManager(t, nil)
	b := newManager(t, nil)
	connectManagers(t, a, b)

	pb := b.LocalPeerID()
	old, _ := a.GetSession(pb)

	// Any message through handshake arbitration on an established session
	// evicts it; a 32-byte body parses as a fresh XX message 1.
	garbage := make([]byte, 32)
	_, err := rand.Read(garbage)
	require.NoError(t, err)

	resp, err := a.HandleIncoming(pb, garbage)
	require.NoError(t, err)
	assert.Len(t, resp, 96)

	fresh, ok := a.GetSession(pb)
	require.True(t, ok)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, StateHandshaking, fresh.State())
	assert.Equal(t, StateUninit, old.State())
}

func TestManagerSimultaneousInitiate(t *testing.T) {
	recA := newRecorder()
	recB := newRecorder()
	a := newManager(t, recA)
	b := newManager(t, recB)

	pa, pb := a.LocalPeerID(), b.LocalPeerID()

	msg1A, err := a.Initiate(pb)
	require.NoError(t, err)
	msg1B, err := b.Initiate(pa)
	require.NoError(t, err)

	// Each side receives the other's 32-byte message 1 while handshaking:
	// both evict their initiator session and restart as responders.
	msg2A, err := a.HandleIncoming(pb, msg1B)
	require.NoError(t, err)
	require.Len(t, msg2A, 96)
	msg2B, err := b.HandleIncoming(pa, msg1A)
	require.NoError(t, err)
	require.Len(t, msg2B, 96)

	sa, _ := a.GetSession(pb)
	sb, _ := b.GetSession(pa)
	require.Equal(t, noise.Responder, sa.Role())
	require.Equal(t, noise.Responder, sb.Role())

	// The crossed responder messages cannot advance two responder
	// sessions; both sides evict and report failure. No deadlock and no
	// permanently diverging pair remains.
	_, errA := a.HandleIncoming(pb, msg2B)
	require.Error(t, errA)
	_, errB := b.HandleIncoming(pa, msg2A)
	require.Error(t, errB)
	recA.wait(t)
	recB.wait(t)

	_, ok := a.GetSession(pb)
	assert.False(t, ok)
	_, ok = b.GetSession(pa)
	assert.False(t, ok)

	// One side retries and the pair converges within this second round.
	connectManagers(t, a, b)
}

func TestManagerFailedHandshakeEvictsAndNotifies(t *testing.T) {
	rec := newRecorder()
	a := newManager(t, rec)

	p := peer.ID("deadbeef00000000")
	_, err := a.HandleIncoming(p, make([]byte, 31))
	require.ErrorIs(t, err, noise.ErrMalformed)

	rec.wait(t)
	assert.Equal(t, 1, rec.failedCount())
	assert.Equal(t, 0, rec.establishedCount())

	_, ok := a.GetSession(p)
	assert.False(t, ok)
}

func TestManagerRemove(t *testing.T) {
	a := newManager(t, nil)
	b := newManager(t, nil)
	connectManagers(t, a, b)

	pb := b.LocalPeerID()
	a.Remove(pb)

	_, ok := a.GetSession(pb)
	assert.False(t, ok)
	_, err := a.Encrypt(pb, []byte("x"))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Idempotent.
	a.Remove(pb)
}

func TestManagerRemoveAll(t *testing.T) {
	a := newManager(t, nil)
	b := newManager(t, nil)
	c := newManager(t, nil)
	connectManagers(t, a, b)
	connectManagers(t, a, c)

	a.RemoveAll()

	_, ok := a.GetSession(b.LocalPeerID())
	assert.False(t, ok)
	_, ok = a.GetSession(c.LocalPeerID())
	assert.False(t, ok)
}

func TestManagerRekeyLifecycle(t *testing.T) {
	a := newManager(t, nil)
	b := newManager(t, nil)
	connectManagers(t, a, b)

	pb := b.LocalPeerID()
	assert.Empty(t, a.SessionsNeedingRekey())

	s, _ := a.GetSession(pb)
	s.mu.Lock()
	s.messagesSent = RekeyAfterMessages
	s.mu.Unlock()

	due := a.SessionsNeedingRekey()
	require.Equal(t, []peer.ID{pb}, due)

	// Rekey is a full fresh handshake; pump it to completion.
	pa := a.LocalPeerID()
	msg1, err := a.InitiateRekey(pb)
	require.NoError(t, err)
	require.Len(t, msg1, 32)

	msg2, err := b.HandleIncoming(pa, msg1)
	require.NoError(t, err)
	msg3, err := a.HandleIncoming(pb, msg2)
	require.NoError(t, err)
	_, err = b.HandleIncoming(pa, msg3)
	require.NoError(t, err)

	fresh, ok := a.GetSession(pb)
	require.True(t, ok)
	assert.True(t, fresh.IsEstablished())
	assert.Equal(t, uint64(0), fresh.SendCipher().Nonce())
	assert.Empty(t, a.SessionsNeedingRekey())
}

func TestManagerRekeyUnknownPeer(t *testing.T) {
	a := newManager(t, nil)

	_, err := a.InitiateRekey("deadbeef00000000")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerConcurrentTraffic(t *testing.T) {
	a := newManager(t, nil)
	b := newManager(t, nil)
	connectManagers(t, a, b)

	pa, pb := a.LocalPeerID(), b.LocalPeerID()

	// Concurrent observers and one encrypt/decrypt stream must not race.
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			a.SessionsNeedingRekey()
			a.GetSession(pb)
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			ct, err := a.Encrypt(pb, []byte("stream"))
			if err != nil {
				t.Error(err)
				return
			}
			if _, err := b.Decrypt(pa, ct); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	wg.Wait()
}
