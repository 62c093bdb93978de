// Package transport defines the contract the BitChat session core consumes
// for moving raw peer-addressed bytes, plus an in-process implementation
// used by tests and examples.
//
// The session layer never performs I/O itself: handshake and ciphertext
// bytes returned by session operations are transmitted by the caller after
// the relevant locks are released, and inbound bytes are routed into the
// session manager by the handler installed here.
package transport

import (
	"errors"
	"sync"

	"github.com/opd-ai/bitchat/peer"
)

// ErrPeerUnreachable indicates the transport has no route to the peer.
var ErrPeerUnreachable = errors.New("transport: peer unreachable")

// ErrClosed indicates the transport has been shut down.
var ErrClosed = errors.New("transport: closed")

// Handler receives inbound peer-addressed byte strings.
type Handler func(from peer.ID, data []byte)

// Transport is the delivery contract consumed by the session core.
type Transport interface {
	// Send transmits data to the peer with the given short ID.
	Send(to peer.ID, data []byte) error

	// LocalPeer returns the short ID this transport answers for.
	LocalPeer() peer.ID

	// SetHandler installs the sink for inbound data. Must be called before
	// traffic flows; the handler runs on the transport's delivery
	// goroutine.
	SetHandler(h Handler)

	// Close tears the transport down. Pending deliveries are dropped.
	Close() error
}

// Memory is an in-process Transport. Each endpoint drains its inbox on a
// dedicated goroutine so deliveries are ordered and never re-enter the
// sender.
type Memory struct {
	local peer.ID

	mu      sync.RWMutex
	links   map[peer.ID]*Memory
	handler Handler
	closed  bool

	inbox chan inboundFrame
	done  chan struct{}
}

type inboundFrame struct {
	from peer.ID
	data []byte
}

// NewMemory creates an unconnected in-process endpoint.
func NewMemory(local peer.ID) *Memory {
	m := &Memory{
		local: local,
		links: make(map[peer.ID]*Memory),
		inbox: make(chan inboundFrame, 64),
		done:  make(chan struct{}),
	}
	go m.pump()
	return m
}

// MemoryPair creates two linked in-process endpoints.
func MemoryPair(a, b peer.ID) (*Memory, *Memory) {
	ta := NewMemory(a)
	tb := NewMemory(b)
	Link(ta, tb)
	return ta, tb
}

// Link connects two endpoints bidirectionally.
func Link(a, b *Memory) {
	a.mu.Lock()
	a.links[b.local] = b
	a.mu.Unlock()

	b.mu.Lock()
	b.links[a.local] = a
	b.mu.Unlock()
}

// Send queues data for delivery to a linked endpoint.
func (m *Memory) Send(to peer.ID, data []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	remote, ok := m.links[to]
	m.mu.RUnlock()

	if !ok {
		return ErrPeerUnreachable
	}

	frame := inboundFrame{from: m.local, data: append([]byte(nil), data...)}
	select {
	case remote.inbox <- frame:
		return nil
	case <-remote.done:
		return ErrPeerUnreachable
	}
}

// LocalPeer returns this endpoint's short ID.
func (m *Memory) LocalPeer() peer.ID {
	return m.local
}

// SetHandler installs the inbound sink.
func (m *Memory) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Close shuts the endpoint down and stops its delivery goroutine.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	return nil
}

func (m *Memory) pump() {
	for {
		select {
		case frame := <-m.inbox:
			m.mu.RLock()
			h := m.handler
			m.mu.RUnlock()
			if h != nil {
				h(frame.from, frame.data)
			}
		case <-m.done:
			return
		}
	}
}
