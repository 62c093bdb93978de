// Package session implements the BitChat per-peer secure session state
// machine and the manager that multiplexes handshakes and transport
// traffic across many peers.
//
// # Session lifecycle
//
//	          StartHandshake (initiator)       ProcessHandshake (completes)
//	Uninit ───────────────────────────► Handshaking ─────────────────► Established
//	   ▲      ProcessHandshake (responder)     │                            │
//	   │                                       │ cryptographic error        │ Reset
//	   │                                       ▼                            │
//	   └───────────── Reset ────────────── Failed ─────── Reset ────────────┘
//
// Every state is exit-able via Reset, which zeroizes all key material: the
// retained remote static key and handshake hash through keychain.Wipe, the
// cipher and handshake state through the noise package's own wipe routine
// (not through the keychain).
//
// # Manager arbitration
//
// Inbound handshake traffic is arbitrated under the table lock: a message
// for an established session evicts it and restarts as responder (the peer
// cleared its state), a 32-byte message for a handshaking session is taken
// as a fresh XX message 1 and likewise restarts as responder (recovering
// simultaneous-initiate races), and anything else is delivered to the
// existing session. Establishment and failure callbacks are dispatched on a
// dedicated goroutine, never under the table lock.
//
// # Rekeying
//
// A session needs a rekey after 2^20 messages, 2^32 sent bytes, or one
// hour of age. Rekeying is a full teardown plus fresh XX handshake; there
// is no in-band rekey message. The manager does not time out handshakes on
// its own: callers enforce deadlines by calling Remove.
package session
