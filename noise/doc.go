// Package noise implements the Noise Protocol Framework machinery used by
// the BitChat secure session layer: symmetric primitives, per-direction
// cipher states, and a token-driven executor for the XX handshake pattern
// (Noise_XX_25519_ChaChaPoly_SHA256).
//
// # Pattern
//
// XX provides mutual authentication and forward secrecy without prior
// knowledge of the peer's static key:
//
//	Initiator                              Responder
//	─────────                              ─────────
//	-> e              (32 bytes)
//	                                       <- e, ee, s, es  (96 bytes)
//	-> s, se          (64 bytes)
//	[session established]
//
// Message sizes are deterministic and enforced on read; any other length is
// rejected before cryptographic processing.
//
// # Cipher suite
//
//   - DH: Curve25519 (X25519 key exchange)
//   - Cipher: ChaCha20-Poly1305 (AEAD, 12-byte nonces, 16-byte tags)
//   - Hash: SHA-256 (key derivation and transcript hashing)
//
// Transport nonces are 64-bit counters encoded little-endian into the last
// 8 bytes of the AEAD nonce. A counter is never reused: encryption refuses
// to run once the counter reaches its final value, and the final value is
// reserved for the rekey derivation.
//
// # Usage
//
//	hs, err := noise.NewHandshakeState(staticKeys, noise.Initiator)
//	if err != nil {
//	    return err
//	}
//	msg1, err := hs.WriteMessage() // send to peer
//	// ... receive msg2 ...
//	if err := hs.ReadMessage(msg2); err != nil {
//	    return err
//	}
//	msg3, err := hs.WriteMessage() // send to peer
//	send, recv, err := hs.Split()
//
// After Split the final transcript hash is available through Hash for
// channel binding, and the peer's long-term key through RemoteStatic.
//
// # Thread safety
//
// HandshakeState and CipherState are deliberately unsynchronized; the
// session layer owns them exclusively and serializes access under its own
// lock.
package noise
