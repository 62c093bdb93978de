// Package relay encodes BitChat packets for the relay fallback path. When
// the direct mesh transport is unavailable, payloads travel through an
// external relay network as opaque URI-style tokens:
//
//	bitchat1:<base64url(packet)>
//
// The base64url alphabet is unpadded, so a token never contains '=', '+',
// or '/'. The binary packet carries a short sender ID, an optional short
// recipient ID, a millisecond timestamp, a TTL starting at 7, and a Noise
// payload whose first byte selects between a TLV-encoded private message
// and delivery/read acknowledgements.
//
// The adapter only frames; the session layer sees the same plaintext
// contract on the mesh and relay paths.
package relay
