package relay

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/bitchat/peer"
)

// ErrMalformed indicates a relay frame that cannot be parsed. The session
// that received it is unaffected; the frame is dropped.
var ErrMalformed = errors.New("relay: malformed frame")

// MessageType is the BitChat packet type byte.
type MessageType uint8

// MessageTypeNoiseEncrypted marks a packet whose payload follows the Noise
// payload framing. Relay-adapted frames only ever carry this type.
const MessageTypeNoiseEncrypted MessageType = 0x11

// PayloadType is the first byte of a Noise payload.
type PayloadType uint8

const (
	// PayloadPrivateMessage carries a TLV-encoded private message body.
	PayloadPrivateMessage PayloadType = 0x01
	// PayloadDelivered acknowledges delivery of a message ID.
	PayloadDelivered PayloadType = 0x02
	// PayloadReadReceipt acknowledges reading of a message ID.
	PayloadReadReceipt PayloadType = 0x03
)

// InitialTTL is the hop budget a freshly encoded relay packet starts with.
const InitialTTL = 7

// MaxPayloadSize bounds the payload carried by one packet; the length field
// on the wire is 16 bits.
const MaxPayloadSize = 1<<16 - 1

// Packet is the binary BitChat envelope tunneled through the relay
// network:
//
//	[type(1)][sender(8)][has_recipient(1)][recipient(0|8)]
//	[timestamp_ms(8, BE)][ttl(1)][payload_len(2, BE)][payload][sig_flag(1)]
type Packet struct {
	Type          MessageType
	SenderID      [peer.ShortIDLength]byte
	HasRecipient  bool
	RecipientID   [peer.ShortIDLength]byte
	TimestampMs   uint64
	TTL           uint8
	Payload       []byte
	SignatureFlag uint8
}

// Marshal serializes the packet into its binary form.
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds %d", ErrMalformed, len(p.Payload), MaxPayloadSize)
	}

	size := 1 + peer.ShortIDLength + 1 + 8 + 1 + 2 + len(p.Payload) + 1
	if p.HasRecipient {
		size += peer.ShortIDLength
	}

	buf := make([]byte, 0, size)
	buf = append(buf, byte(p.Type))
	buf = append(buf, p.SenderID[:]...)
	if p.HasRecipient {
		buf = append(buf, 1)
		buf = append(buf, p.RecipientID[:]...)
	} else {
		buf = append(buf, 0)
	}

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], p.TimestampMs)
	buf = append(buf, ts[:]...)

	buf = append(buf, p.TTL)

	var plen [2]byte
	binary.BigEndian.PutUint16(plen[:], uint16(len(p.Payload)))
	buf = append(buf, plen[:]...)
	buf = append(buf, p.Payload...)

	buf = append(buf, p.SignatureFlag)
	return buf, nil
}

// ParsePacket deserializes a binary BitChat envelope.
func ParsePacket(data []byte) (*Packet, error) {
	// Smallest frame: type + sender + flag + timestamp + ttl + len + sig.
	minLen := 1 + peer.ShortIDLength + 1 + 8 + 1 + 2 + 1
	if len(data) < minLen {
		return nil, fmt.Errorf("%w: %d bytes is below minimum %d", ErrMalformed, len(data), minLen)
	}

	p := &Packet{Type: MessageType(data[0])}
	offset := 1

	copy(p.SenderID[:], data[offset:offset+peer.ShortIDLength])
	offset += peer.ShortIDLength

	switch data[offset] {
	case 0:
		p.HasRecipient = false
	case 1:
		p.HasRecipient = true
	default:
		return nil, fmt.Errorf("%w: recipient flag %#x", ErrMalformed, data[offset])
	}
	offset++

	if p.HasRecipient {
		if len(data) < offset+peer.ShortIDLength {
			return nil, fmt.Errorf("%w: truncated recipient", ErrMalformed)
		}
		copy(p.RecipientID[:], data[offset:offset+peer.ShortIDLength])
		offset += peer.ShortIDLength
	}

	if len(data) < offset+8+1+2 {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformed)
	}

	p.TimestampMs = binary.BigEndian.Uint64(data[offset : offset+8])
	offset += 8

	p.TTL = data[offset]
	offset++

	payloadLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2

	if len(data) != offset+payloadLen+1 {
		return nil, fmt.Errorf("%w: payload length %d does not match frame", ErrMalformed, payloadLen)
	}

	p.Payload = make([]byte, payloadLen)
	copy(p.Payload, data[offset:offset+payloadLen])
	offset += payloadLen

	p.SignatureFlag = data[offset]
	return p, nil
}
