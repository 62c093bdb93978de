package relay

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bitchat/peer"
)

// EnvelopePrefix is the URI scheme of a relay envelope.
const EnvelopePrefix = "bitchat1:"

// envelopeEncoding is base64url without padding: the token must never
// contain '=', '+', or '/'.
var envelopeEncoding = base64.RawURLEncoding

// NewMessageID returns a fresh message identifier for private messages and
// their acknowledgements.
func NewMessageID() string {
	return uuid.NewString()
}

// EncodeEnvelope wraps a packet into the bitchat1: token carried through
// the relay network.
func EncodeEnvelope(p *Packet) (string, error) {
	raw, err := p.Marshal()
	if err != nil {
		return "", err
	}
	return EnvelopePrefix + envelopeEncoding.EncodeToString(raw), nil
}

// DecodeEnvelope parses a bitchat1: token back into a packet.
func DecodeEnvelope(s string) (*Packet, error) {
	if !strings.HasPrefix(s, EnvelopePrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrMalformed, EnvelopePrefix)
	}

	raw, err := envelopeEncoding.DecodeString(s[len(EnvelopePrefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ParsePacket(raw)
}

// newPacket assembles the common fields of an outbound relay packet.
func newPacket(sender peer.ID, recipient *peer.ID, payload []byte) (*Packet, error) {
	senderBytes, err := sender.ShortBytes()
	if err != nil {
		return nil, err
	}

	p := &Packet{
		Type:        MessageTypeNoiseEncrypted,
		SenderID:    senderBytes,
		TimestampMs: uint64(time.Now().UnixMilli()),
		TTL:         InitialTTL,
		Payload:     payload,
	}

	if recipient != nil {
		recipientBytes, err := recipient.ShortBytes()
		if err != nil {
			return nil, err
		}
		p.HasRecipient = true
		p.RecipientID = recipientBytes
	}

	return p, nil
}

// EncodePrivateMessage builds the relay token for a private message. It
// fails when a field exceeds its wire bounds.
func EncodePrivateMessage(content, messageID string, recipient *peer.ID, sender peer.ID) (string, error) {
	body, err := encodePrivateMessageBody(messageID, content)
	if err != nil {
		return "", err
	}

	payload := append([]byte{byte(PayloadPrivateMessage)}, body...)
	p, err := newPacket(sender, recipient, payload)
	if err != nil {
		return "", err
	}

	token, err := EncodeEnvelope(p)
	if err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "EncodePrivateMessage",
		"message_id": messageID,
		"sender":     sender,
		"token_len":  len(token),
	}).Debug("Encoded relay private message")

	return token, nil
}

// EncodeAck builds the relay token for a delivery or read acknowledgement.
// kind must be PayloadDelivered or PayloadReadReceipt; the payload body is
// the UTF-8 message ID being acknowledged.
func EncodeAck(kind PayloadType, messageID string, recipient *peer.ID, sender peer.ID) (string, error) {
	if kind != PayloadDelivered && kind != PayloadReadReceipt {
		return "", fmt.Errorf("%w: %#x is not an ack payload type", ErrMalformed, kind)
	}
	if len(messageID) == 0 || len(messageID) > MaxPayloadSize-1 {
		return "", fmt.Errorf("%w: message ID length %d", ErrMalformed, len(messageID))
	}

	payload := append([]byte{byte(kind)}, messageID...)
	p, err := newPacket(sender, recipient, payload)
	if err != nil {
		return "", err
	}
	return EncodeEnvelope(p)
}

// DecodePayload splits a packet payload into its Noise payload type and
// body.
func DecodePayload(payload []byte) (PayloadType, []byte, error) {
	if len(payload) == 0 {
		return 0, nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	kind := PayloadType(payload[0])
	switch kind {
	case PayloadPrivateMessage, PayloadDelivered, PayloadReadReceipt:
		return kind, payload[1:], nil
	default:
		return 0, nil, fmt.Errorf("%w: unknown payload type %#x", ErrMalformed, kind)
	}
}

// DecodeAckBody interprets an ack payload body as the acknowledged message
// ID.
func DecodeAckBody(body []byte) (string, error) {
	if len(body) == 0 {
		return "", fmt.Errorf("%w: empty ack body", ErrMalformed)
	}
	return string(body), nil
}
