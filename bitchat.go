// Package bitchat wires the secure session subsystem to a transport: a
// Client owns the session manager, routes inbound mesh frames into it,
// transmits the bytes its operations return, and encodes and decodes relay
// envelopes for use when the mesh is unavailable. It does not switch to the
// relay path by itself.
package bitchat

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bitchat/keychain"
	"github.com/opd-ai/bitchat/noise"
	"github.com/opd-ai/bitchat/peer"
	"github.com/opd-ai/bitchat/relay"
	"github.com/opd-ai/bitchat/session"
	"github.com/opd-ai/bitchat/transport"
)

// Mesh frame types. The first byte of every frame on the direct transport
// distinguishes handshake traffic from transport ciphertext.
const (
	frameHandshake uint8 = 0x01
	frameData      uint8 = 0x02
)

// ErrEmptyFrame indicates an inbound mesh frame with no type byte.
var ErrEmptyFrame = errors.New("bitchat: empty frame")

// MessageFunc receives decrypted application plaintext from a peer.
type MessageFunc func(from peer.ID, plaintext []byte)

// Options configures a Client. Keychain is required; Transport may be nil
// for relay-only operation.
type Options struct {
	Keychain      keychain.Keychain
	Transport     transport.Transport
	OnEstablished session.EstablishedFunc
	OnFailed      session.FailedFunc
	OnMessage     MessageFunc
}

// Client is the high-level BitChat endpoint: a session manager bound to a
// transport, with relay framing for the fallback path.
type Client struct {
	mgr       *session.Manager
	tr        transport.Transport
	onMessage MessageFunc
}

// New creates a Client and installs it as the transport's inbound handler.
func New(opts Options) (*Client, error) {
	mgr, err := session.NewManager(session.Config{
		Keychain:      opts.Keychain,
		OnEstablished: opts.OnEstablished,
		OnFailed:      opts.OnFailed,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		mgr:       mgr,
		tr:        opts.Transport,
		onMessage: opts.OnMessage,
	}

	if c.tr != nil {
		c.tr.SetHandler(c.handleIncoming)
	}

	return c, nil
}

// PeerID returns the local canonical short peer ID.
func (c *Client) PeerID() peer.ID {
	return c.mgr.LocalPeerID()
}

// Fingerprint returns the lowercase hex SHA-256 of the local static public
// key.
func (c *Client) Fingerprint() string {
	pub := c.mgr.LocalStaticPublic()
	return peer.Fingerprint(pub)
}

// Manager exposes the underlying session manager.
func (c *Client) Manager() *session.Manager {
	return c.mgr
}

// Connect initiates an XX handshake with a peer over the mesh transport.
func (c *Client) Connect(p peer.ID) error {
	msg, err := c.mgr.Initiate(p)
	if err != nil {
		return err
	}
	return c.sendFrame(p, frameHandshake, msg)
}

// SendMessage encrypts plaintext for a peer and transmits it. When the
// send direction has exhausted its nonce space, a rekey handshake is
// started automatically and the original error is returned; the caller
// retries once the session re-establishes.
func (c *Client) SendMessage(p peer.ID, plaintext []byte) error {
	ct, err := c.mgr.Encrypt(p, plaintext)
	if err != nil {
		if errors.Is(err, noise.ErrNonceExhausted) {
			if rekeyErr := c.rekey(p); rekeyErr != nil {
				logrus.WithFields(logrus.Fields{
					"function": "SendMessage",
					"peer_id":  p,
					"error":    rekeyErr.Error(),
				}).Error("Forced rekey failed")
			}
		}
		return err
	}
	return c.sendFrame(p, frameData, ct)
}

// RekeyDueSessions starts fresh handshakes for every session that has
// crossed a rekey threshold. It returns the peers that were rekeyed.
func (c *Client) RekeyDueSessions() []peer.ID {
	due := c.mgr.SessionsNeedingRekey()
	for _, p := range due {
		if err := c.rekey(p); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "RekeyDueSessions",
				"peer_id":  p,
				"error":    err.Error(),
			}).Error("Rekey failed")
		}
	}
	return due
}

func (c *Client) rekey(p peer.ID) error {
	msg, err := c.mgr.InitiateRekey(p)
	if err != nil {
		return err
	}
	return c.sendFrame(p, frameHandshake, msg)
}

// EmergencyDisconnectAll tears down every session, including those mid
// handshake.
func (c *Client) EmergencyDisconnectAll() {
	c.mgr.RemoveAll()
}

// EncodeRelayMessage frames a private message for the relay fallback path.
func (c *Client) EncodeRelayMessage(content, messageID string, to *peer.ID) (string, error) {
	return relay.EncodePrivateMessage(content, messageID, to, c.PeerID())
}

// EncodeRelayAck frames a delivery or read acknowledgement for the relay
// fallback path.
func (c *Client) EncodeRelayAck(kind relay.PayloadType, messageID string, to *peer.ID) (string, error) {
	return relay.EncodeAck(kind, messageID, to, c.PeerID())
}

// DecodeRelayEnvelope parses a bitchat1: token received from the relay
// network.
func (c *Client) DecodeRelayEnvelope(token string) (*relay.Packet, error) {
	return relay.DecodeEnvelope(token)
}

// Close shuts down the transport and the session manager.
func (c *Client) Close() {
	if c.tr != nil {
		_ = c.tr.Close()
	}
	c.mgr.Close()
}

func (c *Client) sendFrame(p peer.ID, frameType uint8, body []byte) error {
	if c.tr == nil {
		return transport.ErrPeerUnreachable
	}
	frame := make([]byte, 0, 1+len(body))
	frame = append(frame, frameType)
	frame = append(frame, body...)
	return c.tr.Send(p, frame)
}

// handleIncoming routes inbound mesh frames: handshake frames go through
// the manager's arbitration, data frames are decrypted and handed to the
// message callback.
func (c *Client) handleIncoming(from peer.ID, data []byte) {
	if len(data) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "handleIncoming",
			"peer_id":  from,
		}).Warn("Dropping empty frame")
		return
	}

	frameType, body := data[0], data[1:]
	switch frameType {
	case frameHandshake:
		resp, err := c.mgr.HandleIncoming(from, body)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleIncoming",
				"peer_id":  from,
				"error":    err.Error(),
			}).Error("Handshake processing failed")
			return
		}
		if len(resp) > 0 {
			if err := c.sendFrame(from, frameHandshake, resp); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "handleIncoming",
					"peer_id":  from,
					"error":    err.Error(),
				}).Error("Failed to transmit handshake response")
			}
		}

	case frameData:
		pt, err := c.mgr.Decrypt(from, body)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleIncoming",
				"peer_id":  from,
				"error":    err.Error(),
			}).Warn("Dropping undecryptable frame")
			return
		}
		if c.onMessage != nil {
			c.onMessage(from, pt)
		}

	default:
		logrus.WithFields(logrus.Fields{
			"function":   "handleIncoming",
			"peer_id":    from,
			"frame_type": fmt.Sprintf("%#x", frameType),
		}).Warn("Dropping frame with unknown type")
	}
}
