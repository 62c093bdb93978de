package noise

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runXX drives a complete XX exchange between two fresh handshake states
// and returns them along with the three wire messages.
func runXX(t *testing.T) (ini, resp *HandshakeState, msgs [][]byte) {
	t.Helper()

	iKeys, err := GenerateKeyPair()
	require.NoError(t, err)
	rKeys, err := GenerateKeyPair()
	require.NoError(t, err)

	ini, err = NewHandshakeState(iKeys, Initiator)
	require.NoError(t, err)
	resp, err = NewHandshakeState(rKeys, Responder)
	require.NoError(t, err)

	msg1, err := ini.WriteMessage()
	require.NoError(t, err)
	require.NoError(t, resp.ReadMessage(msg1))

	msg2, err := resp.WriteMessage()
	require.NoError(t, err)
	require.NoError(t, ini.ReadMessage(msg2))

	msg3, err := ini.WriteMessage()
	require.NoError(t, err)
	require.NoError(t, resp.ReadMessage(msg3))

	return ini, resp, [][]byte{msg1, msg2, msg3}
}

func TestXXMessageSizes(t *testing.T) {
	_, _, msgs := runXX(t)

	assert.Len(t, msgs[0], 32)
	assert.Len(t, msgs[1], 96)
	assert.Len(t, msgs[2], 64)
}

func TestXXCompletion(t *testing.T) {
	ini, resp, _ := runXX(t)

	assert.True(t, ini.IsComplete())
	assert.True(t, resp.IsComplete())
	assert.False(t, ini.SelfDial())
	assert.False(t, resp.SelfDial())
}

func TestXXHandshakeHashesMatch(t *testing.T) {
	ini, resp, _ := runXX(t)

	iHash, err := ini.Hash()
	require.NoError(t, err)
	rHash, err := resp.Hash()
	require.NoError(t, err)
	assert.Equal(t, iHash, rHash)
	assert.NotEqual(t, [HashSize]byte{}, iHash)
}

func TestXXCipherKeysCross(t *testing.T) {
	ini, resp, _ := runXX(t)

	iSend, iRecv, err := ini.Split()
	require.NoError(t, err)
	rSend, rRecv, err := resp.Split()
	require.NoError(t, err)

	assert.Equal(t, iSend.Key(), rRecv.Key())
	assert.Equal(t, iRecv.Key(), rSend.Key())
	assert.NotEqual(t, iSend.Key(), iRecv.Key())
}

func TestXXRemoteStatics(t *testing.T) {
	iKeys, err := GenerateKeyPair()
	require.NoError(t, err)
	rKeys, err := GenerateKeyPair()
	require.NoError(t, err)

	ini, err := NewHandshakeState(iKeys, Initiator)
	require.NoError(t, err)
	resp, err := NewHandshakeState(rKeys, Responder)
	require.NoError(t, err)

	msg1, err := ini.WriteMessage()
	require.NoError(t, err)
	require.NoError(t, resp.ReadMessage(msg1))
	msg2, err := resp.WriteMessage()
	require.NoError(t, err)
	require.NoError(t, ini.ReadMessage(msg2))
	msg3, err := ini.WriteMessage()
	require.NoError(t, err)
	require.NoError(t, resp.ReadMessage(msg3))

	gotR, err := ini.RemoteStatic()
	require.NoError(t, err)
	assert.Equal(t, rKeys.Public, gotR)

	gotI, err := resp.RemoteStatic()
	require.NoError(t, err)
	assert.Equal(t, iKeys.Public, gotI)
}

func TestXXTransportRoundTrip(t *testing.T) {
	ini, resp, _ := runXX(t)

	iSend, iRecv, err := ini.Split()
	require.NoError(t, err)
	rSend, rRecv, err := resp.Split()
	require.NoError(t, err)

	ct, err := iSend.Encrypt(nil, []byte("hello"))
	require.NoError(t, err)
	assert.Len(t, ct, 5+TagSize)

	pt, err := rRecv.Decrypt(nil, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)

	ct2, err := rSend.Encrypt(nil, []byte("hi"))
	require.NoError(t, err)
	pt2, err := iRecv.Decrypt(nil, ct2)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), pt2)
}

func TestXXSplitOnlyOnce(t *testing.T) {
	ini, _, _ := runXX(t)

	_, _, err := ini.Split()
	require.NoError(t, err)

	_, _, err = ini.Split()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestXXSplitBeforeCompletion(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)
	hs, err := NewHandshakeState(keys, Initiator)
	require.NoError(t, err)

	_, _, err = hs.Split()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestXXWrongTurn(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	resp, err := NewHandshakeState(keys, Responder)
	require.NoError(t, err)
	_, err = resp.WriteMessage()
	assert.ErrorIs(t, err, ErrInvalidState)

	ini, err := NewHandshakeState(keys, Initiator)
	require.NoError(t, err)
	err = ini.ReadMessage(make([]byte, 32))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestXXWriteAfterComplete(t *testing.T) {
	ini, resp, _ := runXX(t)

	_, err := ini.WriteMessage()
	assert.ErrorIs(t, err, ErrInvalidState)
	err = resp.ReadMessage(make([]byte, 32))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestXXRejectsWrongLengths(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"short", 16},
		{"long", 33},
		{"msg2 sized", 96},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, err := GenerateKeyPair()
			require.NoError(t, err)
			resp, err := NewHandshakeState(keys, Responder)
			require.NoError(t, err)

			err = resp.ReadMessage(make([]byte, tt.size))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestXXTamperedMessageFailsAuth(t *testing.T) {
	iKeys, err := GenerateKeyPair()
	require.NoError(t, err)
	rKeys, err := GenerateKeyPair()
	require.NoError(t, err)

	ini, err := NewHandshakeState(iKeys, Initiator)
	require.NoError(t, err)
	resp, err := NewHandshakeState(rKeys, Responder)
	require.NoError(t, err)

	msg1, err := ini.WriteMessage()
	require.NoError(t, err)
	require.NoError(t, resp.ReadMessage(msg1))

	msg2, err := resp.WriteMessage()
	require.NoError(t, err)

	// Corrupt the encrypted static key portion of message 2.
	msg2[40] ^= 0xff
	err = ini.ReadMessage(msg2)
	assert.ErrorIs(t, err, ErrAuthTag)
}

func TestXXSelfDial(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	ini, err := NewHandshakeState(keys, Initiator)
	require.NoError(t, err)
	resp, err := NewHandshakeState(keys, Responder)
	require.NoError(t, err)

	msg1, err := ini.WriteMessage()
	require.NoError(t, err)
	require.NoError(t, resp.ReadMessage(msg1))
	msg2, err := resp.WriteMessage()
	require.NoError(t, err)
	require.NoError(t, ini.ReadMessage(msg2))
	msg3, err := ini.WriteMessage()
	require.NoError(t, err)
	require.NoError(t, resp.ReadMessage(msg3))

	// Cryptographically the exchange succeeds; both sides flag it.
	assert.True(t, ini.IsComplete())
	assert.True(t, ini.SelfDial())
	assert.True(t, resp.SelfDial())
}

func TestXXSentMessageDiagnostics(t *testing.T) {
	ini, resp, msgs := runXX(t)

	require.Len(t, ini.SentMessages(), 2)
	assert.Equal(t, msgs[0], ini.SentMessages()[0])
	assert.Equal(t, msgs[2], ini.SentMessages()[1])

	require.Len(t, resp.SentMessages(), 1)
	assert.Equal(t, msgs[1], resp.SentMessages()[0])

	ini.Destroy()
	assert.Nil(t, ini.SentMessages())
}
