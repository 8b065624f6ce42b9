package cryptomediator

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestX3DHRoundTrip(t *testing.T) {
	m := New()

	initiatorPub, initiatorPriv, err := m.X3DHSndSide()
	require.NoError(t, err)

	connInfo := []byte("hello from responder")
	responderPub, sealed, err := m.X3DHRcvSide(initiatorPub, connInfo)
	require.NoError(t, err)

	plain, err := m.BoxDecrypt(responderPub, initiatorPriv, sealed)
	require.NoError(t, err)
	require.Equal(t, connInfo, plain)
}

func TestRatchetEncryptWithPadding(t *testing.T) {
	m := New()

	sendRatchet, kx, err := m.InitSendRatchet()
	require.NoError(t, err)
	recvRatchet, err := m.InitRecvRatchet(kx)
	require.NoError(t, err)

	// recvRatchet has processed sendRatchet's exchange blob, but
	// sendRatchet never processes one back, so the two do not form a
	// completed handshake and nothing here is decrypted. This test only
	// checks the encrypt path through the mediator's padding; full ratchet
	// round trips are covered in package ratchet's own tests.
	_ = recvRatchet

	ciphertext, err := m.Encrypt(sendRatchet, PaddedLenMessage, []byte("short body"))
	require.NoError(t, err)
	require.Greater(t, len(ciphertext), int(PaddedLenMessage))
}

func TestSigningKeyPairVerify(t *testing.T) {
	m := New()
	pub, priv, err := m.SigningKeyPair()
	require.NoError(t, err)

	msg := []byte("queue command")
	sig := ed25519.Sign(priv, msg)
	require.True(t, m.Verify(pub, msg, sig))
	require.False(t, m.Verify(pub, msg, append([]byte{}, sig[:len(sig)-1]...)))
}
