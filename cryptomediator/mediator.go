// Package cryptomediator is the thin adapter (C2) exposing X3DH one-time
// key agreement, Double Ratchet encrypt/decrypt with skipped-key diffs,
// confirmation-box decrypt, and signing-key generation to the rest of the
// agent. Everything cryptographic the agent touches goes through here —
// grounded on the same curve25519/nacl primitives the teacher's ratchet
// and contact-exchange code already depend on.
package cryptomediator

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/box"

	ratchet "github.com/smpagent/core/doubleratchet"
)

var (
	ErrBoxOpenFailed = errors.New("cryptomediator: failed to open one-time box")
	ErrBadPadding    = errors.New("cryptomediator: padded plaintext has invalid framing")
)

// PaddedLen is the set of fixed plaintext lengths the protocol pads to.
// Padding length is part of the protocol and is fixed per envelope kind
// (conn-info envelopes vs. user messages), never derived from content.
type PaddedLen int

const (
	// PaddedLenConnInfo is the fixed length for AgentConfirmation /
	// AgentInvitation conn-info envelopes.
	PaddedLenConnInfo PaddedLen = 14848
	// PaddedLenMessage is the fixed length for ratchet-protected
	// AgentMessage envelopes exchanged after the handshake.
	PaddedLenMessage PaddedLen = 15968
)

// Mediator exposes the cryptographic operations used by agent, recv and
// outbox. It is stateless aside from a rand source, so a single instance
// is shared process-wide.
type Mediator struct {
	rand io.Reader
}

// New returns a Mediator reading randomness from crypto/rand.
func New() *Mediator {
	return &Mediator{rand: rand.Reader}
}

// SigningKeyPair generates an ed25519 signing keypair used to authenticate
// relay queue commands (SMP's sender/recipient authentication).
func (m *Mediator) SigningKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(m.rand)
}

// Verify checks an ed25519 signature over msg.
func (m *Mediator) Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// SHA256 hashes data, used for the agent's message hash chain
// (PrevMsgHash) and for confirming queue server fingerprints.
func (m *Mediator) SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// X3DHSndSide generates the initiator's one-time box keypair embedded in
// an invitation (the "Invitation" connection mode of createConnection).
func (m *Mediator) X3DHSndSide() (pub, priv *[32]byte, err error) {
	pub, priv, err = box.GenerateKey(m.rand)
	return pub, priv, err
}

// X3DHRcvSide seals connInfo to the initiator's one-time public key,
// producing the EncConnInfo field of an AgentConfirmation. The responder
// generates its own ephemeral keypair and returns its public half so the
// initiator can derive the shared box key.
func (m *Mediator) X3DHRcvSide(theirPub *[32]byte, connInfo []byte) (ourPub *[32]byte, sealed []byte, err error) {
	ourPub, ourPriv, err := box.GenerateKey(m.rand)
	if err != nil {
		return nil, nil, err
	}
	var nonce [24]byte
	if _, err := io.ReadFull(m.rand, nonce[:]); err != nil {
		return nil, nil, err
	}
	sealed = box.Seal(nonce[:], connInfo, &nonce, theirPub, ourPriv)
	return ourPub, sealed, nil
}

// BoxDecrypt opens a one-time-boxed confirmation payload using the
// initiator's own private key and the responder's ephemeral public key.
func (m *Mediator) BoxDecrypt(theirPub *[32]byte, ourPriv *[32]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, ErrBoxOpenFailed
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := box.Open(nil, sealed[24:], &nonce, theirPub, ourPriv)
	if !ok {
		return nil, ErrBoxOpenFailed
	}
	return plain, nil
}

// InitSendRatchet creates a fresh ratchet and its key-exchange blob, used
// by joinConnection to initialize the send side before any reply queue
// exists.
func (m *Mediator) InitSendRatchet() (*ratchet.Ratchet, []byte, error) {
	r, err := ratchet.InitRatchet(m.rand)
	if err != nil {
		return nil, nil, err
	}
	kx, err := r.CreateKeyExchange()
	if err != nil {
		return nil, nil, err
	}
	return r, kx, nil
}

// InitRecvRatchet creates a fresh ratchet and completes the handshake
// against a peer's key-exchange blob, used by allowConnection to
// initialize the receive side from stored X3DH keys.
func (m *Mediator) InitRecvRatchet(peerKx []byte) (*ratchet.Ratchet, error) {
	r, err := ratchet.InitRatchet(m.rand)
	if err != nil {
		return nil, err
	}
	if err := r.ProcessKeyExchange(peerKx); err != nil {
		return nil, err
	}
	return r, nil
}

// Encrypt pads plaintext to paddedLen and ratchet-encrypts it.
func (m *Mediator) Encrypt(r *ratchet.Ratchet, paddedLen PaddedLen, plaintext []byte) ([]byte, error) {
	padded, err := pad(plaintext, int(paddedLen))
	if err != nil {
		return nil, err
	}
	return r.Encrypt(nil, padded)
}

// Decrypt ratchet-decrypts ciphertext and strips the fixed-length padding.
// The returned ratchet is the same *Ratchet (stepped in place); callers
// persist its Save() blob as the "skipped diff" after a successful call.
func (m *Mediator) Decrypt(r *ratchet.Ratchet, ciphertext []byte) ([]byte, error) {
	padded, err := r.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	return unpad(padded)
}

// pad produces a fixed-length buffer: 4-byte big-endian length prefix
// followed by plaintext followed by zero filler, matching the protocol's
// envelope-kind-fixed padding rule (spec.md §4.2).
func pad(plaintext []byte, total int) ([]byte, error) {
	if len(plaintext)+4 > total {
		return nil, ErrBadPadding
	}
	out := make([]byte, total)
	putUint32(out, uint32(len(plaintext)))
	copy(out[4:], plaintext)
	return out, nil
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 4 {
		return nil, ErrBadPadding
	}
	n := getUint32(padded)
	if int(n) > len(padded)-4 {
		return nil, ErrBadPadding
	}
	return padded[4 : 4+n], nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
