// Package wire implements the agent's on-the-wire envelope and inner
// message codecs described in spec.md §6. Every frame exchanged with a
// relay, after SMP-client framing is stripped, is one of the envelope
// kinds below; ratchet-protected frames decode further into an
// AgentMessage carrying one tagged inner payload.
package wire

import (
	"crypto/sha256"
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// ErrUnknownEnvelope is returned when a decoded envelope tag is not one
// of the recognised kinds.
var ErrUnknownEnvelope = errors.New("wire: unknown envelope kind")

// ErrUnknownPayload is returned when an AgentMessage payload tag is not
// recognised.
var ErrUnknownPayload = errors.New("wire: unknown agent message payload kind")

// EnvelopeKind tags the outer SMP-client-body envelope.
type EnvelopeKind byte

const (
	EnvelopeConfirmation EnvelopeKind = iota
	EnvelopeInvitation
	EnvelopeMsg
)

// Envelope is the outer structure decrypted directly from the SMP
// client body, before any ratchet processing.
type Envelope struct {
	Kind EnvelopeKind

	// Confirmation fields.
	AgentVersion   uint16
	E2EEncryption  []byte // optional X3DH one-time public material
	EncConnInfo    []byte

	// Invitation fields.
	ConnReq  []byte
	ConnInfo []byte

	// Msg fields.
	EncAgentMessage []byte
}

// Encode serializes the envelope using CBOR, matching the teacher's
// request/response codec style (memspool/common).
func (e *Envelope) Encode() ([]byte, error) {
	return cbor.Marshal(e)
}

// DecodeEnvelope parses a serialized Envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	e := new(Envelope)
	if _, err := cbor.UnmarshalFirst(data, e); err != nil {
		return nil, err
	}
	return e, nil
}

// PayloadKind tags the inner AgentMessage payload (spec.md §6 table).
type PayloadKind byte

const (
	PayloadHello PayloadKind = iota
	PayloadReply
	PayloadAMsg
	PayloadQNew
	PayloadQKeys
	PayloadQReady
	PayloadQTest
	PayloadQSwitch
	PayloadQHello
)

// PrivHeader carries the per-connection sequencing/hash-chain fields
// every inner AgentMessage is stamped with (spec.md §3).
type PrivHeader struct {
	SndMsgID  int64
	PrevHash  [32]byte
}

// SMPQueueInfo describes one relay queue reference as embedded in
// REPLY/QNEW/QKEYS/QREADY/QSWITCH payloads.
type SMPQueueInfo struct {
	Host        string
	Port        uint16
	Fingerprint [32]byte
	SenderID    []byte
	E2EDHPubKey []byte
	ClientVersion uint16
}

// AgentMessage is the inner, ratchet-protected message (spec.md §6).
type AgentMessage struct {
	PrivHeader PrivHeader
	Kind       PayloadKind

	// A_MSG
	Body []byte

	// REPLY
	ReplyQueues []SMPQueueInfo

	// QNEW
	CurrentAddr  SMPQueueInfo
	NextQueueURI string

	// QKEYS
	NextSenderKey []byte
	NextQueueInfo SMPQueueInfo

	// QREADY / QSWITCH
	Addr SMPQueueInfo
}

// ConnInfo is the plaintext carried inside a confirmation's one-time box
// (spec.md §4.7 "Confirmation acceptance"): the responder's identity and
// reply-queue material, decrypted by the initiator via one-time DH.
type ConnInfo struct {
	SenderVerifyKey []byte
	SenderE2EPub    []byte
	ReplyQueues     []SMPQueueInfo
}

// Encode serializes a ConnInfo payload.
func (c *ConnInfo) Encode() ([]byte, error) {
	return cbor.Marshal(c)
}

// DecodeConnInfo parses a serialized ConnInfo payload.
func DecodeConnInfo(data []byte) (*ConnInfo, error) {
	c := new(ConnInfo)
	if _, err := cbor.UnmarshalFirst(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Encode serializes the inner AgentMessage.
func (m *AgentMessage) Encode() ([]byte, error) {
	return cbor.Marshal(m)
}

// DecodeAgentMessage parses a serialized AgentMessage.
func DecodeAgentMessage(data []byte) (*AgentMessage, error) {
	m := new(AgentMessage)
	if _, err := cbor.UnmarshalFirst(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// PayloadHash hashes the message's content with PrivHeader zeroed out, so
// a message's own hash never depends on the PrevHash field it carries.
// Both sides compute this the same way: the sender stamps the next
// message's PrivHeader.PrevHash with this value, and the receiver's
// MsgIntegrity check compares it against the chain position it has
// locally recorded for the connection.
func (m *AgentMessage) PayloadHash() ([32]byte, error) {
	clone := *m
	clone.PrivHeader = PrivHeader{}
	b, err := clone.Encode()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}
