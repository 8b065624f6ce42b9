// Package store is the Persistence Gateway (C1): transactional CRUD for
// connections, queues, the outbox, ratchet state, and staged
// confirmations/invitations, backed by go.etcd.io/bbolt. Grounded on the
// teacher's encrypted-statefile lifecycle (catshadow/disk.go), generalized
// from one flat blob to per-record buckets so C1's richer CRUD/transaction
// contract (spec.md §4.1) has somewhere to live.
package store

import "time"

// ServerRef uniquely names a relay.
type ServerRef struct {
	Host        string
	Port        uint16
	Fingerprint [32]byte
}

// QueueStatus is the monotone lifecycle of a Rq or Sq.
type QueueStatus int

const (
	QueueNew QueueStatus = iota
	QueueConfirmed
	QueueSecured // Rq only
	QueueActive
	QueueDisabled
)

// RotationAction tracks a receive queue's position in the rotation
// protocol (spec.md §4.5).
type RotationAction int

const (
	RotationNone RotationAction = iota
	RotationCreateNext
	RotationSecureNext
	RotationSuspendCurrent
	RotationDeleteCurrent
)

// ReceiveQueue (Rq) belongs to one connection.
type ReceiveQueue struct {
	ID                 string
	ConnID             string
	Server             ServerRef
	RecipientID        []byte // private
	SenderID           []byte // public to the peer
	SigningPublic      []byte
	SigningPrivate     []byte
	E2EDHPrivate       []byte
	SenderVerifyKey    []byte // optional
	E2EDHSecret        []byte // optional, derived
	ClientVersion      uint16
	Status             QueueStatus
	CurrentFlag        bool
	RotationAction     RotationAction
	RotationActionTime time.Time
	NextPeerQueueLink  string // back-link to peer's next queue, opaque

	// RecvPrevMsgID/RecvPrevHash track the receive-side hash chain
	// (spec.md §4.7's MsgIntegrity check): the last accepted extSndId and
	// that message's PayloadHash, which the next message's PrevHash must
	// equal; advanced only on an Ok delivery.
	RecvPrevMsgID int64
	RecvPrevHash  [32]byte

	// LastDelivered* back the idempotent A_DUPLICATE re-delivery rule:
	// a repeat of the last delivered message-id either re-acks (if the
	// app already acked it) or re-emits the same payload.
	LastDeliveredMsgID int64
	LastDeliveredBody  []byte
	LastDeliveredAcked bool
}

// SendQueue (Sq).
type SendQueue struct {
	ID                string
	ConnID            string
	Server            ServerRef
	SenderID          []byte
	SigningPublic     []byte
	SigningPrivate    []byte
	E2EDHSecret       []byte
	E2EDHPublic       []byte
	Status            QueueStatus
	CurrentFlag       bool
	NextPeerQueueLink string

	// SndPrevMsgID/SndPrevHash track the send-side hash chain (mirrors
	// ReceiveQueue.RecvPrevMsgID/RecvPrevHash on the peer): the id and
	// PayloadHash of the last AgentMessage sent on this Sq.
	SndPrevMsgID int64
	SndPrevHash  [32]byte
}

// ConnVariant tags the Connection union (spec.md §3).
type ConnVariant int

const (
	ConnRcv ConnVariant = iota
	ConnSnd
	ConnDuplex
	ConnContact
)

// DuplexHandshake mirrors the spec's tri-state {unset, false, true}.
type DuplexHandshake int

const (
	DuplexUnset DuplexHandshake = iota
	DuplexFalse
	DuplexTrue
)

// Connection is the tagged variant over {Rcv, Snd, Duplex, Contact}.
type Connection struct {
	ConnID           string
	Variant          ConnVariant
	ConnAgentVersion uint16
	EnableNtfs       bool
	DuplexHandshake  DuplexHandshake

	// IsInitiator is true on the side that ran createConnection, false on
	// the side that ran joinConnection/acceptContact. The retry table's
	// AUTH+hello row (spec.md §4.6) surfaces NOT_AVAILABLE on the
	// initiator's side and NOT_ACCEPTED on the responder's.
	IsInitiator bool

	// CurrRqID/CurrSqID/NextRqID/NextSqID hold queue references; which
	// are populated depends on Variant (Rcv: CurrRqID only; Snd:
	// CurrSqID only; Duplex: CurrRqID+CurrSqID and optionally
	// NextRqID/NextSqID; Contact: CurrRqID only, long-lived).
	CurrRqID string
	CurrSqID string
	NextRqID string
	NextSqID string
}

// MessageKind classifies an outbox record.
type MessageKind int

const (
	KindConnInfo MessageKind = iota
	KindHello
	KindReply
	KindAMsg
	KindQNew
	KindQKeys
	KindQReady
	KindQTest
	KindQSwitch
	KindQHello
)

// OutboxMessage is staged before a send attempt and deleted on terminal
// resolution (success or permanent failure).
type OutboxMessage struct {
	InternalID    int64
	InternalSndID string // (server, senderId) worker identity key
	Timestamp     time.Time
	Kind          MessageKind
	Flags         uint8
	Body          []byte
	Hash          [32]byte
	PrevHash      [32]byte
	ConnID        string
}

// Confirmation is a staged, not-yet-allowed confirmation (initiator side).
type Confirmation struct {
	ConfID       string
	ConnID       string
	SenderKey    []byte
	E2EPublicKey []byte
	ReplyQueues  []ReceiveQueueRef
	StagedAt     time.Time
}

// ReceiveQueueRef is the minimal addressing tuple for a peer queue, as
// carried inside a REPLY payload or a staged confirmation.
type ReceiveQueueRef struct {
	Server      ServerRef
	SenderID    []byte
	E2EDHPublic []byte
}

// Invitation is a staged contact invitation.
type Invitation struct {
	InvitationID string
	ConnReq      []byte
	ConnInfo     []byte
	Accepted     bool
	StagedAt     time.Time
}

// NtfTokenStatus is the Notification Supervisor's token state (spec.md §4.4).
type NtfTokenStatus int

const (
	NtfNone NtfTokenStatus = iota
	NtfRegistered
	NtfConfirmed
	NtfActive
	NtfExpired
)

type NtfMode int

const (
	NtfInstant NtfMode = iota
	NtfPeriodic
)

// NtfToken is the single process-wide notification token record.
type NtfToken struct {
	DeviceToken []byte
	NtfServer   ServerRef
	TknID       string
	Status      NtfTokenStatus
	Mode        NtfMode
}

// RatchetRecord bundles a ratchet's serialized state with the connection
// it belongs to; one Save() blob is the atomic persisted unit (it already
// bundles skipped-message keys with chain state).
type RatchetRecord struct {
	ConnID string
	Blob   []byte
}
