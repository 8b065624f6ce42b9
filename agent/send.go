package agent

import (
	"context"
	"crypto/rand"

	"github.com/smpagent/core/cryptomediator"
	ratchet "github.com/smpagent/core/doubleratchet"
	"github.com/smpagent/core/store"
	"github.com/smpagent/core/wire"
)

// doSendMessage appends an a-msg to connID's outbox and wakes its send
// worker; the caller's internalId is echoed later in a SENT event once
// the send resolves (spec.md §4.6).
func (a *Agent) doSendMessage(op *opSendMessage) sendResult {
	conn, err := a.store.GetConnection(op.connID)
	if err != nil {
		return sendResult{Err: errFromStore(err)}
	}
	if conn.CurrSqID == "" {
		return sendResult{Err: errConn(ConnSimplex)}
	}
	sq, err := a.store.GetSendQueue(conn.CurrSqID)
	if err != nil {
		return sendResult{Err: errFromStore(err)}
	}
	if sq.Status != store.QueueActive {
		return sendResult{Err: errConn(ConnNotAvailable)}
	}

	envBytes, err := a.encryptPayload(conn.ConnID, sq, wire.PayloadAMsg, &wire.AgentMessage{Body: op.body})
	if err != nil {
		return sendResult{Err: errInternal(err.Error())}
	}

	internalID, err := a.store.AppendOutbox(&store.OutboxMessage{ConnID: op.connID, Kind: store.KindAMsg, Body: envBytes})
	if err != nil {
		return sendResult{Err: errFromStore(err)}
	}
	a.outbox.Wake(sq, op.connID)
	return sendResult{InternalID: internalID}
}

// encryptPayload stamps msg's PrivHeader with the Sq's next send-chain
// position, ratchet-encrypts it, persists the advanced ratchet and chain
// state, and wraps the ciphertext in a wire.Envelope ready for the outbox
// (spec.md §4.7's send-side mirror of the receive-side integrity chain).
func (a *Agent) encryptPayload(connID string, sq *store.SendQueue, kind wire.PayloadKind, msg *wire.AgentMessage) ([]byte, error) {
	msg.Kind = kind
	msg.PrivHeader = wire.PrivHeader{SndMsgID: sq.SndPrevMsgID + 1, PrevHash: sq.SndPrevHash}

	hash, err := msg.PayloadHash()
	if err != nil {
		return nil, err
	}
	plain, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	blob, err := a.store.GetRatchet(connID)
	if err != nil {
		return nil, err
	}
	r, err := ratchet.NewRatchetFromBytes(rand.Reader, blob)
	if err != nil {
		return nil, err
	}

	ciphertext, err := a.mediator.Encrypt(r, cryptomediator.PaddedLenMessage, plain)
	if err != nil {
		return nil, err
	}
	saved, err := r.Save()
	if err != nil {
		return nil, err
	}
	if err := a.store.PutRatchet(connID, saved); err != nil {
		return nil, err
	}

	sq.SndPrevMsgID = msg.PrivHeader.SndMsgID
	sq.SndPrevHash = hash
	if err := a.store.PutSendQueue(sq); err != nil {
		return nil, err
	}

	env := &wire.Envelope{Kind: wire.EnvelopeMsg, EncAgentMessage: ciphertext}
	return env.Encode()
}

// doAckMessage marks the current Rq's last-delivered message user-acked;
// idempotent (spec.md §8). It sends no relay command and deletes nothing:
// the receive dispatcher already ACKed the message at the relay when it
// arrived.
func (a *Agent) doAckMessage(ctx context.Context, op *opAckMessage) *Error {
	conn, err := a.store.GetConnection(op.connID)
	if err != nil {
		return errFromStore(err)
	}
	if conn.CurrRqID == "" {
		return errCmdProhibited()
	}
	rq, err := a.store.GetRecvQueue(conn.CurrRqID)
	if err != nil {
		return errFromStore(err)
	}
	if rq.LastDeliveredMsgID != op.msgID {
		// Already advanced past this message (or never delivered): treat as
		// already-acked, matching the idempotent A_DUPLICATE re-ack rule.
		return nil
	}
	if err := a.store.AckLastDelivered(rq.ID); err != nil {
		return errFromStore(err)
	}
	return nil
}
