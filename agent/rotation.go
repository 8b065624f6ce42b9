package agent

// rotation.go implements the queue-rotation protocol (spec.md §4.5): a
// Duplex connection's receive queue is migrated to a fresh address without
// ever exposing the old and new addresses on the wire at the same time as
// ordinary traffic. QNEW/QKEYS/QREADY walk the initiator's Rq through
// CreateNext/SecureNext; QSWITCH/QHELLO hand control to the peer, whose
// QHELLO arrival on the still-not-current new Rq triggers the old queue's
// SuspendCurrent/DeleteCurrent teardown and the atomic promotion.

import (
	"context"
	"encoding/base64"

	"github.com/fxamacker/cbor/v2"

	"github.com/smpagent/core/store"
	"github.com/smpagent/core/wire"
)

func encodeQueueURI(q wire.SMPQueueInfo) (string, error) {
	b, err := cbor.Marshal(q)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func decodeQueueURI(s string) (wire.SMPQueueInfo, error) {
	var q wire.SMPQueueInfo
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return q, err
	}
	_, err = cbor.UnmarshalFirst(b, &q)
	return q, err
}

func rqAddr(rq *store.ReceiveQueue) wire.SMPQueueInfo {
	return wire.SMPQueueInfo{
		Host: rq.Server.Host, Port: rq.Server.Port, Fingerprint: rq.Server.Fingerprint,
		SenderID: rq.SenderID,
	}
}

// doSwitchConnection starts rotation on a Duplex connection: a fresh Rq is
// created and its address offered to the peer via QNEW.
func (a *Agent) doSwitchConnection(ctx context.Context, op *opSwitchConnection) *Error {
	conn, err := a.store.GetConnection(op.connID)
	if err != nil {
		return errFromStore(err)
	}
	if conn.Variant != store.ConnDuplex {
		return errCmdProhibited()
	}
	rq, err := a.store.GetRecvQueue(conn.CurrRqID)
	if err != nil {
		return errFromStore(err)
	}
	if rq.RotationAction != store.RotationNone {
		return errCmdProhibited()
	}
	sq, err := a.store.GetSendQueue(conn.CurrSqID)
	if err != nil {
		return errFromStore(err)
	}

	recipientID, queueAddr, err := a.relay.CreateRcvQueue(ctx, rq.Server)
	if err != nil {
		return errInternal(err.Error())
	}
	signPub, signPriv, err := a.mediator.SigningKeyPair()
	if err != nil {
		return errInternal(err.Error())
	}
	nextRq := &store.ReceiveQueue{
		ConnID: op.connID, Server: rq.Server, RecipientID: recipientID, SenderID: queueAddr,
		SigningPublic: signPub, SigningPrivate: signPriv, Status: store.QueueNew,
	}
	if err := a.store.PutRecvQueue(nextRq); err != nil {
		return errFromStore(err)
	}
	conn.NextRqID = nextRq.ID
	if err := a.store.PutConnection(conn); err != nil {
		return errFromStore(err)
	}
	if err := a.store.SetRecvQueueRotationAction(rq.ID, store.RotationCreateNext, 0); err != nil {
		return errFromStore(err)
	}

	nextURI, err := encodeQueueURI(rqAddr(nextRq))
	if err != nil {
		return errInternal(err.Error())
	}
	if err := a.sendControl(op.connID, sq, wire.PayloadQNew, &wire.AgentMessage{CurrentAddr: rqAddr(rq), NextQueueURI: nextURI}, store.KindQNew); err != nil {
		return errInternal(err.Error())
	}

	a.emit(Event{ConnID: op.connID, Kind: EventSwitch, SwitchPhase: SwitchStarted})
	return nil
}

// handleQNew is the peer's reaction to a switchConnection request: stage a
// matching next Sq and offer the signing key the initiator should secure
// its new Rq with.
func (a *Agent) handleQNew(ctx context.Context, connID string, msg *wire.AgentMessage) {
	conn, err := a.store.GetConnection(connID)
	if err != nil {
		log.Errorf("agent: handleQNew lookup conn %s: %v", connID, err)
		return
	}
	nextAddr, err := decodeQueueURI(msg.NextQueueURI)
	if err != nil {
		log.Warningf("agent: handleQNew bad NextQueueURI on conn %s: %v", connID, err)
		return
	}
	signPub, signPriv, err := a.mediator.SigningKeyPair()
	if err != nil {
		log.Errorf("agent: handleQNew keygen on conn %s: %v", connID, err)
		return
	}
	nextSq := &store.SendQueue{
		ConnID: connID,
		Server: store.ServerRef{Host: nextAddr.Host, Port: nextAddr.Port, Fingerprint: nextAddr.Fingerprint},
		SenderID: nextAddr.SenderID, SigningPublic: signPub, SigningPrivate: signPriv,
		Status: store.QueueNew,
	}
	if err := a.store.PutSendQueue(nextSq); err != nil {
		log.Errorf("agent: handleQNew persist nextSq on conn %s: %v", connID, err)
		return
	}
	conn.NextSqID = nextSq.ID
	if err := a.store.PutConnection(conn); err != nil {
		log.Errorf("agent: handleQNew persist conn %s: %v", connID, err)
		return
	}

	sq, err := a.store.GetSendQueue(conn.CurrSqID)
	if err != nil {
		log.Errorf("agent: handleQNew currSq lookup on conn %s: %v", connID, err)
		return
	}
	if err := a.sendControl(connID, sq, wire.PayloadQKeys, &wire.AgentMessage{NextSenderKey: signPub}, store.KindQKeys); err != nil {
		log.Errorf("agent: handleQNew send QKEYS on conn %s: %v", connID, err)
	}
}

// handleQKeys secures the rotating Rq with the peer's offered signing key
// and confirms readiness.
func (a *Agent) handleQKeys(ctx context.Context, connID string, msg *wire.AgentMessage) {
	conn, err := a.store.GetConnection(connID)
	if err != nil {
		log.Errorf("agent: handleQKeys lookup conn %s: %v", connID, err)
		return
	}
	rq, err := a.store.GetRecvQueue(conn.CurrRqID)
	if err != nil {
		log.Errorf("agent: handleQKeys currRq lookup on conn %s: %v", connID, err)
		return
	}
	nextRq, err := a.store.GetRecvQueue(conn.NextRqID)
	if err != nil {
		log.Errorf("agent: handleQKeys nextRq lookup on conn %s: %v", connID, err)
		return
	}
	if err := a.relay.SecureQueue(ctx, nextRq.Server, nextRq.RecipientID, msg.NextSenderKey); err != nil {
		log.Warningf("agent: handleQKeys secure nextRq on conn %s: %v", connID, err)
		return
	}
	nextRq.SenderVerifyKey = msg.NextSenderKey
	if err := a.store.PutRecvQueue(nextRq); err != nil {
		log.Errorf("agent: handleQKeys persist nextRq on conn %s: %v", connID, err)
		return
	}
	if err := a.store.SetRecvQueueRotationAction(rq.ID, store.RotationSecureNext, 0); err != nil {
		log.Errorf("agent: handleQKeys rotation action on conn %s: %v", connID, err)
		return
	}

	sq, err := a.store.GetSendQueue(conn.CurrSqID)
	if err != nil {
		log.Errorf("agent: handleQKeys currSq lookup on conn %s: %v", connID, err)
		return
	}
	if err := a.sendControl(connID, sq, wire.PayloadQReady, &wire.AgentMessage{Addr: rqAddr(nextRq)}, store.KindQReady); err != nil {
		log.Errorf("agent: handleQKeys send QREADY on conn %s: %v", connID, err)
	}
}

// handleQReady sends a probe on the rotating Sq to confirm it is
// deliverable end to end before asking the peer to cut over.
func (a *Agent) handleQReady(connID string, msg *wire.AgentMessage) {
	conn, err := a.store.GetConnection(connID)
	if err != nil {
		log.Errorf("agent: handleQReady lookup conn %s: %v", connID, err)
		return
	}
	nextSq, err := a.store.GetSendQueue(conn.NextSqID)
	if err != nil {
		log.Errorf("agent: handleQReady nextSq lookup on conn %s: %v", connID, err)
		return
	}
	if err := a.sendControl(connID, nextSq, wire.PayloadQTest, &wire.AgentMessage{}, store.KindQTest); err != nil {
		log.Errorf("agent: handleQReady send QTEST on conn %s: %v", connID, err)
	}
}

// handleQTest confirms the rotating Rq is reachable and asks the peer to
// cut its send side over.
func (a *Agent) handleQTest(ctx context.Context, connID string) {
	conn, err := a.store.GetConnection(connID)
	if err != nil {
		log.Errorf("agent: handleQTest lookup conn %s: %v", connID, err)
		return
	}
	sq, err := a.store.GetSendQueue(conn.CurrSqID)
	if err != nil {
		log.Errorf("agent: handleQTest currSq lookup on conn %s: %v", connID, err)
		return
	}
	if err := a.sendControl(connID, sq, wire.PayloadQSwitch, &wire.AgentMessage{}, store.KindQSwitch); err != nil {
		log.Errorf("agent: handleQTest send QSWITCH on conn %s: %v", connID, err)
	}
}

// handleQSwitch promotes the connection's rotating Sq to current and
// announces it with QHELLO, the first live message on the new queue.
func (a *Agent) handleQSwitch(ctx context.Context, connID string, msg *wire.AgentMessage) {
	if _, err := a.store.SwitchCurrSndQueue(connID); err != nil {
		log.Errorf("agent: handleQSwitch promote nextSq on conn %s: %v", connID, err)
		return
	}
	conn, err := a.store.GetConnection(connID)
	if err != nil {
		log.Errorf("agent: handleQSwitch lookup conn %s: %v", connID, err)
		return
	}
	sq, err := a.store.GetSendQueue(conn.CurrSqID)
	if err != nil {
		log.Errorf("agent: handleQSwitch currSq lookup on conn %s: %v", connID, err)
		return
	}
	if err := a.store.SetSendQueueStatus(sq.ID, store.QueueActive); err != nil {
		log.Errorf("agent: handleQSwitch activate Sq on conn %s: %v", connID, err)
	}
	if err := a.sendControl(connID, sq, wire.PayloadQHello, &wire.AgentMessage{}, store.KindQHello); err != nil {
		log.Errorf("agent: handleQSwitch send QHELLO on conn %s: %v", connID, err)
	}
}

// handleQHello arrives on the connection's not-yet-current next Rq: it is
// the end-to-end proof the peer has fully cut over, so the old Rq is
// suspended and deleted before the new one is atomically promoted and its
// buffered traffic released. The remaining-message count SuspendQueue
// returns is not checked; deletion does not wait for the old Rq to drain.
func (a *Agent) handleQHello(ctx context.Context, connID string) {
	conn, err := a.store.GetConnection(connID)
	if err != nil {
		log.Errorf("agent: handleQHello lookup conn %s: %v", connID, err)
		return
	}
	oldRq, err := a.store.GetRecvQueue(conn.CurrRqID)
	if err != nil {
		log.Errorf("agent: handleQHello oldRq lookup on conn %s: %v", connID, err)
		return
	}

	if err := a.store.SetRecvQueueRotationAction(oldRq.ID, store.RotationSuspendCurrent, 0); err != nil {
		log.Errorf("agent: handleQHello rotation action on conn %s: %v", connID, err)
		return
	}
	if _, err := a.relay.SuspendQueue(ctx, oldRq.Server, oldRq.RecipientID); err != nil {
		log.Warningf("agent: handleQHello suspend old Rq on conn %s: %v", connID, err)
	}
	if err := a.store.SetRecvQueueRotationAction(oldRq.ID, store.RotationDeleteCurrent, 0); err != nil {
		log.Errorf("agent: handleQHello rotation action on conn %s: %v", connID, err)
		return
	}
	if err := a.relay.DeleteQueue(ctx, oldRq.Server, oldRq.RecipientID); err != nil {
		log.Warningf("agent: handleQHello delete old Rq on conn %s: %v", connID, err)
	}
	if err := a.store.DeleteRecvQueue(oldRq.ID); err != nil {
		log.Errorf("agent: handleQHello delete old Rq record on conn %s: %v", connID, err)
	}

	newRqID, err := a.store.SwitchCurrRcvQueue(connID)
	if err != nil {
		log.Errorf("agent: handleQHello promote nextRq on conn %s: %v", connID, err)
		return
	}
	newRq, err := a.store.GetRecvQueue(newRqID)
	if err == nil {
		_ = a.store.SetRecvQueueStatus(newRq.ID, store.QueueActive)
		for _, buffered := range a.recv.ReleaseRotationBuffer(newRq.Server, newRq.RecipientID) {
			a.routeBufferedMessage(connID, buffered)
		}
	}

	a.emit(Event{ConnID: connID, Kind: EventSwitch, SwitchPhase: SwitchCompleted})
}

// sendControl encrypts and appends a control payload onto sq's outbox,
// used by every rotation step (QNEW..QHELLO).
func (a *Agent) sendControl(connID string, sq *store.SendQueue, kind wire.PayloadKind, msg *wire.AgentMessage, msgKind store.MessageKind) error {
	envBytes, err := a.encryptPayload(connID, sq, kind, msg)
	if err != nil {
		return err
	}
	if _, err := a.store.AppendOutbox(&store.OutboxMessage{ConnID: connID, Kind: msgKind, Body: envBytes}); err != nil {
		return err
	}
	a.outbox.Wake(sq, connID)
	return nil
}

// routeBufferedMessage replays an a-msg the dispatcher buffered while the
// Rq it arrived on was not yet current, as a MSG event marked integrity
// Ok. It runs no integrity check and does not advance the Rq's receive
// chain or last-delivered record.
func (a *Agent) routeBufferedMessage(connID string, msg *wire.AgentMessage) {
	if msg.Kind != wire.PayloadAMsg {
		return
	}
	a.emit(Event{ConnID: connID, Kind: EventMsg, InternalID: msg.PrivHeader.SndMsgID, Body: msg.Body, Integrity: "Ok"})
}

// cancelRotation aborts an in-flight rotation on QUOTA failure of a q-test
// or q-hello send (spec.md §4.6's OutcomeRotationCancelled): the staged
// next queue is torn down and the connection's rotation state resets.
func (a *Agent) cancelRotation(connID string) {
	conn, err := a.store.GetConnection(connID)
	if err != nil {
		return
	}
	if conn.CurrRqID != "" {
		if rq, err := a.store.GetRecvQueue(conn.CurrRqID); err == nil {
			_ = a.store.SetRecvQueueRotationAction(rq.ID, store.RotationNone, 0)
		}
	}
	if conn.NextRqID != "" {
		if nextRq, err := a.store.GetRecvQueue(conn.NextRqID); err == nil {
			_ = a.relay.DeleteQueue(context.Background(), nextRq.Server, nextRq.RecipientID)
			_ = a.store.DeleteRecvQueue(nextRq.ID)
		}
		conn.NextRqID = ""
	}
	if conn.NextSqID != "" {
		_ = a.store.DeleteSendQueue(conn.NextSqID)
		conn.NextSqID = ""
	}
	_ = a.store.PutConnection(conn)
	a.emit(Event{ConnID: connID, Kind: EventErr, Err: errInternal("rotation cancelled")})
}

// handleHello and handleReply belong to the legacy (non-duplex-handshake)
// establishment path, not rotation, but share this file's control-payload
// plumbing.
func (a *Agent) handleHello(connID string) {
	conn, err := a.store.GetConnection(connID)
	if err != nil {
		log.Errorf("agent: handleHello lookup conn %s: %v", connID, err)
		return
	}
	if conn.CurrSqID != "" {
		if err := a.store.SetSendQueueStatus(conn.CurrSqID, store.QueueActive); err != nil {
			log.Warningf("agent: handleHello activate Sq on conn %s: %v", connID, err)
		}
	}
	a.emit(Event{ConnID: connID, Kind: EventCon})
}

func (a *Agent) handleReply(connID string, msg *wire.AgentMessage) {
	conn, err := a.store.GetConnection(connID)
	if err != nil {
		log.Errorf("agent: handleReply lookup conn %s: %v", connID, err)
		return
	}
	if len(msg.ReplyQueues) == 0 {
		return
	}
	q := msg.ReplyQueues[0]
	sq := &store.SendQueue{
		ConnID: connID,
		Server: store.ServerRef{Host: q.Host, Port: q.Port, Fingerprint: q.Fingerprint},
		SenderID: q.SenderID, Status: store.QueueActive, CurrentFlag: true,
	}
	if err := a.store.PutSendQueue(sq); err != nil {
		log.Errorf("agent: handleReply persist Sq on conn %s: %v", connID, err)
		return
	}
	conn.CurrSqID = sq.ID
	conn.Variant = store.ConnDuplex
	if err := a.store.PutConnection(conn); err != nil {
		log.Errorf("agent: handleReply persist conn %s: %v", connID, err)
		return
	}
	a.outbox.Wake(sq, connID)
	a.emit(Event{ConnID: connID, Kind: EventCon})
}
