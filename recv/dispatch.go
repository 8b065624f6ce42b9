// Package recv is the Receive Dispatcher (C7): one loop consuming the
// relay pool's merged inbound stream, decrypting each event, checking
// message integrity, and routing the result to either the application
// subscription channel or the Connection Manager's state machine.
// Grounded on the teacher's session event-dispatch loop (client/session.go)
// and catshadow's trial-decryption path (catshadow.decryptMessage),
// generalized from "one ratchet per contact" to "one ratchet per
// connection, looked up by relay recipient id".
package recv

import (
	"context"
	"crypto/rand"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/smpagent/core/cryptomediator"
	ratchet "github.com/smpagent/core/doubleratchet"
	worker "github.com/smpagent/core/core/worker"
	"github.com/smpagent/core/gate"
	"github.com/smpagent/core/relay"
	"github.com/smpagent/core/store"
	"github.com/smpagent/core/wire"
)

var log = logging.MustGetLogger("recv")

// MsgIntegrity classifies the outcome of a chain-position check against a
// connection's locally recorded prevExtSndId/prevHash (spec.md §4.7).
type MsgIntegrity int

const (
	IntegrityOk MsgIntegrity = iota
	IntegrityBadID
	IntegrityDuplicate
	IntegritySkipped
	IntegrityBadHash
)

func (m MsgIntegrity) String() string {
	switch m {
	case IntegrityOk:
		return "Ok"
	case IntegrityBadID:
		return "BadId"
	case IntegrityDuplicate:
		return "Duplicate"
	case IntegritySkipped:
		return "Skipped"
	case IntegrityBadHash:
		return "BadHash"
	default:
		return "Unknown"
	}
}

// DeliveryResult carries the integrity verdict; Lo/Hi are populated only
// for IntegritySkipped, naming the missing internal-id range.
type DeliveryResult struct {
	Integrity MsgIntegrity
	Lo, Hi    int64
}

// Handler receives dispatch outcomes; the Connection Manager (C5)
// implements it to drive the per-connection state machine and the
// application event sink.
type Handler interface {
	// OnConfirmation delivers a staged AgentConfirmation, decrypted via
	// one-time DH on a New Rq (the initiator's first message from a peer).
	OnConfirmation(connID, confID string, senderVerifyKey, senderE2EPub []byte, replyQueues []wire.SMPQueueInfo)

	// OnInvitation delivers an AgentInvitation received on a contact Rq.
	OnInvitation(connID, invitationID string, connReq, connInfo []byte)

	// OnMessage delivers a ratchet-decrypted A_MSG payload.
	OnMessage(connID string, internalID int64, result DeliveryResult, body []byte)

	// OnControl delivers every other inner payload kind (HELLO, REPLY,
	// QNEW, QKEYS, QREADY, QTEST, QSWITCH, QHELLO) for C5 to route.
	OnControl(connID string, msg *wire.AgentMessage, result DeliveryResult)

	// OnEnd fires when a relay session resets and the dispatcher has
	// invalidated the subscription bound to it.
	OnEnd(server store.ServerRef)
}

// Dispatcher is the Receive Dispatcher. One instance serves the relay
// pool's entire merged inbound stream.
type Dispatcher struct {
	store    *store.Gateway
	mediator *cryptomediator.Mediator
	relay    *relay.Pool
	gate     *gate.Gate
	handler  Handler

	w worker.Worker

	rot *rotationBuffer
}

// New constructs a Dispatcher. Call Start to begin consuming events.
func New(st *store.Gateway, med *cryptomediator.Mediator, rp *relay.Pool, g *gate.Gate, h Handler) *Dispatcher {
	return &Dispatcher{
		store: st, mediator: med, relay: rp, gate: g, handler: h,
		rot: newRotationBuffer(),
	}
}

// Start launches the dispatch loop over the relay pool's event stream.
func (d *Dispatcher) Start(ctx context.Context) {
	d.w.Go(func() {
		for {
			select {
			case <-d.w.HaltCh():
				return
			case ev, ok := <-d.relay.Events():
				if !ok {
					return
				}
				d.dispatch(ctx, ev)
			}
		}
	})
}

// Halt stops the dispatch loop.
func (d *Dispatcher) Halt() {
	d.w.Halt()
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *relay.InboundEvent) {
	if ev.End {
		if d.relay.InvalidateSession(ev.Server, ev.SessionID) {
			d.handler.OnEnd(ev.Server)
		}
		return
	}
	if len(ev.BrokerMsg) == 0 {
		log.Debugf("recv: zero-length relay event from %s, ignoring", ev.Server.Host)
		return
	}

	if err := d.gate.BeginOperation(gate.RcvNetwork); err != nil {
		log.Warningf("recv: dropping event while suspended: %v", err)
		return
	}
	defer d.gate.EndOperation(gate.RcvNetwork)

	rq, err := d.store.FindRecvQueueByRecipient(ev.Server, ev.RecipientID)
	if err != nil {
		log.Warningf("recv: no rqueue for inbound event: %v", err)
		return
	}

	env, err := wire.DecodeEnvelope(ev.BrokerMsg)
	if err != nil {
		log.Warningf("recv: malformed envelope on conn %s: %v", rq.ConnID, err)
		return
	}

	switch env.Kind {
	case wire.EnvelopeConfirmation:
		d.handleConfirmation(ctx, ev, rq, env)
	case wire.EnvelopeInvitation:
		d.handleInvitation(ctx, ev, rq, env)
	case wire.EnvelopeMsg:
		d.handleAgentMessage(ctx, ev, rq, env)
	default:
		log.Warningf("recv: unknown envelope kind on conn %s", rq.ConnID)
	}
}

// handleConfirmation decrypts the very first message on a New Rq via
// one-time DH, stages it as a Confirmation record, and acks the relay.
func (d *Dispatcher) handleConfirmation(ctx context.Context, ev *relay.InboundEvent, rq *store.ReceiveQueue, env *wire.Envelope) {
	if len(env.E2EEncryption) != 32 || len(rq.E2EDHPrivate) != 32 {
		log.Warningf("recv: confirmation on conn %s missing one-time DH material", rq.ConnID)
		return
	}
	var theirPub, ourPriv [32]byte
	copy(theirPub[:], env.E2EEncryption)
	copy(ourPriv[:], rq.E2EDHPrivate)

	plain, err := d.mediator.BoxDecrypt(&theirPub, &ourPriv, env.EncConnInfo)
	if err != nil {
		log.Warningf("recv: confirmation box-open failed on conn %s: %v", rq.ConnID, err)
		return
	}
	info, err := wire.DecodeConnInfo(plain)
	if err != nil {
		log.Warningf("recv: confirmation payload decode failed on conn %s: %v", rq.ConnID, err)
		return
	}

	conf := &store.Confirmation{
		ConnID:       rq.ConnID,
		SenderKey:    info.SenderVerifyKey,
		E2EPublicKey: info.SenderE2EPub,
		ReplyQueues:  toReceiveQueueRefs(info.ReplyQueues),
	}
	if err := d.store.PutConfirmation(conf); err != nil {
		log.Errorf("recv: failed to stage confirmation on conn %s: %v", rq.ConnID, err)
		return
	}

	d.ack(ctx, rq, ev)
	d.handler.OnConfirmation(rq.ConnID, conf.ConfID, info.SenderVerifyKey, info.SenderE2EPub, info.ReplyQueues)
}

func toReceiveQueueRefs(qs []wire.SMPQueueInfo) []store.ReceiveQueueRef {
	out := make([]store.ReceiveQueueRef, len(qs))
	for i, q := range qs {
		out[i] = store.ReceiveQueueRef{
			Server:      store.ServerRef{Host: q.Host, Port: q.Port, Fingerprint: q.Fingerprint},
			SenderID:    q.SenderID,
			E2EDHPublic: q.E2EDHPubKey,
		}
	}
	return out
}

// handleInvitation stages a contact invitation for the app to accept or
// reject.
func (d *Dispatcher) handleInvitation(ctx context.Context, ev *relay.InboundEvent, rq *store.ReceiveQueue, env *wire.Envelope) {
	inv := &store.Invitation{ConnReq: env.ConnReq, ConnInfo: env.ConnInfo}
	if err := d.store.PutInvitation(inv); err != nil {
		log.Errorf("recv: failed to stage invitation on conn %s: %v", rq.ConnID, err)
		return
	}
	d.ack(ctx, rq, ev)
	d.handler.OnInvitation(rq.ConnID, inv.InvitationID, env.ConnReq, env.ConnInfo)
}

// handleAgentMessage ratchet-decrypts a protected envelope, persists the
// ratchet's updated state, checks integrity, and routes by inner kind. An
// A_MSG arriving on a not-yet-current next Rq (mid-rotation) is buffered
// instead of delivered.
func (d *Dispatcher) handleAgentMessage(ctx context.Context, ev *relay.InboundEvent, rq *store.ReceiveQueue, env *wire.Envelope) {
	blob, err := d.store.GetRatchet(rq.ConnID)
	if err != nil {
		log.Warningf("recv: no ratchet for conn %s: %v", rq.ConnID, err)
		return
	}
	r, err := ratchet.NewRatchetFromBytes(rand.Reader, blob)
	if err != nil {
		log.Errorf("recv: failed to load ratchet for conn %s: %v", rq.ConnID, err)
		return
	}

	plain, err := d.mediator.Decrypt(r, env.EncAgentMessage)
	if err != nil {
		log.Warningf("recv: ratchet decrypt failed on conn %s: %v", rq.ConnID, err)
		return
	}
	saved, err := r.Save()
	if err != nil {
		log.Errorf("recv: failed to serialize ratchet for conn %s: %v", rq.ConnID, err)
		return
	}
	if err := d.store.PutRatchet(rq.ConnID, saved); err != nil {
		log.Errorf("recv: failed to persist ratchet for conn %s: %v", rq.ConnID, err)
		return
	}

	msg, err := wire.DecodeAgentMessage(plain)
	if err != nil {
		log.Warningf("recv: malformed agent message on conn %s: %v", rq.ConnID, err)
		return
	}

	if !rq.CurrentFlag && msg.Kind == wire.PayloadAMsg {
		d.rot.buffer(rq.Server, rq.RecipientID, msg)
		d.ack(ctx, rq, ev)
		return
	}

	result, hash := d.checkIntegrity(rq, msg)

	if result.Integrity == IntegrityDuplicate {
		d.handleDuplicate(ctx, rq, ev)
		return
	}
	if result.Integrity == IntegrityOk {
		if err := d.store.AdvanceRecvChain(rq.ID, msg.PrivHeader.SndMsgID, hash, msg.Body); err != nil {
			log.Errorf("recv: failed to advance chain on conn %s: %v", rq.ConnID, err)
			return
		}
	}

	d.ack(ctx, rq, ev)

	if msg.Kind == wire.PayloadAMsg {
		d.handler.OnMessage(rq.ConnID, msg.PrivHeader.SndMsgID, result, msg.Body)
	} else {
		d.handler.OnControl(rq.ConnID, msg, result)
	}
}

// checkIntegrity computes MsgIntegrity per spec.md §4.7 point 4.
func (d *Dispatcher) checkIntegrity(rq *store.ReceiveQueue, msg *wire.AgentMessage) (DeliveryResult, [32]byte) {
	hash, err := msg.PayloadHash()
	if err != nil {
		return DeliveryResult{Integrity: IntegrityBadHash}, hash
	}
	id := msg.PrivHeader.SndMsgID

	if rq.LastDeliveredMsgID != 0 && id == rq.LastDeliveredMsgID {
		return DeliveryResult{Integrity: IntegrityDuplicate}, hash
	}
	if id == rq.RecvPrevMsgID+1 {
		if msg.PrivHeader.PrevHash == rq.RecvPrevHash {
			return DeliveryResult{Integrity: IntegrityOk}, hash
		}
		return DeliveryResult{Integrity: IntegrityBadHash}, hash
	}
	if id > rq.RecvPrevMsgID+1 {
		return DeliveryResult{Integrity: IntegritySkipped, Lo: rq.RecvPrevMsgID + 1, Hi: id - 1}, hash
	}
	return DeliveryResult{Integrity: IntegrityBadID}, hash
}

// handleDuplicate implements the A_DUPLICATE rule: re-ACK and drop if the
// app already acked the last delivery, otherwise re-emit it.
func (d *Dispatcher) handleDuplicate(ctx context.Context, rq *store.ReceiveQueue, ev *relay.InboundEvent) {
	d.ack(ctx, rq, ev)
	if rq.LastDeliveredAcked {
		return
	}
	d.handler.OnMessage(rq.ConnID, rq.LastDeliveredMsgID, DeliveryResult{Integrity: IntegrityDuplicate}, rq.LastDeliveredBody)
}

func (d *Dispatcher) ack(ctx context.Context, rq *store.ReceiveQueue, ev *relay.InboundEvent) {
	if err := d.relay.SendAck(ctx, rq.Server, rq.RecipientID, ev.ServerMsgID); err != nil {
		log.Warningf("recv: ack failed on conn %s: %v", rq.ConnID, err)
	}
}

// ReleaseRotationBuffer returns and clears the buffered a-msg payloads for
// (server, recipientId), to be replayed in arrival order immediately after
// switchCurrRcvQueue promotes that Rq to current (spec.md §4.5/§5).
func (d *Dispatcher) ReleaseRotationBuffer(server store.ServerRef, recipientID []byte) []*wire.AgentMessage {
	return d.rot.release(server, recipientID)
}
