package agent

// notifier.go implements outbox.Notifier: the kind-specific post-processing
// a resolved send triggers (spec.md §4.6's success table) and the
// permanent-failure/app-error mapping, so delivery outcomes serialize
// through the same opCh worker as every other state change.

import (
	"context"

	"github.com/smpagent/core/outbox"
	"github.com/smpagent/core/store"
	"github.com/smpagent/core/wire"
)

// OnResult is outbox.Notifier's callback; it only posts onto opCh, keeping
// the Send Pipeline's own goroutine off the connection state machine.
func (a *Agent) OnResult(res outbox.Result) {
	a.opCh <- &opOutboxResult{res: res}
}

func (a *Agent) handleOutboxResult(ctx context.Context, res outbox.Result) {
	switch res.Outcome {
	case outbox.OutcomeSent:
		a.onSendSuccess(ctx, res.Msg)
	case outbox.OutcomeRotationCancelled:
		a.cancelRotation(res.Msg.ConnID)
	case outbox.OutcomePermanentDropped:
		// QUOTA on conn-info: no app event, matching spec.md §4.6's
		// "drop msg" row. Every other permanent failure surfaces.
	case outbox.OutcomePermanentSurfaced:
		a.onSendFailure(res.Msg, res.AppErr)
	}
}

func (a *Agent) onSendSuccess(ctx context.Context, msg *store.OutboxMessage) {
	conn, err := a.store.GetConnection(msg.ConnID)
	if err != nil {
		log.Warningf("agent: onSendSuccess lookup conn %s: %v", msg.ConnID, err)
		return
	}

	switch msg.Kind {
	case store.KindConnInfo:
		if err := a.store.SetSendQueueStatus(conn.CurrSqID, store.QueueConfirmed); err != nil {
			log.Warningf("agent: mark Sq confirmed on conn %s: %v", msg.ConnID, err)
		}
		if conn.DuplexHandshake == store.DuplexTrue {
			// Fast handshake: the AgentConfirmation already carried the
			// responder's reply queue inline, so there is no HELLO/REPLY
			// round trip to wait on; the responder's own Sq activates as
			// soon as delivery succeeds.
			if err := a.store.SetSendQueueStatus(conn.CurrSqID, store.QueueActive); err != nil {
				log.Warningf("agent: mark Sq active on conn %s: %v", msg.ConnID, err)
			}
			a.emit(Event{ConnID: msg.ConnID, Kind: EventCon})
		} else {
			sq, err := a.store.GetSendQueue(conn.CurrSqID)
			if err == nil {
				if err := a.sendControl(msg.ConnID, sq, wire.PayloadHello, &wire.AgentMessage{}, store.KindHello); err != nil {
					log.Warningf("agent: send HELLO on conn %s: %v", msg.ConnID, err)
				}
			}
		}

	case store.KindHello:
		if err := a.store.SetSendQueueStatus(conn.CurrSqID, store.QueueActive); err != nil {
			log.Warningf("agent: mark Sq active on conn %s: %v", msg.ConnID, err)
		}
		if conn.DuplexHandshake == store.DuplexFalse {
			rq, err := a.store.GetRecvQueue(conn.CurrRqID)
			sq, serr := a.store.GetSendQueue(conn.CurrSqID)
			if err == nil && serr == nil {
				reply := wire.AgentMessage{ReplyQueues: []wire.SMPQueueInfo{rqAddr(rq)}}
				if err := a.sendControl(msg.ConnID, sq, wire.PayloadReply, &reply, store.KindReply); err != nil {
					log.Warningf("agent: send REPLY on conn %s: %v", msg.ConnID, err)
				}
				return
			}
		}
		a.emit(Event{ConnID: msg.ConnID, Kind: EventCon})

	case store.KindAMsg:
		a.emit(Event{ConnID: msg.ConnID, Kind: EventSent, MsgID: msg.InternalID})

	default:
		// REPLY and every rotation control kind (QNEW..QHELLO): no
		// app-visible event on a successful send.
	}
}

func (a *Agent) onSendFailure(msg *store.OutboxMessage, appErr outbox.AppError) {
	if msg.Kind == store.KindAMsg {
		a.emit(Event{ConnID: msg.ConnID, Kind: EventMErr, MsgID: msg.InternalID, Err: errFromAppErr(appErr)})
		return
	}
	a.emit(Event{ConnID: msg.ConnID, Kind: EventErr, Err: errFromAppErr(appErr)})
}

func errFromAppErr(appErr outbox.AppError) *Error {
	switch appErr {
	case outbox.ErrNotAvailable:
		return errConn(ConnNotAvailable)
	case outbox.ErrNotAccepted:
		return errConn(ConnNotAccepted)
	case outbox.ErrMessage:
		return errAgent(AMessage)
	default:
		return errInternal(string(appErr))
	}
}

// doToggleConnectionNtfs flips enableNtfs on the connection record and
// mirrors the change into the Notification Supervisor.
func (a *Agent) doToggleConnectionNtfs(op *opToggleConnectionNtfs) *Error {
	conn, err := a.store.GetConnection(op.connID)
	if err != nil {
		return errFromStore(err)
	}
	conn.EnableNtfs = op.enable
	if err := a.store.PutConnection(conn); err != nil {
		return errFromStore(err)
	}
	a.ntfy.SetConnectionNtfs(op.connID, op.enable)
	return nil
}
