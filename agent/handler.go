package agent

// handler.go implements recv.Handler by posting each callback onto the
// agent's opCh, so inbound-delivery state changes serialize through the
// same worker loop as API calls (spec.md §5).

import (
	"context"

	"github.com/smpagent/core/recv"
	"github.com/smpagent/core/store"
	"github.com/smpagent/core/wire"
)

func (a *Agent) OnConfirmation(connID, confID string, senderVerifyKey, senderE2EPub []byte, replyQueues []wire.SMPQueueInfo) {
	a.opCh <- &opRecvConfirmation{connID: connID, confID: confID, senderVerifyKey: senderVerifyKey, senderE2EPub: senderE2EPub, replyQueues: replyQueues}
}

func (a *Agent) OnInvitation(connID, invitationID string, connReq, connInfo []byte) {
	a.opCh <- &opRecvInvitation{connID: connID, invitationID: invitationID, connReq: connReq, connInfo: connInfo}
}

func (a *Agent) OnMessage(connID string, internalID int64, result recv.DeliveryResult, body []byte) {
	a.opCh <- &opRecvMessage{connID: connID, internalID: internalID, result: result, body: body}
}

func (a *Agent) OnControl(connID string, msg *wire.AgentMessage, result recv.DeliveryResult) {
	a.opCh <- &opRecvControl{connID: connID, msg: msg, result: result}
}

func (a *Agent) OnEnd(server store.ServerRef) {
	a.opCh <- &opRecvEnd{server: server}
}

// handleRecvConfirmation surfaces a staged confirmation to the application
// as a CONF event; the app calls AllowConnection to act on it.
func (a *Agent) handleRecvConfirmation(op *opRecvConfirmation) {
	a.emit(Event{ConnID: op.connID, Kind: EventConf, ConfID: op.confID})
}

// handleRecvInvitation surfaces a staged contact invitation as a REQ
// event; the app calls AcceptContact or RejectContact to act on it.
func (a *Agent) handleRecvInvitation(op *opRecvInvitation) {
	a.emit(Event{ConnID: op.connID, Kind: EventReq, InvitationID: op.invitationID, Info: op.connInfo})
}

// handleRecvMessage surfaces a delivered a-msg; integrity is reported so
// the app can distinguish Ok/Duplicate/Skipped/BadHash/BadId deliveries
// per spec.md §4.7.
func (a *Agent) handleRecvMessage(op *opRecvMessage) {
	a.emit(Event{ConnID: op.connID, Kind: EventMsg, InternalID: op.internalID, Body: op.body, Integrity: op.result.Integrity.String()})
}

// handleRecvControl routes every non-a-msg inner payload kind: HELLO/REPLY
// drive the legacy Duplex promotion, QNEW..QHELLO drive rotation
// (rotation.go), per spec.md §4.5.
func (a *Agent) handleRecvControl(ctx context.Context, op *opRecvControl) {
	switch op.msg.Kind {
	case wire.PayloadHello:
		a.handleHello(op.connID)
	case wire.PayloadReply:
		a.handleReply(op.connID, op.msg)
	case wire.PayloadQNew:
		a.handleQNew(ctx, op.connID, op.msg)
	case wire.PayloadQKeys:
		a.handleQKeys(ctx, op.connID, op.msg)
	case wire.PayloadQReady:
		a.handleQReady(op.connID, op.msg)
	case wire.PayloadQTest:
		a.handleQTest(ctx, op.connID)
	case wire.PayloadQSwitch:
		a.handleQSwitch(ctx, op.connID, op.msg)
	case wire.PayloadQHello:
		a.handleQHello(ctx, op.connID)
	default:
		log.Warningf("agent: unknown control payload kind %d on conn %s", op.msg.Kind, op.connID)
	}
}

func (a *Agent) handleRecvEnd(op *opRecvEnd) {
	log.Infof("agent: relay session reset for %s:%d", op.server.Host, op.server.Port)
}
