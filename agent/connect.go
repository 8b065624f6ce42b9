package agent

import (
	"context"

	"github.com/smpagent/core/store"
	"github.com/smpagent/core/wire"
)

// doCreateConnection is the initiator side of spec.md §4.5 "Creation":
// pick a server, create a New Rq, persist a Rcv (or Contact) connection,
// and return a connection-request URI embedding the queue address and,
// for Invitation mode, the X3DH one-time public key the responder needs.
func (a *Agent) doCreateConnection(ctx context.Context, op *opCreateConnection) createConnResult {
	server, aerr := a.pickSMPServer()
	if aerr != nil {
		return createConnResult{Err: aerr}
	}
	recipientID, queueAddr, err := a.relay.CreateRcvQueue(ctx, server)
	if err != nil {
		return createConnResult{Err: errInternal(err.Error())}
	}
	signPub, signPriv, err := a.mediator.SigningKeyPair()
	if err != nil {
		return createConnResult{Err: errInternal(err.Error())}
	}

	rq := &store.ReceiveQueue{
		Server: server, RecipientID: recipientID, SenderID: queueAddr,
		SigningPublic: signPub, SigningPrivate: signPriv,
		Status: store.QueueNew, CurrentFlag: true,
	}

	req := &connRequestURI{Mode: op.mode, Server: server, QueueAddr: queueAddr, AgentVersion: a.agentVersion()}
	if op.mode == ModeInvitation {
		e2ePub, e2ePriv, err := a.mediator.X3DHSndSide()
		if err != nil {
			return createConnResult{Err: errInternal(err.Error())}
		}
		rq.E2EDHPrivate = e2ePriv[:]
		req.E2EDHPublic = e2ePub[:]
	}

	variant := store.ConnRcv
	if op.mode == ModeContact {
		variant = store.ConnContact
	}
	conn := &store.Connection{Variant: variant, IsInitiator: true}
	if err := a.store.PutConnection(conn); err != nil {
		return createConnResult{Err: errFromStore(err)}
	}
	rq.ConnID = conn.ConnID
	if err := a.store.PutRecvQueue(rq); err != nil {
		return createConnResult{Err: errFromStore(err)}
	}
	conn.CurrRqID = rq.ID
	if err := a.store.PutConnection(conn); err != nil {
		return createConnResult{Err: errFromStore(err)}
	}

	uri, err := req.encode()
	if err != nil {
		return createConnResult{Err: errInternal(err.Error())}
	}
	return createConnResult{ConnID: conn.ConnID, URI: uri}
}

func (a *Agent) agentVersion() uint16 {
	if a.cfg == nil {
		return 1
	}
	return a.cfg.SMPAgentVRange.Max
}

// doJoinConnection is the responder side of spec.md §4.5 "Join"/"Contact
// join": negotiate versions against the decoded URI, then either run the
// AgentConfirmation handshake (Invitation) or send an AgentInvitation to
// the contact's long-lived Rq (Contact).
func (a *Agent) doJoinConnection(ctx context.Context, op *opJoinConnection) joinConnResult {
	parsed, err := decodeConnRequestURI(op.uri)
	if err != nil {
		return joinConnResult{Err: errAgent(AMessage)}
	}
	if a.cfg != nil && !a.cfg.SMPAgentVRange.Contains(parsed.AgentVersion) {
		return joinConnResult{Err: errAgent(AVersion)}
	}

	switch parsed.Mode {
	case ModeInvitation:
		connID, aerr := a.establishSndConnection(ctx, parsed)
		return joinConnResult{ConnID: connID, Err: aerr}
	case ModeContact:
		return a.sendContactRequest(ctx, parsed, op.info)
	default:
		return joinConnResult{Err: errAgent(AMessage)}
	}
}

// establishSndConnection builds the responder's Sq + send ratchet, its own
// Rq for the reply direction, and ships the AgentConfirmation envelope,
// per spec.md §4.5's Join body. The connection is Duplex from the
// responder's own perspective as soon as this returns; the initiator only
// catches up once it learns the new Rq's address, either immediately (the
// fast duplex-handshake path, carried in ConnInfo.ReplyQueues) or via the
// legacy HELLO/REPLY round trip (handleReply, rotation.go).
func (a *Agent) establishSndConnection(ctx context.Context, parsed *connRequestURI) (string, *Error) {
	sendRatchet, kx, err := a.mediator.InitSendRatchet()
	if err != nil {
		return "", errInternal(err.Error())
	}
	signPub, signPriv, err := a.mediator.SigningKeyPair()
	if err != nil {
		return "", errInternal(err.Error())
	}

	connAgentVersion := parsed.AgentVersion
	duplexHandshake := store.DuplexTrue
	if connAgentVersion == 1 {
		duplexHandshake = store.DuplexFalse
	}

	rqServer, aerr := a.pickSMPServer()
	if aerr != nil {
		return "", aerr
	}
	rqRecipientID, rqAddrBytes, err := a.relay.CreateRcvQueue(ctx, rqServer)
	if err != nil {
		return "", errInternal(err.Error())
	}
	rqSignPub, rqSignPriv, err := a.mediator.SigningKeyPair()
	if err != nil {
		return "", errInternal(err.Error())
	}
	rq := &store.ReceiveQueue{
		Server: rqServer, RecipientID: rqRecipientID, SenderID: rqAddrBytes,
		SigningPublic: rqSignPub, SigningPrivate: rqSignPriv,
		Status: store.QueueNew, CurrentFlag: true,
	}

	connInfo := &wire.ConnInfo{SenderVerifyKey: signPub, SenderE2EPub: kx}
	if duplexHandshake == store.DuplexTrue {
		connInfo.ReplyQueues = []wire.SMPQueueInfo{rqAddr(rq)}
	}
	connInfoBytes, err := connInfo.Encode()
	if err != nil {
		return "", errInternal(err.Error())
	}

	if len(parsed.E2EDHPublic) != 32 {
		return "", errAgent(AMessage)
	}
	var theirPub [32]byte
	copy(theirPub[:], parsed.E2EDHPublic)

	responderPub, sealed, err := a.mediator.X3DHRcvSide(&theirPub, connInfoBytes)
	if err != nil {
		return "", errInternal(err.Error())
	}

	env := &wire.Envelope{
		Kind: wire.EnvelopeConfirmation, AgentVersion: connAgentVersion,
		E2EEncryption: responderPub[:], EncConnInfo: sealed,
	}
	envBytes, err := env.Encode()
	if err != nil {
		return "", errInternal(err.Error())
	}

	conn := &store.Connection{Variant: store.ConnDuplex, ConnAgentVersion: connAgentVersion, DuplexHandshake: duplexHandshake, IsInitiator: false}
	if err := a.store.PutConnection(conn); err != nil {
		return "", errFromStore(err)
	}

	sq := &store.SendQueue{
		ConnID: conn.ConnID, Server: parsed.Server, SenderID: parsed.QueueAddr,
		SigningPublic: signPub, SigningPrivate: signPriv,
		Status: store.QueueNew, CurrentFlag: true,
	}
	if err := a.store.PutSendQueue(sq); err != nil {
		return "", errFromStore(err)
	}
	conn.CurrSqID = sq.ID

	rq.ConnID = conn.ConnID
	if err := a.store.PutRecvQueue(rq); err != nil {
		return "", errFromStore(err)
	}
	conn.CurrRqID = rq.ID
	if err := a.store.PutConnection(conn); err != nil {
		return "", errFromStore(err)
	}

	savedBlob, err := sendRatchet.Save()
	if err != nil {
		return "", errInternal(err.Error())
	}
	if err := a.store.PutRatchet(conn.ConnID, savedBlob); err != nil {
		return "", errFromStore(err)
	}

	if _, err := a.store.AppendOutbox(&store.OutboxMessage{ConnID: conn.ConnID, Kind: store.KindConnInfo, Body: envBytes}); err != nil {
		return "", errFromStore(err)
	}
	a.outbox.Wake(sq, conn.ConnID)

	return conn.ConnID, nil
}

// sendContactRequest implements "Contact join": a fresh Rq is created for
// the new sub-connection and its connRequestURI is sent, raw, as an
// AgentInvitation to the contact's long-lived address.
func (a *Agent) sendContactRequest(ctx context.Context, contactAddr *connRequestURI, info []byte) joinConnResult {
	server, aerr := a.pickSMPServer()
	if aerr != nil {
		return joinConnResult{Err: aerr}
	}
	recipientID, queueAddr, err := a.relay.CreateRcvQueue(ctx, server)
	if err != nil {
		return joinConnResult{Err: errInternal(err.Error())}
	}
	signPub, signPriv, err := a.mediator.SigningKeyPair()
	if err != nil {
		return joinConnResult{Err: errInternal(err.Error())}
	}
	e2ePub, e2ePriv, err := a.mediator.X3DHSndSide()
	if err != nil {
		return joinConnResult{Err: errInternal(err.Error())}
	}

	conn := &store.Connection{Variant: store.ConnRcv, IsInitiator: false}
	if err := a.store.PutConnection(conn); err != nil {
		return joinConnResult{Err: errFromStore(err)}
	}
	rq := &store.ReceiveQueue{
		ConnID: conn.ConnID, Server: server, RecipientID: recipientID, SenderID: queueAddr,
		SigningPublic: signPub, SigningPrivate: signPriv, E2EDHPrivate: e2ePriv[:],
		Status: store.QueueNew, CurrentFlag: true,
	}
	if err := a.store.PutRecvQueue(rq); err != nil {
		return joinConnResult{Err: errFromStore(err)}
	}
	conn.CurrRqID = rq.ID
	if err := a.store.PutConnection(conn); err != nil {
		return joinConnResult{Err: errFromStore(err)}
	}

	ourReq := &connRequestURI{Mode: ModeInvitation, Server: server, QueueAddr: queueAddr, AgentVersion: a.agentVersion(), E2EDHPublic: e2ePub[:]}
	connReqBytes, err := encodeConnReqBytes(ourReq)
	if err != nil {
		return joinConnResult{Err: errInternal(err.Error())}
	}

	env := &wire.Envelope{Kind: wire.EnvelopeInvitation, ConnReq: connReqBytes, ConnInfo: info}
	envBytes, err := env.Encode()
	if err != nil {
		return joinConnResult{Err: errInternal(err.Error())}
	}
	if err := a.relay.SendInvitation(ctx, store.ReceiveQueueRef{Server: contactAddr.Server, SenderID: contactAddr.QueueAddr}, a.agentVersion(), envBytes, info); err != nil {
		return joinConnResult{Err: errInternal(err.Error())}
	}

	return joinConnResult{ConnID: conn.ConnID}
}

// doAllowConnection is the initiator's acceptance of a staged
// confirmation (spec.md §4.5 "Allow"): initialize the receive ratchet
// from the stored X3DH material, secure the Rq with the sender's key, and
// wire in any reply queues the legacy handshake carried.
func (a *Agent) doAllowConnection(ctx context.Context, op *opAllowConnection) *Error {
	conf, err := a.store.GetConfirmation(op.confID)
	if err != nil {
		return errFromStore(err)
	}
	conn, err := a.store.GetConnection(conf.ConnID)
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

	recvRatchet, err := a.mediator.InitRecvRatchet(conf.E2EPublicKey)
	if err != nil {
		return errAgent(AMessage)
	}
	blob, err := recvRatchet.Save()
	if err != nil {
		return errInternal(err.Error())
	}
	if err := a.store.PutRatchet(conn.ConnID, blob); err != nil {
		return errFromStore(err)
	}

	// Open question (a): secureQueue failures are treated as transient;
	// the Rq is left in Confirmed rather than failing this call.
	// SecureQueue is not attempted again: subscribeOne later subscribes
	// the Confirmed Rq and marks it Active without securing it.
	if err := a.relay.SecureQueue(ctx, rq.Server, rq.RecipientID, conf.SenderKey); err != nil {
		log.Warningf("agent: secureQueue deferred for conn %s: %v", conn.ConnID, err)
		if err := a.store.SetRecvQueueStatus(rq.ID, store.QueueConfirmed); err != nil {
			return errFromStore(err)
		}
	} else {
		rq.SenderVerifyKey = conf.SenderKey
		if err := a.store.PutRecvQueue(rq); err != nil {
			return errFromStore(err)
		}
		if err := a.store.SetRecvQueueStatus(rq.ID, store.QueueSecured); err != nil {
			return errFromStore(err)
		}
	}

	if len(conf.ReplyQueues) > 0 {
		a.connectReplyQueues(conn, conf.ReplyQueues)
	}

	if err := a.store.DeleteConfirmation(op.confID); err != nil {
		log.Warningf("agent: failed to clear confirmation %s: %v", op.confID, err)
	}
	return nil
}

// connectReplyQueues wires the fast-handshake AgentConfirmation's inline
// reply queue in as the connection's Sq, completing the initiator's half
// of the duplex-handshake=true activation (the responder's half activates
// in onSendSuccess's conn-info case, with no HELLO/REPLY round trip
// needed on either side).
func (a *Agent) connectReplyQueues(conn *store.Connection, queues []store.ReceiveQueueRef) {
	if len(queues) == 0 {
		return
	}
	q := queues[0]
	sq := &store.SendQueue{
		ConnID: conn.ConnID, Server: q.Server, SenderID: q.SenderID,
		Status: store.QueueActive, CurrentFlag: true,
	}
	if err := a.store.PutSendQueue(sq); err != nil {
		log.Errorf("agent: connectReplyQueues failed for conn %s: %v", conn.ConnID, err)
		return
	}
	conn.CurrSqID = sq.ID
	conn.Variant = store.ConnDuplex
	if err := a.store.PutConnection(conn); err != nil {
		log.Errorf("agent: connectReplyQueues failed to persist conn %s: %v", conn.ConnID, err)
		return
	}
	a.outbox.Wake(sq, conn.ConnID)
	a.emit(Event{ConnID: conn.ConnID, Kind: EventCon})
}

// doAcceptContact marks a staged invitation accepted, then runs the
// Invitation-mode join against its embedded connection request.
func (a *Agent) doAcceptContact(ctx context.Context, op *opAcceptContact) joinConnResult {
	inv, err := a.store.GetInvitation(op.invitationID)
	if err != nil {
		return joinConnResult{Err: errFromStore(err)}
	}
	parsed, err := decodeConnReqBytes(inv.ConnReq)
	if err != nil {
		return joinConnResult{Err: errAgent(AMessage)}
	}
	if a.cfg != nil && !a.cfg.SMPAgentVRange.Contains(parsed.AgentVersion) {
		return joinConnResult{Err: errAgent(AVersion)}
	}
	if err := a.store.MarkInvitationAccepted(op.invitationID); err != nil {
		return joinConnResult{Err: errFromStore(err)}
	}
	connID, aerr := a.establishSndConnection(ctx, parsed)
	return joinConnResult{ConnID: connID, Err: aerr}
}

// doRejectContact deletes the staged invitation without establishing a
// connection; per spec.md §8 scenario 3, the contact's
// future sends then fail at the relay with AUTH, surfacing NOT_AVAILABLE.
func (a *Agent) doRejectContact(ctx context.Context, op *opRejectContact) *Error {
	if err := a.store.DeleteInvitation(op.invitationID); err != nil {
		return errFromStore(err)
	}
	return nil
}

// doSubscribeConnection subscribes each connection's current Rq to the
// relay (a staged next Rq is not subscribed here) and wakes its outbox
// worker.
// Subscribing an already-active Rq is a no-op per spec.md §8.
func (a *Agent) doSubscribeConnection(ctx context.Context, op *opSubscribeConnection) []relaySubscribeOutcome {
	out := make([]relaySubscribeOutcome, 0, len(op.connIDs))
	for _, connID := range op.connIDs {
		out = append(out, relaySubscribeOutcome{ConnID: connID, Err: a.subscribeOne(ctx, connID)})
	}
	return out
}

func (a *Agent) subscribeOne(ctx context.Context, connID string) *Error {
	conn, err := a.store.GetConnection(connID)
	if err != nil {
		return errFromStore(err)
	}
	if conn.CurrRqID != "" {
		rq, err := a.store.GetRecvQueue(conn.CurrRqID)
		if err != nil {
			return errFromStore(err)
		}
		if rq.Status != store.QueueActive {
			if err := a.relay.SubscribeQueue(ctx, rq.Server, rq.RecipientID, connID); err != nil {
				return errInternal(err.Error())
			}
			if err := a.store.SetRecvQueueStatus(rq.ID, store.QueueActive); err != nil {
				return errFromStore(err)
			}
			a.ntfy.SetConnectionSubscribed(connID, true)
		}
	}
	if conn.CurrSqID != "" {
		sq, err := a.store.GetSendQueue(conn.CurrSqID)
		if err == nil {
			a.outbox.Wake(sq, connID)
		}
	}
	return nil
}

// doSuspendConnection suspends the connection's current Rq at the relay
// and clears its notification subscription without deleting local state
// (Open Question decision (e) — spec.md names suspendConnection but does
// not detail its semantics beyond the queue-level SuspendQueue primitive
// C3 exposes). A staged next Rq is not suspended. The Rq's stored status
// stays Active, so a later subscribeConnection/resubscribeConnection
// skips it and does not subscribe it again.
func (a *Agent) doSuspendConnection(ctx context.Context, op *opSuspendConnection) *Error {
	conn, err := a.store.GetConnection(op.connID)
	if err != nil {
		return errFromStore(err)
	}
	if conn.CurrRqID != "" {
		rq, err := a.store.GetRecvQueue(conn.CurrRqID)
		if err == nil {
			if _, err := a.relay.SuspendQueue(ctx, rq.Server, rq.RecipientID); err != nil {
				return errInternal(err.Error())
			}
		}
	}
	a.ntfy.SetConnectionSubscribed(op.connID, false)
	return nil
}

// doDeleteConnection deletes current and next Rq at the relay, removes
// local state, and notifies the supervisor to drop subscriptions.
// Idempotent: a connection already gone returns without error.
func (a *Agent) doDeleteConnection(ctx context.Context, op *opDeleteConnection) *Error {
	conn, err := a.store.GetConnection(op.connID)
	if err != nil {
		if isNotFoundErr(err) {
			return nil
		}
		return errFromStore(err)
	}
	for _, rqID := range []string{conn.CurrRqID, conn.NextRqID} {
		if rqID == "" {
			continue
		}
		rq, err := a.store.GetRecvQueue(rqID)
		if err != nil {
			continue
		}
		_ = a.relay.DeleteQueue(ctx, rq.Server, rq.RecipientID)
		_ = a.store.DeleteRecvQueue(rqID)
	}
	for _, sqID := range []string{conn.CurrSqID, conn.NextSqID} {
		if sqID == "" {
			continue
		}
		_ = a.store.DeleteSendQueue(sqID)
	}
	_ = a.store.DeleteRatchet(op.connID)
	if err := a.store.DeleteConnection(op.connID); err != nil && !isNotFoundErr(err) {
		return errFromStore(err)
	}
	a.ntfy.SetConnectionNtfs(op.connID, false)
	a.ntfy.SetConnectionSubscribed(op.connID, false)
	return nil
}

func (a *Agent) doGetConnectionServers(op *opGetConnectionServers) getServersResult {
	conn, err := a.store.GetConnection(op.connID)
	if err != nil {
		return getServersResult{Err: errFromStore(err)}
	}
	var servers []store.ServerRef
	seen := make(map[store.ServerRef]bool)
	add := func(id string, get func(string) (store.ServerRef, error)) {
		if id == "" {
			return
		}
		s, err := get(id)
		if err != nil || seen[s] {
			return
		}
		seen[s] = true
		servers = append(servers, s)
	}
	add(conn.CurrRqID, func(id string) (store.ServerRef, error) { rq, err := a.store.GetRecvQueue(id); if err != nil { return store.ServerRef{}, err }; return rq.Server, nil })
	add(conn.NextRqID, func(id string) (store.ServerRef, error) { rq, err := a.store.GetRecvQueue(id); if err != nil { return store.ServerRef{}, err }; return rq.Server, nil })
	add(conn.CurrSqID, func(id string) (store.ServerRef, error) { sq, err := a.store.GetSendQueue(id); if err != nil { return store.ServerRef{}, err }; return sq.Server, nil })
	add(conn.NextSqID, func(id string) (store.ServerRef, error) { sq, err := a.store.GetSendQueue(id); if err != nil { return store.ServerRef{}, err }; return sq.Server, nil })
	return getServersResult{Servers: servers}
}
