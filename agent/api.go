package agent

import (
	"time"

	"github.com/smpagent/core/config"
	"github.com/smpagent/core/store"
)

// CreateConnection creates a fresh Rq in New and returns a connection-id
// plus an out-of-band connection-request URI (spec.md §4.5 "Creation").
func (a *Agent) CreateConnection(mode ConnMode) (connID, uri string, err *Error) {
	respCh := make(chan createConnResult, 1)
	a.opCh <- &opCreateConnection{mode: mode, responseChan: respCh}
	res := <-respCh
	return res.ConnID, res.URI, res.Err
}

// JoinConnection is the responder's half of the handshake: it negotiates
// versions, initializes the send ratchet, and sends an AgentConfirmation.
func (a *Agent) JoinConnection(uri string, info []byte) (connID string, err *Error) {
	respCh := make(chan joinConnResult, 1)
	a.opCh <- &opJoinConnection{uri: uri, info: info, responseChan: respCh}
	res := <-respCh
	return res.ConnID, res.Err
}

// AllowConnection is the initiator's acceptance of a staged confirmation.
func (a *Agent) AllowConnection(confID string, info []byte) *Error {
	respCh := make(chan *Error, 1)
	a.opCh <- &opAllowConnection{confID: confID, info: info, responseChan: respCh}
	return <-respCh
}

// AcceptContact marks a staged invitation accepted and runs joinConnection
// against its embedded connection-request.
func (a *Agent) AcceptContact(invitationID string, info []byte) (connID string, err *Error) {
	respCh := make(chan joinConnResult, 1)
	a.opCh <- &opAcceptContact{invitationID: invitationID, info: info, responseChan: respCh}
	res := <-respCh
	return res.ConnID, res.Err
}

// RejectContact deletes a staged invitation without establishing a
// connection; the contact's future sends fail at the relay with AUTH.
func (a *Agent) RejectContact(invitationID string) *Error {
	respCh := make(chan *Error, 1)
	a.opCh <- &opRejectContact{invitationID: invitationID, responseChan: respCh}
	return <-respCh
}

// SubscribeConnection subscribes one or more connections' current Rq to
// the relay and resumes their outbox workers. Already-active subscriptions
// are a no-op (spec.md §8 "Subscribe is idempotent").
func (a *Agent) SubscribeConnection(connIDs ...string) []relaySubscribeOutcome {
	respCh := make(chan []relaySubscribeOutcome, 1)
	a.opCh <- &opSubscribeConnection{connIDs: connIDs, responseChan: respCh}
	return <-respCh
}

// ResubscribeConnection runs the same path as SubscribeConnection: an Rq
// already marked Active is not subscribed again (spec.md §4.5).
func (a *Agent) ResubscribeConnection(connIDs ...string) []relaySubscribeOutcome {
	return a.SubscribeConnection(connIDs...)
}

// SendMessage enqueues an a-msg on connID's current Sq, returning the
// internalId later echoed in a SENT event.
func (a *Agent) SendMessage(connID string, body []byte) (internalID int64, err *Error) {
	respCh := make(chan sendResult, 1)
	a.opCh <- &opSendMessage{connID: connID, body: body, responseChan: respCh}
	res := <-respCh
	return res.InternalID, res.Err
}

// AckMessage marks a received message user-acked; idempotent per
// spec.md §8.
func (a *Agent) AckMessage(connID string, msgID int64) *Error {
	respCh := make(chan *Error, 1)
	a.opCh <- &opAckMessage{connID: connID, msgID: msgID, responseChan: respCh}
	return <-respCh
}

// SwitchConnection initiates queue rotation; only valid on a Duplex
// connection (spec.md §4.5).
func (a *Agent) SwitchConnection(connID string) *Error {
	respCh := make(chan *Error, 1)
	a.opCh <- &opSwitchConnection{connID: connID, responseChan: respCh}
	return <-respCh
}

// SuspendConnection suspends the connection's current Rq at the relay
// without destroying local state. ResubscribeConnection does not undo it:
// the Rq stays marked Active, so it is not subscribed again.
func (a *Agent) SuspendConnection(connID string) *Error {
	respCh := make(chan *Error, 1)
	a.opCh <- &opSuspendConnection{connID: connID, responseChan: respCh}
	return <-respCh
}

// DeleteConnection deletes the connection's queues at the relay and
// removes local state; idempotent per spec.md §8.
func (a *Agent) DeleteConnection(connID string) *Error {
	respCh := make(chan *Error, 1)
	a.opCh <- &opDeleteConnection{connID: connID, responseChan: respCh}
	return <-respCh
}

// GetConnectionServers reports the relay(s) a connection's queues live on.
func (a *Agent) GetConnectionServers(connID string) ([]store.ServerRef, *Error) {
	respCh := make(chan getServersResult, 1)
	a.opCh <- &opGetConnectionServers{connID: connID, responseChan: respCh}
	res := <-respCh
	return res.Servers, res.Err
}

// SetSMPServers replaces the candidate SMP relay list used by
// createConnection/joinConnection.
func (a *Agent) SetSMPServers(servers []store.ServerRef) *Error {
	respCh := make(chan *Error, 1)
	a.opCh <- &opSetSMPServers{servers: servers, responseChan: respCh}
	return <-respCh
}

// SetNtfServers replaces the candidate notification relay list.
func (a *Agent) SetNtfServers(servers []store.ServerRef) *Error {
	respCh := make(chan *Error, 1)
	a.opCh <- &opSetNtfServers{servers: servers, responseChan: respCh}
	return <-respCh
}

// SetNetworkConfig replaces the transport-level network configuration.
func (a *Agent) SetNetworkConfig(cfg config.NetworkConfig) *Error {
	respCh := make(chan *Error, 1)
	a.opCh <- &opSetNetworkConfig{cfg: cfg, responseChan: respCh}
	return <-respCh
}

// GetNetworkConfig returns the current network configuration.
func (a *Agent) GetNetworkConfig() config.NetworkConfig {
	respCh := make(chan config.NetworkConfig, 1)
	a.opCh <- &opGetNetworkConfig{responseChan: respCh}
	return <-respCh
}

// ToggleConnectionNtfs flips enableNtfs on a connection and mirrors it to
// the Notification Supervisor.
func (a *Agent) ToggleConnectionNtfs(connID string, enable bool) *Error {
	respCh := make(chan *Error, 1)
	a.opCh <- &opToggleConnectionNtfs{connID: connID, enable: enable, responseChan: respCh}
	return <-respCh
}

// ActivateAgent clears the operation gate's suspend flags.
func (a *Agent) ActivateAgent() {
	respCh := make(chan struct{})
	a.opCh <- &opActivateAgent{responseChan: respCh}
	<-respCh
}

// SuspendAgent drains SndNetwork/MsgDelivery up to maxDelay, then forces
// Suspended.
func (a *Agent) SuspendAgent(maxDelay time.Duration) {
	respCh := make(chan struct{})
	a.opCh <- &opSuspendAgent{maxDelay: maxDelay, responseChan: respCh}
	<-respCh
}

// RegisterNtfToken, VerifyNtfToken, CheckNtfToken, DeleteNtfToken forward
// directly to the Notification Supervisor (C4), which already serializes
// its own state machine; they do not need the connection-manager lock.
func (a *Agent) RegisterNtfToken(server store.ServerRef, deviceToken []byte) error {
	return a.ntfy.Register(server, deviceToken)
}

func (a *Agent) VerifyNtfToken(code string) error {
	return a.ntfy.Verify(code)
}

func (a *Agent) CheckNtfToken() error {
	return a.ntfy.Check()
}

func (a *Agent) DeleteNtfToken() error {
	return a.ntfy.Delete()
}
