package agent

import (
	"time"

	"github.com/smpagent/core/config"
	"github.com/smpagent/core/outbox"
	"github.com/smpagent/core/recv"
	"github.com/smpagent/core/store"
	"github.com/smpagent/core/wire"
)

// Every API call and every inbound callback (from outbox.Notifier /
// recv.Handler) is posted as one of these ops onto the agent's single
// opCh, so the worker goroutine processing them is the "agent-wide lock"
// spec.md §5 requires: state-machine-visible effects are fully
// serialized regardless of which goroutine raised them. Grounded on
// catshadow/operations.go's opFoo{..., responseChan} shape.

type createConnResult struct {
	ConnID string
	URI    string
	Err    *Error
}

type opCreateConnection struct {
	mode         ConnMode
	responseChan chan createConnResult
}

type joinConnResult struct {
	ConnID string
	Err    *Error
}

type opJoinConnection struct {
	uri          string
	info         []byte
	responseChan chan joinConnResult
}

type opAllowConnection struct {
	confID       string
	info         []byte
	responseChan chan *Error
}

type opAcceptContact struct {
	invitationID string
	info         []byte
	responseChan chan joinConnResult
}

type opRejectContact struct {
	invitationID string
	responseChan chan *Error
}

type opSubscribeConnection struct {
	connIDs      []string
	responseChan chan []relaySubscribeOutcome
}

type relaySubscribeOutcome struct {
	ConnID string
	Err    *Error
}

type sendResult struct {
	InternalID int64
	Err        *Error
}

type opSendMessage struct {
	connID       string
	body         []byte
	responseChan chan sendResult
}

type opAckMessage struct {
	connID       string
	msgID        int64
	responseChan chan *Error
}

type opSwitchConnection struct {
	connID       string
	responseChan chan *Error
}

type opSuspendConnection struct {
	connID       string
	responseChan chan *Error
}

type opDeleteConnection struct {
	connID       string
	responseChan chan *Error
}

type getServersResult struct {
	Servers []store.ServerRef
	Err     *Error
}

type opGetConnectionServers struct {
	connID       string
	responseChan chan getServersResult
}

type opSetSMPServers struct {
	servers      []store.ServerRef
	responseChan chan *Error
}

type opSetNtfServers struct {
	servers      []store.ServerRef
	responseChan chan *Error
}

type opSetNetworkConfig struct {
	cfg          config.NetworkConfig
	responseChan chan *Error
}

type opGetNetworkConfig struct {
	responseChan chan config.NetworkConfig
}

type opToggleConnectionNtfs struct {
	connID       string
	enable       bool
	responseChan chan *Error
}

type opActivateAgent struct {
	responseChan chan struct{}
}

type opSuspendAgent struct {
	maxDelay     time.Duration
	responseChan chan struct{}
}

// Internal callback ops, posted by the outbox.Notifier / recv.Handler
// adapters (notifier.go / handler.go) so delivery events serialize
// through the same loop as API calls.

type opOutboxResult struct {
	res outbox.Result
}

type opRecvConfirmation struct {
	connID, confID          string
	senderVerifyKey, senderE2EPub []byte
	replyQueues             []wire.SMPQueueInfo
}

type opRecvInvitation struct {
	connID, invitationID string
	connReq, connInfo    []byte
}

type opRecvMessage struct {
	connID     string
	internalID int64
	result     recv.DeliveryResult
	body       []byte
}

type opRecvControl struct {
	connID string
	msg    *wire.AgentMessage
	result recv.DeliveryResult
}

type opRecvEnd struct {
	server store.ServerRef
}
