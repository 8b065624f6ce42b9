// Package relay is the Relay Client Pool (C3): a per-server connection
// cache exposing queue-management and message-send operations, plus a
// process-wide inbound event stream, over an abstract SMP transport.
// Modeled on minclient's per-provider connection cache and callback-driven
// worker (minclient/client.go, minclient/connection.go); the wire-level
// SMP client itself (TCP/TLS, framed request/response) is an external
// collaborator per spec.md §1, so this package talks to it only through
// the Transport interface.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "gopkg.in/op/go-logging.v1"

	worker "github.com/smpagent/core/core/worker"
	"github.com/smpagent/core/store"
)

var log = logging.MustGetLogger("relay")

// SmpErrKind enumerates the SMP-level error codes the relay surfaces.
type SmpErrKind int

const (
	SmpAuth SmpErrKind = iota
	SmpQuota
	SmpNoMsg
)

// BrokerErrKind enumerates broker-transport failures.
type BrokerErrKind int

const (
	BrokerHost BrokerErrKind = iota
	BrokerTimeout
	BrokerUnexpected
)

// SmpError wraps an SMP protocol-level rejection.
type SmpError struct{ Kind SmpErrKind }

func (e *SmpError) Error() string { return fmt.Sprintf("relay: smp error %d", e.Kind) }

// BrokerError wraps a relay-broker transport failure.
type BrokerError struct{ Kind BrokerErrKind }

func (e *BrokerError) Error() string { return fmt.Sprintf("relay: broker error %d", e.Kind) }

// NetworkError wraps a transient network failure.
type NetworkError struct{ Err error }

func (e *NetworkError) Error() string { return fmt.Sprintf("relay: network: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// CryptoError wraps a cryptographic failure surfaced by the transport
// (e.g. a signature the relay rejected).
type CryptoError struct{ Kind string }

func (e *CryptoError) Error() string { return fmt.Sprintf("relay: crypto error: %s", e.Kind) }

// InboundEvent is one item on the process-wide inbound event stream.
type InboundEvent struct {
	Server      store.ServerRef
	Version     uint16
	SessionID   string
	RecipientID []byte
	ServerMsgID []byte // relay-assigned id, echoed back by SendAck
	BrokerMsg   []byte // nil for an END event
	End         bool
}

// SubscribeResult is one connection's outcome from subscribeQueues.
type SubscribeResult struct {
	ConnID string
	Err    error
}

// Transport abstracts the underlying SMP wire client: framed TCP/TLS
// request/response to a relay, out of scope for this package per spec.md
// §1. A concrete transport implementation is supplied by the process
// wiring the agent together.
type Transport interface {
	// Dial establishes (or reuses) a session to server, returning a
	// session id used to correlate subsequent END events.
	Dial(ctx context.Context, server store.ServerRef) (sessionID string, err error)

	CreateQueue(ctx context.Context, server store.ServerRef) (recipientID, queueURI []byte, err error)
	SecureQueue(ctx context.Context, server store.ServerRef, recipientID, senderKey []byte) error
	SendAck(ctx context.Context, server store.ServerRef, recipientID []byte, serverMsgID []byte) error
	SuspendQueue(ctx context.Context, server store.ServerRef, recipientID []byte) (remaining int, err error)
	DeleteQueue(ctx context.Context, server store.ServerRef, recipientID []byte) error
	SubscribeQueue(ctx context.Context, server store.ServerRef, recipientID []byte) error
	SendMessage(ctx context.Context, server store.ServerRef, senderID, body []byte) error

	// Recv blocks until the next inbound event for server is available,
	// or ctx is cancelled.
	Recv(ctx context.Context) (*InboundEvent, error)
}

// Pool caches one active session per server and fans inbound events from
// every session into a single shared stream.
type Pool struct {
	transport Transport

	mu       sync.Mutex
	sessions map[string]string // server key -> sessionId
	worker   worker.Worker

	events chan *InboundEvent
}

func serverKey(s store.ServerRef) string {
	return fmt.Sprintf("%s:%d:%x", s.Host, s.Port, s.Fingerprint)
}

// NewPool constructs a Pool over transport with an inbound event stream of
// the given buffer depth.
func NewPool(transport Transport, eventBuffer int) *Pool {
	return &Pool{
		transport: transport,
		sessions:  make(map[string]string),
		events:    make(chan *InboundEvent, eventBuffer),
	}
}

// Events is the process-wide inbound event stream: (server, version,
// sessionId, recipientId, brokerMsg), plus END events on transport reset.
func (p *Pool) Events() <-chan *InboundEvent {
	return p.events
}

// Start launches the background reader that drains the transport and
// republishes events onto the shared stream as the transport returned
// them; the SessionID the transport sets on each event is what Receive
// Dispatcher checks for staleness on reconnect. Halt cancels the context
// passed to Recv, so a blocked Recv returns.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.worker.Go(func() {
		<-p.worker.HaltCh()
		cancel()
	})
	p.worker.Go(func() {
		for {
			select {
			case <-p.worker.HaltCh():
				return
			default:
			}
			ev, err := p.transport.Recv(ctx)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				case <-p.worker.HaltCh():
					return
				default:
					log.Warningf("relay: recv error: %v", err)
					continue
				}
			}
			select {
			case p.events <- ev:
			case <-p.worker.HaltCh():
				return
			}
		}
	})
}

// Halt stops the background reader.
func (p *Pool) Halt() {
	p.worker.Halt()
}

func (p *Pool) ensureSession(ctx context.Context, server store.ServerRef) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := serverKey(server)
	if sid, ok := p.sessions[key]; ok {
		return sid, nil
	}
	sid, err := p.transport.Dial(ctx, server)
	if err != nil {
		return "", &NetworkError{Err: err}
	}
	p.sessions[key] = sid
	return sid, nil
}

// InvalidateSession drops the cached session for server, called when an
// END event arrives whose sessionId matches the currently bound one.
func (p *Pool) InvalidateSession(server store.ServerRef, sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := serverKey(server)
	if p.sessions[key] != sessionID {
		return false
	}
	delete(p.sessions, key)
	return true
}

// CreateRcvQueue creates a fresh Rq at server and returns its queue URI.
func (p *Pool) CreateRcvQueue(ctx context.Context, server store.ServerRef) (recipientID, queueURI []byte, err error) {
	if _, err := p.ensureSession(ctx, server); err != nil {
		return nil, nil, err
	}
	return p.transport.CreateQueue(ctx, server)
}

// SecureQueue binds senderKey to the recipient-side queue so only that
// sender may enqueue messages.
func (p *Pool) SecureQueue(ctx context.Context, server store.ServerRef, recipientID, senderKey []byte) error {
	if _, err := p.ensureSession(ctx, server); err != nil {
		return err
	}
	return p.transport.SecureQueue(ctx, server, recipientID, senderKey)
}

// SendAck acknowledges receipt of serverMsgID at server.
func (p *Pool) SendAck(ctx context.Context, server store.ServerRef, recipientID, serverMsgID []byte) error {
	if _, err := p.ensureSession(ctx, server); err != nil {
		return err
	}
	if err := p.transport.SendAck(ctx, server, recipientID, serverMsgID); err != nil {
		if isNoMsg(err) {
			return nil // swallow NO_MSG per spec.md §4.5 Ack
		}
		return err
	}
	return nil
}

func isNoMsg(err error) bool {
	var smpErr *SmpError
	return errors.As(err, &smpErr) && smpErr.Kind == SmpNoMsg
}

// SuspendQueue asks the relay to stop delivering to a queue pending
// deletion, returning how many messages remain buffered.
func (p *Pool) SuspendQueue(ctx context.Context, server store.ServerRef, recipientID []byte) (int, error) {
	if _, err := p.ensureSession(ctx, server); err != nil {
		return 0, err
	}
	return p.transport.SuspendQueue(ctx, server, recipientID)
}

// DeleteQueue permanently removes a queue at the relay.
func (p *Pool) DeleteQueue(ctx context.Context, server store.ServerRef, recipientID []byte) error {
	if _, err := p.ensureSession(ctx, server); err != nil {
		return err
	}
	return p.transport.DeleteQueue(ctx, server, recipientID)
}

// SubscribeQueue arranges for inbound events on recipientID to appear on
// the shared stream.
func (p *Pool) SubscribeQueue(ctx context.Context, server store.ServerRef, recipientID []byte, connID string) error {
	if _, err := p.ensureSession(ctx, server); err != nil {
		return err
	}
	return p.transport.SubscribeQueue(ctx, server, recipientID)
}

// SubscribeQueues subscribes many queues on the same server, reporting a
// per-connection result; a size mismatch is the caller's responsibility to
// raise as an internal error notification (spec.md §5).
func (p *Pool) SubscribeQueues(ctx context.Context, server store.ServerRef, queues map[string][]byte) []SubscribeResult {
	results := make([]SubscribeResult, 0, len(queues))
	for connID, recipientID := range queues {
		err := p.SubscribeQueue(ctx, server, recipientID, connID)
		results = append(results, SubscribeResult{ConnID: connID, Err: err})
	}
	return results
}

// SendConfirmation sends the first AgentConfirmation envelope on Sq.
func (p *Pool) SendConfirmation(ctx context.Context, server store.ServerRef, senderID, body []byte) error {
	if _, err := p.ensureSession(ctx, server); err != nil {
		return err
	}
	return p.transport.SendMessage(ctx, server, senderID, body)
}

// SendAgentMessage sends a ratchet-protected AgentMsgEnvelope on Sq.
// flags is accepted but not passed on: Transport.SendMessage has no flags
// parameter, so the body is sent without them.
func (p *Pool) SendAgentMessage(ctx context.Context, server store.ServerRef, senderID []byte, flags uint8, body []byte) error {
	if _, err := p.ensureSession(ctx, server); err != nil {
		return err
	}
	return p.transport.SendMessage(ctx, server, senderID, body)
}

// SendInvitation sends an AgentInvitation envelope to a contact's queue.
func (p *Pool) SendInvitation(ctx context.Context, qInfo store.ReceiveQueueRef, version uint16, connReq, info []byte) error {
	if _, err := p.ensureSession(ctx, qInfo.Server); err != nil {
		return err
	}
	return p.transport.SendMessage(ctx, qInfo.Server, qInfo.SenderID, connReq)
}
