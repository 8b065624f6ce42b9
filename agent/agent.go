// Package agent is the Connection Manager (C5): the public API and the
// combined connection state machine (variant, currRq.status, currSq.status,
// rotationAction, duplexHandshake) spec.md §4.5 describes. It implements
// outbox.Notifier and recv.Handler so every state-changing event —
// whether raised by a caller's API call or by the send/receive
// pipelines — serializes through a single worker loop, the agent-wide
// lock spec.md §5 requires. Grounded on catshadow/client.go's Client
// (the opCh-driven API surface) and catshadow/worker.go's loop shape,
// already reused by ntfy.Supervisor.
package agent

import (
	"context"
	"sync"
	"time"

	"gopkg.in/eapache/channels.v1"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/smpagent/core/config"
	worker "github.com/smpagent/core/core/worker"
	"github.com/smpagent/core/cryptomediator"
	"github.com/smpagent/core/gate"
	"github.com/smpagent/core/ntfy"
	"github.com/smpagent/core/outbox"
	"github.com/smpagent/core/recv"
	"github.com/smpagent/core/relay"
	"github.com/smpagent/core/store"
)

var log = logging.MustGetLogger("agent")

// Agent is the Connection Manager. Construct with New, then Start before
// issuing any API calls.
type Agent struct {
	store    *store.Gateway
	mediator *cryptomediator.Mediator
	relay    *relay.Pool
	outbox   *outbox.Pipeline
	ntfy     *ntfy.Supervisor
	gate     *gate.Gate
	cfg      *config.AgentConfig
	recv     *recv.Dispatcher

	// eventCh is an unbounded internal buffer (spec.md §6 calls for "a
	// single bounded channel"; the bound lives at EventSink, matching
	// catshadow's eventCh/EventSink split so a slow application consumer
	// never blocks the state machine).
	eventCh   channels.Channel
	EventSink chan Event

	opCh chan interface{}
	w    worker.Worker

	mu         sync.Mutex
	smpServers []store.ServerRef
	ntfServers []store.ServerRef
	netCfg     config.NetworkConfig
}

// New constructs an Agent wiring together the already-constructed C1-C4,
// C6-C8 components. Call Start to begin serving API calls and callbacks.
func New(st *store.Gateway, med *cryptomediator.Mediator, rp *relay.Pool, ob *outbox.Pipeline, nt *ntfy.Supervisor, g *gate.Gate, cfg *config.AgentConfig) *Agent {
	a := &Agent{
		store: st, mediator: med, relay: rp, outbox: ob, ntfy: nt, gate: g, cfg: cfg,
		eventCh:   channels.NewInfiniteChannel(),
		EventSink: make(chan Event),
		opCh:      make(chan interface{}, 64),
	}
	if cfg != nil {
		a.netCfg = cfg.Network
	}
	return a
}

// SetDispatcher wires in the Receive Dispatcher (C7) once constructed; it
// takes the agent itself as its Handler, so the two are built in two steps
// by the process wiring them together (cmd/agentd).
func (a *Agent) SetDispatcher(d *recv.Dispatcher) {
	a.recv = d
}

// Start launches the op-processing worker and the event-sink drain.
func (a *Agent) Start(ctx context.Context) {
	a.w.Go(func() { a.eventSinkWorker() })
	a.w.Go(func() { a.worker(ctx) })
}

// Halt stops both workers.
func (a *Agent) Halt() {
	a.w.Halt()
}

func (a *Agent) emit(ev Event) {
	a.eventCh.In() <- ev
}

// eventSinkWorker drains the unbounded internal buffer onto the bounded
// EventSink the application reads from, matching catshadow's
// eventSinkWorker (client.go).
func (a *Agent) eventSinkWorker() {
	out := a.eventCh.Out()
	for {
		select {
		case <-a.w.HaltCh():
			return
		case v, ok := <-out:
			if !ok {
				return
			}
			select {
			case a.EventSink <- v.(Event):
			case <-a.w.HaltCh():
				return
			}
		}
	}
}

func (a *Agent) worker(ctx context.Context) {
	for {
		select {
		case <-a.w.HaltCh():
			return
		case qo := <-a.opCh:
			a.dispatch(ctx, qo)
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, qo interface{}) {
	switch op := qo.(type) {
	case *opCreateConnection:
		op.responseChan <- a.doCreateConnection(ctx, op)
	case *opJoinConnection:
		op.responseChan <- a.doJoinConnection(ctx, op)
	case *opAllowConnection:
		op.responseChan <- a.doAllowConnection(ctx, op)
	case *opAcceptContact:
		op.responseChan <- a.doAcceptContact(ctx, op)
	case *opRejectContact:
		op.responseChan <- a.doRejectContact(ctx, op)
	case *opSubscribeConnection:
		op.responseChan <- a.doSubscribeConnection(ctx, op)
	case *opSendMessage:
		op.responseChan <- a.doSendMessage(op)
	case *opAckMessage:
		op.responseChan <- a.doAckMessage(ctx, op)
	case *opSwitchConnection:
		op.responseChan <- a.doSwitchConnection(ctx, op)
	case *opSuspendConnection:
		op.responseChan <- a.doSuspendConnection(ctx, op)
	case *opDeleteConnection:
		op.responseChan <- a.doDeleteConnection(ctx, op)
	case *opGetConnectionServers:
		op.responseChan <- a.doGetConnectionServers(op)
	case *opSetSMPServers:
		a.mu.Lock()
		a.smpServers = op.servers
		a.mu.Unlock()
		op.responseChan <- nil
	case *opSetNtfServers:
		a.mu.Lock()
		a.ntfServers = op.servers
		a.mu.Unlock()
		op.responseChan <- nil
	case *opSetNetworkConfig:
		a.mu.Lock()
		a.netCfg = op.cfg
		a.mu.Unlock()
		op.responseChan <- nil
	case *opGetNetworkConfig:
		a.mu.Lock()
		cfg := a.netCfg
		a.mu.Unlock()
		op.responseChan <- cfg
	case *opToggleConnectionNtfs:
		op.responseChan <- a.doToggleConnectionNtfs(op)
	case *opActivateAgent:
		a.gate.ActivateAgent()
		close(op.responseChan)
	case *opSuspendAgent:
		a.gate.SuspendAgent(ctx, op.maxDelay)
		close(op.responseChan)
	case *opOutboxResult:
		a.handleOutboxResult(ctx, op.res)
	case *opRecvConfirmation:
		a.handleRecvConfirmation(op)
	case *opRecvInvitation:
		a.handleRecvInvitation(op)
	case *opRecvMessage:
		a.handleRecvMessage(op)
	case *opRecvControl:
		a.handleRecvControl(ctx, op)
	case *opRecvEnd:
		a.handleRecvEnd(op)
	default:
		log.Warningf("agent: unknown op %T", qo)
	}
}

func (a *Agent) pickSMPServer() (store.ServerRef, *Error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.smpServers) == 0 {
		return store.ServerRef{}, errInternal("no SMP servers configured")
	}
	return a.smpServers[0], nil
}

func (a *Agent) helloTimeout() time.Duration {
	if a.cfg == nil {
		return 2 * time.Minute
	}
	return time.Duration(a.cfg.HelloTimeoutMS) * time.Millisecond
}
