// Package outbox is the Send Pipeline (C6): one serial worker per
// (server, senderId) key draining the persistent outbox, classifying
// relay errors per spec.md §4.6's retry table, and reporting terminal
// outcomes back to the Connection Manager. Grounded on the teacher's
// Session send loop (client/send.go: sendNext/doRetransmit/doSend) and
// its per-contact FIFO worker shape (catshadow/queue.go), generalized
// from "one queue per contact" to "one worker per send-queue identity".
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/smpagent/core/core/retry"
	worker "github.com/smpagent/core/core/worker"
	"github.com/smpagent/core/gate"
	"github.com/smpagent/core/relay"
	"github.com/smpagent/core/store"
)

var log = logging.MustGetLogger("outbox")

// Outcome classifies how a message's send resolved.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomePermanentDropped  // dropped silently (no app event)
	OutcomePermanentSurfaced // dropped with an app-visible error event
	OutcomeRotationCancelled // QUOTA on q-test/q-hello: cancel rotation, drop next Sq
)

// AppError is the app-visible error code a permanent failure surfaces,
// per spec.md §4.6's table (NOT_AVAILABLE, NOT_ACCEPTED, ERR, MERR).
type AppError string

const (
	ErrNotAvailable AppError = "NOT_AVAILABLE"
	ErrNotAccepted  AppError = "NOT_ACCEPTED"
	ErrGeneric      AppError = "ERR"
	ErrMessage      AppError = "MERR"
)

// Result is delivered to a Notifier after a message's send resolves.
type Result struct {
	Msg     *store.OutboxMessage
	Outcome Outcome
	AppErr  AppError
	IsInitiator bool
}

// Notifier receives terminal outcomes and kind-specific post-processing
// hooks; the agent package implements it to drive the connection state
// machine (mark Sq Confirmed/Active, emit CON/SENT to the app, etc.).
type Notifier interface {
	OnResult(res Result)
}

// NetworkConfig bounds retry timing (spec.md §5, §4.6).
type NetworkConfig struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Jitter        float64
	HelloTimeout  time.Duration
	MessageTimeout time.Duration
}

func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		BaseDelay:      retry.DefaultBaseDelay,
		MaxDelay:       retry.DefaultMaxDelay,
		Jitter:         retry.DefaultJitter,
		HelloTimeout:   2 * time.Minute,
		MessageTimeout: 10 * time.Minute,
	}
}

// senderKey identifies one Sq's worker: (server, senderId).
type senderKey string

func makeSenderKey(server store.ServerRef, senderID []byte) senderKey {
	return senderKey(fmt.Sprintf("%s:%d:%x", server.Host, server.Port, senderID))
}

// Pipeline owns the outbox workers, one per live Sq identity.
type Pipeline struct {
	gate     *gate.Gate
	store    *store.Gateway
	relay    *relay.Pool
	notifier Notifier
	netCfg   NetworkConfig

	mu      sync.Mutex
	workers map[senderKey]*sqWorker
}

// New constructs a Pipeline. Call Wake whenever a connection's outbox
// gains work (a new message, or a Sq becoming current).
func New(g *gate.Gate, st *store.Gateway, rp *relay.Pool, notifier Notifier, netCfg NetworkConfig) *Pipeline {
	return &Pipeline{
		gate: g, store: st, relay: rp, notifier: notifier, netCfg: netCfg,
		workers: make(map[senderKey]*sqWorker),
	}
}

// Wake ensures a worker exists for sq's key and signals it to drain
// connID's pending outbox. Multiple connections sharing a Sq key share
// one worker, serialized over that key.
func (p *Pipeline) Wake(sq *store.SendQueue, connID string) {
	key := makeSenderKey(sq.Server, sq.SenderID)
	p.mu.Lock()
	w, ok := p.workers[key]
	if !ok {
		w = newSQWorker(p, key, sq.Server, sq.SenderID)
		p.workers[key] = w
		w.start()
	}
	p.mu.Unlock()
	w.addConn(connID)
	w.wake()
}

// SetNotifier wires in the Notifier once its own construction depends on
// this Pipeline (the Connection Manager implements Notifier but also takes
// a *Pipeline to construct, so the two are wired in two steps by the
// process assembling them, e.g. cmd/agentd).
func (p *Pipeline) SetNotifier(n Notifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifier = n
}

// Halt stops every worker.
func (p *Pipeline) Halt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w.stop()
	}
}

// sqWorker drains the outbox for every connection registered under one
// (server, senderId) key, one message at a time, in internalId order per
// connection.
type sqWorker struct {
	p        *Pipeline
	key      senderKey
	server   store.ServerRef
	senderID []byte

	w      worker.Worker
	wakeCh chan struct{}

	mu     sync.Mutex
	connIDs []string
}

func newSQWorker(p *Pipeline, key senderKey, server store.ServerRef, senderID []byte) *sqWorker {
	return &sqWorker{p: p, key: key, server: server, senderID: senderID, wakeCh: make(chan struct{}, 1)}
}

func (w *sqWorker) addConn(connID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range w.connIDs {
		if c == connID {
			return
		}
	}
	w.connIDs = append(w.connIDs, connID)
}

func (w *sqWorker) connSnapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.connIDs))
	copy(out, w.connIDs)
	return out
}

func (w *sqWorker) wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *sqWorker) start() {
	w.w.Go(func() {
		for {
			select {
			case <-w.w.HaltCh():
				return
			case <-w.wakeCh:
				w.drainOnce()
			}
		}
	})
}

func (w *sqWorker) stop() {
	w.w.Halt()
}

func (w *sqWorker) drainOnce() {
	for _, connID := range w.connSnapshot() {
		pending, err := w.p.store.ReadPendingOutbox(connID)
		if err != nil {
			log.Errorf("outbox: read pending for %s: %v", connID, err)
			continue
		}
		for _, msg := range pending {
			if !w.sendOne(connID, msg) {
				// Non-terminal (still retrying, or agent suspended): stop
				// this connection's queue here; subsequent messages on
				// the same Sq must wait per spec.md §5 ordering rule.
				break
			}
		}
	}
}

// sendOne attempts one message's delivery to completion (success or
// permanent failure), retrying transient errors with the classified
// backoff. It returns true once the message is terminally resolved
// (deleted from the outbox and reported), false if it gave up this round
// without resolving (e.g. the gate is suspended) so the caller should not
// advance past it.
func (w *sqWorker) sendOne(connID string, msg *store.OutboxMessage) bool {
	attempt := 0
	deadline := time.Now().Add(w.timeoutFor(msg.Kind))

	duplex, isInitiator := w.connRoleFor(connID)

	for {
		if err := w.p.gate.BeginOperation(gate.SndNetwork); err != nil {
			return false
		}
		sendErr := w.attempt(msg)
		w.p.gate.EndOperation(gate.SndNetwork)

		if sendErr == nil {
			w.resolve(msg, OutcomeSent, "")
			return true
		}

		action, appErr := classify(msg.Kind, duplex, isInitiator, sendErr)
		switch action {
		case actionPermanentDrop:
			w.resolve(msg, OutcomePermanentDropped, appErr)
			return true
		case actionPermanentSurface:
			w.resolve(msg, OutcomePermanentSurfaced, appErr)
			return true
		case actionCancelRotation:
			w.resolve(msg, OutcomeRotationCancelled, "")
			return true
		case actionRetry:
			if time.Now().After(deadline) {
				w.resolve(msg, OutcomePermanentSurfaced, timeoutAppErr(msg.Kind, isInitiator))
				return true
			}
			d := retry.Delay(w.p.netCfg.BaseDelay, w.p.netCfg.MaxDelay, w.p.netCfg.Jitter, attempt)
			attempt++
			time.Sleep(d)
			continue
		}
		return false
	}
}

// connRoleFor looks up the duplex-handshake state and initiator/responder
// role of connID's connection, both needed by classify's AUTH+hello row
// (spec.md §4.6). A lookup failure defaults to the legacy/responder case,
// which only widens retrying rather than misfiring a permanent failure.
func (w *sqWorker) connRoleFor(connID string) (store.DuplexHandshake, bool) {
	conn, err := w.p.store.GetConnection(connID)
	if err != nil {
		log.Warningf("outbox: connRoleFor lookup %s: %v", connID, err)
		return store.DuplexFalse, false
	}
	return conn.DuplexHandshake, conn.IsInitiator
}

// timeoutAppErr is the app error a kind-specific deadline expiry surfaces.
// A hello that never got through within helloTimeout means the peer is
// unreachable, the same condition an immediate AUTH reports for the
// duplex-handshake=true case; every other kind's timeout is a generic ERR.
func timeoutAppErr(kind store.MessageKind, isInitiator bool) AppError {
	if kind != store.KindHello {
		return ErrGeneric
	}
	if isInitiator {
		return ErrNotAvailable
	}
	return ErrNotAccepted
}

func (w *sqWorker) timeoutFor(kind store.MessageKind) time.Duration {
	if kind == store.KindHello {
		return w.p.netCfg.HelloTimeout
	}
	return w.p.netCfg.MessageTimeout
}

func (w *sqWorker) attempt(msg *store.OutboxMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if msg.Kind == store.KindConnInfo {
		return w.p.relay.SendConfirmation(ctx, w.server, w.senderID, msg.Body)
	}
	return w.p.relay.SendAgentMessage(ctx, w.server, w.senderID, msg.Flags, msg.Body)
}

func (w *sqWorker) resolve(msg *store.OutboxMessage, outcome Outcome, appErr AppError) {
	if err := w.p.store.DeleteOutbox(msg.ConnID, msg.InternalID); err != nil {
		log.Errorf("outbox: delete resolved message: %v", err)
	}
	if w.p.notifier != nil {
		_, isInitiator := w.connRoleFor(msg.ConnID)
		w.p.notifier.OnResult(Result{Msg: msg, Outcome: outcome, AppErr: appErr, IsInitiator: isInitiator})
	}
}

type retryAction int

const (
	actionRetry retryAction = iota
	actionPermanentDrop
	actionPermanentSurface
	actionCancelRotation
	actionGiveUpThisRound
)

// classify implements the relay-error/envelope-kind decision table of
// spec.md §4.6. duplex and isInitiator carry the sending connection's
// duplex-handshake state and initiator/responder role, needed by the
// AUTH+hello row: duplex-handshake=true fails a hello immediately (no
// helloTimeout wait), legacy mode retries and lets sendOne's deadline
// branch apply the same NOT_AVAILABLE/NOT_ACCEPTED split on timeout.
func classify(kind store.MessageKind, duplex store.DuplexHandshake, isInitiator bool, err error) (retryAction, AppError) {
	switch e := err.(type) {
	case *relay.SmpError:
		switch e.Kind {
		case relay.SmpQuota:
			switch kind {
			case store.KindConnInfo, store.KindReply:
				return actionPermanentDrop, ErrNotAvailable
			case store.KindQTest, store.KindQHello:
				return actionCancelRotation, ""
			default:
				return actionRetry, ""
			}
		case relay.SmpAuth:
			switch kind {
			case store.KindConnInfo:
				return actionPermanentSurface, ErrNotAvailable
			case store.KindHello:
				if duplex == store.DuplexTrue {
					if isInitiator {
						return actionPermanentSurface, ErrNotAvailable
					}
					return actionPermanentSurface, ErrNotAccepted
				}
				return actionRetry, "" // legacy: caller enforces helloTimeout via deadline
			case store.KindReply:
				return actionPermanentSurface, ErrGeneric
			case store.KindAMsg:
				return actionPermanentSurface, ErrMessage
			default:
				return actionRetry, ""
			}
		}
	case *relay.BrokerError:
		if e.Kind == relay.BrokerHost {
			return actionRetry, ""
		}
		return actionPermanentSurface, ErrGeneric
	case *relay.NetworkError:
		return actionRetry, ""
	}
	if retry.IsTransientError(err) {
		return actionRetry, ""
	}
	return actionPermanentSurface, ErrGeneric
}
