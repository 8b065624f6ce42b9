// Package ntfy is the Notification Supervisor (C4): the device-token
// state machine plus a per-connection subscription mirror loop, served by
// one worker goroutine over its own command queue. Grounded on the
// teacher's opCh-driven client worker (catshadow/worker.go) and its PANDA
// update-handling shape (catshadow/panda.go: a single loop consuming
// externally-posted updates, mutating persisted state, and pushing an
// event to the app), generalized from one-shot key-exchange progress to
// the token lifecycle spec.md §4.4 describes.
package ntfy

import (
	"context"
	"errors"
	"sync"

	logging "gopkg.in/op/go-logging.v1"

	worker "github.com/smpagent/core/core/worker"
	"github.com/smpagent/core/store"
)

var log = logging.MustGetLogger("ntfy")

// ErrWrongState is returned when a command is issued outside the token
// state it requires (spec.md §4.4's state machine).
var ErrWrongState = errors.New("ntfy: command invalid in current token state")

// Transport abstracts the notification relay's token and subscription
// commands; the relay's own wire protocol is out of scope for this
// package per spec.md §1.
type Transport interface {
	Register(ctx context.Context, server store.ServerRef, deviceToken []byte) (tknID string, err error)
	Verify(ctx context.Context, server store.ServerRef, tknID, code string) error
	Check(ctx context.Context, server store.ServerRef, tknID string) (active bool, err error)
	Delete(ctx context.Context, server store.ServerRef, tknID string) error
	CreateSubscription(ctx context.Context, server store.ServerRef, tknID, connID string) error
	DeleteSubscription(ctx context.Context, server store.ServerRef, tknID, connID string) error
}

// Notifier receives token state transitions and mirror-loop errors for
// the application.
type Notifier interface {
	OnTokenStatus(status store.NtfTokenStatus)
	OnError(err error)
}

type opRegister struct {
	server       store.ServerRef
	deviceToken  []byte
	responseChan chan error
}

type opVerify struct {
	code         string
	responseChan chan error
}

type opCheck struct {
	responseChan chan error
}

type opDelete struct {
	responseChan chan error
}

type opSetConnNtfs struct {
	connID string
	enable bool
}

type opConnSubscribed struct {
	connID     string
	subscribed bool
}

// Supervisor owns the token record and the connection subscription
// mirror; every mutation runs on its single worker goroutine.
type Supervisor struct {
	store     *store.Gateway
	transport Transport
	notifier  Notifier

	opCh chan interface{}
	w    worker.Worker

	mu             sync.Mutex
	connNtfs       map[string]bool // desired enableNtfs per connection
	connSubscribed map[string]bool // connection's current Rq subscription state
	mirrored       map[string]bool // connections with a live relay-side subscription
}

// New constructs a Supervisor. Call Start to begin serving commands.
func New(st *store.Gateway, transport Transport, notifier Notifier) *Supervisor {
	return &Supervisor{
		store: st, transport: transport, notifier: notifier,
		opCh:           make(chan interface{}, 32),
		connNtfs:       make(map[string]bool),
		connSubscribed: make(map[string]bool),
		mirrored:       make(map[string]bool),
	}
}

// Start launches the command-processing worker.
func (s *Supervisor) Start(ctx context.Context) {
	s.w.Go(func() { s.worker(ctx) })
}

// Halt stops the worker.
func (s *Supervisor) Halt() {
	s.w.Halt()
}

func (s *Supervisor) worker(ctx context.Context) {
	for {
		select {
		case <-s.w.HaltCh():
			return
		case qo := <-s.opCh:
			switch op := qo.(type) {
			case *opRegister:
				op.responseChan <- s.doRegister(ctx, op)
			case *opVerify:
				op.responseChan <- s.doVerify(ctx, op)
			case *opCheck:
				op.responseChan <- s.doCheck(ctx)
			case *opDelete:
				op.responseChan <- s.doDelete(ctx)
			case *opSetConnNtfs:
				s.mu.Lock()
				s.connNtfs[op.connID] = op.enable
				s.mu.Unlock()
				s.syncMirror(ctx)
			case *opConnSubscribed:
				s.mu.Lock()
				s.connSubscribed[op.connID] = op.subscribed
				s.mu.Unlock()
				s.syncMirror(ctx)
			}
		}
	}
}

// Register starts the token lifecycle: (none) -> Registered.
func (s *Supervisor) Register(server store.ServerRef, deviceToken []byte) error {
	respCh := make(chan error, 1)
	s.opCh <- &opRegister{server: server, deviceToken: deviceToken, responseChan: respCh}
	return <-respCh
}

func (s *Supervisor) doRegister(ctx context.Context, op *opRegister) error {
	tknID, err := s.transport.Register(ctx, op.server, op.deviceToken)
	if err != nil {
		return err
	}
	tok := &store.NtfToken{
		DeviceToken: op.deviceToken,
		NtfServer:   op.server,
		TknID:       tknID,
		Status:      store.NtfRegistered,
		Mode:        store.NtfInstant,
	}
	if err := s.store.PutNtfToken(tok); err != nil {
		return err
	}
	s.notifier.OnTokenStatus(store.NtfRegistered)
	return nil
}

// Verify submits a one-time code: Registered -> Confirmed.
func (s *Supervisor) Verify(code string) error {
	respCh := make(chan error, 1)
	s.opCh <- &opVerify{code: code, responseChan: respCh}
	return <-respCh
}

func (s *Supervisor) doVerify(ctx context.Context, op *opVerify) error {
	tok, err := s.store.GetNtfToken()
	if err != nil {
		return err
	}
	if tok.Status != store.NtfRegistered {
		return ErrWrongState
	}
	if err := s.transport.Verify(ctx, tok.NtfServer, tok.TknID, op.code); err != nil {
		return err
	}
	tok.Status = store.NtfConfirmed
	if err := s.store.PutNtfToken(tok); err != nil {
		return err
	}
	s.notifier.OnTokenStatus(store.NtfConfirmed)
	return nil
}

// Check polls the relay for activation: Confirmed -> Active. If the relay
// reports the token unrecognized, the supervisor loops back to
// Registered with a freshly issued token id (the diagram's
// `replace(tknId)` edge) instead of failing the caller.
func (s *Supervisor) Check() error {
	respCh := make(chan error, 1)
	s.opCh <- &opCheck{responseChan: respCh}
	return <-respCh
}

func (s *Supervisor) doCheck(ctx context.Context) error {
	tok, err := s.store.GetNtfToken()
	if err != nil {
		return err
	}
	if tok.Status != store.NtfConfirmed && tok.Status != store.NtfActive {
		return ErrWrongState
	}
	active, err := s.transport.Check(ctx, tok.NtfServer, tok.TknID)
	if err != nil {
		return err
	}
	if !active {
		newTknID, rerr := s.transport.Register(ctx, tok.NtfServer, tok.DeviceToken)
		if rerr != nil {
			return rerr
		}
		tok.TknID = newTknID
		tok.Status = store.NtfRegistered
		if err := s.store.PutNtfToken(tok); err != nil {
			return err
		}
		s.notifier.OnTokenStatus(store.NtfRegistered)
		return nil
	}
	tok.Status = store.NtfActive
	if err := s.store.PutNtfToken(tok); err != nil {
		return err
	}
	s.notifier.OnTokenStatus(store.NtfActive)
	s.syncMirrorLocked(ctx, tok)
	return nil
}

// Delete tears the token down: * -> Expired. Per spec.md §4.4, delete may
// be broadcast via flush-then-enqueue to cancel pending work atomically:
// every command still sitting in the queue is dropped before the delete
// op is enqueued, so nothing races ahead of a deletion.
func (s *Supervisor) Delete() error {
	s.flush()
	respCh := make(chan error, 1)
	s.opCh <- &opDelete{responseChan: respCh}
	return <-respCh
}

func (s *Supervisor) flush() {
	for {
		select {
		case <-s.opCh:
		default:
			return
		}
	}
}

func (s *Supervisor) doDelete(ctx context.Context) error {
	tok, err := s.store.GetNtfToken()
	if err != nil {
		return err
	}
	if err := s.transport.Delete(ctx, tok.NtfServer, tok.TknID); err != nil {
		return err
	}
	tok.Status = store.NtfExpired
	if err := s.store.PutNtfToken(tok); err != nil {
		return err
	}
	s.mu.Lock()
	s.mirrored = make(map[string]bool)
	s.mu.Unlock()
	s.notifier.OnTokenStatus(store.NtfExpired)
	return nil
}

// SetConnectionNtfs mirrors an enableNtfs flip for connID into the
// subscription loop.
func (s *Supervisor) SetConnectionNtfs(connID string, enable bool) {
	s.opCh <- &opSetConnNtfs{connID: connID, enable: enable}
}

// SetConnectionSubscribed mirrors a connection's Rq subscription state
// (set by C5 when it subscribes/unsubscribes a queue) into the loop.
func (s *Supervisor) SetConnectionSubscribed(connID string, subscribed bool) {
	s.opCh <- &opConnSubscribed{connID: connID, subscribed: subscribed}
}

// syncMirror reconciles desired vs. actual relay-side subscriptions. Only
// runs anything when the token is Active and in Instant mode; Periodic
// mode has no per-connection mirror (spec.md §4.4).
func (s *Supervisor) syncMirror(ctx context.Context) {
	tok, err := s.store.GetNtfToken()
	if err != nil {
		return
	}
	s.syncMirrorLocked(ctx, tok)
}

func (s *Supervisor) syncMirrorLocked(ctx context.Context, tok *store.NtfToken) {
	if tok.Status != store.NtfActive || tok.Mode != store.NtfInstant {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for connID, enabled := range s.connNtfs {
		want := enabled && s.connSubscribed[connID]
		have := s.mirrored[connID]
		switch {
		case want && !have:
			if err := s.transport.CreateSubscription(ctx, tok.NtfServer, tok.TknID, connID); err != nil {
				log.Warningf("ntfy: create subscription for %s: %v", connID, err)
				s.notifier.OnError(err)
				continue
			}
			s.mirrored[connID] = true
		case !want && have:
			if err := s.transport.DeleteSubscription(ctx, tok.NtfServer, tok.TknID, connID); err != nil {
				log.Warningf("ntfy: delete subscription for %s: %v", connID, err)
				s.notifier.OnError(err)
				continue
			}
			s.mirrored[connID] = false
		}
	}
}
