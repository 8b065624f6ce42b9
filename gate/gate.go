// Package gate implements the Operation Gate (C8): four lease-counted
// operation classes (database access has no gate of its own), and the agent-wide
// Active/Suspending/Suspended state machine that drains them on
// suspendAgent and restores them on activateAgent. Generalized from the
// teacher's core/worker.Worker Halt/HaltCh idiom: where Worker waits for
// goroutines to return, a Class waits for leases to reach zero.
package gate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ClassName identifies one of the four operation classes spec.md §4.8
// names, declared in shutdown order; ActivateAgent resumes them in reverse.
type ClassName int

const (
	RcvNetwork ClassName = iota
	SndNetwork
	MsgDelivery
	NtfNetwork
	numClasses
)

func (c ClassName) String() string {
	switch c {
	case RcvNetwork:
		return "RcvNetwork"
	case SndNetwork:
		return "SndNetwork"
	case MsgDelivery:
		return "MsgDelivery"
	case NtfNetwork:
		return "NtfNetwork"
	default:
		return "Unknown"
	}
}

// AgentState is the gate's overall Active/Suspending/Suspended state.
type AgentState int

const (
	Active AgentState = iota
	Suspending
	Suspended
)

// ErrSuspended is returned by BeginOperation when the agent is fully
// suspended; callers should fail the command fast ("CMD PROHIBITED").
var ErrSuspended = errors.New("gate: agent is suspended")

// class is one lease-counted operation class.
type class struct {
	mu        sync.Mutex
	cond      *sync.Cond
	leases    int
	suspended bool // opSuspended flag
}

func newClass() *class {
	c := &class{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *class) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspended {
		return ErrSuspended
	}
	c.leases++
	return nil
}

func (c *class) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leases--
	if c.leases == 0 {
		c.cond.Broadcast()
	}
}

func (c *class) setSuspended(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = v
}

// quiesce blocks until leases reach zero or the deadline passes, returning
// whether it quiesced in time.
func (c *class) quiesce(deadline time.Time) bool {
	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		for c.leases != 0 {
			c.cond.Wait()
		}
		c.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(time.Until(deadline)):
		return false
	}
}

// Gate coordinates the four operation classes and the agent-wide state.
type Gate struct {
	mu      sync.Mutex
	state   AgentState
	classes [numClasses]*class
}

// New returns a Gate in the Active state, all classes open.
func New() *Gate {
	g := &Gate{}
	for i := range g.classes {
		g.classes[i] = newClass()
	}
	return g
}

// State returns the agent's current Active/Suspending/Suspended state.
func (g *Gate) State() AgentState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// BeginOperation takes a counted lease on cls. It fails fast with
// ErrSuspended when the agent is Suspended; during Suspending, in-flight
// classes already marked suspended also refuse new leases.
func (g *Gate) BeginOperation(cls ClassName) error {
	return g.classes[cls].begin()
}

// EndOperation releases a lease taken by BeginOperation.
func (g *Gate) EndOperation(cls ClassName) {
	g.classes[cls].end()
}

// SuspendAgent transitions Active -> Suspending, awaits SndNetwork and
// MsgDelivery quiescence up to maxDelay, then forces Suspended regardless,
// disabling all four classes for new leases.
func (g *Gate) SuspendAgent(ctx context.Context, maxDelay time.Duration) {
	g.mu.Lock()
	g.state = Suspending
	g.mu.Unlock()

	// Stop new sends and deliveries from starting while in-flight ones drain.
	g.classes[SndNetwork].setSuspended(true)
	g.classes[MsgDelivery].setSuspended(true)

	deadline := time.Now().Add(maxDelay)
	done := make(chan struct{})
	go func() {
		g.classes[SndNetwork].quiesce(deadline)
		g.classes[MsgDelivery].quiesce(deadline)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(maxDelay):
	}

	g.mu.Lock()
	g.state = Suspended
	g.mu.Unlock()

	for _, c := range g.classes {
		c.setSuspended(true)
	}
}

// ActivateAgent clears the opSuspended flag on each class in reverse
// shutdown order (NtfNetwork, MsgDelivery, SndNetwork, RcvNetwork) so
// upstream classes resume only after their sinks are ready, then marks
// the agent Active.
func (g *Gate) ActivateAgent() {
	order := []ClassName{NtfNetwork, MsgDelivery, SndNetwork, RcvNetwork}
	for _, cls := range order {
		g.classes[cls].setSuspended(false)
	}
	g.mu.Lock()
	g.state = Active
	g.mu.Unlock()
}
