package agent

import (
	"errors"
	"fmt"

	"github.com/smpagent/core/store"
)

// AgentErrKind enumerates the AGENT error taxonomy (spec.md §6).
type AgentErrKind int

const (
	AVersion AgentErrKind = iota
	AMessage
	AProhibited
	ADuplicate
)

func (k AgentErrKind) String() string {
	switch k {
	case AVersion:
		return "A_VERSION"
	case AMessage:
		return "A_MESSAGE"
	case AProhibited:
		return "A_PROHIBITED"
	case ADuplicate:
		return "A_DUPLICATE"
	default:
		return "A_UNKNOWN"
	}
}

// ConnErrKind enumerates the CONN error taxonomy.
type ConnErrKind int

const (
	ConnNotAvailable ConnErrKind = iota
	ConnNotAccepted
	ConnSimplex
)

func (k ConnErrKind) String() string {
	switch k {
	case ConnNotAvailable:
		return "NOT_AVAILABLE"
	case ConnNotAccepted:
		return "NOT_ACCEPTED"
	case ConnSimplex:
		return "SIMPLEX"
	default:
		return "CONN_UNKNOWN"
	}
}

// Error is the agent's uniform error value, carrying one taxonomy tag
// from spec.md §6: AGENT(kind), CONN(kind), CMD PROHIBITED, or
// INTERNAL(msg). Exactly one of the typed fields is set.
type Error struct {
	Agent    *AgentErrKind
	Conn     *ConnErrKind
	CmdProhibited bool
	Internal string
}

func (e *Error) Error() string {
	switch {
	case e.Agent != nil:
		return fmt.Sprintf("AGENT %s", *e.Agent)
	case e.Conn != nil:
		return fmt.Sprintf("CONN %s", *e.Conn)
	case e.CmdProhibited:
		return "CMD PROHIBITED"
	default:
		return fmt.Sprintf("INTERNAL %s", e.Internal)
	}
}

func errAgent(k AgentErrKind) *Error      { return &Error{Agent: &k} }
func errConn(k ConnErrKind) *Error        { return &Error{Conn: &k} }
func errCmdProhibited() *Error            { return &Error{CmdProhibited: true} }
func errInternal(msg string) *Error       { return &Error{Internal: msg} }

// errFromStore turns a NotFound-style store lookup failure into
// CMD PROHIBITED at the API boundary (spec.md §7); anything else bubbles
// as INTERNAL.
func errFromStore(err error) *Error {
	if err == nil {
		return nil
	}
	if isNotFoundErr(err) {
		return errCmdProhibited()
	}
	return errInternal(err.Error())
}

func isNotFoundErr(err error) bool {
	var se *store.StoreError
	return errors.As(err, &se) && se.Kind == store.NotFound
}
