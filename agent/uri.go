package agent

import (
	"encoding/base64"

	"github.com/fxamacker/cbor/v2"

	"github.com/smpagent/core/store"
)

// ConnMode selects which handshake createConnection starts (spec.md §4.5).
type ConnMode int

const (
	ModeInvitation ConnMode = iota
	ModeContact
)

// connRequestURI is the connection-request payload embedded in the URI
// createConnection hands to the initiator's out-of-band channel: the
// newly created Rq's address plus the E2E-ratchet one-time public key
// the responder needs to seal its AgentConfirmation.
type connRequestURI struct {
	Mode         ConnMode
	Server       store.ServerRef
	QueueAddr    []byte // the address a sender uses to reach this Rq
	AgentVersion uint16
	E2EDHPublic  []byte
}

// encode serializes the URI payload as base64url(CBOR), a stand-in for
// the out-of-band transport (QR code, paste link) spec.md §1 places out
// of scope.
func (c *connRequestURI) encode() (string, error) {
	b, err := cbor.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func decodeConnRequestURI(uri string) (*connRequestURI, error) {
	b, err := base64.URLEncoding.DecodeString(uri)
	if err != nil {
		return nil, err
	}
	return decodeConnReqBytes(b)
}

// encodeConnReqBytes/decodeConnReqBytes carry the same payload as the
// out-of-band URI but as raw CBOR, used when it travels as an
// AgentInvitation envelope field instead of pasted text (spec.md §4.5
// "Contact join").
func encodeConnReqBytes(c *connRequestURI) ([]byte, error) {
	return cbor.Marshal(c)
}

func decodeConnReqBytes(b []byte) (*connRequestURI, error) {
	c := new(connRequestURI)
	if _, err := cbor.UnmarshalFirst(b, c); err != nil {
		return nil, err
	}
	return c, nil
}
