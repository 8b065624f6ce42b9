package main

import (
	"fmt"

	"github.com/smpagent/core/config"
	"github.com/smpagent/core/core/log"
	"github.com/smpagent/core/ntfy"
	"github.com/smpagent/core/relay"
)

// newSMPTransport builds the wire-level SMP client the relay.Pool talks
// through. The framed TCP/TLS request/response protocol to an SMP relay
// is out of scope of this module (relay.Transport's doc comment); a
// deployment links in a concrete implementation here, keyed off
// cfg.Network (SOCKS proxy, TCP timeout/keepalive).
func newSMPTransport(cfg *config.AgentConfig, logBackend *log.Backend) (relay.Transport, error) {
	return nil, fmt.Errorf("agentd: no SMP relay transport linked into this build")
}

// newNtfTransport builds the wire-level notification-relay client
// ntfy.Supervisor talks through; out of scope for the same reason as
// newSMPTransport.
func newNtfTransport(cfg *config.AgentConfig, logBackend *log.Backend) (ntfy.Transport, error) {
	return nil, fmt.Errorf("agentd: no notification relay transport linked into this build")
}
