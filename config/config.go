// Package config implements TOML configuration loading for the agent
// (spec.md §6 "Configuration"), grounded on the teacher's
// catshadow/config.Load/LoadFile shape.
package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/smpagent/core/core/log"
	"github.com/smpagent/core/store"
)

// VersionRange is an inclusive [Min, Max] version range, used to
// negotiate the SMP client and agent protocol versions during
// joinConnection (spec.md §4.5).
type VersionRange struct {
	Min uint16
	Max uint16
}

// Contains reports whether v falls within the range.
func (r VersionRange) Contains(v uint16) bool {
	return v >= r.Min && v <= r.Max
}

// NetworkConfig bounds transport-level behavior (spec.md §6).
type NetworkConfig struct {
	SocksProxy    string
	TCPTimeoutMS  int
	TCPKeepAlive  bool
}

// AgentConfig is the top-level agent configuration (spec.md §6).
type AgentConfig struct {
	SMPClientVRange VersionRange
	SMPAgentVRange  VersionRange

	MessageRetryIntervalMS int
	HelloTimeoutMS         int
	MessageTimeoutMS       int

	NtfCron         string
	NtfMaxMessages  int

	CmdSignAlg string

	E2EEncConnInfoLength int
	E2EEncUserMsgLength  int

	Network NetworkConfig

	Logging Logging

	DataDir    string
	Passphrase string

	SMPServers []ServerEntry
	NtfServers []ServerEntry
}

// Logging mirrors the teacher's config.Logging shape (catshadow/config).
type Logging struct {
	Disable bool
	File    string
	Level   string
}

// ServerEntry names one relay (SMP or notification) by host/port and pins
// its fingerprint.
type ServerEntry struct {
	Host        string
	Port        uint16
	Fingerprint string // hex-encoded sha256
}

// ToServerRef converts a ServerEntry into a store.ServerRef, decoding its
// hex fingerprint.
func (e ServerEntry) ToServerRef() (store.ServerRef, error) {
	var fp [32]byte
	if e.Fingerprint != "" {
		b, err := hex.DecodeString(e.Fingerprint)
		if err != nil || len(b) > len(fp) {
			return store.ServerRef{}, fmt.Errorf("config: bad fingerprint %q", e.Fingerprint)
		}
		copy(fp[:], b)
	}
	return store.ServerRef{Host: e.Host, Port: e.Port, Fingerprint: fp}, nil
}

// Default returns the spec's baseline AgentConfig, overridden by whatever
// a loaded TOML file supplies.
func Default() *AgentConfig {
	return &AgentConfig{
		SMPClientVRange:        VersionRange{Min: 1, Max: 1},
		SMPAgentVRange:         VersionRange{Min: 1, Max: 2},
		MessageRetryIntervalMS: 5000,
		HelloTimeoutMS:         120000,
		MessageTimeoutMS:       600000,
		NtfCron:                "*/5 * * * *",
		NtfMaxMessages:         20,
		CmdSignAlg:             "ed25519",
		E2EEncConnInfoLength:   14848,
		E2EEncUserMsgLength:    15968,
		Logging:                Logging{Level: "NOTICE"},
	}
}

// Load parses and validates b as a TOML config body, starting from
// Default() so unset fields keep their baseline values.
func Load(b []byte) (*AgentConfig, error) {
	cfg := Default()
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the config file at path.
func LoadFile(path string) (*AgentConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// InitLogBackend constructs the shared logging backend per the teacher's
// catshadow/config.InitLogBackend.
func (c *AgentConfig) InitLogBackend() (*log.Backend, error) {
	return log.New(c.Logging.File, c.Logging.Level, c.Logging.Disable)
}
