package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	body := []byte(`
MessageTimeoutMS = 60000
NtfMaxMessages = 5

[Network]
TCPTimeoutMS = 30000

[[SMPServers]]
Host = "relay.example"
Port = 5223
Fingerprint = "00112233445566778899aabbccddeeff00112233445566778899aabbccddee"
`)
	cfg, err := Load(body)
	require.NoError(t, err)
	require.Equal(t, 60000, cfg.MessageTimeoutMS)
	require.Equal(t, 5, cfg.NtfMaxMessages)
	require.Equal(t, 120000, cfg.HelloTimeoutMS) // unset, keeps default
	require.Len(t, cfg.SMPServers, 1)

	ref, err := cfg.SMPServers[0].ToServerRef()
	require.NoError(t, err)
	require.Equal(t, "relay.example", ref.Host)
	require.Equal(t, uint16(5223), ref.Port)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load([]byte("NotARealField = 1"))
	require.Error(t, err)
}

func TestVersionRangeContains(t *testing.T) {
	r := VersionRange{Min: 1, Max: 2}
	require.True(t, r.Contains(1))
	require.True(t, r.Contains(2))
	require.False(t, r.Contains(3))
}
