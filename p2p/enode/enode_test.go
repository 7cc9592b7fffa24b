package enode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	validNodeID     = "6f8a80d14311c39f35f516fa664deaaaa13e85b2f7493f37f6144d86991ec012937307647bd3b9a82abe2974e1407241d54947bbb39763a4cac9f77166ad92a0"
	ipv4Address     = "192.168.0.1"
	ipv6FullAddress = "[2001:db8:85a3:0:0:8a2e:370:7334]"
	ipv6Compact     = "[2001:db8:85a3::8a2e:370:7334]"
	p2pPort         = 30303
	discoveryPort   = 30301
)

func mustBuild(t *testing.T, b *Builder) *EnodeURL {
	t.Helper()
	e, err := b.Build()
	require.NoError(t, err)
	return e
}

func TestBuild_MatchingPorts(t *testing.T) {
	e := mustBuild(t, NewBuilder().
		NodeIDHex(validNodeID).
		IPAddress(ipv4Address).
		DiscoveryAndListeningPorts(p2pPort))
	assert.EqualValues(t, p2pPort, e.ListeningPortOrZero())
	assert.EqualValues(t, p2pPort, e.DiscoveryPortOrZero())
}

func TestBuild_NonMatchingPorts(t *testing.T) {
	e := mustBuild(t, NewBuilder().
		NodeIDHex(validNodeID).
		IPAddress(ipv4Address).
		ListeningPort(p2pPort).
		DiscoveryPort(discoveryPort))
	assert.EqualValues(t, p2pPort, e.ListeningPortOrZero())
	assert.EqualValues(t, discoveryPort, e.DiscoveryPortOrZero())
}

func TestParse_WithDiscoveryPort(t *testing.T) {
	want := mustBuild(t, NewBuilder().
		NodeIDHex(validNodeID).
		IPAddress(ipv4Address).
		ListeningPort(p2pPort).
		DiscoveryPort(discoveryPort))
	raw := "enode://" + validNodeID + "@192.168.0.1:30303?discport=30301"

	got, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, got.Equal(want))
	assert.Equal(t, raw, got.String())
}

func TestParse_WithoutDiscoveryPort(t *testing.T) {
	want := mustBuild(t, NewBuilder().
		NodeIDHex(validNodeID).
		IPAddress(ipv4Address).
		DiscoveryAndListeningPorts(p2pPort))
	raw := "enode://" + validNodeID + "@192.168.0.1:30303"

	got, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, got.Equal(want))
	assert.Equal(t, raw, got.String())
}

func TestParse_IPv6FullForm(t *testing.T) {
	want := mustBuild(t, NewBuilder().
		NodeIDHex(validNodeID).
		IPAddress(ipv6FullAddress).
		ListeningPort(p2pPort).
		DiscoveryPort(discoveryPort))
	raw := "enode://" + validNodeID + "@" + ipv6FullAddress + ":30303?discport=30301"

	got, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, got.Equal(want))
}

func TestParse_IPv6CompactForm(t *testing.T) {
	raw := "enode://" + validNodeID + "@" + ipv6Compact + ":30303?discport=30301"

	got, err := Parse(raw)
	require.NoError(t, err)
	// Compact form is canonical and must round-trip exactly.
	assert.Equal(t, raw, got.String())
}

func TestParse_ZeroDiscoveryPort(t *testing.T) {
	raw := "enode://" + validNodeID + "@" + ipv6Compact + ":30303?discport=0"

	got, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, validNodeID, got.ID().String())
	assert.EqualValues(t, p2pPort, got.ListeningPortOrZero())
	assert.EqualValues(t, 0, got.DiscoveryPortOrZero())
	assert.True(t, got.IsListening())
	assert.False(t, got.IsRunningDiscovery())
	assert.Equal(t, raw, got.String())
}

func TestParse_ZeroListeningPort(t *testing.T) {
	raw := "enode://" + validNodeID + "@192.168.0.1:0"

	got, err := Parse(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 0, got.ListeningPortOrZero())
	assert.EqualValues(t, 0, got.DiscoveryPortOrZero())
	assert.False(t, got.IsListening())
	assert.False(t, got.IsRunningDiscovery())
	assert.Equal(t, raw, got.String())
}

func TestParse_ZeroListeningPortExplicitZeroDiscPort(t *testing.T) {
	got, err := Parse("enode://" + validNodeID + "@192.168.0.1:0?discport=0")
	require.NoError(t, err)
	assert.False(t, got.IsListening())
	assert.False(t, got.IsRunningDiscovery())
	// discport equals listening port, so it is not re-emitted.
	assert.Equal(t, "enode://"+validNodeID+"@192.168.0.1:0", got.String())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"empty", "", ErrEmptyValue},
		{"whitespace", "   ", ErrEmptyValue},
		{"missing node id", "enode://@192.168.0.1:30303", ErrMissingNodeID},
		{"wrong size node id", "enode://wrong_size_string@192.168.0.1:30303", ErrInvalidNodeID},
		{"truncated node id", "enode://" + validNodeID[1:] + "@192.168.0.1:30303", ErrInvalidNodeID},
		{"hex-prefixed node id", "enode://0x" + validNodeID[:126] + "@192.168.0.1:30303", ErrInvalidNodeID},
		{"missing ip", "enode://" + validNodeID + "@:30303", ErrInvalidIP},
		{"invalid ip", "enode://" + validNodeID + "@192.0.1:30303", ErrInvalidIP},
		{"missing listening port", "enode://" + validNodeID + "@192.168.0.1:", ErrInvalidTCPPort},
		{"missing listening port with discport", "enode://" + validNodeID + "@192.168.0.1:?discport=30301", ErrInvalidTCPPort},
		{"listening port out of range", "enode://" + validNodeID + "@192.168.0.1:98765", ErrInvalidTCPPort},
		{"discovery port out of range", "enode://" + validNodeID + "@192.168.0.1:30303?discport=98765", ErrInvalidDiscPort},
		{"misspelled discport", "enode://" + validNodeID + "@" + ipv6FullAddress + ":30303?adiscport=1234", ErrInvalidDiscPort},
		{"trailing query param", "enode://" + validNodeID + "@" + ipv6FullAddress + ":30303?discport=1234&other=y", ErrInvalidDiscPort},
		{"leading query param", "enode://" + validNodeID + "@" + ipv6FullAddress + ":30303?other=123&discport=1234", ErrInvalidDiscPort},
		{"duplicated discport", "enode://" + validNodeID + "@" + ipv6FullAddress + ":30303?discport=1234&discport=456", ErrInvalidDiscPort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParse_RoundTripStability(t *testing.T) {
	raws := []string{
		"enode://" + validNodeID + "@192.168.0.1:30303",
		"enode://" + validNodeID + "@192.168.0.1:30303?discport=30301",
		"enode://" + validNodeID + "@192.168.0.1:30303?discport=0",
		"enode://" + validNodeID + "@" + ipv6Compact + ":30303?discport=30301",
	}
	for _, raw := range raws {
		first, err := Parse(raw)
		require.NoError(t, err)
		second, err := Parse(first.String())
		require.NoError(t, err)
		assert.True(t, first.Equal(second), "round trip changed %s", raw)
	}
}

func TestBuilder_DefaultPorts(t *testing.T) {
	e := mustBuild(t, NewBuilder().
		NodeIDHex(validNodeID).
		IPAddress(ipv4Address).
		UseDefaultPorts())
	assert.EqualValues(t, DefaultListeningPort, e.ListeningPortOrZero())
	assert.EqualValues(t, DefaultListeningPort, e.DiscoveryPortOrZero())
}

func TestBuilder_DiscoveryDisabled(t *testing.T) {
	e := mustBuild(t, NewBuilder().
		NodeIDHex(validNodeID).
		IPAddress(ipv4Address).
		ListeningPort(p2pPort).
		DisableDiscovery())
	assert.True(t, e.IsListening())
	assert.False(t, e.IsRunningDiscovery())
}

func TestBuilder_ListeningDisabled(t *testing.T) {
	e := mustBuild(t, NewBuilder().
		NodeIDHex(validNodeID).
		IPAddress(ipv4Address).
		DiscoveryPort(p2pPort).
		DisableListening())
	assert.False(t, e.IsListening())
	assert.True(t, e.IsRunningDiscovery())
}

func TestBuilder_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		b    *Builder
		msg  string
	}{
		{
			"discovery not specified",
			NewBuilder().NodeIDHex(validNodeID).IPAddress(ipv4Address).ListeningPort(p2pPort),
			"discovery port must be configured",
		},
		{
			"listening not specified",
			NewBuilder().NodeIDHex(validNodeID).IPAddress(ipv4Address).DiscoveryPort(p2pPort),
			"listening port must be configured",
		},
		{
			"node id not specified",
			NewBuilder().IPAddress(ipv4Address).DiscoveryAndListeningPorts(p2pPort),
			"node id must be configured",
		},
		{
			"ip not specified",
			NewBuilder().NodeIDHex(validNodeID).DiscoveryAndListeningPorts(p2pPort),
			"ip address must be configured",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.b.Build()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestSameListeningEndpoint(t *testing.T) {
	base := func() *Builder {
		return NewBuilder().NodeIDHex(validNodeID).IPAddress(ipv4Address)
	}

	a := mustBuild(t, base().ListeningPort(p2pPort).DiscoveryPort(discoveryPort))
	b := mustBuild(t, base().ListeningPort(p2pPort).DiscoveryPort(discoveryPort+1))
	assert.True(t, SameListeningEndpoint(a, b), "discovery port must not matter")

	c := mustBuild(t, base().ListeningPort(p2pPort+1).DiscoveryPort(discoveryPort))
	assert.False(t, SameListeningEndpoint(a, c))

	d := mustBuild(t, NewBuilder().NodeIDHex(validNodeID).IPAddress(ipv6Compact).
		ListeningPort(p2pPort).DiscoveryPort(discoveryPort))
	assert.False(t, SameListeningEndpoint(a, d))

	e := mustBuild(t, base().DisableListening().DiscoveryPort(discoveryPort))
	assert.False(t, SameListeningEndpoint(a, e))

	f := mustBuild(t, base().DisableListening().DiscoveryPort(discoveryPort))
	assert.True(t, SameListeningEndpoint(e, f))
}

func TestParseNodeID(t *testing.T) {
	_, err := ParseNodeID("0x10")
	require.Error(t, err)

	id, err := ParseNodeID(validNodeID)
	require.NoError(t, err)
	assert.Equal(t, validNodeID, id.String())
	assert.False(t, id.IsZero())
}
