// Package enode implements node identification and enode:// URL handling.
// A node is identified by its 64-byte uncompressed secp256k1 public key
// together with its network endpoint (IP, TCP listening port and UDP
// discovery port).
package enode

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// NodeIDBytes is the length of a node identifier: an uncompressed
// secp256k1 public key without the 0x04 format byte.
const NodeIDBytes = 64

// DefaultListeningPort is the conventional devp2p TCP/UDP port.
const DefaultListeningPort = 30303

var (
	ErrEmptyValue      = errors.New("enode: invalid empty value")
	ErrMissingNodeID   = errors.New("enode: missing node ID")
	ErrInvalidNodeID   = errors.New("enode: invalid node ID: node ID must have exactly 128 hexadecimal characters and should not include any '0x' hex prefix")
	ErrInvalidIP       = errors.New("enode: missing or invalid ip address")
	ErrInvalidTCPPort  = errors.New("enode: invalid listening port")
	ErrInvalidDiscPort = errors.New("enode: invalid discovery port")
)

// NodeID is a 64-byte node identifier.
type NodeID [NodeIDBytes]byte

// String returns the unprefixed hex encoding of the ID.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the ID is all zeros.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// ParseNodeID parses an unprefixed 128-hex-character node identifier.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	if len(s) != NodeIDBytes*2 || strings.HasPrefix(s, "0x") {
		return id, ErrInvalidNodeID
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, ErrInvalidNodeID
	}
	copy(id[:], b)
	return id, nil
}

// EnodeURL is the immutable identity-plus-endpoint of a peer. A port value
// of zero means the corresponding service (listening or discovery) is
// disabled. Values are built via Builder or Parse and never mutated.
type EnodeURL struct {
	id            NodeID
	ip            net.IP
	listeningPort uint16
	discoveryPort uint16
}

// ID returns the node identifier.
func (e *EnodeURL) ID() NodeID { return e.id }

// IP returns the node's IP address.
func (e *EnodeURL) IP() net.IP { return e.ip }

// IPString returns the unbracketed textual form of the IP.
func (e *EnodeURL) IPString() string { return e.ip.String() }

// ListeningPortOrZero returns the TCP listening port, zero when listening
// is disabled.
func (e *EnodeURL) ListeningPortOrZero() uint16 { return e.listeningPort }

// DiscoveryPortOrZero returns the UDP discovery port, zero when discovery
// is disabled.
func (e *EnodeURL) DiscoveryPortOrZero() uint16 { return e.discoveryPort }

// IsListening reports whether the node accepts TCP connections.
func (e *EnodeURL) IsListening() bool { return e.listeningPort != 0 }

// IsRunningDiscovery reports whether the node participates in discovery.
func (e *EnodeURL) IsRunningDiscovery() bool { return e.discoveryPort != 0 }

// TCPAddr returns the host:port dial string for the listening endpoint.
func (e *EnodeURL) TCPAddr() string {
	return net.JoinHostPort(e.ip.String(), strconv.Itoa(int(e.listeningPort)))
}

// Equal reports whether two EnodeURLs are identical, including the
// discovery port.
func (e *EnodeURL) Equal(other *EnodeURL) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.id == other.id &&
		e.ip.Equal(other.ip) &&
		e.listeningPort == other.listeningPort &&
		e.discoveryPort == other.discoveryPort
}

// SameListeningEndpoint reports whether a and b identify the same node at
// the same TCP endpoint. The discovery port is not considered.
func SameListeningEndpoint(a, b *EnodeURL) bool {
	if a == nil || b == nil {
		return false
	}
	return a.id == b.id && a.ip.Equal(b.ip) && a.listeningPort == b.listeningPort
}

// String renders the canonical enode URL. The discport query parameter is
// emitted only when the discovery port differs from the listening port.
func (e *EnodeURL) String() string {
	var sb strings.Builder
	sb.WriteString("enode://")
	sb.WriteString(e.id.String())
	sb.WriteByte('@')
	if e.ip.To4() == nil {
		sb.WriteByte('[')
		sb.WriteString(e.ip.String())
		sb.WriteByte(']')
	} else {
		sb.WriteString(e.ip.String())
	}
	sb.WriteByte(':')
	sb.WriteString(strconv.Itoa(int(e.listeningPort)))
	if e.discoveryPort != e.listeningPort {
		sb.WriteString("?discport=")
		sb.WriteString(strconv.Itoa(int(e.discoveryPort)))
	}
	return sb.String()
}

// Parse parses the canonical string form
// enode://<128-hex-id>@<ip>:<tcp-port>[?discport=<udp-port>].
func Parse(rawurl string) (*EnodeURL, error) {
	trimmed := strings.TrimSpace(rawurl)
	if trimmed == "" {
		return nil, ErrEmptyValue
	}
	rest, ok := strings.CutPrefix(trimmed, "enode://")
	if !ok {
		return nil, fmt.Errorf("enode: invalid URL scheme, expected enode:// in %q", trimmed)
	}

	idPart, hostPart, found := strings.Cut(rest, "@")
	if !found {
		return nil, fmt.Errorf("enode: missing @ separator in %q", trimmed)
	}
	if idPart == "" {
		return nil, ErrMissingNodeID
	}
	id, err := ParseNodeID(idPart)
	if err != nil {
		return nil, err
	}

	var query string
	if i := strings.IndexByte(hostPart, '?'); i >= 0 {
		hostPart, query = hostPart[:i], hostPart[i+1:]
	}

	ip, portStr, err := splitHostPort(hostPart)
	if err != nil {
		return nil, err
	}
	listenPort, err := parsePort(portStr)
	if err != nil {
		return nil, ErrInvalidTCPPort
	}

	b := NewBuilder().
		NodeID(id).
		IP(ip).
		ListeningPort(listenPort)
	if query != "" {
		discPort, err := parseDiscportQuery(query)
		if err != nil {
			return nil, fmt.Errorf("%w: '%s'", ErrInvalidDiscPort, query)
		}
		b.DiscoveryPort(discPort)
	} else {
		b.DiscoveryPort(listenPort)
	}
	return b.Build()
}

// MustParse parses rawurl and panics on error. Intended for static
// configuration such as hard-coded boot nodes.
func MustParse(rawurl string) *EnodeURL {
	e, err := Parse(rawurl)
	if err != nil {
		panic(err)
	}
	return e
}

// splitHostPort splits "<ip>:<port>" or "[<ipv6>]:<port>" and validates
// the address part.
func splitHostPort(hostPart string) (net.IP, string, error) {
	var host, port string
	if strings.HasPrefix(hostPart, "[") {
		end := strings.IndexByte(hostPart, ']')
		if end < 0 {
			return nil, "", ErrInvalidIP
		}
		host = hostPart[1:end]
		rest := hostPart[end+1:]
		if !strings.HasPrefix(rest, ":") {
			return nil, "", ErrInvalidTCPPort
		}
		port = rest[1:]
	} else {
		i := strings.LastIndexByte(hostPart, ':')
		if i < 0 {
			return nil, "", ErrInvalidTCPPort
		}
		host, port = hostPart[:i], hostPart[i+1:]
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, "", ErrInvalidIP
	}
	return ip, port, nil
}

func parsePort(s string) (uint16, error) {
	if s == "" {
		return 0, fmt.Errorf("enode: empty port")
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n > 65535 {
		return 0, fmt.Errorf("enode: port out of range: %q", s)
	}
	return uint16(n), nil
}

// parseDiscportQuery accepts exactly one discport key and nothing else.
func parseDiscportQuery(query string) (uint16, error) {
	if strings.Contains(query, "&") {
		return 0, fmt.Errorf("enode: unexpected query parameters")
	}
	val, ok := strings.CutPrefix(query, "discport=")
	if !ok {
		return 0, fmt.Errorf("enode: missing discport key")
	}
	return parsePort(val)
}

// Builder assembles an EnodeURL. Node id, IP, listening port and discovery
// port must all be configured (possibly to zero) before Build succeeds.
type Builder struct {
	id           NodeID
	ip           net.IP
	listening    uint16
	discovery    uint16
	idSet        bool
	ipSet        bool
	listeningSet bool
	discoverySet bool
	err          error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// NodeID sets the node identifier.
func (b *Builder) NodeID(id NodeID) *Builder {
	b.id = id
	b.idSet = true
	return b
}

// NodeIDHex sets the node identifier from its 128-hex-character form.
func (b *Builder) NodeIDHex(s string) *Builder {
	id, err := ParseNodeID(s)
	if err != nil {
		b.fail(err)
		return b
	}
	return b.NodeID(id)
}

// IP sets the node address.
func (b *Builder) IP(ip net.IP) *Builder {
	b.ip = ip
	b.ipSet = ip != nil
	return b
}

// IPAddress sets the node address from its textual form. Bracketed IPv6
// literals are accepted.
func (b *Builder) IPAddress(s string) *Builder {
	s = strings.TrimPrefix(strings.TrimSuffix(s, "]"), "[")
	ip := net.ParseIP(s)
	if ip == nil {
		b.fail(ErrInvalidIP)
		return b
	}
	return b.IP(ip)
}

// ListeningPort sets the TCP listening port; zero disables listening.
func (b *Builder) ListeningPort(port uint16) *Builder {
	b.listening = port
	b.listeningSet = true
	return b
}

// DiscoveryPort sets the UDP discovery port; zero disables discovery.
func (b *Builder) DiscoveryPort(port uint16) *Builder {
	b.discovery = port
	b.discoverySet = true
	return b
}

// DiscoveryAndListeningPorts sets both ports to the same value.
func (b *Builder) DiscoveryAndListeningPorts(port uint16) *Builder {
	return b.ListeningPort(port).DiscoveryPort(port)
}

// UseDefaultPorts sets both ports to DefaultListeningPort.
func (b *Builder) UseDefaultPorts() *Builder {
	return b.DiscoveryAndListeningPorts(DefaultListeningPort)
}

// DisableListening sets the listening port to zero.
func (b *Builder) DisableListening() *Builder {
	return b.ListeningPort(0)
}

// DisableDiscovery sets the discovery port to zero.
func (b *Builder) DisableDiscovery() *Builder {
	return b.DiscoveryPort(0)
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Build validates the accumulated fields and returns the immutable value.
func (b *Builder) Build() (*EnodeURL, error) {
	if b.err != nil {
		return nil, b.err
	}
	if !b.idSet {
		return nil, errors.New("enode: node id must be configured")
	}
	if !b.ipSet {
		return nil, errors.New("enode: ip address must be configured")
	}
	if !b.listeningSet {
		return nil, errors.New("enode: listening port must be configured")
	}
	if !b.discoverySet {
		return nil, errors.New("enode: discovery port must be configured")
	}
	ip := b.ip
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return &EnodeURL{
		id:            b.id,
		ip:            ip,
		listeningPort: b.listening,
		discoveryPort: b.discovery,
	}, nil
}

// MustBuild is Build for static configuration; it panics on error.
func (b *Builder) MustBuild() *EnodeURL {
	e, err := b.Build()
	if err != nil {
		panic(err)
	}
	return e
}
