package p2p

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/basalt-chain/basalt/p2p/enode"
)

// Base wire protocol message codes. These occupy the reserved range
// 0x00-0x0F; sub-protocol code ranges start above it.
const (
	HelloMsg      = 0x00 // Capability handshake.
	DisconnectMsg = 0x01 // Graceful disconnect with reason.
	PingMsg       = 0x02
	PongMsg       = 0x03
)

// baseWireRangeSize is the number of message codes reserved for the base
// wire protocol.
const baseWireRangeSize = 16

// baseProtocolVersion is the base wire protocol version advertised in the
// hello message. Snappy frame compression is active from this version on.
const baseProtocolVersion = 5

// MaxMessageSize is the maximum allowed size of a message payload (16 MiB).
const MaxMessageSize = 16 * 1024 * 1024

var (
	// ErrMessageTooLarge is returned when a payload exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("p2p: message too large")

	// ErrDecode is returned when RLP decoding of a payload fails.
	ErrDecode = errors.New("p2p: decode error")
)

// Message is a single sub-protocol or base wire protocol message. Before
// multiplexing, Code is relative to the owning capability (starts at 0);
// on the wire it is the capability-offset global code.
type Message struct {
	Code    uint64 // Message code.
	Size    uint32 // Payload size in bytes.
	Payload []byte // Payload bytes, usually RLP.
}

// NewMessage builds a Message around a raw payload.
func NewMessage(code uint64, payload []byte) Message {
	return Message{Code: code, Size: uint32(len(payload)), Payload: payload}
}

// EncodeMessage RLP-encodes val into a Message with the given code.
func EncodeMessage(code uint64, val interface{}) (Message, error) {
	payload, err := rlp.EncodeToBytes(val)
	if err != nil {
		return Message{}, fmt.Errorf("p2p: encode message 0x%02x: %w", code, err)
	}
	if len(payload) > MaxMessageSize {
		return Message{}, ErrMessageTooLarge
	}
	return NewMessage(code, payload), nil
}

// DecodeMessage RLP-decodes a Message's payload into val, which must be a
// pointer to the expected type.
func DecodeMessage(msg Message, val interface{}) error {
	if err := rlp.DecodeBytes(msg.Payload, val); err != nil {
		return fmt.Errorf("%w: code 0x%02x: %v", ErrDecode, msg.Code, err)
	}
	return nil
}

// Transport moves framed messages to and from a single remote peer.
// Implementations must allow concurrent use of ReadMsg and WriteMsg.
type Transport interface {
	// ReadMsg reads the next message. Blocks until a message arrives, the
	// transport fails, or it is closed.
	ReadMsg() (Message, error)

	// WriteMsg sends a message to the remote peer.
	WriteMsg(msg Message) error

	// Close shuts the transport down. Safe to call more than once.
	Close() error
}

// DisconnectReason is the wire-visible reason code carried in a
// disconnect message.
type DisconnectReason uint8

const (
	DiscRequested           DisconnectReason = 0x00 // Peer asked to disconnect.
	DiscTCPSubsystemError   DisconnectReason = 0x01 // Transport-level fault.
	DiscBreachOfProtocol    DisconnectReason = 0x02 // Framing or ordering violation.
	DiscUselessPeer         DisconnectReason = 0x03 // No shared capabilities.
	DiscTooManyPeers        DisconnectReason = 0x04
	DiscAlreadyConnected    DisconnectReason = 0x05
	DiscIncompatibleVersion DisconnectReason = 0x06 // Base protocol version too old.
	DiscNullNodeIdentity    DisconnectReason = 0x07
	DiscClientQuitting      DisconnectReason = 0x08
	DiscUnexpectedIdentity  DisconnectReason = 0x09 // Identity differs from the dialed node.
	DiscIdentityIsSelf      DisconnectReason = 0x0a
	DiscTimeout             DisconnectReason = 0x0b // Keepalive ping went unanswered.
	DiscSubprotocolReason   DisconnectReason = 0x10 // Requested by a sub-protocol or policy.
	DiscUnknown             DisconnectReason = 0xff
)

// String returns a human-readable disconnect reason.
func (r DisconnectReason) String() string {
	switch r {
	case DiscRequested:
		return "requested"
	case DiscTCPSubsystemError:
		return "tcp subsystem error"
	case DiscBreachOfProtocol:
		return "breach of protocol"
	case DiscUselessPeer:
		return "useless peer"
	case DiscTooManyPeers:
		return "too many peers"
	case DiscAlreadyConnected:
		return "already connected"
	case DiscIncompatibleVersion:
		return "incompatible protocol version"
	case DiscNullNodeIdentity:
		return "null node identity"
	case DiscClientQuitting:
		return "client quitting"
	case DiscUnexpectedIdentity:
		return "unexpected identity"
	case DiscIdentityIsSelf:
		return "connected to self"
	case DiscTimeout:
		return "read timeout"
	case DiscSubprotocolReason:
		return "subprotocol requested"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// EncodeDisconnect builds the disconnect wire message for reason.
func EncodeDisconnect(reason DisconnectReason) Message {
	payload, _ := rlp.EncodeToBytes([]uint{uint(reason)})
	return NewMessage(DisconnectMsg, payload)
}

// DecodeDisconnect extracts the reason from a disconnect message. Peers
// encode the reason either as a single-element list or as a bare integer;
// anything undecodable maps to DiscUnknown.
func DecodeDisconnect(msg Message) DisconnectReason {
	var list []uint
	if err := rlp.DecodeBytes(msg.Payload, &list); err == nil && len(list) > 0 {
		return DisconnectReason(list[0])
	}
	var single uint
	if err := rlp.DecodeBytes(msg.Payload, &single); err == nil {
		return DisconnectReason(single)
	}
	return DiscUnknown
}

// HelloPacket is the capability announcement exchanged immediately after
// the cryptographic handshake. Field order is the RLP wire layout.
type HelloPacket struct {
	Version    uint64       // Base wire protocol version.
	ClientID   string       // Client identity string, e.g. "basalt/v0.3.0".
	Caps       []Capability // Supported sub-protocol capabilities.
	ListenPort uint64       // TCP listening port, 0 when not listening.
	NodeID     enode.NodeID // 64-byte node identifier.
}

// EncodeHello serializes a HelloPacket into its wire message.
func EncodeHello(h *HelloPacket) (Message, error) {
	return EncodeMessage(HelloMsg, h)
}

// DecodeHello deserializes a hello wire message.
func DecodeHello(msg Message) (*HelloPacket, error) {
	h := new(HelloPacket)
	if err := DecodeMessage(msg, h); err != nil {
		return nil, err
	}
	return h, nil
}
