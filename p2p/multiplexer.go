package p2p

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedCapability is returned when a message is sent for a
	// capability that was not agreed with the peer.
	ErrUnsupportedCapability = errors.New("p2p: capability not agreed with peer")

	// ErrUnsupportedCode is returned when a wire message code falls outside
	// the base wire range and every agreed capability range.
	ErrUnsupportedCode = errors.New("p2p: message code outside any agreed range")
)

// capabilityRange is one capability's slice of the global code space.
type capabilityRange struct {
	cap    Capability
	offset uint64
	size   uint64
}

// CapabilityMultiplexer maps between capability-relative message codes and
// global wire codes for one connection. The agreed capabilities are laid
// out in contiguous, gap-free ranges immediately after the reserved base
// wire range, in negotiation order, so both peers compute the same layout
// independently.
type CapabilityMultiplexer struct {
	agreed []Capability
	ranges []capabilityRange
}

// NewCapabilityMultiplexer negotiates the agreed capability set from the
// local and remote announcements and assigns each agreed capability a code
// range sized by its registered sub-protocol. Agreed capabilities with no
// registered sub-protocol are dropped from the layout.
func NewCapabilityMultiplexer(subProtocols []SubProtocol, localCaps, remoteCaps []Capability) *CapabilityMultiplexer {
	byName := make(map[string]SubProtocol, len(subProtocols))
	for _, sp := range subProtocols {
		byName[sp.Name()] = sp
	}

	mux := &CapabilityMultiplexer{
		agreed: NegotiateCapabilities(localCaps, remoteCaps),
	}
	offset := uint64(baseWireRangeSize)
	for _, c := range mux.agreed {
		sp, ok := byName[c.Name]
		if !ok {
			continue
		}
		size := sp.MessageSpace(c.Version)
		mux.ranges = append(mux.ranges, capabilityRange{cap: c, offset: offset, size: size})
		offset += size
	}
	return mux
}

// AgreedCapabilities returns the negotiated capability set in range order.
func (m *CapabilityMultiplexer) AgreedCapabilities() []Capability {
	return m.agreed
}

// Multiplex rewrites a capability-relative message into its global wire
// form. The capability must be part of the agreed set and the code must
// fall inside its message space.
func (m *CapabilityMultiplexer) Multiplex(cap Capability, msg Message) (Message, error) {
	for _, r := range m.ranges {
		if r.cap != cap {
			continue
		}
		if msg.Code >= r.size {
			return Message{}, fmt.Errorf("%w: code %d exceeds %s message space %d",
				ErrUnsupportedCode, msg.Code, cap, r.size)
		}
		out := msg
		out.Code += r.offset
		return out, nil
	}
	return Message{}, fmt.Errorf("%w: %s", ErrUnsupportedCapability, cap)
}

// DemultiplexedMessage is an inbound wire message classified by owner.
// Capability is nil for base wire protocol messages.
type DemultiplexedMessage struct {
	Capability *Capability
	Message    Message
}

// Demultiplex classifies an inbound wire message. Codes below the base
// wire range are returned unchanged with a nil capability; codes inside an
// agreed capability range are rewritten to the capability-relative code.
func (m *CapabilityMultiplexer) Demultiplex(msg Message) (DemultiplexedMessage, error) {
	if msg.Code < baseWireRangeSize {
		return DemultiplexedMessage{Message: msg}, nil
	}
	for i := range m.ranges {
		r := &m.ranges[i]
		if msg.Code >= r.offset && msg.Code < r.offset+r.size {
			out := msg
			out.Code -= r.offset
			return DemultiplexedMessage{Capability: &r.cap, Message: out}, nil
		}
	}
	return DemultiplexedMessage{}, fmt.Errorf("%w: 0x%02x", ErrUnsupportedCode, msg.Code)
}
