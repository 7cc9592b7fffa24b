package p2p

import (
	"fmt"
	"sort"
)

// Capability identifies one version of a sub-protocol, e.g. eth/68.
// Capabilities are exchanged in the hello message and negotiated down to
// the set both peers support.
type Capability struct {
	Name    string
	Version uint
}

// String returns the conventional name/version form.
func (c Capability) String() string {
	return fmt.Sprintf("%s/%d", c.Name, c.Version)
}

// SubProtocol describes a sub-protocol family registered with the network.
// The multiplexer uses the message space to assign each negotiated
// capability a contiguous code range on the wire.
type SubProtocol interface {
	// Name is the capability name shared by all versions of the protocol.
	Name() string

	// MessageSpace returns the number of message codes used by the given
	// protocol version. Codes 0..MessageSpace-1 are valid for that version.
	MessageSpace(version uint) uint64
}

// NegotiateCapabilities computes the agreed capability set between two
// peers: for every name supported by both sides, the highest version
// present in both lists is kept. The result is sorted by name, then
// version, so both peers derive identical code ranges.
func NegotiateCapabilities(local, remote []Capability) []Capability {
	shared := make(map[Capability]bool, len(remote))
	for _, c := range remote {
		shared[c] = true
	}

	best := make(map[string]uint)
	for _, c := range local {
		if !shared[c] {
			continue
		}
		if v, ok := best[c.Name]; !ok || c.Version > v {
			best[c.Name] = c.Version
		}
	}

	agreed := make([]Capability, 0, len(best))
	for name, version := range best {
		agreed = append(agreed, Capability{Name: name, Version: version})
	}
	sort.Slice(agreed, func(i, j int) bool {
		if agreed[i].Name != agreed[j].Name {
			return agreed[i].Name < agreed[j].Name
		}
		return agreed[i].Version < agreed[j].Version
	})
	return agreed
}
