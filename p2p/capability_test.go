package p2p

import (
	"reflect"
	"testing"
)

// testSubProtocol is a fixed-size sub-protocol for multiplexer and
// connection tests.
type testSubProtocol struct {
	name  string
	space uint64
}

func (p testSubProtocol) Name() string { return p.name }

func (p testSubProtocol) MessageSpace(version uint) uint64 { return p.space }

func TestNegotiateCapabilities(t *testing.T) {
	tests := []struct {
		name   string
		local  []Capability
		remote []Capability
		want   []Capability
	}{
		{
			name:   "highest shared version wins",
			local:  []Capability{{"eth", 62}, {"eth", 63}},
			remote: []Capability{{"eth", 62}, {"eth", 63}, {"eth", 64}},
			want:   []Capability{{"eth", 63}},
		},
		{
			name:   "names intersect",
			local:  []Capability{{"eth", 63}, {"bas", 1}},
			remote: []Capability{{"eth", 63}, {"snap", 1}},
			want:   []Capability{{"eth", 63}},
		},
		{
			name:   "sorted by name",
			local:  []Capability{{"zzz", 1}, {"aaa", 2}},
			remote: []Capability{{"zzz", 1}, {"aaa", 2}},
			want:   []Capability{{"aaa", 2}, {"zzz", 1}},
		},
		{
			name:   "version must match exactly",
			local:  []Capability{{"eth", 62}},
			remote: []Capability{{"eth", 63}},
			want:   []Capability{},
		},
		{
			name:   "nothing shared",
			local:  []Capability{{"bas", 1}},
			remote: []Capability{{"snap", 1}},
			want:   []Capability{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NegotiateCapabilities(tt.local, tt.remote)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("NegotiateCapabilities() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNegotiateCapabilities_Symmetric(t *testing.T) {
	a := []Capability{{"eth", 62}, {"eth", 63}, {"bas", 1}}
	b := []Capability{{"eth", 63}, {"bas", 1}, {"snap", 1}}
	ab := NegotiateCapabilities(a, b)
	ba := NegotiateCapabilities(b, a)
	if !reflect.DeepEqual(ab, ba) {
		t.Fatalf("negotiation not symmetric: %v vs %v", ab, ba)
	}
}

func TestCapability_String(t *testing.T) {
	c := Capability{Name: "eth", Version: 68}
	if got := c.String(); got != "eth/68" {
		t.Fatalf("String() = %q", got)
	}
}
