package p2p

import (
	"fmt"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basalt-chain/basalt/p2p/enode"
)

// directionalProvider permits exactly one (source, destination) pair.
type directionalProvider struct {
	source, destination *enode.EnodeURL
}

func (p *directionalProvider) IsPermitted(source, destination *enode.EnodeURL) bool {
	return source.ID() == p.source.ID() && destination.ID() == p.destination.ID()
}

// allowAll and denyAll are the degenerate providers.
type staticProvider bool

func (p staticProvider) IsPermitted(_, _ *enode.EnodeURL) bool { return bool(p) }

type staticSyncStatus bool

func (s staticSyncStatus) HasReachedSync() bool { return bool(s) }

// fakeChain lets the test fire block-added events by hand.
type fakeChain struct {
	subs []func(BlockAddedEvent)
}

func (c *fakeChain) SubscribeBlockAdded(fn func(BlockAddedEvent)) {
	c.subs = append(c.subs, fn)
}

func (c *fakeChain) addBlock(number uint64) {
	ev := BlockAddedEvent{Number: number, TotalDifficulty: uint256.NewInt(number)}
	for _, fn := range c.subs {
		fn(ev)
	}
}

func testEnode(t *testing.T, seed byte, port uint16) *enode.EnodeURL {
	t.Helper()
	var id enode.NodeID
	for i := range id {
		id[i] = seed
	}
	url, err := enode.NewBuilder().
		NodeID(id).
		IPAddress(fmt.Sprintf("127.0.0.%d", seed)).
		ListeningPort(port).
		DisableDiscovery().
		Build()
	require.NoError(t, err)
	return url
}

func TestPermissioningAdapter_ActionDirections(t *testing.T) {
	local := testEnode(t, 1, 30303)
	remote := testEnode(t, 2, 30303)

	localToRemote := &directionalProvider{source: local, destination: remote}
	remoteToLocal := &directionalProvider{source: remote, destination: local}

	tests := []struct {
		action            PermissioningAction
		wantLocalToRemote bool
	}{
		{DiscoveryAllowInPeerTable, true},
		{DiscoveryAllowOutboundBonding, true},
		{DiscoveryAcceptInboundBonding, false},
		{DiscoveryAllowOutboundNeighborsRequest, true},
		{DiscoveryServeInboundNeighborsRequest, false},
		{RlpxAllowNewOutboundConnection, true},
		{RlpxAllowNewInboundConnection, false},
		{RlpxAllowOngoingConnection, true},
	}
	for _, tt := range tests {
		t.Run(tt.action.String(), func(t *testing.T) {
			forward := NewNodePermissioningAdapter(localToRemote, nil, nil, nil, nil)
			reverse := NewNodePermissioningAdapter(remoteToLocal, nil, nil, nil, nil)

			assert.Equal(t, tt.wantLocalToRemote, forward.IsPermitted(local, remote, tt.action),
				"local-to-remote provider")
			assert.Equal(t, !tt.wantLocalToRemote, reverse.IsPermitted(local, remote, tt.action),
				"remote-to-local provider")
		})
	}
}

func TestPermissioningAdapter_DeniedProviderDeniesEverything(t *testing.T) {
	local := testEnode(t, 1, 30303)
	remote := testEnode(t, 2, 30303)
	adapter := NewNodePermissioningAdapter(staticProvider(false), staticSyncStatus(true), nil, nil, nil)

	for a := DiscoveryAllowInPeerTable; a <= RlpxAllowOngoingConnection; a++ {
		assert.False(t, adapter.IsPermitted(local, remote, a), a.String())
	}
}

func TestPermissioningAdapter_OutboundDiscoveryGatedOnSync(t *testing.T) {
	local := testEnode(t, 1, 30303)
	remote := testEnode(t, 2, 30303)
	bootnode := testEnode(t, 3, 30303)

	outbound := []PermissioningAction{
		DiscoveryAllowOutboundBonding,
		DiscoveryAllowOutboundNeighborsRequest,
	}

	t.Run("before sync non-bootnodes denied", func(t *testing.T) {
		adapter := NewNodePermissioningAdapter(staticProvider(true), staticSyncStatus(false),
			[]*enode.EnodeURL{bootnode}, nil, nil)
		for _, a := range outbound {
			assert.False(t, adapter.IsPermitted(local, remote, a), a.String())
		}
	})

	t.Run("before sync bootnodes exempt", func(t *testing.T) {
		adapter := NewNodePermissioningAdapter(staticProvider(true), staticSyncStatus(false),
			[]*enode.EnodeURL{bootnode}, nil, nil)
		for _, a := range outbound {
			assert.True(t, adapter.IsPermitted(local, bootnode, a), a.String())
		}
	})

	t.Run("bootnode exemption still consults provider", func(t *testing.T) {
		adapter := NewNodePermissioningAdapter(staticProvider(false), staticSyncStatus(false),
			[]*enode.EnodeURL{bootnode}, nil, nil)
		for _, a := range outbound {
			assert.False(t, adapter.IsPermitted(local, bootnode, a), a.String())
		}
	})

	t.Run("after sync everything allowed", func(t *testing.T) {
		adapter := NewNodePermissioningAdapter(staticProvider(true), staticSyncStatus(true),
			[]*enode.EnodeURL{bootnode}, nil, nil)
		for _, a := range outbound {
			assert.True(t, adapter.IsPermitted(local, remote, a), a.String())
		}
	})

	t.Run("no sync provider means no gating", func(t *testing.T) {
		adapter := NewNodePermissioningAdapter(staticProvider(true), nil, nil, nil, nil)
		for _, a := range outbound {
			assert.True(t, adapter.IsPermitted(local, remote, a), a.String())
		}
	})

	t.Run("inbound actions never sync-gated", func(t *testing.T) {
		adapter := NewNodePermissioningAdapter(staticProvider(true), staticSyncStatus(false), nil, nil, nil)
		assert.True(t, adapter.IsPermitted(local, remote, DiscoveryAcceptInboundBonding))
		assert.True(t, adapter.IsPermitted(local, remote, DiscoveryServeInboundNeighborsRequest))
		assert.True(t, adapter.IsPermitted(local, remote, RlpxAllowNewInboundConnection))
	})
}

func TestPermissioningAdapter_BlockAddedFiresEachSubscriberOnce(t *testing.T) {
	chain := &fakeChain{}
	adapter := NewNodePermissioningAdapter(staticProvider(true), nil, nil, chain, nil)

	countA, countB := 0, 0
	adapter.SubscribeUpdate(func(restricted bool, affected []*enode.EnodeURL) {
		countA++
		assert.False(t, restricted)
		assert.Nil(t, affected)
	})
	adapter.SubscribeUpdate(func(bool, []*enode.EnodeURL) { countB++ })

	chain.addBlock(1)
	assert.Equal(t, 1, countA)
	assert.Equal(t, 1, countB)

	chain.addBlock(2)
	assert.Equal(t, 2, countA)
	assert.Equal(t, 2, countB)
}
