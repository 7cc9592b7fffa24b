package p2p

import (
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/holiman/uint256"

	"github.com/basalt-chain/basalt/log"
	"github.com/basalt-chain/basalt/p2p/enode"
)

// PermissioningAction names one connection-related action a node may take
// against a peer.
type PermissioningAction int

const (
	DiscoveryAllowInPeerTable PermissioningAction = iota
	DiscoveryAllowOutboundBonding
	DiscoveryAcceptInboundBonding
	DiscoveryAllowOutboundNeighborsRequest
	DiscoveryServeInboundNeighborsRequest
	RlpxAllowNewOutboundConnection
	RlpxAllowNewInboundConnection
	RlpxAllowOngoingConnection
)

// String returns the action name.
func (a PermissioningAction) String() string {
	switch a {
	case DiscoveryAllowInPeerTable:
		return "discovery_allow_in_peer_table"
	case DiscoveryAllowOutboundBonding:
		return "discovery_allow_outbound_bonding"
	case DiscoveryAcceptInboundBonding:
		return "discovery_accept_inbound_bonding"
	case DiscoveryAllowOutboundNeighborsRequest:
		return "discovery_allow_outbound_neighbors_request"
	case DiscoveryServeInboundNeighborsRequest:
		return "discovery_serve_inbound_neighbors_request"
	case RlpxAllowNewOutboundConnection:
		return "rlpx_allow_new_outbound_connection"
	case RlpxAllowNewInboundConnection:
		return "rlpx_allow_new_inbound_connection"
	case RlpxAllowOngoingConnection:
		return "rlpx_allow_ongoing_connection"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// PermissioningProvider answers directed node-to-node permission queries.
type PermissioningProvider interface {
	// IsPermitted reports whether source may interact with destination.
	IsPermitted(source, destination *enode.EnodeURL) bool
}

// SyncStatusProvider reports whether the local chain has reached sync.
// Outbound discovery actions are held back until then, except toward
// bootnodes.
type SyncStatusProvider interface {
	HasReachedSync() bool
}

// BlockAddedEvent describes a block appended to the local chain. Permission
// rules that read chain state may change on every block.
type BlockAddedEvent struct {
	Number          uint64
	Hash            [32]byte
	TotalDifficulty *uint256.Int
}

// BlockchainEvents exposes chain-head notifications.
type BlockchainEvents interface {
	SubscribeBlockAdded(fn func(BlockAddedEvent))
}

// PermissionsUpdateCallback signals that permissions may have changed.
// When restricted is true, affected lists the peers the change applies to;
// a nil slice means every peer must be re-checked.
type PermissionsUpdateCallback func(restricted bool, affected []*enode.EnodeURL)

// NodePermissioningAdapter evaluates connection actions against a
// permissioning provider. Symmetric actions are checked local-to-remote;
// accepting inbound traffic is checked remote-to-local. Outbound discovery
// is additionally gated on sync status, with bootnodes exempt so a syncing
// node can bootstrap. Each appended block triggers one update callback per
// subscriber.
type NodePermissioningAdapter struct {
	provider   PermissioningProvider
	syncStatus SyncStatusProvider // nil when sync gating is not configured
	bootnodes  mapset.Set[string]
	logger     *log.Logger

	mu          sync.Mutex
	subscribers []PermissionsUpdateCallback
}

// NewNodePermissioningAdapter builds the adapter. chain may be nil when no
// chain-driven permission updates are needed.
func NewNodePermissioningAdapter(
	provider PermissioningProvider,
	syncStatus SyncStatusProvider,
	bootnodes []*enode.EnodeURL,
	chain BlockchainEvents,
	logger *log.Logger,
) *NodePermissioningAdapter {
	if logger == nil {
		logger = log.Default().Module("permissioning")
	}
	set := mapset.NewSet[string]()
	for _, b := range bootnodes {
		set.Add(b.String())
	}
	a := &NodePermissioningAdapter{
		provider:   provider,
		syncStatus: syncStatus,
		bootnodes:  set,
		logger:     logger,
	}
	if chain != nil {
		chain.SubscribeBlockAdded(a.handleBlockAdded)
	}
	return a
}

// IsPermitted reports whether local may take action toward remote.
func (a *NodePermissioningAdapter) IsPermitted(local, remote *enode.EnodeURL, action PermissioningAction) bool {
	switch action {
	case DiscoveryAllowOutboundBonding, DiscoveryAllowOutboundNeighborsRequest:
		return a.outboundDiscoveryPermitted(local, remote)
	case DiscoveryAcceptInboundBonding, DiscoveryServeInboundNeighborsRequest, RlpxAllowNewInboundConnection:
		return a.provider.IsPermitted(remote, local)
	default:
		return a.provider.IsPermitted(local, remote)
	}
}

// outboundDiscoveryPermitted applies the sync gate before the provider
// check: until sync is reached only bootnodes may be bonded or queried.
func (a *NodePermissioningAdapter) outboundDiscoveryPermitted(local, remote *enode.EnodeURL) bool {
	if a.syncStatus != nil && !a.syncStatus.HasReachedSync() && !a.bootnodes.Contains(remote.String()) {
		return false
	}
	return a.provider.IsPermitted(local, remote)
}

// SubscribeUpdate registers cb for permission-change notifications.
func (a *NodePermissioningAdapter) SubscribeUpdate(cb PermissionsUpdateCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers = append(a.subscribers, cb)
}

// handleBlockAdded fans one update out to every subscriber. The scope of
// the change is unknown, so it is reported as unrestricted.
func (a *NodePermissioningAdapter) handleBlockAdded(ev BlockAddedEvent) {
	a.logger.Debug("permissions update on new block",
		"number", ev.Number, "td", ev.TotalDifficulty)
	a.mu.Lock()
	subs := make([]PermissionsUpdateCallback, len(a.subscribers))
	copy(subs, a.subscribers)
	a.mu.Unlock()
	for _, cb := range subs {
		cb(false, nil)
	}
}
