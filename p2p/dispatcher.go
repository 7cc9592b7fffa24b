package p2p

import (
	"sync"

	"github.com/basalt-chain/basalt/log"
)

// MessageCallback receives a capability-relative message from a peer.
type MessageCallback func(conn *PeerConnection, capability Capability, msg Message)

// ConnectCallback is invoked once a connection completes its handshakes.
type ConnectCallback func(conn *PeerConnection)

// DisconnectCallback is invoked exactly once when a connection terminates.
// peerInitiated reports whether the remote side caused the termination.
type DisconnectCallback func(conn *PeerConnection, reason DisconnectReason, peerInitiated bool)

// ConnectionEventDispatcher fans connection events out to subscribers.
// Message subscribers register per capability; connect and disconnect
// subscribers are global. Dispatch is synchronous and in registration
// order, and a panicking subscriber never disturbs the others or the
// calling connection.
type ConnectionEventDispatcher struct {
	mu             sync.RWMutex
	messageSubs    map[Capability][]MessageCallback
	connectSubs    []ConnectCallback
	disconnectSubs []DisconnectCallback

	logger *log.Logger
}

// NewConnectionEventDispatcher creates an empty dispatcher.
func NewConnectionEventDispatcher(logger *log.Logger) *ConnectionEventDispatcher {
	if logger == nil {
		logger = log.Default().Module("p2p")
	}
	return &ConnectionEventDispatcher{
		messageSubs: make(map[Capability][]MessageCallback),
		logger:      logger,
	}
}

// SubscribeMessage registers cb for messages of the given capability.
func (d *ConnectionEventDispatcher) SubscribeMessage(capability Capability, cb MessageCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messageSubs[capability] = append(d.messageSubs[capability], cb)
}

// SubscribeConnect registers cb for new connections.
func (d *ConnectionEventDispatcher) SubscribeConnect(cb ConnectCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectSubs = append(d.connectSubs, cb)
}

// SubscribeDisconnect registers cb for terminated connections.
func (d *ConnectionEventDispatcher) SubscribeDisconnect(cb DisconnectCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnectSubs = append(d.disconnectSubs, cb)
}

// HasMessageSubscribers reports whether any subscriber is registered for
// the capability.
func (d *ConnectionEventDispatcher) HasMessageSubscribers(capability Capability) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.messageSubs[capability]) > 0
}

// DispatchMessage delivers msg to every subscriber of its capability.
func (d *ConnectionEventDispatcher) DispatchMessage(conn *PeerConnection, capability Capability, msg Message) {
	d.mu.RLock()
	subs := d.messageSubs[capability]
	d.mu.RUnlock()
	for _, cb := range subs {
		d.invoke("message", func() { cb(conn, capability, msg) })
	}
}

// DispatchConnect delivers a new connection to every connect subscriber.
func (d *ConnectionEventDispatcher) DispatchConnect(conn *PeerConnection) {
	d.mu.RLock()
	subs := make([]ConnectCallback, len(d.connectSubs))
	copy(subs, d.connectSubs)
	d.mu.RUnlock()
	for _, cb := range subs {
		d.invoke("connect", func() { cb(conn) })
	}
}

// DispatchDisconnect delivers a termination to every disconnect subscriber.
func (d *ConnectionEventDispatcher) DispatchDisconnect(conn *PeerConnection, reason DisconnectReason, peerInitiated bool) {
	d.mu.RLock()
	subs := make([]DisconnectCallback, len(d.disconnectSubs))
	copy(subs, d.disconnectSubs)
	d.mu.RUnlock()
	for _, cb := range subs {
		d.invoke("disconnect", func() { cb(conn, reason, peerInitiated) })
	}
}

// invoke runs one subscriber, containing any panic.
func (d *ConnectionEventDispatcher) invoke(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("subscriber panicked", "event", event, "panic", r)
		}
	}()
	fn()
}
