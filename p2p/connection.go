package p2p

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/basalt-chain/basalt/log"
	"github.com/basalt-chain/basalt/metrics"
	"github.com/basalt-chain/basalt/p2p/enode"
)

// defaultPingInterval is the keepalive ping period. A ping still
// unanswered at the next tick terminates the connection.
const defaultPingInterval = 15 * time.Second

// ErrPeerNotConnected is returned by Send once the connection has been
// terminated.
var ErrPeerNotConnected = errors.New("p2p: peer not connected")

// PeerInfo is the identity a peer announced in its hello message.
type PeerInfo struct {
	Version    uint64
	ClientID   string
	Caps       []Capability
	ListenPort uint64
	NodeID     enode.NodeID
}

// PeerConnectionConfig assembles the collaborators of one connection.
type PeerConnectionConfig struct {
	Transport    Transport
	Multiplexer  *CapabilityMultiplexer
	Dispatcher   *ConnectionEventDispatcher
	PeerInfo     *PeerInfo
	RemoteEnode  *enode.EnodeURL
	Inbound      bool // true when the remote side dialed us
	PingInterval time.Duration
	Logger       *log.Logger
	Metrics      *metrics.Registry
}

// PeerConnection is one live connection to a remote peer after both
// handshakes completed. It owns the read and keepalive loops and
// guarantees exactly one disconnect dispatch no matter how many paths
// race to terminate it.
type PeerConnection struct {
	transport   Transport
	mux         *CapabilityMultiplexer
	dispatcher  *ConnectionEventDispatcher
	info        *PeerInfo
	remoteEnode *enode.EnodeURL
	inbound     bool

	pingInterval time.Duration
	logger       *log.Logger

	disconnected   atomic.Bool
	waitingForPong atomic.Bool
	lastActivity   atomic.Int64 // unix nanoseconds
	done           chan struct{}

	peersGauge        *metrics.Gauge
	disconnectCounter *metrics.Counter
}

// NewPeerConnection wires a connection together. Call Start to dispatch
// the connect event and begin the read and keepalive loops.
func NewPeerConnection(cfg PeerConnectionConfig) *PeerConnection {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().Module("p2p")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultRegistry
	}
	c := &PeerConnection{
		transport:         cfg.Transport,
		mux:               cfg.Multiplexer,
		dispatcher:        cfg.Dispatcher,
		info:              cfg.PeerInfo,
		remoteEnode:       cfg.RemoteEnode,
		inbound:           cfg.Inbound,
		pingInterval:      cfg.PingInterval,
		logger:            cfg.Logger.With("peer", cfg.PeerInfo.NodeID.String()[:8]),
		done:              make(chan struct{}),
		peersGauge:        cfg.Metrics.Gauge("p2p_peers_current"),
		disconnectCounter: cfg.Metrics.Counter("p2p_disconnects_total"),
	}
	c.touch()
	return c
}

// Start dispatches the connect event and launches the read and keepalive
// loops.
func (c *PeerConnection) Start() {
	c.peersGauge.Inc()
	c.dispatcher.DispatchConnect(c)
	go c.readLoop()
	go c.keepaliveLoop()
}

// Info returns the peer's announced identity.
func (c *PeerConnection) Info() *PeerInfo { return c.info }

// RemoteEnode returns the peer's enode URL.
func (c *PeerConnection) RemoteEnode() *enode.EnodeURL { return c.remoteEnode }

// Inbound reports whether the remote peer initiated the connection.
func (c *PeerConnection) Inbound() bool { return c.inbound }

// IsDisconnected reports whether the connection has been terminated.
func (c *PeerConnection) IsDisconnected() bool { return c.disconnected.Load() }

// LastActivity returns the time of the last inbound message.
func (c *PeerConnection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// AgreedCapabilities returns the capabilities negotiated for this
// connection.
func (c *PeerConnection) AgreedCapabilities() []Capability {
	return c.mux.AgreedCapabilities()
}

// Send writes a message to the peer. With a non-nil capability the code is
// treated as capability-relative and multiplexed onto the wire; a nil
// capability sends a base wire protocol message unchanged.
func (c *PeerConnection) Send(capability *Capability, msg Message) error {
	if c.disconnected.Load() {
		return ErrPeerNotConnected
	}
	wire := msg
	if capability != nil {
		var err error
		wire, err = c.mux.Multiplex(*capability, msg)
		if err != nil {
			return err
		}
	}
	if err := c.transport.WriteMsg(wire); err != nil {
		if c.disconnected.Load() {
			return ErrPeerNotConnected
		}
		return fmt.Errorf("p2p: send: %w", err)
	}
	return nil
}

// Disconnect terminates the connection from the local side with reason.
func (c *PeerConnection) Disconnect(reason DisconnectReason) {
	c.TerminateConnection(reason, false)
}

// TerminateConnection tears the connection down. It is idempotent under
// concurrency: resources are released and the disconnect event dispatched
// exactly once, with the reason and locus of the first caller. When the
// termination is locally initiated a disconnect frame is sent best-effort
// before the transport closes.
func (c *PeerConnection) TerminateConnection(reason DisconnectReason, peerInitiated bool) {
	if !c.disconnected.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	if !peerInitiated {
		// Best effort: the peer may already be gone.
		_ = c.transport.WriteMsg(EncodeDisconnect(reason))
	}
	_ = c.transport.Close()

	c.peersGauge.Dec()
	c.disconnectCounter.Inc()
	c.logger.Debug("peer disconnected", "reason", reason.String(), "peerInitiated", peerInitiated)
	c.dispatcher.DispatchDisconnect(c, reason, peerInitiated)
}

// readLoop pulls messages off the transport, routes capability messages to
// the dispatcher and handles base wire messages inline. A transport fault
// terminates the connection as a TCP subsystem error.
func (c *PeerConnection) readLoop() {
	for {
		msg, err := c.transport.ReadMsg()
		if err != nil {
			if !c.disconnected.Load() {
				c.logger.Debug("transport fault", "err", err)
				c.TerminateConnection(DiscTCPSubsystemError, false)
			}
			return
		}
		c.touch()

		demuxed, err := c.mux.Demultiplex(msg)
		if err != nil {
			c.logger.Debug("unroutable message", "code", msg.Code, "err", err)
			c.TerminateConnection(DiscBreachOfProtocol, false)
			return
		}
		if demuxed.Capability == nil {
			if done := c.handleWireMessage(demuxed.Message); done {
				return
			}
			continue
		}
		c.dispatcher.DispatchMessage(c, *demuxed.Capability, demuxed.Message)
	}
}

// handleWireMessage services base wire protocol messages. Returns true
// when the connection is finished.
func (c *PeerConnection) handleWireMessage(msg Message) bool {
	switch msg.Code {
	case PingMsg:
		_ = c.Send(nil, Message{Code: PongMsg})
	case PongMsg:
		c.waitingForPong.Store(false)
	case DisconnectMsg:
		c.TerminateConnection(DecodeDisconnect(msg), true)
		return true
	case HelloMsg:
		// The capability handshake already happened.
		c.TerminateConnection(DiscBreachOfProtocol, false)
		return true
	default:
		c.logger.Debug("ignoring reserved wire message", "code", msg.Code)
	}
	return false
}

// keepaliveLoop pings the peer every interval and terminates the
// connection when a ping is still unanswered at the next tick.
func (c *PeerConnection) keepaliveLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.waitingForPong.Load() {
				c.TerminateConnection(DiscTimeout, false)
				return
			}
			if err := c.Send(nil, Message{Code: PingMsg}); err == nil {
				c.waitingForPong.Store(true)
			}
		case <-c.done:
			return
		}
	}
}

func (c *PeerConnection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}
