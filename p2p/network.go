package p2p

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/basalt-chain/basalt/log"
	"github.com/basalt-chain/basalt/metrics"
	"github.com/basalt-chain/basalt/p2p/enode"
)

const (
	defaultMaxPeers       = 25
	dialTimeout           = 10 * time.Second
	handshakeTimeout      = 10 * time.Second
	maintainedPeersPeriod = 60 * time.Second
)

var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("p2p: network already started")

	// ErrNetworkStopped is returned for operations on a stopped network.
	ErrNetworkStopped = errors.New("p2p: network stopped")

	// ErrNotPermitted is returned when permissioning rejects a connection.
	ErrNotPermitted = errors.New("p2p: connection not permitted")

	// ErrSelfConnection is returned when a dial targets the local node.
	ErrSelfConnection = errors.New("p2p: refusing connection to self")
)

// DiscoverySource supplies candidate peers found by an external discovery
// mechanism. The network dials candidates while below its peer limit.
type DiscoverySource interface {
	Candidates() []*enode.EnodeURL
}

// Config configures a Network. Zero values get sensible defaults.
type Config struct {
	// NodeKey is the node's identity key. Generated when nil.
	NodeKey *ecdsa.PrivateKey

	// ListenIP and ListenPort form the TCP listening endpoint. The IP
	// defaults to 127.0.0.1 and the port to enode.DefaultListeningPort;
	// port 0 picks an ephemeral port.
	ListenIP   net.IP
	ListenPort uint16

	// ClientID is announced in the hello message.
	ClientID string

	// MaxPeers bounds concurrent connections; defaults to 25.
	MaxPeers int

	// SubProtocols registers the message spaces of supported protocols.
	SubProtocols []SubProtocol

	// Capabilities is the capability list announced to peers. Every entry
	// must have a message subscriber before Start.
	Capabilities []Capability

	// MaintainedPeers are dialed on start and redialed while disconnected.
	MaintainedPeers []*enode.EnodeURL

	// Discovery optionally supplies candidate peers to dial while the
	// network is below its peer limit.
	Discovery DiscoverySource

	// Permissions gates dials, accepts and ongoing connections when set.
	Permissions *NodePermissioningAdapter

	// PingInterval overrides the connection keepalive period.
	PingInterval time.Duration

	Logger  *log.Logger
	Metrics *metrics.Registry
}

// Network runs the peer-to-peer transport: it listens for inbound
// connections, dials outbound ones, performs both handshakes, enforces
// permissioning and identity rules, and hands completed connections to
// the event dispatcher.
type Network struct {
	cfg        Config
	logger     *log.Logger
	nodeKey    *ecdsa.PrivateKey
	localID    enode.NodeID
	dispatcher *ConnectionEventDispatcher

	maintained mapset.Set[string]

	mu         sync.Mutex
	started    bool
	stopped    bool
	listener   net.Listener
	localEnode *enode.EnodeURL
	peers      map[enode.NodeID]*PeerConnection

	done chan struct{}
	wg   sync.WaitGroup

	handshakeFailures *metrics.Counter
	dialFailures      *metrics.Counter
}

// NewNetwork creates a Network from cfg. The network is inert until Start.
func NewNetwork(cfg Config) (*Network, error) {
	if cfg.NodeKey == nil {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("p2p: generate node key: %w", err)
		}
		cfg.NodeKey = key
	}
	if cfg.ListenIP == nil {
		cfg.ListenIP = net.IPv4(127, 0, 0, 1)
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().Module("p2p")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultRegistry
	}

	n := &Network{
		cfg:               cfg,
		logger:            cfg.Logger,
		nodeKey:           cfg.NodeKey,
		localID:           NodeIDFromPubKey(&cfg.NodeKey.PublicKey),
		dispatcher:        NewConnectionEventDispatcher(cfg.Logger),
		maintained:        mapset.NewSet[string](),
		peers:             make(map[enode.NodeID]*PeerConnection),
		done:              make(chan struct{}),
		handshakeFailures: cfg.Metrics.Counter("p2p_handshake_failures_total"),
		dialFailures:      cfg.Metrics.Counter("p2p_dial_failures_total"),
	}
	for _, p := range cfg.MaintainedPeers {
		n.maintained.Add(p.String())
	}
	n.dispatcher.SubscribeDisconnect(func(conn *PeerConnection, _ DisconnectReason, _ bool) {
		n.unregister(conn)
	})
	if cfg.Permissions != nil {
		cfg.Permissions.SubscribeUpdate(n.handlePermissionsUpdate)
	}
	return n, nil
}

// SubscribeMessage registers a message callback for a capability.
// Registration must happen before Start.
func (n *Network) SubscribeMessage(capability Capability, cb MessageCallback) {
	n.dispatcher.SubscribeMessage(capability, cb)
}

// SubscribeConnect registers a connect callback.
func (n *Network) SubscribeConnect(cb ConnectCallback) {
	n.dispatcher.SubscribeConnect(cb)
}

// SubscribeDisconnect registers a disconnect callback.
func (n *Network) SubscribeDisconnect(cb DisconnectCallback) {
	n.dispatcher.SubscribeDisconnect(cb)
}

// Start begins listening and dials the maintained peers. It fails fast if
// any announced capability has no message subscriber, since messages for
// it would be silently dropped.
func (n *Network) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return ErrAlreadyStarted
	}
	for _, c := range n.cfg.Capabilities {
		if !n.dispatcher.HasMessageSubscribers(c) {
			return fmt.Errorf("p2p: no subscriber registered for capability %s", c)
		}
	}

	addr := net.JoinHostPort(n.cfg.ListenIP.String(), fmt.Sprintf("%d", n.cfg.ListenPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("p2p: listen %s: %w", addr, err)
	}
	n.listener = listener
	port := uint16(listener.Addr().(*net.TCPAddr).Port)

	local, err := enode.NewBuilder().
		NodeID(n.localID).
		IP(n.cfg.ListenIP).
		ListeningPort(port).
		DisableDiscovery().
		Build()
	if err != nil {
		listener.Close()
		return err
	}
	n.localEnode = local
	n.started = true

	n.wg.Add(2)
	go n.acceptLoop()
	go n.maintainedLoop()

	n.logger.Info("network started", "enode", local.String(), "maxPeers", n.cfg.MaxPeers)
	return nil
}

// Stop closes the listener and terminates every connection. Idempotent.
func (n *Network) Stop() {
	n.mu.Lock()
	if !n.started || n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	close(n.done)
	listener := n.listener
	peers := make([]*PeerConnection, 0, len(n.peers))
	for _, c := range n.peers {
		peers = append(peers, c)
	}
	n.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, c := range peers {
		c.TerminateConnection(DiscClientQuitting, false)
	}
	n.wg.Wait()
	n.logger.Info("network stopped")
}

// LocalEnode returns the local node's enode URL. Nil before Start.
func (n *Network) LocalEnode() *enode.EnodeURL {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.localEnode
}

// PeerCount returns the number of live connections.
func (n *Network) PeerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

// Peers returns a snapshot of the live connections.
func (n *Network) Peers() []*PeerConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*PeerConnection, 0, len(n.peers))
	for _, c := range n.peers {
		out = append(out, c)
	}
	return out
}

// AddMaintainedPeer marks peer as always-connect and dials it immediately.
// Maintained peers remain subject to permissioning.
func (n *Network) AddMaintainedPeer(peer *enode.EnodeURL) error {
	n.maintained.Add(peer.String())
	_, err := n.Connect(peer)
	return err
}

// RemoveMaintainedPeer drops peer from the always-connect set. An existing
// connection is left alone.
func (n *Network) RemoveMaintainedPeer(peer *enode.EnodeURL) {
	n.maintained.Remove(peer.String())
}

// Connect dials peer and runs both handshakes. If a connection to the
// same node already exists it is returned unchanged.
func (n *Network) Connect(peer *enode.EnodeURL) (*PeerConnection, error) {
	n.mu.Lock()
	if !n.started || n.stopped {
		n.mu.Unlock()
		return nil, ErrNetworkStopped
	}
	local := n.localEnode
	if existing, ok := n.peers[peer.ID()]; ok {
		n.mu.Unlock()
		return existing, nil
	}
	n.mu.Unlock()

	if peer.ID() == n.localID {
		return nil, ErrSelfConnection
	}
	if n.cfg.Permissions != nil && !n.cfg.Permissions.IsPermitted(local, peer, RlpxAllowNewOutboundConnection) {
		return nil, fmt.Errorf("%w: %s", ErrNotPermitted, peer)
	}

	remotePub, err := PubKeyFromNodeID(peer.ID())
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("tcp", peer.TCPAddr(), dialTimeout)
	if err != nil {
		n.dialFailures.Inc()
		return nil, fmt.Errorf("p2p: dial %s: %w", peer.TCPAddr(), err)
	}

	codec, remoteID, err := n.runInitiatorHandshake(conn, remotePub)
	if err != nil {
		n.handshakeFailures.Inc()
		conn.Close()
		return nil, err
	}
	if remoteID != peer.ID() {
		codec.WriteMsg(EncodeDisconnect(DiscUnexpectedIdentity))
		codec.Close()
		return nil, fmt.Errorf("p2p: dialed %s but peer identified as %s", peer.ID(), remoteID)
	}
	return n.completeConnection(codec, conn, remoteID, false)
}

// acceptLoop serves inbound connections until the listener closes.
// Transient accept errors (fd exhaustion, aborted connections) must not
// kill the loop, so it pauses briefly and keeps accepting.
func (n *Network) acceptLoop() {
	defer n.wg.Done()
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.done:
				return
			default:
			}
			n.logger.Warn("accept failed", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handleInbound(conn)
		}()
	}
}

// handleInbound runs the recipient side of both handshakes and applies
// the inbound admission rules.
func (n *Network) handleInbound(conn net.Conn) {
	codec, remoteID, err := n.runRecipientHandshake(conn)
	if err != nil {
		n.handshakeFailures.Inc()
		n.logger.Debug("inbound handshake failed", "remote", conn.RemoteAddr().String(), "err", err)
		conn.Close()
		return
	}
	if _, err := n.completeConnection(codec, conn, remoteID, true); err != nil {
		n.logger.Debug("inbound connection rejected", "remote", conn.RemoteAddr().String(), "err", err)
	}
}

// runInitiatorHandshake performs the encrypted channel handshake as the
// dialer and returns the frame codec and the authenticated remote id.
func (n *Network) runInitiatorHandshake(conn net.Conn, remotePub *ecdsa.PublicKey) (*FrameCodec, enode.NodeID, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	hs, err := NewHandshaker(n.nodeKey)
	if err != nil {
		return nil, enode.NodeID{}, err
	}
	auth, err := hs.PrepareInitiator(remotePub)
	if err != nil {
		return nil, enode.NodeID{}, err
	}
	if err := writeSized(conn, auth); err != nil {
		return nil, enode.NodeID{}, fmt.Errorf("p2p: write auth: %w", err)
	}
	ack, err := readSized(conn)
	if err != nil {
		return nil, enode.NodeID{}, fmt.Errorf("p2p: read ack: %w", err)
	}
	if _, err := hs.HandleMessage(ack); err != nil {
		return nil, enode.NodeID{}, err
	}
	return n.buildCodec(conn, hs)
}

// runRecipientHandshake performs the encrypted channel handshake as the
// listener side.
func (n *Network) runRecipientHandshake(conn net.Conn) (*FrameCodec, enode.NodeID, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	hs, err := NewHandshaker(n.nodeKey)
	if err != nil {
		return nil, enode.NodeID{}, err
	}
	if err := hs.PrepareRecipient(); err != nil {
		return nil, enode.NodeID{}, err
	}
	auth, err := readSized(conn)
	if err != nil {
		return nil, enode.NodeID{}, fmt.Errorf("p2p: read auth: %w", err)
	}
	ack, err := hs.HandleMessage(auth)
	if err != nil {
		return nil, enode.NodeID{}, err
	}
	if err := writeSized(conn, ack); err != nil {
		return nil, enode.NodeID{}, fmt.Errorf("p2p: write ack: %w", err)
	}
	return n.buildCodec(conn, hs)
}

func (n *Network) buildCodec(conn net.Conn, hs *Handshaker) (*FrameCodec, enode.NodeID, error) {
	secrets, err := hs.Secrets()
	if err != nil {
		return nil, enode.NodeID{}, err
	}
	codec, err := NewFrameCodec(conn, secrets)
	if err != nil {
		return nil, enode.NodeID{}, err
	}
	return codec, NodeIDFromPubKey(secrets.RemotePublicKey), nil
}

// completeConnection exchanges hellos and applies the admission rules:
// self, version, capability, permission, peer-limit and duplicate checks,
// each with its wire-visible disconnect reason.
func (n *Network) completeConnection(codec *FrameCodec, conn net.Conn, remoteID enode.NodeID, inbound bool) (*PeerConnection, error) {
	reject := func(reason DisconnectReason, err error) (*PeerConnection, error) {
		codec.WriteMsg(EncodeDisconnect(reason))
		codec.Close()
		return nil, err
	}

	if remoteID == n.localID {
		return reject(DiscIdentityIsSelf, ErrSelfConnection)
	}
	if remoteID.IsZero() {
		return reject(DiscNullNodeIdentity, errors.New("p2p: peer has zero node id"))
	}

	localHello := &HelloPacket{
		Version:    baseProtocolVersion,
		ClientID:   n.cfg.ClientID,
		Caps:       n.cfg.Capabilities,
		ListenPort: uint64(n.localEnode.ListeningPortOrZero()),
		NodeID:     n.localID,
	}
	remoteHello, err := exchangeHello(codec, localHello)
	if err != nil {
		codec.Close()
		return nil, err
	}
	if remoteHello.NodeID != remoteID {
		return reject(DiscUnexpectedIdentity,
			fmt.Errorf("p2p: hello node id %s does not match authenticated id %s", remoteHello.NodeID, remoteID))
	}
	if remoteHello.Version < baseProtocolVersion {
		return reject(DiscIncompatibleVersion,
			fmt.Errorf("p2p: remote base protocol version %d below %d", remoteHello.Version, baseProtocolVersion))
	}

	mux := NewCapabilityMultiplexer(n.cfg.SubProtocols, n.cfg.Capabilities, remoteHello.Caps)
	if len(mux.AgreedCapabilities()) == 0 {
		return reject(DiscUselessPeer, errors.New("p2p: no shared capabilities"))
	}
	codec.EnableSnappy(true)

	remoteEnode, err := enodeForConnection(conn, remoteID, remoteHello)
	if err != nil {
		return reject(DiscBreachOfProtocol, err)
	}
	if inbound && n.cfg.Permissions != nil &&
		!n.cfg.Permissions.IsPermitted(n.localEnode, remoteEnode, RlpxAllowNewInboundConnection) {
		return reject(DiscSubprotocolReason, fmt.Errorf("%w: %s", ErrNotPermitted, remoteEnode))
	}

	peerConn := NewPeerConnection(PeerConnectionConfig{
		Transport:   codec,
		Multiplexer: mux,
		Dispatcher:  n.dispatcher,
		PeerInfo: &PeerInfo{
			Version:    remoteHello.Version,
			ClientID:   remoteHello.ClientID,
			Caps:       remoteHello.Caps,
			ListenPort: remoteHello.ListenPort,
			NodeID:     remoteID,
		},
		RemoteEnode:  remoteEnode,
		Inbound:      inbound,
		PingInterval: n.cfg.PingInterval,
		Logger:       n.logger,
		Metrics:      n.cfg.Metrics,
	})

	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return reject(DiscClientQuitting, ErrNetworkStopped)
	}
	if existing, ok := n.peers[remoteID]; ok {
		n.mu.Unlock()
		reject(DiscAlreadyConnected, nil)
		return existing, nil
	}
	if len(n.peers) >= n.cfg.MaxPeers {
		n.mu.Unlock()
		return reject(DiscTooManyPeers, errors.New("p2p: peer limit reached"))
	}
	n.peers[remoteID] = peerConn
	n.mu.Unlock()

	peerConn.Start()
	n.logger.Info("peer connected",
		"peer", remoteID.String()[:8], "client", remoteHello.ClientID, "inbound", inbound)
	return peerConn, nil
}

// unregister drops a terminated connection from the registry.
func (n *Network) unregister(conn *PeerConnection) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := conn.Info().NodeID
	if n.peers[id] == conn {
		delete(n.peers, id)
	}
}

// handlePermissionsUpdate re-checks every live connection and drops those
// no longer permitted.
func (n *Network) handlePermissionsUpdate(restricted bool, affected []*enode.EnodeURL) {
	if n.cfg.Permissions == nil {
		return
	}
	local := n.LocalEnode()
	if local == nil {
		return
	}
	for _, c := range n.Peers() {
		if restricted && !containsEnode(affected, c.RemoteEnode()) {
			continue
		}
		if !n.cfg.Permissions.IsPermitted(local, c.RemoteEnode(), RlpxAllowOngoingConnection) {
			c.TerminateConnection(DiscSubprotocolReason, false)
		}
	}
}

// maintainedLoop keeps the always-connect peers dialed and tops the peer
// set up from the discovery source.
func (n *Network) maintainedLoop() {
	defer n.wg.Done()
	n.CheckMaintainedPeers()
	n.dialDiscoveredPeers()
	ticker := time.NewTicker(maintainedPeersPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.CheckMaintainedPeers()
			n.dialDiscoveredPeers()
		case <-n.done:
			return
		}
	}
}

// dialDiscoveredPeers dials discovery candidates until the peer limit is
// reached. Denied or failing candidates are skipped; discovery decides
// whether to offer them again.
func (n *Network) dialDiscoveredPeers() {
	if n.cfg.Discovery == nil {
		return
	}
	for _, peer := range n.cfg.Discovery.Candidates() {
		if n.PeerCount() >= n.cfg.MaxPeers {
			return
		}
		if peer.ID() == n.localID {
			continue
		}
		if _, err := n.Connect(peer); err != nil {
			n.logger.Debug("discovered peer dial failed", "enode", peer.String(), "err", err)
		}
	}
}

// CheckMaintainedPeers dials every maintained peer that is not currently
// connected. Failures are logged and retried on the next pass.
func (n *Network) CheckMaintainedPeers() {
	for _, raw := range n.maintained.ToSlice() {
		peer, err := enode.Parse(raw)
		if err != nil {
			n.logger.Warn("invalid maintained peer", "enode", raw, "err", err)
			n.maintained.Remove(raw)
			continue
		}
		n.mu.Lock()
		_, connected := n.peers[peer.ID()]
		n.mu.Unlock()
		if connected {
			continue
		}
		if _, err := n.Connect(peer); err != nil {
			n.logger.Debug("maintained peer dial failed", "enode", raw, "err", err)
		}
	}
}

// exchangeHello sends the local hello and reads the remote one. Send and
// receive run concurrently so synchronous transports cannot deadlock.
func exchangeHello(t Transport, local *HelloPacket) (*HelloPacket, error) {
	msg, err := EncodeHello(local)
	if err != nil {
		return nil, err
	}
	sendCh := make(chan error, 1)
	go func() { sendCh <- t.WriteMsg(msg) }()

	in, err := t.ReadMsg()
	if err != nil {
		return nil, fmt.Errorf("p2p: read hello: %w", err)
	}
	if in.Code == DisconnectMsg {
		return nil, fmt.Errorf("p2p: remote disconnected before hello: %s", DecodeDisconnect(in))
	}
	if in.Code != HelloMsg {
		return nil, fmt.Errorf("p2p: expected hello, got 0x%02x", in.Code)
	}
	remote, err := DecodeHello(in)
	if err != nil {
		return nil, err
	}
	if err := <-sendCh; err != nil {
		return nil, fmt.Errorf("p2p: write hello: %w", err)
	}
	return remote, nil
}

// enodeForConnection builds the remote peer's enode from the connection
// address and its announced listening port.
func enodeForConnection(conn net.Conn, id enode.NodeID, hello *HelloPacket) (*enode.EnodeURL, error) {
	if hello.ListenPort > 65535 {
		return nil, fmt.Errorf("p2p: announced listening port %d out of range", hello.ListenPort)
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil, fmt.Errorf("p2p: remote address: %w", err)
	}
	return enode.NewBuilder().
		NodeID(id).
		IPAddress(host).
		ListeningPort(uint16(hello.ListenPort)).
		DisableDiscovery().
		Build()
}

func containsEnode(list []*enode.EnodeURL, target *enode.EnodeURL) bool {
	for _, e := range list {
		if enode.SameListeningEndpoint(e, target) {
			return true
		}
	}
	return false
}

// writeSized writes a 2-byte big-endian length prefix followed by data.
// Handshake messages travel this way before the frame codec exists.
func writeSized(w io.Writer, data []byte) error {
	if len(data) > 65535 {
		return errors.New("p2p: handshake message too large")
	}
	prefix := []byte{byte(len(data) >> 8), byte(len(data))}
	if _, err := w.Write(prefix); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readSized reads one length-prefixed handshake message.
func readSized(r io.Reader) ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := int(prefix[0])<<8 | int(prefix[1])
	if size == 0 {
		return nil, errors.New("p2p: zero-length handshake message")
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
