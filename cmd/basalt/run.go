package main

import (
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/basalt-chain/basalt/log"
	"github.com/basalt-chain/basalt/p2p"
	"github.com/basalt-chain/basalt/p2p/enode"
)

// runFlags holds the flag values of the run command.
type runFlags struct {
	ip        string
	port      uint16
	maxPeers  int
	clientID  string
	nodeKey   string
	peers     []string
	pingEvery time.Duration
	verbosity string
}

func runCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the p2p transport node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(&f)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.ip, "ip", "0.0.0.0", "listening IP address")
	fs.Uint16Var(&f.port, "port", enode.DefaultListeningPort, "TCP listening port")
	fs.IntVar(&f.maxPeers, "maxpeers", 25, "maximum number of peers")
	fs.StringVar(&f.clientID, "client-id", "basalt/"+version, "client identifier announced to peers")
	fs.StringVar(&f.nodeKey, "nodekey", "", "file with the hex-encoded node private key (generated when empty)")
	fs.StringArrayVar(&f.peers, "peer", nil, "enode URL to keep connected (repeatable)")
	fs.DurationVar(&f.pingEvery, "ping-interval", 15*time.Second, "keepalive ping interval")
	fs.StringVar(&f.verbosity, "verbosity", "info", "log level: debug, info, warn, error")
	return cmd
}

func runNode(f *runFlags) error {
	level, err := parseLevel(f.verbosity)
	if err != nil {
		return err
	}
	log.SetDefault(log.New(level))
	logger := log.Default().Module("node")

	key, err := loadNodeKey(f.nodeKey)
	if err != nil {
		return err
	}

	ip := net.ParseIP(f.ip)
	if ip == nil {
		return fmt.Errorf("invalid listening IP %q", f.ip)
	}
	maintained := make([]*enode.EnodeURL, 0, len(f.peers))
	for _, raw := range f.peers {
		peer, err := enode.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid --peer %q: %w", raw, err)
		}
		maintained = append(maintained, peer)
	}

	// The node announces the basalt base capability so two basalt nodes
	// can hold a connection; sub-protocol handlers register on top.
	baseCap := p2p.Capability{Name: "bas", Version: 1}
	network, err := p2p.NewNetwork(p2p.Config{
		NodeKey:         key,
		ListenIP:        ip,
		ListenPort:      f.port,
		ClientID:        f.clientID,
		MaxPeers:        f.maxPeers,
		SubProtocols:    []p2p.SubProtocol{baseSubProtocol{}},
		Capabilities:    []p2p.Capability{baseCap},
		MaintainedPeers: maintained,
		PingInterval:    f.pingEvery,
	})
	if err != nil {
		return err
	}
	network.SubscribeMessage(baseCap, func(conn *p2p.PeerConnection, _ p2p.Capability, msg p2p.Message) {
		logger.Debug("base capability message",
			"peer", conn.Info().NodeID.String()[:8], "code", msg.Code, "size", msg.Size)
	})
	network.SubscribeConnect(func(conn *p2p.PeerConnection) {
		logger.Info("peer connected",
			"peer", conn.Info().NodeID.String()[:8], "client", conn.Info().ClientID)
	})
	network.SubscribeDisconnect(func(conn *p2p.PeerConnection, reason p2p.DisconnectReason, peerInitiated bool) {
		logger.Info("peer disconnected",
			"peer", conn.Info().NodeID.String()[:8], "reason", reason.String(), "remote", peerInitiated)
	})
	if err := network.Start(); err != nil {
		return err
	}
	logger.Info("node started",
		"enode", network.LocalEnode().String(),
		"client", f.clientID,
		"maxPeers", f.maxPeers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	network.Stop()
	return nil
}

// baseSubProtocol is the message space of the bas/1 capability.
type baseSubProtocol struct{}

func (baseSubProtocol) Name() string { return "bas" }

func (baseSubProtocol) MessageSpace(version uint) uint64 { return 8 }

// loadNodeKey reads a hex private key from path, or generates a fresh key
// when path is empty.
func loadNodeKey(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return crypto.GenerateKey()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read node key: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parse node key %s: %w", path, err)
	}
	return key, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
