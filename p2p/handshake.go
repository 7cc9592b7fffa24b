package p2p

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"

	"github.com/basalt-chain/basalt/p2p/enode"
)

// Handshake wire layout. Both messages travel ECIES-encrypted to the
// receiver's static key; plaintext fields sit at fixed offsets.
//
//	auth: [65 signature][64 initiator static pubkey][32 nonce][1 version]
//	ack:  [64 responder ephemeral pubkey][32 nonce][1 version]
const (
	hsSigSize   = 65
	hsPubSize   = 64
	hsNonceSize = 32
	hsVersion   = 4

	authPlainSize = hsSigSize + hsPubSize + hsNonceSize + 1
	ackPlainSize  = hsPubSize + hsNonceSize + 1

	// sskLen is half of a full shared key; GenerateShared returns
	// sskLen+sskLen = 32 bytes.
	sskLen = 16
)

var (
	// ErrHandshakeState is returned when a handshake operation is invoked
	// in a status that does not allow it.
	ErrHandshakeState = errors.New("p2p: handshake in unexpected state")

	// ErrHandshakeFailed wraps any fatal handshake fault. The handshaker is
	// unusable afterwards.
	ErrHandshakeFailed = errors.New("p2p: handshake failed")

	// ErrSecretsUnavailable is returned when secrets are requested before
	// success or after they have been handed off.
	ErrSecretsUnavailable = errors.New("p2p: handshake secrets not available")
)

// HandshakeStatus tracks handshake progress.
type HandshakeStatus uint32

const (
	HandshakeNotStarted HandshakeStatus = iota
	HandshakeInProgress
	HandshakeSuccess
	HandshakeFailed
)

// String returns the status name.
func (s HandshakeStatus) String() string {
	switch s {
	case HandshakeNotStarted:
		return "not started"
	case HandshakeInProgress:
		return "in progress"
	case HandshakeSuccess:
		return "success"
	case HandshakeFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// Secrets holds the per-direction frame keys derived from a completed
// handshake. Egress and ingress are from the holder's perspective; the two
// peers hold mirrored copies.
type Secrets struct {
	RemotePublicKey *ecdsa.PublicKey
	EgressAES       []byte // 32-byte AES-256-CTR key, local -> remote
	EgressMAC       []byte // 32-byte HMAC-keccak256 key, local -> remote
	IngressAES      []byte // 32-byte AES-256-CTR key, remote -> local
	IngressMAC      []byte // 32-byte HMAC-keccak256 key, remote -> local
}

// Handshaker drives the encrypted channel handshake for one connection,
// as initiator or recipient. The zero status is NotStarted; one Prepare
// call arms a role, then HandleMessage consumes the peer's message and
// returns at most one reply. A fatal fault moves the status to Failed
// permanently.
type Handshaker struct {
	mu     sync.Mutex
	status HandshakeStatus

	initiator    bool
	nodeKey      *ecies.PrivateKey
	ephemeralKey *ecies.PrivateKey
	remotePub    *ecies.PublicKey // remote static key
	remoteEphPub *ecies.PublicKey
	initNonce    []byte
	respNonce    []byte

	secrets *Secrets
}

// NewHandshaker creates a handshaker bound to the local node identity key.
func NewHandshaker(nodeKey *ecdsa.PrivateKey) (*Handshaker, error) {
	if nodeKey == nil {
		return nil, errors.New("p2p: nil node key")
	}
	return &Handshaker{nodeKey: ecies.ImportECDSA(nodeKey)}, nil
}

// Status returns the current handshake status.
func (h *Handshaker) Status() HandshakeStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// PrepareInitiator arms the initiator role and returns the encrypted auth
// message to send. remotePub is the dialed node's static public key.
func (h *Handshaker) PrepareInitiator(remotePub *ecdsa.PublicKey) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != HandshakeNotStarted {
		return nil, fmt.Errorf("%w: %s", ErrHandshakeState, h.status)
	}
	if remotePub == nil {
		return nil, errors.New("p2p: nil remote public key")
	}
	h.initiator = true
	h.remotePub = ecies.ImportECDSAPublic(remotePub)

	auth, err := h.makeAuthMsg()
	if err != nil {
		h.status = HandshakeFailed
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	h.status = HandshakeInProgress
	return auth, nil
}

// PrepareRecipient arms the recipient role. The next HandleMessage call
// consumes the initiator's auth message.
func (h *Handshaker) PrepareRecipient() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != HandshakeNotStarted {
		return fmt.Errorf("%w: %s", ErrHandshakeState, h.status)
	}
	h.initiator = false
	h.status = HandshakeInProgress
	return nil
}

// HandleMessage consumes one handshake message from the peer and returns
// the reply to send, if any. For the recipient that reply is the ack; the
// initiator consumes the ack and replies with nothing. On success the
// status moves to Success and the frame secrets become available. Any
// error is fatal and moves the status to Failed.
func (h *Handshaker) HandleMessage(data []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != HandshakeInProgress {
		return nil, fmt.Errorf("%w: %s", ErrHandshakeState, h.status)
	}

	var (
		reply []byte
		err   error
	)
	if h.initiator {
		err = h.handleAckMsg(data)
	} else {
		reply, err = h.handleAuthMsg(data)
	}
	if err != nil {
		h.status = HandshakeFailed
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	if err := h.deriveSecrets(); err != nil {
		h.status = HandshakeFailed
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	h.status = HandshakeSuccess
	return reply, nil
}

// Secrets hands off the derived frame keys. The handshaker drops its own
// reference, so the keys can be obtained exactly once.
func (h *Handshaker) Secrets() (*Secrets, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != HandshakeSuccess || h.secrets == nil {
		return nil, ErrSecretsUnavailable
	}
	s := h.secrets
	h.secrets = nil
	h.ephemeralKey = nil
	h.initNonce = nil
	h.respNonce = nil
	return s, nil
}

// RemotePublicKey returns the peer's static public key. For the recipient
// it is learned from the auth message and only set once the handshake
// succeeded.
func (h *Handshaker) RemotePublicKey() *ecdsa.PublicKey {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.remotePub == nil {
		return nil
	}
	return h.remotePub.ExportECDSA()
}

// makeAuthMsg builds and encrypts the initiator auth message.
func (h *Handshaker) makeAuthMsg() ([]byte, error) {
	h.initNonce = make([]byte, hsNonceSize)
	if _, err := rand.Read(h.initNonce); err != nil {
		return nil, err
	}
	var err error
	h.ephemeralKey, err = ecies.GenerateKey(rand.Reader, crypto.S256(), nil)
	if err != nil {
		return nil, err
	}

	// Sign static-shared-secret ^ nonce with the ephemeral key so the
	// responder can recover the ephemeral public key while confirming we
	// hold the static key.
	token, err := h.nodeKey.GenerateShared(h.remotePub, sskLen, sskLen)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(xorBytes(token, h.initNonce), h.ephemeralKey.ExportECDSA())
	if err != nil {
		return nil, err
	}

	plain := make([]byte, authPlainSize)
	copy(plain[:hsSigSize], sig)
	copy(plain[hsSigSize:hsSigSize+hsPubSize], crypto.FromECDSAPub(h.nodeKey.PublicKey.ExportECDSA())[1:])
	copy(plain[hsSigSize+hsPubSize:hsSigSize+hsPubSize+hsNonceSize], h.initNonce)
	plain[authPlainSize-1] = hsVersion

	return ecies.Encrypt(rand.Reader, h.remotePub, plain, nil, nil)
}

// handleAuthMsg processes the initiator's auth message on the recipient
// side and builds the encrypted ack reply.
func (h *Handshaker) handleAuthMsg(data []byte) ([]byte, error) {
	plain, err := h.nodeKey.Decrypt(data, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("auth decrypt: %v", err)
	}
	if len(plain) < authPlainSize {
		return nil, fmt.Errorf("auth message too short: %d", len(plain))
	}
	sig := plain[:hsSigSize]
	remoteStatic, err := importPubKey(plain[hsSigSize : hsSigSize+hsPubSize])
	if err != nil {
		return nil, fmt.Errorf("auth static key: %v", err)
	}
	h.remotePub = remoteStatic
	h.initNonce = append([]byte(nil), plain[hsSigSize+hsPubSize:hsSigSize+hsPubSize+hsNonceSize]...)
	if version := plain[authPlainSize-1]; version < hsVersion {
		return nil, fmt.Errorf("auth version %d below %d", version, hsVersion)
	}

	// Recover the initiator's ephemeral key from the signature.
	token, err := h.nodeKey.GenerateShared(h.remotePub, sskLen, sskLen)
	if err != nil {
		return nil, err
	}
	remoteEph, err := crypto.Ecrecover(xorBytes(token, h.initNonce), sig)
	if err != nil {
		return nil, fmt.Errorf("auth signature: %v", err)
	}
	h.remoteEphPub, err = importPubKey(remoteEph[1:])
	if err != nil {
		return nil, fmt.Errorf("auth ephemeral key: %v", err)
	}

	return h.makeAckMsg()
}

// makeAckMsg builds and encrypts the recipient ack message.
func (h *Handshaker) makeAckMsg() ([]byte, error) {
	h.respNonce = make([]byte, hsNonceSize)
	if _, err := rand.Read(h.respNonce); err != nil {
		return nil, err
	}
	var err error
	h.ephemeralKey, err = ecies.GenerateKey(rand.Reader, crypto.S256(), nil)
	if err != nil {
		return nil, err
	}

	plain := make([]byte, ackPlainSize)
	copy(plain[:hsPubSize], crypto.FromECDSAPub(h.ephemeralKey.PublicKey.ExportECDSA())[1:])
	copy(plain[hsPubSize:hsPubSize+hsNonceSize], h.respNonce)
	plain[ackPlainSize-1] = hsVersion

	return ecies.Encrypt(rand.Reader, h.remotePub, plain, nil, nil)
}

// handleAckMsg processes the recipient's ack message on the initiator side.
func (h *Handshaker) handleAckMsg(data []byte) error {
	plain, err := h.nodeKey.Decrypt(data, nil, nil)
	if err != nil {
		return fmt.Errorf("ack decrypt: %v", err)
	}
	if len(plain) < ackPlainSize {
		return fmt.Errorf("ack message too short: %d", len(plain))
	}
	h.remoteEphPub, err = importPubKey(plain[:hsPubSize])
	if err != nil {
		return fmt.Errorf("ack ephemeral key: %v", err)
	}
	h.respNonce = append([]byte(nil), plain[hsPubSize:hsPubSize+hsNonceSize]...)
	if version := plain[ackPlainSize-1]; version < hsVersion {
		return fmt.Errorf("ack version %d below %d", version, hsVersion)
	}
	return nil
}

// deriveSecrets computes the per-direction frame keys from the ephemeral
// key agreement and both nonces.
func (h *Handshaker) deriveSecrets() error {
	if h.remoteEphPub == nil {
		return errors.New("remote ephemeral key not set")
	}
	ecdheSecret, err := h.ephemeralKey.GenerateShared(h.remoteEphPub, sskLen, sskLen)
	if err != nil {
		return err
	}

	sharedSecret := crypto.Keccak256(ecdheSecret, crypto.Keccak256(h.respNonce, h.initNonce))
	aesSecret := crypto.Keccak256(ecdheSecret, sharedSecret)
	macSecret := crypto.Keccak256(ecdheSecret, aesSecret)

	// Direction keys: the initiator nonce salts initiator->recipient,
	// the responder nonce salts the reverse direction.
	outAES := crypto.Keccak256(aesSecret, h.initNonce)
	outMAC := crypto.Keccak256(macSecret, h.initNonce)
	inAES := crypto.Keccak256(aesSecret, h.respNonce)
	inMAC := crypto.Keccak256(macSecret, h.respNonce)
	if !h.initiator {
		outAES, inAES = inAES, outAES
		outMAC, inMAC = inMAC, outMAC
	}

	h.secrets = &Secrets{
		RemotePublicKey: h.remotePub.ExportECDSA(),
		EgressAES:       outAES,
		EgressMAC:       outMAC,
		IngressAES:      inAES,
		IngressMAC:      inMAC,
	}
	return nil
}

// NodeIDFromPubKey converts a secp256k1 public key into its 64-byte node
// identifier.
func NodeIDFromPubKey(pub *ecdsa.PublicKey) enode.NodeID {
	var id enode.NodeID
	copy(id[:], crypto.FromECDSAPub(pub)[1:])
	return id
}

// PubKeyFromNodeID recovers the secp256k1 public key encoded in a node
// identifier.
func PubKeyFromNodeID(id enode.NodeID) (*ecdsa.PublicKey, error) {
	raw := make([]byte, 1+enode.NodeIDBytes)
	raw[0] = 4 // uncompressed point prefix
	copy(raw[1:], id[:])
	pub, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("p2p: invalid node id: %w", err)
	}
	return pub, nil
}

// importPubKey parses a 64-byte uncompressed public key without prefix.
func importPubKey(data []byte) (*ecies.PublicKey, error) {
	if len(data) != hsPubSize {
		return nil, fmt.Errorf("public key length %d", len(data))
	}
	raw := make([]byte, 1+hsPubSize)
	raw[0] = 4
	copy(raw[1:], data)
	pub, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return nil, err
	}
	return ecies.ImportECDSAPublic(pub), nil
}

func xorBytes(one, other []byte) []byte {
	out := make([]byte, len(one))
	for i := range one {
		out[i] = one[i] ^ other[i]
	}
	return out
}
