package p2p

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"
	"golang.org/x/crypto/sha3"
)

const (
	frameHeaderSize = 16               // 3-byte big-endian body length plus reserved bytes
	frameMACSize    = 16               // truncated HMAC-keccak256 tag
	maxFrameSize    = MaxMessageSize   // cap on a single frame body
	maxDecompressed = 24 * 1024 * 1024 // snappy decompression guard
)

var (
	// ErrBadMAC is returned when a frame header or body MAC does not verify.
	ErrBadMAC = errors.New("p2p: frame MAC mismatch")

	// ErrFrameTooLarge is returned when a frame exceeds maxFrameSize.
	ErrFrameTooLarge = errors.New("p2p: frame too large")

	// ErrCodecClosed is returned on any use of a closed frame codec.
	ErrCodecClosed = errors.New("p2p: frame codec closed")

	// ErrDecompressTooLarge is returned when a compressed payload announces
	// an implausible decompressed size.
	ErrDecompressTooLarge = errors.New("p2p: decompressed payload too large")
)

// FrameCodec encrypts and authenticates messages on an established
// connection. Each frame is a 16-byte encrypted header carrying the body
// length, a header MAC, the encrypted body padded to the cipher block
// size, and a body MAC. The body is the RLP-encoded global message code
// followed by the payload. Directions use independent keys so the codec
// supports one concurrent reader and one concurrent writer.
type FrameCodec struct {
	conn io.ReadWriteCloser

	enc        cipher.Stream
	dec        cipher.Stream
	egressMAC  hash.Hash
	ingressMAC hash.Hash

	snappyEnabled bool

	rmu, wmu sync.Mutex
	mu       sync.Mutex
	closed   bool
}

// NewFrameCodec builds a codec around conn using the handshake secrets.
func NewFrameCodec(conn io.ReadWriteCloser, s *Secrets) (*FrameCodec, error) {
	if len(s.EgressAES) != 32 || len(s.IngressAES) != 32 {
		return nil, errors.New("p2p: frame AES keys must be 32 bytes")
	}
	if len(s.EgressMAC) != 32 || len(s.IngressMAC) != 32 {
		return nil, errors.New("p2p: frame MAC keys must be 32 bytes")
	}
	encBlock, err := aes.NewCipher(s.EgressAES)
	if err != nil {
		return nil, fmt.Errorf("p2p: egress cipher: %w", err)
	}
	decBlock, err := aes.NewCipher(s.IngressAES)
	if err != nil {
		return nil, fmt.Errorf("p2p: ingress cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	return &FrameCodec{
		conn:       conn,
		enc:        cipher.NewCTR(encBlock, iv),
		dec:        cipher.NewCTR(decBlock, iv),
		egressMAC:  hmac.New(sha3.NewLegacyKeccak256, s.EgressMAC),
		ingressMAC: hmac.New(sha3.NewLegacyKeccak256, s.IngressMAC),
	}, nil
}

// EnableSnappy toggles payload compression. Called after the hello
// exchange once both sides are known to support it. Not safe to call
// concurrently with ReadMsg or WriteMsg.
func (fc *FrameCodec) EnableSnappy(on bool) {
	fc.snappyEnabled = on
}

// WriteMsg encrypts, authenticates and writes one message frame.
func (fc *FrameCodec) WriteMsg(msg Message) error {
	if fc.isClosed() {
		return ErrCodecClosed
	}
	fc.wmu.Lock()
	defer fc.wmu.Unlock()

	payload := msg.Payload
	if fc.snappyEnabled {
		payload = snappy.Encode(nil, payload)
	}
	body := rlp.AppendUint64(nil, msg.Code)
	body = append(body, payload...)
	if len(body) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	var header [frameHeaderSize]byte
	putUint24(header[:3], uint32(len(body)))
	var encHeader [frameHeaderSize]byte
	fc.enc.XORKeyStream(encHeader[:], header[:])
	headerMAC := frameMAC(fc.egressMAC, encHeader[:])

	encBody := make([]byte, padTo16(len(body)))
	copy(encBody, body)
	fc.enc.XORKeyStream(encBody, encBody)
	bodyMAC := frameMAC(fc.egressMAC, encBody)

	var buf bytes.Buffer
	buf.Grow(frameHeaderSize + frameMACSize + len(encBody) + frameMACSize)
	buf.Write(encHeader[:])
	buf.Write(headerMAC)
	buf.Write(encBody)
	buf.Write(bodyMAC)
	if _, err := fc.conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("p2p: write frame: %w", err)
	}
	return nil
}

// ReadMsg reads, verifies and decrypts the next message frame.
func (fc *FrameCodec) ReadMsg() (Message, error) {
	if fc.isClosed() {
		return Message{}, ErrCodecClosed
	}
	fc.rmu.Lock()
	defer fc.rmu.Unlock()

	var encHeader [frameHeaderSize]byte
	if _, err := io.ReadFull(fc.conn, encHeader[:]); err != nil {
		return Message{}, err
	}
	var headerMAC [frameMACSize]byte
	if _, err := io.ReadFull(fc.conn, headerMAC[:]); err != nil {
		return Message{}, err
	}
	if !hmac.Equal(headerMAC[:], frameMAC(fc.ingressMAC, encHeader[:])) {
		return Message{}, ErrBadMAC
	}

	var header [frameHeaderSize]byte
	fc.dec.XORKeyStream(header[:], encHeader[:])
	bodySize := getUint24(header[:3])
	if bodySize > maxFrameSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, bodySize)
	}

	encBody := make([]byte, padTo16(int(bodySize)))
	if _, err := io.ReadFull(fc.conn, encBody); err != nil {
		return Message{}, err
	}
	var bodyMAC [frameMACSize]byte
	if _, err := io.ReadFull(fc.conn, bodyMAC[:]); err != nil {
		return Message{}, err
	}
	if !hmac.Equal(bodyMAC[:], frameMAC(fc.ingressMAC, encBody)) {
		return Message{}, ErrBadMAC
	}

	body := make([]byte, len(encBody))
	fc.dec.XORKeyStream(body, encBody)
	body = body[:bodySize]

	// The body starts with the RLP-encoded message code.
	content := bytes.NewReader(body)
	code, err := rlp.NewStream(content, uint64(len(body))).Uint64()
	if err != nil {
		return Message{}, fmt.Errorf("p2p: frame message code: %w", err)
	}
	payload := body[len(body)-content.Len():]

	if fc.snappyEnabled && len(payload) > 0 {
		size, err := snappy.DecodedLen(payload)
		if err != nil {
			return Message{}, fmt.Errorf("p2p: snappy header: %w", err)
		}
		if size > maxDecompressed {
			return Message{}, fmt.Errorf("%w: %d bytes", ErrDecompressTooLarge, size)
		}
		payload, err = snappy.Decode(nil, payload)
		if err != nil {
			return Message{}, fmt.Errorf("p2p: snappy payload: %w", err)
		}
	}
	return NewMessage(code, payload), nil
}

// Close shuts the codec and its underlying connection down.
func (fc *FrameCodec) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return nil
	}
	fc.closed = true
	return fc.conn.Close()
}

func (fc *FrameCodec) isClosed() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.closed
}

// frameMAC computes a truncated single-frame MAC.
func frameMAC(mac hash.Hash, data []byte) []byte {
	mac.Reset()
	mac.Write(data)
	return mac.Sum(nil)[:frameMACSize]
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// padTo16 rounds n up to the cipher block boundary.
func padTo16(n int) int {
	if rem := n % 16; rem != 0 {
		return n + 16 - rem
	}
	return n
}
