// Package handshake implements the Handshake Engine: dialing and
// accepting BitTorrent connections, negotiating the feature set from the
// reserved bytes, and exchanging the BEP 10 extended handshake.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/rain/v2/internal/bufferpool"
	"github.com/cenkalti/rain/v2/internal/logger"
	"github.com/cenkalti/rain/v2/internal/mse"
	"github.com/cenkalti/rain/v2/internal/peerprotocol"
	"github.com/cenkalti/rain/v2/internal/wire"
)

// Reserved-byte feature bits, exactly as laid out in BEP 4/10/6: byte 5
// bit 0x10 advertises extended-message support, byte 7 bit 0x01
// advertises a DHT node, byte 7 bit 0x04 advertises the fast extension.
const (
	extensionByteIndex  = 5
	extensionBitExtProt = 0x10

	dhtByteIndex  = 7
	dhtBitDHTPort = 0x01
	fastBitFast   = 0x04
)

// Features is the remote's supported-extensions mask, decoded from the
// reserved handshake bytes.
type Features struct {
	ExtendedProtocol bool
	DHT              bool
	Fast             bool
}

// decodeFeatures reads the reserved bytes using the exact bit layout
// above, not a flattened bit-index convention.
func decodeFeatures(reserved [8]byte) Features {
	return Features{
		ExtendedProtocol: reserved[extensionByteIndex]&extensionBitExtProt != 0,
		DHT:              reserved[dhtByteIndex]&dhtBitDHTPort != 0,
		Fast:             reserved[dhtByteIndex]&fastBitFast != 0,
	}
}

// EncodeFeatures sets the reserved bits for the features we support.
func EncodeFeatures(f Features) (reserved [8]byte) {
	if f.ExtendedProtocol {
		reserved[extensionByteIndex] |= extensionBitExtProt
	}
	if f.DHT {
		reserved[dhtByteIndex] |= dhtBitDHTPort
	}
	if f.Fast {
		reserved[dhtByteIndex] |= fastBitFast
	}
	return
}

var (
	// ErrOwnConnection is returned when the remote peer id equals our own:
	// we have connected (or been connected to) by ourselves and the
	// connection must be dropped without further protocol exchange.
	ErrOwnConnection = errors.New("handshake: dropped own connection")
	// ErrInfoHashNotFound is returned by Accept when the incoming info
	// hash does not resolve to any torrent we are serving.
	ErrInfoHashNotFound = errors.New("handshake: info hash does not match any known torrent")
	// ErrNotEncrypted is returned when encryption was required locally
	// but the peer did not offer it. This module only completes the
	// plaintext path (see internal/mse), so in practice this means the
	// caller asked for something this engine cannot do.
	ErrNotEncrypted = mse.ErrNotImplemented
)

// Result is everything learned during a completed handshake, ready to be
// handed to the Peer Lifecycle to construct a Peer.
type Result struct {
	Conn       net.Conn
	Framer     *wire.Framer
	PeerID     [20]byte
	InfoHash   [20]byte
	Features   Features
	Extensions peerprotocol.ExtensionHandshakeMessage // zero value if not negotiated
}

// Accept completes an inbound handshake on conn. getHasInfoHash reports
// whether the local side is serving a torrent with the given info hash;
// on a miss the connection is closed without a reply, matching a
// "bittorrent-protocol failure" rather than leaking which hashes we do
// serve.
func Accept(conn net.Conn, timeout time.Duration, ourID [20]byte, ourFeatures Features, blockPool *bufferpool.Pool, hasInfoHash func([20]byte) bool) (*Result, error) {
	log := logger.New("handshake <- " + conn.RemoteAddr().String())
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	f := wire.New(conn, blockPool, log)
	reserved, infoHash, err := f.ReadHandshakePrefix()
	if err != nil {
		if errors.Is(err, wire.ErrVersionProbe) {
			_, _ = conn.Write([]byte(wire.VersionReply))
			_ = conn.Close()
		}
		return nil, err
	}

	if !hasInfoHash(infoHash) {
		_ = conn.Close()
		return nil, ErrInfoHashNotFound
	}

	if err := f.WriteHandshake(infoHash, ourID, EncodeFeatures(ourFeatures)); err != nil {
		return nil, err
	}

	peerID, err := f.ReadPeerID()
	if err != nil {
		return nil, err
	}
	if peerID == ourID {
		return nil, ErrOwnConnection
	}

	log.Debugf("accepted handshake: features=%+v peer=%x", decodeFeatures(reserved), peerID[:8])
	return &Result{
		Conn:     conn,
		Framer:   f,
		PeerID:   peerID,
		InfoHash: infoHash,
		Features: decodeFeatures(reserved),
	}, nil
}

// Dial completes an outbound handshake to addr.
func Dial(ctx context.Context, addr net.Addr, dialTimeout, handshakeTimeout time.Duration, ourID, infoHash [20]byte, ourFeatures Features, blockPool *bufferpool.Pool) (*Result, error) {
	log := logger.New("handshake -> " + addr.String())

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, addr.Network(), addr.String())
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			conn.Close()
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, err
	}

	f := wire.New(conn, blockPool, log)
	if err := f.WriteHandshake(infoHash, ourID, EncodeFeatures(ourFeatures)); err != nil {
		return nil, err
	}

	reserved, gotIH, err := f.ReadHandshakePrefix()
	if err != nil {
		return nil, err
	}
	if gotIH != infoHash {
		return nil, fmt.Errorf("handshake: info hash mismatch")
	}

	peerID, err := f.ReadPeerID()
	if err != nil {
		return nil, err
	}
	if peerID == ourID {
		return nil, ErrOwnConnection
	}

	log.Debugf("dialed handshake: features=%+v peer=%x", decodeFeatures(reserved), peerID[:8])
	ok = true
	return &Result{
		Conn:     conn,
		Framer:   f,
		PeerID:   peerID,
		InfoHash: infoHash,
		Features: decodeFeatures(reserved),
	}, nil
}

// ExchangeExtendedHandshake sends our extended handshake and waits for
// the peer's, populating r.Extensions. Only called when both sides'
// Features.ExtendedProtocol is true.
func (r *Result) ExchangeExtendedHandshake(listenPort uint16, version string, uploadOnly bool, reqq int, readTimeout time.Duration) error {
	var yourIP net.IP
	if tcpAddr, ok := r.Conn.RemoteAddr().(*net.TCPAddr); ok {
		yourIP = tcpAddr.IP
	}
	ours := peerprotocol.NewExtensionHandshake(0, version, listenPort, yourIP, uploadOnly, reqq)
	if err := r.Framer.WriteMessage(peerprotocol.ExtensionMessage{
		ExtendedMessageID: peerprotocol.ExtensionIDHandshake,
		Payload:           ours,
	}); err != nil {
		return err
	}

	for {
		msg, err := r.Framer.ReadMessage(readTimeout, readTimeout)
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if ext, ok := msg.(peerprotocol.ExtensionHandshakeMessage); ok {
			r.Extensions = ext
			return nil
		}
		// Any other message arriving before the extended handshake is
		// unusual but not a protocol violation; keep waiting for it.
	}
}
