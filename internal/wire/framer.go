// Package wire implements the Framer: the byte-level state machine that
// turns a raw connection into handshake fields and post-handshake peer
// messages, one at a time, and that writes them back out the same way.
//
// The Framer never interprets a message beyond what is needed to frame
// it; turning a peerprotocol.Message into a state transition is the Wire
// State Machine's job, one layer up in internal/peer.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/rain/v2/internal/bandwidth"
	"github.com/cenkalti/rain/v2/internal/bufferpool"
	"github.com/cenkalti/rain/v2/internal/logger"
	"github.com/cenkalti/rain/v2/internal/peerprotocol"
)

// MaxPacketSize is the largest post-handshake message this Framer will
// accept. A peer that sends a larger length prefix is committing a
// protocol violation and the connection is dropped.
const MaxPacketSize = 1 << 20 // 1 MiB

// pstr is the fixed BitTorrent protocol name, length-prefixed per BEP 3.
var pstr = [20]byte{19, 'B', 'i', 't', 'T', 'o', 'r', 'r', 'e', 'n', 't', ' ', 'p', 'r', 'o', 't', 'o', 'c', 'o', 'l'}

// versionBanner is the literal text a curious client sends instead of a
// real protocol name, in place of "BitTorrent protocol", to probe what
// software is listening. We answer it once and then close.
var versionBanner = [7]byte{'v', 'e', 'r', 's', 'i', 'o', 'n'}

// ErrVersionProbe is returned by ReadHandshakePrefix when the peer sent
// the "version" banner probe instead of a real protocol name. The caller
// should write VersionReply and close the connection.
var ErrVersionProbe = errors.New("wire: peer sent version probe instead of handshake")

// ErrInvalidProtocol is returned when the protocol name does not match
// pstr and is not the version probe either.
var ErrInvalidProtocol = errors.New("wire: invalid protocol name in handshake")

// ErrProtocolViolation is returned for any post-handshake framing error:
// an oversized length prefix, an unknown message id, or a fixed-length
// message whose length does not match the table in the wire state
// machine.
var ErrProtocolViolation = errors.New("wire: protocol violation")

// VersionReply is written back verbatim when ErrVersionProbe is seen.
const VersionReply = "rain/2.0\n"

const (
	handshakeReadBufferSize = 4 + 1 + 12 // length + id + request payload, the common case
	keepAliveInterval       = 2 * time.Minute
	diskPressureRetryInterval = 50 * time.Millisecond
)

// ErrReadSuspended is returned by ReadMessage when the connection is
// closing while a read was suspended for disk back-pressure.
var ErrReadSuspended = errors.New("wire: read suspended by disk pressure, connection closing")

// Piece pairs a decoded piece message header with the block bytes that
// follow it on the wire, held in a pool-backed buffer so the caller can
// hand it straight to the block cache without copying.
type Piece struct {
	peerprotocol.PieceMessage
	Buffer bufferpool.Buffer
}

// Framer reads and writes the framing of one peer connection: the
// handshake fields, and post-handshake length-prefixed messages.
type Framer struct {
	conn      net.Conn
	r         *bufio.Reader
	blockPool *bufferpool.Pool
	log       logger.Logger
	phase     Phase

	bw           *bandwidth.Hierarchy
	diskPressure *bandwidth.DiskPressure
	peerKey      string
	cancelC      chan struct{}
}

// New returns a Framer wrapping conn. blockPool must be sized for
// exactly one block (config.BlockSize bytes); piece payloads are read
// into buffers drawn from it.
func New(conn net.Conn, blockPool *bufferpool.Pool, l logger.Logger) *Framer {
	return &Framer{
		conn:      conn,
		r:         bufio.NewReaderSize(conn, handshakeReadBufferSize),
		blockPool: blockPool,
		log:       l,
		phase:     PhaseProtocolLength,
	}
}

// Phase returns where in the byte stream the Framer currently is.
func (f *Framer) Phase() Phase { return f.phase }

// SetBandwidthGate attaches the Bandwidth Gate and disk-pressure flag
// this Framer's post-handshake reads and writes consult: every read and
// write from the socket requests a quota grant (spec.md §4.6), and a
// read suspends entirely while dp reports high disk-buffer pressure.
// The handshake itself is never gated — quota only applies once a peer
// is attached, after ExchangeExtendedHandshake has already run.
func (f *Framer) SetBandwidthGate(bw *bandwidth.Hierarchy, dp *bandwidth.DiskPressure, peerKey string, cancelC chan struct{}) {
	f.bw = bw
	f.diskPressure = dp
	f.peerKey = peerKey
	f.cancelC = cancelC
}

func (f *Framer) acquire(n int) {
	if f.bw == nil || n <= 0 {
		return
	}
	f.bw.Acquire(f.peerKey, int64(n), f.cancelC)
}

func (f *Framer) settle(wanted, got int) {
	if f.bw == nil {
		return
	}
	f.bw.Settle(int64(wanted), int64(got))
}

// waitForDiskPressure blocks while dp reports high disk-buffer
// pressure, so a peer that has outrun the disk worker's write queue
// stops accepting more piece data instead of piling more of it into
// memory.
func (f *Framer) waitForDiskPressure() error {
	if f.diskPressure == nil {
		return nil
	}
	for f.diskPressure.Exceeded() {
		if f.cancelC == nil {
			time.Sleep(diskPressureRetryInterval)
			continue
		}
		select {
		case <-time.After(diskPressureRetryInterval):
		case <-f.cancelC:
			return ErrReadSuspended
		}
	}
	return nil
}

// WriteHandshake writes the fixed 68-byte BitTorrent handshake.
func (f *Framer) WriteHandshake(infoHash, peerID [20]byte, extensions [8]byte) error {
	buf := make([]byte, 0, 68)
	buf = append(buf, pstr[:]...)
	buf = append(buf, extensions[:]...)
	buf = append(buf, infoHash[:]...)
	buf = append(buf, peerID[:]...)
	_, err := f.conn.Write(buf)
	return err
}

// ReadHandshakePrefix reads everything up to and including the info
// hash: pstrlen, the protocol name, the 8 reserved/extension bytes, and
// the info hash. It does not read the peer id, because on the accepting
// side the info hash must be resolved to a torrent before it is worth
// reading further.
func (f *Framer) ReadHandshakePrefix() (extensions [8]byte, infoHash [20]byte, err error) {
	f.phase = PhaseProtocolLength
	var pstrlen byte
	if pstrlen, err = f.r.ReadByte(); err != nil {
		return
	}

	f.phase = PhaseProtocolString
	if int(pstrlen) == len(versionBanner) {
		probe := make([]byte, len(versionBanner))
		if _, err = io.ReadFull(f.r, probe); err != nil {
			return
		}
		if string(probe) == string(versionBanner[:]) {
			err = ErrVersionProbe
			return
		}
		err = ErrInvalidProtocol
		return
	}
	if int(pstrlen) != len(pstr)-1 {
		err = ErrInvalidProtocol
		return
	}
	name := make([]byte, pstrlen)
	if _, err = io.ReadFull(f.r, name); err != nil {
		return
	}
	if string(name) != string(pstr[1:]) {
		err = ErrInvalidProtocol
		return
	}

	f.phase = PhaseReserved
	if _, err = io.ReadFull(f.r, extensions[:]); err != nil {
		return
	}

	f.phase = PhaseInfoHash
	_, err = io.ReadFull(f.r, infoHash[:])
	return
}

// ReadPeerID reads the final 20 bytes of the handshake.
func (f *Framer) ReadPeerID() (peerID [20]byte, err error) {
	f.phase = PhasePeerID
	_, err = io.ReadFull(f.r, peerID[:])
	return
}

// Message is the decoded form of one post-handshake peer message,
// except for Piece which additionally carries its block payload.
// Keepalives are swallowed by ReadMessage and never surface here.
type Message = interface{}

// ReadMessage blocks until one complete post-handshake message has been
// read, skipping any number of keepalives in between. readTimeout is
// reapplied before every message; pieceTimeout bounds the read of a
// piece payload once its header has arrived, separately from the
// message-level timeout, so a peer trickling a large block does not
// trip the same deadline as an idle one.
func (f *Framer) ReadMessage(readTimeout, pieceTimeout time.Duration) (Message, error) {
	for {
		if err := f.waitForDiskPressure(); err != nil {
			return nil, err
		}
		if err := f.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return nil, err
		}

		f.phase = PhasePacketLength
		var length uint32
		if err := binary.Read(f.r, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		if length == 0 {
			continue // keep-alive
		}
		if length > MaxPacketSize {
			return nil, fmt.Errorf("%w: message length %d exceeds %d", ErrProtocolViolation, length, MaxPacketSize)
		}

		f.phase = PhasePacketBody
		var id peerprotocol.MessageID
		if err := binary.Read(f.r, binary.BigEndian, &id); err != nil {
			return nil, err
		}
		length--

		msg, err := f.readBody(id, length, pieceTimeout)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			// readBody yields a nil message only together with an error.
			continue
		}
		return msg, nil
	}
}

func (f *Framer) readBody(id peerprotocol.MessageID, length uint32, pieceTimeout time.Duration) (Message, error) {
	switch id {
	case peerprotocol.Choke:
		return peerprotocol.ChokeMessage{}, checkFixedLength(id, length, 0)
	case peerprotocol.Unchoke:
		return peerprotocol.UnchokeMessage{}, checkFixedLength(id, length, 0)
	case peerprotocol.Interested:
		return peerprotocol.InterestedMessage{}, checkFixedLength(id, length, 0)
	case peerprotocol.NotInterested:
		return peerprotocol.NotInterestedMessage{}, checkFixedLength(id, length, 0)
	case peerprotocol.HaveAll:
		return peerprotocol.HaveAllMessage{}, checkFixedLength(id, length, 0)
	case peerprotocol.HaveNone:
		return peerprotocol.HaveNoneMessage{}, checkFixedLength(id, length, 0)
	case peerprotocol.Have:
		var m peerprotocol.HaveMessage
		b, err := f.readN(length)
		if err != nil {
			return nil, err
		}
		if err := checkFixedLength(id, length, 4); err != nil {
			return nil, err
		}
		return m, m.UnmarshalBinary(b)
	case peerprotocol.Suggest:
		var m peerprotocol.SuggestMessage
		b, err := f.readN(length)
		if err != nil {
			return nil, err
		}
		if err := checkFixedLength(id, length, 4); err != nil {
			return nil, err
		}
		return m, m.UnmarshalBinary(b)
	case peerprotocol.AllowedFast:
		var m peerprotocol.AllowedFastMessage
		b, err := f.readN(length)
		if err != nil {
			return nil, err
		}
		if err := checkFixedLength(id, length, 4); err != nil {
			return nil, err
		}
		return m, m.HaveMessage.UnmarshalBinary(b)
	case peerprotocol.Port:
		var m peerprotocol.PortMessage
		b, err := f.readN(length)
		if err != nil {
			return nil, err
		}
		if err := checkFixedLength(id, length, 2); err != nil {
			return nil, err
		}
		return m, m.UnmarshalBinary(b)
	case peerprotocol.Bitfield:
		b, err := f.readN(length)
		if err != nil {
			return nil, err
		}
		var m peerprotocol.BitfieldMessage
		return m, m.UnmarshalBinary(b)
	case peerprotocol.Request:
		var m peerprotocol.RequestMessage
		b, err := f.readN(length)
		if err != nil {
			return nil, err
		}
		if err := checkFixedLength(id, length, 12); err != nil {
			return nil, err
		}
		return m, m.UnmarshalBinary(b)
	case peerprotocol.Cancel:
		var m peerprotocol.CancelMessage
		b, err := f.readN(length)
		if err != nil {
			return nil, err
		}
		if err := checkFixedLength(id, length, 12); err != nil {
			return nil, err
		}
		return m, m.RequestMessage.UnmarshalBinary(b)
	case peerprotocol.Reject:
		var m peerprotocol.RejectMessage
		b, err := f.readN(length)
		if err != nil {
			return nil, err
		}
		if err := checkFixedLength(id, length, 12); err != nil {
			return nil, err
		}
		return m, m.RequestMessage.UnmarshalBinary(b)
	case peerprotocol.Piece:
		return f.readPiece(length, pieceTimeout)
	case peerprotocol.Extension:
		b, err := f.readN(length)
		if err != nil {
			return nil, err
		}
		var m peerprotocol.ExtensionMessage
		if err := m.UnmarshalBinary(b); err != nil {
			return nil, err
		}
		return m.Payload, nil
	default:
		return nil, fmt.Errorf("%w: unknown message id %d", ErrProtocolViolation, id)
	}
}

func checkFixedLength(id peerprotocol.MessageID, got, want uint32) error {
	if got != want {
		return fmt.Errorf("%w: message %s has length %d, want %d", ErrProtocolViolation, id, got, want)
	}
	return nil
}

func (f *Framer) readN(n uint32) ([]byte, error) {
	f.acquire(int(n))
	b := make([]byte, n)
	got, err := io.ReadFull(f.r, b)
	f.settle(int(n), got)
	return b, err
}

func (f *Framer) readPiece(length uint32, pieceTimeout time.Duration) (Message, error) {
	if length < 8 {
		return nil, fmt.Errorf("%w: piece message shorter than header", ErrProtocolViolation)
	}
	headerBuf, err := f.readN(8)
	if err != nil {
		return nil, err
	}
	var header peerprotocol.PieceMessage
	if err := header.UnmarshalBinary(headerBuf); err != nil {
		return nil, err
	}
	blockLen := length - 8
	if int(blockLen) > f.blockPool.BufferLength() {
		return nil, fmt.Errorf("%w: piece block length %d exceeds block size", ErrProtocolViolation, blockLen)
	}

	buf := f.blockPool.Get(int(blockLen))
	if err := f.conn.SetReadDeadline(time.Now().Add(pieceTimeout)); err != nil {
		buf.Release()
		return nil, err
	}
	f.acquire(int(blockLen))
	got, err := io.ReadFull(f.r, buf.Data)
	f.settle(int(blockLen), got)
	if err != nil {
		buf.Release()
		return nil, err
	}
	return Piece{PieceMessage: header, Buffer: buf}, nil
}

// WriteMessage writes one length-prefixed message, id byte included.
func (f *Framer) WriteMessage(msg peerprotocol.Message) error {
	payload, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], uint32(1+len(payload)))
	header[4] = byte(msg.ID())

	total := len(header) + len(payload)
	f.acquire(total)
	var written int
	n, err := f.conn.Write(header)
	written += n
	if err != nil {
		f.settle(total, written)
		return err
	}
	n, err = f.conn.Write(payload)
	written += n
	f.settle(total, written)
	return err
}

// WritePiece writes a piece message whose block bytes are read from r at
// the given offset, without an intermediate copy of the block.
func (f *Framer) WritePiece(index, begin uint32, r io.ReaderAt, length uint32) (n int, err error) {
	header := make([]byte, 13)
	binary.BigEndian.PutUint32(header[0:4], length+9)
	header[4] = byte(peerprotocol.Piece)
	binary.BigEndian.PutUint32(header[5:9], index)
	binary.BigEndian.PutUint32(header[9:13], begin)
	block := make([]byte, length)
	if _, err = r.ReadAt(block, int64(begin)); err != nil {
		return 0, err
	}
	f.acquire(len(header) + len(block))
	n, err = f.conn.Write(append(header, block...))
	f.settle(len(header)+len(block), n)
	return
}

// WriteKeepAlive writes the zero-length keepalive message.
func (f *Framer) WriteKeepAlive() error {
	f.acquire(4)
	n, err := f.conn.Write([]byte{0, 0, 0, 0})
	f.settle(4, n)
	return err
}

// KeepAliveInterval is how often WriteKeepAlive should be called on an
// otherwise idle connection to keep it from timing out.
const KeepAliveInterval = keepAliveInterval
