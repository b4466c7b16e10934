// Package peerprotocol implements the post-handshake BitTorrent peer
// wire message codec: BEP 3's base messages plus the BEP 6 fast
// extension and the BEP 10 extension protocol envelope.
package peerprotocol

import (
	"encoding/binary"
	"fmt"
)

// Message is a peer message of the BitTorrent wire protocol. MarshalBinary
// returns the message payload, without the length prefix or the id byte
// that the caller (the wire framer) is responsible for writing.
type Message interface {
	ID() MessageID
	MarshalBinary() ([]byte, error)
}

// HaveMessage indicates a peer has the piece with index.
type HaveMessage struct {
	Index uint32
}

func (m HaveMessage) ID() MessageID { return Have }

func (m HaveMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.Index)
	return b, nil
}

// UnmarshalBinary parses a have message payload.
func (m *HaveMessage) UnmarshalBinary(b []byte) error {
	if len(b) != 4 {
		return fmt.Errorf("peerprotocol: invalid have message length: %d", len(b))
	}
	m.Index = binary.BigEndian.Uint32(b)
	return nil
}

// RequestMessage is sent when a peer needs a certain block.
type RequestMessage struct {
	Index, Begin, Length uint32
}

func (m RequestMessage) ID() MessageID { return Request }

func (m RequestMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return b, nil
}

// UnmarshalBinary parses a request message payload.
func (m *RequestMessage) UnmarshalBinary(b []byte) error {
	if len(b) != 12 {
		return fmt.Errorf("peerprotocol: invalid request message length: %d", len(b))
	}
	m.Index = binary.BigEndian.Uint32(b[0:4])
	m.Begin = binary.BigEndian.Uint32(b[4:8])
	m.Length = binary.BigEndian.Uint32(b[8:12])
	return nil
}

// PieceMessage carries the header (index, begin) of a block; the block
// bytes themselves follow on the wire and are read separately by the
// framer, to avoid an extra copy through MarshalBinary/UnmarshalBinary.
type PieceMessage struct {
	Index, Begin uint32
}

func (m PieceMessage) ID() MessageID { return Piece }

func (m PieceMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	return b, nil
}

// UnmarshalBinary parses a piece message header. The caller is
// responsible for reading the remaining block bytes separately.
func (m *PieceMessage) UnmarshalBinary(b []byte) error {
	if len(b) != 8 {
		return fmt.Errorf("peerprotocol: invalid piece message header length: %d", len(b))
	}
	m.Index = binary.BigEndian.Uint32(b[0:4])
	m.Begin = binary.BigEndian.Uint32(b[4:8])
	return nil
}

// BitfieldMessage is sent after the handshake to exchange piece
// availability information between peers.
type BitfieldMessage struct {
	Data []byte
}

func (m BitfieldMessage) ID() MessageID { return Bitfield }

func (m BitfieldMessage) MarshalBinary() ([]byte, error) {
	return m.Data, nil
}

// UnmarshalBinary stores the bitfield payload. Data is not copied.
func (m *BitfieldMessage) UnmarshalBinary(b []byte) error {
	m.Data = b
	return nil
}

// PortMessage announces the UDP port of the DHT node run by the peer.
type PortMessage struct {
	Port uint16
}

func (m PortMessage) ID() MessageID { return Port }

func (m PortMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, m.Port)
	return b, nil
}

// UnmarshalBinary parses a port message payload.
func (m *PortMessage) UnmarshalBinary(b []byte) error {
	if len(b) != 2 {
		return fmt.Errorf("peerprotocol: invalid port message length: %d", len(b))
	}
	m.Port = binary.BigEndian.Uint16(b)
	return nil
}

// SuggestMessage hints the remote peer towards a piece we'd like them to
// request next, usually because it is already resident in our cache.
type SuggestMessage struct {
	Index uint32
}

func (m SuggestMessage) ID() MessageID { return Suggest }

func (m SuggestMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.Index)
	return b, nil
}

// UnmarshalBinary parses a suggest message payload.
func (m *SuggestMessage) UnmarshalBinary(b []byte) error {
	if len(b) != 4 {
		return fmt.Errorf("peerprotocol: invalid suggest message length: %d", len(b))
	}
	m.Index = binary.BigEndian.Uint32(b)
	return nil
}

type emptyMessage struct{}

func (m emptyMessage) MarshalBinary() ([]byte, error) { return nil, nil }

func (m *emptyMessage) UnmarshalBinary(b []byte) error {
	if len(b) != 0 {
		return fmt.Errorf("peerprotocol: expected empty message payload, got %d bytes", len(b))
	}
	return nil
}

// AllowedFastMessage is sent to tell a peer that a piece can be
// downloaded regardless of choking status (BEP 6).
type AllowedFastMessage struct{ HaveMessage }

func (m AllowedFastMessage) ID() MessageID { return AllowedFast }

// ChokeMessage is sent to a peer to tell it to stop requesting pieces.
type ChokeMessage struct{ emptyMessage }

// UnchokeMessage is sent to a peer to tell it that it may request pieces.
type UnchokeMessage struct{ emptyMessage }

// InterestedMessage is sent to a peer to say we want to request pieces.
type InterestedMessage struct{ emptyMessage }

// NotInterestedMessage is sent to a peer to say we don't want any pieces.
type NotInterestedMessage struct{ emptyMessage }

// HaveAllMessage (BEP 6) indicates we are a seed for this torrent.
type HaveAllMessage struct{ emptyMessage }

// HaveNoneMessage (BEP 6) indicates we don't have any pieces.
type HaveNoneMessage struct{ emptyMessage }

// RejectMessage (BEP 6) tells a peer that a previously queued request is
// being refused instead of served.
type RejectMessage struct{ RequestMessage }

func (m RejectMessage) ID() MessageID { return Reject }

// CancelMessage tells a peer to drop a previously sent request.
type CancelMessage struct{ RequestMessage }

func (m CancelMessage) ID() MessageID { return Cancel }

func (m ChokeMessage) ID() MessageID         { return Choke }
func (m UnchokeMessage) ID() MessageID       { return Unchoke }
func (m InterestedMessage) ID() MessageID    { return Interested }
func (m NotInterestedMessage) ID() MessageID { return NotInterested }
func (m HaveAllMessage) ID() MessageID       { return HaveAll }
func (m HaveNoneMessage) ID() MessageID      { return HaveNone }
