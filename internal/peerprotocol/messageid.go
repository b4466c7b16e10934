package peerprotocol

import "strconv"

// MessageID is the identifier byte sent right after the length prefix of
// every non-keepalive peer message.
type MessageID uint8

// Peer message types, including the BEP 6 fast-extension additions
// (Suggest, HaveAll, HaveNone, Reject, AllowedFast) and the BEP 10
// extension protocol message.
const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
	Suggest     MessageID = 13
	HaveAll     MessageID = 14
	HaveNone    MessageID = 15
	Reject      MessageID = 16
	AllowedFast MessageID = 17
	Extension   MessageID = 20
)

var messageIDStrings = map[MessageID]string{
	Choke:         "choke",
	Unchoke:       "unchoke",
	Interested:    "interested",
	NotInterested: "not interested",
	Have:          "have",
	Bitfield:      "bitfield",
	Request:       "request",
	Piece:         "piece",
	Cancel:        "cancel",
	Port:          "port",
	Suggest:       "suggest",
	HaveAll:       "have all",
	HaveNone:      "have none",
	Reject:        "reject",
	AllowedFast:   "allowed fast",
	Extension:     "extension",
}

func (m MessageID) String() string {
	if s, ok := messageIDStrings[m]; ok {
		return s
	}
	return strconv.FormatInt(int64(m), 10)
}
