package wire

// Phase names where the Framer currently is in a connection's byte
// stream. Exposed mainly for tests and diagnostics: the state itself
// lives in the read loop, not in a stored field that callers can poke.
type Phase int

const (
	// PhaseProtocolLength is waiting for the 1-byte pstrlen at the start
	// of a handshake.
	PhaseProtocolLength Phase = iota
	// PhaseProtocolString is waiting for the pstrlen bytes of the
	// protocol name ("BitTorrent protocol", or the "version" easter egg).
	PhaseProtocolString
	// PhaseReserved is waiting for the 8 reserved/extension bytes.
	PhaseReserved
	// PhaseInfoHash is waiting for the 20-byte info hash.
	PhaseInfoHash
	// PhasePeerID is waiting for the 20-byte peer id.
	PhasePeerID
	// PhasePacketLength is waiting for the 4-byte big-endian length
	// prefix of a post-handshake message.
	PhasePacketLength
	// PhasePacketBody is waiting for the body of a post-handshake
	// message: one id byte plus its fixed or variable-length payload.
	PhasePacketBody
)

func (p Phase) String() string {
	switch p {
	case PhaseProtocolLength:
		return "protocol-length"
	case PhaseProtocolString:
		return "protocol-string"
	case PhaseReserved:
		return "reserved"
	case PhaseInfoHash:
		return "info-hash"
	case PhasePeerID:
		return "peer-id"
	case PhasePacketLength:
		return "packet-length"
	case PhasePacketBody:
		return "packet-body"
	default:
		return "unknown"
	}
}
