package peerprotocol

import (
	"bytes"
	"fmt"
	"net"

	"github.com/zeebo/bencode"
)

const (
	// ExtensionIDHandshake is ID for extension handshake message.
	ExtensionIDHandshake = iota
	// ExtensionIDMetadata is ID for metadata extension messages.
	ExtensionIDMetadata
	// ExtensionIDPEX is ID for PEX extension messages.
	ExtensionIDPEX
)

const (
	// ExtensionKeyMetadata is the key for the metadata extension.
	ExtensionKeyMetadata = "ut_metadata"
	// ExtensionKeyPEX is the key for the PEX extension.
	ExtensionKeyPEX = "ut_pex"
)

const (
	// ExtensionMetadataMessageTypeRequest is the id of metadata message when requesting a piece.
	ExtensionMetadataMessageTypeRequest = iota
	// ExtensionMetadataMessageTypeData is the id of metadata message when sending the piece data.
	ExtensionMetadataMessageTypeData
	// ExtensionMetadataMessageTypeReject is the id of metadata message when rejecting a piece.
	ExtensionMetadataMessageTypeReject
)

// ExtensionMessage is the BEP 10 extension envelope: an extended message
// id followed by a bencoded payload (the metadata extension appends a
// raw byte blob after the bencoded dict).
type ExtensionMessage struct {
	ExtendedMessageID uint8
	Payload           interface{}
}

func (m ExtensionMessage) ID() MessageID { return Extension }

// MarshalBinary encodes the extended message id and the bencoded payload.
func (m ExtensionMessage) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(m.ExtendedMessageID)
	if err := bencode.NewEncoder(&buf).Encode(m.Payload); err != nil {
		return nil, err
	}
	if mm, ok := m.Payload.(ExtensionMetadataMessage); ok {
		buf.Write(mm.Data)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary parses an extension message payload.
func (m *ExtensionMessage) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("peerprotocol: extension message too short")
	}
	m.ExtendedMessageID = data[0]
	payload := data[1:]
	dec := bencode.NewDecoder(bytes.NewReader(payload))
	var err error
	switch m.ExtendedMessageID {
	case ExtensionIDHandshake:
		var extMsg ExtensionHandshakeMessage
		err = dec.Decode(&extMsg)
		if extMsg.MetadataSize < 0 {
			extMsg.MetadataSize = 0
		}
		if extMsg.RequestQueue < 0 {
			extMsg.RequestQueue = 0
		}
		m.Payload = extMsg
	case ExtensionIDMetadata:
		var extMsg ExtensionMetadataMessage
		err = dec.Decode(&extMsg)
		extMsg.Data = payload[dec.BytesParsed():]
		m.Payload = extMsg
	case ExtensionIDPEX:
		var extMsg ExtensionPEXMessage
		err = dec.Decode(&extMsg)
		m.Payload = extMsg
	default:
		return fmt.Errorf("peerprotocol: peer sent unknown extended message id: %d", m.ExtendedMessageID)
	}
	return err
}

// ExtensionHandshakeMessage is the BEP 10 handshake dict: the supported
// extension name-to-id map, a client version string, our listening port
// ("p"), whether we are upload-only, and our outstanding request queue
// hint ("reqq") that the remote side's request pipeline should clamp to.
type ExtensionHandshakeMessage struct {
	M            map[string]uint8 `bencode:"m"`
	V            string           `bencode:"v"`
	P            uint16           `bencode:"p,omitempty"`
	YourIP       string           `bencode:"yourip,omitempty"`
	MetadataSize int              `bencode:"metadata_size,omitempty"`
	UploadOnly   bool             `bencode:"upload_only,omitempty"`
	RequestQueue int              `bencode:"reqq"`
}

// NewExtensionHandshake returns a new ExtensionHandshakeMessage by filling the struct with given values.
func NewExtensionHandshake(metadataSize uint32, version string, listenPort uint16, yourip net.IP, uploadOnly bool, requestQueueLength int) ExtensionHandshakeMessage {
	return ExtensionHandshakeMessage{
		M: map[string]uint8{
			ExtensionKeyMetadata: ExtensionIDMetadata,
			ExtensionKeyPEX:      ExtensionIDPEX,
		},
		V:            version,
		P:            listenPort,
		YourIP:       string(truncateIP(yourip)),
		MetadataSize: int(metadataSize),
		UploadOnly:   uploadOnly,
		RequestQueue: requestQueueLength,
	}
}

// ExtensionMetadataMessage is the message for the Metadata extension.
type ExtensionMetadataMessage struct {
	Type      int    `bencode:"msg_type"`
	Piece     uint32 `bencode:"piece"`
	TotalSize int    `bencode:"total_size,omitempty"`
	Data      []byte `bencode:"-"`
}

// ExtensionPEXMessage is the message for the PEX extension.
type ExtensionPEXMessage struct {
	Added   string `bencode:"added"`
	Dropped string `bencode:"dropped"`
}

func truncateIP(ip net.IP) net.IP {
	ip4 := ip.To4()
	if ip4 != nil {
		return ip4
	}
	return ip
}
