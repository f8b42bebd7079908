package peerwire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Message ids, per BEP 3 plus the BEP 11 extended-message id.
const (
	MsgChoke         byte = 0
	MsgUnchoke       byte = 1
	MsgInterested    byte = 2
	MsgNotInterested byte = 3
	MsgHave          byte = 4
	MsgBitfield      byte = 5
	MsgRequest       byte = 6
	MsgPiece         byte = 7
	MsgCancel        byte = 8
	MsgExtended      byte = 20
)

// ExtHandshakeID is the reserved extended-message id (0) denoting the
// extension handshake itself; any other id is a registered extension such
// as ut_pex.
const ExtHandshakeID byte = 0

// MaxFrameLength is the maximum allowed declared frame length (16 MiB);
// larger declarations abort the connection without consuming the payload.
const MaxFrameLength = 16 * 1024 * 1024

// BlockSize is the fixed block size used for request/piece pipelining.
const BlockSize = 16 * 1024

var errOversizeFrame = errors.New("peerwire: frame exceeds maximum length")

// Message is a decoded peer-wire message. ID is only meaningful when
// KeepAlive is false.
type Message struct {
	KeepAlive bool
	ID        byte

	// Have
	Index uint32

	// Request / Cancel
	Begin  uint32
	Length uint32

	// Piece
	Block []byte

	// Bitfield
	BitfieldBytes []byte

	// Extended
	ExtID     byte
	ExtPayload []byte
}

// NewHave builds a "have" message.
func NewHave(index uint32) *Message {
	return &Message{ID: MsgHave, Index: index}
}

// NewBitfield builds a "bitfield" message.
func NewBitfield(b []byte) *Message {
	return &Message{ID: MsgBitfield, BitfieldBytes: b}
}

// NewRequest builds a "request" message.
func NewRequest(index, begin, length uint32) *Message {
	return &Message{ID: MsgRequest, Index: index, Begin: begin, Length: length}
}

// NewCancel builds a "cancel" message.
func NewCancel(index, begin, length uint32) *Message {
	return &Message{ID: MsgCancel, Index: index, Begin: begin, Length: length}
}

// NewPiece builds a "piece" message.
func NewPiece(index, begin uint32, block []byte) *Message {
	return &Message{ID: MsgPiece, Index: index, Begin: begin, Block: block}
}

// NewSimple builds a message with no payload (choke/unchoke/interested/not
// interested).
func NewSimple(id byte) *Message {
	return &Message{ID: id}
}

// NewExtended builds an extended message (id 20).
func NewExtended(extID byte, payload []byte) *Message {
	return &Message{ID: MsgExtended, ExtID: extID, ExtPayload: payload}
}

// encode serializes m into the 4-byte-length-prefixed wire frame.
func (m *Message) encode() []byte {
	if m.KeepAlive {
		return []byte{0, 0, 0, 0}
	}

	var body []byte
	switch m.ID {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		body = nil
	case MsgHave:
		body = make([]byte, 4)
		binary.BigEndian.PutUint32(body, m.Index)
	case MsgBitfield:
		body = m.BitfieldBytes
	case MsgRequest, MsgCancel:
		body = make([]byte, 12)
		binary.BigEndian.PutUint32(body[0:4], m.Index)
		binary.BigEndian.PutUint32(body[4:8], m.Begin)
		binary.BigEndian.PutUint32(body[8:12], m.Length)
	case MsgPiece:
		body = make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(body[0:4], m.Index)
		binary.BigEndian.PutUint32(body[4:8], m.Begin)
		copy(body[8:], m.Block)
	case MsgExtended:
		body = make([]byte, 1+len(m.ExtPayload))
		body[0] = m.ExtID
		copy(body[1:], m.ExtPayload)
	}

	frame := make([]byte, 4+1+len(body))
	binary.BigEndian.PutUint32(frame[0:4], uint32(1+len(body)))
	frame[4] = m.ID
	copy(frame[5:], body)
	return frame
}

// decodeBody parses the id byte + payload already read off the wire into a
// Message. length is the full declared frame length (id byte included).
func decodeBody(length uint32, buf []byte) (*Message, error) {
	if length == 0 {
		return &Message{KeepAlive: true}, nil
	}
	if len(buf) == 0 {
		return nil, errors.New("peerwire: empty message body")
	}
	id := buf[0]
	payload := buf[1:]
	m := &Message{ID: id}

	switch id {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
	case MsgHave:
		if len(payload) != 4 {
			return nil, fmt.Errorf("peerwire: malformed have payload")
		}
		m.Index = binary.BigEndian.Uint32(payload)
	case MsgBitfield:
		m.BitfieldBytes = payload
	case MsgRequest, MsgCancel:
		if len(payload) != 12 {
			return nil, fmt.Errorf("peerwire: malformed request/cancel payload")
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Length = binary.BigEndian.Uint32(payload[8:12])
	case MsgPiece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("peerwire: malformed piece payload")
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Block = payload[8:]
	case MsgExtended:
		if len(payload) < 1 {
			return nil, fmt.Errorf("peerwire: malformed extended payload")
		}
		m.ExtID = payload[0]
		m.ExtPayload = payload[1:]
	default:
		return nil, fmt.Errorf("peerwire: unknown message id %d", id)
	}
	return m, nil
}
