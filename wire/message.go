// Package wire implements the BitTorrent peer wire message codec: the
// length-prefixed <length><id><payload> framing used over a peer TCP
// connection, plus helpers for decoding a streaming buffer one frame at a
// time.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MessageID identifies the kind of a framed peer message.
type MessageID uint8

const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
	MsgPort
)

func (id MessageID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	case MsgPort:
		return "port"
	default:
		return "unknown"
	}
}

// Message is a single parsed peer message. A nil *Message (see DrainFrames)
// represents a zero-length keep-alive frame.
type Message struct {
	ID      MessageID
	Payload []byte
}

// ErrIncomplete signals that buf does not yet hold a complete frame.
var ErrIncomplete = errors.New("wire: incomplete frame")

// Decode parses exactly one frame from the front of buf. On success it
// returns the message (nil for a keep-alive) and the unconsumed remainder.
// If buf does not yet contain a complete frame it returns ErrIncomplete and
// buf unchanged; the caller must retain buf and append further reads to it.
func Decode(buf []byte) (*Message, []byte, error) {
	if len(buf) < 4 {
		return nil, buf, ErrIncomplete
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if uint32(len(buf)) < 4+length {
		return nil, buf, ErrIncomplete
	}
	if length == 0 {
		return nil, buf[4:], nil
	}
	id := MessageID(buf[4])
	payload := append([]byte(nil), buf[5:4+length]...)
	return &Message{ID: id, Payload: payload}, buf[4+length:], nil
}

// DrainFrames decodes and dispatches every complete frame at the front of
// buf, calling fn once per frame (nil for a keep-alive), until only an
// incomplete trailing frame or no data remains. It never recurses. The
// returned remainder is whatever the caller should retain as pending input
// for the next read. If fn returns an error, draining stops and that error
// is returned along with the remainder starting after the frame that
// produced it.
func DrainFrames(buf []byte, fn func(*Message) error) ([]byte, error) {
	for {
		msg, rest, err := Decode(buf)
		if err == ErrIncomplete {
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
		if err := fn(msg); err != nil {
			return rest, err
		}
		buf = rest
		if len(buf) == 0 {
			return buf, nil
		}
	}
}

func encodeFramed(id MessageID, payload []byte) []byte {
	length := uint32(len(payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(id)
	copy(buf[5:], payload)
	return buf
}

// EncodeKeepAlive returns the zero-length keep-alive frame.
func EncodeKeepAlive() []byte { return []byte{0, 0, 0, 0} }

// Encode serializes msg (nil for a keep-alive).
func Encode(msg *Message) []byte {
	if msg == nil {
		return EncodeKeepAlive()
	}
	return encodeFramed(msg.ID, msg.Payload)
}

func EncodeChoke() []byte         { return encodeFramed(MsgChoke, nil) }
func EncodeUnchoke() []byte       { return encodeFramed(MsgUnchoke, nil) }
func EncodeInterested() []byte    { return encodeFramed(MsgInterested, nil) }
func EncodeNotInterested() []byte { return encodeFramed(MsgNotInterested, nil) }

func EncodeHave(index int) []byte {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, uint32(index))
	return encodeFramed(MsgHave, p)
}

// EncodeBitfield serializes bf's wire representation as a bitfield message.
func EncodeBitfield(bf *Bitfield) []byte {
	return encodeFramed(MsgBitfield, bf.Bytes())
}

func EncodeRequest(index, begin, length int) []byte {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], uint32(index))
	binary.BigEndian.PutUint32(p[4:8], uint32(begin))
	binary.BigEndian.PutUint32(p[8:12], uint32(length))
	return encodeFramed(MsgRequest, p)
}

func EncodePiece(index, begin int, block []byte) []byte {
	p := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(p[0:4], uint32(index))
	binary.BigEndian.PutUint32(p[4:8], uint32(begin))
	copy(p[8:], block)
	return encodeFramed(MsgPiece, p)
}

func EncodeCancel(index, begin, length int) []byte {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], uint32(index))
	binary.BigEndian.PutUint32(p[4:8], uint32(begin))
	binary.BigEndian.PutUint32(p[8:12], uint32(length))
	return encodeFramed(MsgCancel, p)
}

// BlockGeometry is the minimal view of a piece's block layout needed to
// build a request-all burst, kept separate from package piece to avoid an
// import cycle (wire is a leaf package).
type BlockGeometry interface {
	PieceIndex() int
	Blocks() [][2]int // [begin, length] pairs
}

// EncodeRequestAll builds one request frame per block of p, concatenated in
// order, matching pytorrent's msg_request_all_pack.
func EncodeRequestAll(p BlockGeometry) []byte {
	var buf []byte
	for _, b := range p.Blocks() {
		buf = append(buf, EncodeRequest(p.PieceIndex(), b[0], b[1])...)
	}
	return buf
}

func DecodeHave(msg *Message) (int, error) {
	if len(msg.Payload) != 4 {
		return 0, errors.Errorf("wire: have payload length %d, want 4", len(msg.Payload))
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

func DecodeRequest(msg *Message) (index, begin, length int, err error) {
	if len(msg.Payload) != 12 {
		return 0, 0, 0, errors.Errorf("wire: request payload length %d, want 12", len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(msg.Payload[8:12]))
	return index, begin, length, nil
}

func DecodePiece(msg *Message) (index, begin int, block []byte, err error) {
	if len(msg.Payload) < 8 {
		return 0, 0, nil, errors.Errorf("wire: piece payload length %d, want >= 8", len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	block = msg.Payload[8:]
	return index, begin, block, nil
}

func DecodePort(msg *Message) (uint16, error) {
	if len(msg.Payload) != 2 {
		return 0, errors.Errorf("wire: port payload length %d, want 2", len(msg.Payload))
	}
	return binary.BigEndian.Uint16(msg.Payload), nil
}
