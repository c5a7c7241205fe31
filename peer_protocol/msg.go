package peer_protocol

import (
	"bufio"
	"bytes"
	"encoding"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/anacrolix/missinggo/v2/panicif"
)

type ExtensionNumber byte

// This is a lazy union representing all the possible fields for messages. Type selects which fields
// are meaningful. Fields are ordered to minimize struct size and padding.
type Message struct {
	// PIECE payload. Only used when a whole frame is marshalled or decoded at once: the body codec
	// handles just the 8-byte header.
	Piece []byte
	// Packed bitfield bytes, most significant bit of byte 0 is piece 0.
	Bitfield             []byte
	ExtendedPayload      []byte
	Index, Begin, Length Integer
	Port                 uint16
	Type                 MessageType
	ExtendedID           ExtensionNumber
	Keepalive            bool
}

var _ interface {
	encoding.BinaryUnmarshaler
	encoding.BinaryMarshaler
} = (*Message)(nil)

func MakeHaveMessage(piece Integer) Message {
	return Message{
		Type:  Have,
		Index: piece,
	}
}

func MakeRequestMessage(piece, offset, length Integer) Message {
	return Message{
		Type:   Request,
		Index:  piece,
		Begin:  offset,
		Length: length,
	}
}

func MakeCancelMessage(piece, offset, length Integer) Message {
	return Message{
		Type:   Cancel,
		Index:  piece,
		Begin:  offset,
		Length: length,
	}
}

func (msg Message) RequestSpec() (ret RequestSpec) {
	return RequestSpec{
		msg.Index,
		msg.Begin,
		func() Integer {
			if msg.Type == Piece {
				return Integer(len(msg.Piece))
			} else {
				return msg.Length
			}
		}(),
	}
}

// Length of the body that follows the type byte, including any PIECE payload held in msg.Piece.
func (msg Message) BodyLen() (n int, err error) {
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		n = HaveBodyLen
	case Request, Cancel:
		n = RequestBodyLen
	case Bitfield:
		n = len(msg.Bitfield)
	case Piece:
		n = PieceHeaderLen + len(msg.Piece)
	case Extended:
		n = ExtendedHeaderLen + len(msg.ExtendedPayload)
	case Port:
		n = PortBodyLen
	default:
		err = fmt.Errorf("unknown message type: %v", msg.Type)
	}
	return
}

// Appends the type-specific body to b. For PIECE only the (index, begin) header is written: payload
// bytes go straight from storage to the transport. Panics on unknown types, which is a caller
// error.
func (msg Message) AppendBody(b []byte) []byte {
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		b = binary.BigEndian.AppendUint32(b, msg.Index.Uint32())
	case Request, Cancel:
		b = binary.BigEndian.AppendUint32(b, msg.Index.Uint32())
		b = binary.BigEndian.AppendUint32(b, msg.Begin.Uint32())
		b = binary.BigEndian.AppendUint32(b, msg.Length.Uint32())
	case Bitfield:
		b = append(b, msg.Bitfield...)
	case Piece:
		b = binary.BigEndian.AppendUint32(b, msg.Index.Uint32())
		b = binary.BigEndian.AppendUint32(b, msg.Begin.Uint32())
	case Extended:
		b = append(b, byte(msg.ExtendedID))
		b = append(b, msg.ExtendedPayload...)
	case Port:
		b = binary.BigEndian.AppendUint16(b, msg.Port)
	default:
		panic(fmt.Sprintf("unknown message type: %v", msg.Type))
	}
	return b
}

// Parses the body of a message of type t from b and returns the number of bytes consumed. b must be
// exactly the body declared by the length prefix for BITFIELD and EXTENDED, and at least the fixed
// size for the other types. Short buffers panic: validating untrusted lengths is the caller's job.
func (msg *Message) UnmarshalBody(t MessageType, b []byte) (n int) {
	msg.Keepalive = false
	msg.Type = t
	switch t {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		panicif.LessThan(len(b), HaveBodyLen)
		msg.Index = Integer(binary.BigEndian.Uint32(b))
		n = HaveBodyLen
	case Request, Cancel:
		panicif.LessThan(len(b), RequestBodyLen)
		msg.Index = Integer(binary.BigEndian.Uint32(b))
		msg.Begin = Integer(binary.BigEndian.Uint32(b[4:]))
		msg.Length = Integer(binary.BigEndian.Uint32(b[8:]))
		n = RequestBodyLen
	case Bitfield:
		msg.Bitfield = append(msg.Bitfield[:0], b...)
		n = len(b)
	case Piece:
		panicif.LessThan(len(b), PieceHeaderLen)
		msg.Index = Integer(binary.BigEndian.Uint32(b))
		msg.Begin = Integer(binary.BigEndian.Uint32(b[4:]))
		n = PieceHeaderLen
	case Extended:
		panicif.LessThan(len(b), ExtendedHeaderLen)
		msg.ExtendedID = ExtensionNumber(b[0])
		msg.ExtendedPayload = append(msg.ExtendedPayload[:0], b[1:]...)
		n = len(b)
	case Port:
		panicif.LessThan(len(b), PortBodyLen)
		msg.Port = binary.BigEndian.Uint16(b)
		n = PortBodyLen
	default:
		panic(fmt.Sprintf("unknown message type: %v", t))
	}
	return
}

// Appends the complete frame: length prefix, type, body and any PIECE payload in msg.Piece.
func (msg Message) AppendBinary(b []byte) ([]byte, error) {
	if msg.Keepalive {
		return binary.BigEndian.AppendUint32(b, 0), nil
	}
	bodyLen, err := msg.BodyLen()
	if err != nil {
		return b, err
	}
	b = binary.BigEndian.AppendUint32(b, uint32(MessageTypeLen+bodyLen))
	b = append(b, byte(msg.Type))
	b = msg.AppendBody(b)
	if msg.Type == Piece {
		b = append(b, msg.Piece...)
	}
	return b, nil
}

// Appends the length prefix, type byte and header of a PIECE frame carrying blockLen payload bytes.
// The payload itself is expected to follow on the wire.
func AppendPieceFrameHeader(b []byte, index, begin Integer, blockLen int) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(MessageTypeLen+PieceHeaderLen+blockLen))
	b = append(b, byte(Piece))
	return Message{Type: Piece, Index: index, Begin: begin}.AppendBody(b)
}

func (msg Message) MarshalBinary() ([]byte, error) {
	return msg.AppendBinary(nil)
}

func (msg Message) MustMarshalBinary() []byte {
	b, err := msg.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

func (msg Message) WriteTo(w io.Writer) (n int64, err error) {
	b, err := msg.MarshalBinary()
	if err != nil {
		return
	}
	n1, err := w.Write(b)
	n = int64(n1)
	return
}

func (me *Message) UnmarshalBinary(b []byte) error {
	d := Decoder{
		R:         bufio.NewReader(bytes.NewReader(b)),
		MaxLength: Integer(len(b)),
	}
	err := d.Decode(me)
	if err != nil {
		return err
	}
	if d.R.Buffered() != 0 {
		return fmt.Errorf("%d trailing bytes", d.R.Buffered())
	}
	return nil
}

func (msg Message) String() string {
	if msg.Keepalive {
		return "Keepalive"
	}
	switch msg.Type {
	case Have:
		return fmt.Sprintf("Have(%d)", msg.Index)
	case Request, Cancel:
		return fmt.Sprintf("%v(%d, %d, %d)", msg.Type, msg.Index, msg.Begin, msg.Length)
	case Piece:
		return fmt.Sprintf("Piece(%d, %d, len=%d)", msg.Index, msg.Begin, len(msg.Piece))
	case Bitfield:
		return fmt.Sprintf("Bitfield(%d bytes)", len(msg.Bitfield))
	case Port:
		return fmt.Sprintf("Port(%d)", msg.Port)
	case Extended:
		return fmt.Sprintf("Extended(%d, %d bytes)", msg.ExtendedID, len(msg.ExtendedPayload))
	default:
		return msg.Type.String()
	}
}
