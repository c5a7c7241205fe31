package peer_protocol

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Decodes whole frames from a blocking reader. PeerConn reassembles frames incrementally instead;
// this is for tooling and for checking what a connection put on the wire.
type Decoder struct {
	R *bufio.Reader
	// If set, must return *[]byte where the slices can fit data for piece messages.
	Pool *sync.Pool
	// Largest accepted value of the length prefix.
	MaxLength Integer
}

// io.EOF is returned if the source terminates cleanly on a message boundary.
func (d *Decoder) Decode(msg *Message) (err error) {
	var length Integer
	err = length.Read(d.R)
	if err == io.EOF {
		return
	}
	if err != nil {
		return errors.Wrap(err, "reading message length")
	}
	if length > d.MaxLength {
		return errors.New("message too long")
	}
	if length == 0 {
		*msg = Message{Keepalive: true}
		return
	}
	// From this point onwards, EOF is unexpected
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()
	c, err := d.R.ReadByte()
	if err != nil {
		return
	}
	t := MessageType(c)
	bodyLen := int(length) - MessageTypeLen
	if !t.Known() {
		return fmt.Errorf("unknown message type %#v", c)
	}
	if fixed, ok := t.FixedBodyLen(); ok {
		if t == Piece && bodyLen < fixed || t != Piece && bodyLen != fixed {
			return fmt.Errorf("bad length %v for message type %v", length, t)
		}
	} else if t == Extended && bodyLen < ExtendedHeaderLen {
		return fmt.Errorf("bad length %v for message type %v", length, t)
	}
	headerLen := bodyLen
	if t == Piece {
		headerLen = PieceHeaderLen
	}
	b := make([]byte, headerLen)
	_, err = io.ReadFull(d.R, b)
	if err != nil {
		return
	}
	*msg = Message{}
	msg.UnmarshalBody(t, b)
	if t != Piece {
		return
	}
	dataLen := bodyLen - PieceHeaderLen
	if d.Pool == nil {
		msg.Piece = make([]byte, dataLen)
	} else {
		msg.Piece = *d.Pool.Get().(*[]byte)
		if cap(msg.Piece) < dataLen {
			return errors.New("piece data longer than expected")
		}
		msg.Piece = msg.Piece[:dataLen]
	}
	_, err = io.ReadFull(d.R, msg.Piece)
	return
}
