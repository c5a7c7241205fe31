package peer_protocol

import (
	"encoding/binary"
	"io"

	"github.com/anacrolix/missinggo/v2/panicif"
)

type Integer uint32

func (i *Integer) Read(r io.Reader) error {
	return binary.Read(r, binary.BigEndian, i)
}

// Reads the integer from the front of b, which must hold at least 4 bytes.
func (i *Integer) UnmarshalBinary(b []byte) error {
	panicif.LessThan(len(b), 4)
	*i = Integer(binary.BigEndian.Uint32(b))
	return nil
}

func (i Integer) AppendBinary(b []byte) ([]byte, error) {
	return binary.BigEndian.AppendUint32(b, uint32(i)), nil
}

// It's perfectly fine to cast these to an int on 64-bit platforms.
func (i Integer) Int() int {
	return int(i)
}

func (i Integer) Uint32() uint32 {
	return uint32(i)
}
