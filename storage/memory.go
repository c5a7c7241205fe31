package storage

// Torrent data held in memory. Safe for concurrent reads. Writes must not overlap uploads of the same
// region.
type Memory struct {
	layout
	data []byte
}

// Wraps data, which is not copied.
func NewMemory(pieceLength int, data []byte) *Memory {
	return &Memory{
		layout: layout{pieceLength: pieceLength, length: int64(len(data))},
		data:   data,
	}
}

// Returns zeroed storage of length bytes.
func NewEmptyMemory(pieceLength int, length int64) *Memory {
	return NewMemory(pieceLength, make([]byte, length))
}

func (me *Memory) Bytes() []byte {
	return me.data
}

func (me *Memory) CopyIntoBuffer(piece, offset int, dst []byte) error {
	off, err := me.region(piece, offset, len(dst))
	if err != nil {
		return err
	}
	copy(dst, me.data[off:])
	return nil
}

func (me *Memory) BufferForPieceRegion(piece, offset, length int) ([]byte, error) {
	off, err := me.region(piece, offset, length)
	if err != nil {
		return nil, err
	}
	return me.data[off : off+int64(length) : off+int64(length)], nil
}

func (me *Memory) WriteBlock(piece, offset int, b []byte) error {
	off, err := me.region(piece, offset, len(b))
	if err != nil {
		return err
	}
	copy(me.data[off:], b)
	return nil
}
