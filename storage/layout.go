// Package storage provides the data sources a PeerConn uploads from, and somewhere to put the
// blocks it downloads.
package storage

import (
	"github.com/pkg/errors"
)

var ErrOutOfRange = errors.New("region out of range")

// Storage that received blocks can be written to.
type BlockWriter interface {
	WriteBlock(piece, offset int, b []byte) error
}

// Maps piece regions onto a contiguous byte range of the given total length.
type layout struct {
	pieceLength int
	length      int64
}

func (l layout) numPieces() int {
	return int((l.length + int64(l.pieceLength) - 1) / int64(l.pieceLength))
}

// Returns the offset into the whole torrent of length bytes at offset in piece.
func (l layout) region(piece, offset, length int) (off int64, err error) {
	if piece < 0 || offset < 0 || length < 0 || offset+length > l.pieceLength {
		err = errors.Wrapf(ErrOutOfRange, "piece %v, %v bytes at %v", piece, length, offset)
		return
	}
	off = int64(piece)*int64(l.pieceLength) + int64(offset)
	if off+int64(length) > l.length {
		err = errors.Wrapf(ErrOutOfRange, "piece %v, %v bytes at %v beyond end %v", piece, length, offset, l.length)
	}
	return
}
