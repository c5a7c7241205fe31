package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// Torrent data in a single memory-mapped file. Uploads are served straight from the mapping.
type MMap struct {
	layout
	mm mmap.MMap
}

// Maps the file at name, creating or extending it to length bytes.
func OpenMMap(name string, pieceLength int, length int64) (_ *MMap, err error) {
	if length <= 0 {
		return nil, fmt.Errorf("can't map %v bytes", length)
	}
	intLen := int(length)
	if int64(intLen) != length {
		return nil, errors.New("size too large for system")
	}
	dir := filepath.Dir(name)
	err = os.MkdirAll(dir, 0o777)
	if err != nil {
		return nil, errors.Wrapf(err, "making directory %q", dir)
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return
	}
	if fi.Size() < length {
		err = f.Truncate(length)
		if err != nil {
			return
		}
	}
	mm, err := mmap.MapRegion(f, intLen, mmap.RDWR, 0, 0)
	if err != nil {
		return nil, errors.Wrap(err, "mapping region")
	}
	return &MMap{
		layout: layout{pieceLength: pieceLength, length: length},
		mm:     mm,
	}, nil
}

func (me *MMap) CopyIntoBuffer(piece, offset int, dst []byte) error {
	off, err := me.region(piece, offset, len(dst))
	if err != nil {
		return err
	}
	copy(dst, me.mm[off:])
	return nil
}

// The returned slice is only valid until Close.
func (me *MMap) BufferForPieceRegion(piece, offset, length int) ([]byte, error) {
	off, err := me.region(piece, offset, length)
	if err != nil {
		return nil, err
	}
	return me.mm[off : off+int64(length) : off+int64(length)], nil
}

func (me *MMap) WriteBlock(piece, offset int, b []byte) error {
	off, err := me.region(piece, offset, len(b))
	if err != nil {
		return err
	}
	copy(me.mm[off:], b)
	return nil
}

func (me *MMap) Flush() error {
	return me.mm.Flush()
}

func (me *MMap) Close() error {
	return me.mm.Unmap()
}
