package storage

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var piecesBucketKey = []byte("pieces")

// Torrent data in a bbolt database, one value per piece. Missing pieces read as zeroes.
type Bolt struct {
	layout
	db *bbolt.DB
}

func OpenBolt(path string, pieceLength int, length int64) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", path)
	}
	db.NoSync = true
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(piecesBucketKey)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{
		layout: layout{pieceLength: pieceLength, length: length},
		db:     db,
	}, nil
}

func pieceKey(piece int) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(piece))
}

func (me *Bolt) CopyIntoBuffer(piece, offset int, dst []byte) error {
	if _, err := me.region(piece, offset, len(dst)); err != nil {
		return err
	}
	return me.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(piecesBucketKey).Get(pieceKey(piece))
		n := 0
		if offset < len(v) {
			n = copy(dst, v[offset:])
		}
		clear(dst[n:])
		return nil
	})
}

// bbolt values are only valid inside a transaction, so this always copies.
func (me *Bolt) BufferForPieceRegion(piece, offset, length int) ([]byte, error) {
	b := make([]byte, length)
	err := me.CopyIntoBuffer(piece, offset, b)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (me *Bolt) WriteBlock(piece, offset int, b []byte) error {
	if _, err := me.region(piece, offset, len(b)); err != nil {
		return err
	}
	return me.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(piecesBucketKey)
		key := pieceKey(piece)
		v := bucket.Get(key)
		buf := make([]byte, max(len(v), offset+len(b)))
		copy(buf, v)
		copy(buf[offset:], b)
		return bucket.Put(key, buf)
	})
}

// Pieces with any data written.
func (me *Bolt) NumStoredPieces() (n int, err error) {
	err = me.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(piecesBucketKey).Stats().KeyN
		return nil
	})
	return
}

func (me *Bolt) Close() error {
	return me.db.Close()
}
