package main

import (
	"io"

	"github.com/anacrolix/peerwire/storage"
)

type closableStorage interface {
	blockStorage
	io.Closer
}

// Opens the torrent data at path, as a memory-mapped file or a bolt database.
func openStorage(path string, bolt bool, pieceLength int, length int64) (closableStorage, error) {
	if bolt {
		return storage.OpenBolt(path, pieceLength, length)
	}
	return storage.OpenMMap(path, pieceLength, length)
}
