package peerwire

import (
	"fmt"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/types/infohash"

	pp "github.com/anacrolix/peerwire/peer_protocol"
)

// The read-only torrent descriptor a connection needs.
type TorrentInfo interface {
	NumPieces() int
	PieceLength() int
	// Bytes in a full BITFIELD message body.
	BitfieldSize() int
	InfoHash() infohash.T
}

type StaticTorrentInfo struct {
	Pieces   int
	PieceLen int
	Hash     infohash.T
}

var _ TorrentInfo = StaticTorrentInfo{}

func (me StaticTorrentInfo) NumPieces() int       { return me.Pieces }
func (me StaticTorrentInfo) PieceLength() int     { return me.PieceLen }
func (me StaticTorrentInfo) BitfieldSize() int    { return pp.BitfieldByteLen(me.Pieces) }
func (me StaticTorrentInfo) InfoHash() infohash.T { return me.Hash }

// Adapts a parsed .torrent file.
type MetainfoTorrent struct {
	Info     metainfo.Info
	infoHash infohash.T
}

var _ TorrentInfo = (*MetainfoTorrent)(nil)

func NewMetainfoTorrent(mi *metainfo.MetaInfo) (*MetainfoTorrent, error) {
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("unmarshalling info: %w", err)
	}
	if info.PieceLength <= 0 {
		return nil, fmt.Errorf("bad piece length %v", info.PieceLength)
	}
	return &MetainfoTorrent{
		Info:     info,
		infoHash: mi.HashInfoBytes(),
	}, nil
}

func (me *MetainfoTorrent) NumPieces() int       { return me.Info.NumPieces() }
func (me *MetainfoTorrent) PieceLength() int     { return int(me.Info.PieceLength) }
func (me *MetainfoTorrent) BitfieldSize() int    { return pp.BitfieldByteLen(me.NumPieces()) }
func (me *MetainfoTorrent) InfoHash() infohash.T { return me.infoHash }

// Length of piece i, which is shorter than PieceLength for the last piece.
func (me *MetainfoTorrent) PieceLen(i int) int {
	return int(me.Info.Piece(i).Length())
}

func (me *MetainfoTorrent) PieceHash(i int) infohash.T {
	return me.Info.Piece(i).V1Hash().Unwrap()
}

func (me *MetainfoTorrent) TotalLength() int64 {
	return me.Info.TotalLength()
}
