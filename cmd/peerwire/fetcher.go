package main

import (
	"errors"

	"github.com/anacrolix/log"

	"github.com/anacrolix/peerwire"
	pp "github.com/anacrolix/peerwire/peer_protocol"
	"github.com/anacrolix/peerwire/storage"
)

type blockStorage interface {
	peerwire.Storage
	storage.BlockWriter
}

// Requests every block of a torrent from one peer, keeping a bounded number outstanding, and
// verifies pieces as they complete.
type fetcher struct {
	numPieces      int
	pieceLen       func(piece int) int
	storage        blockStorage
	verify         func(piece int, data []byte) bool
	maxOutstanding int
	logger         log.Logger
	done           func(error)

	pending     []peerwire.Request
	outstanding map[peerwire.Request]struct{}
	// Blocks still needed, per piece.
	blocksLeft []int
	piecesDone int
	bytesDone  int64
	finished   bool
}

func newFetcher(numPieces int, pieceLen func(int) int, s blockStorage, done func(error)) *fetcher {
	f := &fetcher{
		numPieces:      numPieces,
		pieceLen:       pieceLen,
		storage:        s,
		maxOutstanding: 64,
		logger:         log.Default,
		done:           done,
		outstanding:    make(map[peerwire.Request]struct{}),
		blocksLeft:     make([]int, numPieces),
	}
	for p := range numPieces {
		f.queuePiece(p)
	}
	return f
}

func (f *fetcher) queuePiece(piece int) {
	l := f.pieceLen(piece)
	f.blocksLeft[piece] = 0
	for begin := 0; begin < l; begin += peerwire.DefaultChunkSize {
		f.pending = append(f.pending, peerwire.Request{
			Index:  pp.Integer(piece),
			Begin:  pp.Integer(begin),
			Length: pp.Integer(min(peerwire.DefaultChunkSize, l-begin)),
		})
		f.blocksLeft[piece]++
	}
}

func (f *fetcher) callbacks() peerwire.Callbacks {
	return peerwire.Callbacks{
		PeerBitfield: func(cn *peerwire.PeerConn, _ []byte) {
			cn.SetAmInterested(true)
			f.requestMore(cn)
		},
		PeerHave: func(cn *peerwire.PeerConn, _ int) {
			cn.SetAmInterested(true)
			f.requestMore(cn)
		},
		PeerChokeChanged: func(cn *peerwire.PeerConn, choking bool) {
			if choking {
				// The peer discards our requests when it chokes us.
				for r := range f.outstanding {
					f.pending = append(f.pending, r)
				}
				clear(f.outstanding)
				return
			}
			f.requestMore(cn)
		},
		BlockComplete: f.blockComplete,
		ConnectionClosed: func(*peerwire.PeerConn) {
			f.finish(errors.New("connection closed before download finished"))
		},
		ConnectionFailed: func(_ *peerwire.PeerConn, err error) {
			f.finish(err)
		},
	}
}

func (f *fetcher) finish(err error) {
	if f.finished {
		return
	}
	f.finished = true
	f.done(err)
}

func (f *fetcher) requestMore(cn *peerwire.PeerConn) {
	if cn.PeerChoking() {
		return
	}
	kept := f.pending[:0]
	for _, r := range f.pending {
		if len(f.outstanding) >= f.maxOutstanding || !cn.PeerHasPiece(r.Index.Int()) {
			kept = append(kept, r)
			continue
		}
		f.outstanding[r] = struct{}{}
		cn.RequestPiece(r)
	}
	f.pending = kept
}

func (f *fetcher) blockComplete(cn *peerwire.PeerConn, r peerwire.Request, b []byte) {
	if _, ok := f.outstanding[r]; !ok {
		return
	}
	delete(f.outstanding, r)
	if err := f.storage.WriteBlock(r.Index.Int(), r.Begin.Int(), b); err != nil {
		cn.CloseConnection(true)
		f.finish(err)
		return
	}
	f.bytesDone += int64(len(b))
	piece := r.Index.Int()
	f.blocksLeft[piece]--
	if f.blocksLeft[piece] == 0 {
		f.pieceComplete(cn, piece)
	}
	if !f.finished {
		f.requestMore(cn)
	}
}

func (f *fetcher) pieceComplete(cn *peerwire.PeerConn, piece int) {
	if f.verify != nil {
		buf := make([]byte, f.pieceLen(piece))
		if err := f.storage.CopyIntoBuffer(piece, 0, buf); err != nil {
			cn.CloseConnection(true)
			f.finish(err)
			return
		}
		if !f.verify(piece, buf) {
			f.logger.Levelf(log.Warning, "piece %v failed verification, requesting it again", piece)
			cn.MarkPiece(piece, peerwire.PieceStatusCorrupt)
			f.bytesDone -= int64(len(buf))
			f.queuePiece(piece)
			return
		}
	}
	cn.MarkPiece(piece, peerwire.PieceStatusReceived)
	cn.SendHave(piece)
	f.piecesDone++
	if f.piecesDone == f.numPieces {
		cn.CloseConnection(true)
		f.finish(nil)
	}
}

// Serves every piece to whoever asks.
type seeder struct {
	info   peerwire.TorrentInfo
	logger log.Logger
}

func (s seeder) callbacks() peerwire.Callbacks {
	return peerwire.Callbacks{
		CompletedHandshake: func(cn *peerwire.PeerConn, h pp.Handshake) {
			s.logger.Levelf(log.Info, "%v: handshake from %v", cn, peerwire.PeerID(h.PeerID))
			bf := make([]bool, s.info.NumPieces())
			for i := range bf {
				bf[i] = true
			}
			cn.SendBitfield(pp.MarshalBitfield(bf))
		},
		PeerInterestChanged: func(cn *peerwire.PeerConn, interested bool) {
			cn.SetAmChoking(!interested)
		},
		PeerRequest: func(cn *peerwire.PeerConn, r peerwire.Request) {
			if r.Index.Int() >= s.info.NumPieces() {
				s.logger.Levelf(log.Debug, "%v: request for piece %v out of range", cn, r.Index)
				return
			}
			cn.SendBlock(r)
		},
		UploadCancelled: func(cn *peerwire.PeerConn, r peerwire.Request) {
			s.logger.Levelf(log.Debug, "%v: upload of %v cancelled", cn, r)
		},
		ConnectionClosed: func(cn *peerwire.PeerConn) {
			s.logger.Levelf(log.Info, "%v: closed", cn)
		},
		ConnectionFailed: func(cn *peerwire.PeerConn, err error) {
			s.logger.Levelf(log.Info, "%v: failed: %v", cn, err)
		},
	}
}
