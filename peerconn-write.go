package peerwire

import (
	"fmt"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"

	pp "github.com/anacrolix/peerwire/peer_protocol"
)

// Queues msg for the peer. Returns false if the connection isn't in a state to send.
func (cn *PeerConn) post(msg pp.Message) bool {
	if !cn.state.canPost() {
		cn.logger.Levelf(log.Debug, "not posting %v in state %v", msg, cn.state)
		return false
	}
	e := sendQueueEntry{
		frame: msg.MustMarshalBinary(),
		msg:   msg,
	}
	e.msg.Bitfield = nil
	e.msg.ExtendedPayload = nil
	if msg.Keepalive {
		postedKeepalives.Add(1)
		cn.sendQueue.pushBack(e)
	} else {
		messageTypesPosted.Add(msg.Type.String(), 1)
		switch msg.Type {
		case pp.Have, pp.Cancel:
			cn.sendQueue.pushPriority(e, cn.upload.Ok)
		default:
			cn.sendQueue.pushBack(e)
		}
	}
	cn.handleSend()
	return true
}

func (cn *PeerConn) SetAmChoking(choking bool) {
	if cn.amChoking == choking || !cn.state.canPost() {
		return
	}
	cn.amChoking = choking
	if choking {
		cn.post(pp.Message{Type: pp.Choke})
		// The peer expects its outstanding requests to be discarded.
		cn.dropQueuedUploads()
	} else {
		cn.post(pp.Message{Type: pp.Unchoke})
	}
}

func (cn *PeerConn) SetAmInterested(interested bool) {
	if cn.amInterested == interested || !cn.state.canPost() {
		return
	}
	cn.amInterested = interested
	if interested {
		cn.post(pp.Message{Type: pp.Interested})
	} else {
		cn.post(pp.Message{Type: pp.NotInterested})
	}
}

// Asks the peer for a block. Repeat requests for a block still outstanding are ignored.
func (cn *PeerConn) RequestPiece(r Request) {
	if _, ok := cn.requests[r]; ok {
		return
	}
	if !cn.post(r.ToMsg(pp.Request)) {
		return
	}
	g.MakeMapIfNilAndSet(&cn.requests, r, struct{}{})
}

// Withdraws one of our requests. If the REQUEST hasn't left the queue yet it's removed instead of
// following it with a CANCEL.
func (cn *PeerConn) SendCancel(r Request) {
	if !cn.state.canPost() {
		return
	}
	delete(cn.requests, r)
	if cn.sendQueue.removeRequestMessage(r) {
		cn.logger.Levelf(log.Debug, "elided queued request %v", r)
		return
	}
	cn.post(r.ToMsg(pp.Cancel))
}

// Drops a queued upload for r that hasn't started. Returns false if there's no such upload,
// including when r is the block currently being sent, which is left to complete.
func (cn *PeerConn) CancelRequest(r Request) bool {
	if !cn.sendQueue.removeUpload(r, cn.upload.Ok) {
		cn.logger.Levelf(log.Debug, "no cancellable upload for %v", r)
		unmatchedCancels.Add(1)
		return false
	}
	if f := cn.callbacks.UploadCancelled; f != nil {
		f(cn, r)
	}
	return true
}

// Drops every queued upload except one in flight.
func (cn *PeerConn) dropQueuedUploads() {
	var dropped []Request
	if cn.sendQueue.requests != nil {
		e := cn.sendQueue.requests.Front()
		if cn.upload.Ok && e != nil {
			e = e.Next()
		}
		for ; e != nil; e = e.Next() {
			dropped = append(dropped, e.Value)
		}
	}
	for _, r := range dropped {
		cn.CancelRequest(r)
	}
}

// Queues a PIECE answering r. The data is read from storage when the block reaches the front of the
// queue.
func (cn *PeerConn) SendBlock(r Request) {
	if !cn.state.canPost() {
		cn.logger.Levelf(log.Debug, "not sending block %v in state %v", r, cn.state)
		return
	}
	messageTypesPosted.Add(pp.Piece.String(), 1)
	cn.sendQueue.pushPiece(r)
	cn.handleSend()
}

func (cn *PeerConn) SendHave(piece int) {
	cn.post(pp.MakeHaveMessage(pp.Integer(piece)))
}

// Sends our pieces as a packed bitfield, which must be exactly the torrent's bitfield size.
func (cn *PeerConn) SendBitfield(bitfield []byte) {
	if len(bitfield) != cn.t.BitfieldSize() {
		cn.logger.Levelf(log.Error, "not sending bitfield: %v", fmt.Errorf(
			"%w: got %v bytes, expected %v", ErrBadBitfieldLen, len(bitfield), cn.t.BitfieldSize()))
		return
	}
	cn.post(pp.Message{Type: pp.Bitfield, Bitfield: bitfield})
}

func (cn *PeerConn) SendKeepAlive() {
	cn.post(pp.Message{Keepalive: true})
}

func (cn *PeerConn) SendPort(port uint16) {
	cn.post(pp.Message{Type: pp.Port, Port: port})
}

func (cn *PeerConn) SendExtended(id pp.ExtensionNumber, payload []byte) {
	cn.post(pp.Message{Type: pp.Extended, ExtendedID: id, ExtendedPayload: payload})
}

// Hands queued data to the transport until the queue is empty or the transport is full. Callbacks
// fired from here may post more messages, which are picked up by the same loop.
func (cn *PeerConn) handleSend() {
	if cn.draining {
		return
	}
	cn.draining = true
	defer func() { cn.draining = false }()
	for cn.transport != nil && cn.state.canPost() && cn.sendStep() {
	}
}

// Returns false when nothing more can be sent for now.
func (cn *PeerConn) sendStep() bool {
	capacity := cn.transport.SendCapacity()
	if cn.upload.Ok {
		return cn.continueUpload(capacity)
	}
	e, ok := cn.sendQueue.front()
	if !ok {
		return false
	}
	if e.piece {
		if capacity < pp.PieceFrameOverhead {
			return false
		}
		return cn.startUpload()
	}
	if capacity < len(e.frame) {
		return false
	}
	if !cn.sendFrame(e.frame) {
		return false
	}
	cn.sendQueue.popFront()
	if !e.handshake && !e.msg.Keepalive {
		cn.stats.wroteMsg(e.msg.Type)
	}
	return true
}

// Sends all of b, which the caller has checked fits in the transport's capacity.
func (cn *PeerConn) sendFrame(b []byte) bool {
	n := cn.transport.Send(b)
	cn.stats.wroteBytes(n)
	if n != len(b) {
		cn.closeWithError(fmt.Errorf("%w: %v of %v", ErrShortSend, n, len(b)))
		return false
	}
	return true
}

func (cn *PeerConn) startUpload() bool {
	r, _ := cn.sendQueue.frontRequest()
	data, err := cn.storage.BufferForPieceRegion(r.Index.Int(), r.Begin.Int(), r.Length.Int())
	if err == nil && len(data) != r.Length.Int() {
		err = fmt.Errorf("storage returned %v bytes", len(data))
	}
	if err != nil {
		cn.logger.Levelf(log.Warning, "dropping upload of %v: %v", r, err)
		cn.sendQueue.popFront()
		if f := cn.callbacks.UploadCancelled; f != nil {
			f(cn, r)
		}
		return true
	}
	cn.scratch = pp.AppendPieceFrameHeader(cn.scratch[:0], r.Index, r.Begin, len(data))
	if !cn.sendFrame(cn.scratch) {
		return false
	}
	cn.upload = g.Some(blockUpload{
		req:       r,
		remaining: data,
	})
	return true
}

func (cn *PeerConn) continueUpload(capacity int) bool {
	up := &cn.upload.Value
	if len(up.remaining) != 0 {
		n := min(capacity, len(up.remaining))
		if n <= 0 {
			return false
		}
		n = cn.transport.Send(up.remaining[:n])
		if n == 0 {
			return false
		}
		up.remaining = up.remaining[n:]
		cn.stats.wroteBytes(n)
		cn.stats.BytesWrittenData.Add(int64(n))
		cn.uploadRate.Add(cn.clock.Now(), int64(n))
		if len(up.remaining) != 0 {
			return true
		}
	}
	r := up.req
	cn.upload = g.None[blockUpload]()
	cn.sendQueue.popFront()
	cn.stats.ChunksWritten.Add(1)
	cn.stats.wroteMsg(pp.Piece)
	if f := cn.callbacks.BlockUploadComplete; f != nil {
		f(cn, r)
	}
	return true
}
