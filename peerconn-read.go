package peerwire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/anacrolix/log"

	pp "github.com/anacrolix/peerwire/peer_protocol"
)

type readPhase int

const (
	// Waiting on a 4-byte length prefix.
	readLength readPhase = iota
	// Length known, waiting on the type byte and body.
	readMessage
	// Streaming a PIECE payload into the block buffer.
	readPieceData
	// Dropping the rest of a message we won't handle.
	readDiscard
)

// Where reassembly is up to within the current frame.
type readState struct {
	phase readPhase
	// Declared length of the current message, including the type byte.
	length int
	// The block being received in readPieceData.
	block    Request
	received int
	// Bytes still to drop in readDiscard.
	discard int
}

func (cn *PeerConn) OnDataAvailable(b []byte) {
	if !cn.state.canPost() {
		cn.logger.Levelf(log.Debug, "ignoring %v bytes in state %v", len(b), cn.state)
		return
	}
	cn.stats.readBytes(len(b))
	cn.readBuf.Write(b)
	cn.processRead()
}

// Consumes as many whole steps from the accumulator as are available.
func (cn *PeerConn) processRead() {
	for cn.state.canPost() && cn.readStep() {
	}
	if cn.readBuf.Len() == 0 {
		cn.readBuf.Reset()
	}
}

// Advances reassembly by one step. Returns false when more bytes are needed or the connection
// ended.
func (cn *PeerConn) readStep() bool {
	if cn.state == AwaitHandshake {
		return cn.readHandshake()
	}
	switch cn.read.phase {
	case readLength:
		return cn.readLengthPrefix()
	case readMessage:
		return cn.readMessageBody()
	case readPieceData:
		return cn.readPiecePayload()
	case readDiscard:
		n := min(cn.readBuf.Len(), cn.read.discard)
		cn.readBuf.Next(n)
		cn.read.discard -= n
		if cn.read.discard == 0 {
			cn.read = readState{}
			return true
		}
		return n != 0
	default:
		panic(cn.read.phase)
	}
}

func (cn *PeerConn) readHandshake() bool {
	if cn.readBuf.Len() < pp.HandshakeMinLen {
		return false
	}
	h, n, err := pp.UnmarshalHandshake(cn.readBuf.Bytes())
	if errors.Is(err, pp.ErrShortHandshake) {
		return false
	}
	if err != nil {
		panic(err)
	}
	cn.readBuf.Next(n)
	if h.Protocol != pp.ProtocolName {
		cn.closeWithError(fmt.Errorf("%w: %q", ErrBadProtocol, h.Protocol))
		return false
	}
	if h.InfoHash != cn.t.InfoHash() {
		cn.closeWithError(fmt.Errorf("%w: got %v", ErrInfoHashMismatch, h.InfoHash))
		return false
	}
	cn.peerID = h.PeerID
	cn.peerExtensionBits = h.Reserved
	cn.completedHandshake = cn.clock.Now()
	cn.read = readState{}
	cn.setState(Connected)
	cn.logger.Levelf(log.Debug, "completed handshake with %v, extensions %v", cn.peerID, h.Reserved)
	if f := cn.callbacks.CompletedHandshake; f != nil {
		f(cn, h)
	}
	return true
}

func (cn *PeerConn) readLengthPrefix() bool {
	if cn.readBuf.Len() < pp.LengthPrefixLen {
		return false
	}
	length := binary.BigEndian.Uint32(cn.readBuf.Next(pp.LengthPrefixLen))
	if length == 0 {
		cn.stats.KeepalivesRead.Add(1)
		receivedKeepalives.Add(1)
		return true
	}
	if limit := cn.config.MaxMessageLength; limit > 0 && uint64(length) > uint64(limit) {
		cn.closeWithError(fmt.Errorf("%w: %v bytes", ErrMessageTooLong, length))
		return false
	}
	cn.read = readState{
		phase:  readMessage,
		length: int(length),
	}
	return true
}

func (cn *PeerConn) discardMessage(t pp.MessageType, n int) {
	cn.stats.MessagesDropped.Add(1)
	droppedMessages.Add(t.String(), 1)
	if n == 0 {
		cn.read = readState{}
		return
	}
	cn.read = readState{
		phase:   readDiscard,
		discard: n,
	}
}

func (cn *PeerConn) readMessageBody() bool {
	buf := cn.readBuf.Bytes()
	if len(buf) < pp.MessageTypeLen {
		return false
	}
	t := pp.MessageType(buf[0])
	bodyLen := cn.read.length - pp.MessageTypeLen
	if !t.Known() {
		cn.logger.Levelf(log.Debug, "discarding %v byte message of unknown type %v", cn.read.length, byte(t))
		cn.readBuf.Next(pp.MessageTypeLen)
		cn.discardMessage(t, bodyLen)
		return true
	}
	if t == pp.Piece {
		if bodyLen < pp.PieceHeaderLen {
			cn.logger.Levelf(log.Warning, "discarding piece message with length %v", cn.read.length)
			cn.readBuf.Next(pp.MessageTypeLen)
			cn.discardMessage(t, bodyLen)
			return true
		}
		if len(buf) < pp.MessageTypeLen+pp.PieceHeaderLen {
			return false
		}
		if piece := binary.BigEndian.Uint32(buf[pp.MessageTypeLen:]); uint64(piece) >= uint64(cn.t.NumPieces()) {
			cn.logger.Levelf(log.Warning, "discarding block for piece %v of %v", piece, cn.t.NumPieces())
			cn.readBuf.Next(pp.MessageTypeLen + pp.PieceHeaderLen)
			cn.discardMessage(t, bodyLen-pp.PieceHeaderLen)
			return true
		}
		cn.startReceivingBlock(cn.readBuf.Next(pp.MessageTypeLen + pp.PieceHeaderLen)[1:], bodyLen-pp.PieceHeaderLen)
		return true
	}
	if len(buf) < cn.read.length {
		return false
	}
	body := cn.readBuf.Next(cn.read.length)[pp.MessageTypeLen:]
	cn.read = readState{}
	if err := cn.checkBodyLen(t, len(body)); err != nil {
		cn.logger.Levelf(log.Warning, "dropping %v message: %v", t, err)
		cn.stats.MessagesDropped.Add(1)
		droppedMessages.Add(t.String(), 1)
		return true
	}
	var msg pp.Message
	msg.UnmarshalBody(t, body)
	cn.stats.readMsg(t)
	cn.dispatch(msg)
	return true
}

// Validates an untrusted body length before it's handed to the codec.
func (cn *PeerConn) checkBodyLen(t pp.MessageType, n int) error {
	switch t {
	case pp.Bitfield:
		if n != cn.t.BitfieldSize() {
			return fmt.Errorf("%w: got %v bytes, expected %v", ErrBadBitfieldLen, n, cn.t.BitfieldSize())
		}
	case pp.Extended:
		if n < pp.ExtendedHeaderLen {
			return fmt.Errorf("body length %v", n)
		}
	default:
		fixed, _ := t.FixedBodyLen()
		if n != fixed {
			return fmt.Errorf("body length %v, expected %v", n, fixed)
		}
	}
	return nil
}

func (cn *PeerConn) dispatch(msg pp.Message) {
	switch msg.Type {
	case pp.Choke:
		if cn.peerChoking {
			return
		}
		cn.peerChoking = true
		// The peer discards our requests when it chokes us.
		clear(cn.requests)
		if f := cn.callbacks.PeerChokeChanged; f != nil {
			f(cn, true)
		}
	case pp.Unchoke:
		if !cn.peerChoking {
			return
		}
		cn.peerChoking = false
		if f := cn.callbacks.PeerChokeChanged; f != nil {
			f(cn, false)
		}
	case pp.Interested, pp.NotInterested:
		interested := msg.Type == pp.Interested
		if cn.peerInterested == interested {
			return
		}
		cn.peerInterested = interested
		if f := cn.callbacks.PeerInterestChanged; f != nil {
			f(cn, interested)
		}
	case pp.Have:
		piece := msg.Index.Int()
		if piece >= cn.t.NumPieces() {
			cn.logger.Levelf(log.Warning, "dropping have for piece %v of %v", piece, cn.t.NumPieces())
			cn.stats.MessagesDropped.Add(1)
			droppedMessages.Add(msg.Type.String(), 1)
			return
		}
		cn.peerPieces.Add(msg.Index.Uint32())
		if f := cn.callbacks.PeerHave; f != nil {
			f(cn, piece)
		}
	case pp.Bitfield:
		cn.peerPieces.Clear()
		for i := range cn.t.NumPieces() {
			if pp.BitfieldHas(msg.Bitfield, i) {
				cn.peerPieces.Add(uint32(i))
			}
		}
		if f := cn.callbacks.PeerBitfield; f != nil {
			f(cn, msg.Bitfield)
		}
	case pp.Request:
		if f := cn.callbacks.PeerRequest; f != nil {
			f(cn, msg.RequestSpec())
		}
	case pp.Cancel:
		r := msg.RequestSpec()
		cn.CancelRequest(r)
		if f := cn.callbacks.PeerCancel; f != nil {
			f(cn, r)
		}
	case pp.Port:
		if f := cn.callbacks.PeerPort; f != nil {
			f(cn, msg.Port)
		}
	case pp.Extended:
		if f := cn.callbacks.PeerExtended; f != nil {
			f(cn, msg.ExtendedID, msg.ExtendedPayload)
		}
	default:
		panic(msg.Type)
	}
}

func (cn *PeerConn) startReceivingBlock(header []byte, dataLen int) {
	var msg pp.Message
	msg.UnmarshalBody(pp.Piece, header)
	if cap(cn.blockBuf) < dataLen {
		cn.blockBuf = make([]byte, dataLen)
	}
	cn.blockBuf = cn.blockBuf[:dataLen]
	cn.read = readState{
		phase:  readPieceData,
		length: cn.read.length,
		block: Request{
			Index:  msg.Index,
			Begin:  msg.Begin,
			Length: pp.Integer(dataLen),
		},
	}
	if st := cn.pieceStatus[msg.Index.Int()]; st != PieceStatusReceived {
		cn.MarkPiece(msg.Index.Int(), PieceStatusReceiving)
	}
}

func (cn *PeerConn) readPiecePayload() bool {
	r := &cn.read
	n := copy(cn.blockBuf[r.received:], cn.readBuf.Next(len(cn.blockBuf)-r.received))
	if n != 0 {
		r.received += n
		cn.stats.BytesReadData.Add(int64(n))
		cn.downloadRate.Add(cn.clock.Now(), int64(n))
	}
	if r.received < len(cn.blockBuf) {
		return false
	}
	req := r.block
	cn.read = readState{}
	cn.receivedBlock(req)
	return true
}

func (cn *PeerConn) receivedBlock(r Request) {
	cn.stats.readMsg(pp.Piece)
	cn.stats.ChunksRead.Add(1)
	if _, ok := cn.requests[r]; ok {
		delete(cn.requests, r)
		cn.stats.ChunksReadWanted.Add(1)
	} else {
		cn.stats.ChunksReadUnwanted.Add(1)
		unwantedChunks.Add(1)
	}
	if f := cn.callbacks.BlockComplete; f != nil {
		f(cn, r, cn.blockBuf)
	}
}
