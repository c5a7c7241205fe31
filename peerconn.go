package peerwire

import (
	"bytes"
	"fmt"
	"net/netip"
	"time"

	"github.com/RoaringBitmap/roaring"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"

	"github.com/anacrolix/peerwire/internal/ratewindow"
	pp "github.com/anacrolix/peerwire/peer_protocol"
)

type PieceStatus byte

const (
	PieceStatusUnknown PieceStatus = iota
	// At least one block was received from this peer.
	PieceStatusReceiving
	// Marked by the owner, typically after the piece passed verification.
	PieceStatusReceived
	// Marked by the owner after the piece failed verification.
	PieceStatusCorrupt
)

func (me PieceStatus) String() string {
	switch me {
	case PieceStatusUnknown:
		return "unknown"
	case PieceStatusReceiving:
		return "receiving"
	case PieceStatusReceived:
		return "received"
	case PieceStatusCorrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("PieceStatus(%d)", byte(me))
	}
}

type blockUpload struct {
	req Request
	// Payload not yet handed to the transport.
	remaining []byte
}

// Maintains the state of a connection with one remote peer. All methods and transport events must
// be serialized by the owner's event loop: PeerConn does no locking of its own.
type PeerConn struct {
	config    *PeerConnConfig
	t         TorrentInfo
	storage   Storage
	callbacks Callbacks
	logger    log.Logger
	clock     Clock

	state ConnState
	// The state the connection was in before it was deinitialized.
	terminalState ConnState
	closeErr      error
	transport     Transport
	remoteAddr    netip.AddrPort
	outgoing      bool

	// Stuff controlled by the local peer.
	amChoking    bool
	amInterested bool
	// Requests we've posted that the peer hasn't answered.
	requests map[Request]struct{}

	// Stuff controlled by the remote peer.
	peerID             PeerID
	peerExtensionBits  pp.PeerExtensionBits
	peerChoking        bool
	peerInterested     bool
	peerPieces         roaring.Bitmap
	completedHandshake time.Time

	pieceStatus map[int]PieceStatus

	sendQueue sendQueue
	upload    g.Option[blockUpload]
	// Set while the send queue is being drained, so callbacks that post don't recurse into it.
	draining bool
	scratch  []byte

	readBuf bytes.Buffer
	read    readState
	// Reused for every received block, grown to the largest block seen.
	blockBuf []byte

	downloadRate ratewindow.Window
	uploadRate   ratewindow.Window
	stats        ConnStats
}

var _ TransportEvents = (*PeerConn)(nil)

func NewPeerConn(config *PeerConnConfig, t TorrentInfo, storage Storage, callbacks Callbacks) *PeerConn {
	if config == nil {
		config = NewDefaultPeerConnConfig()
	}
	cn := &PeerConn{
		config:      config,
		t:           t,
		storage:     storage,
		callbacks:   callbacks,
		logger:      config.Logger.WithNames("peerwire", "conn"),
		clock:       config.clock(),
		state:       NotConnected,
		amChoking:   true,
		peerChoking: true,
	}
	cn.downloadRate = *ratewindow.New(config.RateWindowSeconds)
	cn.uploadRate = *ratewindow.New(config.RateWindowSeconds)
	return cn
}

func (cn *PeerConn) String() string {
	return fmt.Sprintf("%v (%v)", cn.remoteAddr, cn.state)
}

// Opens an outbound connection. Only valid for a new connection.
func (cn *PeerConn) ConnectToPeer(addr netip.AddrPort) error {
	if cn.state != NotConnected {
		return fmt.Errorf("connecting to %v: %w: %v", addr, ErrBadState, cn.state)
	}
	if cn.config.Dialer == nil {
		return ErrNoDialer
	}
	tr, err := cn.config.Dialer.NewTransport()
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}
	cn.setTransport(tr, addr, true)
	if cn.config.LocalAddr.IsValid() {
		err = tr.Bind(cn.config.LocalAddr)
		if err != nil {
			err = fmt.Errorf("binding %v: %w", cn.config.LocalAddr, err)
			cn.terminate(Failed, err, false, true)
			return err
		}
	}
	cn.setState(AwaitConnection)
	err = tr.Connect(addr)
	if err != nil {
		err = fmt.Errorf("connecting to %v: %w", addr, err)
		cn.terminate(Failed, err, false, true)
		return err
	}
	return nil
}

// Takes over an accepted inbound transport and sends our handshake.
func (cn *PeerConn) ServeNewPeer(tr Transport, addr netip.AddrPort) error {
	if cn.state != NotConnected {
		return fmt.Errorf("serving %v: %w: %v", addr, ErrBadState, cn.state)
	}
	cn.setTransport(tr, addr, false)
	cn.startHandshake()
	return nil
}

func (cn *PeerConn) setTransport(tr Transport, addr netip.AddrPort, outgoing bool) {
	cn.transport = tr
	cn.remoteAddr = addr
	cn.outgoing = outgoing
	cn.logger = cn.logger.WithContextText(addr.String())
	tr.SetEvents(cn)
}

func (cn *PeerConn) setState(s ConnState) {
	cn.logger.Levelf(log.Debug, "state %v -> %v", cn.state, s)
	cn.state = s
	connStateTransitions.WithLabelValues(s.String()).Inc()
}

func (cn *PeerConn) startHandshake() {
	cn.setState(AwaitHandshake)
	cn.read = readState{}
	h := pp.Handshake{
		Reserved: cn.config.Extensions,
		InfoHash: cn.t.InfoHash(),
		PeerID:   cn.config.PeerID,
	}
	b, err := h.MarshalBinary()
	if err != nil {
		panic(err)
	}
	cn.sendQueue.pushHandshake(b)
	cn.handleSend()
}

// Closes the connection. If silent, the owner isn't notified. Repeated calls are no-ops.
func (cn *PeerConn) CloseConnection(silent bool) {
	cn.terminate(Closed, nil, silent, true)
}

func (cn *PeerConn) closeWithError(err error) {
	cn.logger.Levelf(log.Warning, "closing: %v", err)
	cn.terminate(ClosedWithError, err, false, true)
}

// Moves to the terminal state s, notifies the owner once, and releases everything.
func (cn *PeerConn) terminate(s ConnState, err error, silent, closeTransport bool) {
	if cn.state.terminal() || cn.state == Deinitialized {
		return
	}
	cn.setState(s)
	cn.terminalState = s
	cn.closeErr = err
	cn.amChoking = true
	cn.peerChoking = true
	connsTerminated.Add(s.String(), 1)
	if closeTransport && cn.transport != nil {
		if err := cn.transport.Close(); err != nil {
			cn.logger.Levelf(log.Debug, "closing transport: %v", err)
		}
	}
	if !silent {
		if f := cn.callbacks.Unregister; f != nil {
			f(cn)
		}
		if s == Closed {
			if f := cn.callbacks.ConnectionClosed; f != nil {
				f(cn)
			}
		} else if f := cn.callbacks.ConnectionFailed; f != nil {
			f(cn, err)
		}
	}
	cn.deinit()
}

func (cn *PeerConn) deinit() {
	cn.setState(Deinitialized)
	cn.transport = nil
	cn.sendQueue.clear()
	cn.upload = g.None[blockUpload]()
	cn.readBuf = bytes.Buffer{}
	cn.read = readState{}
	cn.blockBuf = nil
	cn.scratch = nil
	cn.requests = nil
}

func (cn *PeerConn) State() ConnState {
	return cn.state
}

// The state the connection ended in, or the current state if it hasn't ended.
func (cn *PeerConn) TerminalState() ConnState {
	if cn.state == Deinitialized {
		return cn.terminalState
	}
	return cn.state
}

// Why the connection ended, if it ended badly.
func (cn *PeerConn) Err() error {
	return cn.closeErr
}

func (cn *PeerConn) RemoteAddr() netip.AddrPort {
	return cn.remoteAddr
}

func (cn *PeerConn) Outgoing() bool {
	return cn.outgoing
}

func (cn *PeerConn) PeerID() PeerID {
	return cn.peerID
}

func (cn *PeerConn) PeerExtensionBits() pp.PeerExtensionBits {
	return cn.peerExtensionBits
}

// When the remote handshake was received. Zero if it hasn't been.
func (cn *PeerConn) CompletedHandshake() time.Time {
	return cn.completedHandshake
}

func (cn *PeerConn) AmChoking() bool      { return cn.amChoking }
func (cn *PeerConn) AmInterested() bool   { return cn.amInterested }
func (cn *PeerConn) PeerChoking() bool    { return cn.peerChoking }
func (cn *PeerConn) PeerInterested() bool { return cn.peerInterested }

func (cn *PeerConn) PeerHasPiece(piece int) bool {
	return piece >= 0 && cn.peerPieces.Contains(uint32(piece))
}

// A copy of the pieces the peer claims to have.
func (cn *PeerConn) PeerPieces() *roaring.Bitmap {
	return cn.peerPieces.Clone()
}

// The peer's pieces packed as a BITFIELD body.
func (cn *PeerConn) PeerBitfield() []byte {
	b := make([]byte, cn.t.BitfieldSize())
	cn.peerPieces.Iterate(func(x uint32) bool {
		if int(x)/8 < len(b) {
			pp.BitfieldSet(b, int(x))
		}
		return true
	})
	return b
}

func (cn *PeerConn) PieceStatus(piece int) PieceStatus {
	return cn.pieceStatus[piece]
}

func (cn *PeerConn) MarkPiece(piece int, status PieceStatus) {
	g.MakeMapIfNil(&cn.pieceStatus)
	cn.pieceStatus[piece] = status
}

// Download rate in bits per second over the rolling window.
func (cn *PeerConn) DownloadRate() float64 {
	return cn.downloadRate.Rate(cn.clock.Now())
}

// Upload rate in bits per second over the rolling window.
func (cn *PeerConn) UploadRate() float64 {
	return cn.uploadRate.Rate(cn.clock.Now())
}

func (cn *PeerConn) Stats() ConnStats {
	return cn.stats.Copy()
}

// Outstanding requests we've made to the peer.
func (cn *PeerConn) NumRequests() int {
	return len(cn.requests)
}

// Uploads queued to the peer, including one partly sent.
func (cn *PeerConn) NumQueuedUploads() int {
	return cn.sendQueue.numUploads()
}

func (cn *PeerConn) OnConnected() {
	if cn.state != AwaitConnection {
		cn.logger.Levelf(log.Debug, "connected event in state %v", cn.state)
		return
	}
	cn.startHandshake()
}

func (cn *PeerConn) OnConnectFailed(err error) {
	if cn.state != AwaitConnection {
		return
	}
	cn.logger.Levelf(log.Debug, "connect failed: %v", err)
	cn.terminate(Failed, err, false, false)
}

func (cn *PeerConn) OnClosed() {
	cn.terminate(Closed, nil, false, false)
}

func (cn *PeerConn) OnClosedWithError(err error) {
	cn.logger.Levelf(log.Debug, "transport error: %v", err)
	cn.terminate(ClosedWithError, err, false, false)
}

func (cn *PeerConn) OnSendCapacityAvailable(int) {
	cn.handleSend()
}

func (cn *PeerConn) OnDataSent(n int) {
	cn.stats.BytesFlushed.Add(int64(n))
}
