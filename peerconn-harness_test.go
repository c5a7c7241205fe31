package peerwire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/anacrolix/torrent/types/infohash"
	"github.com/stretchr/testify/require"

	pp "github.com/anacrolix/peerwire/peer_protocol"
)

var (
	testInfoHash   = infohash.HashBytes([]byte("peerwire test torrent"))
	testRemotePeer = PeerID{'-', 'R', 'M', '0', '0', '0', '1', '-', 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	testRemoteAddr = netip.MustParseAddrPort("192.0.2.1:6881")
)

// A Transport whose send capacity is controlled by the test. Sent bytes accumulate in sent.
type testTransport struct {
	events     TransportEvents
	capacity   int
	sent       bytes.Buffer
	closes     int
	bound      netip.AddrPort
	connectTo  netip.AddrPort
	connectErr error
	// Accept one byte less than offered.
	shortSends bool
}

var _ Transport = (*testTransport)(nil)

func (me *testTransport) SetEvents(events TransportEvents) {
	me.events = events
}

func (me *testTransport) Bind(local netip.AddrPort) error {
	me.bound = local
	return nil
}

func (me *testTransport) Connect(remote netip.AddrPort) error {
	me.connectTo = remote
	return me.connectErr
}

func (me *testTransport) Send(b []byte) int {
	n := min(len(b), me.capacity)
	if me.shortSends && n > 0 {
		n--
	}
	me.sent.Write(b[:n])
	me.capacity -= n
	return n
}

func (me *testTransport) SendCapacity() int {
	return me.capacity
}

func (me *testTransport) Close() error {
	me.closes++
	return nil
}

func (me *testTransport) grant(n int) {
	me.capacity += n
	me.events.OnSendCapacityAvailable(me.capacity)
}

// Decodes everything sent after our handshake.
func (me *testTransport) messages(t testing.TB) (ret []pp.Message) {
	t.Helper()
	b := me.sent.Bytes()
	require.GreaterOrEqual(t, len(b), pp.HandshakeMinLen)
	d := pp.Decoder{
		R:         bufio.NewReader(bytes.NewReader(b[pp.HandshakeMinLen:])),
		MaxLength: 1 << 20,
	}
	for {
		var msg pp.Message
		err := d.Decode(&msg)
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		ret = append(ret, msg)
	}
}

type testClock struct {
	now time.Time
}

func (me *testClock) Now() time.Time {
	return me.now
}

func (me *testClock) advance(d time.Duration) {
	me.now = me.now.Add(d)
}

// Serves deterministic block data, failing for the pieces in fail.
type testStorage struct {
	fail map[int]bool
}

var errTestStorage = errors.New("test storage failure")

func testBlockData(piece, offset, length int) []byte {
	b := make([]byte, length)
	for i := range b {
		b[i] = byte(piece*31 + offset + i)
	}
	return b
}

func (me testStorage) CopyIntoBuffer(piece, offset int, dst []byte) error {
	if me.fail[piece] {
		return errTestStorage
	}
	copy(dst, testBlockData(piece, offset, len(dst)))
	return nil
}

func (me testStorage) BufferForPieceRegion(piece, offset, length int) ([]byte, error) {
	if me.fail[piece] {
		return nil, errTestStorage
	}
	return testBlockData(piece, offset, length), nil
}

// Records callbacks as strings, in order.
type eventRecorder struct {
	events []string
	blocks [][]byte
	errs   []error
}

func (me *eventRecorder) add(format string, args ...any) {
	me.events = append(me.events, fmt.Sprintf(format, args...))
}

func (me *eventRecorder) reset() {
	me.events = nil
	me.blocks = nil
	me.errs = nil
}

func (me *eventRecorder) callbacks() Callbacks {
	return Callbacks{
		CompletedHandshake: func(_ *PeerConn, h pp.Handshake) {
			me.add("handshake %x", h.PeerID)
		},
		PeerChokeChanged: func(_ *PeerConn, choking bool) {
			me.add("choking %v", choking)
		},
		PeerInterestChanged: func(_ *PeerConn, interested bool) {
			me.add("interested %v", interested)
		},
		PeerHave: func(_ *PeerConn, piece int) {
			me.add("have %v", piece)
		},
		PeerBitfield: func(_ *PeerConn, bitfield []byte) {
			me.add("bitfield %x", bitfield)
		},
		PeerRequest: func(_ *PeerConn, r Request) {
			me.add("request %v", r)
		},
		PeerCancel: func(_ *PeerConn, r Request) {
			me.add("cancel %v", r)
		},
		PeerPort: func(_ *PeerConn, port uint16) {
			me.add("port %v", port)
		},
		PeerExtended: func(_ *PeerConn, id pp.ExtensionNumber, payload []byte) {
			me.add("extended %v %q", id, payload)
		},
		BlockComplete: func(_ *PeerConn, r Request, data []byte) {
			me.add("block %v", r)
			me.blocks = append(me.blocks, bytes.Clone(data))
		},
		BlockUploadComplete: func(_ *PeerConn, r Request) {
			me.add("uploaded %v", r)
		},
		UploadCancelled: func(_ *PeerConn, r Request) {
			me.add("upload cancelled %v", r)
		},
		Unregister: func(*PeerConn) {
			me.add("unregister")
		},
		ConnectionClosed: func(*PeerConn) {
			me.add("closed")
		},
		ConnectionFailed: func(_ *PeerConn, err error) {
			me.add("failed")
			me.errs = append(me.errs, err)
		},
	}
}

type testConn struct {
	*PeerConn
	tr      *testTransport
	rec     *eventRecorder
	clock   *testClock
	storage testStorage
}

func testTorrentInfo() StaticTorrentInfo {
	return StaticTorrentInfo{
		Pieces:   10,
		PieceLen: 1 << 18,
		Hash:     testInfoHash,
	}
}

func remoteHandshake() []byte {
	h := pp.Handshake{
		Reserved: pp.NewPeerExtensionBytes(pp.ExtensionBitLtep, pp.ExtensionBitDht),
		InfoHash: testInfoHash,
		PeerID:   testRemotePeer,
	}
	b, err := h.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

// A connection that has been served a transport but hasn't seen the remote handshake.
func newAwaitingTestConn(t testing.TB) *testConn {
	rec := &eventRecorder{}
	clock := &testClock{now: time.Unix(1_000_000, 0)}
	cfg := TestingConfig()
	cfg.Clock = clock
	storage := testStorage{fail: make(map[int]bool)}
	cn := NewPeerConn(cfg, testTorrentInfo(), storage, rec.callbacks())
	tr := &testTransport{capacity: 1 << 20}
	require.NoError(t, cn.ServeNewPeer(tr, testRemoteAddr))
	return &testConn{
		PeerConn: cn,
		tr:       tr,
		rec:      rec,
		clock:    clock,
		storage:  storage,
	}
}

// A Connected connection with the recorder cleared.
func newTestConn(t testing.TB) *testConn {
	tc := newAwaitingTestConn(t)
	tc.OnDataAvailable(remoteHandshake())
	require.Equal(t, Connected, tc.State())
	tc.rec.reset()
	return tc
}

func frame(msg pp.Message) []byte {
	return msg.MustMarshalBinary()
}

func pieceFrame(r Request) []byte {
	return frame(pp.Message{
		Type:  pp.Piece,
		Index: r.Index,
		Begin: r.Begin,
		Piece: testBlockData(r.Index.Int(), r.Begin.Int(), r.Length.Int()),
	})
}

func req(index, begin, length int) Request {
	return Request{
		Index:  pp.Integer(index),
		Begin:  pp.Integer(begin),
		Length: pp.Integer(length),
	}
}
