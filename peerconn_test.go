package peerwire

import (
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pp "github.com/anacrolix/peerwire/peer_protocol"
)

func TestHandshakeCompletes(t *testing.T) {
	tc := newAwaitingTestConn(t)
	qt.Assert(t, qt.Equals(tc.State(), AwaitHandshake))
	// Our handshake goes out as soon as the transport is served.
	sent := tc.tr.sent.Bytes()
	qt.Assert(t, qt.HasLen(sent, pp.HandshakeMinLen))
	qt.Assert(t, qt.Equals(string(sent[:20]), pp.Protocol))
	qt.Assert(t, qt.Equals(string(sent[20:28]), "\x00\x00\x00\x00\x00\x10\x00\x00"))
	qt.Assert(t, qt.Equals(string(sent[28:48]), testInfoHash.AsString()))
	qt.Assert(t, qt.Equals(string(sent[48:68]), "-PW0100-testingpeer0"))

	tc.OnDataAvailable(remoteHandshake())
	qt.Assert(t, qt.Equals(tc.State(), Connected))
	qt.Assert(t, qt.Equals(tc.PeerID(), testRemotePeer))
	qt.Assert(t, qt.IsTrue(tc.PeerExtensionBits().SupportsExtended()))
	qt.Assert(t, qt.IsTrue(tc.PeerExtensionBits().SupportsDHT()))
	qt.Assert(t, qt.Equals(tc.CompletedHandshake(), tc.clock.now))
	qt.Assert(t, qt.DeepEquals(tc.rec.events, []string{handshakeEvent()}))
}

func handshakeEvent() string {
	return fmt.Sprintf("handshake %x", testRemotePeer[:])
}

func TestHandshakeOneByteAtATime(t *testing.T) {
	tc := newAwaitingTestConn(t)
	hs := remoteHandshake()
	for i := range hs {
		require.Equal(t, AwaitHandshake, tc.State(), i)
		tc.OnDataAvailable(hs[i : i+1])
	}
	require.Equal(t, Connected, tc.State())
	require.Equal(t, testRemotePeer, tc.PeerID())
}

func TestHandshakeFollowedByMessagesInOneDelivery(t *testing.T) {
	tc := newAwaitingTestConn(t)
	b := remoteHandshake()
	b = append(b, frame(pp.Message{Type: pp.Unchoke})...)
	b = append(b, frame(pp.MakeHaveMessage(4))...)
	tc.OnDataAvailable(b)
	require.Equal(t, []string{
		handshakeEvent(),
		"choking false",
		"have 4",
	}, tc.rec.events)
}

func TestHandshakeInfoHashMismatch(t *testing.T) {
	tc := newAwaitingTestConn(t)
	h := pp.Handshake{PeerID: testRemotePeer}
	copy(h.InfoHash[:], "a different torrent!")
	b, err := h.MarshalBinary()
	require.NoError(t, err)
	tc.OnDataAvailable(b)
	assert.Equal(t, Deinitialized, tc.State())
	assert.Equal(t, ClosedWithError, tc.TerminalState())
	assert.Equal(t, []string{"unregister", "failed"}, tc.rec.events)
	require.Len(t, tc.rec.errs, 1)
	assert.ErrorIs(t, tc.rec.errs[0], ErrInfoHashMismatch)
	assert.ErrorIs(t, tc.Err(), ErrInfoHashMismatch)
	assert.Equal(t, 1, tc.tr.closes)
}

func TestHandshakeBadProtocol(t *testing.T) {
	tc := newAwaitingTestConn(t)
	h := pp.Handshake{
		Protocol: "BitTorrent protocoX",
		InfoHash: testInfoHash,
		PeerID:   testRemotePeer,
	}
	b, err := h.MarshalBinary()
	require.NoError(t, err)
	tc.OnDataAvailable(b)
	assert.Equal(t, ClosedWithError, tc.TerminalState())
	assert.ErrorIs(t, tc.Err(), ErrBadProtocol)
}

func TestPeerRequestFiresOnce(t *testing.T) {
	tc := newTestConn(t)
	tc.OnDataAvailable(frame(pp.MakeRequestMessage(3, 0, 16384)))
	qt.Assert(t, qt.DeepEquals(tc.rec.events, []string{"request " + req(3, 0, 16384).String()}))
	qt.Assert(t, qt.Equals(tc.State(), Connected))
}

func TestBlockCompleteAcrossThreeDeliveries(t *testing.T) {
	tc := newTestConn(t)
	r := req(3, 0, 16384)
	b := pieceFrame(r)
	qt.Assert(t, qt.HasLen(b, 4+16393))
	tc.OnDataAvailable(b[:20])
	tc.OnDataAvailable(b[20:8020])
	qt.Assert(t, qt.HasLen(tc.rec.events, 0))
	tc.OnDataAvailable(b[8020:])
	qt.Assert(t, qt.HasLen(b[8020:], 8377))
	qt.Assert(t, qt.DeepEquals(tc.rec.events, []string{"block " + r.String()}))
	qt.Assert(t, qt.DeepEquals(tc.rec.blocks, [][]byte{testBlockData(3, 0, 16384)}))
	qt.Assert(t, qt.Equals(tc.PieceStatus(3), PieceStatusReceiving))
}

func TestBlockBufferReused(t *testing.T) {
	tc := newTestConn(t)
	tc.OnDataAvailable(pieceFrame(req(1, 0, 1000)))
	first := &tc.blockBuf[:1][0]
	tc.OnDataAvailable(pieceFrame(req(1, 1000, 500)))
	qt.Assert(t, qt.Equals(&tc.blockBuf[:1][0], first))
	tc.OnDataAvailable(pieceFrame(req(1, 2000, 2000)))
	qt.Assert(t, qt.Equals(cap(tc.blockBuf) >= 2000, true))
	qt.Assert(t, qt.HasLen(tc.rec.blocks, 3))
	qt.Assert(t, qt.DeepEquals(tc.rec.blocks[1], testBlockData(1, 1000, 500)))
}

func TestKeepaliveGeneratesNoEvent(t *testing.T) {
	tc := newTestConn(t)
	ka := frame(pp.Message{Keepalive: true})
	tc.OnDataAvailable(ka)
	tc.OnDataAvailable(ka[:2])
	tc.OnDataAvailable(ka[2:])
	qt.Assert(t, qt.HasLen(tc.rec.events, 0))
	// A message after keepalives is read from a fresh length prefix.
	var b []byte
	b = append(b, ka...)
	b = append(b, frame(pp.MakeHaveMessage(2))...)
	b = append(b, ka...)
	tc.OnDataAvailable(b)
	qt.Assert(t, qt.DeepEquals(tc.rec.events, []string{"have 2"}))
	stats := tc.Stats()
	qt.Assert(t, qt.Equals(stats.KeepalivesRead.Int64(), 4))
	qt.Assert(t, qt.Equals(stats.MessagesRead.Int64(), 1))
}

// A stream covering every message type, plus an unknown one and keepalives.
func testMessageStream() []byte {
	var b []byte
	for _, msg := range []pp.Message{
		{Type: pp.Unchoke},
		{Keepalive: true},
		{Type: pp.Interested},
		pp.MakeHaveMessage(7),
		{Type: pp.Bitfield, Bitfield: []byte{0xa0, 0x40}},
		pp.MakeRequestMessage(3, 0x4000, 0x4000),
		{Type: pp.Choke},
		pp.MakeCancelMessage(3, 0x4000, 0x4000),
		{Type: pp.Port, Port: 6881},
		{Type: pp.Extended, ExtendedID: 1, ExtendedPayload: []byte("d1:pi6881ee")},
		{Type: pp.NotInterested},
	} {
		b = append(b, frame(msg)...)
	}
	// Unknown type 0x42 with a 5 byte body.
	b = append(b, 0, 0, 0, 6, 0x42, 1, 2, 3, 4, 5)
	b = append(b, pieceFrame(req(2, 0, 3000))...)
	b = append(b, frame(pp.MakeHaveMessage(9))...)
	return b
}

func deliverInChunks(tc *testConn, b []byte, next func(remaining int) int) {
	for len(b) != 0 {
		n := next(len(b))
		tc.OnDataAvailable(b[:n])
		b = b[n:]
	}
}

func TestReassemblyIgnoresFragmentation(t *testing.T) {
	stream := testMessageStream()
	whole := newTestConn(t)
	whole.OnDataAvailable(stream)
	require.Equal(t, []string{
		"choking false",
		"interested true",
		"have 7",
		"bitfield a040",
		"request " + req(3, 0x4000, 0x4000).String(),
		"choking true",
		"cancel " + req(3, 0x4000, 0x4000).String(),
		"port 6881",
		`extended 1 "d1:pi6881ee"`,
		"interested false",
		"block " + req(2, 0, 3000).String(),
		"have 9",
	}, whole.rec.events)
	wholeStats := whole.Stats()
	require.EqualValues(t, 1, wholeStats.MessagesDropped.Int64())

	rng := rand.New(rand.NewSource(1))
	for _, tt := range []struct {
		name string
		next func(remaining int) int
	}{
		{"OneByte", func(int) int { return 1 }},
		{"TwoBytes", func(remaining int) int { return min(2, remaining) }},
		{"Random", func(remaining int) int { return 1 + rng.Intn(remaining) }},
		{"Random17", func(remaining int) int { return min(remaining, 1+rng.Intn(17)) }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestConn(t)
			deliverInChunks(tc, stream, tt.next)
			if diff := cmp.Diff(whole.rec.events, tc.rec.events); diff != "" {
				t.Fatalf("events differ (-whole +chunked):\n%s", diff)
			}
			require.Equal(t, whole.rec.blocks, tc.rec.blocks)
			require.Equal(t, whole.PeerBitfield(), tc.PeerBitfield())
			require.Equal(t, Connected, tc.State())
		})
	}
}

func TestPeerChokeAndInterestNotifyOnChangeOnly(t *testing.T) {
	tc := newTestConn(t)
	for _, mt := range []pp.MessageType{
		pp.Choke, pp.Unchoke, pp.Unchoke, pp.Choke, pp.Choke,
		pp.NotInterested, pp.Interested, pp.Interested, pp.NotInterested,
	} {
		tc.OnDataAvailable(frame(pp.Message{Type: mt}))
	}
	qt.Assert(t, qt.DeepEquals(tc.rec.events, []string{
		"choking false",
		"choking true",
		"interested true",
		"interested false",
	}))
	qt.Assert(t, qt.IsTrue(tc.PeerChoking()))
	qt.Assert(t, qt.IsFalse(tc.PeerInterested()))
}

func TestSetAmChokingAndInterestedIdempotent(t *testing.T) {
	tc := newTestConn(t)
	// Connections start choking and not interested.
	tc.SetAmChoking(true)
	tc.SetAmInterested(false)
	qt.Assert(t, qt.HasLen(tc.tr.messages(t), 0))
	tc.SetAmChoking(false)
	tc.SetAmChoking(false)
	tc.SetAmInterested(true)
	tc.SetAmInterested(true)
	tc.SetAmChoking(true)
	qt.Assert(t, qt.DeepEquals(tc.tr.messages(t), []pp.Message{
		{Type: pp.Unchoke},
		{Type: pp.Interested},
		{Type: pp.Choke},
	}))
	qt.Assert(t, qt.IsTrue(tc.AmChoking()))
	qt.Assert(t, qt.IsTrue(tc.AmInterested()))
}

func TestBadBitfieldLengthDropped(t *testing.T) {
	tc := newTestConn(t)
	var b []byte
	b = append(b, frame(pp.Message{Type: pp.Bitfield, Bitfield: []byte{0xff, 0xff, 0xff}})...)
	b = append(b, frame(pp.MakeHaveMessage(1))...)
	tc.OnDataAvailable(b)
	assert.Equal(t, []string{"have 1"}, tc.rec.events)
	assert.Equal(t, Connected, tc.State())
	stats := tc.Stats()
	assert.EqualValues(t, 1, stats.MessagesDropped.Int64())
	assert.EqualValues(t, 1, tc.PeerPieces().GetCardinality())
}

func TestBitfieldReceived(t *testing.T) {
	tc := newTestConn(t)
	// Pieces 0, 2 and 9, plus a spare bit past the last piece that's ignored.
	tc.OnDataAvailable(frame(pp.Message{Type: pp.Bitfield, Bitfield: []byte{0xa0, 0x60}}))
	for i := range 10 {
		assert.Equal(t, i == 0 || i == 2 || i == 9, tc.PeerHasPiece(i), i)
	}
	assert.False(t, tc.PeerHasPiece(10))
	assert.Equal(t, []byte{0xa0, 0x40}, tc.PeerBitfield())
	tc.OnDataAvailable(frame(pp.MakeHaveMessage(5)))
	assert.Equal(t, []byte{0xa4, 0x40}, tc.PeerBitfield())
}

func TestHaveOutOfRangeDropped(t *testing.T) {
	tc := newTestConn(t)
	tc.OnDataAvailable(frame(pp.MakeHaveMessage(10)))
	qt.Assert(t, qt.HasLen(tc.rec.events, 0))
	qt.Assert(t, qt.IsFalse(tc.PeerHasPiece(10)))
	stats := tc.Stats()
	qt.Assert(t, qt.Equals(stats.MessagesDropped.Int64(), 1))
}

func TestFixedLengthViolationDropped(t *testing.T) {
	tc := newTestConn(t)
	// HAVE with a 5 byte body.
	b := []byte{0, 0, 0, 6, byte(pp.Have), 0, 0, 0, 1, 0}
	b = append(b, frame(pp.MakeHaveMessage(2))...)
	tc.OnDataAvailable(b)
	qt.Assert(t, qt.DeepEquals(tc.rec.events, []string{"have 2"}))
	qt.Assert(t, qt.Equals(tc.State(), Connected))
}

func TestShortPieceDiscarded(t *testing.T) {
	tc := newTestConn(t)
	b := []byte{0, 0, 0, 5, byte(pp.Piece), 0, 0, 0, 1}
	b = append(b, frame(pp.MakeHaveMessage(2))...)
	deliverInChunks(tc, b, func(int) int { return 1 })
	qt.Assert(t, qt.DeepEquals(tc.rec.events, []string{"have 2"}))
}

func TestPieceOutOfRangeDiscarded(t *testing.T) {
	tc := newTestConn(t)
	var b []byte
	for i := range 3 {
		b = append(b, pieceFrame(req(1_000_000+i, 0, 16))...)
	}
	b = append(b, frame(pp.MakeHaveMessage(2))...)
	deliverInChunks(tc, b, func(remaining int) int { return min(remaining, 7) })
	qt.Assert(t, qt.DeepEquals(tc.rec.events, []string{"have 2"}))
	qt.Assert(t, qt.HasLen(tc.pieceStatus, 0))
	qt.Assert(t, qt.Equals(tc.State(), Connected))
	stats := tc.Stats()
	qt.Assert(t, qt.Equals(stats.MessagesDropped.Int64(), 3))
	qt.Assert(t, qt.Equals(stats.ChunksRead.Int64(), 0))
}

func TestLargeBlockAccepted(t *testing.T) {
	tc := newTestConn(t)
	r := req(1, 0, 512<<10)
	tc.OnDataAvailable(pieceFrame(r))
	qt.Assert(t, qt.Equals(tc.State(), Connected))
	qt.Assert(t, qt.DeepEquals(tc.rec.events, []string{"block " + r.String()}))
	qt.Assert(t, qt.DeepEquals(tc.rec.blocks, [][]byte{testBlockData(1, 0, 512<<10)}))
}

func TestMessageTooLongCloses(t *testing.T) {
	tc := newTestConn(t)
	tc.config.MaxMessageLength = 256 << 10
	tc.OnDataAvailable([]byte{0, 0x10, 0, 0, byte(pp.Bitfield)})
	assert.Equal(t, ClosedWithError, tc.TerminalState())
	assert.ErrorIs(t, tc.Err(), ErrMessageTooLong)
	assert.Equal(t, []string{"unregister", "failed"}, tc.rec.events)
}

func TestCancelQueuedUploadButNotInFlight(t *testing.T) {
	tc := newTestConn(t)
	tc.tr.capacity = pp.PieceFrameOverhead + 100
	r1 := req(1, 0, 1000)
	r2 := req(2, 0, 500)
	tc.SendBlock(r1)
	tc.SendBlock(r2)
	require.True(t, tc.upload.Ok)
	require.Equal(t, 2, tc.NumQueuedUploads())

	tc.OnDataAvailable(frame(r1.ToMsg(pp.Cancel)))
	require.Equal(t, 2, tc.NumQueuedUploads())
	tc.OnDataAvailable(frame(r2.ToMsg(pp.Cancel)))
	require.Equal(t, 1, tc.NumQueuedUploads())
	require.True(t, tc.sendQueue.consistent())
	require.False(t, tc.CancelRequest(r2))

	tc.tr.grant(1 << 20)
	assert.Equal(t, []string{
		"cancel " + r1.String(),
		"upload cancelled " + r2.String(),
		"cancel " + r2.String(),
		"uploaded " + r1.String(),
	}, tc.rec.events)
	msgs := tc.tr.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, r1, msgs[0].RequestSpec())
	assert.Equal(t, testBlockData(1, 0, 1000), msgs[0].Piece)
	assert.Equal(t, 0, tc.NumQueuedUploads())
}

func TestPriorityMessagesFollowInFlightBlock(t *testing.T) {
	tc := newTestConn(t)
	rx := req(4, 0, 16384)
	tc.RequestPiece(rx)
	tc.tr.capacity = pp.PieceFrameOverhead + 100
	r1 := req(1, 0, 1000)
	r2 := req(2, 0, 500)
	tc.SendBlock(r1)
	tc.SetAmInterested(true)
	tc.SendBlock(r2)
	tc.SendHave(5)
	tc.SendCancel(rx)
	tc.tr.grant(1 << 20)
	msgs := tc.tr.messages(t)
	var types []pp.MessageType
	for _, m := range msgs {
		types = append(types, m.Type)
	}
	require.Equal(t, []pp.MessageType{pp.Request, pp.Piece, pp.Have, pp.Cancel, pp.Interested, pp.Piece}, types)
	assert.Equal(t, r1, msgs[1].RequestSpec())
	assert.EqualValues(t, 5, msgs[2].Index)
	assert.Equal(t, rx, msgs[3].RequestSpec())
	assert.Equal(t, r2, msgs[5].RequestSpec())
	assert.Equal(t, 0, tc.NumRequests())
}

func TestPriorityMessagesBehindHandshake(t *testing.T) {
	tc := newAwaitingTestConn(t)
	tc.tr.sent.Reset()
	tc.tr.capacity = 0
	tc.sendQueue.clear()
	tc.sendQueue.pushHandshake([]byte("hs"))
	tc.SendBitfield([]byte{0, 0})
	tc.SendHave(1)
	tc.tr.grant(100)
	b := tc.tr.sent.Bytes()
	require.Equal(t, "hs", string(b[:2]))
	require.Equal(t, frame(pp.MakeHaveMessage(1)), b[2:11])
}

func TestSendCancelElidesQueuedRequest(t *testing.T) {
	tc := newTestConn(t)
	tc.tr.capacity = 0
	r := req(1, 0, 16384)
	tc.RequestPiece(r)
	tc.RequestPiece(r)
	require.Equal(t, 1, tc.NumRequests())
	tc.SendCancel(r)
	require.Equal(t, 0, tc.NumRequests())
	tc.tr.grant(1 << 20)
	require.Empty(t, tc.tr.messages(t))
}

func TestRemoteChokeClearsRequests(t *testing.T) {
	tc := newTestConn(t)
	tc.OnDataAvailable(frame(pp.Message{Type: pp.Unchoke}))
	tc.RequestPiece(req(1, 0, 100))
	tc.RequestPiece(req(1, 100, 100))
	tc.OnDataAvailable(pieceFrame(req(1, 0, 100)))
	require.Equal(t, 1, tc.NumRequests())
	tc.OnDataAvailable(frame(pp.Message{Type: pp.Choke}))
	require.Equal(t, 0, tc.NumRequests())
	tc.OnDataAvailable(pieceFrame(req(1, 100, 100)))
	stats := tc.Stats()
	require.EqualValues(t, 2, stats.ChunksRead.Int64())
	require.EqualValues(t, 1, stats.ChunksReadWanted.Int64())
	require.EqualValues(t, 1, stats.ChunksReadUnwanted.Int64())
	require.EqualValues(t, 200, stats.BytesReadData.Int64())
}

func TestChokingDropsQueuedUploads(t *testing.T) {
	tc := newTestConn(t)
	tc.SetAmChoking(false)
	tc.tr.capacity = pp.PieceFrameOverhead
	tc.SendBlock(req(1, 0, 100))
	tc.SendBlock(req(2, 0, 100))
	tc.SendBlock(req(3, 0, 100))
	tc.SetAmChoking(true)
	require.Equal(t, 1, tc.NumQueuedUploads())
	require.Equal(t, []string{
		"upload cancelled " + req(2, 0, 100).String(),
		"upload cancelled " + req(3, 0, 100).String(),
	}, tc.rec.events)
	tc.tr.grant(1 << 20)
	var types []pp.MessageType
	for _, m := range tc.tr.messages(t) {
		types = append(types, m.Type)
	}
	require.Equal(t, []pp.MessageType{pp.Unchoke, pp.Piece, pp.Choke}, types)
}

func TestStorageErrorDropsUpload(t *testing.T) {
	tc := newTestConn(t)
	tc.storage.fail[9] = true
	tc.SendBlock(req(9, 0, 10))
	tc.SendBlock(req(1, 0, 10))
	assert.Equal(t, []string{
		"upload cancelled " + req(9, 0, 10).String(),
		"uploaded " + req(1, 0, 10).String(),
	}, tc.rec.events)
	msgs := tc.tr.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, req(1, 0, 10), msgs[0].RequestSpec())
	assert.True(t, tc.sendQueue.consistent())
}

func TestZeroLengthBlock(t *testing.T) {
	tc := newTestConn(t)
	tc.SendBlock(req(1, 0, 0))
	tc.OnDataAvailable(pieceFrame(req(2, 0, 0)))
	assert.Equal(t, []string{
		"uploaded " + req(1, 0, 0).String(),
		"block " + req(2, 0, 0).String(),
	}, tc.rec.events)
}

func TestShortSendCloses(t *testing.T) {
	tc := newTestConn(t)
	tc.tr.shortSends = true
	tc.SendHave(1)
	assert.Equal(t, ClosedWithError, tc.TerminalState())
	assert.ErrorIs(t, tc.Err(), ErrShortSend)
}

func TestCloseConnectionIdempotent(t *testing.T) {
	tc := newTestConn(t)
	tc.SetAmChoking(false)
	tc.OnDataAvailable(frame(pp.Message{Type: pp.Unchoke}))
	tc.rec.reset()
	tc.CloseConnection(false)
	tc.CloseConnection(false)
	tc.CloseConnection(true)
	tc.OnClosed()
	tc.OnClosedWithError(errors.New("late"))
	assert.Equal(t, []string{"unregister", "closed"}, tc.rec.events)
	assert.Equal(t, 1, tc.tr.closes)
	assert.Equal(t, Deinitialized, tc.State())
	assert.Equal(t, Closed, tc.TerminalState())
	assert.True(t, tc.AmChoking())
	assert.True(t, tc.PeerChoking())
	assert.NoError(t, tc.Err())

	before := tc.tr.sent.Len()
	tc.SendHave(1)
	tc.SendBlock(req(1, 0, 10))
	tc.RequestPiece(req(1, 0, 10))
	tc.OnDataAvailable(frame(pp.MakeHaveMessage(1)))
	assert.Equal(t, before, tc.tr.sent.Len())
	assert.Len(t, tc.rec.events, 2)
}

func TestSilentClose(t *testing.T) {
	tc := newTestConn(t)
	tc.CloseConnection(true)
	qt.Assert(t, qt.HasLen(tc.rec.events, 0))
	qt.Assert(t, qt.Equals(tc.TerminalState(), Closed))
	qt.Assert(t, qt.Equals(tc.tr.closes, 1))
}

func TestTransportErrorFailsOnce(t *testing.T) {
	tc := newTestConn(t)
	err := errors.New("connection reset")
	tc.OnClosedWithError(err)
	tc.OnClosedWithError(err)
	tc.OnDataAvailable(frame(pp.MakeHaveMessage(1)))
	assert.Equal(t, []string{"unregister", "failed"}, tc.rec.events)
	assert.Equal(t, []error{err}, tc.rec.errs)
	assert.Equal(t, ClosedWithError, tc.TerminalState())
	// The transport closed itself.
	assert.Equal(t, 0, tc.tr.closes)
}

func TestRemoteClose(t *testing.T) {
	tc := newTestConn(t)
	tc.OnClosed()
	qt.Assert(t, qt.DeepEquals(tc.rec.events, []string{"unregister", "closed"}))
	qt.Assert(t, qt.Equals(tc.TerminalState(), Closed))
}

func newDialingTestConn(t *testing.T, connectErr error) (*PeerConn, *testTransport, *eventRecorder) {
	rec := &eventRecorder{}
	tr := &testTransport{capacity: 1 << 20, connectErr: connectErr}
	cfg := TestingConfig()
	cfg.LocalAddr = netip.MustParseAddrPort("127.0.0.1:50000")
	cfg.Dialer = DialerFunc(func() (Transport, error) {
		return tr, nil
	})
	return NewPeerConn(cfg, testTorrentInfo(), testStorage{}, rec.callbacks()), tr, rec
}

func TestConnectToPeer(t *testing.T) {
	cn, tr, rec := newDialingTestConn(t, nil)
	require.NoError(t, cn.ConnectToPeer(testRemoteAddr))
	require.Equal(t, AwaitConnection, cn.State())
	require.Equal(t, testRemoteAddr, tr.connectTo)
	require.Equal(t, netip.MustParseAddrPort("127.0.0.1:50000"), tr.bound)
	require.True(t, cn.Outgoing())
	require.Zero(t, tr.sent.Len())
	cn.OnConnected()
	require.Equal(t, AwaitHandshake, cn.State())
	require.Equal(t, pp.HandshakeMinLen, tr.sent.Len())
	require.ErrorIs(t, cn.ConnectToPeer(testRemoteAddr), ErrBadState)
	cn.OnDataAvailable(remoteHandshake())
	require.Equal(t, Connected, cn.State())
	require.Len(t, rec.events, 1)
}

func TestConnectToPeerFailsSynchronously(t *testing.T) {
	connectErr := errors.New("no route to host")
	cn, _, rec := newDialingTestConn(t, connectErr)
	err := cn.ConnectToPeer(testRemoteAddr)
	require.ErrorIs(t, err, connectErr)
	require.Equal(t, Failed, cn.TerminalState())
	require.Equal(t, []string{"unregister", "failed"}, rec.events)
}

func TestConnectFailedEvent(t *testing.T) {
	cn, _, rec := newDialingTestConn(t, nil)
	require.NoError(t, cn.ConnectToPeer(testRemoteAddr))
	cn.OnConnectFailed(errors.New("timed out"))
	cn.OnConnected()
	require.Equal(t, Failed, cn.TerminalState())
	require.Equal(t, []string{"unregister", "failed"}, rec.events)
}

func TestConnectWithoutDialer(t *testing.T) {
	cn := NewPeerConn(TestingConfig(), testTorrentInfo(), testStorage{}, Callbacks{})
	qt.Assert(t, qt.ErrorIs(cn.ConnectToPeer(testRemoteAddr), ErrNoDialer))
	qt.Assert(t, qt.Equals(cn.State(), NotConnected))
}

func TestServeNewPeerTwice(t *testing.T) {
	tc := newTestConn(t)
	qt.Assert(t, qt.ErrorIs(tc.ServeNewPeer(&testTransport{}, testRemoteAddr), ErrBadState))
}

func TestRollingRates(t *testing.T) {
	tc := newTestConn(t)
	tc.OnDataAvailable(pieceFrame(req(1, 0, 1000)))
	tc.SendBlock(req(2, 0, 500))
	assert.EqualValues(t, 800, tc.DownloadRate())
	assert.EqualValues(t, 400, tc.UploadRate())
	tc.clock.advance(10 * time.Second)
	assert.EqualValues(t, 800, tc.DownloadRate())
	tc.clock.advance(time.Second)
	assert.EqualValues(t, 0, tc.DownloadRate())
	assert.EqualValues(t, 0, tc.UploadRate())
}

func TestStatsCountBytes(t *testing.T) {
	tc := newAwaitingTestConn(t)
	hs := remoteHandshake()
	tc.OnDataAvailable(hs)
	tc.SendHave(1)
	tc.OnDataSent(pp.HandshakeMinLen)
	stats := tc.Stats()
	assert.EqualValues(t, len(hs), stats.BytesRead.Int64())
	assert.EqualValues(t, pp.HandshakeMinLen+9, stats.BytesWritten.Int64())
	assert.EqualValues(t, pp.HandshakeMinLen, stats.BytesFlushed.Int64())
	assert.EqualValues(t, 1, stats.MessagesWritten.Int64())
}

func TestMarkPiece(t *testing.T) {
	tc := newTestConn(t)
	qt.Assert(t, qt.Equals(tc.PieceStatus(1), PieceStatusUnknown))
	tc.OnDataAvailable(pieceFrame(req(1, 0, 10)))
	qt.Assert(t, qt.Equals(tc.PieceStatus(1), PieceStatusReceiving))
	tc.MarkPiece(1, PieceStatusReceived)
	tc.OnDataAvailable(pieceFrame(req(1, 10, 10)))
	qt.Assert(t, qt.Equals(tc.PieceStatus(1), PieceStatusReceived))
	tc.MarkPiece(2, PieceStatusCorrupt)
	qt.Assert(t, qt.Equals(tc.PieceStatus(2).String(), "corrupt"))
}

func TestSendBitfieldWrongLength(t *testing.T) {
	tc := newTestConn(t)
	tc.SendBitfield([]byte{0xff})
	tc.SendBitfield([]byte{0xff, 0xc0})
	qt.Assert(t, qt.DeepEquals(tc.tr.messages(t), []pp.Message{
		{Type: pp.Bitfield, Bitfield: []byte{0xff, 0xc0}},
	}))
}

func TestSendMiscMessages(t *testing.T) {
	tc := newTestConn(t)
	tc.SendKeepAlive()
	tc.SendPort(6881)
	tc.SendExtended(0, []byte("d1:md6:ut_pexi1eee"))
	qt.Assert(t, qt.DeepEquals(tc.tr.messages(t), []pp.Message{
		{Keepalive: true},
		{Type: pp.Port, Port: 6881},
		{Type: pp.Extended, ExtendedPayload: []byte("d1:md6:ut_pexi1eee")},
	}))
}

func TestConnStateStrings(t *testing.T) {
	qt.Check(t, qt.Equals(Connected.String(), "connected"))
	qt.Check(t, qt.Equals(ClosedWithError.String(), "closed with error"))
	qt.Check(t, qt.Equals(ConnState(42).String(), "ConnState(42)"))
}
