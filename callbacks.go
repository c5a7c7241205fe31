package peerwire

import (
	pp "github.com/anacrolix/peerwire/peer_protocol"
)

// Upward notifications from a PeerConn to whatever owns it. These are called synchronously from
// inside transport events or PeerConn methods, and do not pass ownership of slices. Callbacks may
// call back into the PeerConn. nil functions are not called.
type Callbacks struct {
	CompletedHandshake func(_ *PeerConn, _ pp.Handshake)
	// Only called when the remote peer's choke or interest state actually changes.
	PeerChokeChanged    func(_ *PeerConn, choking bool)
	PeerInterestChanged func(_ *PeerConn, interested bool)
	PeerHave            func(_ *PeerConn, piece int)
	PeerBitfield        func(_ *PeerConn, bitfield []byte)
	PeerRequest         func(*PeerConn, Request)
	PeerCancel          func(*PeerConn, Request)
	PeerPort            func(_ *PeerConn, port uint16)
	PeerExtended        func(_ *PeerConn, id pp.ExtensionNumber, payload []byte)
	// A whole block arrived. data is reused for the next block.
	BlockComplete func(_ *PeerConn, _ Request, data []byte)
	// The last byte of an uploaded block was handed to the transport.
	BlockUploadComplete func(*PeerConn, Request)
	// A queued upload was dropped before any of it was sent.
	UploadCancelled func(*PeerConn, Request)
	// The connection is going away. Called before ConnectionClosed or ConnectionFailed.
	Unregister       func(*PeerConn)
	ConnectionClosed func(*PeerConn)
	ConnectionFailed func(*PeerConn, error)
}
