package peerwire

import (
	"fmt"
)

type ConnState int

const (
	NotConnected ConnState = iota
	// Outbound transport is connecting.
	AwaitConnection
	// Our handshake is queued and we're waiting on theirs.
	AwaitHandshake
	Connected
	Closed
	ClosedWithError
	Failed
	// Resources released. Nothing further happens.
	Deinitialized
)

var connStateStrings = [...]string{
	NotConnected:    "not connected",
	AwaitConnection: "awaiting connection",
	AwaitHandshake:  "awaiting handshake",
	Connected:       "connected",
	Closed:          "closed",
	ClosedWithError: "closed with error",
	Failed:          "failed",
	Deinitialized:   "deinitialized",
}

func (me ConnState) String() string {
	if me < 0 || int(me) >= len(connStateStrings) {
		return fmt.Sprintf("ConnState(%d)", int(me))
	}
	return connStateStrings[me]
}

func (me ConnState) terminal() bool {
	switch me {
	case Closed, ClosedWithError, Failed:
		return true
	}
	return false
}

// Whether messages may be queued to the peer.
func (me ConnState) canPost() bool {
	return me == AwaitHandshake || me == Connected
}
