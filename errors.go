package peerwire

import (
	"errors"
)

var (
	// The operation isn't valid in the connection's current state.
	ErrBadState         = errors.New("bad connection state")
	ErrNoDialer         = errors.New("no dialer configured")
	ErrShortSend        = errors.New("transport accepted fewer bytes than it offered")
	ErrMessageTooLong   = errors.New("message too long")
	ErrInfoHashMismatch = errors.New("info hash mismatch")
	ErrBadProtocol      = errors.New("unexpected protocol string")
	ErrBadBitfieldLen   = errors.New("bitfield has wrong length")
)
