package peerwire

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// Peer client ID.
type PeerID [20]byte

var _ slog.LogValuer = PeerID{}

// Pretty prints the ID as hex, except the BEP 20 client prefix when there is one.
func (me PeerID) String() string {
	if me[0] == '-' && me[7] == '-' {
		return string(me[:8]) + hex.EncodeToString(me[8:])
	}
	return hex.EncodeToString(me[:])
}

func (me PeerID) LogValue() slog.Value {
	return slog.StringValue(fmt.Sprintf("%+q", me[:]))
}

// Fills the ID after prefix with random bytes.
func RandomPeerID(prefix string) (ret PeerID) {
	n := copy(ret[:], prefix)
	if _, err := rand.Read(ret[n:]); err != nil {
		panic(err)
	}
	return
}
