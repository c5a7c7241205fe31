package peerwire

import (
	"net/netip"

	"github.com/anacrolix/log"

	"github.com/anacrolix/peerwire/internal/ratewindow"
	pp "github.com/anacrolix/peerwire/peer_protocol"
	"github.com/anacrolix/peerwire/version"
)

// Probably not safe to modify this after it's given to a PeerConn. It may be shared between many
// connections.
type PeerConnConfig struct {
	// Sent in our handshake.
	PeerID     PeerID
	Extensions pp.PeerExtensionBits
	// Creates transports for ConnectToPeer.
	Dialer Dialer
	// Bound before connecting if valid.
	LocalAddr netip.AddrPort
	// Length of the rolling upload and download rate windows, in seconds.
	RateWindowSeconds int
	// Largest accepted value of a message length prefix. Larger messages close the connection. Zero
	// or less accepts any length, and block buffers grow to fit.
	MaxMessageLength int
	Logger           log.Logger
	Clock            Clock
}

func NewDefaultPeerConnConfig() *PeerConnConfig {
	return &PeerConnConfig{
		PeerID:            RandomPeerID(version.DefaultBep20Prefix),
		Extensions:        pp.DefaultExtensionBits(),
		RateWindowSeconds: ratewindow.DefaultSeconds,
		Logger:            log.Default,
		Clock:             SystemClock,
	}
}

func (cfg *PeerConnConfig) clock() Clock {
	if cfg.Clock == nil {
		return SystemClock
	}
	return cfg.Clock
}
