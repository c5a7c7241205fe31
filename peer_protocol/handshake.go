package peer_protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"github.com/anacrolix/torrent/types/infohash"
)

type ExtensionBit uint

// https://www.bittorrent.org/beps/bep_0004.html
// https://wiki.theory.org/BitTorrentSpecification.html#Reserved_Bytes
const (
	ExtensionBitDht  = 0 // http://www.bittorrent.org/beps/bep_0005.html
	ExtensionBitFast = 2 // http://www.bittorrent.org/beps/bep_0006.html
	// LibTorrent Extension Protocol, http://www.bittorrent.org/beps/bep_0010.html. This is bit 0x10
	// of reserved byte 5.
	ExtensionBitLtep = 20
)

const (
	handshakeReservedLen = 8
	handshakeTailLen     = handshakeReservedLen + infohash.Size + 20
	// A handshake carrying the standard 19 byte protocol string.
	HandshakeMinLen = len(Protocol) + handshakeTailLen
)

var ErrShortHandshake = errors.New("handshake incomplete")

type PeerExtensionBits [handshakeReservedLen]byte

var bitTags = []struct {
	bit ExtensionBit
	tag string
}{
	// Ordered by their bit position left to right.
	{ExtensionBitLtep, "ltep"},
	{ExtensionBitFast, "fast"},
	{ExtensionBitDht, "dht"},
}

func (pex PeerExtensionBits) String() string {
	pexHex := hex.EncodeToString(pex[:])
	tags := make([]string, 0, len(bitTags)+1)
	for _, bitTag := range bitTags {
		if pex.GetBit(bitTag.bit) {
			tags = append(tags, bitTag.tag)
			pex.SetBit(bitTag.bit, false)
		}
	}
	unknownCount := 0
	for _, b := range pex {
		unknownCount += bits.OnesCount8(b)
	}
	if unknownCount != 0 {
		tags = append(tags, fmt.Sprintf("%v unknown", unknownCount))
	}
	return fmt.Sprintf("%v (%s)", pexHex, strings.Join(tags, ", "))
}

func NewPeerExtensionBytes(bits ...ExtensionBit) (ret PeerExtensionBits) {
	for _, b := range bits {
		ret.SetBit(b, true)
	}
	return
}

// All zero except the extension protocol announcement.
func DefaultExtensionBits() PeerExtensionBits {
	return NewPeerExtensionBytes(ExtensionBitLtep)
}

func (pex PeerExtensionBits) SupportsExtended() bool {
	return pex.GetBit(ExtensionBitLtep)
}

func (pex PeerExtensionBits) SupportsDHT() bool {
	return pex.GetBit(ExtensionBitDht)
}

func (pex *PeerExtensionBits) SetBit(bit ExtensionBit, on bool) {
	if on {
		pex[7-bit/8] |= 1 << (bit % 8)
	} else {
		pex[7-bit/8] &^= 1 << (bit % 8)
	}
}

func (pex PeerExtensionBits) GetBit(bit ExtensionBit) bool {
	return pex[7-bit/8]&(1<<(bit%8)) != 0
}

// The connection-opening message. Protocol excludes its one byte length prefix.
type Handshake struct {
	Protocol string
	Reserved PeerExtensionBits
	InfoHash infohash.T
	PeerID   [20]byte
}

func (h Handshake) protocol() string {
	if h.Protocol == "" {
		return ProtocolName
	}
	return h.Protocol
}

func (h Handshake) Len() int {
	return 1 + len(h.protocol()) + handshakeTailLen
}

func (h Handshake) AppendBinary(b []byte) ([]byte, error) {
	p := h.protocol()
	if len(p) > 0xff {
		return b, fmt.Errorf("protocol string too long: %d", len(p))
	}
	b = append(b, byte(len(p)))
	b = append(b, p...)
	b = append(b, h.Reserved[:]...)
	b = append(b, h.InfoHash[:]...)
	b = append(b, h.PeerID[:]...)
	return b, nil
}

func (h Handshake) MarshalBinary() ([]byte, error) {
	return h.AppendBinary(make([]byte, 0, h.Len()))
}

// Parses a handshake from the front of b. Returns ErrShortHandshake if b doesn't yet hold the whole
// handshake for the protocol string length it declares.
func UnmarshalHandshake(b []byte) (h Handshake, n int, err error) {
	if len(b) < 1 {
		err = ErrShortHandshake
		return
	}
	pLen := int(b[0])
	n = 1 + pLen + handshakeTailLen
	if len(b) < n {
		n = 0
		err = ErrShortHandshake
		return
	}
	b = b[1:]
	h.Protocol = string(b[:pLen])
	b = b[pLen:]
	b = b[copy(h.Reserved[:], b):]
	b = b[copy(h.InfoHash[:], b):]
	copy(h.PeerID[:], b)
	return
}
