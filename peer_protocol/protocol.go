package peer_protocol

import (
	"fmt"
)

type MessageType byte

const (
	Protocol = "\x13BitTorrent protocol"

	// The protocol string without its length prefix, as it appears after the first handshake byte.
	ProtocolName = "BitTorrent protocol"
)

const (
	Choke         MessageType = iota
	Unchoke                   // 1
	Interested                // 2
	NotInterested             // 3
	Have                      // 4
	Bitfield                  // 5
	Request                   // 6
	Piece                     // 7
	Cancel                    // 8
	Port                      // 9

	// BEP 10
	Extended MessageType = 20
)

const (
	// Size of the big-endian length prefix in front of every non-handshake message.
	LengthPrefixLen = 4
	MessageTypeLen  = 1

	HaveBodyLen        = 4
	RequestBodyLen     = 12
	CancelBodyLen      = 12
	PortBodyLen        = 2
	PieceHeaderLen     = 8
	ExtendedHeaderLen  = 1
	PieceFrameOverhead = LengthPrefixLen + MessageTypeLen + PieceHeaderLen
)

func (mt MessageType) String() string {
	switch mt {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case Port:
		return "Port"
	case Extended:
		return "Extended"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(mt))
	}
}

// Known reports whether the type is one this package can encode and decode.
func (mt MessageType) Known() bool {
	switch mt {
	case Choke, Unchoke, Interested, NotInterested, Have, Bitfield, Request, Piece, Cancel, Port, Extended:
		return true
	}
	return false
}

// Returns the exact body length for types that have one. PIECE returns its header length only.
func (mt MessageType) FixedBodyLen() (n int, ok bool) {
	switch mt {
	case Choke, Unchoke, Interested, NotInterested:
		return 0, true
	case Have:
		return HaveBodyLen, true
	case Request:
		return RequestBodyLen, true
	case Cancel:
		return CancelBodyLen, true
	case Port:
		return PortBodyLen, true
	case Piece:
		return PieceHeaderLen, true
	}
	return 0, false
}
