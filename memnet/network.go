package memnet

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/anacrolix/log"

	"github.com/anacrolix/peerwire"
)

var (
	ErrConnectionRefused = errors.New("connection refused")
	ErrAddrInUse         = errors.New("address in use")
)

const (
	DefaultLatency        = 10 * time.Millisecond
	DefaultSendBufferSize = 64 << 10
	DefaultSegmentSize    = 16 << 10
)

// Receives inbound connections on a listening address. The endpoint is connected and has no events
// receiver yet.
type AcceptFunc func(ep *Endpoint, remote netip.AddrPort)

// A set of addresses that can connect to each other. Links are symmetric and configured
// network-wide. Fields may be changed between connections.
type Network struct {
	s *Scheduler
	// One-way delay for each segment and for connection setup.
	Latency time.Duration
	// Bytes per second for each direction of each connection. Zero is unlimited.
	Bandwidth int64
	// Bytes an endpoint accepts before they're delivered.
	SendBufferSize int
	// Sends are delivered in segments of at most this many bytes.
	SegmentSize int
	Logger      log.Logger

	listeners map[netip.AddrPort]AcceptFunc
	nextPort  uint16
}

var _ peerwire.Dialer = (*Network)(nil)

func NewNetwork(s *Scheduler) *Network {
	return &Network{
		s:              s,
		Latency:        DefaultLatency,
		SendBufferSize: DefaultSendBufferSize,
		SegmentSize:    DefaultSegmentSize,
		Logger:         log.Default.WithNames("memnet"),
		listeners:      make(map[netip.AddrPort]AcceptFunc),
		nextPort:       40000,
	}
}

func (n *Network) Scheduler() *Scheduler {
	return n.s
}

func (n *Network) Listen(addr netip.AddrPort, accept AcceptFunc) error {
	if _, ok := n.listeners[addr]; ok {
		return fmt.Errorf("listening on %v: %w", addr, ErrAddrInUse)
	}
	n.listeners[addr] = accept
	return nil
}

func (n *Network) Unlisten(addr netip.AddrPort) {
	delete(n.listeners, addr)
}

// Returns an unconnected endpoint. Network implements peerwire.Dialer.
func (n *Network) NewTransport() (peerwire.Transport, error) {
	return n.newEndpoint(), nil
}

func (n *Network) NewEndpoint() *Endpoint {
	return n.newEndpoint()
}

func (n *Network) newEndpoint() *Endpoint {
	return &Endpoint{net: n}
}

func (n *Network) ephemeralAddr() netip.AddrPort {
	n.nextPort++
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, 1}), n.nextPort)
}

// Transmission time for size bytes at the configured bandwidth.
func (n *Network) txTime(size int) time.Duration {
	if n.Bandwidth <= 0 {
		return 0
	}
	return time.Duration(int64(size) * int64(time.Second) / n.Bandwidth)
}
