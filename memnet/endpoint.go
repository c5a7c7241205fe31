package memnet

import (
	"bytes"
	"fmt"
	"net/netip"
	"time"

	"github.com/anacrolix/log"

	"github.com/anacrolix/peerwire"
)

type endpointState int

const (
	endpointIdle endpointState = iota
	endpointConnecting
	endpointConnected
	endpointClosed
)

// One end of an in-memory stream connection. Implements peerwire.Transport. Events are always
// delivered from the Scheduler, never from inside a call to the endpoint.
type Endpoint struct {
	net    *Network
	events peerwire.TransportEvents
	state  endpointState
	local  netip.AddrPort
	remote netip.AddrPort
	peer   *Endpoint
	// Bytes accepted by Send that haven't been delivered.
	inFlight int
	// When the outbound direction of the link finishes its current transmission.
	linkFree time.Time
}

var _ peerwire.Transport = (*Endpoint)(nil)

func (e *Endpoint) String() string {
	return fmt.Sprintf("memnet endpoint %v -> %v", e.local, e.remote)
}

func (e *Endpoint) LocalAddr() netip.AddrPort  { return e.local }
func (e *Endpoint) RemoteAddr() netip.AddrPort { return e.remote }

func (e *Endpoint) SetEvents(events peerwire.TransportEvents) {
	e.events = events
}

func (e *Endpoint) Bind(local netip.AddrPort) error {
	if e.state != endpointIdle {
		return fmt.Errorf("binding %v: endpoint already in use", local)
	}
	e.local = local
	return nil
}

func (e *Endpoint) Connect(remote netip.AddrPort) error {
	if e.state != endpointIdle {
		return fmt.Errorf("connecting to %v: endpoint already in use", remote)
	}
	if !e.local.IsValid() {
		e.local = e.net.ephemeralAddr()
	}
	e.remote = remote
	e.state = endpointConnecting
	e.net.s.After(e.net.Latency, e.arrive)
	return nil
}

// The connection request reaches the remote address.
func (e *Endpoint) arrive() {
	if e.state != endpointConnecting {
		return
	}
	n := e.net
	accept, ok := n.listeners[e.remote]
	if !ok {
		n.s.After(n.Latency, func() {
			if e.state != endpointConnecting {
				return
			}
			e.state = endpointClosed
			e.events.OnConnectFailed(fmt.Errorf("connecting to %v: %w", e.remote, ErrConnectionRefused))
		})
		return
	}
	server := &Endpoint{
		net:    n,
		state:  endpointConnected,
		local:  e.remote,
		remote: e.local,
		peer:   e,
	}
	e.peer = server
	// The acknowledgement is scheduled before anything the server sends, so the client sees
	// OnConnected first.
	n.s.After(n.Latency, func() {
		if e.state != endpointConnecting {
			return
		}
		e.state = endpointConnected
		e.events.OnConnected()
	})
	n.Logger.Levelf(log.Debug, "accepted %v", server)
	accept(server, e.local)
}

func (e *Endpoint) SendCapacity() int {
	if e.state != endpointConnected {
		return 0
	}
	return max(0, e.net.SendBufferSize-e.inFlight)
}

func (e *Endpoint) Send(b []byte) int {
	n := min(len(b), e.SendCapacity())
	if n == 0 {
		return 0
	}
	data := bytes.Clone(b[:n])
	segSize := e.net.SegmentSize
	if segSize <= 0 {
		segSize = len(data)
	}
	for len(data) != 0 {
		seg := data[:min(segSize, len(data))]
		data = data[len(seg):]
		e.transmit(seg)
	}
	return n
}

func (e *Endpoint) transmit(seg []byte) {
	s := e.net.s
	e.inFlight += len(seg)
	start := s.Now()
	if e.linkFree.After(start) {
		start = e.linkFree
	}
	e.linkFree = start.Add(e.net.txTime(len(seg)))
	s.At(e.linkFree.Add(e.net.Latency), func() {
		e.deliver(seg)
	})
}

func (e *Endpoint) deliver(seg []byte) {
	e.inFlight -= len(seg)
	if p := e.peer; p != nil && p.state == endpointConnected && p.events != nil {
		p.events.OnDataAvailable(seg)
	}
	if e.state == endpointConnected && e.events != nil {
		e.events.OnDataSent(len(seg))
		if e.state == endpointConnected {
			e.events.OnSendCapacityAvailable(e.SendCapacity())
		}
	}
}

func (e *Endpoint) Close() error {
	e.shutdown(nil)
	return nil
}

// Abruptly fails the connection: the remote end gets OnClosedWithError with err.
func (e *Endpoint) Reset(err error) {
	e.shutdown(err)
}

func (e *Endpoint) shutdown(err error) {
	if e.state == endpointClosed {
		return
	}
	e.state = endpointClosed
	p := e.peer
	if p == nil {
		return
	}
	// Follows any data still on the link.
	at := e.net.s.Now()
	if e.linkFree.After(at) {
		at = e.linkFree
	}
	e.net.s.At(at.Add(e.net.Latency), func() {
		if p.state == endpointClosed {
			return
		}
		p.state = endpointClosed
		if p.events == nil {
			return
		}
		if err != nil {
			p.events.OnClosedWithError(err)
		} else {
			p.events.OnClosed()
		}
	})
}
