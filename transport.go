package peerwire

import (
	"net/netip"
	"time"
)

// A non-blocking byte stream to one remote peer. Calls never block: Send accepts at most
// SendCapacity bytes and the rest must be retried after OnSendCapacityAvailable. Events for one
// transport must be delivered serially, and never from inside a call into the transport.
type Transport interface {
	// Registers the receiver of this transport's events. Called once, before Connect.
	SetEvents(TransportEvents)
	Bind(local netip.AddrPort) error
	Connect(remote netip.AddrPort) error
	// Queues up to SendCapacity bytes from b and returns how many were accepted.
	Send(b []byte) int
	SendCapacity() int
	Close() error
}

type TransportEvents interface {
	OnConnected()
	OnConnectFailed(err error)
	OnClosed()
	OnClosedWithError(err error)
	// The slice is only valid for the duration of the call.
	OnDataAvailable(b []byte)
	OnSendCapacityAvailable(capacity int)
	OnDataSent(n int)
}

// Creates unconnected transports for outbound connections.
type Dialer interface {
	NewTransport() (Transport, error)
}

type DialerFunc func() (Transport, error)

func (f DialerFunc) NewTransport() (Transport, error) {
	return f()
}

// The time source for timestamps and rate windows. Simulations supply their own.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

var SystemClock Clock = systemClock{}
