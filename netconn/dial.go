package netconn

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"

	"github.com/anacrolix/log"
	"github.com/anacrolix/utp"
	"golang.org/x/net/proxy"

	"github.com/anacrolix/peerwire"
)

// Opens a conn to remote, from local if it's valid.
type DialFunc func(ctx context.Context, local, remote netip.AddrPort) (net.Conn, error)

func DialTCP(ctx context.Context, local, remote netip.AddrPort) (net.Conn, error) {
	var d net.Dialer
	if local.IsValid() {
		d.LocalAddr = net.TCPAddrFromAddrPort(local)
	}
	return d.DialContext(ctx, "tcp", remote.String())
}

// Dials uTP from an existing socket. The local address is the socket's.
func UTPDialer(s *utp.Socket) DialFunc {
	return func(ctx context.Context, _, remote netip.AddrPort) (net.Conn, error) {
		return s.DialContext(ctx, "udp", remote.String())
	}
}

// Dials TCP through the proxy at proxyURL, such as socks5://127.0.0.1:1080. Local addresses are
// ignored.
func ProxyDialer(proxyURL string) (DialFunc, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	d, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("creating proxy dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy dialer %T doesn't support contexts", d)
	}
	return func(ctx context.Context, _, remote netip.AddrPort) (net.Conn, error) {
		return cd.DialContext(ctx, "tcp", remote.String())
	}, nil
}

// Creates outbound Transports on a Loop. Implements peerwire.Dialer.
type Dialer struct {
	Loop    *Loop
	Dial    DialFunc
	Options Options
}

var _ peerwire.Dialer = (*Dialer)(nil)

func (d *Dialer) NewTransport() (peerwire.Transport, error) {
	dial := d.Dial
	if dial == nil {
		dial = DialTCP
	}
	return newTransport(d.Loop, dial, d.Options), nil
}

// Accepts conns from l until it fails, handing each to accept on the loop.
func Serve(l net.Listener, loop *Loop, opts Options, accept func(*Transport, netip.AddrPort)) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		remote, err := netip.ParseAddrPort(conn.RemoteAddr().String())
		if err != nil {
			opts.Logger.Levelf(log.Debug, "accepted conn with unusable remote address: %v", err)
			conn.Close()
			continue
		}
		if !loop.Post(func() {
			accept(Accepted(loop, conn, opts), remote.Unmap())
		}) {
			conn.Close()
			return net.ErrClosed
		}
	}
}
