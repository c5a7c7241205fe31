package netconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"golang.org/x/time/rate"

	"github.com/anacrolix/peerwire"
)

const (
	DefaultWriteBufferSize = 1 << 20
	readBufferSize         = 1 << 16
	// Limit write size for WebRTC-like conns that choke on large writes.
	maxWriteSize = 1<<16 - 1
)

type Options struct {
	// The most bytes Send accepts that haven't been written to the conn yet.
	WriteBufferSize int
	// Optional, possibly shared between transports.
	UploadLimiter   *rate.Limiter
	DownloadLimiter *rate.Limiter
	Logger          log.Logger
}

func (o *Options) writeBufferSize() int {
	if o.WriteBufferSize <= 0 {
		return DefaultWriteBufferSize
	}
	return o.WriteBufferSize
}

type transportState int

const (
	transportIdle transportState = iota
	transportDialing
	transportConnected
	transportClosed
)

// A peerwire.Transport over a net.Conn. Methods must be called on the Loop, and events are posted
// to it. A reader and a writer goroutine do the blocking IO.
type Transport struct {
	loop   *Loop
	dial   DialFunc
	opts   Options
	logger log.Logger
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the loop.
	events peerwire.TransportEvents
	state  transportState
	local  netip.AddrPort
	conn   net.Conn

	mu sync.Mutex
	// Swapped with the writer's buffer.
	writeBuf *bytes.Buffer
	// Bytes accepted by Send and not yet written.
	pending   int
	writeCond chansync.BroadcastCond
	closed    chansync.SetOnce
}

var _ peerwire.Transport = (*Transport)(nil)

func newTransport(loop *Loop, dial DialFunc, opts Options) *Transport {
	t := &Transport{
		loop:     loop,
		dial:     dial,
		opts:     opts,
		logger:   opts.Logger.WithNames("netconn"),
		writeBuf: new(bytes.Buffer),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// Wraps an accepted inbound conn. Must be called on the loop, and the transport handed to its
// owner (which calls SetEvents) before returning to the loop.
func Accepted(loop *Loop, conn net.Conn, opts Options) *Transport {
	t := newTransport(loop, nil, opts)
	t.start(conn)
	return t
}

func (t *Transport) String() string {
	if t.conn == nil {
		return "netconn transport"
	}
	return fmt.Sprintf("netconn transport %v -> %v", t.conn.LocalAddr(), t.conn.RemoteAddr())
}

func (t *Transport) SetEvents(events peerwire.TransportEvents) {
	t.events = events
}

func (t *Transport) Bind(local netip.AddrPort) error {
	if t.state != transportIdle {
		return fmt.Errorf("binding %v: transport already in use", local)
	}
	t.local = local
	return nil
}

func (t *Transport) Connect(remote netip.AddrPort) error {
	if t.state != transportIdle {
		return fmt.Errorf("connecting to %v: transport already in use", remote)
	}
	if t.dial == nil {
		return errors.New("transport has no dial func")
	}
	t.state = transportDialing
	go func() {
		conn, err := t.dial(t.ctx, t.local, remote)
		posted := t.loop.Post(func() {
			if t.state != transportDialing {
				if conn != nil {
					conn.Close()
				}
				return
			}
			if err != nil {
				t.shutdown()
				t.events.OnConnectFailed(err)
				return
			}
			t.start(conn)
			t.events.OnConnected()
		})
		if !posted && conn != nil {
			conn.Close()
		}
	}()
	return nil
}

func (t *Transport) start(conn net.Conn) {
	t.conn = conn
	t.state = transportConnected
	go t.reader(conn)
	go t.writer(conn)
}

func (t *Transport) SendCapacity() int {
	if t.state != transportConnected {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return max(0, t.opts.writeBufferSize()-t.pending)
}

func (t *Transport) Send(b []byte) int {
	n := min(len(b), t.SendCapacity())
	if n == 0 {
		return 0
	}
	t.mu.Lock()
	t.writeBuf.Write(b[:n])
	t.pending += n
	t.writeCond.Broadcast()
	t.mu.Unlock()
	return n
}

func (t *Transport) Close() error {
	if t.state == transportClosed {
		return nil
	}
	t.shutdown()
	return nil
}

func (t *Transport) shutdown() {
	t.state = transportClosed
	t.closed.Set()
	t.cancel()
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			t.logger.Levelf(log.Debug, "closing conn: %v", err)
		}
	}
}

// The conn failed or the remote end closed it. Runs on the loop.
func (t *Transport) connEnded(err error) {
	if t.state != transportConnected {
		return
	}
	t.shutdown()
	if errors.Is(err, io.EOF) {
		t.events.OnClosed()
	} else {
		t.events.OnClosedWithError(err)
	}
}

func (t *Transport) postIfConnected(f func()) {
	t.loop.Post(func() {
		if t.state == transportConnected {
			f()
		}
	})
}

func limitChunk(l *rate.Limiter, n int) int {
	if l == nil || l.Limit() == rate.Inf || l.Burst() <= 0 {
		return n
	}
	return min(n, l.Burst())
}

func (t *Transport) wait(l *rate.Limiter, n int) error {
	if l == nil {
		return nil
	}
	return l.WaitN(t.ctx, n)
}

func (t *Transport) reader(conn net.Conn) {
	buf := make([]byte, limitChunk(t.opts.DownloadLimiter, readBufferSize))
	for {
		n, err := conn.Read(buf)
		if n != 0 {
			if waitErr := t.wait(t.opts.DownloadLimiter, n); waitErr != nil {
				return
			}
			b := bytes.Clone(buf[:n])
			t.postIfConnected(func() {
				t.events.OnDataAvailable(b)
			})
		}
		if err != nil {
			t.loop.Post(func() {
				t.connEnded(err)
			})
			return
		}
	}
}

func (t *Transport) writer(conn net.Conn) {
	front := new(bytes.Buffer)
	chunkSize := limitChunk(t.opts.UploadLimiter, maxWriteSize)
	for {
		t.mu.Lock()
		if t.writeBuf.Len() == 0 {
			writeCond := t.writeCond.Signaled()
			t.mu.Unlock()
			select {
			case <-t.closed.Done():
				return
			case <-writeCond:
			}
			continue
		}
		// Flip the buffers.
		front, t.writeBuf = t.writeBuf, front
		t.mu.Unlock()
		for front.Len() != 0 {
			next := front.Next(chunkSize)
			if t.wait(t.opts.UploadLimiter, len(next)) != nil {
				return
			}
			n, err := conn.Write(next)
			if n != 0 {
				t.wrote(n)
			}
			if err != nil {
				t.logger.Levelf(log.Debug, "error writing: %v", err)
				t.loop.Post(func() {
					t.connEnded(err)
				})
				return
			}
		}
		front.Reset()
	}
}

func (t *Transport) wrote(n int) {
	t.mu.Lock()
	t.pending -= n
	t.mu.Unlock()
	t.postIfConnected(func() {
		t.events.OnDataSent(n)
		if t.state == transportConnected {
			t.events.OnSendCapacityAvailable(t.SendCapacity())
		}
	})
}
