package peerwire

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync/atomic"

	pp "github.com/anacrolix/peerwire/peer_protocol"
)

// Various connection-level metrics. Chunks are messages with data payloads. Data is actual torrent
// content without any overhead. Wanted chunks answer a request we still had outstanding. Written
// is things sent to the peer, and Read is stuff received from them.
type ConnStats struct {
	// Total bytes on the wire, including the handshake.
	BytesWritten     Count
	BytesWrittenData Count
	// Bytes the transport reported as actually sent.
	BytesFlushed Count

	BytesRead     Count
	BytesReadData Count

	ChunksWritten Count

	ChunksRead         Count
	ChunksReadWanted   Count
	ChunksReadUnwanted Count

	MessagesWritten Count
	MessagesRead    Count
	KeepalivesRead  Count
	// Messages dropped for bad lengths or unknown types.
	MessagesDropped Count
}

// Copy returns a copy of the connection stats.
func (me *ConnStats) Copy() (ret ConnStats) {
	for i := 0; i < reflect.TypeOf(ConnStats{}).NumField(); i++ {
		n := reflect.ValueOf(me).Elem().Field(i).Addr().Interface().(*Count).Int64()
		reflect.ValueOf(&ret).Elem().Field(i).Addr().Interface().(*Count).Add(n)
	}
	return
}

type Count struct {
	n int64
}

var _ fmt.Stringer = (*Count)(nil)

func (me *Count) Add(n int64) {
	atomic.AddInt64(&me.n, n)
}

func (me *Count) Int64() int64 {
	return atomic.LoadInt64(&me.n)
}

func (me *Count) String() string {
	return fmt.Sprintf("%v", me.Int64())
}

func (me *Count) MarshalJSON() ([]byte, error) {
	return json.Marshal(me.Int64())
}

func (me *ConnStats) wroteMsg(t pp.MessageType) {
	me.MessagesWritten.Add(1)
	messageTypesSent.Add(t.String(), 1)
	messagesWritten.WithLabelValues(t.String()).Inc()
}

func (me *ConnStats) readMsg(t pp.MessageType) {
	me.MessagesRead.Add(1)
	messageTypesReceived.Add(t.String(), 1)
	messagesRead.WithLabelValues(t.String()).Inc()
}

func (me *ConnStats) wroteBytes(n int) {
	me.BytesWritten.Add(int64(n))
	bytesWritten.Add(float64(n))
}

func (me *ConnStats) readBytes(n int) {
	me.BytesRead.Add(int64(n))
	bytesRead.Add(float64(n))
}
