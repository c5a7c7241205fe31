package peerwire

import (
	list "github.com/bahlo/generic-list-go"

	pp "github.com/anacrolix/peerwire/peer_protocol"
)

type Request = pp.RequestSpec

type sendQueueEntry struct {
	// Marshalled frame. Empty for PIECE placeholders, whose bytes are produced when the entry
	// reaches the front.
	frame []byte
	// The message the frame was built from, without payload.
	msg       pp.Message
	handshake bool
	piece     bool
	priority  bool
}

// Outgoing messages in send order. Each PIECE placeholder in msgs has a matching entry in requests,
// and the two are consumed in lock step.
type sendQueue struct {
	msgs      *list.List[sendQueueEntry]
	requests  *list.List[Request]
	numPieces int
}

func (q *sendQueue) init() {
	if q.msgs == nil {
		q.msgs = list.New[sendQueueEntry]()
		q.requests = list.New[Request]()
	}
}

func (q *sendQueue) Len() int {
	if q.msgs == nil {
		return 0
	}
	return q.msgs.Len()
}

func (q *sendQueue) pushBack(e sendQueueEntry) {
	q.init()
	q.msgs.PushBack(e)
}

// The handshake must go out before anything else, so it's treated like the earliest priority entry.
func (q *sendQueue) pushHandshake(frame []byte) {
	q.init()
	q.msgs.PushFront(sendQueueEntry{frame: frame, handshake: true, priority: true})
}

func (q *sendQueue) pushPiece(r Request) {
	q.init()
	q.msgs.PushBack(sendQueueEntry{piece: true, msg: r.ToMsg(pp.Piece)})
	q.requests.PushBack(r)
	q.numPieces++
}

// Inserts e behind the block being sent, if any, and behind earlier priority entries, but ahead of
// everything else.
func (q *sendQueue) pushPriority(e sendQueueEntry, blockInFlight bool) {
	q.init()
	e.priority = true
	var mark *list.Element[sendQueueEntry]
	if blockInFlight {
		mark = q.msgs.Front()
	}
	for {
		next := q.msgs.Front()
		if mark != nil {
			next = mark.Next()
		}
		if next == nil || !next.Value.priority {
			break
		}
		mark = next
	}
	if mark == nil {
		q.msgs.PushFront(e)
	} else {
		q.msgs.InsertAfter(e, mark)
	}
}

func (q *sendQueue) front() (e sendQueueEntry, ok bool) {
	if q.Len() == 0 {
		return
	}
	return q.msgs.Front().Value, true
}

func (q *sendQueue) frontRequest() (r Request, ok bool) {
	if q.requests == nil || q.requests.Len() == 0 {
		return
	}
	return q.requests.Front().Value, true
}

func (q *sendQueue) popFront() {
	e := q.msgs.Remove(q.msgs.Front())
	if e.piece {
		q.requests.Remove(q.requests.Front())
		q.numPieces--
	}
}

// Removes the queued upload for r. If the first queued upload is r and it's already being sent,
// nothing is removed.
func (q *sendQueue) removeUpload(r Request, blockInFlight bool) bool {
	if q.Len() == 0 {
		return false
	}
	req := q.requests.Front()
	first := true
	for e := q.msgs.Front(); e != nil; e = e.Next() {
		if !e.Value.piece {
			continue
		}
		if req.Value == r {
			if first && blockInFlight {
				return false
			}
			q.msgs.Remove(e)
			q.requests.Remove(req)
			q.numPieces--
			return true
		}
		first = false
		req = req.Next()
	}
	return false
}

// Removes a REQUEST for r that hasn't been sent yet.
func (q *sendQueue) removeRequestMessage(r Request) bool {
	if q.Len() == 0 {
		return false
	}
	for e := q.msgs.Front(); e != nil; e = e.Next() {
		if !e.Value.piece && e.Value.msg.Type == pp.Request && e.Value.msg.RequestSpec() == r {
			q.msgs.Remove(e)
			return true
		}
	}
	return false
}

func (q *sendQueue) clear() {
	q.msgs = nil
	q.requests = nil
	q.numPieces = 0
}

// Uploads queued, including one in flight.
func (q *sendQueue) numUploads() int {
	return q.numPieces
}

func (q *sendQueue) consistent() bool {
	if q.msgs == nil {
		return q.numPieces == 0
	}
	n := 0
	for e := q.msgs.Front(); e != nil; e = e.Next() {
		if e.Value.piece {
			n++
		}
	}
	return n == q.numPieces && n == q.requests.Len()
}
