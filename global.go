package peerwire

import (
	"expvar"
)

const (
	// Blocks are requested in this size by convention.
	DefaultChunkSize = 0x4000 // 16KiB
)

var (
	receivedKeepalives = expvar.NewInt("receivedKeepalives")
	postedKeepalives   = expvar.NewInt("postedKeepalives")
	droppedMessages    = expvar.NewMap("droppedMessages")
	// Cancels that matched nothing we had queued, or matched the block being sent.
	unmatchedCancels = expvar.NewInt("unmatchedCancels")
	unwantedChunks   = expvar.NewInt("chunksReceivedUnwanted")

	messageTypesReceived = expvar.NewMap("messageTypesReceived")
	messageTypesSent     = expvar.NewMap("messageTypesSent")
	messageTypesPosted   = expvar.NewMap("messageTypesPosted")
	connsTerminated      = expvar.NewMap("connsTerminated")
)
