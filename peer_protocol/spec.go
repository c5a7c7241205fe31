package peer_protocol

import (
	"fmt"
)

// Identifies a block: Length bytes at Begin within piece Index.
type RequestSpec struct {
	Index, Begin, Length Integer
}

func (me RequestSpec) String() string {
	return fmt.Sprintf("piece %v, %v bytes at %v", me.Index, me.Length, me.Begin)
}

func (me RequestSpec) ToMsg(mt MessageType) Message {
	return Message{
		Type:   mt,
		Index:  me.Index,
		Begin:  me.Begin,
		Length: me.Length,
	}
}
