package peer_protocol

// Number of bytes needed to carry one bit per piece.
func BitfieldByteLen(numPieces int) int {
	return (numPieces + 7) / 8
}

func MarshalBitfield(bf []bool) (b []byte) {
	b = make([]byte, BitfieldByteLen(len(bf)))
	for i, have := range bf {
		if !have {
			continue
		}
		c := b[i/8]
		c |= 1 << uint(7-i%8)
		b[i/8] = c
	}
	return
}

func UnmarshalBitfield(b []byte) (bf []bool) {
	for _, c := range b {
		for i := 7; i >= 0; i-- {
			bf = append(bf, (c>>uint(i))&1 == 1)
		}
	}
	return
}

// Reports whether piece i is set in a packed bitfield. Out of range indexes are unset.
func BitfieldHas(b []byte, i int) bool {
	if i < 0 || i/8 >= len(b) {
		return false
	}
	return b[i/8]&(1<<uint(7-i%8)) != 0
}

func BitfieldSet(b []byte, i int) {
	b[i/8] |= 1 << uint(7-i%8)
}
