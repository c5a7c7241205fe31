package peerwire

// Where uploaded block data comes from. Implementations are shared between connections and must
// be safe for concurrent reads.
type Storage interface {
	CopyIntoBuffer(piece, offset int, dst []byte) error
	// Returns a view of length bytes at offset within piece, without copying where the backend
	// allows. The view must stay valid until the upload using it completes.
	BufferForPieceRegion(piece, offset, length int) ([]byte, error)
}
