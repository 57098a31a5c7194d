package chunk

// LockRequest asks the receiving replica to grant (or decline) the write
// lock to Requester for Chunk.
type LockRequest struct {
	ChunkID   string `json:"chunk_id"`
	Requester string `json:"requester"`
}

// WriteEntry is one write applied while the lock was held, carried in an
// UnlockRequest so followers can confirm they've seen every write_seq the
// holder applied.
type WriteEntry struct {
	Seq uint64 `json:"seq"`
}

// UnlockRequest releases the write lock Requester held, reporting the
// write_seq values it applied while holding it.
type UnlockRequest struct {
	ChunkID   string       `json:"chunk_id"`
	Requester string       `json:"requester"`
	Writes    []WriteEntry `json:"writes"`
}

// MutationRequest carries one sequenced write (insert or update) to
// replicate to a swarm follower. Revision is a base64-encoded
// revision.Serialize() frame.
type MutationRequest struct {
	ChunkID  string `json:"chunk_id"`
	Seq      uint64 `json:"seq"`
	Revision string `json:"revision"`
}

// HistoryEntry is one id's full version history, for InitRequest.
type HistoryEntry struct {
	ID       string   `json:"id"`
	Versions []string `json:"versions"` // base64, latest first
}

// InitRequest carries a chunk's entire state to a peer that is joining
// its swarm: full history, current swarm membership, and the name of the
// table it belongs to (the receiver uses its own descriptor for that
// table).
type InitRequest struct {
	ChunkID    string         `json:"chunk_id"`
	TableName  string         `json:"table_name"`
	IsCRU      bool           `json:"is_cru"`
	History    []HistoryEntry `json:"history"`
	Swarm      []string       `json:"swarm"`
	NextSeq    uint64         `json:"next_seq"`
}

// ConnectRequest asks an existing swarm member for a read-only copy of a
// chunk's current state.
type ConnectRequest struct {
	ChunkID string `json:"chunk_id"`
}

// NewPeerRequest tells existing swarm members that Peer has joined.
type NewPeerRequest struct {
	ChunkID string `json:"chunk_id"`
	Peer    string `json:"peer"`
}

// LeaveRequest tells swarm members that Peer is departing.
type LeaveRequest struct {
	ChunkID string `json:"chunk_id"`
	Peer    string `json:"peer"`
}
