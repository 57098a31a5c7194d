// Package nettable implements the net-table: a named collection of
// chunks together with the Chord-based directory that locates chunks not
// held locally, and the inbound RPC dispatch that routes chunk messages
// to the right local Chunk.
package nettable

import (
	"sync"

	"sharedtable/internal/chunk"
	"sharedtable/internal/errs"
)

// Registry is the process-wide flat map from chunk id (hex) to the
// locally resident Chunk, shared by every net-table in this peer so
// inbound chunk RPCs — which carry only a chunk_id, not a table name —
// can be dispatched without the caller needing to know which table a
// chunk belongs to.
type Registry struct {
	mu     sync.RWMutex
	chunks map[string]*chunk.Chunk
}

// NewRegistry creates an empty chunk registry.
func NewRegistry() *Registry {
	return &Registry{chunks: make(map[string]*chunk.Chunk)}
}

// Add makes c reachable by RPC dispatch under its own id.
func (r *Registry) Add(c *chunk.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks[c.ID.String()] = c
}

// Remove drops a chunk from dispatch, e.g. after it leaves.
func (r *Registry) Remove(idHex string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chunks, idHex)
}

// Get looks up a chunk by id, declining if absent.
func (r *Registry) Get(idHex string) (*chunk.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chunks[idHex]
	if !ok {
		return nil, errs.New(errs.Decline, "no local chunk %s", idHex)
	}
	return c, nil
}
