package nettable

import (
	"sharedtable/internal/chunk"
	"sharedtable/internal/errs"
	"sharedtable/internal/hub"
	"sharedtable/internal/revision"
)

// TableLookup resolves a table name to the NetTable hosting it, for the
// one chunk RPC (chunk.init) that names a table instead of a chunk id —
// the chunk doesn't exist locally yet, so the flat Registry can't find
// it by chunk id.
type TableLookup func(tableName string) (*NetTable, bool)

// RegisterHandlers wires every chunk RPC type onto h. Six of them
// (lock, unlock, mutation, newpeer, leave, connect) carry only a
// chunk_id and are dispatched through reg, the process-wide flat chunk
// registry shared by every net-table this peer hosts. The seventh,
// init, carries a table_name instead — because the chunk it's creating
// doesn't exist in reg yet — so it is dispatched through lookup.
func RegisterHandlers(h *hub.Hub, reg *Registry, lookup TableLookup) {
	h.Register("chunk.lock", func(sender string, payload []byte) (any, error) {
		var req chunk.LockRequest
		if err := decodeJSON(payload, &req); err != nil {
			return nil, err
		}
		c, err := reg.Get(req.ChunkID)
		if err != nil {
			return nil, err
		}
		return struct{}{}, c.HandleLockRequest(req.Requester)
	})

	h.Register("chunk.unlock", func(sender string, payload []byte) (any, error) {
		var req chunk.UnlockRequest
		if err := decodeJSON(payload, &req); err != nil {
			return nil, err
		}
		c, err := reg.Get(req.ChunkID)
		if err != nil {
			return nil, err
		}
		return struct{}{}, c.HandleUnlockRequest(req.Requester, req.Writes)
	})

	h.Register("chunk.mutation", func(sender string, payload []byte) (any, error) {
		var req chunk.MutationRequest
		if err := decodeJSON(payload, &req); err != nil {
			return nil, err
		}
		c, err := reg.Get(req.ChunkID)
		if err != nil {
			return nil, err
		}
		return struct{}{}, c.HandleMutationBroadcast(req)
	})

	h.Register("chunk.newpeer", func(sender string, payload []byte) (any, error) {
		var req chunk.NewPeerRequest
		if err := decodeJSON(payload, &req); err != nil {
			return nil, err
		}
		c, err := reg.Get(req.ChunkID)
		if err != nil {
			return nil, err
		}
		c.HandleNewPeerRequest(req.Peer)
		return struct{}{}, nil
	})

	h.Register("chunk.leave", func(sender string, payload []byte) (any, error) {
		var req chunk.LeaveRequest
		if err := decodeJSON(payload, &req); err != nil {
			return nil, err
		}
		c, err := reg.Get(req.ChunkID)
		if err != nil {
			return nil, err
		}
		c.HandleLeaveRequest(req.Peer)
		return struct{}{}, nil
	})

	h.Register("chunk.connect", func(sender string, payload []byte) (any, error) {
		var req chunk.ConnectRequest
		if err := decodeJSON(payload, &req); err != nil {
			return nil, err
		}
		c, err := reg.Get(req.ChunkID)
		if err != nil {
			return nil, err
		}
		return c.HandleConnectRequest()
	})

	h.Register("chunk.init", func(sender string, payload []byte) (any, error) {
		var req chunk.InitRequest
		if err := decodeJSON(payload, &req); err != nil {
			return nil, err
		}
		nt, ok := lookup(req.TableName)
		if !ok {
			return nil, errs.New(errs.Decline, "no local net-table %q", req.TableName)
		}
		id, err := revision.IDFromHex(req.ChunkID)
		if err != nil {
			return nil, errs.Wrap(errs.Invalid, err, "parse chunk id")
		}

		newChunk, err := chunk.ApplyInit(req, nt.chunkDataDir(id), nt.desc, nt.h, nt.dir, nt.clock)
		if err != nil {
			return nil, err
		}

		nt.mu.Lock()
		nt.chunks[newChunk.ID] = newChunk
		nt.mu.Unlock()
		reg.Add(newChunk)

		return struct{}{}, nil
	})
}
