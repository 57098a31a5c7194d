package nettable

import (
	"context"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"sharedtable/internal/chorddir"
	"sharedtable/internal/chunk"
	"sharedtable/internal/errs"
	"sharedtable/internal/hub"
	"sharedtable/internal/logicaltime"
	"sharedtable/internal/revision"
	"sharedtable/internal/table"
)

// NetTable is a named collection of chunks: the unit callers address a
// table through. Each net-table owns one Chord directory (one entry per
// chunk id → owning peer set) and a reader/writer-locked map of the
// chunks currently resident on this peer.
type NetTable struct {
	name    string
	desc    table.Descriptor
	baseDir string
	h       *hub.Hub
	dir     *chorddir.Directory
	clock   *logicaltime.Clock
	reg     *Registry

	mu     sync.RWMutex
	chunks map[revision.ID]*chunk.Chunk

	log *logrus.Entry
}

// New creates a net-table named name, backed by descriptor desc, storing
// chunk data under baseDir. reg is the process-wide chunk dispatch
// registry (shared across every net-table this peer hosts); router is
// the process-wide Chord message router this net-table's directory
// registers itself on.
func New(name string, desc table.Descriptor, baseDir string, h *hub.Hub, router *chorddir.Router, reg *Registry, clock *logicaltime.Clock) *NetTable {
	dir := chorddir.NewDirectory(name, h, h.SelfAddr(), chorddir.DefaultRetryPolicy())
	router.AddDirectory(dir)

	return &NetTable{
		name:    name,
		desc:    desc,
		baseDir: baseDir,
		h:       h,
		dir:     dir,
		clock:   clock,
		reg:     reg,
		chunks:  make(map[revision.ID]*chunk.Chunk),
		log:     logrus.WithFields(logrus.Fields{"component": "nettable", "table": name}),
	}
}

// Name returns this net-table's name.
func (nt *NetTable) Name() string { return nt.name }

// Descriptor returns this net-table's schema.
func (nt *NetTable) Descriptor() table.Descriptor { return nt.desc }

func (nt *NetTable) chunkDataDir(id revision.ID) string {
	return filepath.Join(nt.baseDir, nt.name, "chunks", id.String())
}

// NewChunk allocates a fresh chunk owned solely by this peer, and
// announces it in the directory.
func (nt *NetTable) NewChunk(ctx context.Context) (*chunk.Chunk, error) {
	id := revision.NewID()
	c, err := chunk.New(id, nt.name, nt.chunkDataDir(id), nt.desc, nt.h, nt.dir, nt.clock)
	if err != nil {
		return nil, err
	}

	nt.mu.Lock()
	nt.chunks[id] = c
	nt.mu.Unlock()
	nt.reg.Add(c)

	if err := nt.dir.AnnouncePossession(ctx, id.String(), nt.h.SelfAddr()); err != nil {
		nt.log.WithField("err", err).Warn("announce_possession for new chunk failed")
	}
	return c, nil
}

// GetChunk returns the local chunk for id if resident, otherwise locates
// an owning peer via the directory and installs a connected copy.
func (nt *NetTable) GetChunk(ctx context.Context, id revision.ID) (*chunk.Chunk, error) {
	nt.mu.RLock()
	c, ok := nt.chunks[id]
	nt.mu.RUnlock()
	if ok {
		return c, nil
	}

	peers, err := nt.dir.SeekPeers(ctx, id.String())
	if err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, errs.New(errs.NotFound, "chunk %s has no known owner", id)
	}

	var lastErr error
	for _, peer := range peers {
		if peer == nt.h.SelfAddr() {
			continue
		}
		raw, err := nt.h.Request(ctx, peer, "chunk.connect", chunk.ConnectRequest{ChunkID: id.String()})
		if err != nil {
			lastErr = err
			continue
		}
		var init chunk.InitRequest
		if err := decodeJSON(raw, &init); err != nil {
			lastErr = err
			continue
		}
		newChunk, err := chunk.ApplyInit(init, nt.chunkDataDir(id), nt.desc, nt.h, nt.dir, nt.clock)
		if err != nil {
			return nil, err
		}

		nt.mu.Lock()
		nt.chunks[id] = newChunk
		nt.mu.Unlock()
		nt.reg.Add(newChunk)
		return newChunk, nil
	}
	return nil, errs.Wrap(errs.PeerUnreachable, lastErr, "connect_to chunk %s: every known peer declined", id)
}

// Insert forwards rev to an already-resolved chunk (one returned by
// NewChunk or GetChunk).
func (nt *NetTable) Insert(ctx context.Context, c *chunk.Chunk, rev *revision.Revision) error {
	return c.Insert(ctx, rev)
}

// Update looks up the chunk owning rev (via rev.ChunkID) and forwards the
// update to it.
func (nt *NetTable) Update(ctx context.Context, rev *revision.Revision) error {
	c, err := nt.GetChunk(ctx, rev.ChunkID)
	if err != nil {
		return err
	}
	return c.Update(ctx, rev)
}

// GetByID searches resident chunks for id, failing NotFound if none
// holds it — callers that already know the owning chunk should go
// through it directly instead.
func (nt *NetTable) GetByID(id revision.ID, atTime logicaltime.Time) (*revision.Revision, error) {
	for _, c := range nt.localChunks() {
		if rev, err := c.Get(id, atTime); err == nil {
			return rev, nil
		}
	}
	return nil, errs.New(errs.NotFound, "id %s not found among resident chunks", id)
}

// FindFast scans resident chunks for the first revision whose named field
// equals value, visible at atTime. It is fast, not thorough: chunks not
// resident on this peer are not searched.
func (nt *NetTable) FindFast(field string, value revision.FieldValue, atTime logicaltime.Time) (*revision.Revision, error) {
	for _, c := range nt.localChunks() {
		for _, rev := range c.Dump(atTime) {
			v, err := rev.Get(field)
			if err != nil {
				return nil, err
			}
			if v.Equal(value) {
				return rev, nil
			}
		}
	}
	return nil, errs.New(errs.NotFound, "no resident revision matches %s", field)
}

// FindAmongPeers would extend FindFast to query non-resident chunks
// through the swarm — a thorough, swarm-wide find this module does not
// implement.
func (nt *NetTable) FindAmongPeers(ctx context.Context, field string, value revision.FieldValue, atTime logicaltime.Time) (*revision.Revision, error) {
	return nil, errs.New(errs.NotImplemented, "thorough find across peers is not implemented")
}

// DumpActiveChunks returns the union of every resident chunk's dump at
// atTime.
func (nt *NetTable) DumpActiveChunks(atTime logicaltime.Time) []*revision.Revision {
	var out []*revision.Revision
	for _, c := range nt.localChunks() {
		out = append(out, c.Dump(atTime)...)
	}
	return out
}

// AnnouncePossession records peerAddr as an owner of id in this net-table's
// directory directly, bypassing the normal announce-on-create path — used
// to repair a directory entry by hand, or to seed one in a test that does
// not wire up a real Chord ring.
func (nt *NetTable) AnnouncePossession(ctx context.Context, id revision.ID, peerAddr string) error {
	return nt.dir.AnnouncePossession(ctx, id.String(), peerAddr)
}

// ShareAllChunks announces every resident chunk in the directory — used
// when a net-table's directory is created after chunks already exist
// locally (e.g. recovering from a snapshot).
func (nt *NetTable) ShareAllChunks(ctx context.Context) error {
	for id := range nt.localChunkIDs() {
		if err := nt.dir.AnnouncePossession(ctx, id.String(), nt.h.SelfAddr()); err != nil {
			return err
		}
	}
	return nil
}

// LeaveAllChunks makes this peer leave every resident chunk's swarm and
// drops its local replicas — used on graceful shutdown.
func (nt *NetTable) LeaveAllChunks(ctx context.Context) error {
	nt.mu.Lock()
	chunks := make([]*chunk.Chunk, 0, len(nt.chunks))
	for id, c := range nt.chunks {
		chunks = append(chunks, c)
		delete(nt.chunks, id)
	}
	nt.mu.Unlock()

	var firstErr error
	for _, c := range chunks {
		nt.reg.Remove(c.ID.String())
		if err := c.Leave(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Statistics summarizes this net-table's local state — a supplemental
// introspection operation the distillation dropped but the original
// implementation exposes (getStatistics).
type Statistics struct {
	ResidentChunks int
	TotalRevisions int
}

// GetStatistics reports Statistics for this net-table.
func (nt *NetTable) GetStatistics() Statistics {
	chunks := nt.localChunks()
	total := 0
	for _, c := range chunks {
		total += len(c.Dump(^logicaltime.Time(0)))
	}
	return Statistics{ResidentChunks: len(chunks), TotalRevisions: total}
}

// ChunkIDs returns the ids of every chunk resident on this peer, sorted.
func (nt *NetTable) ChunkIDs() []string {
	ids := nt.localChunkIDs()
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id.String())
	}
	sort.Strings(out)
	return out
}

// Snapshot compacts every resident chunk's local WAL into a snapshot file —
// called on a periodic ticker and once more on graceful shutdown.
func (nt *NetTable) Snapshot() error {
	var firstErr error
	for _, c := range nt.localChunks() {
		if err := c.Snapshot(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (nt *NetTable) localChunks() []*chunk.Chunk {
	nt.mu.RLock()
	defer nt.mu.RUnlock()
	out := make([]*chunk.Chunk, 0, len(nt.chunks))
	for _, c := range nt.chunks {
		out = append(out, c)
	}
	return out
}

func (nt *NetTable) localChunkIDs() map[revision.ID]struct{} {
	nt.mu.RLock()
	defer nt.mu.RUnlock()
	out := make(map[revision.ID]struct{}, len(nt.chunks))
	for id := range nt.chunks {
		out[id] = struct{}{}
	}
	return out
}
