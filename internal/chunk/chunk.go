// Package chunk implements a replicated shard: a coherent replica of a
// contiguous piece of a table, kept in sync with its swarm peers under a
// distributed write lock so that at any moment at most one peer may
// mutate it.
package chunk

import (
	"context"
	"encoding/base64"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"sharedtable/internal/chorddir"
	"sharedtable/internal/errs"
	"sharedtable/internal/hub"
	"sharedtable/internal/logicaltime"
	"sharedtable/internal/revision"
	"sharedtable/internal/table"
)

// Chunk is one replicated shard of a net-table.
type Chunk struct {
	ID        revision.ID
	tableName string

	store *table.LocalStore
	h     *hub.Hub
	dir   *chorddir.Directory
	clock *logicaltime.Clock

	mu          sync.Mutex
	swarm       map[string]struct{}
	lock        lockState
	nextSeq     uint64 // next write_seq this peer will assign as holder
	heldWrites  []WriteEntry
	nextApply   uint64 // next write_seq this peer expects to apply as a follower
	pending     map[uint64]*revision.Revision
	initialized chan struct{}

	log *logrus.Entry
}

// New creates a brand-new, locally-originated chunk (no prior swarm),
// ready for inserts.
func New(id revision.ID, tableName string, dataDir string, desc table.Descriptor, h *hub.Hub, dir *chorddir.Directory, clock *logicaltime.Clock) (*Chunk, error) {
	store, err := table.Open(dataDir, desc)
	if err != nil {
		return nil, err
	}
	c := &Chunk{
		ID:          id,
		tableName:   tableName,
		store:       store,
		h:           h,
		dir:         dir,
		clock:       clock,
		swarm:       map[string]struct{}{h.SelfAddr(): {}},
		pending:     make(map[uint64]*revision.Revision),
		initialized: make(chan struct{}),
		log:         logrus.WithFields(logrus.Fields{"component": "chunk", "chunk": id.String()}),
	}
	close(c.initialized)
	return c, nil
}

// AwaitInitialized blocks until this chunk has finished installing its
// initial replica content (a no-op for chunks created via New, which are
// initialized immediately).
func (c *Chunk) AwaitInitialized() {
	<-c.initialized
}

// Swarm returns the peer addresses believed to hold a replica of this
// chunk, sorted for deterministic lock-acquisition order.
func (c *Chunk) Swarm() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.swarm))
	for p := range c.swarm {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (c *Chunk) peersExcludingSelf() []string {
	self := c.h.SelfAddr()
	out := make([]string, 0)
	for _, p := range c.Swarm() {
		if p != self {
			out = append(out, p)
		}
	}
	return out
}

// Insert acquires the write lock, applies rev locally, replicates it to
// the swarm, and releases the lock.
func (c *Chunk) Insert(ctx context.Context, rev *revision.Revision) error {
	return c.mutate(ctx, rev, c.store.Insert)
}

// Update acquires the write lock, applies rev locally (CRU tables only),
// replicates it to the swarm, and releases the lock.
func (c *Chunk) Update(ctx context.Context, rev *revision.Revision) error {
	return c.mutate(ctx, rev, c.store.Update)
}

func (c *Chunk) mutate(ctx context.Context, rev *revision.Revision, apply func(*revision.Revision) error) error {
	if err := c.AcquireLock(ctx); err != nil {
		return err
	}
	if err := c.ApplyUnderLock(ctx, rev, apply); err != nil {
		c.ReleaseLock(ctx, nil)
		return err
	}
	return c.ReleaseLock(ctx, c.TakeHeldWrites())
}

// ApplyUnderLock applies one mutation and replicates it to the swarm,
// assuming the caller already holds this chunk's write lock (via
// AcquireLock) — the primitive a Transaction uses to batch several
// mutations under a single lock/release pair instead of one per call.
func (c *Chunk) ApplyUnderLock(ctx context.Context, rev *revision.Revision, apply func(*revision.Revision) error) error {
	rev.ChunkID = c.ID
	if err := apply(rev); err != nil {
		return err
	}

	c.mu.Lock()
	seq := c.nextSeq
	c.nextSeq++
	c.nextApply = c.nextSeq
	c.heldWrites = append(c.heldWrites, WriteEntry{Seq: seq})
	c.mu.Unlock()

	data, err := rev.Serialize()
	if err != nil {
		errs.MustNotHappen("serialize committed revision: %v", err)
	}
	req := MutationRequest{ChunkID: c.ID.String(), Seq: seq, Revision: base64.StdEncoding.EncodeToString(data)}
	for _, peer := range c.peersExcludingSelf() {
		if _, err := c.h.Request(ctx, peer, "chunk.mutation", req); err != nil {
			c.log.WithFields(logrus.Fields{"peer": peer, "err": err}).Warn("swarm peer unreachable during broadcast, pruning")
			c.pruneDeadPeer(ctx, peer)
		}
	}
	return nil
}

// TakeHeldWrites drains and returns the write_seq entries accumulated
// since the lock was acquired, for ReleaseLock's manifest.
func (c *Chunk) TakeHeldWrites() []WriteEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	writes := c.heldWrites
	c.heldWrites = nil
	return writes
}

// Store exposes the underlying local store for read-only conflict checks
// (LatestUpdateTime) a Transaction performs before applying mutations.
func (c *Chunk) Store() *table.LocalStore { return c.store }

func (c *Chunk) pruneDeadPeer(ctx context.Context, peer string) {
	c.mu.Lock()
	delete(c.swarm, peer)
	c.mu.Unlock()
	_ = c.dir.RenouncePossession(ctx, c.ID.String(), peer)
}

// Get serves a read, no lock required.
func (c *Chunk) Get(id revision.ID, atTime logicaltime.Time) (*revision.Revision, error) {
	return c.store.Get(id, atTime)
}

// Dump serves every visible revision at atTime, no lock required.
func (c *Chunk) Dump(atTime logicaltime.Time) []*revision.Revision {
	return c.store.Dump(atTime)
}

// History returns every version of id (CRU tables only).
func (c *Chunk) History(id revision.ID) []*revision.Revision {
	return c.store.History(id)
}

// LatestUpdateTime reports the newest update_time recorded for id, for
// transaction conflict detection.
func (c *Chunk) LatestUpdateTime(id revision.ID) (logicaltime.Time, bool) {
	return c.store.LatestUpdateTime(id)
}

// Close releases the underlying local store.
func (c *Chunk) Close() error {
	return c.store.Close()
}

// Snapshot compacts this chunk's local WAL into a snapshot file.
func (c *Chunk) Snapshot() error {
	return c.store.Snapshot()
}

// HandleMutationBroadcast applies a replicated write from the lock
// holder, queuing it if it arrives out of sequence.
func (c *Chunk) HandleMutationBroadcast(req MutationRequest) error {
	data, err := base64.StdEncoding.DecodeString(req.Revision)
	if err != nil {
		return errs.Wrap(errs.Invalid, err, "decode mutation revision")
	}
	rev, _, err := revision.Parse(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Seq != c.nextApply {
		c.pending[req.Seq] = rev
		return nil
	}
	if err := c.store.Patch(rev); err != nil {
		return err
	}
	c.clock.Advance(observedTime(rev))
	c.nextApply++
	for {
		next, ok := c.pending[c.nextApply]
		if !ok {
			break
		}
		if err := c.store.Patch(next); err != nil {
			return err
		}
		c.clock.Advance(observedTime(next))
		delete(c.pending, c.nextApply)
		c.nextApply++
	}
	c.nextSeq = c.nextApply
	return nil
}

// observedTime is the Lamport timestamp a received revision carries: its
// update_time if it has one (a later version), otherwise its insert_time.
func observedTime(rev *revision.Revision) logicaltime.Time {
	if rev.UpdateTime > 0 {
		return rev.UpdateTime
	}
	return rev.InsertTime
}
