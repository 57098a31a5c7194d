// Package txn implements multi-table, multi-chunk transactions with
// optimistic concurrency control: each id read is remembered at its
// observed update_time, and commit fails closed if a concurrent writer
// has moved that time forward before this transaction applies its own
// mutations.
package txn

import (
	"context"
	"sync"

	"sharedtable/internal/chunk"
	"sharedtable/internal/errs"
	"sharedtable/internal/logicaltime"
	"sharedtable/internal/revision"
)

// Conflict reports that a transaction read id at Expected's update_time
// but found Observed (a later one) still present when it tried to commit.
type Conflict struct {
	ID       revision.ID
	Observed logicaltime.Time
	Expected logicaltime.Time
}

// ConflictMap collects every Conflict a commit or merge attempt produced,
// keyed by id.
type ConflictMap map[revision.ID]Conflict

// ChunkTransaction stages the reads and writes one transaction makes
// against a single chunk: new ids to insert, existing ids to update or
// remove, and the update_time observed for every id read — the
// optimistic read set a commit validates before applying anything.
type ChunkTransaction struct {
	c *chunk.Chunk

	mu         sync.Mutex
	insertions map[revision.ID]*revision.Revision
	updates    map[revision.ID]*revision.Revision
	removals   map[revision.ID]struct{}
	readSet    map[revision.ID]logicaltime.Time
}

func newChunkTransaction(c *chunk.Chunk) *ChunkTransaction {
	return &ChunkTransaction{
		c:          c,
		insertions: make(map[revision.ID]*revision.Revision),
		updates:    make(map[revision.ID]*revision.Revision),
		removals:   make(map[revision.ID]struct{}),
		readSet:    make(map[revision.ID]logicaltime.Time),
	}
}

// Get reads id as of atTime, staged writes taking precedence over the
// chunk's committed state, and records the observed update_time in the
// read set for later commit validation.
func (ct *ChunkTransaction) Get(id revision.ID, atTime logicaltime.Time) (*revision.Revision, error) {
	ct.mu.Lock()
	if rev, ok := ct.insertions[id]; ok {
		ct.mu.Unlock()
		return rev, nil
	}
	if rev, ok := ct.updates[id]; ok {
		ct.mu.Unlock()
		return rev, nil
	}
	if _, ok := ct.removals[id]; ok {
		ct.mu.Unlock()
		return nil, errs.New(errs.NotFound, "id %s removed in this transaction", id)
	}
	ct.mu.Unlock()

	rev, err := ct.c.Get(id, atTime)
	if err != nil {
		return nil, err
	}
	if t, ok := ct.c.LatestUpdateTime(id); ok {
		ct.mu.Lock()
		ct.readSet[id] = t
		ct.mu.Unlock()
	}
	return rev, nil
}

// Insert stages a brand-new id with no pre-image requirement.
func (ct *ChunkTransaction) Insert(rev *revision.Revision) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.insertions[rev.ID] = rev
}

// Update stages a new version of an id that must match an existing
// pre-image at begin-time: the caller is expected to have Get'd id
// first, seeding the read set this update's commit-time validation
// checks against.
func (ct *ChunkTransaction) Update(rev *revision.Revision) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.updates[rev.ID] = rev
	if _, tracked := ct.readSet[rev.ID]; !tracked {
		if t, ok := ct.c.LatestUpdateTime(rev.ID); ok {
			ct.readSet[rev.ID] = t
		}
	}
}

// Remove stages a logical delete of id. CRU tables only: applied as an
// Update carrying Removed=true.
func (ct *ChunkTransaction) Remove(id revision.ID) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.removals[id] = struct{}{}
	if _, tracked := ct.readSet[id]; !tracked {
		if t, ok := ct.c.LatestUpdateTime(id); ok {
			ct.readSet[id] = t
		}
	}
}

// Validate checks every read id's update_time against what it was when
// read, without mutating anything. A non-empty ConflictMap means this
// chunk transaction cannot commit as staged.
func (ct *ChunkTransaction) Validate() ConflictMap {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	conflicts := make(ConflictMap)
	for id, expected := range ct.readSet {
		observed, ok := ct.c.LatestUpdateTime(id)
		if ok && observed > expected {
			conflicts[id] = Conflict{ID: id, Observed: observed, Expected: expected}
		}
	}
	return conflicts
}

// Apply performs every staged insertion, update, and removal under the
// chunk's write lock (assumed already held by the owning Transaction),
// stamping each with commitTime. Call only after Validate returned no
// conflicts.
func (ct *ChunkTransaction) Apply(ctx context.Context, commitTime logicaltime.Time) error {
	ct.mu.Lock()
	insertions := make([]*revision.Revision, 0, len(ct.insertions))
	for _, rev := range ct.insertions {
		insertions = append(insertions, rev)
	}
	updates := make([]*revision.Revision, 0, len(ct.updates))
	for _, rev := range ct.updates {
		updates = append(updates, rev)
	}
	removals := make([]revision.ID, 0, len(ct.removals))
	for id := range ct.removals {
		removals = append(removals, id)
	}
	ct.mu.Unlock()

	store := ct.c.Store()

	for _, rev := range insertions {
		rev.InsertTime = commitTime
		if err := ct.c.ApplyUnderLock(ctx, rev, store.Insert); err != nil {
			return err
		}
	}
	for _, rev := range updates {
		rev.UpdateTime = commitTime
		if err := ct.c.ApplyUnderLock(ctx, rev, store.Update); err != nil {
			return err
		}
	}
	for _, id := range removals {
		latest, err := ct.c.Get(id, commitTime)
		if err != nil {
			return err
		}
		tombstone := latest.Clone()
		tombstone.Removed = true
		tombstone.UpdateTime = commitTime
		if err := ct.c.ApplyUnderLock(ctx, tombstone, store.Update); err != nil {
			return err
		}
	}
	return nil
}

// touched reports whether this chunk transaction read or staged
// anything, letting a Transaction skip locking chunks it never
// interacted with.
func (ct *ChunkTransaction) touched() bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.insertions) > 0 || len(ct.updates) > 0 || len(ct.removals) > 0 || len(ct.readSet) > 0
}
