// Package cache implements a typed, lazily-materialized object view over a
// transaction's access to a single table: callers work with Go values
// instead of revisions, and the cache translates between the two only at
// get and at commit time.
package cache

import (
	"context"
	"sync"

	"sharedtable/internal/chunk"
	"sharedtable/internal/errs"
	"sharedtable/internal/nettable"
	"sharedtable/internal/revision"
	"sharedtable/internal/table"
	"sharedtable/internal/txn"
)

// FromRevision materializes a cached value out of a stored revision —
// the object_from_revision half of the translation.
type FromRevision[T any] func(rev *revision.Revision) (T, error)

// ToRevision writes value's fields into rev, which is either a fresh
// template (for a new id) or a clone of the id's pre-image (for a
// prospective update) — the object_to_revision half of the translation.
type ToRevision[T any] func(id revision.ID, value T, rev *revision.Revision) error

// Cache is a typed object-view over one table for the lifetime of a single
// Transaction. It attaches itself to the transaction as a Flusher, so a
// plain Transaction.Commit folds in every attached cache's staged mutations
// before validating read sets.
type Cache[T any] struct {
	ntt   *txn.NetTableTransaction
	desc  table.Descriptor
	chunk *chunk.Chunk

	from FromRevision[T]
	to   ToRevision[T]

	mu           sync.Mutex
	cache        map[revision.ID]T
	preimages    map[revision.ID]*revision.Revision
	availableIDs map[revision.ID]struct{}
	idsFetched   bool
	removals     map[revision.ID]struct{}
	staged       bool
}

// New attaches a new Cache for nt to parent, routing every access to nt
// through the cache instead of direct Transaction calls. c is the chunk new
// insertions are written to; reads and updates resolve their owning chunk
// on their own, the same as a direct Transaction access would.
func New[T any](parent *txn.Transaction, nt *nettable.NetTable, c *chunk.Chunk, from FromRevision[T], to ToRevision[T]) (*Cache[T], error) {
	ntt, err := parent.Table(nt, txn.Cache)
	if err != nil {
		return nil, err
	}
	cc := &Cache[T]{
		ntt:          ntt,
		desc:         nt.Descriptor(),
		chunk:        c,
		from:         from,
		to:           to,
		cache:        make(map[revision.ID]T),
		preimages:    make(map[revision.ID]*revision.Revision),
		availableIDs: make(map[revision.ID]struct{}),
		removals:     make(map[revision.ID]struct{}),
	}
	parent.Attach(cc)
	return cc, nil
}

// Get lazily materializes id's value on first access; subsequent calls
// within the same cache return the same stored instance.
func (c *Cache[T]) Get(ctx context.Context, id revision.ID) (T, error) {
	c.mu.Lock()
	if v, ok := c.cache[id]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	rev, err := c.revision(ctx, id)
	if err != nil {
		var zero T
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.cache[id]; ok {
		return v, nil
	}
	value, err := c.from(rev)
	if err != nil {
		var zero T
		return zero, err
	}
	c.cache[id] = value
	c.availableIDs[id] = struct{}{}
	return value, nil
}

func (c *Cache[T]) revision(ctx context.Context, id revision.ID) (*revision.Revision, error) {
	c.mu.Lock()
	if rev, ok := c.preimages[id]; ok {
		c.mu.Unlock()
		return rev, nil
	}
	c.mu.Unlock()

	rev, err := c.ntt.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.preimages[id] = rev
	c.mu.Unlock()
	return rev, nil
}

// Insert stages a brand-new id, failing without effect if id is already
// available.
func (c *Cache[T]) Insert(id revision.ID, value T) bool {
	c.ensureAvailableIDs()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.availableIDs[id]; ok {
		return false
	}
	c.cache[id] = value
	c.availableIDs[id] = struct{}{}
	return true
}

// Erase stages a logical removal of id. CRU tables only.
func (c *Cache[T]) Erase(id revision.ID) error {
	if c.desc.Type != table.CRU {
		return errs.New(errs.Invalid, "erase on non-CRU table %s", c.desc.Name)
	}
	c.ensureAvailableIDs()

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, id)
	delete(c.availableIDs, id)
	c.removals[id] = struct{}{}
	return nil
}

// Has reports whether id is available — staged ∪ underlying ids, minus
// removals.
func (c *Cache[T]) Has(id revision.ID) bool {
	c.ensureAvailableIDs()
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.availableIDs[id]
	return ok
}

// Size returns the count of available ids.
func (c *Cache[T]) Size() int {
	c.ensureAvailableIDs()
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.availableIDs)
}

// GetAllAvailableIDs returns every available id, order unspecified.
func (c *Cache[T]) GetAllAvailableIDs() []revision.ID {
	c.ensureAvailableIDs()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]revision.ID, 0, len(c.availableIDs))
	for id := range c.availableIDs {
		out = append(out, id)
	}
	return out
}

func (c *Cache[T]) ensureAvailableIDs() {
	c.mu.Lock()
	if c.idsFetched {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ids := c.ntt.AvailableIDs()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idsFetched {
		return
	}
	for _, id := range ids {
		c.availableIDs[id] = struct{}{}
	}
	c.idsFetched = true
}

// PrepareForCommit diffs every dirty cache entry against its pre-image (if
// any) to decide insert vs. update vs. no-op, and stages every removal,
// folding this cache's state into the attached Transaction before it
// validates read sets. Implements txn.Flusher.
func (c *Cache[T]) PrepareForCommit(ctx context.Context) error {
	c.mu.Lock()
	if c.staged {
		c.mu.Unlock()
		return errs.New(errs.Invalid, "cache for table %s already staged for commit", c.desc.Name)
	}
	c.staged = true

	dirty := make(map[revision.ID]T, len(c.cache))
	for id, v := range c.cache {
		dirty[id] = v
	}
	preimages := make(map[revision.ID]*revision.Revision, len(c.preimages))
	for id, rev := range c.preimages {
		preimages[id] = rev
	}
	removals := make([]revision.ID, 0, len(c.removals))
	for id := range c.removals {
		removals = append(removals, id)
	}
	c.mu.Unlock()

	for id, value := range dirty {
		if pre, ok := preimages[id]; ok {
			updated := pre.Clone()
			if err := c.to(id, value, updated); err != nil {
				return err
			}
			if !updated.Equal(pre) {
				if err := c.ntt.Update(ctx, updated); err != nil {
					return err
				}
			}
			continue
		}

		rev := c.desc.Template()
		rev.ID = id
		if err := c.to(id, value, rev); err != nil {
			return err
		}
		c.ntt.Insert(c.chunk, rev)
	}

	for _, id := range removals {
		if err := c.ntt.Remove(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
