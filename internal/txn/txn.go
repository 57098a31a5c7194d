package txn

import (
	"context"
	"sort"
	"sync"

	"sharedtable/internal/chunk"
	"sharedtable/internal/errs"
	"sharedtable/internal/logicaltime"
	"sharedtable/internal/nettable"
	"sharedtable/internal/revision"
)

// AccessMode governs how a Transaction is allowed to touch a table:
// Direct stages ChunkTransactions itself; Cache routes every access
// through an attached object cache instead. The two are mutually
// exclusive per table within one Transaction.
type AccessMode int

const (
	Direct AccessMode = iota
	Cache
)

// Flusher is anything a Transaction must give a chance to fold its
// staged state in before commit validates read sets — internal/cache's
// Cache type satisfies this without txn importing cache, avoiding an
// import cycle (cache already depends on txn for NetTableTransaction).
type Flusher interface {
	PrepareForCommit(ctx context.Context) error
}

// NetTableTransaction stages a Transaction's reads and writes against
// one table, fanning each id out to the ChunkTransaction for the chunk
// that owns it.
type NetTableTransaction struct {
	nt        *nettable.NetTable
	beginTime logicaltime.Time

	mu        sync.Mutex
	chunkTxns map[revision.ID]*ChunkTransaction
}

func newNetTableTransaction(nt *nettable.NetTable, beginTime logicaltime.Time) *NetTableTransaction {
	return &NetTableTransaction{
		nt:        nt,
		beginTime: beginTime,
		chunkTxns: make(map[revision.ID]*ChunkTransaction),
	}
}

func (ntt *NetTableTransaction) chunkTxn(c *chunk.Chunk) *ChunkTransaction {
	ntt.mu.Lock()
	defer ntt.mu.Unlock()
	ct, ok := ntt.chunkTxns[c.ID]
	if !ok {
		ct = newChunkTransaction(c)
		ntt.chunkTxns[c.ID] = ct
	}
	return ct
}

// Get reads id as of this transaction's begin_time from the resident
// chunk that holds it. An id held by no resident chunk at begin_time
// (including one only staged for insertion here) is NotFound.
func (ntt *NetTableTransaction) Get(ctx context.Context, id revision.ID) (*revision.Revision, error) {
	resident, err := ntt.nt.GetByID(id, ntt.beginTime)
	if err != nil {
		return nil, err
	}
	c, err := ntt.nt.GetChunk(ctx, resident.ChunkID)
	if err != nil {
		return nil, err
	}
	return ntt.chunkTxn(c).Get(id, ntt.beginTime)
}

// Insert stages rev as a new id in c, a chunk the caller already
// resolved (e.g. via NetTable.NewChunk for a fresh id, or GetChunk for
// an id whose owner is already known).
func (ntt *NetTableTransaction) Insert(c *chunk.Chunk, rev *revision.Revision) {
	ntt.chunkTxn(c).Insert(rev)
}

// Update stages rev as a new version of an existing id.
func (ntt *NetTableTransaction) Update(ctx context.Context, rev *revision.Revision) error {
	c, err := ntt.nt.GetChunk(ctx, rev.ChunkID)
	if err != nil {
		return err
	}
	ntt.chunkTxn(c).Update(rev)
	return nil
}

// Remove stages a logical delete of id in the resident chunk that holds
// it at begin_time.
func (ntt *NetTableTransaction) Remove(ctx context.Context, id revision.ID) error {
	resident, err := ntt.nt.GetByID(id, ntt.beginTime)
	if err != nil {
		return err
	}
	c, err := ntt.nt.GetChunk(ctx, resident.ChunkID)
	if err != nil {
		return err
	}
	ntt.chunkTxn(c).Remove(id)
	return nil
}

// AvailableIDs returns every id visible in this table as of this
// transaction's begin_time, resident-chunk only — the basis a cache uses to
// answer has/size/get_all_available_ids before folding in its own staged
// inserts and removals.
func (ntt *NetTableTransaction) AvailableIDs() []revision.ID {
	revs := ntt.nt.DumpActiveChunks(ntt.beginTime)
	ids := make([]revision.ID, len(revs))
	for i, rev := range revs {
		ids[i] = rev.ID
	}
	return ids
}

func (ntt *NetTableTransaction) sortedChunkTxns() []*ChunkTransaction {
	ntt.mu.Lock()
	defer ntt.mu.Unlock()

	ids := make([]revision.ID, 0, len(ntt.chunkTxns))
	for id, ct := range ntt.chunkTxns {
		if ct.touched() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	out := make([]*ChunkTransaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, ntt.chunkTxns[id])
	}
	return out
}

// Transaction spans multiple tables and chunks, staging optimistic reads
// and writes and committing them atomically under a deterministic,
// deadlock-free lock order: tables sorted by name, chunks within a table
// sorted by id.
type Transaction struct {
	clock     *logicaltime.Clock
	beginTime logicaltime.Time

	mu         sync.Mutex
	tables     map[string]*NetTableTransaction
	accessMode map[string]AccessMode
	flushers   []Flusher
}

// New begins a transaction against clock's current logical time.
func New(clock *logicaltime.Clock) *Transaction {
	return &Transaction{
		clock:      clock,
		beginTime:  clock.Now(),
		tables:     make(map[string]*NetTableTransaction),
		accessMode: make(map[string]AccessMode),
	}
}

// BeginTime returns the logical time this transaction's reads are
// snapshotted at.
func (t *Transaction) BeginTime() logicaltime.Time { return t.beginTime }

// Table returns this transaction's staging area for nt, first recording
// mode as nt's access mode for the lifetime of this transaction — a
// table accessed Direct cannot later be accessed via Cache, or vice
// versa.
func (t *Transaction) Table(nt *nettable.NetTable, mode AccessMode) (*NetTableTransaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	name := nt.Name()
	if existing, ok := t.accessMode[name]; ok && existing != mode {
		return nil, errs.New(errs.Invalid, "table %s already accessed in a different mode this transaction", name)
	}
	t.accessMode[name] = mode

	ntt, ok := t.tables[name]
	if !ok {
		ntt = newNetTableTransaction(nt, t.beginTime)
		t.tables[name] = ntt
	}
	return ntt, nil
}

// Attach registers a cache (or anything else satisfying Flusher) to be
// flushed before this transaction's read sets are validated at commit.
func (t *Transaction) Attach(f Flusher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushers = append(t.flushers, f)
}

type orderedChunkTxn struct {
	tableName string
	ct        *ChunkTransaction
}

func (t *Transaction) sortedTableNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.tables))
	for name := range t.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Transaction) orderedChunkTxns() []orderedChunkTxn {
	var out []orderedChunkTxn
	t.mu.Lock()
	tables := t.tables
	t.mu.Unlock()

	for _, name := range t.sortedTableNames() {
		ntt := tables[name]
		for _, ct := range ntt.sortedChunkTxns() {
			out = append(out, orderedChunkTxn{tableName: name, ct: ct})
		}
	}
	return out
}

// Commit flushes attached caches, locks every touched chunk in
// table-name, then chunk-id order, validates every read set, and —
// provided nothing conflicts — applies every staged mutation under one
// commit_time before releasing the locks in reverse order. A non-nil,
// non-empty ConflictMap means the transaction was not applied; no chunk
// was mutated.
func (t *Transaction) Commit(ctx context.Context) (ConflictMap, error) {
	for _, f := range t.flushers {
		if err := f.PrepareForCommit(ctx); err != nil {
			return nil, err
		}
	}

	ordered := t.orderedChunkTxns()

	var locked []*ChunkTransaction
	for _, oc := range ordered {
		if err := oc.ct.c.AcquireLock(ctx); err != nil {
			releaseAll(ctx, locked)
			return nil, err
		}
		locked = append(locked, oc.ct)
	}

	conflicts := make(ConflictMap)
	for _, ct := range locked {
		for id, c := range ct.Validate() {
			conflicts[id] = c
		}
	}
	if len(conflicts) > 0 {
		releaseAll(ctx, locked)
		return conflicts, nil
	}

	commitTime := t.clock.Tick()
	for _, ct := range locked {
		if err := ct.Apply(ctx, commitTime); err != nil {
			releaseAll(ctx, locked)
			return nil, err
		}
	}

	releaseAll(ctx, locked)
	return nil, nil
}

func releaseAll(ctx context.Context, locked []*ChunkTransaction) {
	for i := len(locked) - 1; i >= 0; i-- {
		_ = locked[i].c.ReleaseLock(ctx, locked[i].c.TakeHeldWrites())
	}
}

// Merge validates other's staged chunk transactions against current
// state without committing: conflicting ids are moved into the returned
// ConflictMap and dropped from other, leaving only the clean operations
// in other for the caller to retry (e.g. in a fresh Transaction).
func Merge(other *Transaction) ConflictMap {
	conflicts := make(ConflictMap)
	for _, oc := range other.orderedChunkTxns() {
		for id, c := range oc.ct.Validate() {
			conflicts[id] = c
			oc.ct.mu.Lock()
			delete(oc.ct.insertions, id)
			delete(oc.ct.updates, id)
			delete(oc.ct.removals, id)
			delete(oc.ct.readSet, id)
			oc.ct.mu.Unlock()
		}
	}
	return conflicts
}
