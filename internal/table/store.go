package table

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"sharedtable/internal/errs"
	"sharedtable/internal/logicaltime"
	"sharedtable/internal/revision"
)

// LocalStore is the per-peer backing store for one table: an in-memory
// index of revision histories, durably logged to a WAL and periodically
// compacted into a snapshot, in the manner of its
// internal/store/store.go.
//
// For a CR table, each id's history never has more than one entry. For a
// CRU table, History returns every version of an id, latest first.
type LocalStore struct {
	mu      sync.RWMutex
	desc    Descriptor
	history map[revision.ID][]*revision.Revision // latest-first
	dataDir string
	wal     *wal
	log     *logrus.Entry
}

// Open creates or reopens the local store for desc, replaying any WAL
// entries written after the last snapshot.
func Open(dataDir string, desc Descriptor) (*LocalStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "create data dir %s", dataDir)
	}
	s := &LocalStore{
		desc:    desc,
		history: make(map[revision.ID][]*revision.Revision),
		dataDir: dataDir,
		log:     logrus.WithFields(logrus.Fields{"component": "table.LocalStore", "table": desc.Name}),
	}
	if err := s.loadSnapshot(); err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "load snapshot")
	}
	w, err := openWAL(filepath.Join(dataDir, "wal.log"))
	if err != nil {
		return nil, err
	}
	s.wal = w
	if err := s.replayWAL(); err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "replay wal")
	}
	return s, nil
}

// Descriptor returns the table's schema.
func (s *LocalStore) Descriptor() Descriptor { return s.desc }

// Insert adds a brand-new id. Fails with Duplicate if the id already has
// history.
func (s *LocalStore) Insert(rev *revision.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(rev)
}

func (s *LocalStore) insertLocked(rev *revision.Revision) error {
	if _, ok := s.history[rev.ID]; ok {
		return errs.New(errs.Duplicate, "id %s already exists", rev.ID)
	}
	if err := s.wal.append(opInsert, rev); err != nil {
		return err
	}
	s.history[rev.ID] = []*revision.Revision{rev}
	return nil
}

// BulkInsert adds many new ids atomically: either all succeed, or none are
// applied (no WAL entries written, no in-memory state changed).
func (s *LocalStore) BulkInsert(revs []*revision.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rev := range revs {
		if _, ok := s.history[rev.ID]; ok {
			return errs.New(errs.Duplicate, "id %s already exists", rev.ID)
		}
	}
	for _, rev := range revs {
		if err := s.wal.append(opInsert, rev); err != nil {
			return err
		}
	}
	for _, rev := range revs {
		s.history[rev.ID] = []*revision.Revision{rev}
	}
	return nil
}

// Update appends a new history entry for an existing id. CRU tables only.
func (s *LocalStore) Update(rev *revision.Revision) error {
	if s.desc.Type != CRU {
		return errs.New(errs.Invalid, "update on non-CRU table %s", s.desc.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	hist, ok := s.history[rev.ID]
	if !ok {
		return errs.New(errs.NotFound, "id %s has no history", rev.ID)
	}
	if err := s.wal.append(opWrite, rev); err != nil {
		return err
	}
	s.history[rev.ID] = prependLatest(hist, rev)
	return nil
}

// Patch force-writes a history entry at the update_time the revision
// already carries, skipping the CRU-only and "id must already exist"
// checks Update enforces, and placing it by update_time instead of at the
// front of the history. This is how a chunk catches up a revision delivered out
// of band from a swarm peer.
func (s *LocalStore) Patch(rev *revision.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.wal.append(opWrite, rev); err != nil {
		return err
	}
	hist := s.history[rev.ID]
	s.history[rev.ID] = insertSortedByUpdateTime(hist, rev, s.desc.Type)
	return nil
}

// Get returns the revision for id visible "at time": for CRU, the latest
// version with update_time <= atTime, unless that version is a removal
// (then nothing is visible); for CR, the single version if its
// insert_time <= atTime.
func (s *LocalStore) Get(id revision.ID, atTime logicaltime.Time) (*revision.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev := s.visibleLocked(id, atTime)
	if rev == nil {
		return nil, errs.New(errs.NotFound, "id %s not visible at time %d", id, atTime)
	}
	return rev, nil
}

func (s *LocalStore) visibleLocked(id revision.ID, atTime logicaltime.Time) *revision.Revision {
	hist, ok := s.history[id]
	if !ok {
		return nil
	}
	if s.desc.Type == CR {
		rev := hist[0]
		if rev.InsertTime <= atTime {
			return rev
		}
		return nil
	}
	for _, rev := range hist {
		effective := rev.UpdateTime
		if effective == 0 {
			effective = rev.InsertTime
		}
		if effective <= atTime {
			if rev.Removed {
				return nil
			}
			return rev
		}
	}
	return nil
}

// Dump returns every id's visible revision at atTime.
func (s *LocalStore) Dump(atTime logicaltime.Time) []*revision.Revision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*revision.Revision, 0, len(s.history))
	for id := range s.history {
		if rev := s.visibleLocked(id, atTime); rev != nil {
			out = append(out, rev)
		}
	}
	return out
}

// History returns every version of id, latest first. CRU tables only.
func (s *LocalStore) History(id revision.ID) []*revision.Revision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.history[id]
	out := make([]*revision.Revision, len(hist))
	copy(out, hist)
	return out
}

// Find linearly scans the table for revisions visible at atTime whose named
// field equals value. There is no secondary index: this is the "store
// local helper" find_fast relies on, not a distributed search.
func (s *LocalStore) Find(field string, value revision.FieldValue, atTime logicaltime.Time) ([]*revision.Revision, error) {
	dump := s.Dump(atTime)
	out := make([]*revision.Revision, 0)
	for _, rev := range dump {
		v, err := rev.Get(field)
		if err != nil {
			return nil, err
		}
		if v.Equal(value) {
			out = append(out, rev)
		}
	}
	return out, nil
}

// LatestUpdateTime returns the update_time (or insert_time, for the first
// version) of the newest history entry for id, used by chunk transaction
// validation to detect a conflicting concurrent write.
func (s *LocalStore) LatestUpdateTime(id revision.ID) (logicaltime.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist, ok := s.history[id]
	if !ok || len(hist) == 0 {
		return 0, false
	}
	latest := hist[0]
	if latest.UpdateTime != 0 {
		return latest.UpdateTime, true
	}
	return latest.InsertTime, true
}

// Ids returns every id currently known to the store (including removed
// ones), for callers that need the full id set rather than visible dumps.
func (s *LocalStore) Ids() []revision.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]revision.ID, 0, len(s.history))
	for id := range s.history {
		out = append(out, id)
	}
	return out
}

// prependLatest inserts rev at the front of hist (history is latest-first).
func prependLatest(hist []*revision.Revision, rev *revision.Revision) []*revision.Revision {
	out := make([]*revision.Revision, 0, len(hist)+1)
	out = append(out, rev)
	out = append(out, hist...)
	return out
}

// insertSortedByUpdateTime inserts rev into hist keeping latest-first order
// by update_time (or insert_time for the sole CR entry), used by Patch
// where entries can arrive out of order from a swarm peer.
func insertSortedByUpdateTime(hist []*revision.Revision, rev *revision.Revision, t Type) []*revision.Revision {
	key := func(r *revision.Revision) logicaltime.Time {
		if t == CRU && r.UpdateTime != 0 {
			return r.UpdateTime
		}
		return r.InsertTime
	}
	out := append(hist, rev)
	sort.SliceStable(out, func(i, j int) bool { return key(out[i]) > key(out[j]) })
	return out
}

// ─── Snapshot ───────────────────────────────────────────────────────────────

type snapshotEntry struct {
	ID      string   `json:"id"`
	History []string `json:"history"` // base64 revision.Serialize(), latest first
}

// Snapshot atomically rewrites a compacted snapshot.json and truncates the
// WAL.
func (s *LocalStore) Snapshot() error {
	s.mu.RLock()
	entries := make([]snapshotEntry, 0, len(s.history))
	for id, hist := range s.history {
		enc := make([]string, 0, len(hist))
		for _, rev := range hist {
			data, err := rev.Serialize()
			if err != nil {
				s.mu.RUnlock()
				return err
			}
			enc = append(enc, base64.StdEncoding.EncodeToString(data))
		}
		entries = append(entries, snapshotEntry{ID: id.String(), History: enc})
	}
	s.mu.RUnlock()

	path := filepath.Join(s.dataDir, "snapshot.json")
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errs.Wrap(errs.Invalid, err, "create snapshot tmp")
	}
	if err := json.NewEncoder(f).Encode(entries); err != nil {
		f.Close()
		return errs.Wrap(errs.Invalid, err, "encode snapshot")
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.Invalid, err, "rename snapshot")
	}
	s.log.Info("snapshot saved")
	return s.wal.truncate()
}

func (s *LocalStore) loadSnapshot() error {
	path := filepath.Join(s.dataDir, "snapshot.json")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var entries []snapshotEntry
	if err := json.NewDecoder(f).Decode(&entries); err != nil {
		return err
	}
	for _, e := range entries {
		id, err := revision.IDFromHex(e.ID)
		if err != nil {
			return err
		}
		hist := make([]*revision.Revision, 0, len(e.History))
		for _, enc := range e.History {
			data, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return err
			}
			rev, _, err := revision.Parse(data)
			if err != nil {
				return err
			}
			hist = append(hist, rev)
		}
		s.history[id] = hist
	}
	return nil
}

func (s *LocalStore) replayWAL() error {
	entries, err := s.wal.readAll()
	if err != nil {
		return err
	}
	for _, e := range entries {
		rev, err := e.revision()
		if err != nil {
			return err
		}
		switch e.Op {
		case opInsert:
			s.history[rev.ID] = []*revision.Revision{rev}
		case opWrite:
			hist := s.history[rev.ID]
			s.history[rev.ID] = insertSortedByUpdateTime(hist, rev, s.desc.Type)
		}
	}
	return nil
}

// Close releases the WAL file handle.
func (s *LocalStore) Close() error {
	return s.wal.close()
}
