package table

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharedtable/internal/errs"
	"sharedtable/internal/revision"
)

func crDescriptor() Descriptor {
	return Descriptor{
		Name:   "events",
		Fields: []revision.FieldDescriptor{{Name: "n", Type: revision.INT32}},
		Type:   CR,
	}
}

func cruDescriptor() Descriptor {
	return Descriptor{
		Name:   "accounts",
		Fields: []revision.FieldDescriptor{{Name: "balance", Type: revision.INT64}},
		Type:   CRU,
	}
}

func tempDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "table-store-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestInsertAndGet(t *testing.T) {
	s, err := Open(tempDir(t), crDescriptor())
	require.NoError(t, err)
	defer s.Close()

	rev := crDescriptor().Template()
	rev.ID = revision.NewID()
	rev.InsertTime = 1
	require.NoError(t, rev.Set("n", revision.NewInt32(7)))
	require.NoError(t, s.Insert(rev))

	got, err := s.Get(rev.ID, 1)
	require.NoError(t, err)
	assert.True(t, rev.Equal(got))

	_, err = s.Get(rev.ID, 0)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestInsertDuplicate(t *testing.T) {
	s, err := Open(tempDir(t), crDescriptor())
	require.NoError(t, err)
	defer s.Close()

	rev := crDescriptor().Template()
	rev.ID = revision.NewID()
	require.NoError(t, s.Insert(rev))

	err = s.Insert(rev)
	assert.True(t, errs.Is(err, errs.Duplicate))
}

func TestBulkInsertAtomic(t *testing.T) {
	s, err := Open(tempDir(t), crDescriptor())
	require.NoError(t, err)
	defer s.Close()

	dup := crDescriptor().Template()
	dup.ID = revision.NewID()
	require.NoError(t, s.Insert(dup))

	a := crDescriptor().Template()
	a.ID = revision.NewID()
	b := crDescriptor().Template()
	b.ID = dup.ID // collides

	err = s.BulkInsert([]*revision.Revision{a, b})
	assert.True(t, errs.Is(err, errs.Duplicate))

	// a must not have been applied despite appearing first in the batch.
	_, err = s.Get(a.ID, 0)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestUpdateHistoryOrdering(t *testing.T) {
	s, err := Open(tempDir(t), cruDescriptor())
	require.NoError(t, err)
	defer s.Close()

	id := revision.NewID()
	v1 := cruDescriptor().Template()
	v1.ID = id
	v1.InsertTime = 1
	require.NoError(t, v1.Set("balance", revision.NewInt64(100)))
	require.NoError(t, s.Insert(v1))

	v2 := v1.Clone()
	v2.UpdateTime = 2
	require.NoError(t, v2.Set("balance", revision.NewInt64(150)))
	require.NoError(t, s.Update(v2))

	v3 := v2.Clone()
	v3.UpdateTime = 3
	require.NoError(t, v3.Set("balance", revision.NewInt64(200)))
	require.NoError(t, s.Update(v3))

	hist := s.History(id)
	require.Len(t, hist, 3)
	// latest first, strictly increasing update_time walking backward
	assert.Equal(t, v3.UpdateTime, hist[0].UpdateTime)
	assert.Equal(t, v2.UpdateTime, hist[1].UpdateTime)
	assert.Equal(t, uint64(0), uint64(hist[2].UpdateTime))

	got, err := s.Get(id, 2)
	require.NoError(t, err)
	bal, _ := got.Get("balance")
	n, _ := bal.AsInt64()
	assert.Equal(t, int64(150), n)
}

func TestUpdateRequiresCRU(t *testing.T) {
	s, err := Open(tempDir(t), crDescriptor())
	require.NoError(t, err)
	defer s.Close()

	rev := crDescriptor().Template()
	rev.ID = revision.NewID()
	err = s.Update(rev)
	assert.True(t, errs.Is(err, errs.Invalid))
}

func TestUpdateUnknownID(t *testing.T) {
	s, err := Open(tempDir(t), cruDescriptor())
	require.NoError(t, err)
	defer s.Close()

	rev := cruDescriptor().Template()
	rev.ID = revision.NewID()
	err = s.Update(rev)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestRemovedNotVisible(t *testing.T) {
	s, err := Open(tempDir(t), cruDescriptor())
	require.NoError(t, err)
	defer s.Close()

	id := revision.NewID()
	v1 := cruDescriptor().Template()
	v1.ID = id
	v1.InsertTime = 1
	require.NoError(t, s.Insert(v1))

	v2 := v1.Clone()
	v2.UpdateTime = 2
	v2.Removed = true
	require.NoError(t, s.Update(v2))

	_, err = s.Get(id, 2)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestPatchOutOfOrderCatchUp(t *testing.T) {
	s, err := Open(tempDir(t), cruDescriptor())
	require.NoError(t, err)
	defer s.Close()

	id := revision.NewID()
	v1 := cruDescriptor().Template()
	v1.ID = id
	v1.InsertTime = 1
	require.NoError(t, s.Patch(v1))

	v3 := v1.Clone()
	v3.UpdateTime = 5
	require.NoError(t, s.Patch(v3))

	v2 := v1.Clone()
	v2.UpdateTime = 3
	require.NoError(t, s.Patch(v2)) // arrives after v3, but update_time sorts it between

	hist := s.History(id)
	require.Len(t, hist, 3)
	assert.Equal(t, v3.UpdateTime, hist[0].UpdateTime)
	assert.Equal(t, v2.UpdateTime, hist[1].UpdateTime)
}

func TestDumpAndFind(t *testing.T) {
	s, err := Open(tempDir(t), cruDescriptor())
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 3; i++ {
		rev := cruDescriptor().Template()
		rev.ID = revision.NewID()
		rev.InsertTime = 1
		require.NoError(t, rev.Set("balance", revision.NewInt64(int64(i))))
		require.NoError(t, s.Insert(rev))
	}

	dump := s.Dump(1)
	assert.Len(t, dump, 3)

	matches, err := s.Find("balance", revision.NewInt64(1), 1)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestSnapshotAndReopen(t *testing.T) {
	dir := tempDir(t)
	s, err := Open(dir, cruDescriptor())
	require.NoError(t, err)

	id := revision.NewID()
	v1 := cruDescriptor().Template()
	v1.ID = id
	v1.InsertTime = 1
	require.NoError(t, v1.Set("balance", revision.NewInt64(10)))
	require.NoError(t, s.Insert(v1))

	require.NoError(t, s.Snapshot())
	require.NoError(t, s.Close())

	reopened, err := Open(dir, cruDescriptor())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(id, 1)
	require.NoError(t, err)
	bal, _ := got.Get("balance")
	n, _ := bal.AsInt64()
	assert.Equal(t, int64(10), n)
}

func TestReplayWALAfterCrash(t *testing.T) {
	dir := tempDir(t)
	s, err := Open(dir, crDescriptor())
	require.NoError(t, err)

	id := revision.NewID()
	rev := crDescriptor().Template()
	rev.ID = id
	rev.InsertTime = 1
	require.NoError(t, s.Insert(rev))
	// no Snapshot(): simulate a crash, recovery must replay the WAL
	require.NoError(t, s.Close())

	reopened, err := Open(dir, crDescriptor())
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.Get(id, 1)
	require.NoError(t, err)
}
