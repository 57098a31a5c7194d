package txn

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharedtable/internal/chorddir"
	"sharedtable/internal/hub"
	"sharedtable/internal/logicaltime"
	"sharedtable/internal/nettable"
	"sharedtable/internal/revision"
	"sharedtable/internal/table"
)

func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func measurementsDescriptor() table.Descriptor {
	return table.Descriptor{
		Name:   "measurements",
		Fields: []revision.FieldDescriptor{{Name: "n", Type: revision.DOUBLE}},
		Type:   table.CRU,
	}
}

func startTable(t *testing.T) (*nettable.NetTable, *logicaltime.Clock) {
	addr := freeAddr(t)
	h := hub.New(addr)
	srv := hub.NewServer(h, addr)
	go srv.ListenAndServe()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	require.Eventually(t, func() bool {
		_, err := net.Dial("tcp", addr)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	baseDir, err := os.MkdirTemp("", "txn-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(baseDir) })

	clock := logicaltime.NewClock()
	reg := nettable.NewRegistry()
	router := chorddir.NewRouter(h)
	nettable.RegisterHandlers(h, reg, func(string) (*nettable.NetTable, bool) { return nil, false })

	nt := nettable.New("measurements", measurementsDescriptor(), baseDir, h, router, reg, clock)
	return nt, clock
}

func measurement(n float64) *revision.Revision {
	rev := measurementsDescriptor().Template()
	rev.ID = revision.NewID()
	_ = rev.Set("n", revision.NewDouble(n))
	return rev
}

func getN(t *testing.T, rev *revision.Revision) float64 {
	v, err := rev.Get("n")
	require.NoError(t, err)
	n, ok := v.AsDouble()
	require.True(t, ok)
	return n
}

// Scenario 1: single-peer insert/read, then update/read.
func TestScenarioSinglePeerInsertUpdateRead(t *testing.T) {
	nt, clock := startTable(t)
	ctx := context.Background()

	tx := New(clock)
	ntt, err := tx.Table(nt, Direct)
	require.NoError(t, err)

	c, err := nt.NewChunk(ctx)
	require.NoError(t, err)

	rev := measurement(1.618)
	ntt.Insert(c, rev)

	conflicts, err := tx.Commit(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	tx2 := New(clock)
	ntt2, err := tx2.Table(nt, Direct)
	require.NoError(t, err)
	got, err := ntt2.Get(ctx, rev.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.618, getN(t, got))

	updated := got.Clone()
	require.NoError(t, updated.Set("n", revision.NewDouble(7)))
	require.NoError(t, ntt2.Update(ctx, updated))
	conflicts, err = tx2.Commit(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	tx3 := New(clock)
	ntt3, err := tx3.Table(nt, Direct)
	require.NoError(t, err)
	final, err := ntt3.Get(ctx, rev.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(7), getN(t, final))
}

// Scenario 2: two serial inserts, a fresh transaction sees both.
func TestScenarioSerialTwoAgentInsert(t *testing.T) {
	nt, clock := startTable(t)
	ctx := context.Background()

	c, err := nt.NewChunk(ctx)
	require.NoError(t, err)

	txA := New(clock)
	nttA, err := txA.Table(nt, Direct)
	require.NoError(t, err)
	revA := measurement(3.14)
	nttA.Insert(c, revA)
	conflicts, err := txA.Commit(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	txB := New(clock)
	nttB, err := txB.Table(nt, Direct)
	require.NoError(t, err)
	revB := measurement(42)
	nttB.Insert(c, revB)
	conflicts, err = txB.Commit(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	verify := New(clock)
	nttV, err := verify.Table(nt, Direct)
	require.NoError(t, err)
	gotA, err := nttV.Get(ctx, revA.ID)
	require.NoError(t, err)
	gotB, err := nttV.Get(ctx, revB.ID)
	require.NoError(t, err)
	assert.Equal(t, 3.14, getN(t, gotA))
	assert.Equal(t, float64(42), getN(t, gotB))
}

// Scenario 3: concurrent update conflict. B commits first; A's stale
// read set makes its commit surface a Conflict naming the id.
func TestScenarioConcurrentUpdateConflict(t *testing.T) {
	nt, clock := startTable(t)
	ctx := context.Background()

	c, err := nt.NewChunk(ctx)
	require.NoError(t, err)
	seed := measurement(3.14)
	require.NoError(t, nt.Insert(ctx, c, seed))

	txA := New(clock)
	nttA, err := txA.Table(nt, Direct)
	require.NoError(t, err)
	readA, err := nttA.Get(ctx, seed.ID)
	require.NoError(t, err)

	txB := New(clock)
	nttB, err := txB.Table(nt, Direct)
	require.NoError(t, err)
	readB, err := nttB.Get(ctx, seed.ID)
	require.NoError(t, err)

	updateB := readB.Clone()
	require.NoError(t, updateB.Set("n", revision.NewDouble(0xDEADBEEF)))
	require.NoError(t, nttB.Update(ctx, updateB))
	conflicts, err := txB.Commit(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	updateA := readA.Clone()
	require.NoError(t, updateA.Set("n", revision.NewDouble(42)))
	require.NoError(t, nttA.Update(ctx, updateA))
	conflicts, err = txA.Commit(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, conflicts)
	_, ok := conflicts[seed.ID]
	assert.True(t, ok)

	verify := New(clock)
	nttV, err := verify.Table(nt, Direct)
	require.NoError(t, err)
	final, err := nttV.Get(ctx, seed.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(0xDEADBEEF), getN(t, final))
}

// P6: two Transactions touching the same id concurrently produce at
// most one successful commit.
func TestSerializableCommitsOnlyOneWins(t *testing.T) {
	nt, clock := startTable(t)
	ctx := context.Background()

	c, err := nt.NewChunk(ctx)
	require.NoError(t, err)
	seed := measurement(1)
	require.NoError(t, nt.Insert(ctx, c, seed))

	tx1 := New(clock)
	ntt1, err := tx1.Table(nt, Direct)
	require.NoError(t, err)
	r1, err := ntt1.Get(ctx, seed.ID)
	require.NoError(t, err)

	tx2 := New(clock)
	ntt2, err := tx2.Table(nt, Direct)
	require.NoError(t, err)
	r2, err := ntt2.Get(ctx, seed.ID)
	require.NoError(t, err)

	u1 := r1.Clone()
	require.NoError(t, u1.Set("n", revision.NewDouble(10)))
	require.NoError(t, ntt1.Update(ctx, u1))

	u2 := r2.Clone()
	require.NoError(t, u2.Set("n", revision.NewDouble(20)))
	require.NoError(t, ntt2.Update(ctx, u2))

	c1, err := tx1.Commit(ctx)
	require.NoError(t, err)
	c2, err := tx2.Commit(ctx)
	require.NoError(t, err)

	successes := 0
	if len(c1) == 0 {
		successes++
	}
	if len(c2) == 0 {
		successes++
	}
	assert.Equal(t, 1, successes, "exactly one of the two concurrent commits should win")
}
