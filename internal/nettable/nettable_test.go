package nettable

import (
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharedtable/internal/chorddir"
	"sharedtable/internal/hub"
	"sharedtable/internal/logicaltime"
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

func widgetsDescriptor() table.Descriptor {
	return table.Descriptor{
		Name:   "widgets",
		Fields: []revision.FieldDescriptor{{Name: "n", Type: revision.INT32}},
		Type:   table.CR,
	}
}

// peer bundles everything one process hosts: hub, Chord router, chunk
// registry, and the net-tables it serves, looked up by name for the
// chunk.init handler.
type peer struct {
	addr   string
	h      *hub.Hub
	reg    *Registry
	router *chorddir.Router

	mu     sync.Mutex
	tables map[string]*NetTable
}

func startPeer(t *testing.T) *peer {
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

	p := &peer{
		addr:   addr,
		h:      h,
		reg:    NewRegistry(),
		router: chorddir.NewRouter(h),
		tables: make(map[string]*NetTable),
	}
	RegisterHandlers(h, p.reg, func(name string) (*NetTable, bool) {
		p.mu.Lock()
		defer p.mu.Unlock()
		nt, ok := p.tables[name]
		return nt, ok
	})
	return p
}

func (p *peer) openTable(t *testing.T, name string) *NetTable {
	baseDir, err := os.MkdirTemp("", "nettable-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(baseDir) })

	nt := New(name, widgetsDescriptor(), baseDir, p.h, p.router, p.reg, logicaltime.NewClock())
	p.mu.Lock()
	p.tables[name] = nt
	p.mu.Unlock()
	return nt
}

func widgetRev(n int32) *revision.Revision {
	rev := widgetsDescriptor().Template()
	rev.ID = revision.NewID()
	rev.InsertTime = 1
	_ = rev.Set("n", revision.NewInt32(n))
	return rev
}

func TestNewChunkInsertAndGetByID(t *testing.T) {
	p := startPeer(t)
	nt := p.openTable(t, "widgets")

	ctx := context.Background()
	c, err := nt.NewChunk(ctx)
	require.NoError(t, err)

	rev := widgetRev(7)
	require.NoError(t, nt.Insert(ctx, c, rev))

	got, err := nt.GetByID(rev.ID, 1)
	require.NoError(t, err)
	n, _ := got.Get("n")
	v, _ := n.AsInt32()
	assert.Equal(t, int32(7), v)
}

func TestFindFastAndDumpActiveChunks(t *testing.T) {
	p := startPeer(t)
	nt := p.openTable(t, "widgets")
	ctx := context.Background()

	c1, err := nt.NewChunk(ctx)
	require.NoError(t, err)
	c2, err := nt.NewChunk(ctx)
	require.NoError(t, err)

	revA := widgetRev(1)
	revB := widgetRev(2)
	require.NoError(t, nt.Insert(ctx, c1, revA))
	require.NoError(t, nt.Insert(ctx, c2, revB))

	found, err := nt.FindFast("n", revision.NewInt32(2), 1)
	require.NoError(t, err)
	assert.True(t, found.ID == revB.ID)

	dump := nt.DumpActiveChunks(1)
	assert.Len(t, dump, 2)
}

func TestGetChunkConnectsAcrossPeers(t *testing.T) {
	a := startPeer(t)
	b := startPeer(t)

	ntA := a.openTable(t, "widgets")
	ntB := b.openTable(t, "widgets")

	ctx := context.Background()
	c, err := ntA.NewChunk(ctx)
	require.NoError(t, err)

	rev := widgetRev(42)
	require.NoError(t, ntA.Insert(ctx, c, rev))

	// b doesn't know about this chunk directly; point its directory at a
	// as the owner so SeekPeers resolves without a real Chord ring.
	require.NoError(t, ntB.dir.AnnouncePossession(ctx, c.ID.String(), a.addr))

	got, err := ntB.GetChunk(ctx, c.ID)
	require.NoError(t, err)

	rev2, err := got.Get(rev.ID, 1)
	require.NoError(t, err)
	n, _ := rev2.Get("n")
	v, _ := n.AsInt32()
	assert.Equal(t, int32(42), v)
}

func TestShareAllChunksAnnouncesDirectory(t *testing.T) {
	p := startPeer(t)
	nt := p.openTable(t, "widgets")
	ctx := context.Background()

	c, err := nt.NewChunk(ctx)
	require.NoError(t, err)

	require.NoError(t, nt.ShareAllChunks(ctx))

	peers, err := nt.dir.SeekPeers(ctx, c.ID.String())
	require.NoError(t, err)
	assert.Contains(t, peers, p.addr)
}

func TestLeaveAllChunksClearsLocalState(t *testing.T) {
	p := startPeer(t)
	nt := p.openTable(t, "widgets")
	ctx := context.Background()

	c, err := nt.NewChunk(ctx)
	require.NoError(t, err)

	require.NoError(t, nt.LeaveAllChunks(ctx))

	_, err = p.reg.Get(c.ID.String())
	assert.Error(t, err)

	stats := nt.GetStatistics()
	assert.Equal(t, 0, stats.ResidentChunks)
}

func TestGetStatisticsCountsRevisions(t *testing.T) {
	p := startPeer(t)
	nt := p.openTable(t, "widgets")
	ctx := context.Background()

	c, err := nt.NewChunk(ctx)
	require.NoError(t, err)
	require.NoError(t, nt.Insert(ctx, c, widgetRev(1)))
	require.NoError(t, nt.Insert(ctx, c, widgetRev(2)))

	stats := nt.GetStatistics()
	assert.Equal(t, 1, stats.ResidentChunks)
	assert.Equal(t, 2, stats.TotalRevisions)
}

func TestFindAmongPeersNotImplemented(t *testing.T) {
	p := startPeer(t)
	nt := p.openTable(t, "widgets")

	_, err := nt.FindAmongPeers(context.Background(), "n", revision.NewInt32(1), 1)
	assert.Error(t, err)
}
