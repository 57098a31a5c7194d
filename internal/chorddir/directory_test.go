package chorddir

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharedtable/internal/errs"
	"sharedtable/internal/hub"
)

func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startPeer(t *testing.T, tableName string) (*hub.Hub, *Directory, string) {
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

	router := NewRouter(h)
	dir := NewDirectory(tableName, h, addr, RetryPolicy{Attempts: 20, Interval: 5 * time.Millisecond})
	router.AddDirectory(dir)
	return h, dir, addr
}

func TestAnnounceThenSeekPeersSelfOwned(t *testing.T) {
	_, dir, addr := startPeer(t, "events")
	ctx := context.Background()

	require.NoError(t, dir.AnnouncePossession(ctx, "chunk-1", addr))

	peers, err := dir.SeekPeers(ctx, "chunk-1")
	require.NoError(t, err)
	assert.Equal(t, []string{addr}, peers)
}

func TestRenounceRemovesSelf(t *testing.T) {
	_, dir, addr := startPeer(t, "events")
	ctx := context.Background()

	require.NoError(t, dir.AnnouncePossession(ctx, "chunk-1", addr))
	require.NoError(t, dir.RenouncePossession(ctx, "chunk-1", addr))

	peers, err := dir.SeekPeers(ctx, "chunk-1")
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestSeekPeersAcrossPeers(t *testing.T) {
	_, dirA, addrA := startPeer(t, "events")
	hB, dirB, addrB := startPeer(t, "events")

	// Build a shared two-node ring so a key may route to either peer.
	dirA.AddPeer(addrB)
	dirB.AddPeer(addrA)
	hB.AddPeer(addrA)

	ctx := context.Background()
	require.NoError(t, dirA.AnnouncePossession(ctx, "chunk-42", addrA))

	// Whichever directory owns "chunk-42" under this ring, both should
	// agree on the answer.
	peersFromA, err := dirA.SeekPeers(ctx, "chunk-42")
	require.NoError(t, err)
	peersFromB, err := dirB.SeekPeers(ctx, "chunk-42")
	require.NoError(t, err)
	assert.Equal(t, peersFromA, peersFromB)
}

func TestSeekPeersTimesOutWhenAbsent(t *testing.T) {
	_, dir, _ := startPeer(t, "events")
	_, err := dir.SeekPeers(context.Background(), "never-announced")
	assert.True(t, errs.Is(err, errs.DirectoryTimeout))
}
