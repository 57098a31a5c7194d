package hub

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sharedtable/internal/errs"
)

// HandlerFunc processes a decoded request payload from sender and returns
// the reply payload, or an error that causes the RPC to come back as a
// Reply.Error (a decline, not a transport failure).
type HandlerFunc func(sender string, payload []byte) (any, error)

// Hub is the single RPC surface a peer exposes and uses: message
// dispatch, the known-peers set, and the HTTP client/server pair that
// carries envelopes between peers.
type Hub struct {
	selfAddr string

	mu       sync.RWMutex
	peers    map[string]struct{}
	handlers map[string]HandlerFunc

	peersCond *sync.Cond

	client *http.Client
	log    *logrus.Entry
}

// New creates a Hub bound to selfAddr, the address other peers will use
// to reach this one.
func New(selfAddr string) *Hub {
	h := &Hub{
		selfAddr: selfAddr,
		peers:    make(map[string]struct{}),
		handlers: make(map[string]HandlerFunc),
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      logrus.WithField("component", "hub"),
	}
	h.peersCond = sync.NewCond(&h.mu)
	return h
}

// SelfAddr returns this hub's own address.
func (h *Hub) SelfAddr() string { return h.selfAddr }

// Register installs handler for msgType. Registering the same type twice
// overwrites the previous handler; callers register once at startup.
func (h *Hub) Register(msgType string, handler HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = handler
}

// AddPeer records addr as known and wakes any AwaitPeers waiters.
func (h *Hub) AddPeer(addr string) {
	if addr == h.selfAddr {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[addr]; !ok {
		h.peers[addr] = struct{}{}
		h.log.WithField("peer", addr).Info("peer added")
		h.peersCond.Broadcast()
	}
}

// RemovePeer forgets addr, e.g. after it is found unreachable.
func (h *Hub) RemovePeer(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, addr)
}

// Peers returns every known peer address, sorted for deterministic
// iteration (the chunk lock protocol's deadlock-freedom relies on every
// peer agreeing on the same acquisition order).
func (h *Hub) Peers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.peers))
	for p := range h.peers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// AwaitPeers blocks until at least min peers are known, or timeout
// elapses: a peer joining a quiet swarm waits for the net-table directory
// to become reachable rather than failing the first handshake.
func (h *Hub) AwaitPeers(min int, timeout time.Duration) error {
	done := make(chan struct{})
	timedOut := false

	go func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for len(h.peers) < min && !timedOut {
			h.peersCond.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		h.mu.Lock()
		timedOut = true
		h.peersCond.Broadcast() // wake the waiter goroutine so it can exit
		h.mu.Unlock()
		return errs.New(errs.Timeout, "awaited %d peers, timed out after %s", min, timeout)
	}
}

func (h *Hub) handlerFor(msgType string) (HandlerFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.handlers[msgType]
	return fn, ok
}
