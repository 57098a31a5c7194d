// Package chorddir implements the net-table directory: a Chord-style
// consistent-hash ring mapping chunk IDs to the peers that own them, and
// an adapter that routes Chord RPCs over the hub so one physical message
// type carries every overlay operation.
package chorddir

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
)

const defaultVnodes = 150

// Ring is a consistent-hash ring over peer addresses: each physical peer
// occupies several virtual positions so ownership spreads evenly, and a
// lookup walks clockwise from a key's hash to find the nearest owner.
// Adding or removing a peer only reshuffles the keys nearest to it.
//
// Concurrency is the caller's responsibility — the chorddir adapter keeps
// its own Ring behind a mutex rather than duplicating locking here, so a
// bare Ring can also be embedded in tests without needing it.
type Ring struct {
	vnodes int
	ring   map[uint32]string
	sorted []uint32
}

// NewRing creates an empty ring. vnodes <= 0 selects the default.
func NewRing(vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = defaultVnodes
	}
	return &Ring{vnodes: vnodes, ring: make(map[uint32]string)}
}

// AddNode places peer's virtual nodes on the ring.
func (r *Ring) AddNode(peer string) {
	for i := 0; i < r.vnodes; i++ {
		pos := ringHash(fmt.Sprintf("%s#%d", peer, i))
		r.ring[pos] = peer
	}
	r.rebuild()
}

// RemoveNode takes peer's virtual nodes off the ring.
func (r *Ring) RemoveNode(peer string) {
	for i := 0; i < r.vnodes; i++ {
		pos := ringHash(fmt.Sprintf("%s#%d", peer, i))
		delete(r.ring, pos)
	}
	r.rebuild()
}

// Successor returns the peer owning key: the first ring position at or
// clockwise of key's hash.
func (r *Ring) Successor(key string) (string, bool) {
	if len(r.sorted) == 0 {
		return "", false
	}
	idx := r.search(ringHash(key))
	return r.ring[r.sorted[idx]], true
}

// ClosestPrecedingFinger returns the known peer whose hash is nearest to,
// but does not exceed, key's hash — the step a Chord node takes when
// forwarding a lookup it cannot answer itself.
func (r *Ring) ClosestPrecedingFinger(key string) (string, bool) {
	if len(r.sorted) == 0 {
		return "", false
	}
	target := ringHash(key)
	idx := r.search(target)
	prev := (idx - 1 + len(r.sorted)) % len(r.sorted)
	return r.ring[r.sorted[prev]], true
}

// Nodes returns every distinct physical peer on the ring.
func (r *Ring) Nodes() []string {
	seen := make(map[string]bool)
	var nodes []string
	for _, id := range r.ring {
		if !seen[id] {
			seen[id] = true
			nodes = append(nodes, id)
		}
	}
	sort.Strings(nodes)
	return nodes
}

func (r *Ring) rebuild() {
	r.sorted = make([]uint32, 0, len(r.ring))
	for pos := range r.ring {
		r.sorted = append(r.sorted, pos)
	}
	sort.Slice(r.sorted, func(i, j int) bool { return r.sorted[i] < r.sorted[j] })
}

func (r *Ring) search(pos uint32) int {
	idx := sort.Search(len(r.sorted), func(i int) bool { return r.sorted[i] >= pos })
	if idx == len(r.sorted) {
		idx = 0
	}
	return idx
}

func ringHash(s string) uint32 {
	h := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint32(h[:4])
}
