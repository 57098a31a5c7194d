package chorddir

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"sharedtable/internal/errs"
	"sharedtable/internal/hub"
)

// RetryPolicy governs how hard seek_peers/announce_possession/
// renounce_possession retry a failing directory operation before giving
// up. Configurable rather than hardcoded since tests and small clusters
// want tighter loops than a production deployment.
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

// DefaultRetryPolicy is the production default: 1000 attempts at 1ms
// spacing.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 1000, Interval: time.Millisecond}
}

// Directory is the net-table adapter over a Chord ring: it stores
// chunk_id_hex → peer_list entries for the keys this peer owns, and
// provides seek_peers/announce_possession/renounce_possession to callers
// plus the routed message handlers peers use to reach each other.
type Directory struct {
	tableName string
	selfAddr  string
	h         *hub.Hub
	retry     RetryPolicy

	mu          sync.RWMutex
	ring        *Ring
	owned       map[string][]string // key → peer list, for keys this peer currently owns
	keyLock     map[string]*sync.Mutex
	cache       *lru.Cache[string, []string]
	replicas    map[string]struct{}    // peers that registered InitReplicator against us
	replicaData map[string][]string    // passive replica copies from AppendReplicationData
	lastHeard   map[string]time.Time

	log *logrus.Entry
}

// NewDirectory creates the directory adapter for one net-table.
func NewDirectory(tableName string, h *hub.Hub, selfAddr string, retry RetryPolicy) *Directory {
	cache, _ := lru.New[string, []string](1024)
	ring := NewRing(0)
	ring.AddNode(selfAddr)
	return &Directory{
		tableName: tableName,
		selfAddr:  selfAddr,
		h:         h,
		retry:     retry,
		ring:        ring,
		owned:       make(map[string][]string),
		keyLock:     make(map[string]*sync.Mutex),
		cache:       cache,
		replicas:    make(map[string]struct{}),
		replicaData: make(map[string][]string),
		lastHeard:   make(map[string]time.Time),
		log:         logrus.WithFields(logrus.Fields{"component": "chorddir", "table": tableName}),
	}
}

// AddPeer adds addr to the ring, reflecting a newly discovered swarm peer.
func (d *Directory) AddPeer(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ring.AddNode(addr)
	d.cache.Purge()
}

// RemovePeer removes addr from the ring, e.g. after it is found dead.
func (d *Directory) RemovePeer(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ring.RemoveNode(addr)
	d.cache.Purge()
}

func (d *Directory) owner(key string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	owner, ok := d.ring.Successor(key)
	if !ok {
		return d.selfAddr
	}
	return owner
}

func (d *Directory) lockFor(key string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.keyLock[key]
	if !ok {
		m = &sync.Mutex{}
		d.keyLock[key] = m
	}
	return m
}

// ─── Client operations  ──────────────────────────────────────

// SeekPeers repeatedly retrieves the peer set for chunkIDHex until success
// or the retry policy is exhausted, at which point it fails with
// DirectoryTimeout.
func (d *Directory) SeekPeers(ctx context.Context, chunkIDHex string) ([]string, error) {
	if cached, ok := d.cacheGet(chunkIDHex); ok {
		return cached, nil
	}

	var lastErr error
	for attempt := 0; attempt < d.retry.Attempts; attempt++ {
		peers, found, err := d.retrieve(ctx, chunkIDHex)
		if err == nil && found {
			d.cache.Add(chunkIDHex, peers)
			return peers, nil
		}
		if err != nil {
			lastErr = err
		}
		select {
		case <-time.After(d.retry.Interval):
		case <-ctx.Done():
			return nil, errs.Wrap(errs.DirectoryTimeout, ctx.Err(), "seek_peers %s", chunkIDHex)
		}
	}
	return nil, errs.Wrap(errs.DirectoryTimeout, lastErr, "seek_peers %s exhausted %d retries", chunkIDHex, d.retry.Attempts)
}

// AnnouncePossession read-modify-writes chunkIDHex's peer list, adding
// selfPeer if absent, retrying on failure.
func (d *Directory) AnnouncePossession(ctx context.Context, chunkIDHex, selfPeer string) error {
	return d.readModifyWrite(ctx, chunkIDHex, func(peers []string) []string {
		for _, p := range peers {
			if p == selfPeer {
				return peers
			}
		}
		return append(peers, selfPeer)
	})
}

// RenouncePossession removes selfPeer from chunkIDHex's peer list. It
// logs, but does not fail, if self was not present.
func (d *Directory) RenouncePossession(ctx context.Context, chunkIDHex, selfPeer string) error {
	found := false
	err := d.readModifyWrite(ctx, chunkIDHex, func(peers []string) []string {
		out := peers[:0]
		for _, p := range peers {
			if p == selfPeer {
				found = true
				continue
			}
			out = append(out, p)
		}
		return out
	})
	if err == nil && !found {
		d.log.WithField("chunk", chunkIDHex).Debug("renounce_possession: self was not present")
	}
	return err
}

func (d *Directory) readModifyWrite(ctx context.Context, key string, mutate func([]string) []string) error {
	var lastErr error
	for attempt := 0; attempt < d.retry.Attempts; attempt++ {
		if err := d.lock(ctx, key); err != nil {
			lastErr = err
		} else {
			peers, _, err := d.retrieve(ctx, key)
			if err != nil {
				d.unlock(ctx, key)
				lastErr = err
			} else {
				updated := mutate(append([]string(nil), peers...))
				if err := d.add(ctx, key, updated); err != nil {
					lastErr = err
				} else {
					d.unlock(ctx, key)
					d.cache.Add(key, updated)
					return nil
				}
				d.unlock(ctx, key)
			}
		}
		select {
		case <-time.After(d.retry.Interval):
		case <-ctx.Done():
			return errs.Wrap(errs.DirectoryTimeout, ctx.Err(), "read-modify-write %s", key)
		}
	}
	return errs.Wrap(errs.DirectoryTimeout, lastErr, "read-modify-write %s exhausted retries", key)
}

func (d *Directory) cacheGet(key string) ([]string, bool) {
	peers, ok := d.cache.Get(key)
	return peers, ok
}

// ─── Routed operations this peer originates ────────────────────────────────

func (d *Directory) lock(ctx context.Context, key string) error {
	owner := d.owner(key)
	if owner == d.selfAddr {
		d.lockFor(key).Lock()
		return nil
	}
	_, err := d.h.Request(ctx, owner, routedMsgType, d.wrap(Lock, KeyRequest{Key: key}))
	return err
}

func (d *Directory) unlock(ctx context.Context, key string) error {
	owner := d.owner(key)
	if owner == d.selfAddr {
		d.lockFor(key).Unlock()
		return nil
	}
	_, err := d.h.Request(ctx, owner, routedMsgType, d.wrap(Unlock, KeyRequest{Key: key}))
	return err
}

func (d *Directory) retrieve(ctx context.Context, key string) ([]string, bool, error) {
	owner := d.owner(key)
	if owner == d.selfAddr {
		d.mu.RLock()
		peers, ok := d.owned[key]
		d.mu.RUnlock()
		return peers, ok, nil
	}
	raw, err := d.h.Request(ctx, owner, routedMsgType, d.wrap(RetrieveData, KeyRequest{Key: key}))
	if err != nil {
		if errs.Is(err, errs.Decline) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var entry DataEntry
	if err := decode(raw, &entry); err != nil {
		return nil, false, err
	}
	return entry.Peers, true, nil
}

func (d *Directory) add(ctx context.Context, key string, peers []string) error {
	owner := d.owner(key)
	if owner == d.selfAddr {
		d.mu.Lock()
		d.owned[key] = peers
		d.mu.Unlock()
		return nil
	}
	_, err := d.h.Request(ctx, owner, routedMsgType, d.wrap(AddData, DataEntry{Key: key, Peers: peers}))
	return err
}

func (d *Directory) wrap(mt MessageType, payload any) RoutedChordRequest {
	data, _ := encode(payload)
	return RoutedChordRequest{TableName: d.tableName, MessageType: mt, Payload: data}
}
