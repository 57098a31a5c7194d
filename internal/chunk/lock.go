package chunk

import (
	"context"
	"math/rand"
	"time"

	"sharedtable/internal/errs"
)

// lockState is this peer's view of the distributed write lock for one
// chunk: FREE, LOCKED_SELF (this peer is the current holder), or
// LOCKED_OTHER (some other peer holds it, to this peer's knowledge).
type lockState struct {
	held   bool
	holder string // non-empty iff held by a peer other than self
}

func (l lockState) isFree() bool               { return !l.held }
func (l lockState) isLockedSelf() bool         { return l.held && l.holder == "" }
func (l lockState) isLockedBy(peer string) bool { return l.held && l.holder == peer }

const lockAcquireMaxAttempts = 50

// AcquireLock acquires the distributed write lock: it marks this peer as
// the holder locally, then asks every other swarm member to agree, in
// ascending PeerId order. A decline from any peer rolls back every lock
// already granted (in reverse order) and retries after a randomized
// backoff — the deterministic acquisition order is what makes this
// deadlock-free.
func (c *Chunk) AcquireLock(ctx context.Context) error {
	for attempt := 0; attempt < lockAcquireMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errs.Wrap(errs.Timeout, err, "acquire lock for chunk %s", c.ID)
		}

		c.mu.Lock()
		if c.lock.isFree() {
			c.lock = lockState{held: true}
		} else if !c.lock.isLockedSelf() {
			c.mu.Unlock()
			c.backoff(attempt)
			continue
		}
		c.mu.Unlock()

		peers := c.peersExcludingSelf()
		granted := make([]string, 0, len(peers))
		declined := false

		for _, peer := range peers {
			req := LockRequest{ChunkID: c.ID.String(), Requester: c.h.SelfAddr()}
			_, err := c.h.TryRequest(ctx, peer, "chunk.lock", req)
			if err != nil {
				declined = true
				break
			}
			granted = append(granted, peer)
		}

		if !declined {
			return nil
		}

		for i := len(granted) - 1; i >= 0; i-- {
			peer := granted[i]
			req := UnlockRequest{ChunkID: c.ID.String(), Requester: c.h.SelfAddr()}
			_, _ = c.h.TryRequest(ctx, peer, "chunk.unlock", req)
		}
		c.mu.Lock()
		c.lock = lockState{}
		c.mu.Unlock()

		c.backoff(attempt)
	}
	return errs.New(errs.LockLost, "could not acquire lock for chunk %s after %d attempts", c.ID, lockAcquireMaxAttempts)
}

func (c *Chunk) backoff(attempt int) {
	base := 5 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base)))
	delay := base + jitter
	if attempt > 10 {
		delay = 50 * time.Millisecond
	}
	time.Sleep(delay)
}

// ReleaseLock releases the lock this peer holds, broadcasting the list of
// writes it applied while holding it so followers can confirm they've
// seen every write_seq.
func (c *Chunk) ReleaseLock(ctx context.Context, writes []WriteEntry) error {
	entries := make([]WriteEntry, len(writes))
	copy(entries, writes)

	for _, peer := range c.peersExcludingSelf() {
		req := UnlockRequest{ChunkID: c.ID.String(), Requester: c.h.SelfAddr(), Writes: entries}
		if _, err := c.h.TryRequest(ctx, peer, "chunk.unlock", req); err != nil {
			c.log.WithFields(map[string]any{"peer": peer, "err": err}).Warn("unlock declined or unreachable")
		}
	}

	c.mu.Lock()
	c.lock = lockState{}
	c.mu.Unlock()
	return nil
}

// HandleLockRequest answers a LockRequest from requester: ack iff this
// peer's view of the lock is FREE, or it is already held by requester
// (re-entrant acquisition by the current holder).
func (c *Chunk) HandleLockRequest(requester string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lock.isFree() {
		c.lock = lockState{held: true, holder: requester}
		return nil
	}
	if c.lock.isLockedBy(requester) {
		return nil
	}
	return errs.New(errs.Decline, "chunk %s lock held by another requester", c.ID)
}

// HandleUnlockRequest releases this peer's belief that requester holds
// the lock, and applies whatever writes the release reports — in
// practice these were already delivered via chunk.mutation broadcasts, so
// this just confirms no write_seq gap remains outstanding.
func (c *Chunk) HandleUnlockRequest(requester string, writes []WriteEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lock.isLockedBy(requester) || (c.lock.isFree()) {
		c.lock = lockState{}
	}
	if len(writes) > 0 {
		c.log.WithField("count", len(writes)).Debug("unlock reported writes")
	}
	return nil
}

// ForceFree resets this peer's lock view to FREE, used by swarm-wide
// crash recovery when the believed holder's directory entry has vanished.
func (c *Chunk) ForceFree() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lock = lockState{}
}
