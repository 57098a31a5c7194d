package chunk

import (
	"context"
	"encoding/base64"

	"github.com/sirupsen/logrus"

	"sharedtable/internal/chorddir"
	"sharedtable/internal/errs"
	"sharedtable/internal/hub"
	"sharedtable/internal/logicaltime"
	"sharedtable/internal/revision"
	"sharedtable/internal/table"
)

// ApplyInit builds a new local Chunk from an InitRequest received from an
// existing swarm member, durably storing every history entry before
// returning so the caller's reply only acks once the data is safe.
func ApplyInit(req InitRequest, dataDir string, desc table.Descriptor, h *hub.Hub, dir *chorddir.Directory, clock *logicaltime.Clock) (*Chunk, error) {
	id, err := revision.IDFromHex(req.ChunkID)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "parse chunk id")
	}
	store, err := table.Open(dataDir, desc)
	if err != nil {
		return nil, err
	}

	var maxObserved logicaltime.Time
	for _, entry := range req.History {
		for i := len(entry.Versions) - 1; i >= 0; i-- { // oldest first, matching the order local replays expect
			data, err := base64.StdEncoding.DecodeString(entry.Versions[i])
			if err != nil {
				return nil, errs.Wrap(errs.Invalid, err, "decode init history entry")
			}
			rev, _, err := revision.Parse(data)
			if err != nil {
				return nil, err
			}
			if err := store.Patch(rev); err != nil {
				return nil, err
			}
			if rev.InsertTime > maxObserved {
				maxObserved = rev.InsertTime
			}
			if rev.UpdateTime > maxObserved {
				maxObserved = rev.UpdateTime
			}
		}
	}
	if err := store.Snapshot(); err != nil {
		return nil, err
	}

	// Merge the Lamport clock forward past every timestamp this install just
	// made visible — otherwise a transaction begun right after joining would
	// snapshot at a beginTime older than rows already resident here.
	if maxObserved > 0 {
		clock.Advance(maxObserved)
	}

	swarm := make(map[string]struct{}, len(req.Swarm)+1)
	for _, p := range req.Swarm {
		swarm[p] = struct{}{}
	}
	swarm[h.SelfAddr()] = struct{}{}

	c := &Chunk{
		ID:          id,
		tableName:   req.TableName,
		store:       store,
		h:           h,
		dir:         dir,
		clock:       clock,
		swarm:       swarm,
		nextSeq:     req.NextSeq,
		nextApply:   req.NextSeq,
		pending:     make(map[uint64]*revision.Revision),
		initialized: make(chan struct{}),
		log:         logrus.WithFields(logrus.Fields{"component": "chunk", "chunk": id.String()}),
	}
	close(c.initialized)
	return c, nil
}

// buildInitRequest serializes this chunk's full state for a joining peer.
func (c *Chunk) buildInitRequest() (InitRequest, error) {
	ids := c.store.Ids()
	entries := make([]HistoryEntry, 0, len(ids))
	for _, id := range ids {
		hist := c.store.History(id)
		versions := make([]string, 0, len(hist))
		for _, rev := range hist {
			data, err := rev.Serialize()
			if err != nil {
				return InitRequest{}, err
			}
			versions = append(versions, base64.StdEncoding.EncodeToString(data))
		}
		entries = append(entries, HistoryEntry{ID: id.String(), Versions: versions})
	}

	c.mu.Lock()
	nextSeq := c.nextSeq
	c.mu.Unlock()

	return InitRequest{
		ChunkID:   c.ID.String(),
		TableName: c.tableName,
		History:   entries,
		Swarm:     c.Swarm(),
		NextSeq:   nextSeq,
	}, nil
}

// HandleConnectRequest answers a read-only ConnectRequest from a peer
// that wants a mirror of this chunk's current state, without touching
// swarm membership or the directory.
func (c *Chunk) HandleConnectRequest() (InitRequest, error) {
	return c.buildInitRequest()
}

// RequestParticipation invites targetPeer to join this chunk's swarm: it
// acquires the lock, sends the new peer a full InitRequest, tells the
// rest of the swarm about it, announces it in the directory, and
// releases the lock.
func (c *Chunk) RequestParticipation(ctx context.Context, targetPeer string) error {
	if err := c.AcquireLock(ctx); err != nil {
		return err
	}

	init, err := c.buildInitRequest()
	if err != nil {
		c.ReleaseLock(ctx, nil)
		return err
	}

	if _, err := c.h.Request(ctx, targetPeer, "chunk.init", init); err != nil {
		c.ReleaseLock(ctx, nil)
		return errs.Wrap(errs.PeerUnreachable, err, "init request to %s", targetPeer)
	}

	c.mu.Lock()
	c.swarm[targetPeer] = struct{}{}
	c.mu.Unlock()

	if !c.h.UndisputableBroadcast(ctx, "chunk.newpeer", NewPeerRequest{ChunkID: c.ID.String(), Peer: targetPeer}) {
		c.log.Warn("not every swarm peer acked chunk.newpeer; some may learn of the new peer late via directory lookup")
	}

	if err := c.dir.AnnouncePossession(ctx, c.ID.String(), targetPeer); err != nil {
		c.log.WithField("err", err).Warn("announce_possession for new peer failed")
	}

	return c.ReleaseLock(ctx, nil)
}

// HandleNewPeerRequest records that Peer has joined the swarm.
func (c *Chunk) HandleNewPeerRequest(peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.swarm[peer] = struct{}{}
}

// Leave renounces this peer's directory entry, tells the swarm it is
// departing, and drops the local replica.
func (c *Chunk) Leave(ctx context.Context) error {
	if err := c.AcquireLock(ctx); err != nil {
		return err
	}

	if !c.h.UndisputableBroadcast(ctx, "chunk.leave", LeaveRequest{ChunkID: c.ID.String(), Peer: c.h.SelfAddr()}) {
		c.log.Warn("not every swarm peer acked chunk.leave; some may still believe this peer holds the lock until directory renouncement lands")
	}

	if err := c.dir.RenouncePossession(ctx, c.ID.String(), c.h.SelfAddr()); err != nil {
		c.log.WithField("err", err).Warn("renounce_possession on leave failed")
	}

	c.mu.Lock()
	c.lock = lockState{}
	c.mu.Unlock()

	return c.store.Close()
}

// HandleLeaveRequest removes peer from the swarm view, and if this peer
// believed peer held the lock, forces it FREE (the departing peer can no
// longer release it).
func (c *Chunk) HandleLeaveRequest(peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.swarm, peer)
	if c.lock.isLockedBy(peer) {
		c.lock = lockState{}
	}
}
