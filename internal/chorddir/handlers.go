package chorddir

import (
	"time"

	"sharedtable/internal/errs"
)

// ReplaceRequest tells a peer to swap its record of Old for New — used
// when a swarm member restarts under a new address.
type ReplaceRequest struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// handle dispatches one routed Chord message to its Directory-level
// operation and records when this peer was last heard from. This is a
// thin façade translating envelope into Chord-level calls: the actual
// ring math lives in Ring and Directory's client operations, not here.
func (d *Directory) handle(sender string, mt MessageType, payload []byte) (any, error) {
	d.touch(sender)

	switch mt {
	case GetSuccessor:
		var req KeyRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		owner := d.owner(req.Key)
		return PeerAddr{Addr: owner}, nil

	case GetClosestPrecedingFinger:
		var req KeyRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		d.mu.RLock()
		peer, ok := d.ring.ClosestPrecedingFinger(req.Key)
		d.mu.RUnlock()
		if !ok {
			return nil, errs.New(errs.NotFound, "empty ring")
		}
		return PeerAddr{Addr: peer}, nil

	case GetPredecessor:
		d.mu.RLock()
		nodes := d.ring.Nodes()
		d.mu.RUnlock()
		pred, ok := physicalPredecessor(nodes, d.selfAddr)
		if !ok {
			return nil, errs.New(errs.NotFound, "no predecessor")
		}
		return PeerAddr{Addr: pred}, nil

	case Lock:
		var req KeyRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		d.lockFor(req.Key).Lock()
		return struct{}{}, nil

	case Unlock:
		var req KeyRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		d.lockFor(req.Key).Unlock()
		return struct{}{}, nil

	case RetrieveData:
		var req KeyRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		d.mu.RLock()
		peers, ok := d.owned[req.Key]
		d.mu.RUnlock()
		if !ok {
			return nil, errs.New(errs.NotFound, "no entry for %s", req.Key)
		}
		return DataEntry{Key: req.Key, Peers: peers}, nil

	case AddData:
		var req DataEntry
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.owned[req.Key] = req.Peers
		d.mu.Unlock()
		return struct{}{}, nil

	case Notify:
		var req PeerAddr
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		d.AddPeer(req.Addr)
		return struct{}{}, nil

	case Replace:
		var req ReplaceRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		d.RemovePeer(req.Old)
		d.AddPeer(req.New)
		return struct{}{}, nil

	case FetchResponsibilities:
		d.mu.RLock()
		entries := make([]DataEntry, 0, len(d.owned))
		for k, v := range d.owned {
			entries = append(entries, DataEntry{Key: k, Peers: v})
		}
		d.mu.RUnlock()
		return ReplicationBatch{Entries: entries}, nil

	case PushResponsibilities:
		var req ReplicationBatch
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		d.mu.Lock()
		for _, e := range req.Entries {
			d.owned[e.Key] = e.Peers
		}
		d.mu.Unlock()
		return struct{}{}, nil

	case InitReplicator:
		var req PeerAddr
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.replicas[req.Addr] = struct{}{}
		d.mu.Unlock()
		return struct{}{}, nil

	case AppendReplicationData:
		var req DataEntry
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.replicaData[req.Key] = req.Peers
		d.mu.Unlock()
		return struct{}{}, nil

	default:
		return nil, errs.New(errs.NotImplemented, "unhandled chord message type %s", mt)
	}
}

func (d *Directory) touch(peer string) {
	d.mu.Lock()
	d.lastHeard[peer] = time.Now()
	d.mu.Unlock()
}

// physicalPredecessor returns the entry in sortedNodes immediately before
// self, wrapping around. sortedNodes must already be sorted.
func physicalPredecessor(sortedNodes []string, self string) (string, bool) {
	if len(sortedNodes) < 2 {
		return "", false
	}
	for i, n := range sortedNodes {
		if n == self {
			prev := (i - 1 + len(sortedNodes)) % len(sortedNodes)
			return sortedNodes[prev], true
		}
	}
	return "", false
}
