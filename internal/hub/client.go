package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"sharedtable/internal/errs"
)

// Request sends msgType to peerAddr and waits for its reply, retrying
// with exponential backoff on transport failure — the same retry shape
// as its sendReplicateRequest. A Reply.Error comes back as an
// errs.Decline, not a retryable transport error: the peer answered, it
// just said no.
func (h *Hub) Request(ctx context.Context, peerAddr, msgType string, payload any) (json.RawMessage, error) {
	env, err := Encode(msgType, h.selfAddr, payload)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "encode envelope")
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))*100) * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, errs.Wrap(errs.Timeout, ctx.Err(), "request %s to %s", msgType, peerAddr)
			}
		}

		reply, err := h.doRequest(ctx, peerAddr, env)
		if err == nil {
			if reply.Error != "" {
				return nil, errs.New(errs.Decline, "%s declined by %s: %s", msgType, peerAddr, reply.Error)
			}
			return reply.Payload, nil
		}
		lastErr = err
	}
	return nil, errs.Wrap(errs.PeerUnreachable, lastErr, "request %s to %s after %d attempts", msgType, peerAddr, maxAttempts)
}

// TryRequest sends msgType to peerAddr once, with no retry: used where a
// prompt decline (lock already held, chunk absent) is a normal outcome
// the caller will act on immediately rather than something worth retrying.
func (h *Hub) TryRequest(ctx context.Context, peerAddr, msgType string, payload any) (json.RawMessage, error) {
	env, err := Encode(msgType, h.selfAddr, payload)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "encode envelope")
	}
	reply, err := h.doRequest(ctx, peerAddr, env)
	if err != nil {
		return nil, errs.Wrap(errs.PeerUnreachable, err, "request %s to %s", msgType, peerAddr)
	}
	if reply.Error != "" {
		return nil, errs.New(errs.Decline, "%s declined by %s: %s", msgType, peerAddr, reply.Error)
	}
	return reply.Payload, nil
}

func (h *Hub) doRequest(ctx context.Context, peerAddr string, env Envelope) (Reply, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return Reply{}, err
	}

	url := fmt.Sprintf("http://%s/hub/rpc", peerAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return Reply{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return Reply{}, fmt.Errorf("peer %s returned HTTP %d", peerAddr, resp.StatusCode)
	}
	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

// BroadcastResult pairs a peer with the outcome of a broadcast request.
type BroadcastResult struct {
	Peer    string
	Payload json.RawMessage
	Err     error
}

// Broadcast sends msgType to every known peer concurrently and waits for
// all of them to answer or fail, in the manner of its
// DeleteReplicated fan-out but gathering every response instead of
// firing and forgetting — UndisputableBroadcast builds on this.
func (h *Hub) Broadcast(ctx context.Context, msgType string, payload any) []BroadcastResult {
	peers := h.Peers()
	results := make([]BroadcastResult, len(peers))

	var g errgroup.Group
	for i, peer := range peers {
		i, peer := i, peer
		g.Go(func() error {
			reply, err := h.Request(ctx, peer, msgType, payload)
			results[i] = BroadcastResult{Peer: peer, Payload: reply, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// UndisputableBroadcast fans msgType out to every known peer and waits
// for every reply, returning true iff every peer acked — the
// undisputable_broadcast(msg) -> bool operation. Callers that treat a
// partial ack as a mere courtesy (the chunk new-peer gossip and leave
// notices) still get an honest signal back instead of discarding
// it.
func (h *Hub) UndisputableBroadcast(ctx context.Context, msgType string, payload any) bool {
	allAcked := true
	for _, result := range h.Broadcast(ctx, msgType, payload) {
		if result.Err != nil {
			h.log.WithFields(map[string]any{"peer": result.Peer, "type": msgType, "err": result.Err}).Debug("undisputable broadcast declined or unreachable")
			allAcked = false
		}
	}
	return allAcked
}
