package chorddir

import "encoding/json"

// MessageType enumerates every Chord-level operation the adapter routes.
// One physical hub message type (see Router) carries all of them,
// wrapped in a RoutedChordRequest.
type MessageType string

const (
	GetClosestPrecedingFinger MessageType = "GetClosestPrecedingFinger"
	GetSuccessor              MessageType = "GetSuccessor"
	GetPredecessor            MessageType = "GetPredecessor"
	Lock                      MessageType = "Lock"
	Unlock                    MessageType = "Unlock"
	Notify                    MessageType = "Notify"
	Replace                   MessageType = "Replace"
	AddData                   MessageType = "AddData"
	RetrieveData              MessageType = "RetrieveData"
	FetchResponsibilities     MessageType = "FetchResponsibilities"
	PushResponsibilities      MessageType = "PushResponsibilities"
	InitReplicator            MessageType = "InitReplicator"
	AppendReplicationData     MessageType = "AppendReplicationData"
)

// routedMsgType is the single hub-level message type every table's Chord
// traffic travels under.
const routedMsgType = "chord.route"

// RoutedChordRequest wraps a table-scoped Chord message so one physical
// RPC type suffices for every net-table's overlay.
type RoutedChordRequest struct {
	TableName   string          `json:"table_name"`
	MessageType MessageType     `json:"message_type"`
	Payload     json.RawMessage `json:"payload"`
}

// KeyRequest carries a ring key (usually hex(chunk_id)) — used by
// GetSuccessor, GetClosestPrecedingFinger, RetrieveData, Lock, Unlock.
type KeyRequest struct {
	Key string `json:"key"`
}

// PeerAddr carries a single peer address — the reply to GetSuccessor,
// GetClosestPrecedingFinger and GetPredecessor, and the request of Notify
// and InitReplicator.
type PeerAddr struct {
	Addr string `json:"addr"`
}

// DataEntry is a directory entry: chunk_id_hex → serialized peer list.
type DataEntry struct {
	Key   string   `json:"key"`
	Peers []string `json:"peers"`
}

// ReplicationBatch carries the full set of entries a successor must hold
// as a replica of its predecessor's shard.
type ReplicationBatch struct {
	Entries []DataEntry `json:"entries"`
}
