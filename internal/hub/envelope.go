// Package hub implements the RPC transport every peer uses to talk to the
// rest of the swarm: a typed message envelope carried over HTTP, a
// handler registry, request/broadcast helpers, and file-based peer
// discovery, generalized from single-purpose routes into one routed
// envelope so every higher-level component (chunk, nettable, chorddir)
// can register its own message types without adding new HTTP routes.
package hub

import "encoding/json"

// Envelope is the wire message every RPC carries: a message Type that
// selects the registered Handler, the Sender's address so handlers can
// reply or record provenance, and an opaque, type-specific Payload.
type Envelope struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}

// Reply is the wire response to an Envelope: either a Payload or an Error
// string describing why the handler declined or failed.
type Reply struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Encode marshals v into an Envelope's Payload field.
func Encode(msgType, sender string, v any) (Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Sender: sender, Payload: data}, nil
}

// Decode unmarshals an Envelope's Payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}
