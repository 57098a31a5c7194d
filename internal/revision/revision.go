// Package revision implements the typed, versioned record ("Revision")
// that is the unit of data in every table: an ordered sequence of named,
// typed fields plus the system fields (id, chunk id, insert/update time,
// removed, previous) every revision carries.
package revision

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"sharedtable/internal/errs"
	"sharedtable/internal/logicaltime"
)

// ID is a 128-bit identifier shared by revisions, chunks, and peers.
type ID [16]byte

func (id ID) String() string { return fmt.Sprintf("%x", [16]byte(id)) }

// IsZero reports whether id is the zero value (never assigned to a real
// revision or chunk).
func (id ID) IsZero() bool { return id == ID{} }

// PreviousRef names the (id, update_time) a CRU revision's history entry
// was derived from.
type PreviousRef struct {
	ID         ID
	UpdateTime logicaltime.Time
}

// Revision is an ordered sequence of typed fields plus the system fields
// requires. The zero value is not usable; construct one with
// NewTemplate from a table's field descriptors.
type Revision struct {
	ID         ID
	ChunkID    ID
	InsertTime logicaltime.Time
	UpdateTime logicaltime.Time // CRU only; zero on CR tables and on first insert
	Removed    bool             // CRU only
	Previous   *PreviousRef     // CRU only, nil on the first version of an id

	order  []string
	values map[string]FieldValue
}

// NewTemplate creates a Revision pre-populated, in order, with the zero
// value of each descriptor's type. This is how a table hands out a
// correctly-shaped revision for callers to Set fields on — fields cannot be
// added ad hoc afterwards, only overwritten in place.
func NewTemplate(descriptors []FieldDescriptor) *Revision {
	r := &Revision{
		order:  make([]string, 0, len(descriptors)),
		values: make(map[string]FieldValue, len(descriptors)),
	}
	for _, d := range descriptors {
		r.order = append(r.order, d.Name)
		r.values[d.Name] = zeroValue(d.Type)
	}
	return r
}

func zeroValue(t FieldType) FieldValue {
	switch t {
	case BLOB:
		return NewBlob(nil)
	case DOUBLE:
		return NewDouble(0)
	case HASH128:
		return NewHash128(ID{})
	case INT32:
		return NewInt32(0)
	case UINT32:
		return NewUint32(0)
	case INT64:
		return NewInt64(0)
	case UINT64:
		return NewUint64(0)
	case STRING:
		return NewString("")
	case BOOL:
		return NewBool(false)
	default:
		return FieldValue{}
	}
}

// FieldNames returns the ordered field names (excluding system fields).
func (r *Revision) FieldNames() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Set assigns value to the named field. It fails with UnknownField if the
// revision has no such field slot, and with SchemaMismatch if value's type
// does not match the field's declared type.
func (r *Revision) Set(name string, value FieldValue) error {
	existing, ok := r.values[name]
	if !ok {
		return errs.New(errs.UnknownField, "no such field %q", name)
	}
	if existing.Type != value.Type {
		return errs.New(errs.SchemaMismatch, "field %q has type %s, got %s", name, existing.Type, value.Type)
	}
	r.values[name] = value
	return nil
}

// Get returns the named field's value, or UnknownField if absent.
func (r *Revision) Get(name string) (FieldValue, error) {
	v, ok := r.values[name]
	if !ok {
		return FieldValue{}, errs.New(errs.UnknownField, "no such field %q", name)
	}
	return v, nil
}

// StructureMatch reports whether r and other declare the same field names,
// in the same order, with the same types — the schema-fidelity check
// an invariant required of every successful insert/update.
func (r *Revision) StructureMatch(other *Revision) bool {
	if len(r.order) != len(other.order) {
		return false
	}
	for i, name := range r.order {
		if other.order[i] != name {
			return false
		}
		if r.values[name].Type != other.values[other.order[i]].Type {
			return false
		}
	}
	return true
}

// FieldEqual compares a single named field between r and other.
func (r *Revision) FieldEqual(other *Revision, name string) (bool, error) {
	a, err := r.Get(name)
	if err != nil {
		return false, err
	}
	b, err := other.Get(name)
	if err != nil {
		return false, err
	}
	return a.Equal(b), nil
}

// Equal reports whether r and other are structurally identical and every
// field compares equal. System fields are not considered.
func (r *Revision) Equal(other *Revision) bool {
	if !r.StructureMatch(other) {
		return false
	}
	for _, name := range r.order {
		if !r.values[name].Equal(other.values[name]) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy, the starting point for the clone + mutate +
// commit_update pattern follows for producing an update.
func (r *Revision) Clone() *Revision {
	out := &Revision{
		ID:         r.ID,
		ChunkID:    r.ChunkID,
		InsertTime: r.InsertTime,
		UpdateTime: r.UpdateTime,
		Removed:    r.Removed,
		order:      append([]string(nil), r.order...),
		values:     make(map[string]FieldValue, len(r.values)),
	}
	for k, v := range r.values {
		out.values[k] = v
	}
	if r.Previous != nil {
		prev := *r.Previous
		out.Previous = &prev
	}
	return out
}

// wireRevision is the JSON projection serialized inside the length-prefixed
// wire frame.
type wireRevision struct {
	ID         ID               `json:"id"`
	ChunkID    ID               `json:"chunk_id"`
	InsertTime logicaltime.Time `json:"insert_time"`
	UpdateTime logicaltime.Time `json:"update_time"`
	Removed    bool             `json:"removed"`
	Previous   *PreviousRef     `json:"previous,omitempty"`
	Order      []string         `json:"order"`
	Values     map[string]FieldValue `json:"values"`
}

// Serialize encodes r as a 4-byte big-endian length prefix followed by a
// JSON payload, the length-prefixed wire form calls for.
func (r *Revision) Serialize() ([]byte, error) {
	w := wireRevision{
		ID:         r.ID,
		ChunkID:    r.ChunkID,
		InsertTime: r.InsertTime,
		UpdateTime: r.UpdateTime,
		Removed:    r.Removed,
		Previous:   r.Previous,
		Order:      r.order,
		Values:     r.values,
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "marshal revision")
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	return buf, nil
}

// Parse decodes a single length-prefixed revision frame written by
// Serialize and returns the revision plus the number of bytes consumed.
func Parse(data []byte) (*Revision, int, error) {
	if len(data) < 4 {
		return nil, 0, errs.New(errs.Invalid, "truncated revision frame")
	}
	n := int(binary.BigEndian.Uint32(data[:4]))
	if len(data) < 4+n {
		return nil, 0, errs.New(errs.Invalid, "truncated revision payload: want %d have %d", n, len(data)-4)
	}
	var w wireRevision
	if err := json.Unmarshal(data[4:4+n], &w); err != nil {
		return nil, 0, errs.Wrap(errs.Invalid, err, "unmarshal revision")
	}
	r := &Revision{
		ID:         w.ID,
		ChunkID:    w.ChunkID,
		InsertTime: w.InsertTime,
		UpdateTime: w.UpdateTime,
		Removed:    w.Removed,
		Previous:   w.Previous,
		order:      w.Order,
		values:     w.Values,
	}
	if r.values == nil {
		r.values = make(map[string]FieldValue)
	}
	return r, 4 + n, nil
}
