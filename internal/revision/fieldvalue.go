package revision

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FieldValue is a tagged union carrying exactly one value of the type named
// by Type. Only the field matching Type is meaningful; callers obtain
// values through the typed As* accessors, which fail if Type doesn't match.
type FieldValue struct {
	Type    FieldType
	blob    []byte
	double  float64
	hash128 [16]byte
	int32   int32
	uint32  uint32
	int64   int64
	uint64  uint64
	str     string
	boolean bool
}

func NewBlob(v []byte) FieldValue        { return FieldValue{Type: BLOB, blob: v} }
func NewDouble(v float64) FieldValue     { return FieldValue{Type: DOUBLE, double: v} }
func NewHash128(v [16]byte) FieldValue   { return FieldValue{Type: HASH128, hash128: v} }
func NewInt32(v int32) FieldValue        { return FieldValue{Type: INT32, int32: v} }
func NewUint32(v uint32) FieldValue      { return FieldValue{Type: UINT32, uint32: v} }
func NewInt64(v int64) FieldValue        { return FieldValue{Type: INT64, int64: v} }
func NewUint64(v uint64) FieldValue      { return FieldValue{Type: UINT64, uint64: v} }
func NewString(v string) FieldValue      { return FieldValue{Type: STRING, str: v} }
func NewBool(v bool) FieldValue          { return FieldValue{Type: BOOL, boolean: v} }

func (v FieldValue) AsBlob() ([]byte, bool)      { return v.blob, v.Type == BLOB }
func (v FieldValue) AsDouble() (float64, bool)   { return v.double, v.Type == DOUBLE }
func (v FieldValue) AsHash128() ([16]byte, bool) { return v.hash128, v.Type == HASH128 }
func (v FieldValue) AsInt32() (int32, bool)      { return v.int32, v.Type == INT32 }
func (v FieldValue) AsUint32() (uint32, bool)    { return v.uint32, v.Type == UINT32 }
func (v FieldValue) AsInt64() (int64, bool)      { return v.int64, v.Type == INT64 }
func (v FieldValue) AsUint64() (uint64, bool)    { return v.uint64, v.Type == UINT64 }
func (v FieldValue) AsString() (string, bool)    { return v.str, v.Type == STRING }
func (v FieldValue) AsBool() (bool, bool)        { return v.boolean, v.Type == BOOL }

// Equal compares two values of the same declared type field-by-field.
// Values of differing Type are never equal.
func (v FieldValue) Equal(other FieldValue) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case BLOB:
		return bytes.Equal(v.blob, other.blob)
	case DOUBLE:
		return v.double == other.double
	case HASH128:
		return v.hash128 == other.hash128
	case INT32:
		return v.int32 == other.int32
	case UINT32:
		return v.uint32 == other.uint32
	case INT64:
		return v.int64 == other.int64
	case UINT64:
		return v.uint64 == other.uint64
	case STRING:
		return v.str == other.str
	case BOOL:
		return v.boolean == other.boolean
	default:
		return false
	}
}

// wireFieldValue is the JSON-friendly projection of FieldValue used by
// Serialize/Parse and by the hub wire envelope.
type wireFieldValue struct {
	Type  FieldType `json:"type"`
	Value any       `json:"value"`
}

func (v FieldValue) MarshalJSON() ([]byte, error) {
	w := wireFieldValue{Type: v.Type}
	switch v.Type {
	case BLOB:
		w.Value = v.blob
	case DOUBLE:
		w.Value = v.double
	case HASH128:
		w.Value = v.hash128
	case INT32:
		w.Value = v.int32
	case UINT32:
		w.Value = v.uint32
	case INT64:
		w.Value = v.int64
	case UINT64:
		w.Value = v.uint64
	case STRING:
		w.Value = v.str
	case BOOL:
		w.Value = v.boolean
	default:
		return nil, fmt.Errorf("revision: unknown field type %d", v.Type)
	}
	return json.Marshal(w)
}

func (v *FieldValue) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type  FieldType       `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.Type = raw.Type
	switch raw.Type {
	case BLOB:
		return json.Unmarshal(raw.Value, &v.blob)
	case DOUBLE:
		return json.Unmarshal(raw.Value, &v.double)
	case HASH128:
		return json.Unmarshal(raw.Value, &v.hash128)
	case INT32:
		return json.Unmarshal(raw.Value, &v.int32)
	case UINT32:
		return json.Unmarshal(raw.Value, &v.uint32)
	case INT64:
		return json.Unmarshal(raw.Value, &v.int64)
	case UINT64:
		return json.Unmarshal(raw.Value, &v.uint64)
	case STRING:
		return json.Unmarshal(raw.Value, &v.str)
	case BOOL:
		return json.Unmarshal(raw.Value, &v.boolean)
	default:
		return fmt.Errorf("revision: unknown field type %d", raw.Type)
	}
}
