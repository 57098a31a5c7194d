package revision

import (
	"fmt"
	"strings"
)

// FieldType enumerates the types a revision field can hold, realized as
// a sum type whose variants carry the value directly (FieldValue) rather
// than a descriptor enum with per-type overloaded setters.
type FieldType int

const (
	BLOB FieldType = iota
	DOUBLE
	HASH128
	INT32
	UINT32
	INT64
	UINT64
	STRING
	BOOL
)

func (t FieldType) String() string {
	switch t {
	case BLOB:
		return "BLOB"
	case DOUBLE:
		return "DOUBLE"
	case HASH128:
		return "HASH128"
	case INT32:
		return "INT32"
	case UINT32:
		return "UINT32"
	case INT64:
		return "INT64"
	case UINT64:
		return "UINT64"
	case STRING:
		return "STRING"
	case BOOL:
		return "BOOL"
	default:
		return "UNKNOWN"
	}
}

// FieldDescriptor names one field of a table's schema and its type.
type FieldDescriptor struct {
	Name string
	Type FieldType
}

// ParseFieldType parses one of the FieldType names (case-insensitive) as
// printed by String, for config and admin-API callers that name a type as
// text rather than construct the constant directly.
func ParseFieldType(s string) (FieldType, error) {
	switch strings.ToUpper(s) {
	case "BLOB":
		return BLOB, nil
	case "DOUBLE":
		return DOUBLE, nil
	case "HASH128":
		return HASH128, nil
	case "INT32":
		return INT32, nil
	case "UINT32":
		return UINT32, nil
	case "INT64":
		return INT64, nil
	case "UINT64":
		return UINT64, nil
	case "STRING":
		return STRING, nil
	case "BOOL":
		return BOOL, nil
	default:
		return 0, fmt.Errorf("revision: unknown field type %q", s)
	}
}
