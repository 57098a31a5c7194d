// Package table implements the per-table schema descriptor and the
// per-peer local persistence backing a table: create_table, insert,
// bulk_insert, update, patch, get, dump, history, find.
package table

import "sharedtable/internal/revision"

// Type distinguishes append-only (CR) tables from append+update+logical
// delete (CRU) tables.
type Type int

const (
	CR Type = iota
	CRU
)

func (t Type) String() string {
	if t == CRU {
		return "CRU"
	}
	return "CR"
}

// Descriptor is a table's schema: its name, ordered field descriptors, and
// CR/CRU type.
type Descriptor struct {
	Name   string
	Fields []revision.FieldDescriptor
	Type   Type
}

// Template returns a fresh Revision shaped by this descriptor's fields,
// ready for callers to Set values on before Insert.
func (d Descriptor) Template() *revision.Revision {
	return revision.NewTemplate(d.Fields)
}
