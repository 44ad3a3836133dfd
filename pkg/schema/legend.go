package schema

import (
	"crypto/sha256"
	"encoding/hex"
)

// Legend is the ordered list of column IDs that a group of feature blobs
// was encoded against (GLOSSARY). pkg/blobcodec pairs each encoded value
// with its column's position in the legend rather than with the column's
// ordinal in the live schema, which is what lets a column be added or
// dropped without perturbing existing feature blobs (§4.A).
type Legend struct {
	ColumnIDs []ID
}

// LegendOf derives the legend for a schema: its column IDs in schema
// order.
func LegendOf(s Schema) Legend {
	l := Legend{ColumnIDs: make([]ID, len(s.Columns))}
	for i, c := range s.Columns {
		l.ColumnIDs[i] = c.ID
	}
	return l
}

// Hash returns the content address of the legend: two schemas with the
// same column IDs in the same order share it. No legend blob is written
// or read under this name; legends are derived from the schema itself
// (LegendOf).
func (l Legend) Hash() string {
	h := sha256.New()
	for _, id := range l.ColumnIDs {
		b := id // uuid.UUID is [16]byte
		h.Write(b[:])
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// IndexOf returns the position of a column ID within the legend, or -1.
func (l Legend) IndexOf(id ID) int {
	for i, cid := range l.ColumnIDs {
		if cid == id {
			return i
		}
	}
	return -1
}
