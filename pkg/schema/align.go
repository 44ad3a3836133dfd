package schema

// Approximation describes how a backend represents a logical type it
// cannot store exactly: the substitute type it actually uses, and which
// extra-type-info fields are lost in the round trip (§4.C).
type Approximation struct {
	As       Type
	LostInfo []string
}

// ApproxMap is a backend's published map from logical types it cannot
// represent exactly to their nearest substitute. Each working-copy
// backend (GeoPackage, PostgreSQL, MySQL, SQL Server) owns one.
type ApproxMap map[TypeKind]Approximation

// roundTripsTo reports whether reading back a value stored as `stored`
// (possibly approximated from `committed` by approx) should be considered
// unchanged relative to `committed` - i.e. the approximation, not a real
// edit, accounts for any difference.
func roundTripsTo(committed, stored Type, approx ApproxMap) bool {
	if committed.Equal(stored) {
		return true
	}
	if approx == nil {
		return false
	}
	sub, ok := approx[committed.Kind]
	return ok && sub.As.Equal(stored)
}

// AlignTo produces a schema that reuses `old`'s column IDs wherever a
// column in s has the same name and a type compatible with (or merely an
// approximation of) the old column's type, and mints fresh IDs for
// genuinely new columns (§4.C). `salt` seeds fresh-ID generation, e.g. the
// dataset path. approx may be nil (no approximation in play, e.g. when
// aligning two committed schemas rather than a working-copy round trip).
func (s Schema) AlignTo(old Schema, salt string, approx ApproxMap) Schema {
	aligned := Schema{Columns: make([]Column, len(s.Columns))}
	usedOldIDs := map[ID]bool{}

	for i, c := range s.Columns {
		if oldCol, ok := old.ByName(c.Name); ok && !usedOldIDs[oldCol.ID] &&
			(oldCol.Type.Compatible(c.Type) || roundTripsTo(oldCol.Type, c.Type, approx)) {
			aligned.Columns[i] = Column{ID: oldCol.ID, Name: c.Name, Type: c.Type, PKIndex: c.PKIndex}
			usedOldIDs[oldCol.ID] = true
			continue
		}
		aligned.Columns[i] = Column{ID: EncodeColumnID(c.Name, c.Type, salt), Name: c.Name, Type: c.Type, PKIndex: c.PKIndex}
	}
	return aligned
}
